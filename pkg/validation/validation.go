package validation

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"roomcast/internal/core/domain"
)

const (
	maxIDLength          = 128
	maxTitleLength       = 140
	maxDescriptionLength = 2000
	maxPrice             = 100000
)

// IDRegex covers principal, room and stream identifiers, including uuids.
var IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// ValidateID checks one identifier, naming it in the error.
func ValidateID(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, maxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

func ValidateRoomID(id domain.RoomID) error {
	return ValidateID(string(id), "room ID")
}

func ValidateStreamID(id domain.StreamID) error {
	return ValidateID(string(id), "stream ID")
}

func ValidatePrincipalID(id domain.PrincipalID) error {
	return ValidateID(string(id), "principal ID")
}

// ValidateGoLiveRequest normalizes the free-text fields in place and checks
// the pricing.
func ValidateGoLiveRequest(req *domain.GoLiveRequest) error {
	req.Title = SanitizeString(req.Title)
	req.Description = SanitizeString(req.Description)

	if err := ValidateStringLength(req.Title, 0, maxTitleLength, "title"); err != nil {
		return err
	}
	if err := ValidateStringLength(req.Description, 0, maxDescriptionLength, "description"); err != nil {
		return err
	}
	if math.IsNaN(req.Price) || req.Price < 0 {
		return fmt.Errorf("price must be >= 0")
	}
	if req.Price > maxPrice {
		return fmt.Errorf("price is too high (max %d)", maxPrice)
	}
	if req.IsFree && req.Price > 0 {
		return fmt.Errorf("a free session cannot have a price")
	}
	return nil
}

// ValidateStringLength validates string length in runes.
func ValidateStringLength(s string, min, max int, fieldName string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}

// SanitizeString drops control characters other than line breaks and tabs
// and trims surrounding whitespace.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

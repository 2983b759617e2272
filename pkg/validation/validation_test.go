package validation

import (
	"strings"
	"testing"

	"roomcast/internal/core/domain"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "perf-1", false},
		{"uuid", "7b0c5c3e-8d5e-4c1f-9a38-2b8b0f3c9a11", false},
		{"namespaced", "user:42", false},
		{"empty", "", true},
		{"spaces", "room 1", true},
		{"slash", "room/1", true},
		{"too long", strings.Repeat("a", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.id, "id")
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateTypedIDs(t *testing.T) {
	if err := ValidateRoomID(""); err == nil || !strings.Contains(err.Error(), "room ID") {
		t.Errorf("expected room ID error, got %v", err)
	}
	if err := ValidateStreamID("s1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidatePrincipalID("bad id"); err == nil {
		t.Error("expected error for principal id with space")
	}
}

func TestValidateGoLiveRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     domain.GoLiveRequest
		wantErr bool
	}{
		{"free", domain.GoLiveRequest{Title: "hello", IsFree: true}, false},
		{"paid", domain.GoLiveRequest{Title: "vip", Price: 9.99}, false},
		{"negative price", domain.GoLiveRequest{Price: -1}, true},
		{"free with price", domain.GoLiveRequest{IsFree: true, Price: 5}, true},
		{"title too long", domain.GoLiveRequest{Title: strings.Repeat("x", 141), IsFree: true}, true},
		{"price too high", domain.GoLiveRequest{Price: 100001}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			err := ValidateGoLiveRequest(&req)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateGoLiveRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateGoLiveRequest_Sanitizes(t *testing.T) {
	req := domain.GoLiveRequest{Title: "  late\x00 show  ", Description: "\tline\n", IsFree: true}
	if err := ValidateGoLiveRequest(&req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Title != "late show" {
		t.Errorf("Title = %q, want %q", req.Title, "late show")
	}
	if req.Description != "line" {
		t.Errorf("Description = %q, want %q", req.Description, "line")
	}
}

package middleware

import (
	"strings"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/pkg/errors"
	"roomcast/pkg/logger"

	"github.com/gin-gonic/gin"
)

const principalKey = "principal"

var errInvalidAuthHeader = errors.NewUnauthorizedError("invalid authorization header format")

// AuthMiddleware requires a valid bearer token.
func AuthMiddleware(resolver ports.IdentityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, appErr := bearerToken(c)
		if appErr != nil {
			abortWith(c, appErr)
			return
		}
		if token == "" {
			abortWith(c, errors.NewUnauthorizedError("authorization header required"))
			return
		}
		if !resolve(c, resolver, token) {
			return
		}
		if PrincipalFromContext(c) == nil {
			abortWith(c, errors.NewUnauthorizedError("authentication required"))
			return
		}
		c.Next()
	}
}

// OptionalAuthMiddleware lets requests without a token through as guests.
// A token that is present but invalid is still rejected.
func OptionalAuthMiddleware(resolver ports.IdentityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, appErr := bearerToken(c)
		if appErr != nil {
			abortWith(c, appErr)
			return
		}
		if token == "" {
			c.Next()
			return
		}
		if !resolve(c, resolver, token) {
			return
		}
		c.Next()
	}
}

// RequireAdmin must run after AuthMiddleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := PrincipalFromContext(c)
		if p == nil || !p.Admin {
			abortWith(c, errors.NewForbiddenError("admin privileges required"))
			return
		}
		c.Next()
	}
}

// RequirePerformer must run after AuthMiddleware.
func RequirePerformer() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := PrincipalFromContext(c)
		if p == nil || p.Kind != domain.KindPerformer {
			abortWith(c, errors.NewForbiddenError("performer account required"))
			return
		}
		c.Next()
	}
}

// PrincipalFromContext returns the resolved principal, or nil for guests.
func PrincipalFromContext(c *gin.Context) *domain.Principal {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil
	}
	p, _ := v.(*domain.Principal)
	return p
}

func resolve(c *gin.Context, resolver ports.IdentityResolver, token string) bool {
	principal, err := resolver.ResolveIdentity(c.Request.Context(), token)
	if err != nil {
		abortWith(c, errors.NewUnauthorizedError("invalid token"))
		return false
	}
	if principal != nil {
		c.Set(principalKey, principal)
		c.Request = c.Request.WithContext(logger.WithPrincipalID(c.Request.Context(), string(principal.ID)))
	}
	return true
}

// bearerToken returns "" when no Authorization header was sent.
func bearerToken(c *gin.Context) (string, *errors.AppError) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", nil
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", errInvalidAuthHeader
	}
	return parts[1], nil
}

func abortWith(c *gin.Context, err *errors.AppError) {
	c.AbortWithStatusJSON(err.HTTPStatus, gin.H{
		"error":   string(err.Code),
		"message": err.Message,
	})
}

package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/validation"
)

const (
	// ContextKeyCaller is the key for storing the authenticated principal in gin context
	ContextKeyCaller = "authCaller"

	// HeaderCaller carries the caller principal when header identity is enabled.
	HeaderCaller = "X-Caller"
)

// Middleware resolves the caller from a bearer token, or from X-Caller when
// trustHeader is set. issuer may be nil when only header identity is used.
// Invalid credentials are ignored here; RequireCaller rejects the request.
func Middleware(issuer *Issuer, trustHeader bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := ""
		if issuer != nil {
			if token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
				if sub, err := issuer.Parse(strings.TrimSpace(token)); err == nil {
					caller = sub
				} else {
					logging.L(c.Request.Context()).Debug("rejected bearer token", "error", err)
				}
			}
		}
		if caller == "" && trustHeader {
			caller = strings.TrimSpace(c.GetHeader(HeaderCaller))
		}

		if caller != "" && validation.IsValidPrincipal(caller) {
			c.Set(ContextKeyCaller, caller)
			c.Request = c.Request.WithContext(logging.WithCaller(c.Request.Context(), caller))
		}
		c.Next()
	}
}

// RequireCaller rejects requests without an authenticated caller.
func RequireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetCaller(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Caller identity required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// GetCaller returns the authenticated principal, if any.
func GetCaller(c *gin.Context) (string, bool) {
	caller := c.GetString(ContextKeyCaller)
	return caller, caller != ""
}

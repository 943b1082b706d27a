package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/canvasbanana/internal/identity"
	obscontext "github.com/smallbiznis/canvasbanana/internal/observability/context"
)

const contextAccountIDKey = "account_id"

// Authenticate attaches the bearer identity when one is presented. Requests
// without a token continue anonymously; a bad token is rejected.
func (s *Server) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := identity.BearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			c.Next()
			return
		}
		if s.verifier == nil {
			AbortWithError(c, identity.ErrNotVerifying)
			return
		}

		id, err := s.verifier.Verify(c.Request.Context(), raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := identity.WithIdentity(c.Request.Context(), id)
		ctx = obscontext.WithAccountID(ctx, id.AccountID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextAccountIDKey, id.AccountID)
		c.Next()
	}
}

func (s *Server) RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := identity.FromContext(c.Request.Context())
		if id == nil || strings.TrimSpace(id.AccountID) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func callerIdentity(c *gin.Context) *identity.Identity {
	if id := identity.FromContext(c.Request.Context()); id != nil {
		return id
	}
	return &identity.Identity{}
}

// Package middleware provides HTTP middleware for the helper API.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/services"
)

// TokenHeader carries the helper token.
const TokenHeader = "Authorization"

// TokenRequired rejects requests without the install-time token. The token
// is checked against its bcrypt hash once; later requests compare against
// the verified value.
func TokenRequired(tokens *services.TokenService) gin.HandlerFunc {
	var (
		mu       sync.RWMutex
		verified string
	)

	return func(c *gin.Context) {
		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader(TokenHeader), "Bearer"))
		if token == "" {
			abortUnauthorized(c)
			return
		}

		mu.RLock()
		known := verified != "" && subtle.ConstantTimeCompare([]byte(token), []byte(verified)) == 1
		mu.RUnlock()

		if !known {
			if err := tokens.CheckToken(token); err != nil {
				abortUnauthorized(c)
				return
			}
			mu.Lock()
			verified = token
			mu.Unlock()
		}

		c.Next()
	}
}

func abortUnauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "unauthorized", Kind: models.KindPrivilege})
	c.Abort()
}

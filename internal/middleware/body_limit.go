package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
)

// BodySizeLimit limits request bodies to maxBytes. Helper requests are small
// JSON documents.
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}

		if c.Request.ContentLength > maxBytes {
			c.JSON(http.StatusRequestEntityTooLarge, models.ErrorResponse{
				Error: "request body too large",
				Kind:  models.KindConfig,
			})
			c.Abort()
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// DefaultBodyLimit returns middleware with a 64KB limit.
func DefaultBodyLimit() gin.HandlerFunc {
	return BodySizeLimit(64 << 10)
}

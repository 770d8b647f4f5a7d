package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pandeptwidyaop/mdm-migrate/internal/version"
)

type VersionHandler struct{}

func NewVersionHandler() *VersionHandler {
	return &VersionHandler{}
}

// Get returns the helper build.
// GET /api/version
func (h *VersionHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, version.Info())
}

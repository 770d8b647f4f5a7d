package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pandeptwidyaop/mdm-migrate/internal/portal"
	"github.com/pandeptwidyaop/mdm-migrate/internal/services"
)

type PortalHandler struct {
	installer *portal.Installer
	guard     *services.Guard
}

func NewPortalHandler(installer *portal.Installer, guard *services.Guard) *PortalHandler {
	return &PortalHandler{installer: installer, guard: guard}
}

// Update downloads and installs the portal application.
// POST /api/portal/update
func (h *PortalHandler) Update(c *gin.Context) {
	release, ok := acquire(c, h.guard, "portal_update")
	if !ok {
		return
	}
	defer release()

	result, err := h.installer.Update(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

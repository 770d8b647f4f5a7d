package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/services"
)

type FileVaultHandler struct {
	filevault *services.FileVaultService
	guard     *services.Guard
}

func NewFileVaultHandler(filevault *services.FileVaultService, guard *services.Guard) *FileVaultHandler {
	return &FileVaultHandler{filevault: filevault, guard: guard}
}

// Rotate generates a new personal recovery key.
// POST /api/filevault/rotate
func (h *FileVaultHandler) Rotate(c *gin.Context) {
	var req models.RotationRequest
	// Credentials are only required when FileVault is on; the service
	// validates them after the status check.
	_ = c.ShouldBindJSON(&req)

	release, ok := acquire(c, h.guard, "rotate_recovery_key")
	if !ok {
		return
	}
	defer release()

	result, err := h.filevault.Rotate(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/services"
)

// BackupHandler creates and lists backups.
type BackupHandler struct {
	backups    *services.BackupService
	enrollment *services.EnrollmentService
}

func NewBackupHandler(backups *services.BackupService, enrollment *services.EnrollmentService) *BackupHandler {
	return &BackupHandler{backups: backups, enrollment: enrollment}
}

// Create exports the profile store for a vendor.
// POST /api/backups
func (h *BackupHandler) Create(c *gin.Context) {
	var req models.BackupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "vendor_id", "vendor_id is required")
		return
	}

	record, err := h.backups.Create(c.Request.Context(), req.VendorID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

// CreateTenant backs up the target portal's tenant settings.
// POST /api/backups/tenant
func (h *BackupHandler) CreateTenant(c *gin.Context) {
	record, err := h.backups.BackupTenantSettings(c.Request.Context(), h.enrollment.TenantSettingsPaths())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

// AddArtifacts copies vendor files into an existing backup.
// POST /api/backups/:id/artifacts
func (h *BackupHandler) AddArtifacts(c *gin.Context) {
	var req models.ArtifactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "paths", "paths is required")
		return
	}

	result, err := h.backups.AddArtifacts(c.Request.Context(), c.Param("id"), req.Paths)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// List returns every backup record.
// GET /api/backups
func (h *BackupHandler) List(c *gin.Context) {
	records, err := h.backups.List()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/services"
)

type EnrollmentHandler struct {
	enrollment *services.EnrollmentService
	guard      *services.Guard
}

func NewEnrollmentHandler(enrollment *services.EnrollmentService, guard *services.Guard) *EnrollmentHandler {
	return &EnrollmentHandler{enrollment: enrollment, guard: guard}
}

// Tenant returns the configured tenant.
// GET /api/tenant
func (h *EnrollmentHandler) Tenant(c *gin.Context) {
	tenant, err := h.enrollment.ReadTenant(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.TenantResponse{Tenant: tenant})
}

// Enroll enrolls the device in the named tenant.
// POST /api/enroll
func (h *EnrollmentHandler) Enroll(c *gin.Context) {
	var req models.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "tenant", "invalid request body")
		return
	}

	release, ok := acquire(c, h.guard, "enroll")
	if !ok {
		return
	}
	defer release()

	if err := h.enrollment.Enroll(c.Request.Context(), req.Tenant); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// Status reports enrollment, disk encryption and security policy state.
// GET /api/status
func (h *EnrollmentHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.enrollment.Status(c.Request.Context()))
}

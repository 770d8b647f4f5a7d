package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pandeptwidyaop/mdm-migrate/internal/services"
)

// VendorCommandHandler runs registry-declared vendor commands.
type VendorCommandHandler struct {
	removal *services.RemovalService
	guard   *services.Guard
}

func NewVendorCommandHandler(removal *services.RemovalService, guard *services.Guard) *VendorCommandHandler {
	return &VendorCommandHandler{removal: removal, guard: guard}
}

// RunCommand runs one removal command of a vendor.
// POST /api/vendors/:id/commands/:index
func (h *VendorCommandHandler) RunCommand(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		badRequest(c, "index", "command index must be a number")
		return
	}

	release, ok := acquire(c, h.guard, "removal_command")
	if !ok {
		return
	}
	defer release()

	result, err := h.removal.RunCommand(c.Request.Context(), c.Param("id"), index)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Unenroll runs a vendor's agent unenroll command.
// POST /api/vendors/:id/unenroll
func (h *VendorCommandHandler) Unenroll(c *gin.Context) {
	release, ok := acquire(c, h.guard, "unenroll")
	if !ok {
		return
	}
	defer release()

	result, err := h.removal.Unenroll(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

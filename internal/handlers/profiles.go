package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pandeptwidyaop/mdm-migrate/internal/services"
)

type ProfileHandler struct {
	profiles *services.ProfileService
	guard    *services.Guard
}

func NewProfileHandler(profiles *services.ProfileService, guard *services.Guard) *ProfileHandler {
	return &ProfileHandler{profiles: profiles, guard: guard}
}

// List returns the parsed profile store.
// GET /api/profiles
func (h *ProfileHandler) List(c *gin.Context) {
	list, err := h.profiles.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// RemoveAll removes every removable profile.
// DELETE /api/profiles
func (h *ProfileHandler) RemoveAll(c *gin.Context) {
	release, ok := acquire(c, h.guard, "remove_all_profiles")
	if !ok {
		return
	}
	defer release()

	if err := h.profiles.RemoveAll(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Remove removes one profile.
// DELETE /api/profiles/:identifier
func (h *ProfileHandler) Remove(c *gin.Context) {
	release, ok := acquire(c, h.guard, "remove_profile")
	if !ok {
		return
	}
	defer release()

	if err := h.profiles.Remove(c.Request.Context(), c.Param("identifier")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

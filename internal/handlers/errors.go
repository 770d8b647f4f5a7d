// Package handlers implements the privileged helper's HTTP API.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/services"
)

var kindStatus = map[string]int{
	models.KindConfig:       http.StatusBadRequest,
	models.KindNotFound:     http.StatusNotFound,
	models.KindBusy:         http.StatusConflict,
	models.KindPrivilege:    http.StatusForbidden,
	models.KindTimeout:      http.StatusGatewayTimeout,
	models.KindCommand:      http.StatusUnprocessableEntity,
	models.KindVerification: http.StatusUnprocessableEntity,
	models.KindInternal:     http.StatusInternalServerError,
}

// respondError writes err as an ErrorResponse with a status matching its kind.
func respondError(c *gin.Context, err error) {
	resp := models.NewErrorResponse(err)
	status, ok := kindStatus[resp.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	c.JSON(status, resp)
}

func badRequest(c *gin.Context, field, message string) {
	respondError(c, &models.ConfigError{Field: field, Message: message})
}

// acquire claims the busy guard for a destructive operation. On failure the
// 409 response has already been written.
func acquire(c *gin.Context, guard *services.Guard, operation string) (func(), bool) {
	release, err := guard.Acquire(operation)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return release, true
}

package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/pandeptwidyaop/mdm-migrate/internal/handlers"
	"github.com/pandeptwidyaop/mdm-migrate/internal/version"
)

func TestVersionHandler_Get(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := handlers.NewVersionHandler()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/api/version", nil)

	handler.Get(c)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var response map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if response["version"] != version.Version {
		t.Errorf("expected version %q, got %q", version.Version, response["version"])
	}
}

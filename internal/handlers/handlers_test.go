package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/mdm-migrate/internal/database"
	"github.com/pandeptwidyaop/mdm-migrate/internal/handlers"
	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/registry"
	"github.com/pandeptwidyaop/mdm-migrate/internal/services"
)

type stubRunner struct {
	mu      sync.Mutex
	outputs map[string]string
	failing map[string]int
	calls   []string
}

func newStubRunner() *stubRunner {
	return &stubRunner{outputs: map[string]string{}, failing: map[string]int{}}
}

func (s *stubRunner) Run(ctx context.Context, name string, args ...string) (*models.CommandResult, error) {
	return s.RunWithTimeout(ctx, 0, name, args...)
}

func (s *stubRunner) RunWithTimeout(_ context.Context, _ time.Duration, name string, args ...string) (*models.CommandResult, error) {
	command := strings.TrimSpace(name + " " + strings.Join(args, " "))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, command)

	// profiles show -output writes a file.
	if len(args) > 0 && args[0] == "show" {
		_ = os.WriteFile(args[len(args)-1], []byte("<plist/>"), 0600)
	}

	result := &models.CommandResult{Command: command, Stdout: s.outputs[command], Status: models.StatusSuccess}
	if code, ok := s.failing[command]; ok {
		result.Status = models.StatusFailed
		result.ExitCode = code
		return result, &models.CommandError{Command: command, ExitCode: code, Stderr: "failed"}
	}
	return result, nil
}

type testEnv struct {
	router *gin.Engine
	runner *stubRunner
	guard  *services.Guard
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.NewMemory()
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	reg, err := registry.NewDefault()
	if err != nil {
		t.Fatal(err)
	}

	log := zerolog.Nop()
	runner := newStubRunner()
	guard := services.NewGuard()
	audit := services.NewAuditService(db, log)
	profiles := services.NewProfileService(runner, audit, log)
	removal := services.NewRemovalService(reg, runner, audit, log)
	backups := services.NewBackupService(db, profiles, audit, t.TempDir(), log)
	enrollment := services.NewEnrollmentService(runner, profiles, audit, "com.microsoft.CompanyPortalMac", log)
	filevault := services.NewFileVaultService(runner, audit, time.Minute, log)

	r := gin.New()
	api := r.Group("/api")

	profileHandler := handlers.NewProfileHandler(profiles, guard)
	api.GET("/profiles", profileHandler.List)
	api.DELETE("/profiles", profileHandler.RemoveAll)
	api.DELETE("/profiles/:identifier", profileHandler.Remove)

	vendorHandler := handlers.NewVendorCommandHandler(removal, guard)
	api.POST("/vendors/:id/commands/:index", vendorHandler.RunCommand)
	api.POST("/vendors/:id/unenroll", vendorHandler.Unenroll)

	backupHandler := handlers.NewBackupHandler(backups, enrollment)
	api.GET("/backups", backupHandler.List)
	api.POST("/backups", backupHandler.Create)
	api.POST("/backups/tenant", backupHandler.CreateTenant)
	api.POST("/backups/:id/artifacts", backupHandler.AddArtifacts)

	enrollmentHandler := handlers.NewEnrollmentHandler(enrollment, guard)
	api.GET("/tenant", enrollmentHandler.Tenant)
	api.GET("/status", enrollmentHandler.Status)
	api.POST("/enroll", enrollmentHandler.Enroll)

	fileVaultHandler := handlers.NewFileVaultHandler(filevault, guard)
	api.POST("/filevault/rotate", fileVaultHandler.Rotate)

	api.GET("/audit", handlers.NewAuditHandler(audit).List)

	return &testEnv{router: r, runner: runner, guard: guard}
}

func (e *testEnv) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error response: %v (%s)", err, w.Body.String())
	}
	return resp
}

func TestProfileHandler_List(t *testing.T) {
	env := newTestEnv(t)
	env.runner.outputs["/usr/bin/profiles list -all"] = "There are 1 configuration profiles installed\n" +
		"_computerlevel[1] attribute: profileIdentifier: io.kandji.mdm\n"

	w := env.do(http.MethodGet, "/api/profiles", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var list models.ProfileList
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Count != 1 || list.Identifiers[0] != "io.kandji.mdm" {
		t.Errorf("unexpected list: %+v", list)
	}
}

func TestProfileHandler_RemoveBusy(t *testing.T) {
	env := newTestEnv(t)
	release, err := env.guard.Acquire("enroll")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	w := env.do(http.MethodDelete, "/api/profiles/io.kandji.mdm", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Kind != models.KindBusy {
		t.Errorf("expected busy kind, got %s", resp.Kind)
	}
	if len(env.runner.calls) != 0 {
		t.Errorf("expected no command while busy, got %v", env.runner.calls)
	}
}

func TestProfileHandler_RemoveInvalidIdentifier(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodDelete, "/api/profiles/-all", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
	if env.guard.Current() != "" {
		t.Error("expected guard to be released")
	}
}

func TestProfileHandler_RemoveAll(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodDelete, "/api/profiles", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", w.Code)
	}
	if env.runner.calls[0] != "/usr/bin/profiles remove -all -forced" {
		t.Errorf("unexpected command %v", env.runner.calls)
	}
}

func TestVendorCommandHandler_RunCommand(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/vendors/jamf/commands/1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if env.runner.calls[0] != "/usr/local/bin/jamf removeFramework" {
		t.Errorf("unexpected command %v", env.runner.calls)
	}
}

func TestVendorCommandHandler_CommandFailure(t *testing.T) {
	env := newTestEnv(t)
	env.runner.failing["/usr/local/bin/jamf removeMdmProfile"] = 2

	w := env.do(http.MethodPost, "/api/vendors/jamf/commands/0", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", w.Code)
	}
	resp := decodeError(t, w)
	if resp.Kind != models.KindCommand || resp.ExitCode != 2 {
		t.Errorf("unexpected error response %+v", resp)
	}
}

func TestVendorCommandHandler_BadIndex(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(http.MethodPost, "/api/vendors/jamf/commands/x", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
	if w := env.do(http.MethodPost, "/api/vendors/jamf/commands/9", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestVendorCommandHandler_UnenrollUnknownVendor(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/vendors/nope/unenroll", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
}

func TestBackupHandler_CreateAndList(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/backups", models.BackupRequest{VendorID: "jamf"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var record models.BackupRecord
	if err := json.Unmarshal(w.Body.Bytes(), &record); err != nil {
		t.Fatal(err)
	}
	if record.VendorID != "jamf" || record.Path == "" {
		t.Errorf("unexpected record %+v", record)
	}

	src := filepath.Join(t.TempDir(), "com.jamfsoftware.jamf.plist")
	if err := os.WriteFile(src, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	w = env.do(http.MethodPost, "/api/backups/"+record.ID+"/artifacts", models.ArtifactRequest{Paths: []string{src}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(http.MethodGet, "/api/backups", nil)
	var records []models.BackupRecord
	if err := json.Unmarshal(w.Body.Bytes(), &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("expected 1 backup, got %d", len(records))
	}
}

func TestBackupHandler_CreateRequiresVendor(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/backups", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestBackupHandler_CreateTenant(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/backups/tenant", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var record models.BackupRecord
	if err := json.Unmarshal(w.Body.Bytes(), &record); err != nil {
		t.Fatal(err)
	}
	if record.VendorID != services.TenantBackupVendor {
		t.Errorf("expected tenant backup, got %s", record.VendorID)
	}
}

func TestEnrollmentHandler_Enroll(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/enroll", models.EnrollRequest{Tenant: ""})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Error != "tenant name is required" {
		t.Errorf("unexpected error %q", resp.Error)
	}

	w = env.do(http.MethodPost, "/api/enroll", models.EnrollRequest{Tenant: "contoso"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}
}

func TestEnrollmentHandler_TenantAndStatus(t *testing.T) {
	env := newTestEnv(t)
	env.runner.outputs["/usr/bin/defaults read /Library/Preferences/com.microsoft.CompanyPortalMac.plist TenantName"] = "contoso\n"
	env.runner.outputs["/usr/bin/fdesetup status"] = "FileVault is On.\n"

	w := env.do(http.MethodGet, "/api/tenant", nil)
	var tenant models.TenantResponse
	if err := json.Unmarshal(w.Body.Bytes(), &tenant); err != nil {
		t.Fatal(err)
	}
	if tenant.Tenant != "contoso" {
		t.Errorf("expected contoso, got %q", tenant.Tenant)
	}

	w = env.do(http.MethodGet, "/api/status", nil)
	var status models.HelperStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if !status.DiskEncryptionEnabled || status.MDMEnrolled {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestFileVaultHandler_RotateSkippedWhenOff(t *testing.T) {
	env := newTestEnv(t)
	env.runner.outputs["/usr/bin/fdesetup status"] = "FileVault is Off.\n"

	w := env.do(http.MethodPost, "/api/filevault/rotate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var result models.RotationResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Outcome != models.RotationSkipped {
		t.Errorf("expected skipped, got %s", result.Outcome)
	}
}

func TestAuditHandler_List(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodDelete, "/api/profiles", nil)

	w := env.do(http.MethodGet, "/api/audit?limit=10", nil)
	var logs []services.AuditLogEntry
	if err := json.Unmarshal(w.Body.Bytes(), &logs); err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].Action != "remove_all_profiles" {
		t.Errorf("unexpected audit logs %+v", logs)
	}
}

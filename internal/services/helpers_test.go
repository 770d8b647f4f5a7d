package services_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/mdm-migrate/internal/database"
	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/services"
)

// fakeRunner answers commands from a table keyed by the full command line.
type fakeRunner struct {
	mu       sync.Mutex
	results  map[string]fakeResult
	calls    []string
	timeouts []time.Duration
}

type fakeResult struct {
	stdout string
	stderr string
	exit   int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: make(map[string]fakeResult)}
}

func (f *fakeRunner) on(command string, r fakeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[command] = r
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (*models.CommandResult, error) {
	return f.RunWithTimeout(ctx, 0, name, args...)
}

func (f *fakeRunner) RunWithTimeout(_ context.Context, timeout time.Duration, name string, args ...string) (*models.CommandResult, error) {
	command := strings.TrimSpace(name + " " + strings.Join(args, " "))

	f.mu.Lock()
	f.calls = append(f.calls, command)
	f.timeouts = append(f.timeouts, timeout)
	r := f.results[command]
	f.mu.Unlock()

	result := &models.CommandResult{
		Command:  command,
		Stdout:   r.stdout,
		Stderr:   r.stderr,
		ExitCode: r.exit,
		Status:   models.StatusSuccess,
	}
	if r.exit != 0 {
		result.Status = models.StatusFailed
		return result, &models.CommandError{Command: command, ExitCode: r.exit, Stderr: r.stderr}
	}
	return result, nil
}

func (f *fakeRunner) called(command string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == command {
			return true
		}
	}
	return false
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.NewMemory()
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newAudit(t *testing.T) (*services.AuditService, *database.DB) {
	db := setupTestDB(t)
	return services.NewAuditService(db, zerolog.Nop()), db
}

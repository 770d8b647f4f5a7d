package services_test

import (
	"errors"
	"testing"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/services"
)

func TestGuard_RejectsConcurrentOperation(t *testing.T) {
	guard := services.NewGuard()

	release, err := guard.Acquire("remove_profiles")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if guard.Current() != "remove_profiles" {
		t.Errorf("expected current operation remove_profiles, got %q", guard.Current())
	}

	if _, err := guard.Acquire("enroll"); !errors.Is(err, models.ErrHelperBusy) {
		t.Errorf("expected ErrHelperBusy, got %v", err)
	}

	release()
	release()

	release2, err := guard.Acquire("enroll")
	if err != nil {
		t.Fatalf("expected guard to be free after release: %v", err)
	}
	release2()
	if guard.Current() != "" {
		t.Errorf("expected guard idle, got %q", guard.Current())
	}
}

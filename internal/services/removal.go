package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/registry"
	"github.com/pandeptwidyaop/mdm-migrate/internal/validation"
)

// RemovalService runs registry-declared vendor commands. Callers address a
// command by vendor and index; the command line itself never crosses the
// socket.
type RemovalService struct {
	registry *registry.Registry
	runner   Runner
	audit    *AuditService
	log      zerolog.Logger
}

func NewRemovalService(reg *registry.Registry, runner Runner, audit *AuditService, log zerolog.Logger) *RemovalService {
	return &RemovalService{registry: reg, runner: runner, audit: audit, log: log}
}

// RunCommand runs the index-th removal command of vendorID.
func (s *RemovalService) RunCommand(ctx context.Context, vendorID string, index int) (*models.CommandResult, error) {
	if err := validation.ValidateVendorID(vendorID); err != nil {
		return nil, &models.ConfigError{Field: "vendor", Message: fmt.Sprintf("invalid vendor id: %v", err)}
	}

	cmds := s.registry.GetRemovalCommands(vendorID)
	if index < 0 || index >= len(cmds) {
		return nil, &models.ConfigError{
			Field:   "index",
			Message: fmt.Sprintf("vendor %s has no removal command %d", vendorID, index),
		}
	}

	cmd := cmds[index]
	s.log.Info().
		Str("vendor", vendorID).
		Int("index", index).
		Str("description", cmd.Description).
		Msg("Running vendor removal command")

	result, err := s.runner.RunWithTimeout(ctx, commandTimeout(cmd), cmd.Path, cmd.Args...)
	s.audit.LogCommand("removal_command", vendorID+"/"+strconv.Itoa(index), result, err)
	return result, err
}

// Unenroll runs the vendor's agent unenroll command.
func (s *RemovalService) Unenroll(ctx context.Context, vendorID string) (*models.CommandResult, error) {
	def, ok := s.registry.GetVendor(vendorID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrVendorNotFound, vendorID)
	}
	if def.UnenrollCommand == nil {
		return nil, &models.ConfigError{Field: "vendor", Message: fmt.Sprintf("vendor %s has no unenroll command", vendorID)}
	}

	cmd := *def.UnenrollCommand
	result, err := s.runner.RunWithTimeout(ctx, commandTimeout(cmd), cmd.Path, cmd.Args...)
	s.audit.LogCommand("unenroll", vendorID, result, err)
	return result, err
}

func commandTimeout(cmd models.RemovalCommand) time.Duration {
	if cmd.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(cmd.TimeoutSeconds) * time.Second
}

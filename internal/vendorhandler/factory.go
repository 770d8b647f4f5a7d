package vendorhandler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/registry"
)

// variants installs the hooks of each handler kind onto the shared pipeline.
var variants = map[models.HandlerKind]func(h *handler){
	models.HandlerGeneric: func(h *handler) {
		h.artifacts = defaultArtifacts
	},
	models.HandlerAgent: func(h *handler) {
		h.artifacts = agentArtifacts
		h.checks = []evidenceCheck{launchdCheck, processCheck}
	},
	models.HandlerHub: func(h *handler) {
		h.artifacts = defaultArtifacts
		h.pre = hubUnenroll
		h.checks = []evidenceCheck{processCheck}
	},
	models.HandlerTarget: func(h *handler) {
		h.artifacts = defaultArtifacts
	},
}

// Factory builds handlers for detected vendors.
type Factory struct {
	registry *registry.Registry
	sys      System
	log      zerolog.Logger
}

// NewFactory creates a handler factory.
func NewFactory(reg *registry.Registry, sys System, log zerolog.Logger) *Factory {
	return &Factory{registry: reg, sys: sys, log: log}
}

// For returns the handler for info. Identifiers the registry does not know,
// including unknown_mdm, get the generic handler.
func (f *Factory) For(info models.VendorInfo) Handler {
	def, ok := f.registry.GetVendor(info.Identifier)
	if !ok {
		def = models.VendorDefinition{
			Identifier:     info.Identifier,
			DisplayName:    info.DisplayName,
			ManagementType: info.ManagementType,
			Handler:        models.HandlerGeneric,
		}
	}

	h := &handler{
		def:      def,
		info:     info,
		registry: f.registry,
		sys:      f.sys,
		log:      f.log.With().Str("vendor", def.Identifier).Logger(),
	}

	install, ok := variants[def.Handler]
	if !ok {
		install = variants[models.HandlerGeneric]
	}
	install(h)

	return h
}

// Kind returns the handler kind used for a vendor identifier.
func (f *Factory) Kind(vendorID string) models.HandlerKind {
	def, ok := f.registry.GetVendor(vendorID)
	if !ok {
		return models.HandlerGeneric
	}
	if _, known := variants[def.Handler]; !known {
		return models.HandlerGeneric
	}
	return def.Handler
}

func launchdCheck(ctx context.Context, h *handler) ([]string, error) {
	var found []string
	for _, label := range h.def.LaunchdLabels {
		if h.sys.LaunchdLoaded(ctx, label) {
			found = append(found, "service "+label)
		}
	}
	return found, nil
}

func processCheck(ctx context.Context, h *handler) ([]string, error) {
	if len(h.def.ProcessNames) == 0 {
		return nil, nil
	}
	running, err := h.sys.ProcessRunning(ctx, h.def.ProcessNames)
	if err != nil {
		// An agent we cannot rule out still counts as evidence.
		h.log.Warn().Err(err).Msg("Failed to inspect running processes")
		return []string{"process " + h.def.DisplayName + " state unknown"}, nil
	}
	if running {
		return []string{"process " + h.def.DisplayName}, nil
	}
	return nil, nil
}

// hubUnenroll asks the vendor's GUI agent to unenroll before profiles are
// removed.
func hubUnenroll(ctx context.Context, h *handler) error {
	cmd := h.def.UnenrollCommand
	if cmd == nil {
		return nil
	}
	if !h.sys.PathExists(cmd.Path) {
		h.log.Info().Str("command", cmd.Path).Msg("Unenroll command not installed, skipping")
		return nil
	}

	if _, err := h.sys.RunUnenrollCommand(ctx, h.def.Identifier); err != nil {
		return fmt.Errorf("%s unenroll failed: %w", h.def.DisplayName, err)
	}
	return nil
}

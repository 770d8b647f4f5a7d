// Package detector identifies which MDM product currently manages the device.
package detector

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/registry"
)

// genericMDMMarker is the evidence fragment that indicates some MDM is
// present even when no registered vendor matches.
const genericMDMMarker = "mdm"

// Probe provides the read-only system queries detection is built on.
type Probe interface {
	// ListProfiles returns the installed configuration profiles. It needs
	// elevated read access and is routed through the privileged helper.
	ListProfiles(ctx context.Context) (*models.ProfileList, error)
	// ListCertificates returns the text dump of the system keychain.
	ListCertificates(ctx context.Context) (string, error)
	// PathExists reports whether a filesystem path is present.
	PathExists(path string) bool
}

// Detector resolves the primary MDM vendor from profile, certificate and
// filesystem evidence.
type Detector struct {
	registry *registry.Registry
	probe    Probe
	targetID string
	log      zerolog.Logger
}

// New creates a detector. targetID is the identifier of the migration target
// vendor; it is checked before every other vendor.
func New(reg *registry.Registry, probe Probe, targetID string, log zerolog.Logger) *Detector {
	return &Detector{
		registry: reg,
		probe:    probe,
		targetID: targetID,
		log:      log,
	}
}

// DetectPrimaryMDM returns the vendor managing the device. It never fails:
// missing evidence yields the "none" sentinel and query errors are logged
// and treated as absent evidence.
func (d *Detector) DetectPrimaryMDM(ctx context.Context) models.VendorInfo {
	profiles := d.listProfiles(ctx)

	if profiles != nil && profiles.Empty() {
		d.log.Info().Msg("Profile store reports no configuration profiles")
		return models.NoneVendor()
	}

	var profileText string
	var identifiers []string
	if profiles != nil {
		profileText = profiles.Raw + "\n" + strings.Join(profiles.Identifiers, "\n")
		identifiers = profiles.Identifiers
	}

	if profileText != "" {
		if target, ok := d.registry.GetVendor(d.targetID); ok {
			if _, hit := registry.MatchPattern(profileText, target.ProfilePatterns); hit {
				return d.found(target, identifiers, "profile")
			}
		}

		for _, def := range d.registry.Vendors() {
			if def.Identifier == d.targetID {
				continue
			}
			if _, hit := registry.MatchPattern(profileText, def.ProfilePatterns); hit {
				return d.found(def, identifiers, "profile")
			}
		}
	}

	certText := d.listCertificates(ctx)
	if certText != "" {
		if def, ok := d.matchCertificates(certText); ok {
			return d.found(def, identifiers, "certificate")
		}
	}

	if def, ok := d.matchFilesystem(); ok {
		return d.found(def, identifiers, "filesystem")
	}

	if containsFold(profileText, genericMDMMarker) || containsFold(certText, genericMDMMarker) {
		d.log.Warn().Msg("MDM evidence found but no registered vendor matched")
		return models.UnknownVendor(identifiers)
	}

	return models.NoneVendor()
}

// DetectAllMDMSolutions runs every detection method concurrently and returns
// the union of their findings, deduplicated by identifier. It is for
// diagnostics only.
func (d *Detector) DetectAllMDMSolutions(ctx context.Context) []models.VendorInfo {
	var (
		mu    sync.Mutex
		found = make(map[string]models.VendorInfo)
	)

	add := func(info models.VendorInfo) {
		mu.Lock()
		defer mu.Unlock()
		if prev, ok := found[info.Identifier]; ok && len(prev.ProfileIdentifiers) >= len(info.ProfileIdentifiers) {
			return
		}
		found[info.Identifier] = info
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		profiles := d.listProfiles(gctx)
		if profiles == nil {
			return nil
		}
		text := profiles.Raw + "\n" + strings.Join(profiles.Identifiers, "\n")
		for _, def := range d.registry.Vendors() {
			if _, hit := registry.MatchPattern(text, def.ProfilePatterns); hit {
				add(models.InfoFromDefinition(def, registry.MatchingIdentifiers(profiles.Identifiers, def.ProfilePatterns), d.targetID))
			}
		}
		return nil
	})

	g.Go(func() error {
		text := d.listCertificates(gctx)
		if text == "" {
			return nil
		}
		for _, def := range d.registry.Vendors() {
			if _, hit := registry.MatchPattern(text, def.CertificatePatterns); hit {
				add(models.InfoFromDefinition(def, nil, d.targetID))
			}
		}
		return nil
	})

	g.Go(func() error {
		for _, def := range d.registry.Vendors() {
			for _, p := range def.AgentPaths {
				if d.probe.PathExists(p) {
					add(models.InfoFromDefinition(def, nil, d.targetID))
					break
				}
			}
		}
		return nil
	})

	_ = g.Wait()

	// Keep registry order regardless of which method finished first.
	out := make([]models.VendorInfo, 0, len(found))
	for _, def := range d.registry.Vendors() {
		if info, ok := found[def.Identifier]; ok {
			out = append(out, info)
		}
	}
	return out
}

func (d *Detector) found(def models.VendorDefinition, identifiers []string, method string) models.VendorInfo {
	d.log.Info().
		Str("vendor", def.Identifier).
		Str("method", method).
		Msg("Detected MDM vendor")
	return models.InfoFromDefinition(def, registry.MatchingIdentifiers(identifiers, def.ProfilePatterns), d.targetID)
}

func (d *Detector) listProfiles(ctx context.Context) *models.ProfileList {
	profiles, err := d.probe.ListProfiles(ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("Failed to list configuration profiles")
		return nil
	}
	return profiles
}

func (d *Detector) listCertificates(ctx context.Context) string {
	text, err := d.probe.ListCertificates(ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("Failed to inspect certificate store")
		return ""
	}
	return text
}

func (d *Detector) matchCertificates(text string) (models.VendorDefinition, bool) {
	for _, def := range d.registry.Vendors() {
		if _, hit := registry.MatchPattern(text, def.CertificatePatterns); hit {
			return def, true
		}
	}
	return models.VendorDefinition{}, false
}

func (d *Detector) matchFilesystem() (models.VendorDefinition, bool) {
	for _, def := range d.registry.Vendors() {
		for _, p := range def.AgentPaths {
			if d.probe.PathExists(p) {
				return def, true
			}
		}
	}
	return models.VendorDefinition{}, false
}

func containsFold(s, substr string) bool {
	return s != "" && strings.Contains(strings.ToLower(s), substr)
}

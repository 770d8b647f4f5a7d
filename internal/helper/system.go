package helper

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/pandeptwidyaop/mdm-migrate/internal/detector"
	"github.com/pandeptwidyaop/mdm-migrate/internal/service"
	"github.com/pandeptwidyaop/mdm-migrate/internal/sysinfo"
	"github.com/pandeptwidyaop/mdm-migrate/internal/vendorhandler"
)

const securityBinary = "/usr/bin/security"

// SystemKeychain holds the device-wide certificates MDM vendors install.
const SystemKeychain = "/Library/Keychains/System.keychain"

// System combines privileged operations from the Channel with the local
// probes the unprivileged process can answer itself. It serves both the
// detector and the vendor handlers.
type System struct {
	*Channel

	inspector *sysinfo.Inspector
	launchctl *service.Launchctl
	certs     func(ctx context.Context) (string, error)
}

var (
	_ detector.Probe       = (*System)(nil)
	_ vendorhandler.System = (*System)(nil)
)

func NewSystem(channel *Channel, inspector *sysinfo.Inspector, launchctl *service.Launchctl) *System {
	return &System{
		Channel:   channel,
		inspector: inspector,
		launchctl: launchctl,
		certs:     listSystemCertificates,
	}
}

// ListCertificates returns the text dump of the system keychain.
func (s *System) ListCertificates(ctx context.Context) (string, error) {
	return s.certs(ctx)
}

// PathExists reports whether path is present. Broken symlinks count.
func (s *System) PathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// ProcessRunning reports whether a process with one of names is running.
func (s *System) ProcessRunning(ctx context.Context, names []string) (bool, error) {
	return s.inspector.ProcessRunning(ctx, names)
}

// LaunchdLoaded reports whether label is registered in the system domain.
func (s *System) LaunchdLoaded(ctx context.Context, label string) bool {
	return s.launchctl.IsLoaded(ctx, label)
}

func listSystemCertificates(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, securityBinary, "find-certificate", "-a", SystemKeychain)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to list certificates: %w", err)
	}
	return string(output), nil
}

// Package portal downloads and installs the target vendor's management
// portal application.
package portal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
)

const (
	installerBinary = "/usr/sbin/installer"
	downloadTimeout = 15 * time.Minute
	installTimeout  = 10 * time.Minute

	// Budget bounds one Update: the download followed by the install.
	Budget = downloadTimeout + installTimeout
)

// Runner runs the OS package installer.
type Runner interface {
	RunWithTimeout(ctx context.Context, timeout time.Duration, name string, args ...string) (*models.CommandResult, error)
}

// Installer fetches the portal package from a fixed URL and installs it.
type Installer struct {
	url     string
	appPath string
	runner  Runner
	client  *http.Client
	log     zerolog.Logger
}

func NewInstaller(url, appPath string, runner Runner, log zerolog.Logger) *Installer {
	return &Installer{
		url:     url,
		appPath: appPath,
		runner:  runner,
		client:  &http.Client{Timeout: downloadTimeout},
		log:     log,
	}
}

// AppPath is the bundle checked after installation.
func (i *Installer) AppPath() string {
	return i.appPath
}

// Update downloads, installs and verifies the portal. The downloaded
// package is removed on every path.
func (i *Installer) Update(ctx context.Context) (*models.PortalResult, error) {
	i.log.Info().Str("url", i.url).Msg("Downloading portal package")

	var last int64
	tmpPath, size, err := Download(ctx, i.client, i.url, func(downloaded, total int64) {
		// Roughly every 10MB.
		if downloaded-last >= 10<<20 {
			last = downloaded
			i.log.Debug().Int64("downloaded", downloaded).Int64("total", total).Msg("Downloading portal package")
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.Remove(tmpPath) }()

	i.log.Info().Int64("bytes", size).Msg("Installing portal package")
	if _, err := i.runner.RunWithTimeout(ctx, installTimeout, installerBinary, "-pkg", tmpPath, "-target", "/"); err != nil {
		return nil, fmt.Errorf("failed to install portal package: %w", err)
	}

	if err := Verify(i.appPath); err != nil {
		return nil, err
	}

	return &models.PortalResult{AppPath: i.appPath, Downloaded: size}, nil
}

// Verify checks that the application bundle exists.
func Verify(appPath string) error {
	info, err := os.Stat(appPath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("portal application not found at %s after installation", appPath)
	}
	return nil
}

// Download fetches url into a temporary .pkg file and returns its path and
// size. The caller owns the file.
func Download(ctx context.Context, client *http.Client, url string, progressFn func(downloaded, total int64)) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to download: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to download: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("failed to download: HTTP %d", resp.StatusCode)
	}

	tmpFile, err := os.CreateTemp("", "mdm-migrate-portal-*.pkg")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = tmpFile.Close() }()

	var downloaded int64
	total := resp.ContentLength
	buf := make([]byte, 32*1024)

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := tmpFile.Write(buf[:n]); writeErr != nil {
				_ = os.Remove(tmpFile.Name())
				return "", 0, fmt.Errorf("failed to write temp file: %w", writeErr)
			}
			downloaded += int64(n)
			if progressFn != nil {
				progressFn(downloaded, total)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = os.Remove(tmpFile.Name())
			return "", 0, fmt.Errorf("failed to download: %w", err)
		}
	}

	return filepath.Clean(tmpFile.Name()), downloaded, nil
}

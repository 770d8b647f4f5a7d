// Package helper is the unprivileged side of the privileged helper: a shared
// connection over the helper's Unix socket, the launchd supervisor that
// installs it, and the recover-once channel the migration runs through.
package helper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/services"
	"github.com/pandeptwidyaop/mdm-migrate/internal/version"
)

// Host used in request URLs; the transport always dials the socket.
const socketHost = "helper"

// ClientConfig locates the helper and bounds how long each kind of call may
// take. The long budgets must exceed the helper's own command timeouts so the
// helper reports its timeout before the client gives up.
type ClientConfig struct {
	SocketPath      string
	TokenPath       string
	ExpectedVersion string
	Timeout         time.Duration // queries and the version handshake
	CommandTimeout  time.Duration // profile removal, vendor commands, backups, enrollment
	PortalTimeout   time.Duration
	RotationTimeout time.Duration
}

// Client is the process-wide connection to the helper. It connects lazily,
// verifies the helper version before the first call and forgets everything
// when the transport fails.
type Client struct {
	cfg ClientConfig
	log zerolog.Logger

	mu        sync.Mutex
	http      *http.Client
	token     string
	connected bool
}

func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	if cfg.ExpectedVersion == "" {
		cfg.ExpectedVersion = version.Version
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Minute
	}
	if cfg.PortalTimeout <= 0 {
		cfg.PortalTimeout = 30 * time.Minute
	}
	if cfg.RotationTimeout <= 0 {
		cfg.RotationTimeout = 5 * time.Minute
	}
	return &Client{cfg: cfg, log: log}
}

// Invalidate drops the connection and cached state. The next call
// reconnects and re-verifies the version.
func (c *Client) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.http != nil {
		c.http.CloseIdleConnections()
	}
	c.http = nil
	c.token = ""
	c.connected = false
}

// Connected reports whether a verified connection is cached.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) dialer() func(ctx context.Context, _, _ string) (net.Conn, error) {
	return func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", c.cfg.SocketPath)
	}
}

// connect returns the shared http client, establishing and verifying it
// first if needed.
func (c *Client) connect(ctx context.Context) (*http.Client, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return c.http, c.token, nil
	}

	data, err := os.ReadFile(c.cfg.TokenPath)
	if err != nil {
		return nil, "", fmt.Errorf("%w: helper token unavailable: %v", models.ErrHelperUnreachable, err)
	}
	token := strings.TrimSpace(string(data))

	// Requests are bounded by their own deadlines, not a client-wide timeout.
	httpClient := &http.Client{
		Transport: &http.Transport{DialContext: c.dialer(), MaxIdleConns: 4},
	}

	verifyCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	installed, err := fetchVersion(verifyCtx, httpClient)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", models.ErrHelperUnreachable, err)
	}
	if !version.Matches(installed, c.cfg.ExpectedVersion) {
		return nil, "", fmt.Errorf("%w: installed %s, expected %s", models.ErrHelperVersionMismatch, installed, c.cfg.ExpectedVersion)
	}

	c.http = httpClient
	c.token = token
	c.connected = true
	c.log.Debug().Str("version", installed).Msg("Connected to helper")
	return httpClient, token, nil
}

func fetchVersion(ctx context.Context, httpClient *http.Client) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+socketHost+"/api/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var info map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("invalid version response: %w", err)
	}
	return info["version"], nil
}

// Version connects if needed and returns the helper version.
func (c *Client) Version(ctx context.Context) (string, error) {
	httpClient, _, err := c.connect(ctx)
	if err != nil {
		return "", err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	v, err := fetchVersion(reqCtx, httpClient)
	if err != nil {
		c.Invalidate()
		return "", fmt.Errorf("%w: %v", models.ErrHelperUnreachable, err)
	}
	return v, nil
}

// do sends one request bounded by timeout. Running out of time is a
// *models.TimeoutError and leaves the connection alone; other transport
// failures invalidate it and return ErrHelperUnreachable. Error responses are
// rebuilt into typed errors.
func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, body, out interface{}) error {
	httpClient, token, err := c.connect(ctx)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = c.send(reqCtx, httpClient, token, method, path, body, out)
	if err != nil && ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		c.log.Warn().Str("method", method).Str("path", path).Dur("timeout", timeout).Msg("Helper request timed out")
		return &models.TimeoutError{Operation: method + " " + path, After: timeout}
	}
	return err
}

func (c *Client) send(ctx context.Context, httpClient *http.Client, token, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://"+socketHost+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.Invalidate()
		return fmt.Errorf("%w: %v", models.ErrHelperUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var errResp models.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error == "" {
			return fmt.Errorf("helper returned HTTP %d", resp.StatusCode)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			// A reinstall rotates the token.
			c.Invalidate()
			return fmt.Errorf("%w: %s", models.ErrNoPrivileges, errResp.Error)
		}
		return errResp.Err()
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListProfiles returns the parsed profile store.
func (c *Client) ListProfiles(ctx context.Context) (*models.ProfileList, error) {
	var list models.ProfileList
	if err := c.do(ctx, c.cfg.Timeout, http.MethodGet, "/api/profiles", nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// RemoveProfile removes one profile by identifier.
func (c *Client) RemoveProfile(ctx context.Context, identifier string) error {
	return c.do(ctx, c.cfg.CommandTimeout, http.MethodDelete, "/api/profiles/"+url.PathEscape(identifier), nil, nil)
}

// RemoveAllProfiles removes the current MDM profile set.
func (c *Client) RemoveAllProfiles(ctx context.Context) error {
	return c.do(ctx, c.cfg.CommandTimeout, http.MethodDelete, "/api/profiles", nil, nil)
}

// RunRemovalCommand runs the index-th registry removal command of vendorID.
func (c *Client) RunRemovalCommand(ctx context.Context, vendorID string, index int) (*models.CommandResult, error) {
	var result models.CommandResult
	path := "/api/vendors/" + url.PathEscape(vendorID) + "/commands/" + strconv.Itoa(index)
	if err := c.do(ctx, c.cfg.CommandTimeout, http.MethodPost, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RunUnenrollCommand runs the vendor's agent unenroll command.
func (c *Client) RunUnenrollCommand(ctx context.Context, vendorID string) (*models.CommandResult, error) {
	var result models.CommandResult
	if err := c.do(ctx, c.cfg.CommandTimeout, http.MethodPost, "/api/vendors/"+url.PathEscape(vendorID)+"/unenroll", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// BackupProfiles exports the profile store into a new backup.
func (c *Client) BackupProfiles(ctx context.Context, vendorID string) (*models.BackupRecord, error) {
	var record models.BackupRecord
	if err := c.do(ctx, c.cfg.CommandTimeout, http.MethodPost, "/api/backups", models.BackupRequest{VendorID: vendorID}, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// BackupTenantSettings backs up the target portal preferences.
func (c *Client) BackupTenantSettings(ctx context.Context) (*models.BackupRecord, error) {
	var record models.BackupRecord
	if err := c.do(ctx, c.cfg.CommandTimeout, http.MethodPost, "/api/backups/tenant", nil, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// BackupArtifacts copies paths into an existing backup.
func (c *Client) BackupArtifacts(ctx context.Context, backupID string, paths []string) (*models.ArtifactResult, error) {
	var result models.ArtifactResult
	path := "/api/backups/" + url.PathEscape(backupID) + "/artifacts"
	if err := c.do(ctx, c.cfg.CommandTimeout, http.MethodPost, path, models.ArtifactRequest{Paths: paths}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListBackups returns every backup record.
func (c *Client) ListBackups(ctx context.Context) ([]models.BackupRecord, error) {
	var records []models.BackupRecord
	if err := c.do(ctx, c.cfg.Timeout, http.MethodGet, "/api/backups", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Tenant returns the configured target tenant.
func (c *Client) Tenant(ctx context.Context) (string, error) {
	var resp models.TenantResponse
	if err := c.do(ctx, c.cfg.Timeout, http.MethodGet, "/api/tenant", nil, &resp); err != nil {
		return "", err
	}
	return resp.Tenant, nil
}

// Enroll enrolls the device in tenant.
func (c *Client) Enroll(ctx context.Context, tenant string) error {
	return c.do(ctx, c.cfg.CommandTimeout, http.MethodPost, "/api/enroll", models.EnrollRequest{Tenant: tenant}, nil)
}

// UpdatePortal installs the target portal application.
func (c *Client) UpdatePortal(ctx context.Context) (*models.PortalResult, error) {
	var result models.PortalResult
	if err := c.do(ctx, c.cfg.PortalTimeout, http.MethodPost, "/api/portal/update", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RotateRecoveryKey rotates the FileVault personal recovery key.
func (c *Client) RotateRecoveryKey(ctx context.Context, req models.RotationRequest) (*models.RotationResult, error) {
	var result models.RotationResult
	if err := c.do(ctx, c.cfg.RotationTimeout, http.MethodPost, "/api/filevault/rotate", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status returns the device state booleans.
func (c *Client) Status(ctx context.Context) (*models.HelperStatus, error) {
	var status models.HelperStatus
	if err := c.do(ctx, c.cfg.Timeout, http.MethodGet, "/api/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Audit returns the newest audit log entries.
func (c *Client) Audit(ctx context.Context, limit int) ([]services.AuditLogEntry, error) {
	var logs []services.AuditLogEntry
	if err := c.do(ctx, c.cfg.Timeout, http.MethodGet, "/api/audit?limit="+strconv.Itoa(limit), nil, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// StreamEvents forwards helper command events to fn until ctx is done or the
// stream closes.
func (c *Client) StreamEvents(ctx context.Context, fn func(models.Event)) error {
	_, token, err := c.connect(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		NetDialContext:   c.dialer(),
		HandshakeTimeout: c.cfg.Timeout,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, _, err := dialer.DialContext(ctx, "ws://"+socketHost+"/api/events", header)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrHelperUnreachable, err)
	}
	defer func() { _ = ws.Close() }()

	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()

	for {
		var event models.Event
		if err := ws.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil
			}
			return err
		}
		fn(event)
	}
}

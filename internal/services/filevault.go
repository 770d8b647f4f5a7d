package services

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/validation"
)

var recoveryKeyRe = regexp.MustCompile(`New personal recovery key = '([A-Za-z0-9\-]+)'`)

// FileVaultService rotates the personal recovery key. fdesetup only reads
// credentials from a terminal, so the command runs on a pty and the prompts
// are answered as they appear.
type FileVaultService struct {
	runner  Runner
	audit   *AuditService
	binary  string
	timeout time.Duration
	log     zerolog.Logger
}

func NewFileVaultService(runner Runner, audit *AuditService, timeout time.Duration, log zerolog.Logger) *FileVaultService {
	return &FileVaultService{
		runner:  runner,
		audit:   audit,
		binary:  fdesetupBinary,
		timeout: timeout,
		log:     log,
	}
}

// WithBinary replaces the fdesetup path.
func (s *FileVaultService) WithBinary(path string) *FileVaultService {
	s.binary = path
	return s
}

// Enabled reports whether FileVault is on.
func (s *FileVaultService) Enabled(ctx context.Context) (bool, error) {
	result, err := s.runner.Run(ctx, s.binary, "status")
	if err != nil {
		return false, err
	}
	return parseFileVaultStatus(result.Stdout), nil
}

// Rotate generates a new personal recovery key. With FileVault off nothing
// is run and the outcome is RotationSkipped.
func (s *FileVaultService) Rotate(ctx context.Context, req models.RotationRequest) (*models.RotationResult, error) {
	enabled, err := s.Enabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read FileVault status: %w", err)
	}
	if !enabled {
		s.log.Info().Msg("FileVault is off, skipping recovery key rotation")
		s.audit.LogOperation("rotate_recovery_key", "filevault", "", nil, map[string]interface{}{"outcome": models.RotationSkipped})
		return &models.RotationResult{Outcome: models.RotationSkipped}, nil
	}

	if err := validation.ValidateUsername(req.Username); err != nil {
		return nil, &models.ConfigError{Field: "username", Message: fmt.Sprintf("invalid username: %v", err)}
	}
	if req.Password == "" {
		return nil, &models.ConfigError{Field: "password", Message: "password is required"}
	}

	key, err := s.changeRecovery(ctx, req)
	s.audit.LogOperation("rotate_recovery_key", "filevault", req.Username, err, nil)
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("user", req.Username).Msg("Rotated FileVault recovery key")
	return &models.RotationResult{Outcome: models.RotationRotated, RecoveryKey: key}, nil
}

func (s *FileVaultService) changeRecovery(ctx context.Context, req models.RotationRequest) (string, error) {
	command := s.binary + " changerecovery -personal"

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// #nosec G204 - binary is fixed at construction
	cmd := exec.Command(s.binary, "changerecovery", "-personal")
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return "", &models.CommandError{Command: command, ExitCode: -1, Err: fmt.Errorf("failed to start PTY: %w", err)}
	}
	defer func() { _ = ptmx.Close() }()

	// pty.Start makes the child a session leader, so the group kill reaches
	// anything it spawned.
	done := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			forceKillProcess(cmd)
		case <-done:
		}
	}()

	answerer := &promptAnswerer{username: req.Username, password: req.Password}
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				if reply := answerer.feed(string(buf[:n])); reply != "" {
					_, _ = ptmx.Write([]byte(reply + "\n"))
				}
			}
			if err != nil {
				return
			}
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
	}

	output := answerer.transcript()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return "", &models.TimeoutError{Operation: command, After: s.timeout}
	}
	if waitErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return "", &models.CommandError{Command: command, ExitCode: exitCode, Stderr: lastLine(output), Err: waitErr}
	}

	m := recoveryKeyRe.FindStringSubmatch(output)
	if m == nil {
		return "", &models.CommandError{Command: command, Stderr: "no recovery key in output", Err: errors.New("unexpected fdesetup output")}
	}
	return m[1], nil
}

// promptAnswerer answers fdesetup's user name and password prompts once
// each and keeps a transcript with the password redacted.
type promptAnswerer struct {
	mu         sync.Mutex
	username   string
	password   string
	pending    string
	out        strings.Builder
	sentUser   bool
	sentSecret bool
}

func (a *promptAnswerer) feed(chunk string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.out.WriteString(chunk)
	a.pending += strings.ToLower(chunk)

	switch {
	case !a.sentUser && strings.Contains(a.pending, "user name"):
		a.sentUser = true
		a.pending = ""
		return a.username
	case !a.sentSecret && strings.Contains(a.pending, "password"):
		a.sentSecret = true
		a.pending = ""
		return a.password
	}
	return ""
}

func (a *promptAnswerer) transcript() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.ReplaceAll(a.out.String(), a.password, "********")
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

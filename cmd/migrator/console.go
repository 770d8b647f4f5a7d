package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/pandeptwidyaop/mdm-migrate/internal/migration"
	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
	"github.com/pandeptwidyaop/mdm-migrate/internal/orchestrator"
)

// console is the terminal the migrator talks to.
type console struct {
	in       *bufio.Reader
	fd       int
	terminal bool
	out      io.Writer
	readPass func(fd int) ([]byte, error)
}

func newConsole(in *os.File, out io.Writer) *console {
	fd := int(in.Fd()) // #nosec G115 - file descriptors fit in int
	return &console{
		in:       bufio.NewReader(in),
		fd:       fd,
		terminal: term.IsTerminal(fd),
		out:      out,
		readPass: term.ReadPassword,
	}
}

// readLine prints prompt and returns the trimmed answer. EOF counts as an
// empty answer.
func (c *console) readLine(prompt string) (string, error) {
	fmt.Fprint(c.out, prompt)
	line, err := c.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// confirm asks a yes/no question defaulting to no.
func (c *console) confirm(question string) (bool, error) {
	answer, err := c.readLine(question + " [y/N]: ")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// readSecret reads a line without echo when attached to a terminal.
func (c *console) readSecret(prompt string) (string, error) {
	if !c.terminal {
		return c.readLine(prompt)
	}
	fmt.Fprint(c.out, prompt)
	secret, err := c.readPass(c.fd)
	fmt.Fprintln(c.out)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

// Credentials asks for the FileVault unlock user. An empty answer cancels.
func (c *console) Credentials(ctx context.Context) (models.RotationRequest, error) {
	if err := ctx.Err(); err != nil {
		return models.RotationRequest{}, err
	}

	fmt.Fprintln(c.out, "Rotating the FileVault recovery key needs a FileVault-enabled user.")
	user, err := c.readLine("User name (empty to cancel): ")
	if err != nil {
		return models.RotationRequest{}, err
	}
	if user == "" {
		return models.RotationRequest{}, models.ErrCancelled
	}

	password, err := c.readSecret("Password: ")
	if err != nil {
		return models.RotationRequest{}, err
	}
	if password == "" {
		return models.RotationRequest{}, models.ErrCancelled
	}
	return models.RotationRequest{Username: user, Password: password}, nil
}

// progressPrinter prints step transitions as they happen.
type progressPrinter struct {
	mu    sync.Mutex
	out   io.Writer
	seen  map[string]migration.StepStatus
	phase migration.PhaseKind
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out, seen: make(map[string]migration.StepStatus)}
}

func (p *progressPrinter) StateChanged(s migration.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.Phase.Kind != p.phase {
		p.phase = s.Phase.Kind
		if s.Phase.Kind == migration.PhaseNotStarted || s.Phase.Kind == migration.PhaseInProgress {
			// A new run starts from a fresh step list.
			clear(p.seen)
		}
	}

	for _, step := range s.Steps {
		if p.seen[step.ID] == step.Status {
			continue
		}
		p.seen[step.ID] = step.Status

		switch step.Status {
		case migration.StepInProgress:
			fmt.Fprintf(p.out, "[%3d%%] %s...\n", s.Progress, step.Name)
		case migration.StepCompleted:
			fmt.Fprintf(p.out, "[%3d%%] %s: done\n", s.Progress, step.Name)
		case migration.StepFailed:
			fmt.Fprintf(p.out, "[%3d%%] %s: failed: %s\n", s.Progress, step.Name, step.Reason)
		}
	}
}

// completionNotifier prints the final outcome of a run.
type completionNotifier struct {
	out io.Writer
}

func (n *completionNotifier) MigrationCompleted(r orchestrator.Report) {
	fmt.Fprintf(n.out, "\nMigration from %s to %s completed.\n", sourceName(r.Source), r.Target)
	if r.BackupPath != "" {
		fmt.Fprintf(n.out, "Backup: %s\n", r.BackupPath)
	}
	if !r.EnrollmentConfirmed {
		fmt.Fprintln(n.out, "Enrollment was requested but not yet confirmed. Check System Settings > Profiles.")
	}
}

func (n *completionNotifier) MigrationFailed(r orchestrator.Report, err error) {
	switch {
	case isCancelled(err):
		fmt.Fprintln(n.out, "\nMigration cancelled.")
		return
	case isInterrupted(err):
		fmt.Fprintln(n.out, "\nMigration interrupted before it finished.")
	default:
		fmt.Fprintf(n.out, "\nMigration failed: %v\n", err)
	}
	if r.BackupPath != "" {
		fmt.Fprintf(n.out, "Backup: %s\n", r.BackupPath)
	}
}

// printFinalState writes the phase a run stopped in and every step it reached.
func printFinalState(out io.Writer, s migration.Snapshot) {
	fmt.Fprintf(out, "Migration state: %s\n", s.Phase)
	for _, step := range s.Steps {
		if step.Status == migration.StepNotStarted {
			continue
		}
		fmt.Fprintf(out, "  %-32s %s\n", step.Name, step.Status)
	}
}

func sourceName(v models.VendorInfo) string {
	if v.DisplayName != "" {
		return v.DisplayName
	}
	return v.Identifier
}

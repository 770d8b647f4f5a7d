package services

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
)

// Runner runs an external command and captures its output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*models.CommandResult, error)
	RunWithTimeout(ctx context.Context, timeout time.Duration, name string, args ...string) (*models.CommandResult, error)
}

// ExecutorService runs privileged commands in their own process group,
// enforces a deadline and streams their output to subscribers.
type ExecutorService struct {
	log       zerolog.Logger
	timeout   time.Duration
	streams   map[chan models.Event]struct{}
	streamsMu sync.RWMutex
}

func NewExecutorService(timeout time.Duration, log zerolog.Logger) *ExecutorService {
	return &ExecutorService{
		log:     log,
		timeout: timeout,
		streams: make(map[chan models.Event]struct{}),
	}
}

// Run executes name with the default timeout.
func (s *ExecutorService) Run(ctx context.Context, name string, args ...string) (*models.CommandResult, error) {
	return s.RunWithTimeout(ctx, 0, name, args...)
}

// RunWithTimeout executes name and kills its whole process group once
// timeout elapses. A non-zero exit returns a *models.CommandError and an
// expired deadline a *models.TimeoutError; the result is returned in both
// cases.
func (s *ExecutorService) RunWithTimeout(ctx context.Context, timeout time.Duration, name string, args ...string) (*models.CommandResult, error) {
	if timeout <= 0 {
		timeout = s.timeout
	}

	command := strings.TrimSpace(name + " " + strings.Join(args, " "))
	result := &models.CommandResult{
		OperationID: uuid.New().String(),
		Command:     command,
		Status:      models.StatusRunning,
		StartedAt:   time.Now(),
	}

	s.log.Info().
		Str("operation", result.OperationID).
		Str("command", command).
		Dur("timeout", timeout).
		Msg("Starting command")

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(name, args...)
	setSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.fail(result, &models.CommandError{Command: command, ExitCode: -1, Err: err})
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.fail(result, &models.CommandError{Command: command, ExitCode: -1, Err: err})
	}

	if err := cmd.Start(); err != nil {
		return s.fail(result, &models.CommandError{Command: command, ExitCode: -1, Err: err})
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			forceKillProcess(cmd)
		case <-done:
		}
	}()

	var outBuf, errBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.streamOutput(result, stdout, &outBuf)
	}()
	go func() {
		defer wg.Done()
		s.streamOutput(result, stderr, &errBuf)
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	close(done)

	result.Stdout = outBuf.String()
	result.Stderr = errBuf.String()
	result.FinishedAt = time.Now()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		result.Status = models.StatusTimedOut
		result.ExitCode = -1
		s.finish(result)
		return result, &models.TimeoutError{Operation: command, After: timeout}
	}

	if waitErr != nil {
		result.Status = models.StatusFailed
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			waitErr = ctx.Err()
		}
		s.finish(result)
		return result, &models.CommandError{Command: command, ExitCode: result.ExitCode, Stderr: result.Stderr, Err: waitErr}
	}

	result.Status = models.StatusSuccess
	s.finish(result)
	return result, nil
}

func (s *ExecutorService) fail(result *models.CommandResult, err *models.CommandError) (*models.CommandResult, error) {
	result.Status = models.StatusFailed
	result.ExitCode = -1
	result.FinishedAt = time.Now()
	s.finish(result)
	return result, err
}

func (s *ExecutorService) finish(result *models.CommandResult) {
	s.log.Info().
		Str("operation", result.OperationID).
		Str("status", string(result.Status)).
		Int("exit_code", result.ExitCode).
		Dur("elapsed", result.FinishedAt.Sub(result.StartedAt)).
		Msg("Finished command")

	s.broadcast(models.Event{
		Time:        result.FinishedAt,
		OperationID: result.OperationID,
		Type:        models.EventComplete,
		Command:     result.Command,
		Status:      result.Status,
		ExitCode:    result.ExitCode,
	})
}

func (s *ExecutorService) streamOutput(result *models.CommandResult, r io.Reader, buf *strings.Builder) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')

		s.broadcast(models.Event{
			Time:        time.Now(),
			OperationID: result.OperationID,
			Type:        models.EventOutput,
			Command:     result.Command,
			Line:        line,
		})
	}
}

// Subscribe registers a channel receiving every command event. Slow
// subscribers miss events rather than block commands.
func (s *ExecutorService) Subscribe() chan models.Event {
	ch := make(chan models.Event, 100)

	s.streamsMu.Lock()
	s.streams[ch] = struct{}{}
	s.streamsMu.Unlock()

	return ch
}

func (s *ExecutorService) Unsubscribe(ch chan models.Event) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()

	if _, ok := s.streams[ch]; ok {
		delete(s.streams, ch)
		close(ch)
	}
}

func (s *ExecutorService) broadcast(event models.Event) {
	s.streamsMu.RLock()
	defer s.streamsMu.RUnlock()

	for ch := range s.streams {
		select {
		case ch <- event:
		default:
		}
	}
}

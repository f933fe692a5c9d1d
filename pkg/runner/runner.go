// Package runner spawns the external provisioning tool and streams its
// combined output line by line while it runs.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Command describes one tool invocation.
type Command struct {
	Dir  string
	Argv []string
	// Env entries are appended to the current process environment.
	Env []string
}

// String renders the argv for log markers.
func (c Command) String() string {
	return strings.Join(c.Argv, " ")
}

// Result is the outcome of a finished invocation. A non-zero ExitCode is not
// an error; Cancelled is set when the run was stopped through its context.
type Result struct {
	ExitCode  int
	Cancelled bool
	Duration  time.Duration
}

// LineFunc receives each complete output line, in process output order.
type LineFunc func(line string)

// Executor is the contract consumed by callers that need to run the tool.
type Executor interface {
	Run(ctx context.Context, cmd Command, onLine LineFunc) (Result, error)
}

// Config configures a Runner.
type Config struct {
	// GracePeriod is how long a cancelled process group gets between
	// SIGTERM and SIGKILL.
	GracePeriod time.Duration

	// DrainTimeout bounds how long output is still read after the process
	// exits, for descendants that keep the pipe open.
	DrainTimeout time.Duration

	Logger zerolog.Logger
}

// Runner executes commands with stdout and stderr merged into one pipe.
type Runner struct {
	grace  time.Duration
	drain  time.Duration
	logger zerolog.Logger
}

// New creates a Runner.
func New(cfg Config) *Runner {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 2 * time.Second
	}
	return &Runner{
		grace:  cfg.GracePeriod,
		drain:  cfg.DrainTimeout,
		logger: cfg.Logger.With().Str("component", "runner").Logger(),
	}
}

// Run starts the command and blocks until it exits and all of its output
// has been delivered to onLine. Cancelling ctx terminates the process group
// and yields Result.Cancelled. An error is returned only when the process
// could not be started.
func (r *Runner) Run(ctx context.Context, c Command, onLine LineFunc) (Result, error) {
	if len(c.Argv) == 0 {
		return Result{}, fmt.Errorf("command is required")
	}
	if onLine == nil {
		onLine = func(string) {}
	}
	if err := ctx.Err(); err != nil {
		return Result{Cancelled: true, ExitCode: -1}, nil
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to create output pipe: %w", err)
	}

	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	configureProcess(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return Result{}, fmt.Errorf("failed to start %s: %w", c.Argv[0], err)
	}
	// The child holds its own copy of the write end.
	_ = pw.Close()

	r.logger.Debug().
		Str("dir", c.Dir).
		Str("command", c.String()).
		Int("pid", cmd.Process.Pid).
		Msg("process started")

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readLines(pr, onLine)
	}()

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- cmd.Wait()
	}()

	var (
		waitErr   error
		cancelled bool
	)
	select {
	case waitErr = <-waitDone:
	case <-ctx.Done():
		cancelled = true
		r.logger.Info().Int("pid", cmd.Process.Pid).Msg("cancelling process group")
		terminateProcess(cmd)
		select {
		case waitErr = <-waitDone:
		case <-time.After(r.grace):
			r.logger.Warn().Int("pid", cmd.Process.Pid).Dur("grace", r.grace).Msg("process ignored SIGTERM, killing")
			killProcess(cmd)
			waitErr = <-waitDone
		}
	}

	select {
	case <-readDone:
	case <-time.After(r.drain):
		r.logger.Warn().Str("command", c.String()).Msg("output still open after exit, closing")
	}
	_ = pr.Close()
	<-readDone

	result := Result{
		Cancelled: cancelled,
		Duration:  time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		result.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return result, fmt.Errorf("failed to wait for %s: %w", c.Argv[0], waitErr)
	}

	r.logger.Debug().
		Str("command", c.String()).
		Int("exit_code", result.ExitCode).
		Bool("cancelled", result.Cancelled).
		Dur("duration", result.Duration).
		Msg("process finished")

	return result, nil
}

// readLines delivers every newline-terminated line and a final partial line.
func readLines(r io.Reader, onLine LineFunc) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			onLine(strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			return
		}
	}
}

// Package tool drives the terraform CLI through the process runner.
//
// Each step is bracketed by marker lines on the caller's sink: "[CMD] argv"
// before the process starts and "[EXIT rc] argv" (or "[CANCELLED] argv") after
// it exits. The driver keeps the last lines of every step so a failure can be
// reported without re-reading the durable log.
package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/runner"
	"github.com/openfroyo/provisioner/pkg/telemetry"
)

// Step names a tool invocation.
type Step string

const (
	StepInit    Step = "init"
	StepApply   Step = "apply"
	StepDestroy Step = "destroy"
	StepOutput  Step = "output"
)

// DefaultTailLines is the number of trailing lines kept per step.
const DefaultTailLines = 20

// Config configures a Driver.
type Config struct {
	// Binary is the tool executable, "terraform" by default.
	Binary string
	// Env is appended to the environment of every step.
	Env []string
	// TailLines bounds StepResult.Tail.
	TailLines int
	Logger    zerolog.Logger
	Metrics   *telemetry.Metrics
}

// StepResult is the outcome of one tool step.
type StepResult struct {
	Step      Step
	Argv      []string
	ExitCode  int
	Cancelled bool
	Duration  time.Duration
	// Tail holds the last output lines, oldest first, markers excluded.
	Tail []string
}

// OK reports whether the step exited zero without being cancelled.
func (r StepResult) OK() bool {
	return !r.Cancelled && r.ExitCode == 0
}

// ExitError reports a step that exited non-zero.
type ExitError struct {
	Result StepResult
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", strings.Join(e.Result.Argv, " "), e.Result.ExitCode)
}

// Driver runs terraform steps in a working directory.
type Driver struct {
	exec    runner.Executor
	binary  string
	env     []string
	tail    int
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// NewDriver creates a driver that runs commands through exec.
func NewDriver(exec runner.Executor, cfg Config) *Driver {
	if cfg.Binary == "" {
		cfg.Binary = "terraform"
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = DefaultTailLines
	}
	return &Driver{
		exec:    exec,
		binary:  cfg.Binary,
		env:     cfg.Env,
		tail:    cfg.TailLines,
		logger:  cfg.Logger.With().Str("component", "tool-driver").Logger(),
		metrics: cfg.Metrics,
	}
}

// Binary returns the configured executable.
func (d *Driver) Binary() string {
	return d.binary
}

// Init runs "terraform init".
func (d *Driver) Init(ctx context.Context, dir string, onLine runner.LineFunc) (StepResult, error) {
	return d.run(ctx, StepInit, dir, nil, onLine, "init", "-input=false", "-no-color")
}

// Apply runs "terraform apply -auto-approve".
func (d *Driver) Apply(ctx context.Context, dir string, onLine runner.LineFunc) (StepResult, error) {
	return d.run(ctx, StepApply, dir, nil, onLine, "apply", "-auto-approve", "-input=false", "-no-color")
}

// Destroy runs "terraform destroy -auto-approve" with provider logging at INFO.
func (d *Driver) Destroy(ctx context.Context, dir string, onLine runner.LineFunc) (StepResult, error) {
	return d.run(ctx, StepDestroy, dir, []string{"TF_LOG=INFO"}, onLine, "destroy", "-auto-approve", "-input=false", "-no-color")
}

func (d *Driver) run(ctx context.Context, step Step, dir string, extraEnv []string, onLine runner.LineFunc, args ...string) (StepResult, error) {
	argv := append([]string{d.binary}, args...)
	cmd := runner.Command{
		Dir:  dir,
		Argv: argv,
		Env:  append(append([]string{}, d.env...), extraEnv...),
	}
	display := cmd.String()

	emit := func(line string) {
		if onLine != nil {
			onLine(line)
		}
	}

	tail := newTailRing(d.tail)
	emit("[CMD] " + display)
	d.logger.Debug().Str("step", string(step)).Str("dir", dir).Msg("Starting tool step")

	res, err := d.exec.Run(ctx, cmd, func(line string) {
		tail.add(line)
		emit(line)
	})
	result := StepResult{
		Step:      step,
		Argv:      argv,
		ExitCode:  res.ExitCode,
		Cancelled: res.Cancelled,
		Duration:  res.Duration,
		Tail:      tail.lines(),
	}
	if err != nil {
		emit(fmt.Sprintf("[ERROR] %s: %v", display, err))
		return result, fmt.Errorf("failed to start %s: %w", step, err)
	}

	if res.Cancelled {
		emit("[CANCELLED] " + display)
	} else {
		emit(fmt.Sprintf("[EXIT %d] %s", res.ExitCode, display))
	}
	d.metrics.RecordToolStep(string(step), res.ExitCode, res.Cancelled, res.Duration)

	d.logger.Info().
		Str("step", string(step)).
		Int("exit_code", res.ExitCode).
		Bool("cancelled", res.Cancelled).
		Dur("duration", res.Duration).
		Msg("Tool step finished")

	return result, nil
}

// tailRing keeps the last n lines.
type tailRing struct {
	buf  []string
	next int
	full bool
}

func newTailRing(n int) *tailRing {
	return &tailRing{buf: make([]string, n)}
}

func (r *tailRing) add(line string) {
	r.buf[r.next] = line
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *tailRing) lines() []string {
	if !r.full {
		return append([]string(nil), r.buf[:r.next]...)
	}
	out := make([]string, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

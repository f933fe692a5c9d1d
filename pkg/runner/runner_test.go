//go:build !windows

package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *lineRecorder) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func (r *lineRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func newTestRunner() *Runner {
	return New(Config{
		GracePeriod:  300 * time.Millisecond,
		DrainTimeout: 500 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
}

func sh(script string) Command {
	return Command{Argv: []string{"/bin/sh", "-c", script}}
}

func TestRunMergesStreamsInOrder(t *testing.T) {
	rec := &lineRecorder{}
	res, err := newTestRunner().Run(context.Background(), sh("echo one; echo two 1>&2; echo three"), rec.add)
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.Cancelled)
	assert.Equal(t, []string{"one", "two", "three"}, rec.get())
}

func TestRunFlushesPartialLastLine(t *testing.T) {
	rec := &lineRecorder{}
	_, err := newTestRunner().Run(context.Background(), sh(`printf 'full\npartial'`), rec.add)
	require.NoError(t, err)
	assert.Equal(t, []string{"full", "partial"}, rec.get())
}

func TestRunReportsNonZeroExit(t *testing.T) {
	rec := &lineRecorder{}
	res, err := newTestRunner().Run(context.Background(), sh("echo 'Error: quota exceeded' 1>&2; exit 3"), rec.add)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Cancelled)
	assert.Equal(t, []string{"Error: quota exceeded"}, rec.get())
}

func TestRunDeliversLinesBeforeExit(t *testing.T) {
	first := make(chan struct{})
	var once sync.Once
	done := make(chan Result, 1)

	go func() {
		res, _ := newTestRunner().Run(context.Background(), sh("echo first; sleep 1; echo second"), func(line string) {
			if line == "first" {
				once.Do(func() { close(first) })
			}
		})
		done <- res
	}()

	select {
	case <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("first line was not delivered while the process was running")
	}

	select {
	case <-done:
		t.Fatal("run returned before the process finished")
	default:
	}

	res := <-done
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunUsesDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	rec := &lineRecorder{}
	cmd := sh(`pwd; echo "$TF_IN_AUTOMATION"`)
	cmd.Dir = dir
	cmd.Env = []string{"TF_IN_AUTOMATION=1"}

	_, err := newTestRunner().Run(context.Background(), cmd, rec.add)
	require.NoError(t, err)

	lines := rec.get()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], dir[len(dir)-8:])
	assert.Equal(t, "1", lines[1])
}

func TestRunCancelSendsTerm(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &lineRecorder{}
	script := `trap 'echo terminating; exit 143' TERM; echo ready; while true; do sleep 0.05; done`
	res, err := newTestRunner().Run(ctx, sh(script), func(line string) {
		rec.add(line)
		if line == "ready" {
			cancel()
		}
	})
	require.NoError(t, err)

	assert.True(t, res.Cancelled)
	assert.Contains(t, rec.get(), "terminating")
}

func TestRunCancelKillsAfterGrace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	script := `trap '' TERM; echo ready; while true; do sleep 0.05; done`
	start := time.Now()
	res, err := newTestRunner().Run(ctx, sh(script), func(line string) {
		if line == "ready" {
			cancel()
		}
	})
	require.NoError(t, err)

	assert.True(t, res.Cancelled)
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newTestRunner().Run(ctx, sh("echo never"), nil)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
}

func TestRunStartFailure(t *testing.T) {
	_, err := newTestRunner().Run(context.Background(), Command{Argv: []string{"/nonexistent/terraform"}}, nil)
	assert.Error(t, err)

	_, err = newTestRunner().Run(context.Background(), Command{}, nil)
	assert.Error(t, err)
}

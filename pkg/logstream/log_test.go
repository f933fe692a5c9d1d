package logstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroadcaster(t *testing.T, dir string) *Broadcaster {
	t.Helper()
	b, err := NewBroadcaster(Config{Dir: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// drain reads a subscription until EOF and returns the delivered lines.
func drain(t *testing.T, sub *Subscription) []Line {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out []Line
	for {
		ln, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		if !assert.NoError(t, err) {
			return out
		}
		out = append(out, ln)
	}
}

func texts(lines []Line) []string {
	out := make([]string, 0, len(lines))
	for _, ln := range lines {
		if !ln.End {
			out = append(out, ln.Text)
		}
	}
	return out
}

func assertContiguous(t *testing.T, lines []Line, after uint64) {
	t.Helper()
	want := after + 1
	for _, ln := range lines {
		assert.Equal(t, want, ln.Seq, "gap or duplicate at seq %d", ln.Seq)
		want = ln.Seq + 1
	}
}

func TestReplayThenLiveHasNoGapsOrDuplicates(t *testing.T) {
	b := newTestBroadcaster(t, t.TempDir())
	l, err := b.Open("dep")
	require.NoError(t, err)

	const total = 200
	early := l.Subscribe(0)
	defer early.Close()

	var (
		wg      sync.WaitGroup
		results = make([][]Line, 3)
		cursors = make([]uint64, 3)
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = drain(t, early)
	}()

	half := make(chan struct{})
	resume := make(chan struct{})
	go func() {
		for i := 1; i <= total; i++ {
			_, err := l.Append(fmt.Sprintf("line %d", i))
			assert.NoError(t, err)
			if i == total/2 {
				close(half)
				<-resume
			}
		}
		_, err := l.End()
		assert.NoError(t, err)
	}()

	<-half
	full := l.Subscribe(0)
	cursors[2] = l.LastSeq()
	partial := l.Subscribe(cursors[2])
	close(resume)
	defer full.Close()
	defer partial.Close()

	wg.Add(2)
	go func() {
		defer wg.Done()
		results[1] = drain(t, full)
	}()
	go func() {
		defer wg.Done()
		results[2] = drain(t, partial)
	}()
	wg.Wait()

	for i, res := range results {
		require.NotEmpty(t, res)
		assertContiguous(t, res, cursors[i])
		assert.True(t, res[len(res)-1].End, "subscriber %d must end with the end marker", i)
	}
	assert.Equal(t, texts(results[0]), texts(results[1]))
	assert.Len(t, texts(results[0]), total)
	assert.Equal(t, texts(results[0])[cursors[2]:], texts(results[2]))
}

func TestLogSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	b := newTestBroadcaster(t, dir)
	l, err := b.Open("dep")
	require.NoError(t, err)

	for _, text := range []string{"[CMD] terraform init", "Initializing...", "[EXIT 0] terraform init"} {
		_, err := l.Append(text)
		require.NoError(t, err)
	}
	_, err = l.End()
	require.NoError(t, err)
	require.NoError(t, b.Close())

	reopened := newTestBroadcaster(t, dir)
	sub, err := reopened.Subscribe("dep", 0)
	require.NoError(t, err)
	defer sub.Close()

	lines := drain(t, sub)
	assert.Equal(t, []string{"[CMD] terraform init", "Initializing...", "[EXIT 0] terraform init"}, texts(lines))
	assertContiguous(t, lines, 0)

	again, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, Line{}, again)
}

func TestTornTailIsDropped(t *testing.T) {
	dir := t.TempDir()
	b := newTestBroadcaster(t, dir)

	content := `{"seq":1,"time":"2025-01-01T00:00:00Z","text":"one"}` + "\n" +
		`{"seq":2,"time":"2025-01-01T00:00:01Z","text":"two"}` + "\n" +
		`{"seq":3,"time":"2025-01-01T00:00:0`
	require.NoError(t, os.WriteFile(b.Path("dep"), []byte(content), 0o644))

	l, err := b.Open("dep")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), l.LastSeq())

	seq, err := l.Append("three")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
	require.NoError(t, b.Close())

	l2, err := newTestBroadcaster(t, dir).Open("dep")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, texts(l2.Lines(0)))
}

func TestEarlierEndMarkersAreSkipped(t *testing.T) {
	b := newTestBroadcaster(t, t.TempDir())
	l, err := b.Open("dep")
	require.NoError(t, err)

	_, _ = l.Append("create")
	_, _ = l.End()
	_, _ = l.Append("destroy")

	sub := l.Subscribe(0)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "create", ln.Text)

	ln, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "destroy", ln.Text)

	_, _ = l.End()
	ln, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.True(t, ln.End)
	assert.Equal(t, uint64(4), ln.Seq)
}

func TestEndIsIdempotent(t *testing.T) {
	b := newTestBroadcaster(t, t.TempDir())
	l, err := b.Open("dep")
	require.NoError(t, err)

	_, _ = l.Append("x")
	first, err := l.End()
	require.NoError(t, err)
	second, err := l.End()
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, first, l.LastSeq())
}

func TestSubscribePastEndReturnsEOF(t *testing.T) {
	b := newTestBroadcaster(t, t.TempDir())
	l, err := b.Open("dep")
	require.NoError(t, err)
	_, _ = l.Append("x")
	end, _ := l.End()

	sub := l.Subscribe(end)
	defer sub.Close()
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestNextHonoursContext(t *testing.T) {
	b := newTestBroadcaster(t, t.TempDir())
	sub, err := b.Subscribe("idle", 0)
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseWakesSubscribers(t *testing.T) {
	b := newTestBroadcaster(t, t.TempDir())
	sub, err := b.Subscribe("dep", 0)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber was not woken by Close")
	}
}

func TestOpenRejectsPathIDs(t *testing.T) {
	b := newTestBroadcaster(t, t.TempDir())
	_, err := b.Open("../escape")
	assert.Error(t, err)
	assert.False(t, b.Exists("missing"))
}

func TestReleasedLogIsEvictedAndReloaded(t *testing.T) {
	b := newTestBroadcaster(t, t.TempDir())
	l, err := b.Open("dep")
	require.NoError(t, err)
	_, _ = l.Append("create")
	_, _ = l.End()

	sub := l.Subscribe(0)
	b.Release(l)
	assert.True(t, b.Held("dep"), "an open subscription keeps the log in memory")

	lines := drain(t, sub)
	assert.Equal(t, []string{"create"}, texts(lines))
	sub.Close()
	assert.False(t, b.Held("dep"))

	_, err = l.Append("late")
	assert.ErrorIs(t, err, ErrClosed, "an evicted log is closed")

	again, err := b.Open("dep")
	require.NoError(t, err)
	defer b.Release(again)
	assert.Equal(t, uint64(2), again.LastSeq())
	assert.True(t, again.Ended())
}

func TestReleaseKeepsLogWhileOtherHoldersRemain(t *testing.T) {
	b := newTestBroadcaster(t, t.TempDir())
	first, err := b.Open("dep")
	require.NoError(t, err)
	second, err := b.Open("dep")
	require.NoError(t, err)
	require.Same(t, first, second)

	b.Release(first)
	assert.True(t, b.Held("dep"))
	_, err = second.Append("still writable")
	require.NoError(t, err)

	b.Release(second)
	assert.False(t, b.Held("dep"))
}

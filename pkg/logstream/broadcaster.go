package logstream

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/telemetry"
)

// Config configures a Broadcaster.
type Config struct {
	// Dir holds one <id>.log file per deployment.
	Dir     string
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// Broadcaster owns the logs of every deployment. Logs are opened lazily and
// shared by every appender and subscriber. A log nobody holds is closed and
// evicted; the next Open reloads it from disk.
type Broadcaster struct {
	dir     string
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	mu   sync.Mutex
	logs map[string]*Log
	refs map[string]int
}

// NewBroadcaster creates the log directory and returns a broadcaster.
func NewBroadcaster(cfg Config) (*Broadcaster, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("log directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &Broadcaster{
		dir:     cfg.Dir,
		logger:  cfg.Logger.With().Str("component", "logstream").Logger(),
		metrics: cfg.Metrics,
		logs:    make(map[string]*Log),
		refs:    make(map[string]int),
	}, nil
}

// Path returns the file backing the log of id.
func (b *Broadcaster) Path(id string) string {
	return filepath.Join(b.dir, id+".log")
}

// Open returns the log of id, loading it from disk or creating it. Each call
// takes a reference that the caller drops with Release.
func (b *Broadcaster) Open(id string) (*Log, error) {
	if id == "" || filepath.Base(id) != id {
		return nil, fmt.Errorf("invalid log id %q", id)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if l, ok := b.logs[id]; ok {
		b.refs[id]++
		return l, nil
	}

	l, err := openLog(id, b.Path(id))
	if err != nil {
		return nil, err
	}
	l.onCount = b.metrics.AddLogSubscribers
	l.hold = func(delta int) { b.adjust(l, delta) }
	b.logs[id] = l
	b.refs[id] = 1

	b.logger.Debug().
		Str("deployment_id", id).
		Uint64("last_seq", l.LastSeq()).
		Bool("ended", l.Ended()).
		Msg("Opened deployment log")
	return l, nil
}

// Exists reports whether a log has been written for id.
func (b *Broadcaster) Exists(id string) bool {
	b.mu.Lock()
	_, ok := b.logs[id]
	b.mu.Unlock()
	if ok {
		return true
	}
	_, err := os.Stat(b.Path(id))
	return err == nil
}

// Subscribe opens the log of id and returns a subscription for lines after seq.
func (b *Broadcaster) Subscribe(id string, after uint64) (*Subscription, error) {
	l, err := b.Open(id)
	if err != nil {
		return nil, err
	}
	defer b.Release(l)
	return l.Subscribe(after), nil
}

// Release drops a reference taken by Open.
func (b *Broadcaster) Release(l *Log) {
	if l != nil {
		b.adjust(l, -1)
	}
}

// Held reports whether the log of id is open in memory.
func (b *Broadcaster) Held(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.logs[id]
	return ok
}

func (b *Broadcaster) adjust(l *Log, delta int) {
	b.mu.Lock()
	if b.logs[l.id] != l {
		// Already evicted or closed with the broadcaster
		b.mu.Unlock()
		return
	}
	b.refs[l.id] += delta
	if b.refs[l.id] > 0 {
		b.mu.Unlock()
		return
	}
	delete(b.logs, l.id)
	delete(b.refs, l.id)
	b.mu.Unlock()

	if err := l.Close(); err != nil {
		b.logger.Warn().Err(err).Str("deployment_id", l.id).Msg("Failed to close idle log")
		return
	}
	b.logger.Debug().Str("deployment_id", l.id).Msg("Evicted idle deployment log")
}

// Close closes every open log.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for id, l := range b.logs {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("log %s: %w", id, err))
		}
	}
	b.logs = make(map[string]*Log)
	b.refs = make(map[string]int)
	return errors.Join(errs...)
}

// Package logstream keeps a durable, sequence-numbered output log per
// deployment and fans new lines out to live subscribers.
//
// A subscriber asks for every line after a sequence number. It first replays
// the backlog and then follows live appends, so it never sees a gap or a
// duplicate regardless of when it subscribed.
package logstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// ErrClosed is returned by Append and Next once the log has been closed.
var ErrClosed = errors.New("log closed")

// Line is one entry of a deployment log. End marks the end of an operation.
type Line struct {
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
	Text string    `json:"text,omitempty"`
	End  bool      `json:"end,omitempty"`
}

// Log is the durable log of one deployment. Lines are appended to a
// newline-delimited JSON file and kept in memory for replay.
type Log struct {
	id   string
	path string

	mu      sync.Mutex
	file    *os.File
	lines   []Line
	ended   bool
	closed  bool
	notify  chan struct{}
	onCount func(delta int)
	// hold adjusts the broadcaster reference count; nil for standalone logs.
	hold func(delta int)
}

// openLog loads an existing log file, skipping a torn final record, and
// opens it for appending.
func openLog(id, path string) (*Log, error) {
	l := &Log{
		id:     id,
		path:   path,
		notify: make(chan struct{}),
	}

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read log %s: %w", id, err)
	}
	if len(data) > 0 {
		if i := bytes.LastIndexByte(data, '\n'); i+1 != len(data) {
			// Drop the torn tail so the next append starts on a fresh line
			if err := os.Truncate(path, int64(i+1)); err != nil {
				return nil, fmt.Errorf("failed to trim log %s: %w", id, err)
			}
			data = data[:i+1]
		}
		l.lines = parseLines(data)
		if n := len(l.lines); n > 0 && l.lines[n-1].End {
			l.ended = true
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log %s: %w", id, err)
	}
	l.file = f
	return l, nil
}

func parseLines(data []byte) []Line {
	var lines []Line
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var last uint64
	for sc.Scan() {
		var ln Line
		if err := json.Unmarshal(sc.Bytes(), &ln); err != nil {
			continue
		}
		if ln.Seq <= last {
			continue
		}
		last = ln.Seq
		lines = append(lines, ln)
	}
	return lines
}

// ID returns the deployment id the log belongs to.
func (l *Log) ID() string {
	return l.id
}

// Append writes a text line and returns its sequence number. Appending after
// an end marker starts a new operation section in the same log.
func (l *Log) Append(text string) (uint64, error) {
	return l.append(Line{Text: text})
}

// End writes the end marker of the current operation. Subscribers that reach
// it stop. Calling End on an already ended log is a no-op.
func (l *Log) End() (uint64, error) {
	l.mu.Lock()
	if l.ended {
		seq := l.lastSeqLocked()
		l.mu.Unlock()
		return seq, nil
	}
	l.mu.Unlock()
	return l.append(Line{End: true})
}

func (l *Log) append(ln Line) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}

	ln.Seq = l.lastSeqLocked() + 1
	ln.Time = time.Now().UTC()

	// Memory first so live subscribers see every line even when the disk
	// write fails; the error is still reported to the caller.
	l.lines = append(l.lines, ln)
	l.ended = ln.End
	close(l.notify)
	l.notify = make(chan struct{})

	data, err := json.Marshal(ln)
	if err != nil {
		return ln.Seq, fmt.Errorf("failed to encode log line: %w", err)
	}
	data = append(data, '\n')
	if _, err := l.file.Write(data); err != nil {
		return ln.Seq, fmt.Errorf("failed to append log line: %w", err)
	}
	if ln.End {
		if err := l.file.Sync(); err != nil {
			return ln.Seq, fmt.Errorf("failed to sync log: %w", err)
		}
	}
	return ln.Seq, nil
}

func (l *Log) lastSeqLocked() uint64 {
	if len(l.lines) == 0 {
		return 0
	}
	return l.lines[len(l.lines)-1].Seq
}

// LastSeq returns the sequence number of the newest line, 0 when empty.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeqLocked()
}

// Ended reports whether the newest line is an end marker.
func (l *Log) Ended() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ended
}

// Lines returns a copy of the text lines after seq, without end markers.
func (l *Log) Lines(after uint64) []Line {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexAfterLocked(after)
	out := make([]Line, 0, len(l.lines)-i)
	for _, ln := range l.lines[i:] {
		if !ln.End {
			out = append(out, ln)
		}
	}
	return out
}

func (l *Log) indexAfterLocked(after uint64) int {
	return sort.Search(len(l.lines), func(i int) bool {
		return l.lines[i].Seq > after
	})
}

// Subscribe returns a subscription delivering every line with Seq > after.
// The subscription keeps the log open until it is closed.
func (l *Log) Subscribe(after uint64) *Subscription {
	l.mu.Lock()
	onCount, hold := l.onCount, l.hold
	l.mu.Unlock()
	if onCount != nil {
		onCount(1)
	}
	if hold != nil {
		hold(1)
	}
	return &Subscription{log: l, after: after, onClose: onCount, release: hold}
}

// Close closes the backing file and wakes every waiting subscriber.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.notify)
	return l.file.Close()
}

// Subscription is a cursor over a Log.
type Subscription struct {
	log     *Log
	after   uint64
	done    bool
	once    sync.Once
	onClose func(delta int)
	release func(delta int)
}

// Next blocks until the next line is available. It returns the end marker of
// the current operation as a Line with End set, and io.EOF on every call
// after that. End markers of earlier operations are skipped.
func (s *Subscription) Next(ctx context.Context) (Line, error) {
	if s.done {
		return Line{}, io.EOF
	}

	for {
		l := s.log
		l.mu.Lock()
		i := l.indexAfterLocked(s.after)
		if i < len(l.lines) {
			ln := l.lines[i]
			last := i == len(l.lines)-1
			if ln.End && !(last && l.ended) {
				// Marker of a finished operation followed by a newer one
				s.after = ln.Seq
				l.mu.Unlock()
				continue
			}
			s.after = ln.Seq
			l.mu.Unlock()
			if ln.End {
				s.done = true
			}
			return ln, nil
		}
		if l.ended {
			l.mu.Unlock()
			s.done = true
			return Line{}, io.EOF
		}
		if l.closed {
			l.mu.Unlock()
			return Line{}, ErrClosed
		}
		wait := l.notify
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Line{}, ctx.Err()
		}
	}
}

// Cursor returns the sequence number of the last delivered line.
func (s *Subscription) Cursor() uint64 {
	return s.after
}

// Close releases the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.onClose != nil {
			s.onClose(-1)
		}
		if s.release != nil {
			s.release(-1)
		}
	})
}

// Package sink writes engagement samples to a per-session CSV log.
//
// A log starts with the header row "timestamp,emotion,eng_raw,eng_smooth" and
// gains one flushed row per appended sample. Timestamps are Unix seconds with
// microsecond precision and never decrease within a log.
//
// Closing a sink returns a [Closed] value. It can only be obtained from
// [Sink.Close], so code that requires a Closed (the final report) cannot run
// against a log that is still being written.
package sink

import (
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/engagemeter/pkg/types"
)

// Column names of the log, in order.
const (
	ColTimestamp = "timestamp"
	ColEmotion   = "emotion"
	ColRaw       = "eng_raw"
	ColSmooth    = "eng_smooth"
)

// Header is the first row of every log.
var Header = []string{ColTimestamp, ColEmotion, ColRaw, ColSmooth}

// ErrClosed is returned by Append after the sink was closed.
var ErrClosed = errors.New("sink: closed")

// Closed proves that a log was finalized: every appended row is flushed and
// the file handle released.
type Closed struct {
	path string
	rows int
}

// Path returns the log file path.
func (c Closed) Path() string { return c.path }

// Rows returns the number of sample rows written.
func (c Closed) Rows() int { return c.rows }

// Valid reports whether c came from [Sink.Close]. The zero value is invalid.
func (c Closed) Valid() bool { return c.path != "" }

// Sink is an open CSV log. All methods are safe for concurrent use.
type Sink struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	w      *csv.Writer
	last   time.Time
	rows   int
	closed bool
	proof  Closed
}

// Open creates (or truncates) the log at path, creating parent directories as
// needed, and writes the header.
func Open(path string) (*Sink, error) {
	if path == "" {
		return nil, errors.New("sink: path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sink: create log dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sink: create log: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(Header); err != nil {
		f.Close()
		return nil, fmt.Errorf("sink: write header: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sink: flush header: %w", err)
	}
	return &Sink{path: path, f: f, w: w}, nil
}

// Path returns the log file path.
func (s *Sink) Path() string { return s.path }

// Append writes and flushes one row. A sample timestamp earlier than the
// previous row's is raised to it.
func (s *Sink) Append(sm types.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	ts := sm.Timestamp
	if ts.Before(s.last) {
		ts = s.last
	}
	row := []string{
		FormatTimestamp(ts),
		sm.Emotion,
		strconv.FormatFloat(sm.Raw, 'f', -1, 64),
		strconv.FormatFloat(sm.Smoothed, 'f', -1, 64),
	}
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("sink: write row: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("sink: flush row: %w", err)
	}
	s.last = ts
	s.rows++
	return nil
}

// Rows returns the number of rows appended so far.
func (s *Sink) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

// Close flushes and releases the log. Subsequent calls return the same proof
// and a nil error.
func (s *Sink) Close() (Closed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.proof, nil
	}
	s.closed = true
	s.w.Flush()
	err := errors.Join(s.w.Error(), s.f.Close())
	s.proof = Closed{path: s.path, rows: s.rows}
	if err != nil {
		return s.proof, fmt.Errorf("sink: close: %w", err)
	}
	return s.proof, nil
}

// FormatTimestamp renders t as Unix seconds with six fractional digits.
func FormatTimestamp(t time.Time) string {
	us := t.UnixMicro()
	sec, frac := us/1e6, us%1e6
	if frac < 0 {
		sec--
		frac += 1e6
	}
	return fmt.Sprintf("%d.%06d", sec, frac)
}

// ParseTimestamp is the inverse of [FormatTimestamp].
func ParseTimestamp(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("sink: parse timestamp %q: %w", s, err)
	}
	return time.UnixMicro(int64(math.Round(f * 1e6))), nil
}

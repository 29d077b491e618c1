// Package report summarises session logs and renders their charts.
//
// An [Aggregator] classifies a log by what it finds on disk: a missing log is
// not_found, a zero-byte file is empty, a file with only a header is no_rows
// and a header that cannot be read is read_error. Anything else yields a
// summary of the smoothed engagement column, the emotion distribution and the
// full timeline in file order. Malformed rows are skipped and counted.
package report

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/engagemeter/internal/observe"
	"github.com/MrWong99/engagemeter/internal/session"
	"github.com/MrWong99/engagemeter/internal/sink"
)

// ErrInvalidProof is returned by [Aggregator.Final] for a zero [sink.Closed].
var ErrInvalidProof = errors.New("report: log was not finalized")

// Status classifies a log.
type Status string

const (
	StatusOK        Status = "ok"
	StatusNotFound  Status = "not_found"
	StatusEmpty     Status = "empty"
	StatusNoRows    Status = "no_rows"
	StatusReadError Status = "read_error"
)

// Summary aggregates the rows of one log.
type Summary struct {
	Avg          float64        `json:"avg"`
	Max          float64        `json:"max"`
	Min          float64        `json:"min"`
	Distribution map[string]int `json:"emotion_distribution"`
}

// Report is the analysis of one session log. Summary is nil only for
// [StatusNotFound].
type Report struct {
	SessionID string    `json:"session_id"`
	Status    Status    `json:"status"`
	Summary   *Summary  `json:"summary"`
	Timeline  []float64 `json:"timeline"`
	Emotions  []string  `json:"emotions"`

	// Skipped counts rows that could not be parsed.
	Skipped int `json:"skipped_rows,omitempty"`
}

// HasData reports whether the report carries at least one row.
func (r Report) HasData() bool { return len(r.Timeline) > 0 }

func newReport(id string, status Status) Report {
	r := Report{
		SessionID: id,
		Status:    status,
		Timeline:  []float64{},
		Emotions:  []string{},
	}
	if status != StatusNotFound {
		r.Summary = &Summary{Distribution: map[string]int{}}
	}
	return r
}

// Aggregator reads session logs from a registry's log directory. Logs are
// found by id, so logs written by an earlier process stay reportable.
type Aggregator struct {
	reg *session.Registry
}

// NewAggregator returns an Aggregator over the logs of reg.
func NewAggregator(reg *session.Registry) *Aggregator {
	return &Aggregator{reg: reg}
}

// Analyze classifies and summarises the log of sessionID. It may be called
// while the session is still writing; the result then covers the rows flushed
// so far.
func (a *Aggregator) Analyze(ctx context.Context, sessionID string) Report {
	if !session.ValidID(sessionID) {
		return newReport(sessionID, StatusNotFound)
	}
	return a.analyzeFile(ctx, sessionID, a.reg.LogPath(sessionID))
}

// Final summarises a finalized log. Only a proof returned by [sink.Sink.Close]
// is accepted.
func (a *Aggregator) Final(ctx context.Context, closed sink.Closed) (Report, error) {
	if !closed.Valid() {
		return Report{}, ErrInvalidProof
	}
	id := strings.TrimSuffix(filepath.Base(closed.Path()), ".csv")
	return a.analyzeFile(ctx, id, closed.Path()), nil
}

func (a *Aggregator) analyzeFile(ctx context.Context, id, path string) Report {
	ctx, span := observe.StartSpan(ctx, "report.Analyze", trace.WithAttributes(observe.SessionIDKey.String(id)))
	defer span.End()

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return newReport(id, StatusNotFound)
	}
	if err != nil {
		observe.Logger(ctx).Warn("open session log", "session_id", id, "err", err)
		return newReport(id, StatusReadError)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return newReport(id, StatusReadError)
	}
	if info.Size() == 0 {
		return newReport(id, StatusEmpty)
	}

	rep, err := parse(id, f)
	if err != nil {
		observe.Logger(ctx).Warn("read session log", "session_id", id, "err", err)
		return newReport(id, StatusReadError)
	}
	span.SetAttributes(
		attribute.String("report.status", string(rep.Status)),
		attribute.Int("report.rows", len(rep.Timeline)),
	)
	return rep
}

// parse reads a non-empty log. Only a broken header is an error.
func parse(id string, r io.Reader) (Report, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return Report{}, fmt.Errorf("report: read header: %w", err)
	}
	emoCol := slices.Index(header, sink.ColEmotion)
	smoothCol := slices.Index(header, sink.ColSmooth)
	if emoCol < 0 || smoothCol < 0 {
		return Report{}, fmt.Errorf("report: header %q lacks %s or %s", strings.Join(header, ","), sink.ColEmotion, sink.ColSmooth)
	}
	width := max(emoCol, smoothCol) + 1

	rep := newReport(id, StatusOK)
	sum := rep.Summary
	var total float64
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil || len(rec) < width {
			rep.Skipped++
			continue
		}
		v, perr := strconv.ParseFloat(rec[smoothCol], 64)
		if perr != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			rep.Skipped++
			continue
		}
		emotion := rec[emoCol]
		if len(rep.Timeline) == 0 {
			sum.Max, sum.Min = v, v
		}
		sum.Max = max(sum.Max, v)
		sum.Min = min(sum.Min, v)
		total += v
		sum.Distribution[emotion]++
		rep.Timeline = append(rep.Timeline, v)
		rep.Emotions = append(rep.Emotions, emotion)
	}
	if len(rep.Timeline) == 0 {
		rep.Status = StatusNoRows
		return rep, nil
	}
	sum.Avg = total / float64(len(rep.Timeline))
	return rep, nil
}

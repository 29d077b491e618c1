// Package frameproc turns one frame into at most one engagement sample.
//
// [Processor.Process] runs detection, picks the first face in detector order,
// crops it (clipped to the frame), classifies it and scores the result. Every
// way a frame can be dropped is an [Outcome] rather than an error: a dropped
// frame is routine, not exceptional, and the caller only needs to know whether
// a sample came out. The underlying cause, if any, is kept on [Result.Err] for
// logging.
package frameproc

import (
	"context"
	"errors"
	"image"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/engagemeter/internal/engagement"
	"github.com/MrWong99/engagemeter/internal/observe"
	"github.com/MrWong99/engagemeter/pkg/imageutil"
	"github.com/MrWong99/engagemeter/pkg/provider/classifier"
	"github.com/MrWong99/engagemeter/pkg/provider/detector"
	"github.com/MrWong99/engagemeter/pkg/types"
)

// Outcome classifies what happened to a frame.
type Outcome int

const (
	// OutcomeSample means a sample was produced.
	OutcomeSample Outcome = iota

	// OutcomeNoFace means the detector found no face.
	OutcomeNoFace

	// OutcomeInvalidCrop means the face box had no overlap with the frame.
	OutcomeInvalidCrop

	// OutcomeClassificationFailed means the classifier errored or returned an
	// empty distribution.
	OutcomeClassificationFailed

	// OutcomeDetectionFailed means the detector errored.
	OutcomeDetectionFailed
)

// String returns the snake_case outcome name used in metrics and logs.
func (o Outcome) String() string {
	switch o {
	case OutcomeSample:
		return "sample"
	case OutcomeNoFace:
		return "no_face"
	case OutcomeInvalidCrop:
		return "invalid_crop"
	case OutcomeClassificationFailed:
		return "classification_failed"
	case OutcomeDetectionFailed:
		return "detection_failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of processing one frame.
type Result struct {
	Outcome Outcome

	// Sample is set only for OutcomeSample.
	Sample types.Sample

	// Face is the box that was classified. Zero when no face was used.
	Face types.Box

	// Err is the provider error behind a failed outcome, if any.
	Err error
}

// Face is one classified face.
type Face struct {
	Box        types.Box
	Prediction types.Prediction
	Emotion    string
	Raw        float64
}

// Option configures a [Processor].
type Option func(*Processor)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithClock replaces time.Now for sample timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// Processor holds the shared, read-only parts of frame processing. It is safe
// for concurrent use as long as each caller brings its own Smoother.
type Processor struct {
	det     detector.Provider
	cls     classifier.Provider
	weights engagement.Weights
	metrics *observe.Metrics
	now     func() time.Time
}

// New returns a Processor.
func New(det detector.Provider, cls classifier.Provider, weights engagement.Weights, opts ...Option) *Processor {
	p := &Processor{
		det:     det,
		cls:     cls,
		weights: weights,
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Weights returns the weight table used for scoring.
func (p *Processor) Weights() engagement.Weights { return p.weights }

// Process runs the single-face pipeline on frame and folds the raw score into
// sm. sm is only updated when a sample is produced.
func (p *Processor) Process(ctx context.Context, frame types.Frame, sm *engagement.Smoother) Result {
	ctx, span := observe.StartSpan(ctx, "frameproc.Process")
	defer span.End()
	span.SetAttributes(attribute.Int64("frame.seq", int64(frame.Seq)))

	res := p.process(ctx, frame, sm)
	span.SetAttributes(attribute.String("frame.outcome", res.Outcome.String()))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Outcome.String())
	}
	return res
}

func (p *Processor) process(ctx context.Context, frame types.Frame, sm *engagement.Smoother) Result {
	if frame.Image == nil {
		return Result{Outcome: OutcomeInvalidCrop, Err: errors.New("frameproc: frame has no image")}
	}
	boxes, err := p.Detect(ctx, frame.Image)
	if err != nil {
		return Result{Outcome: OutcomeDetectionFailed, Err: err}
	}
	if len(boxes) == 0 {
		return Result{Outcome: OutcomeNoFace}
	}

	face, outcome, err := p.ClassifyBox(ctx, frame.Image, boxes[0])
	if outcome != OutcomeSample {
		return Result{Outcome: outcome, Face: boxes[0], Err: err}
	}
	return Result{
		Outcome: OutcomeSample,
		Face:    face.Box,
		Sample: types.Sample{
			Timestamp: p.now(),
			Emotion:   face.Emotion,
			Raw:       face.Raw,
			Smoothed:  sm.Update(face.Raw),
		},
	}
}

// Detect runs the detector and records its latency.
func (p *Processor) Detect(ctx context.Context, img image.Image) ([]types.Box, error) {
	start := time.Now()
	boxes, err := p.det.Detect(ctx, img)
	p.metrics.DetectDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		p.metrics.RecordProviderError(ctx, "detector")
		return nil, err
	}
	return boxes, nil
}

// ClassifyBox crops box out of img, classifies the crop and scores it with
// the raw engagement weights. The returned outcome is OutcomeSample on
// success, OutcomeInvalidCrop or OutcomeClassificationFailed otherwise.
func (p *Processor) ClassifyBox(ctx context.Context, img image.Image, box types.Box) (Face, Outcome, error) {
	if !box.Valid() {
		return Face{}, OutcomeInvalidCrop, nil
	}
	// Boxes are in frame coordinates; frames may not start at the origin.
	r := box.Rect().Add(img.Bounds().Min)
	crop, ok := imageutil.Crop(img, r)
	if !ok {
		return Face{}, OutcomeInvalidCrop, nil
	}

	start := time.Now()
	pred, err := p.cls.Classify(ctx, crop)
	p.metrics.ClassifyDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		if !errors.Is(err, classifier.ErrNoResult) {
			p.metrics.RecordProviderError(ctx, "classifier")
		}
		return Face{}, OutcomeClassificationFailed, err
	}
	if pred.Empty() {
		return Face{}, OutcomeClassificationFailed, classifier.ErrNoResult
	}
	return Face{
		Box:        box,
		Prediction: pred,
		Emotion:    pred.DominantLabel(),
		Raw:        p.weights.Score(pred.Probs),
	}, OutcomeSample, nil
}

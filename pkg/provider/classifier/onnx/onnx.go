// Package onnx implements classifier.Provider with a local ONNX emotion model
// run through OpenCV's dnn module.
//
// The model is expected to take a single-channel square face crop and emit one
// value per label. Labels default to the FER-2013 order and can be overridden
// to match the model. Outputs are treated as logits and softmaxed unless the
// classifier is built [WithProbabilities], for models exported with their own
// softmax layer.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/MrWong99/engagemeter/pkg/provider/classifier"
	"github.com/MrWong99/engagemeter/pkg/types"
)

// DefaultLabels is the FER-2013 label order.
var DefaultLabels = []string{"angry", "disgust", "fear", "happy", "sad", "surprise", "neutral"}

// DefaultInputSize is the edge length of the model input.
const DefaultInputSize = 64

// Option configures a [Classifier].
type Option func(*Classifier)

// WithLabels sets the label for each model output, in output order.
func WithLabels(labels []string) Option {
	return func(c *Classifier) { c.labels = labels }
}

// WithInputSize sets the square input edge expected by the model.
func WithInputSize(px int) Option {
	return func(c *Classifier) { c.inputSize = px }
}

// WithProbabilities marks the model output as probabilities, so it is used
// without a softmax.
func WithProbabilities() Option {
	return func(c *Classifier) { c.probabilities = true }
}

// Classifier wraps a gocv.Net. Forward passes are serialised.
type Classifier struct {
	mu            sync.Mutex
	net           gocv.Net
	closed        bool
	labels        []string
	inputSize     int
	probabilities bool
}

// New loads the ONNX model at path.
func New(path string, opts ...Option) (*Classifier, error) {
	if path == "" {
		return nil, errors.New("onnx: model path must not be empty")
	}
	c := &Classifier{labels: DefaultLabels, inputSize: DefaultInputSize}
	for _, o := range opts {
		o(c)
	}
	if len(c.labels) == 0 {
		return nil, errors.New("onnx: labels must not be empty")
	}
	if c.inputSize <= 0 {
		return nil, fmt.Errorf("onnx: input size must be positive, got %d", c.inputSize)
	}
	c.net = gocv.ReadNetFromONNX(path)
	if c.net.Empty() {
		return nil, fmt.Errorf("onnx: load model %q", path)
	}
	return c, nil
}

// Classify runs one forward pass on a grayscale copy of face.
func (c *Classifier) Classify(_ context.Context, face image.Image) (types.Prediction, error) {
	mat, err := gocv.ImageToMatRGB(face)
	if err != nil {
		return types.Prediction{}, fmt.Errorf("onnx: convert image: %w", err)
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)

	blob := gocv.BlobFromImage(gray, 1.0/255.0, image.Pt(c.inputSize, c.inputSize),
		gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.Prediction{}, errors.New("onnx: classifier closed")
	}
	c.net.SetInput(blob, "")
	out := c.net.Forward("")
	c.mu.Unlock()
	defer out.Close()

	scores, err := out.DataPtrFloat32()
	if err != nil {
		return types.Prediction{}, fmt.Errorf("onnx: read output: %w", err)
	}
	if len(scores) == 0 {
		return types.Prediction{}, classifier.ErrNoResult
	}
	if len(scores) != len(c.labels) {
		return types.Prediction{}, fmt.Errorf("onnx: model emitted %d outputs for %d labels", len(scores), len(c.labels))
	}
	if c.probabilities {
		return classifier.FromProbabilities(c.labels, scores), nil
	}
	return classifier.FromLogits(c.labels, scores), nil
}

// Close releases the network. Safe to call more than once.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.net.Close()
}

var _ classifier.Provider = (*Classifier)(nil)

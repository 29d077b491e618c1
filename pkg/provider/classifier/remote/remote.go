// Package remote implements classifier.Provider against an HTTP inference
// service.
//
// The service receives the face crop as multipart/form-data (field "image") on
// POST {baseURL}/classify and answers with
//
//	{"emotion": {"happy": 81.2, "neutral": 10.1, ...}, "dominant_emotion": "happy"}
//
// Percentages are normalised to [0, 1].
package remote

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/engagemeter/pkg/provider/classifier"
	"github.com/MrWong99/engagemeter/pkg/provider/internal/imagepost"
	"github.com/MrWong99/engagemeter/pkg/types"
)

const defaultTimeout = 10 * time.Second

// Option is a functional option for configuring a Classifier.
type Option func(*Classifier)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Classifier) { cl.httpClient = c }
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(t time.Duration) Option {
	return func(cl *Classifier) { cl.httpClient = &http.Client{Timeout: t} }
}

// Classifier calls a remote emotion classification endpoint.
type Classifier struct {
	endpoint   string
	httpClient *http.Client
}

// New returns a Classifier for the service at baseURL.
func New(baseURL string, opts ...Option) (*Classifier, error) {
	if baseURL == "" {
		return nil, errors.New("remote classifier: baseURL must not be empty")
	}
	c := &Classifier{
		endpoint:   strings.TrimRight(baseURL, "/") + "/classify",
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Classify posts the crop and returns the normalised distribution.
func (c *Classifier) Classify(ctx context.Context, face image.Image) (types.Prediction, error) {
	var result struct {
		Emotion  map[string]float64 `json:"emotion"`
		Dominant string             `json:"dominant_emotion"`
	}
	if err := imagepost.Do(ctx, c.httpClient, c.endpoint, "remote classifier", face, &result); err != nil {
		return types.Prediction{}, err
	}
	if len(result.Emotion) == 0 {
		return types.Prediction{}, fmt.Errorf("remote classifier: %w", classifier.ErrNoResult)
	}
	return types.Prediction{
		Probs:    classifier.Normalize(result.Emotion),
		Dominant: result.Dominant,
	}, nil
}

// Close is a no-op.
func (c *Classifier) Close() error { return nil }

var _ classifier.Provider = (*Classifier)(nil)

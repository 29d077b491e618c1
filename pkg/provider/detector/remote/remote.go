// Package remote implements detector.Provider against an HTTP inference
// service.
//
// The service receives the frame as multipart/form-data (field "image") on
// POST {baseURL}/detect and answers with
//
//	{"faces": [{"x": 10, "y": 20, "w": 64, "h": 64}, ...]}
//
// Boxes with a non-positive width or height are dropped.
package remote

import (
	"context"
	"errors"
	"image"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/engagemeter/pkg/provider/detector"
	"github.com/MrWong99/engagemeter/pkg/provider/internal/imagepost"
	"github.com/MrWong99/engagemeter/pkg/types"
)

const defaultTimeout = 10 * time.Second

// Option is a functional option for configuring a Detector.
type Option func(*Detector)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Detector) { d.httpClient = c }
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(t time.Duration) Option {
	return func(d *Detector) { d.httpClient = &http.Client{Timeout: t} }
}

// Detector calls a remote face detection endpoint.
type Detector struct {
	endpoint   string
	httpClient *http.Client
}

// New returns a Detector for the service at baseURL.
func New(baseURL string, opts ...Option) (*Detector, error) {
	if baseURL == "" {
		return nil, errors.New("remote detector: baseURL must not be empty")
	}
	d := &Detector{
		endpoint:   strings.TrimRight(baseURL, "/") + "/detect",
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Detect posts img and returns the valid boxes in service order.
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]types.Box, error) {
	var result struct {
		Faces []types.Box `json:"faces"`
	}
	if err := imagepost.Do(ctx, d.httpClient, d.endpoint, "remote detector", img, &result); err != nil {
		return nil, err
	}
	return detector.FilterValid(result.Faces), nil
}

// Close is a no-op.
func (d *Detector) Close() error { return nil }

var _ detector.Provider = (*Detector)(nil)

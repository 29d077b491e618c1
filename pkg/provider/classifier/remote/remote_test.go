package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/engagemeter/pkg/provider/classifier"
	"github.com/MrWong99/engagemeter/pkg/provider/classifier/remote"
)

func newMockServer(t *testing.T, body map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/classify" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if _, _, err := r.FormFile("image"); err != nil {
			http.Error(w, "missing image", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
}

func TestClassify_NormalisesPercentages(t *testing.T) {
	t.Parallel()

	srv := newMockServer(t, map[string]any{
		"emotion":          map[string]float64{"happy": 75, "neutral": 25},
		"dominant_emotion": "happy",
	})
	defer srv.Close()

	c, err := remote.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pred, err := c.Classify(context.Background(), image.NewRGBA(image.Rect(0, 0, 16, 16)))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if pred.Dominant != "happy" {
		t.Errorf("Dominant = %q, want happy", pred.Dominant)
	}
	if math.Abs(pred.Probs["happy"]-0.75) > 1e-12 || math.Abs(pred.Probs["neutral"]-0.25) > 1e-12 {
		t.Errorf("Probs = %v, want happy 0.75 neutral 0.25", pred.Probs)
	}
}

func TestClassify_EmptyResult(t *testing.T) {
	t.Parallel()

	srv := newMockServer(t, map[string]any{"emotion": map[string]float64{}})
	defer srv.Close()

	c, _ := remote.New(srv.URL)
	_, err := c.Classify(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
	if !errors.Is(err, classifier.ErrNoResult) {
		t.Errorf("err = %v, want ErrNoResult", err)
	}
}

// Package api exposes the engagemeter operations over HTTP.
//
// Every route answers with JSON. Outcomes the caller is expected to handle
// (an invalid_image analysis, a rt_stop with no realtime session) are typed
// bodies served with 200. Lookup and input problems are {"error": "..."}
// bodies with a 4xx code; only failures of the service itself produce a 5xx.
//
// Routes:
//
//	GET  /start?mode=video|webcam|images&video_path=
//	GET  /stop[?session_id=]
//	GET  /rt_start
//	GET  /rt_stop
//	POST /analyze_frame[?session_id=]     multipart "frame" field or raw body
//	GET  /ws/analyze[?session_id=]        one JSON result per binary message
//	GET  /sessions
//	GET  /sessions/{id}
//	GET  /sessions/{id}/analytics
//	GET  /sessions/{id}/charts
//	GET  /reports/{id}/{file}
//	GET  /healthz, /readyz, /metrics
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/cors"

	"github.com/MrWong99/engagemeter/internal/app"
	"github.com/MrWong99/engagemeter/internal/health"
	"github.com/MrWong99/engagemeter/internal/observe"
	"github.com/MrWong99/engagemeter/internal/realtime"
	"github.com/MrWong99/engagemeter/internal/report"
	"github.com/MrWong99/engagemeter/internal/session"
	"github.com/MrWong99/engagemeter/pkg/provider/framesource"
)

// Error codes returned in the "error" field of failed requests.
const (
	CodeUnknownMode       = "unknown_mode"
	CodeSourceUnavailable = "source_unavailable"
	CodeNoActiveSession   = "no_active_session"
	CodeSessionNotFound   = "session_not_found"
	CodeNoRealtime        = "no_realtime_session"
	CodeSessionNotOpen    = "session_not_open"
	CodeReportNotFound    = "report_not_found"
	CodeStopTimeout       = "stop_timeout"
	CodeInternal          = "internal_error"
)

// multipartOverhead is the slack allowed on top of the image size limit for
// multipart headers and boundaries.
const multipartOverhead = 64 << 10

// Server routes HTTP requests to an [app.App].
type Server struct {
	app      *app.App
	metrics  *observe.Metrics
	scrape   http.Handler
	origins  []string
	maxBytes int
	handler  http.Handler
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the metrics used by the request middleware. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler mounts h on GET /metrics. Without it the route is not
// served.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.scrape = h }
}

// WithCORSOrigins sets the allowed browser origins for both plain requests and
// websocket upgrades. Defaults to "*".
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

// New builds the route table for a.
func New(a *app.App, opts ...Option) *Server {
	s := &Server{
		app:      a,
		origins:  []string{"*"},
		maxBytes: a.Config().Realtime.MaxImageBytes,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /start", s.handleStart)
	mux.HandleFunc("GET /stop", s.handleStop)
	mux.HandleFunc("GET /rt_start", s.handleRTStart)
	mux.HandleFunc("GET /rt_stop", s.handleRTStop)
	mux.HandleFunc("POST /analyze_frame", s.handleAnalyzeFrame)
	mux.HandleFunc("GET /ws/analyze", s.handleAnalyzeStream)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /sessions/{id}/analytics", s.handleAnalytics)
	mux.HandleFunc("GET /sessions/{id}/charts", s.handleCharts)
	mux.HandleFunc("GET /reports/{id}/{file}", s.handleReportFile)
	if s.scrape != nil {
		mux.Handle("GET /metrics", s.scrape)
	}
	health.New(a.Checkers()...).Register(mux)

	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Traceparent"},
		ExposedHeaders: []string{"X-Correlation-ID"},
		MaxAge:         300,
	})
	s.handler = observe.Middleware(s.metrics)(corsHandler(mux))
	return s
}

// Handler returns the root handler, wrapped with CORS and request telemetry.
func (s *Server) Handler() http.Handler { return s.handler }

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type startResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("mode")
	if mode == "" {
		mode = string(framesource.ModeVideo)
	}
	sess, err := s.app.Start(r.Context(), mode, q.Get("video_path"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, startResponse{SessionID: sess.ID, Status: "started"})
	case errors.Is(err, app.ErrUnknownMode), errors.Is(err, framesource.ErrUnsupportedMode):
		writeError(w, http.StatusBadRequest, CodeUnknownMode, err)
	default:
		observe.Logger(r.Context()).Warn("start failed", "mode", mode, "err", err)
		writeError(w, http.StatusUnprocessableEntity, CodeSourceUnavailable, err)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	rep, err := s.app.Stop(r.Context(), r.URL.Query().Get("session_id"))
	switch {
	case err == nil:
		rep.Charts = chartLinks(rep.Session.ID, rep.Charts)
		writeJSON(w, http.StatusOK, rep)
	case errors.Is(err, app.ErrNoActiveSession):
		writeError(w, http.StatusNotFound, CodeNoActiveSession, nil)
	case errors.Is(err, app.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, CodeSessionNotFound, nil)
	case r.Context().Err() != nil:
		writeError(w, http.StatusServiceUnavailable, CodeStopTimeout, err)
	default:
		observe.Logger(r.Context()).Error("stop failed", "err", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, err)
	}
}

func (s *Server) handleRTStart(w http.ResponseWriter, r *http.Request) {
	id, started, err := s.app.RTStart(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Error("realtime start failed", "err", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, err)
		return
	}
	status := "rt_started"
	if !started {
		status = "already_started"
	}
	writeJSON(w, http.StatusOK, startResponse{SessionID: id, Status: status})
}

func (s *Server) handleRTStop(w http.ResponseWriter, r *http.Request) {
	rep, err := s.app.RTStop(r.Context())
	switch {
	case err == nil:
		rep.Charts = chartLinks(rep.Session.ID, rep.Charts)
		writeJSON(w, http.StatusOK, rep)
	case errors.Is(err, realtime.ErrNoSession):
		writeError(w, http.StatusOK, CodeNoRealtime, nil)
	default:
		observe.Logger(r.Context()).Error("realtime stop failed", "err", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, err)
	}
}

type sessionResponse struct {
	session.Session
	Frames  *int64 `json:"frames,omitempty"`
	Samples *int64 `json:"samples,omitempty"`
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.app.Sessions()})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.app.Session(id)
	if !ok {
		writeError(w, http.StatusNotFound, CodeSessionNotFound, nil)
		return
	}
	resp := sessionResponse{Session: sess}
	if frames, samples, ok := s.app.Progress(id); ok {
		resp.Frames, resp.Samples = &frames, &samples
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	rep := s.app.Analytics(r.Context(), r.PathValue("id"))
	status := http.StatusOK
	if rep.Status == report.StatusNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, rep)
}

func (s *Server) handleCharts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rep, charts, err := s.app.Charts(r.Context(), id)
	if err != nil {
		observe.Logger(r.Context()).Error("chart rendering failed", "session_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, err)
		return
	}
	status := http.StatusOK
	if rep.Status == report.StatusNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, chartLinks(id, charts))
}

func (s *Server) handleReportFile(w http.ResponseWriter, r *http.Request) {
	id, file := r.PathValue("id"), r.PathValue("file")
	if !session.ValidID(id) || (file != report.PieFile && file != report.LineFile) {
		writeError(w, http.StatusNotFound, CodeReportNotFound, nil)
		return
	}
	path := filepath.Join(s.app.ReportDir(), id, file)
	if fi, err := os.Stat(path); err != nil || !fi.Mode().IsRegular() {
		writeError(w, http.StatusNotFound, CodeReportNotFound, nil)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, path)
}

// chartLinks rewrites rendered chart paths into the URLs that serve them.
func chartLinks(id string, c report.Charts) report.Charts {
	link := func(p *string, file string) *string {
		if p == nil {
			return nil
		}
		u := "/reports/" + id + "/" + file
		return &u
	}
	return report.Charts{
		EmotionPie:     link(c.EmotionPie, report.PieFile),
		EngagementLine: link(c.EngagementLine, report.LineFile),
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// writeError writes {"error": code}. Internal errors keep their detail out of
// the body.
func writeError(w http.ResponseWriter, status int, code string, err error) {
	resp := errorResponse{Error: code}
	if err != nil && status < http.StatusInternalServerError {
		resp.Detail = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
	}
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}

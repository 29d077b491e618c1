package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/engagemeter/internal/observe"
	"github.com/MrWong99/engagemeter/internal/realtime"
)

// frameField is the multipart field carrying the posted image.
const frameField = "frame"

// invalidImage answers uploads that cannot be read or decoded. It is a normal
// analysis outcome and is served with 200.
var invalidImage = realtime.Result{Status: realtime.StatusInvalidImage, Faces: []realtime.FaceResult{}}

func (s *Server) handleAnalyzeFrame(w http.ResponseWriter, r *http.Request) {
	data, sessionID, err := s.readFrame(w, r)
	if err != nil {
		observe.Logger(r.Context()).Debug("unreadable frame upload", "err", err)
		writeJSON(w, http.StatusOK, invalidImage)
		return
	}
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session_id")
	}

	res, err := s.app.Realtime().Analyze(r.Context(), data, sessionID)
	switch {
	case errors.Is(err, realtime.ErrSessionNotOpen):
		writeError(w, http.StatusNotFound, CodeSessionNotOpen, nil)
	case err != nil:
		observe.Logger(r.Context()).Error("frame analysis failed", "err", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// readFrame returns the posted image bytes and, for multipart uploads, the
// session_id form value. Payloads over the size limit are cut one byte past
// it so the analyser classifies them as invalid.
func (s *Server) readFrame(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	if !isMultipart(r) {
		body := io.Reader(r.Body)
		if s.maxBytes > 0 {
			body = io.LimitReader(r.Body, int64(s.maxBytes)+1)
		}
		data, err := io.ReadAll(body)
		return data, "", err
	}

	if s.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, int64(s.maxBytes)+multipartOverhead)
	}
	f, _, err := r.FormFile(frameField)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	body := io.Reader(f)
	if s.maxBytes > 0 {
		body = io.LimitReader(f, int64(s.maxBytes)+1)
	}
	data, err := io.ReadAll(body)
	return data, r.FormValue("session_id"), err
}

// handleAnalyzeStream upgrades to a websocket. Each binary message is one
// encoded frame and is answered with one JSON text message holding its
// [realtime.Result]. Non-binary messages get an invalid_image result.
func (s *Server) handleAnalyzeStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		// Accept has already written the HTTP error.
		observe.Logger(r.Context()).Debug("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	if s.maxBytes > 0 {
		conn.SetReadLimit(int64(s.maxBytes))
	}

	ctx := r.Context()
	log := observe.Logger(ctx)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				log.Debug("websocket read ended", "err", err)
			}
			return
		}

		res := invalidImage
		if typ == websocket.MessageBinary {
			res, err = s.app.Realtime().Analyze(ctx, data, sessionID)
			if errors.Is(err, realtime.ErrSessionNotOpen) {
				_ = writeMessage(ctx, conn, errorResponse{Error: CodeSessionNotOpen})
				conn.Close(websocket.StatusPolicyViolation, CodeSessionNotOpen)
				return
			}
			if err != nil {
				log.Error("frame analysis failed", "err", err)
				conn.Close(websocket.StatusInternalError, CodeInternal)
				return
			}
		}
		if err := writeMessage(ctx, conn, res); err != nil {
			log.Debug("websocket write failed", "err", err)
			return
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Package api implements the HTTP control surface: starting and stopping
// detection, status and configuration, manual events, detection history and
// the live event stream.
//
// All responses are JSON. Failures carry a machine-readable "error" code and
// a human-readable "message":
//
//	{"error": "already_running", "message": "detector: already running (state=running)"}
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/cradlewatch/internal/archive"
	"github.com/MrWong99/cradlewatch/internal/detector"
	"github.com/MrWong99/cradlewatch/internal/dispatch"
	"github.com/MrWong99/cradlewatch/internal/observe"
	"github.com/MrWong99/cradlewatch/pkg/audio"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	defaultSimilarK     = 5
	maxSimilarK         = 50
	defaultProbeSeconds = 5
	maxBodyBytes        = 1 << 16
)

// Detector is the lifecycle controller driven by the API.
type Detector interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() detector.Status
	Current() detector.Current
	Configure(u detector.Update) (detector.Current, error)
	Probe(ctx context.Context, d time.Duration) (detector.ProbeResult, error)
}

// Pusher creates manual detection events.
type Pusher interface {
	Push(ctx context.Context, confidence float64) (dispatch.Event, error)
}

// History reads the detection log.
type History interface {
	Recent(n int) ([]dispatch.LogEntry, error)
}

// Similarity looks up archived detections by acoustic similarity.
type Similarity interface {
	Get(ctx context.Context, id string) (archive.Record, error)
	Similar(ctx context.Context, features []float64, k int) ([]archive.Match, error)
}

// Option configures a [Server].
type Option func(*Server)

// WithSimilarity enables GET /history/similar.
func WithSimilarity(s Similarity) Option { return func(srv *Server) { srv.similar = s } }

// WithHub enables GET /events/stream.
func WithHub(h *Hub) Option { return func(srv *Server) { srv.hub = h } }

// Server holds the handlers of the control surface.
type Server struct {
	det     Detector
	push    Pusher
	history History
	similar Similarity
	hub     *Hub
	now     func() time.Time
}

// New returns a Server.
func New(det Detector, push Pusher, history History, opts ...Option) *Server {
	s := &Server{det: det, push: push, history: history, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds all control routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("POST /stop", s.handleStop)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("POST /config", s.handlePostConfig)
	mux.HandleFunc("POST /events", s.handlePushEvent)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /history/similar", s.handleSimilar)
	mux.HandleFunc("GET /test-microphone", s.handleProbe)
	if s.hub != nil {
		mux.Handle("GET /events/stream", s.hub)
	}
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.det.Start(r.Context()); err != nil {
		s.writeDetectorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "started", "timestamp": s.now()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.det.Stop(r.Context()); err != nil {
		s.writeDetectorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped", "timestamp": s.now()})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.det.Status())
}

// ─── Configuration ───────────────────────────────────────────────────────────

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.det.Current())
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	var u detector.Update
	if err := decodeBody(w, r, &u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_config", err.Error())
		return
	}
	cur, err := s.det.Configure(u)
	if err != nil {
		s.writeDetectorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

// ─── Events & history ────────────────────────────────────────────────────────

type pushRequest struct {
	// Confidence in [0, 1].
	Confidence *float64 `json:"confidence"`
}

func (s *Server) handlePushEvent(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}
	if req.Confidence == nil {
		writeError(w, http.StatusBadRequest, "invalid_event", "confidence is required")
		return
	}
	ev, err := s.push.Push(r.Context(), *req.Confidence)
	switch {
	case errors.Is(err, dispatch.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	case err != nil:
		// The event was delivered; only the local log write failed.
		observe.Logger(r.Context()).Warn("api: manual event not logged", "event_id", ev.ID, "err", err)
	}
	writeJSON(w, http.StatusAccepted, ev)
}

type historyResponse struct {
	Count   int                 `json:"count"`
	Entries []dispatch.LogEntry `json:"entries"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultHistoryLimit, 1, maxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	entries, err := s.history.Recent(limit)
	if err != nil {
		observe.Logger(r.Context()).Error("api: read history", "err", err)
		writeError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Count: len(entries), Entries: entries})
}

type similarResponse struct {
	ID      string          `json:"id"`
	Matches []archive.Match `json:"matches"`
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	if s.similar == nil {
		writeError(w, http.StatusNotFound, "archive_disabled", "no detection archive is configured")
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}
	k, err := intParam(r, "k", defaultSimilarK, 1, maxSimilarK)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	rec, err := s.similar.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if len(rec.Features) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "no_features", "detection has no feature vector")
		return
	}
	// One extra: the query record is its own nearest neighbour.
	matches, err := s.similar.Similar(r.Context(), rec.Features, k+1)
	if err != nil {
		observe.Logger(r.Context()).Error("api: similarity search", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "archive_unavailable", err.Error())
		return
	}
	out := make([]archive.Match, 0, k)
	for _, m := range matches {
		if m.ID != id && len(out) < k {
			out = append(out, m)
		}
	}
	writeJSON(w, http.StatusOK, similarResponse{ID: id, Matches: out})
}

// ─── Microphone probe ────────────────────────────────────────────────────────

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	secs := float64(defaultProbeSeconds)
	if v := r.URL.Query().Get("seconds"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_config", "seconds must be a number")
			return
		}
		secs = f
	}
	res, err := s.det.Probe(r.Context(), time.Duration(secs*float64(time.Second)))
	if err != nil {
		s.writeDetectorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeDetectorError maps controller errors to status codes.
func (s *Server) writeDetectorError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, detector.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "already_running", err.Error())
	case errors.Is(err, detector.ErrNotRunning):
		writeError(w, http.StatusConflict, "not_running", err.Error())
	case errors.Is(err, detector.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, "invalid_config", err.Error())
	case errors.Is(err, audio.ErrDeviceUnavailable):
		writeError(w, http.StatusServiceUnavailable, "device_unavailable", err.Error())
	default:
		observe.Logger(r.Context()).Error("api: detector", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
	}
}

// decodeBody strictly decodes a bounded JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed JSON body: %w", err)
	}
	return nil
}

// intParam parses an optional integer query parameter within [lo, hi].
func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("%s must be an integer in [%d, %d]", name, lo, hi)
	}
	return n, nil
}

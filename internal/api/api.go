// Package api implements the Control Plane API (C10): create/load/close/
// list sessions and a health/info surface, per spec.md §4.10 and §6.
// Grounded on
// _examples/helixml-helix/api/pkg/server/access_grant_handlers.go for the
// gorilla/mux handler-method-on-server-struct shape and structured JSON
// error responses.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"tabcast/internal/apperr"
	"tabcast/internal/pool"
)

const version = "1.0.0"

// Info is the capability object returned by GET /api/info.
type Info struct {
	Video VideoInfo `json:"video"`
	Audio AudioInfo `json:"audio"`
	Stats StatsInfo `json:"stats"`
}

type VideoInfo struct {
	Codec          string `json:"codec"`
	DefaultWidth   int    `json:"default_width"`
	DefaultHeight  int    `json:"default_height"`
	Framerate      int    `json:"framerate"`
	MaxFramerate   int    `json:"max_framerate"`
	MinBitrate     int    `json:"min_bitrate"`
	DefaultBitrate int    `json:"default_bitrate"`
	MaxBitrate     int    `json:"max_bitrate"`
}

type AudioInfo struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// StatsInfo folds in original_source/webrtc_manager.py's get_stats() and
// browser_pool.py's session stats per SPEC_FULL.md §12: active session
// count and per-session summaries.
type StatsInfo struct {
	ActiveSessions int              `json:"active_sessions"`
	MaxSessions    int              `json:"max_sessions"`
	Sessions       []SessionSummary `json:"sessions"`
}

type SessionSummary struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	IdleSeconds int    `json:"idle_seconds"`
	ActivePeers int    `json:"active_peers"`
	AudioError  string `json:"audio_error,omitempty"`
}

// Server implements the control-plane HTTP surface. It holds no mutable
// state of its own beyond what it needs to build Info responses; all
// session state lives in the Pool.
type Server struct {
	log     zerolog.Logger
	pool    *pool.Pool
	info    Info
	baseURL string // "ws://host:port" or "wss://host:port", used to build websocket_url
}

// Config bundles what the Server needs to answer /api/info and build
// websocket_url values in session-create responses.
type Config struct {
	Pool             *pool.Pool
	VideoCodec       string
	VideoWidth       int
	VideoHeight      int
	Framerate        int
	MaxFramerate     int
	MinBitrate       int
	DefaultBitrate   int
	MaxBitrate       int
	AudioSampleRate  int
	AudioChannels    int
	SignalingBaseURL string // e.g. "wss://example.com"
}

func New(log zerolog.Logger, cfg Config) *Server {
	return &Server{
		log:  log.With().Str("component", "api").Logger(),
		pool: cfg.Pool,
		info: Info{
			Video: VideoInfo{
				Codec:          cfg.VideoCodec,
				DefaultWidth:   cfg.VideoWidth,
				DefaultHeight:  cfg.VideoHeight,
				Framerate:      cfg.Framerate,
				MaxFramerate:   cfg.MaxFramerate,
				MinBitrate:     cfg.MinBitrate,
				DefaultBitrate: cfg.DefaultBitrate,
				MaxBitrate:     cfg.MaxBitrate,
			},
			Audio: AudioInfo{
				SampleRate: cfg.AudioSampleRate,
				Channels:   cfg.AudioChannels,
			},
		},
		baseURL: cfg.SignalingBaseURL,
	}
}

// Routes registers the control-plane surface on r.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/info", s.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/api/session/create", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/api/session/{id}/load", s.handleLoad).Methods(http.MethodPost)
	r.HandleFunc("/api/session/{id}", s.handleClose).Methods(http.MethodDelete)
	r.HandleFunc("/api/sessions", s.handleList).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := s.info
	info.Stats = s.statsSnapshot()
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) statsSnapshot() StatsInfo {
	snaps := s.pool.List()
	out := StatsInfo{
		ActiveSessions: len(snaps),
		MaxSessions:    s.pool.Max(),
		Sessions:       make([]SessionSummary, 0, len(snaps)),
	}
	for _, snap := range snaps {
		summary := SessionSummary{
			ID:          snap.ID,
			State:       string(snap.State),
			Width:       snap.Viewport.Width,
			Height:      snap.Viewport.Height,
			IdleSeconds: int(time.Since(snap.LastActivity).Seconds()),
		}
		if snap.AudioError != nil {
			summary.AudioError = snap.AudioError.Error()
		}
		if sess, ok := s.pool.Get(snap.ID); ok {
			summary.ActivePeers = len(sess.Subscribers())
		}
		out.Sessions = append(out.Sessions, summary)
	}
	return out
}

type createRequest struct {
	SessionID string `json:"session_id"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type createResponse struct {
	Success      bool   `json:"success"`
	SessionID    string `json:"session_id"`
	Viewport     vpJSON `json:"viewport"`
	WebsocketURL string `json:"websocket_url"`
}

type vpJSON struct {
	W int `json:"w"`
	H int `json:"h"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	width, height := req.Width, req.Height
	if width <= 0 {
		width = s.info.Video.DefaultWidth
	}
	if height <= 0 {
		height = s.info.Video.DefaultHeight
	}

	sess, err := s.pool.Create(r.Context(), req.SessionID, width, height)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, createResponse{
		Success:      true,
		SessionID:    sess.ID,
		Viewport:     vpJSON{W: sess.Viewport.Width, H: sess.Viewport.Height},
		WebsocketURL: s.baseURL + "/ws/signaling",
	})
}

type loadRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, ok := s.pool.Get(id)
	if !ok {
		writeErr(w, apperr.Newf(apperr.NotFound, "session %s not found", id))
		return
	}

	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeErr(w, apperr.New(apperr.Invalid, "url is required"))
		return
	}

	url, err := normalizeURL(req.URL)
	if err != nil {
		writeErr(w, err)
		return
	}

	if err := sess.Navigate(url, 30*time.Second); err != nil {
		writeErr(w, apperr.Wrap(apperr.Internal, "navigation failed", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "url": url})
}

// normalizeURL validates the URL scheme is http/https and prepends
// https:// when missing, per spec.md §4.10.
func normalizeURL(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw, nil
	}
	return "", apperr.Newf(apperr.Invalid, "unsupported url scheme: %s", raw)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.pool.Close(id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type listResponse struct {
	Success  bool `json:"success"`
	Sessions struct {
		Active   int      `json:"active"`
		Max      int      `json:"max"`
		Sessions []string `json:"sessions"`
	} `json:"sessions"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	snaps := s.pool.List()
	var resp listResponse
	resp.Success = true
	resp.Sessions.Active = len(snaps)
	resp.Sessions.Max = s.pool.Max()
	resp.Sessions.Sessions = make([]string, 0, len(snaps))
	for _, snap := range snaps {
		resp.Sessions.Sessions = append(resp.Sessions.Sessions, snap.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps an apperr.Error to spec.md §7's {error: kind, message}
// shape and an appropriate HTTP status; anything else is Internal.
func writeErr(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.AtCapacity, apperr.AlreadyExists:
		status = http.StatusInternalServerError
	case apperr.Invalid, apperr.BadRequest:
		status = http.StatusBadRequest
	}
	message := err.Error()
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		message = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": string(kind), "message": message})
}

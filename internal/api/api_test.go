package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabcast/internal/driver"
	"tabcast/internal/pool"
)

func newTestServer(t *testing.T) (*Server, *pool.Pool) {
	t.Helper()
	newDriver := func(ctx context.Context, width, height int) (driver.Driver, error) {
		return driver.NewFake(width, height), nil
	}
	p := pool.New(zerolog.Nop(), 5, time.Minute, time.Minute, newDriver, pool.Options{
		Framerate:      30,
		DefaultQuality: 90,
		DefaultFPS:     30,
		MaxFPS:         60,
	})
	t.Cleanup(p.Shutdown)

	s := New(zerolog.Nop(), Config{
		Pool:             p,
		VideoCodec:       "h264",
		VideoWidth:       720,
		VideoHeight:      1280,
		Framerate:        30,
		MaxFramerate:     60,
		MinBitrate:       500_000,
		DefaultBitrate:   2_000_000,
		MaxBitrate:       5_000_000,
		AudioSampleRate:  48000,
		AudioChannels:    2,
		SignalingBaseURL: "ws://localhost:8443",
	})
	return s, p
}

func newTestRouter(t *testing.T) (*mux.Router, *pool.Pool) {
	s, p := newTestServer(t)
	r := mux.NewRouter()
	s.Routes(r)
	return r, p
}

func TestHealthEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInfoEndpointReportsCapabilities(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var info Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "h264", info.Video.Codec)
	assert.Equal(t, 48000, info.Audio.SampleRate)
}

func TestCreateSessionReturnsWebsocketURL(t *testing.T) {
	r, _ := newTestRouter(t)
	body := strings.NewReader(`{"width": 360, "height": 640}`)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/session/create", body))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp createResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 360, resp.Viewport.W)
	assert.Contains(t, resp.WebsocketURL, "/ws/signaling")
}

func TestLoadUnknownSessionReturnsNotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	body := strings.NewReader(`{"url": "https://example.com"}`)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/session/missing/load", body))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoadNormalizesURLScheme(t *testing.T) {
	r, p := newTestRouter(t)
	_, err := p.Create(context.Background(), "sess-load", 720, 1280)
	require.NoError(t, err)

	body := strings.NewReader(`{"url": "example.com"}`)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/session/sess-load/load", body))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "https://example.com", resp["url"])
}

func TestCloseSessionRemovesItFromList(t *testing.T) {
	r, p := newTestRouter(t)
	_, err := p.Create(context.Background(), "sess-close", 720, 1280)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/session/sess-close", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok := p.Get("sess-close")
	assert.False(t, ok)
}

func TestListSessionsReflectsPoolState(t *testing.T) {
	r, p := newTestRouter(t)
	_, err := p.Create(context.Background(), "sess-list", 720, 1280)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Sessions.Active)
	assert.Contains(t, resp.Sessions.Sessions, "sess-list")
}

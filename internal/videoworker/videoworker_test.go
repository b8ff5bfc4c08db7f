package videoworker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	fail bool
}

func (f *fakeFetcher) Fetch(id, destPath string) error {
	if f.fail {
		return assert.AnError
	}
	return os.WriteFile(destPath, []byte("fake-mp4-bytes"), 0o644)
}

func newTestRouter(t *testing.T, fetcher Fetcher) (*mux.Router, *Worker) {
	t.Helper()
	dir := t.TempDir()
	w := New(zerolog.Nop(), fetcher, Cache{Dir: dir, MaxBytes: 10 << 20, MaxAgeSec: 3600})
	r := mux.NewRouter()
	w.Routes(r)
	return r, w
}

func TestPrepareThenStatusBecomesReady(t *testing.T) {
	r, _ := newTestRouter(t, &fakeFetcher{})

	body := strings.NewReader(`{"id": "abcdefghijk"}`)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/video/prepare", body))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/video/status/abcdefghijk", nil))
		var resp map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		return resp["status"] == string(StatusReady)
	}, time.Second, 5*time.Millisecond)
}

func TestPrepareFailureReportsErrorStatus(t *testing.T) {
	r, _ := newTestRouter(t, &fakeFetcher{fail: true})

	body := strings.NewReader(`{"id": "failfailfail"}`)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/video/prepare", body))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/video/status/failfailfail", nil))
		var resp map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		return resp["status"] == string(StatusError)
	}, time.Second, 5*time.Millisecond)
}

func TestPrepareRejectsBadID(t *testing.T) {
	r, _ := newTestRouter(t, &fakeFetcher{})
	body := strings.NewReader(`{"id": "short"}`)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/video/prepare", body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamUnknownIDReturnsNotFound(t *testing.T) {
	r, _ := newTestRouter(t, &fakeFetcher{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/video/stream/nosuchvid", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvictRemovesOldestFilesOverBudget(t *testing.T) {
	dir := t.TempDir()
	w := New(zerolog.Nop(), &fakeFetcher{}, Cache{Dir: dir, MaxBytes: 10, MaxAgeSec: 0})

	old := filepath.Join(dir, "old.mp4")
	newer := filepath.Join(dir, "new.mp4")
	require.NoError(t, os.WriteFile(old, make([]byte, 8), 0o644))
	require.NoError(t, os.Chtimes(old, time.Now().Add(-time.Hour), time.Now().Add(-time.Hour)))
	require.NoError(t, os.WriteFile(newer, make([]byte, 8), 0o644))

	w.evict()

	_, errOld := os.Stat(old)
	_, errNew := os.Stat(newer)
	assert.Error(t, errOld)
	assert.NoError(t, errNew)
}

func TestListReturnsKnownIDs(t *testing.T) {
	r, _ := newTestRouter(t, &fakeFetcher{})
	body := strings.NewReader(`{"id": "listedlisted"}`)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/video/prepare", body))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/video/list", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["videos"], "listedlisted")
}

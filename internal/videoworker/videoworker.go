// Package videoworker implements the detached video-by-id worker's HTTP
// surface (spec.md §6, SPEC_FULL.md §12): given an opaque id, resolve,
// fetch, and cache a progressive-mp4 suitable for constrained clients.
// The core treats the real fetch/transcode pipeline as a black box; this
// package supplies the route table, the three-state status machine
// (downloading|ready|error), and a bounded on-disk cache with size/age
// eviction, against a pluggable Fetcher a production deployment would
// wire to a real downloader/transcoder.
package videoworker

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Status is one of the three states a prepare job passes through.
type Status string

const (
	StatusDownloading Status = "downloading"
	StatusReady       Status = "ready"
	StatusError       Status = "error"
)

// Fetcher resolves an opaque video id to a local progressive-mp4 file.
// Production wiring supplies a real downloader/transcoder; tests supply
// a fake that writes a small file immediately.
type Fetcher interface {
	Fetch(id string, destPath string) error
}

type job struct {
	ID        string
	Status    Status
	Path      string
	Error     string
	CreatedAt time.Time
}

// Cache bounds the on-disk video-cache directory by total size and max
// age, evicting the oldest files first once either cap is exceeded.
type Cache struct {
	Dir         string
	MaxBytes    int64
	MaxAgeSec   int
}

// Worker serves /api/video/{prepare,status,stream,info,list} against an
// in-memory job registry and a Cache-bounded on-disk directory.
type Worker struct {
	log     zerolog.Logger
	fetcher Fetcher
	cache   Cache

	mu   sync.Mutex
	jobs map[string]*job
}

func New(log zerolog.Logger, fetcher Fetcher, cache Cache) *Worker {
	return &Worker{
		log:     log.With().Str("component", "videoworker").Logger(),
		fetcher: fetcher,
		cache:   cache,
		jobs:    make(map[string]*job),
	}
}

// Routes registers the video-worker HTTP surface on r.
func (w *Worker) Routes(r *mux.Router) {
	r.HandleFunc("/api/video/prepare", w.handlePrepare).Methods(http.MethodPost)
	r.HandleFunc("/api/video/status/{id}", w.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/video/stream/{id}", w.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/api/video/info/{id}", w.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/api/video/list", w.handleList).Methods(http.MethodGet)
}

type prepareRequest struct {
	ID string `json:"id"`
}

// handlePrepare accepts a job and immediately marks it downloading; a
// background goroutine invokes the pluggable Fetcher and transitions the
// job to ready or error once it returns.
func (w *Worker) handlePrepare(rw http.ResponseWriter, r *http.Request) {
	var req prepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.ID) != 11 {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Invalid", "message": "id must be an 11-character opaque identifier"})
		return
	}

	w.mu.Lock()
	existing, ok := w.jobs[req.ID]
	if ok {
		resp := jobResponse(existing)
		w.mu.Unlock()
		writeJSON(rw, http.StatusOK, resp)
		return
	}
	j := &job{ID: req.ID, Status: StatusDownloading, CreatedAt: time.Now()}
	w.jobs[req.ID] = j
	w.mu.Unlock()

	go w.run(j)

	writeJSON(rw, http.StatusOK, jobResponse(j))
}

func (w *Worker) run(j *job) {
	if err := os.MkdirAll(w.cache.Dir, 0o755); err != nil {
		w.fail(j, err)
		return
	}
	dest := filepath.Join(w.cache.Dir, j.ID+".mp4")
	if err := w.fetcher.Fetch(j.ID, dest); err != nil {
		w.fail(j, err)
		return
	}

	w.mu.Lock()
	j.Status = StatusReady
	j.Path = dest
	w.mu.Unlock()

	w.evict()
}

func (w *Worker) fail(j *job, err error) {
	w.mu.Lock()
	j.Status = StatusError
	j.Error = err.Error()
	w.mu.Unlock()
	w.log.Warn().Err(err).Str("video_id", j.ID).Msg("video prepare failed")
}

// evict enforces the cache's size and age caps, removing the oldest
// files first once either is exceeded.
func (w *Worker) evict() {
	entries, err := os.ReadDir(w.cache.Dir)
	if err != nil {
		return
	}

	type fileInfo struct {
		path    string
		size    int64
		modTime time.Time
	}
	var files []fileInfo
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		p := filepath.Join(w.cache.Dir, e.Name())
		files = append(files, fileInfo{path: p, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
	}

	maxAge := time.Duration(w.cache.MaxAgeSec) * time.Second
	now := time.Now()
	var kept []fileInfo
	for _, f := range files {
		if w.cache.MaxAgeSec > 0 && now.Sub(f.modTime) > maxAge {
			os.Remove(f.path)
			total -= f.size
			continue
		}
		kept = append(kept, f)
	}

	if w.cache.MaxBytes <= 0 || total <= w.cache.MaxBytes {
		return
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].modTime.Before(kept[j].modTime) })
	for _, f := range kept {
		if total <= w.cache.MaxBytes {
			break
		}
		os.Remove(f.path)
		total -= f.size
	}
}

func (w *Worker) handleStatus(rw http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	w.mu.Lock()
	j, ok := w.jobs[id]
	w.mu.Unlock()
	if !ok {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "NotFound", "message": "unknown video id"})
		return
	}
	writeJSON(rw, http.StatusOK, jobResponse(j))
}

func (w *Worker) handleStream(rw http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	w.mu.Lock()
	j, ok := w.jobs[id]
	w.mu.Unlock()
	if !ok || j.Status != StatusReady {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "NotFound", "message": "video not ready"})
		return
	}
	http.ServeFile(rw, r, j.Path)
}

func (w *Worker) handleInfo(rw http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	w.mu.Lock()
	j, ok := w.jobs[id]
	w.mu.Unlock()
	if !ok {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "NotFound", "message": "unknown video id"})
		return
	}
	var size int64
	if j.Path != "" {
		if fi, err := os.Stat(j.Path); err == nil {
			size = fi.Size()
		}
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"id":     j.ID,
		"status": j.Status,
		"bytes":  size,
	})
}

func (w *Worker) handleList(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	ids := make([]string, 0, len(w.jobs))
	for id := range w.jobs {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	sort.Strings(ids)
	writeJSON(rw, http.StatusOK, map[string]any{"videos": ids})
}

func jobResponse(j *job) map[string]any {
	resp := map[string]any{"id": j.ID, "status": j.Status}
	if j.Error != "" {
		resp["error"] = j.Error
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

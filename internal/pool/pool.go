// Package pool implements the Session Pool (C5): creates, looks up, and
// reaps Sessions, enforcing max-concurrent and idle timeout. Grounded on
// original_source/webrtc_renderer/browser_pool.py's stale-session reaper,
// which gathers candidate ids while holding its lock and then closes each
// one after releasing it, so a pool-wide lock is never held across an
// individual session's teardown.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tabcast/internal/apperr"
	"tabcast/internal/audio"
	"tabcast/internal/driver"
	"tabcast/internal/frame"
	"tabcast/internal/session"
	"tabcast/internal/types"
)

// DriverFactory launches a new browser tab for a session. Production
// wiring supplies *driver.Manager.NewDriver; tests supply a fake.
type DriverFactory func(ctx context.Context, width, height int) (driver.Driver, error)

// Pool is the process's only piece of shared mutable index state. It is
// guarded by a short-critical-section mutex that is never held across a
// driver RPC or a peer/session close.
type Pool struct {
	log zerolog.Logger

	maxSessions int
	idleTimeout time.Duration

	newDriver DriverFactory

	framerate   int
	audioParams audio.Params
	captureCmd  string
	bandwidth   frame.BandwidthReporter

	adjustmentCadence time.Duration
	defaultQuality    int
	defaultFPS        int
	maxFPS            int

	mu       sync.Mutex
	sessions map[string]*session.Session

	stop chan struct{}
	wg   sync.WaitGroup
}

// Options carries the per-session media defaults the pool hands to every
// Session it creates.
type Options struct {
	Framerate         int
	AudioParams       audio.Params
	CaptureCmd        string
	BandwidthReporter frame.BandwidthReporter

	AdjustmentCadence time.Duration
	DefaultQuality    int
	DefaultFPS        int
	MaxFPS            int
}

// New builds a Pool and starts its periodic reaper goroutine
// (cleanupInterval cadence).
func New(log zerolog.Logger, maxSessions int, idleTimeout, cleanupInterval time.Duration, newDriver DriverFactory, opts Options) *Pool {
	p := &Pool{
		log:         log.With().Str("component", "pool").Logger(),
		maxSessions: maxSessions,
		idleTimeout: idleTimeout,
		newDriver:   newDriver,
		framerate:   opts.Framerate,
		audioParams: opts.AudioParams,
		captureCmd:  opts.CaptureCmd,
		bandwidth:   opts.BandwidthReporter,

		adjustmentCadence: opts.AdjustmentCadence,
		defaultQuality:    opts.DefaultQuality,
		defaultFPS:        opts.DefaultFPS,
		maxFPS:            opts.MaxFPS,

		sessions: make(map[string]*session.Session),
		stop:        make(chan struct{}),
	}
	p.wg.Add(1)
	go p.reapLoop(cleanupInterval)
	return p
}

// Create launches a new Session, assigning it an id if none is given.
func (p *Pool) Create(ctx context.Context, id string, width, height int) (*session.Session, error) {
	if id == "" {
		id = uuid.New().String()
	}

	p.mu.Lock()
	if _, exists := p.sessions[id]; exists {
		p.mu.Unlock()
		return nil, apperr.Newf(apperr.AlreadyExists, "session %s already exists", id)
	}
	if len(p.sessions) >= p.maxSessions {
		p.mu.Unlock()
		return nil, apperr.New(apperr.AtCapacity, "max sessions reached")
	}
	p.mu.Unlock()

	d, err := p.newDriver(ctx, width, height)
	if err != nil {
		return nil, err
	}

	sess := session.New(session.Config{
		ID:                id,
		Viewport:          types.Viewport{Width: width, Height: height},
		Driver:            d,
		Log:               p.log,
		Framerate:         p.framerate,
		AudioParams:       p.audioParams,
		CaptureCmd:        p.captureCmd,
		BandwidthReporter: p.bandwidth,
		AdjustmentCadence: p.adjustmentCadence,
		DefaultQuality:    p.defaultQuality,
		DefaultFPS:        p.defaultFPS,
		MaxFPS:            p.maxFPS,
	})
	sess.OnFatal = func(sessionID string) {
		p.log.Warn().Str("session_id", sessionID).Msg("session reported fatal driver error, closing")
		p.Close(sessionID)
	}

	p.mu.Lock()
	// Re-check both existence and capacity: other Create calls could have
	// raced between our first check and the driver launch above.
	if _, exists := p.sessions[id]; exists {
		p.mu.Unlock()
		sess.Close()
		return nil, apperr.Newf(apperr.AlreadyExists, "session %s already exists", id)
	}
	if len(p.sessions) >= p.maxSessions {
		p.mu.Unlock()
		sess.Close()
		return nil, apperr.New(apperr.AtCapacity, "max sessions reached")
	}
	p.sessions[id] = sess
	p.mu.Unlock()

	return sess, nil
}

// Get looks up a live session by id.
func (p *Pool) Get(id string) (*session.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	return s, ok
}

// Close removes and closes a session. Idempotent: closing twice returns
// NotFound the second time.
func (p *Pool) Close(id string) error {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	p.mu.Unlock()

	if !ok {
		return apperr.Newf(apperr.NotFound, "session %s not found", id)
	}

	s.Close()
	return nil
}

// Snapshot is a point-in-time view of one session for listing.
type Snapshot struct {
	ID           string
	Viewport     types.Viewport
	State        session.State
	LastActivity time.Time
	AudioError   error
}

func (p *Pool) List() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Snapshot, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, Snapshot{
			ID:           s.ID,
			Viewport:     s.Viewport,
			State:        s.State(),
			LastActivity: s.LastActivity(),
			AudioError:   s.AudioError(),
		})
	}
	return out
}

func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Pool) Max() int { return p.maxSessions }

// reapLoop scans for idle sessions at cleanupInterval cadence. It gathers
// candidate ids under the lock, then closes each one after releasing it.
func (p *Pool) reapLoop(interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	p.mu.Lock()
	var stale []string
	for id, s := range p.sessions {
		if s.IdleFor() > p.idleTimeout {
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()

	for _, id := range stale {
		p.log.Info().Str("session_id", id).Msg("reaping idle session")
		p.Close(id)
	}
}

// Shutdown stops the reaper and closes every live session.
func (p *Pool) Shutdown() {
	close(p.stop)
	p.wg.Wait()

	p.mu.Lock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Close(id)
	}
}

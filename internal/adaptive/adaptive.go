// Package adaptive implements the Adaptive Controller (C8): a per-peer
// sliding bandwidth window feeding a fixed threshold table that decides
// quality/FPS. No teacher or pack file implements
// per-peer bandwidth windowing directly; this is a new implementation in
// the surrounding idiom (a small mutex-guarded struct holding a bounded
// slice) built strictly to the system's quantified threshold rule, since that
// rule is precise enough that importing pion/interceptor's REMB/GCC
// estimator would replace a specified, testable algorithm with an opaque
// one (see SPEC_FULL.md §11).
package adaptive

import (
	"sync"
	"time"
)

const windowSize = 30

type sample struct {
	t     time.Time
	bytes int
}

// QualitySink receives quality/fps updates so the Frame Source can apply
// them to its per-peer encode step.
type QualitySink interface {
	SetQuality(peerID string, quality int)
	SetFPS(peerID string, fps int)
}

type peerState struct {
	window      []sample
	quality     int
	fps         int
	adaptive    bool
	lastAdjust  time.Time
}

// Controller tracks bandwidth windows and quality/fps state for every
// subscribed peer.
type Controller struct {
	mu    sync.Mutex
	peers map[string]*peerState

	cadence       time.Duration
	defaultQuality int
	defaultFPS     int
	maxFPS         int

	sink QualitySink
}

func New(cadence time.Duration, defaultQuality, defaultFPS, maxFPS int, sink QualitySink) *Controller {
	return &Controller{
		peers:          make(map[string]*peerState),
		cadence:        cadence,
		defaultQuality: defaultQuality,
		defaultFPS:     defaultFPS,
		maxFPS:         maxFPS,
		sink:           sink,
	}
}

// AddPeer registers a new peer in adaptive mode with default quality/fps.
func (c *Controller) AddPeer(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[peerID] = &peerState{
		quality:  c.defaultQuality,
		fps:      c.defaultFPS,
		adaptive: true,
	}
}

func (c *Controller) RemovePeer(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, peerID)
}

// ReportBytes records one transmitted-frame size sample (wired as
// frame.BandwidthReporter).
func (c *Controller) ReportBytes(peerID string, n int, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[peerID]
	if !ok {
		return
	}
	p.window = append(p.window, sample{t: at, bytes: n})
	if len(p.window) > windowSize {
		p.window = p.window[len(p.window)-windowSize:]
	}
}

// BandwidthMbps computes 8*Σbytes/Δt over the peer's window, clamped to
// [0.5, 50]. It returns 0 for an unknown peer or when the window holds
// fewer than two samples or spans no time.
func (c *Controller) BandwidthMbps(peerID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bandwidthLocked(peerID)
}

func (c *Controller) bandwidthLocked(peerID string) float64 {
	p, ok := c.peers[peerID]
	if !ok || len(p.window) < 2 {
		return 0
	}
	first := p.window[0]
	last := p.window[len(p.window)-1]
	dt := last.t.Sub(first.t).Seconds()
	if dt <= 0 {
		return 0
	}
	var total int
	for _, s := range p.window {
		total += s.bytes
	}
	mbps := 8 * float64(total) / dt / 1_000_000
	if mbps < 0.5 {
		mbps = 0.5
	}
	if mbps > 50 {
		mbps = 50
	}
	return mbps
}

// thresholds implements the quality/fps threshold table, scaled to the configured
// fps cap.
func (c *Controller) thresholds(mbps float64) (quality, fps int) {
	switch {
	case mbps > 5.0:
		return 90, c.maxFPS / 2
	case mbps > 2.0:
		return 75, c.maxFPS / 2
	default:
		return 50, c.maxFPS / 3
	}
}

// Tick runs one adjustment cycle for every peer still in adaptive mode
// at a fixed adjustment cadence. Manual overrides
// (SetManual) are left untouched.
func (c *Controller) Tick() {
	c.mu.Lock()
	updates := make(map[string][2]int)
	for id, p := range c.peers {
		if !p.adaptive {
			continue
		}
		mbps := c.bandwidthLocked(id)
		q, f := c.thresholds(mbps)
		p.quality = q
		p.fps = f
		p.lastAdjust = time.Now()
		updates[id] = [2]int{q, f}
	}
	c.mu.Unlock()

	if c.sink == nil {
		return
	}
	for id, qf := range updates {
		c.sink.SetQuality(id, qf[0])
		c.sink.SetFPS(id, qf[1])
	}
}

// SetManual disables adaptive mode for peerID and applies an explicit
// quality/fps until adaptive mode is re-enabled (manual
// quality:set or fps:set messages disable adaptive mode").
func (c *Controller) SetManual(peerID string, quality, fps *int) {
	c.mu.Lock()
	p, ok := c.peers[peerID]
	if !ok {
		c.mu.Unlock()
		return
	}
	p.adaptive = false
	if quality != nil {
		p.quality = *quality
	}
	if fps != nil {
		p.fps = *fps
	}
	q, f := p.quality, p.fps
	c.mu.Unlock()

	if c.sink != nil {
		c.sink.SetQuality(peerID, q)
		c.sink.SetFPS(peerID, f)
	}
}

// EnableAdaptive re-enables adaptive mode for a peer.
func (c *Controller) EnableAdaptive(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[peerID]; ok {
		p.adaptive = true
	}
}

// DefaultQuality returns the quality newly subscribed peers start at,
// before their first adjustment tick.
func (c *Controller) DefaultQuality() int {
	return c.defaultQuality
}

func (c *Controller) Snapshot(peerID string) (quality, fps int, adaptiveMode bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, exists := c.peers[peerID]
	if !exists {
		return 0, 0, false, false
	}
	return p.quality, p.fps, p.adaptive, true
}

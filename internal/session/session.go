// Package session implements the Session (C4): one browser driver, one
// frame source, one audio source, and metadata, all mutated only through
// a single-writer command queue. Modeled as one goroutine draining a
// channel-backed mailbox, in the spirit of owning a single connection per
// session with channels rather than a mutex-guarded "current command"
// slot.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tabcast/internal/adaptive"
	"tabcast/internal/apperr"
	"tabcast/internal/audio"
	"tabcast/internal/driver"
	"tabcast/internal/frame"
	"tabcast/internal/types"
)

// State is one of the four lifecycle states a Session passes through.
type State string

const (
	StateCreating State = "creating"
	StateReady    State = "ready"
	StateClosing  State = "closing"
	StateClosed   State = "closed"
)

// ShutdownBudget bounds how long Close waits for an in-flight driver RPC
// to acknowledge before forcing teardown.
const ShutdownBudget = 2 * time.Second

type command struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Session owns one Driver, one Frame Source, and one Audio Source, and
// exposes the browser-control operations through its command queue. It
// does not hold a reference to any Peer Transport; subscribers are
// tracked as opaque ids (weak references) that the owner looks up
// through the Session Pool / Peer Registry when it needs to reach one.
type Session struct {
	ID       string
	Viewport types.Viewport

	log zerolog.Logger

	mu           sync.RWMutex
	state        State
	lastActivity time.Time
	subscribers  map[string]struct{}

	driver driver.Driver
	Frames   *frame.Source
	Audio    *audio.Source
	Adaptive *adaptive.Controller

	cmds         chan command
	workerWg     sync.WaitGroup
	closeOnce    sync.Once
	adaptiveStop chan struct{}

	// OnFatal is invoked (at most once) when the driver becomes
	// unrecoverable; the Session Pool uses it to initiate close.
	OnFatal func(id string)

	driverErrCount int
}

// Config bundles everything New needs to stand up a Session's Frame
// Source and Audio Source alongside its Driver.
type Config struct {
	ID       string
	Viewport types.Viewport
	Driver   driver.Driver
	Log      zerolog.Logger

	Framerate   int
	AudioParams audio.Params
	CaptureCmd  string

	BandwidthReporter frame.BandwidthReporter

	// Adaptive Controller parameters (C8). AdjustmentCadence<=0 selects
	// the default 5s tick cadence.
	AdjustmentCadence time.Duration
	DefaultQuality    int
	DefaultFPS        int
	MaxFPS            int
}

// New creates a Session in state `creating`, launches its command-queue
// worker and its Frame/Audio sources, and transitions to `ready` once
// everything is attached. If the audio encoder cannot be built, the
// Session still runs with Audio left nil; audio is best-effort relative
// to the video/control path.
func New(cfg Config) *Session {
	s := &Session{
		ID:           cfg.ID,
		Viewport:     cfg.Viewport,
		log:          cfg.Log.With().Str("component", "session").Str("session_id", cfg.ID).Logger(),
		state:        StateCreating,
		lastActivity: time.Now(),
		subscribers:  make(map[string]struct{}),
		driver:       cfg.Driver,
		cmds:         make(chan command, 32),
	}
	s.workerWg.Add(1)
	go s.worker()

	fps := cfg.Framerate
	if fps <= 0 {
		fps = 30
	}

	defaultQuality, defaultFPS, maxFPS := cfg.DefaultQuality, cfg.DefaultFPS, cfg.MaxFPS
	if defaultQuality <= 0 {
		defaultQuality = 90
	}
	if defaultFPS <= 0 {
		defaultFPS = fps
	}
	if maxFPS <= 0 {
		maxFPS = fps
	}
	cadence := cfg.AdjustmentCadence
	if cadence <= 0 {
		cadence = 5 * time.Second
	}

	// Frame Source and Adaptive Controller are mutually referential (the
	// Frame Source reports transmitted bytes to the controller; the
	// controller pushes quality/fps decisions back to the Frame Source),
	// so the Frame Source is built first with a reporter that fans out to
	// both the controller (once it exists) and any external reporter.
	fanout := &bandwidthFanout{external: cfg.BandwidthReporter}
	s.Frames = frame.New(s.log, s, fps, fanout)
	s.Frames.Start(context.Background())

	s.Adaptive = adaptive.New(cadence, defaultQuality, defaultFPS, maxFPS, s.Frames)
	fanout.controller = s.Adaptive
	s.adaptiveStop = make(chan struct{})
	go s.adaptiveLoop(cadence)

	if a, err := audio.New(s.log, cfg.AudioParams, cfg.CaptureCmd); err != nil {
		s.log.Warn().Err(err).Msg("audio source unavailable, running video-only")
	} else {
		s.Audio = a
		s.Audio.Start(context.Background())
	}

	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()
	return s
}

// worker is the single writer: it executes commands strictly in the
// order received, which is what makes driver/subscriber/activity
// mutation race-free without coarse locking.
func (s *Session) worker() {
	defer s.workerWg.Done()
	for cmd := range s.cmds {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := cmd.fn(ctx)
		cancel()
		if err != nil && apperr.KindOf(err) == apperr.DriverDisconnected {
			s.noteDriverError()
		}
		cmd.done <- err
		close(cmd.done)
	}
}

// enqueue submits fn to run on the single worker and blocks for its
// result, or returns early if the Session is already closing/closed.
func (s *Session) enqueue(fn func(ctx context.Context) error) error {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	if state == StateClosing || state == StateClosed {
		return apperr.New(apperr.NotFound, "session is closing")
	}

	done := make(chan error, 1)
	s.cmds <- command{fn: fn, done: done}
	s.touch()
	return <-done
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) noteDriverError() {
	s.mu.Lock()
	s.driverErrCount++
	count := s.driverErrCount
	s.mu.Unlock()

	// Repeated driver errors mean the underlying tab is gone; report it
	// once and let the pool tear the session down.
	if count == 3 {
		s.log.Warn().Int("count", count).Msg("repeated driver errors, marking fatal")
		if s.OnFatal != nil {
			s.OnFatal(s.ID)
		}
	}
}

// Navigate delegates to the driver. A navigation deadline elapsing is
// converted to plain success by the driver layer itself, since the page
// may still be usable; no partial marker is returned.
func (s *Session) Navigate(url string, deadline time.Duration) error {
	return s.enqueue(func(ctx context.Context) error {
		return s.driver.Navigate(ctx, url, deadline)
	})
}

func (s *Session) Click(x, y int) error {
	return s.enqueue(func(ctx context.Context) error {
		return s.driver.Click(ctx, x, y)
	})
}

func (s *Session) Scroll(dx, dy int) error {
	return s.enqueue(func(ctx context.Context) error {
		return s.driver.Scroll(ctx, dx, dy)
	})
}

func (s *Session) TypeText(text string) error {
	return s.enqueue(func(ctx context.Context) error {
		return s.driver.TypeText(ctx, text)
	})
}

func (s *Session) PressKey(name string) error {
	return s.enqueue(func(ctx context.Context) error {
		return s.driver.PressKey(ctx, name)
	})
}

func (s *Session) Resize(w, h int) error {
	err := s.enqueue(func(ctx context.Context) error {
		return s.driver.Resize(ctx, w, h)
	})
	if err == nil {
		s.mu.Lock()
		s.Viewport = types.Viewport{Width: w, Height: h}
		s.mu.Unlock()
	}
	return err
}

// CaptureFrame is called by the Frame Source's own paced loop, not
// through the generic command queue, since it runs on its own
// deadline-paced schedule rather than in response to a caller command.
// Captures are therefore not ordered with respect to queued commands;
// they are serialized only among themselves, because the Frame Source
// is the only caller that issues capture_frame and never does so
// concurrently with itself.
func (s *Session) CaptureFrame(ctx context.Context) ([]byte, error) {
	return s.driver.CaptureFrame(ctx)
}

// Subscribe attaches a peer id (plus its frame sink/quality and audio
// sink) to both sources so it starts receiving media. The Session never
// holds anything but the id once Unsubscribe is called.
func (s *Session) Subscribe(peerID string, quality int, frameSink frame.Sink, audioSink audio.Sink) {
	s.mu.Lock()
	s.subscribers[peerID] = struct{}{}
	s.mu.Unlock()
	s.Frames.Subscribe(peerID, quality, frameSink)
	if s.Audio != nil && audioSink != nil {
		s.Audio.Subscribe(peerID, audioSink)
	}
	s.Adaptive.AddPeer(peerID)
}

func (s *Session) Unsubscribe(peerID string) {
	s.mu.Lock()
	delete(s.subscribers, peerID)
	s.mu.Unlock()
	s.Frames.Unsubscribe(peerID)
	if s.Audio != nil {
		s.Audio.Unsubscribe(peerID)
	}
	s.Adaptive.RemovePeer(peerID)
}

// adaptiveLoop runs the Adaptive Controller's fixed-cadence adjustment
// tick until the session closes.
func (s *Session) adaptiveLoop(cadence time.Duration) {
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()
	for {
		select {
		case <-s.adaptiveStop:
			return
		case <-ticker.C:
			s.Adaptive.Tick()
		}
	}
}

// AudioError reports the Audio Source's most recent capture failure, or
// nil if no capture failure has been observed or audio was never
// attached (video-only session).
func (s *Session) AudioError() error {
	if s.Audio == nil {
		return nil
	}
	return s.Audio.Err()
}

func (s *Session) Subscribers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subscribers))
	for id := range s.subscribers {
		out = append(out, id)
	}
	return out
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *Session) IdleFor() time.Duration {
	return time.Since(s.LastActivity())
}

// Close transitions ready→closing→closed. It sets `closing` first so
// that peers observing the Session through the pool detach on their next
// touch, breaking the Session/Peer shutdown cycle, rather than the
// Session calling back into its peers.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		s.mu.Unlock()

		s.Frames.Stop()
		if s.Audio != nil {
			s.Audio.Stop()
		}
		close(s.adaptiveStop)

		close(s.cmds)

		done := make(chan struct{})
		go func() {
			s.workerWg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(ShutdownBudget):
			s.log.Warn().Msg("driver teardown exceeded shutdown budget, forcing")
		}

		if err := s.driver.Close(); err != nil {
			s.log.Warn().Err(err).Msg("driver close error")
		}

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.log.Info().Msg("session closed")
	})
}

func (s *Session) String() string {
	return fmt.Sprintf("session(%s)", s.ID)
}

// bandwidthFanout reports each transmitted frame's size to the session's
// own Adaptive Controller and, if configured, to one external reporter
// (e.g. metrics/observability), letting both depend on frame.Source
// without the Source needing to know about either.
type bandwidthFanout struct {
	controller *adaptive.Controller
	external   frame.BandwidthReporter
}

func (f *bandwidthFanout) ReportBytes(peerID string, n int, at time.Time) {
	if f.controller != nil {
		f.controller.ReportBytes(peerID, n, at)
	}
	if f.external != nil {
		f.external.ReportBytes(peerID, n, at)
	}
}

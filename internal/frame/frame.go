// Package frame implements the Frame Source (C2): a paced producer of
// encoded still frames for one Session, with catch-up/skip under
// overload. Grounded on the ticker-paced loop of the teacher's capture
// pipeline for the deadline-paced structure and on
// original_source/webrtc_renderer/video_track.py for the exact
// skip-ahead algorithm (reuse the last captured frame once more than one
// frame interval behind).
package frame

import (
	"bytes"
	"context"
	"image/jpeg"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Capturer is the subset of the Session the Frame Source depends on.
type Capturer interface {
	CaptureFrame(ctx context.Context) ([]byte, error)
}

// Sink receives pushed frames for one subscribed peer.
type Sink interface {
	PushFrame(data []byte, ordinal uint64, dur time.Duration)
}

// BandwidthReporter receives the transmitted size of each frame so the
// Adaptive Controller (C8) can fold it into its bandwidth estimate.
type BandwidthReporter interface {
	ReportBytes(peerID string, n int, at time.Time)
}

type subscriber struct {
	sink    Sink
	quality int
	fps     int
}

// Source runs the paced capture/encode/emit loop for one Session.
type Source struct {
	log      zerolog.Logger
	capturer Capturer
	fps      int
	bw       BandwidthReporter

	mu          sync.Mutex
	subscribers map[string]*subscriber

	ordinal uint64
	lastJPEG []byte

	framesSkipped int

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Frame Source targeting fps frames per second. Call Start
// to begin the paced loop.
func New(log zerolog.Logger, capturer Capturer, fps int, bw BandwidthReporter) *Source {
	return &Source{
		log:         log.With().Str("component", "frame_source").Logger(),
		capturer:    capturer,
		fps:         fps,
		bw:          bw,
		subscribers: make(map[string]*subscriber),
		stop:        make(chan struct{}),
	}
}

// Subscribe attaches a peer sink at the given JPEG quality (1-100). The
// peer starts unthrottled (every tick at the source rate) until SetFPS
// gives it a lower target.
func (s *Source) Subscribe(peerID string, quality int, sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[peerID] = &subscriber{sink: sink, quality: quality}
}

// SetQuality updates a subscribed peer's target quality (used by the
// Adaptive Controller).
func (s *Source) SetQuality(peerID string, quality int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subscribers[peerID]; ok {
		sub.quality = quality
	}
}

// SetFPS updates a subscribed peer's target FPS (used by the Adaptive
// Controller). A peer's delivered rate is throttled to approximately
// this value by skipping ticks on a fixed schedule relative to the
// source's own FPS; the source capture rate itself is unchanged.
func (s *Source) SetFPS(peerID string, fps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subscribers[peerID]; ok {
		sub.fps = fps
	}
}

func (s *Source) Unsubscribe(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, peerID)
}

// Start begins the deadline-paced capture loop in a new goroutine.
func (s *Source) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop ends the loop and waits for it to exit.
func (s *Source) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Source) run(ctx context.Context) {
	defer s.wg.Done()

	interval := time.Second / time.Duration(s.fps)
	deadline := time.Now().Add(interval)

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		now := time.Now()
		sleep := time.Until(deadline)
		if sleep > 0 {
			select {
			case <-time.After(sleep):
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
			now = time.Now()
		}

		// Skip-ahead: if we've fallen behind by more than one frame
		// interval and a previous frame exists, reuse it instead of
		// capturing a stale one.
		if now.After(deadline.Add(interval)) && s.haveLastFrame() {
			s.mu.Lock()
			s.framesSkipped++
			skipped := s.framesSkipped
			s.mu.Unlock()
			if skipped%50 == 0 {
				s.log.Warn().Int("skipped", skipped).Msg("frame source behind schedule, reusing last frame")
			}
			s.emit(s.lastJPEGSnapshot(), interval)
			deadline = now.Add(interval)
			continue
		}

		deadline = now.Add(interval)

		frameCtx, cancel := context.WithTimeout(ctx, interval*3)
		jpegBytes, err := s.capturer.CaptureFrame(frameCtx)
		cancel()
		if err != nil {
			// A media-capture failure is recovered locally; reuse the
			// last good frame if we have one, else skip this tick entirely.
			if s.haveLastFrame() {
				s.emit(s.lastJPEGSnapshot(), interval)
			}
			continue
		}

		s.mu.Lock()
		s.lastJPEG = jpegBytes
		s.mu.Unlock()

		s.emit(jpegBytes, interval)
	}
}

func (s *Source) haveLastFrame() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastJPEG != nil
}

func (s *Source) lastJPEGSnapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastJPEG
}

// emit re-encodes the source JPEG once per distinct subscriber quality
// value and pushes to every subscribed peer with a strictly increasing
// presentation ordinal.
func (s *Source) emit(src []byte, dur time.Duration) {
	s.mu.Lock()
	s.ordinal++
	ordinal := s.ordinal
	subs := make(map[string]*subscriber, len(s.subscribers))
	for id, sub := range s.subscribers {
		subs[id] = sub
	}
	s.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	cache := make(map[int][]byte)
	now := time.Now()
	for peerID, sub := range subs {
		if sub.fps > 0 && sub.fps < s.fps {
			ratio := uint64((s.fps + sub.fps - 1) / sub.fps) // ceil
			if ratio > 1 && ordinal%ratio != 0 {
				continue
			}
		}
		payload, ok := cache[sub.quality]
		if !ok {
			var err error
			payload, err = reencode(src, sub.quality)
			if err != nil {
				payload = src
			}
			cache[sub.quality] = payload
		}
		sub.sink.PushFrame(payload, ordinal, dur)
		if s.bw != nil {
			s.bw.ReportBytes(peerID, len(payload), now)
		}
	}
}

// reencode decodes the source JPEG and re-encodes it at the requested
// quality. If quality is within a few points of the capture quality (85),
// the source bytes are returned unchanged to avoid a pointless
// decode/encode round trip.
func reencode(src []byte, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = 85
	}
	if quality >= 83 && quality <= 87 {
		return src, nil
	}

	img, err := jpeg.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

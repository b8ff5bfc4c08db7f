// Package audio implements the Audio Source (C3): an external capture
// process reading system-audio PCM, chunked into fixed 20ms frames and
// Opus-encoded for the audio track. The 20ms ticker-drained ring buffer
// follows internal/frame.Source's paced-loop shape; capture itself is a
// subprocess spawned via os/exec reading raw PCM from its stdout, since
// the headless browser host's audio device is reached through an
// external capture command (e.g. parec) rather than an in-process
// protocol client (see SPEC_FULL.md §11).
package audio

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/rs/zerolog"

	"tabcast/internal/apperr"
)

// Params describes the PCM sample rate and channel count a Source
// expects from its capture process and feeds to its Opus encoder.
type Params struct {
	SampleRate int
	Channels   int
}

func (p Params) samplesPerFrame() int {
	return p.SampleRate * 20 / 1000
}

// Frame is one 20ms chunk of audio, PCM plus its Opus encoding.
type Frame struct {
	PCM  []int16
	Opus []byte
}

// Sink receives pushed audio frames for one subscribed peer, mirroring
// frame.Sink's shape so a Session can fan out both from the same
// per-subscriber model.
type Sink interface {
	PushAudio(opusData []byte, dur time.Duration)
}

// Source captures PCM from an external process and emits 20ms Opus
// frames. On capture-process death it substitutes silence indefinitely
// rather than letting the media pipeline block.
type Source struct {
	log     zerolog.Logger
	params  Params
	command string

	encoder *opus.Encoder

	mu          sync.Mutex
	ring        []int16
	ringCap     int
	lastErrLog  time.Time
	lastErr     *apperr.Error

	cmd    *exec.Cmd
	cancel context.CancelFunc

	subscribers map[string]Sink
	ts          uint64
}

// New builds an Audio Source. command is a shell command line producing
// raw interleaved signed-16-bit little-endian PCM on stdout at params'
// rate/channels (e.g. "parec --format=s16le --rate=48000 --channels=2
// --raw").
func New(log zerolog.Logger, params Params, command string) (*Source, error) {
	enc, err := opus.NewEncoder(params.SampleRate, params.Channels, opus.AppAudio)
	if err != nil {
		return nil, err
	}
	return &Source{
		log:         log.With().Str("component", "audio_source").Logger(),
		params:      params,
		command:     command,
		encoder:     enc,
		ringCap:     params.samplesPerFrame() * params.Channels * 64, // ~1.3s buffered
		subscribers: make(map[string]Sink),
	}, nil
}

// Subscribe attaches a peer sink that receives every 20ms Opus frame.
func (s *Source) Subscribe(peerID string, sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[peerID] = sink
}

func (s *Source) Unsubscribe(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, peerID)
}

// Start launches the capture process and begins filling the ring buffer,
// plus the 20ms emission loop that fans frames out to subscribers.
// It runs until ctx is canceled or Stop is called.
func (s *Source) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go s.captureLoop(ctx)
	go s.emitLoop(ctx)
}

func (s *Source) emitLoop(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := s.NextFrame()
			if frame.Opus == nil {
				continue
			}
			s.mu.Lock()
			s.ts += uint64(s.params.samplesPerFrame())
			subs := make([]Sink, 0, len(s.subscribers))
			for _, sink := range s.subscribers {
				subs = append(subs, sink)
			}
			s.mu.Unlock()
			for _, sink := range subs {
				sink.PushAudio(frame.Opus, 20*time.Millisecond)
			}
		}
	}
}

func (s *Source) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// captureLoop spawns the capture subprocess and restarts it on death,
// logging at most once per minute.
func (s *Source) captureLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.runOnce(ctx); err != nil {
			s.logCaptureError(err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *Source) runOnce(ctx context.Context) error {
	fields := strings.Fields(s.command)
	if len(fields) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	readErr := s.readPCM(stdout)
	waitErr := cmd.Wait()
	if readErr != nil {
		return readErr
	}
	return waitErr
}

func (s *Source) readPCM(r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)
	buf := make([]byte, 4096)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			s.appendPCM(buf[:n])
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (s *Source) appendPCM(data []byte) {
	n := len(data) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring = append(s.ring, samples...)
	if over := len(s.ring) - s.ringCap; over > 0 {
		s.ring = s.ring[over:]
	}
}

func (s *Source) logCaptureError(err error) {
	s.mu.Lock()
	s.lastErr = apperr.Wrap(apperr.MediaUnavailable, "audio capture process failed", err)
	logNow := time.Since(s.lastErrLog) >= time.Minute
	if logNow {
		s.lastErrLog = time.Now()
	}
	s.mu.Unlock()
	if logNow {
		s.log.Error().Err(err).Msg("audio capture process failed, producing silence")
	}
}

// Err returns the most recently observed capture failure, or nil if no
// failure has been observed. The error is not cleared when a restarted
// capture process runs again. Session summaries
// surface this as the Audio Source's MediaUnavailable condition.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr == nil {
		return nil
	}
	return s.lastErr
}

// NextFrame returns the next 20ms frame. If the ring buffer does not yet
// hold a full frame, it returns silence of the same shape rather than
// blocking.
func (s *Source) NextFrame() Frame {
	samplesPerFrame := s.params.samplesPerFrame() * s.params.Channels

	s.mu.Lock()
	var pcm []int16
	if len(s.ring) >= samplesPerFrame {
		pcm = make([]int16, samplesPerFrame)
		copy(pcm, s.ring[:samplesPerFrame])
		s.ring = s.ring[samplesPerFrame:]
	}
	s.mu.Unlock()

	if pcm == nil {
		pcm = make([]int16, samplesPerFrame) // silence
	}

	opusBuf := make([]byte, 4000)
	n, err := s.encoder.Encode(pcm, opusBuf)
	if err != nil {
		return Frame{PCM: pcm}
	}
	out := make([]byte, n)
	copy(out, opusBuf[:n])
	return Frame{PCM: pcm, Opus: out}
}

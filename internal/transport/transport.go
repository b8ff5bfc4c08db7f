// Package transport implements the Peer Transport (C6): one negotiated
// connection per client carrying a video track, an audio track, and one
// reliable ordered data channel for input and control. Grounded on the
// teacher's internal/session/session.go for MediaEngine/codec
// registration and OnDataChannel/OnConnectionStateChange wiring, and on
// original_source/webrtc_manager.py for ICE server assembly (STUN list
// first, TURN appended only if configured) and the close-releases-lock-
// before-session-cleanup ordering.
package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"

	"tabcast/internal/apperr"
)

// State mirrors the peer connection's lifecycle.
type State string

const (
	StateNew        State = "new"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateFailed     State = "failed"
	StateClosed     State = "closed"
)

// ICEServers builds the WebRTC ICE server list: STUN entries first, a
// single optional TURN entry with credentials appended after, matching
// original_source/webrtc_manager.py's _setup_peer_connection.
func ICEServers(stunServers []string, turnServer, turnUsername, turnPassword string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	for _, s := range stunServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{s}})
	}
	if turnServer != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{turnServer},
			Username:   turnUsername,
			Credential: turnPassword,
		})
	}
	return servers
}

// InputHandler receives parsed input-channel JSON payloads. Wired to the
// Input Router (C9) by the caller.
type InputHandler interface {
	HandleMessage(peerID string, raw []byte)
}

// StateListener is notified on connection state changes so the
// signaling endpoint and session pool can react ("emits
// state-change notifications").
type StateListener interface {
	OnStateChange(peerID string, state State)
}

// Transport is one Peer Transport bound to exactly one Session id for
// its lifetime (a non-owning reference). It never holds a
// pointer to the Session itself; callers look the Session up by id
// through the pool when they need to reach it.
type Transport struct {
	ID        string
	SessionID string

	log zerolog.Logger

	pc         *webrtc.PeerConnection
	videoTrack *webrtc.TrackLocalStaticSample
	audioTrack *webrtc.TrackLocalStaticSample
	dataCh     *webrtc.DataChannel

	inputHandler InputHandler
	listener     StateListener

	mu     sync.Mutex
	state  State
	closed bool
}

// Config bundles everything needed to construct a Transport.
type Config struct {
	PeerID       string
	SessionID    string
	ICEServers   []webrtc.ICEServer
	VideoCodec   string // "h264" or "h265"
	InputHandler InputHandler
	Listener     StateListener
}

// New builds a PeerConnection with registered video/audio codecs, adds
// video and audio tracks, and creates the "input" data channel, matching
// the connection's video/audio tracks and input channel.
func New(log zerolog.Logger, cfg Config) (*Transport, error) {
	me := &webrtc.MediaEngine{}

	videoMime, videoFmtp, payloadType := webrtc.MimeTypeH264,
		"level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f",
		webrtc.PayloadType(96)
	if cfg.VideoCodec == "h265" {
		videoMime, videoFmtp, payloadType = webrtc.MimeTypeH265, "profile-id=1", webrtc.PayloadType(97)
	}

	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: videoMime, ClockRate: 90000, SDPFmtpLine: videoFmtp},
		PayloadType:        payloadType,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register video codec: %w", err)
	}

	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, apperr.Wrap(apperr.TransportFailed, "create peer connection", err)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: videoMime, ClockRate: 90000, SDPFmtpLine: videoFmtp},
		"video", "tabcast-"+cfg.PeerID,
	)
	if err != nil {
		pc.Close()
		return nil, apperr.Wrap(apperr.TransportFailed, "create video track", err)
	}
	if _, err := pc.AddTrack(videoTrack); err != nil {
		pc.Close()
		return nil, apperr.Wrap(apperr.TransportFailed, "add video track", err)
	}

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "tabcast-"+cfg.PeerID,
	)
	if err != nil {
		pc.Close()
		return nil, apperr.Wrap(apperr.TransportFailed, "create audio track", err)
	}
	if _, err := pc.AddTrack(audioTrack); err != nil {
		pc.Close()
		return nil, apperr.Wrap(apperr.TransportFailed, "add audio track", err)
	}

	t := &Transport{
		ID:           cfg.PeerID,
		SessionID:    cfg.SessionID,
		log:          log.With().Str("component", "transport").Str("peer_id", cfg.PeerID).Logger(),
		pc:           pc,
		videoTrack:   videoTrack,
		audioTrack:   audioTrack,
		inputHandler: cfg.InputHandler,
		listener:     cfg.Listener,
		state:        StateNew,
	}

	dc, err := pc.CreateDataChannel("input", nil)
	if err != nil {
		pc.Close()
		return nil, apperr.Wrap(apperr.TransportFailed, "create data channel", err)
	}
	t.dataCh = dc
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if t.inputHandler != nil {
			t.inputHandler.HandleMessage(t.ID, msg.Data)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.setState(mapState(s))
	})

	return t, nil
}

func mapState(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
		return StateClosed
	default:
		return StateNew
	}
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.log.Info().Str("state", string(s)).Msg("connection state changed")
	if t.listener != nil {
		t.listener.OnStateChange(t.ID, s)
	}
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// CreateOffer generates and sets the local offer, waits for ICE
// gathering to complete, and returns the resulting SDP
// step 4).
func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, apperr.Wrap(apperr.TransportFailed, "create offer", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, apperr.Wrap(apperr.TransportFailed, "set local description", err)
	}
	<-gatherComplete
	return *t.pc.LocalDescription(), nil
}

func (t *Transport) SetAnswer(answer webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return apperr.Wrap(apperr.BadRequest, "set remote description", err)
	}
	return nil
}

func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	if err := t.pc.AddICECandidate(c); err != nil {
		return apperr.Wrap(apperr.BadRequest, "add ice candidate", err)
	}
	return nil
}

// PushFrame implements frame.Sink, writing an encoded still to the video
// track as one sample.
func (t *Transport) PushFrame(data []byte, ordinal uint64, dur time.Duration) {
	_ = ordinal // ordering is enforced by the single-writer Frame Source calling in sequence
	_ = t.videoTrack.WriteSample(media.Sample{Data: data, Duration: dur})
}

// PushAudio writes one 20ms Opus-encoded audio sample.
func (t *Transport) PushAudio(opusData []byte, dur time.Duration) {
	_ = t.audioTrack.WriteSample(media.Sample{Data: opusData, Duration: dur})
}

// Close tears down the peer connection. Idempotent.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	t.pc.Close()
}

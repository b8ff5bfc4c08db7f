// Package input implements the Input Router (C9): validates input
// messages from a peer's data channel, maps coordinates between client
// and session viewport, rate-limits bursts, then enqueues into the
// bound Session's command queue. Grounded on
// types.InputEventType's closed set of event tags (internal/types/types.go) and
// original_source/webrtc_manager.py's _handle_data_channel_message
// tagged dispatch, adapted to the wire protocol's exact field names
// (deltaX/deltaY rather than the original dx/dy).
package input

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tabcast/internal/apperr"
	"tabcast/internal/types"
)

// wireEvent is the JSON shape sent over the peer's input data channel.
type wireEvent struct {
	Type   string `json:"type"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	DeltaY int    `json:"deltaY"`
	DeltaX int    `json:"deltaX"`
	Text   string `json:"text"`
	Key    string `json:"key"`
}

// Dispatcher is the subset of Session the router drives.
type Dispatcher interface {
	Click(x, y int) error
	Scroll(dx, dy int) error
	TypeText(s string) error
	PressKey(name string) error
}

// Router validates and rate-limits input for every peer, then dispatches
// to that peer's bound Session.
type Router struct {
	log       zerolog.Logger
	limit     rate.Limit
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Router allowing up to eventsPerSecond per peer
// (default 200).
func New(log zerolog.Logger, eventsPerSecond int) *Router {
	return &Router{
		log:      log.With().Str("component", "input_router").Logger(),
		limit:    rate.Limit(eventsPerSecond),
		burst:    eventsPerSecond,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (r *Router) limiterFor(peerID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[peerID]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[peerID] = l
	}
	return l
}

func (r *Router) RemovePeer(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.limiters, peerID)
}

// Route parses raw, maps coordinates from clientViewport into
// sessionViewport space, rate-limits, and dispatches to d. Parse errors
// and dropped-for-rate events are logged and the event is dropped; the
// channel itself is never closed because of a bad message.
func (r *Router) Route(peerID string, clientViewport, sessionViewport types.Viewport, raw []byte, d Dispatcher) {
	if !r.limiterFor(peerID).Allow() {
		r.log.Warn().Str("peer_id", peerID).Msg("input burst limit exceeded, dropping event")
		return
	}

	var ev wireEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		r.log.Warn().Err(err).Str("peer_id", peerID).Msg("invalid input event JSON, dropping")
		return
	}

	switch types.InputEventType(ev.Type) {
	case types.InputClick:
		x, y := mapCoords(ev.X, ev.Y, clientViewport, sessionViewport)
		if err := d.Click(x, y); err != nil {
			r.log.Warn().Err(err).Msg("click dispatch failed")
		}
	case types.InputScroll:
		if err := d.Scroll(ev.DeltaX, ev.DeltaY); err != nil {
			r.log.Warn().Err(err).Msg("scroll dispatch failed")
		}
	case types.InputText:
		if err := d.TypeText(ev.Text); err != nil {
			r.log.Warn().Err(err).Msg("text dispatch failed")
		}
	case types.InputKey:
		if !types.NamedKeys[ev.Key] {
			r.log.Warn().Str("key", ev.Key).Msg("unknown key, dropping")
			return
		}
		if err := d.PressKey(ev.Key); err != nil {
			r.log.Warn().Err(err).Msg("key dispatch failed")
		}
	default:
		r.log.Warn().Str("type", ev.Type).Msg("unknown input event type, dropping")
	}
}

// mapCoords is the identity map when client and session viewports agree,
// otherwise a linear rescale between the two viewport sizes.
func mapCoords(x, y int, client, session types.Viewport) (int, int) {
	if client == session || client.Width == 0 || client.Height == 0 {
		return x, y
	}
	nx := x * session.Width / client.Width
	ny := y * session.Height / client.Height
	return nx, ny
}

// ValidateKey reports whether name is in the canonical key set
// exposed for the control plane / tests.
func ValidateKey(name string) error {
	if !types.NamedKeys[name] {
		return apperr.Newf(apperr.Invalid, "UnknownKey: %s", name)
	}
	return nil
}

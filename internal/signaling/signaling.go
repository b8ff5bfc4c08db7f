// Package signaling implements the Signaling Endpoint (C7): a bidirectional
// WebSocket message channel exchanging join/offer/answer/ICE messages, one
// peer per connection. Grounded on
// _examples/LanternOps-breeze/agent/internal/websocket/client.go for the
// ping/pong-keepalive and serialized-write discipline (adapted from a
// reconnecting client loop to a single-shot server handler, since the
// server side never redials) and on original_source/webrtc_renderer/main.py's signaling
// loop for treating "join" against an unknown session as a soft error that
// leaves the socket open for a retry.
package signaling

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"tabcast/internal/input"
	"tabcast/internal/pool"
	"tabcast/internal/transport"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// clientMessage is the union of every shape a client may send (spec.md
// §4.7): join, answer, ice-candidate, ping.
type clientMessage struct {
	Type          string                     `json:"type"`
	SessionID     string                     `json:"session_id"`
	Answer        *webrtc.SessionDescription `json:"answer"`
	Candidate     string                     `json:"candidate"`
	SDPMid        *string                    `json:"sdpMid"`
	SDPMLineIndex *uint16                    `json:"sdpMLineIndex"`
}

// serverMessage is the union of every shape the server sends: offer,
// ready, pong, error.
type serverMessage struct {
	Type    string                     `json:"type"`
	Offer   *webrtc.SessionDescription `json:"offer,omitempty"`
	Message string                     `json:"message,omitempty"`
}

// Config bundles the collaborators a join needs to stand a peer up.
type Config struct {
	Pool       *pool.Pool
	Input      *input.Router
	ICEServers []webrtc.ICEServer
	VideoCodec string
}

// Endpoint upgrades HTTP connections to WebSocket and runs one signaling
// session per connection.
type Endpoint struct {
	log      zerolog.Logger
	cfg      Config
	upgrader websocket.Upgrader
}

// New builds a signaling Endpoint. CheckOrigin is permissive here; the
// control plane's CORS configuration (§10) governs browser origins for
// the HTTP surface, and the WebSocket upgrade itself carries no
// same-origin cookie state this server depends on.
func New(log zerolog.Logger, cfg Config) *Endpoint {
	return &Endpoint{
		log: log.With().Str("component", "signaling").Logger(),
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &conn{log: e.log, cfg: e.cfg, ws: ws}
	c.run()
}

// conn is one signaling connection: one reader loop (this goroutine) plus
// a serialized writer guarded by writeMu, matching spec.md §5's
// "one reader task and a writer serialized per connection."
type conn struct {
	log zerolog.Logger
	cfg Config
	ws  *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	peerID    string
	sessionID string
	peer      *transport.Transport
}

func (c *conn) run() {
	defer c.cleanup()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	keepaliveDone := make(chan struct{})
	defer close(keepaliveDone)
	go c.keepalive(keepaliveDone)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.handle(data)
	}
}

// keepalive sends a transport-level ping independent of the application
// "ping"/"pong" messages in clientMessage/serverMessage, matching the
// teacher's websocket client's ping/pong timers.
func (c *conn) keepalive(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *conn) handle(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("malformed signaling message")
		return
	}

	switch msg.Type {
	case "join":
		c.handleJoin(msg.SessionID)
	case "answer":
		c.handleAnswer(msg.Answer)
	case "ice-candidate":
		c.handleICE(msg)
	case "ping":
		c.send(serverMessage{Type: "pong"})
	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

// handleJoin allocates a Peer Transport bound to the named Session and
// sends back an offer. Joining a nonexistent session returns an error
// but keeps the connection open so the client may retry with a different
// id (spec.md §4.7).
func (c *conn) handleJoin(sessionID string) {
	c.mu.Lock()
	alreadyJoined := c.peer != nil
	c.mu.Unlock()
	if alreadyJoined {
		c.sendError("connection already joined to a session")
		return
	}

	sess, ok := c.cfg.Pool.Get(sessionID)
	if !ok {
		c.sendError("NotFound: session " + sessionID + " not found")
		return
	}

	peerID := newPeerID()
	peer, err := transport.New(c.log, transport.Config{
		PeerID:       peerID,
		SessionID:    sessionID,
		ICEServers:   c.cfg.ICEServers,
		VideoCodec:   c.cfg.VideoCodec,
		InputHandler: c,
		Listener:     c,
	})
	if err != nil {
		c.sendError("failed to allocate peer connection")
		return
	}

	sess.Subscribe(peerID, sess.Adaptive.DefaultQuality(), peer, peer)

	offer, err := peer.CreateOffer()
	if err != nil {
		sess.Unsubscribe(peerID)
		peer.Close()
		c.sendError("failed to create offer")
		return
	}

	c.mu.Lock()
	c.peerID = peerID
	c.sessionID = sessionID
	c.peer = peer
	c.mu.Unlock()

	c.send(serverMessage{Type: "offer", Offer: &offer})
	c.send(serverMessage{Type: "ready"})
}

func (c *conn) handleAnswer(answer *webrtc.SessionDescription) {
	peer := c.currentPeer()
	if peer == nil || answer == nil {
		c.sendError("no active peer to answer")
		return
	}
	if err := peer.SetAnswer(*answer); err != nil {
		c.sendError("invalid answer")
	}
}

func (c *conn) handleICE(msg clientMessage) {
	peer := c.currentPeer()
	if peer == nil {
		c.sendError("no active peer for ice candidate")
		return
	}
	candidate := webrtc.ICECandidateInit{Candidate: msg.Candidate}
	if msg.SDPMid != nil {
		candidate.SDPMid = msg.SDPMid
	}
	if msg.SDPMLineIndex != nil {
		candidate.SDPMLineIndex = msg.SDPMLineIndex
	}
	if err := peer.AddICECandidate(candidate); err != nil {
		c.sendError("invalid ice candidate")
	}
}

func (c *conn) currentPeer() *transport.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// HandleMessage implements transport.InputHandler: routes a data-channel
// payload to the Input Router (C9), using the session's current viewport
// for both sides of the coordinate map in the absence of a separate
// client-viewport negotiation message in this protocol.
func (c *conn) HandleMessage(peerID string, raw []byte) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()

	sess, ok := c.cfg.Pool.Get(sessionID)
	if !ok {
		return
	}
	vp := sess.Viewport
	c.cfg.Input.Route(peerID, vp, vp, raw, sess)
}

// OnStateChange implements transport.StateListener. On failed, the peer
// tears itself down and asks the pool to close the bound Session
// (spec.md §4.6).
func (c *conn) OnStateChange(peerID string, state transport.State) {
	if state != transport.StateFailed {
		return
	}
	c.mu.Lock()
	sessionID, peer := c.sessionID, c.peer
	c.mu.Unlock()
	if peer != nil {
		peer.Close()
	}
	if sessionID != "" {
		c.log.Warn().Str("peer_id", peerID).Str("session_id", sessionID).Msg("peer transport failed, closing bound session")
		c.cfg.Pool.Close(sessionID)
	}
}

func (c *conn) cleanup() {
	c.mu.Lock()
	peer, sessionID, peerID := c.peer, c.sessionID, c.peerID
	c.mu.Unlock()

	if peer == nil {
		c.ws.Close()
		return
	}

	if sess, ok := c.cfg.Pool.Get(sessionID); ok {
		sess.Unsubscribe(peerID)
	}
	c.cfg.Input.RemovePeer(peerID)
	peer.Close()
	c.ws.Close()
}

func (c *conn) send(msg serverMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *conn) sendError(message string) {
	c.send(serverMessage{Type: "error", Message: message})
}

// newPeerID generates a unique peer id the same way the Session Pool
// generates session ids (pool.go), for one id-generation strategy across
// the binary.
func newPeerID() string {
	return "peer-" + uuid.New().String()
}


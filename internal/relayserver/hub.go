// Package relayserver implements the signaling relay: it assigns each
// connected participant an identity, announces membership changes, and
// forwards offers, answers, and ICE candidates between participants. The
// relay never inspects SDP; it only addresses envelopes.
package relayserver

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meshconf/meshcall/internal/metrics"
	"github.com/meshconf/meshcall/internal/protocol"
	"github.com/meshconf/meshcall/internal/ratelimit"
)

// sendQueueSize bounds per-client outbound buffering. A participant that
// cannot drain this many messages is evicted rather than allowed to stall
// the hub.
const sendQueueSize = 32

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry

	PingInterval time.Duration
	IdleTimeout  time.Duration

	MaxMessageBytes int64
	// MaxMessagesPerSecond rate limits inbound signaling per participant.
	// 0 disables the limit.
	MaxMessagesPerSecond int
	// MaxParticipants caps concurrent participants. 0 means unlimited.
	MaxParticipants int

	// Clock is used by the per-client rate limiters. Nil means wall clock.
	Clock ratelimit.Clock
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 512 * 1024
	}
	return o
}

type registration struct {
	c     *client
	reply chan bool
}

type inbound struct {
	from *client
	msg  protocol.Message
}

// Hub owns the participant map. All membership changes and message routing
// happen on the single Run goroutine; the per-connection pumps only move
// bytes.
type Hub struct {
	log     *slog.Logger
	opts    Options
	metrics *metrics.Registry

	registerCh   chan registration
	unregisterCh chan *client
	forwardCh    chan inbound
	done         chan struct{}

	clients map[string]*client

	upgrader websocket.Upgrader
}

func NewHub(opts Options) *Hub {
	opts = opts.withDefaults()
	return &Hub{
		log:          opts.Logger,
		opts:         opts,
		metrics:      opts.Metrics,
		registerCh:   make(chan registration),
		unregisterCh: make(chan *client),
		forwardCh:    make(chan inbound),
		done:         make(chan struct{}),
		clients:      make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Participants are native processes, not browsers; there is no
			// origin to enforce.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run processes hub events until ctx is cancelled. It must be running before
// the Handler accepts connections.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		close(h.done)
		for _, c := range h.clients {
			close(c.send)
		}
		h.clients = nil
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reg := <-h.registerCh:
			reg.reply <- h.handleRegister(reg.c)
		case c := <-h.unregisterCh:
			h.removeClient(c)
		case in := <-h.forwardCh:
			h.handleForward(in.from, in.msg)
		}
	}
}

// Handler returns the websocket endpoint participants connect to.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
			return
		}

		c := &client{
			hub:  h,
			conn: conn,
			log:  h.log.With("remote_addr", r.RemoteAddr),
			send: make(chan protocol.Message, sendQueueSize),
		}
		if h.opts.MaxMessagesPerSecond > 0 {
			c.limiter = ratelimit.NewBucket(h.opts.Clock,
				int64(h.opts.MaxMessagesPerSecond), int64(h.opts.MaxMessagesPerSecond))
		}

		reply := make(chan bool, 1)
		select {
		case h.registerCh <- registration{c: c, reply: reply}:
		case <-h.done:
			_ = conn.Close()
			return
		}
		if !<-reply {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "call full"),
				time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}

		go c.writePump()
		go c.readPump()
	})
}

// unregister hands the client back to the hub loop. Safe after Run exits.
func (h *Hub) unregister(c *client) {
	select {
	case h.unregisterCh <- c:
	case <-h.done:
	}
}

// route hands an inbound message to the hub loop. Safe after Run exits.
func (h *Hub) route(c *client, msg protocol.Message) {
	select {
	case h.forwardCh <- inbound{from: c, msg: msg}:
	case <-h.done:
	}
}

func (h *Hub) handleRegister(c *client) bool {
	if h.opts.MaxParticipants > 0 && len(h.clients) >= h.opts.MaxParticipants {
		h.metrics.Inc(metrics.DropReasonRoomFull)
		h.log.Warn("rejecting participant, call full", "participants", len(h.clients))
		return false
	}

	c.id = uuid.NewString()
	c.log = c.log.With("participant_id", c.id)

	others := make([]string, 0, len(h.clients))
	for id := range h.clients {
		others = append(others, id)
	}
	sort.Strings(others)

	h.clients[c.id] = c
	h.metrics.Inc(metrics.ParticipantJoined)
	c.log.Info("participant joined", "participants", len(h.clients))

	// The identity must land before any membership traffic, and the roster
	// before any forwarded offer, so both go out ahead of the broadcast.
	h.deliver(c, protocol.Message{Type: protocol.MessageTypeAssignID, UserID: c.id})
	h.deliver(c, protocol.Message{Type: protocol.MessageTypeExistingUsers, UserIDs: others})

	joined := protocol.Message{Type: protocol.MessageTypeUserJoined, UserID: c.id}
	for id, other := range h.clients {
		if id == c.id {
			continue
		}
		h.deliver(other, joined)
	}
	return true
}

func (h *Hub) removeClient(c *client) {
	if c.id == "" {
		return
	}
	if existing, ok := h.clients[c.id]; !ok || existing != c {
		return
	}
	delete(h.clients, c.id)
	close(c.send)
	h.metrics.Inc(metrics.ParticipantLeft)
	c.log.Info("participant left", "participants", len(h.clients))

	left := protocol.Message{Type: protocol.MessageTypeUserLeft, UserID: c.id}
	for _, other := range h.clients {
		h.deliver(other, left)
	}
}

func (h *Hub) handleForward(from *client, msg protocol.Message) {
	if existing, ok := h.clients[from.id]; !ok || existing != from {
		// Sender was evicted while the message was in flight.
		return
	}

	target, ok := h.clients[msg.TargetUserID]
	if !ok {
		h.metrics.Inc(metrics.DropReasonUnknownTarget)
		from.log.Warn("dropping message for unknown target",
			"type", string(msg.Type), "target", msg.TargetUserID)
		return
	}

	switch msg.Type {
	case protocol.MessageTypeOffer:
		h.metrics.Inc(metrics.RelayedOffer)
	case protocol.MessageTypeAnswer:
		h.metrics.Inc(metrics.RelayedAnswer)
	case protocol.MessageTypeICECandidate:
		h.metrics.Inc(metrics.RelayedCandidate)
	}

	out := msg
	out.FromUserID = from.id
	out.TargetUserID = ""
	h.deliver(target, out)
}

// deliver enqueues without blocking the hub loop. A participant whose queue
// is full is evicted; stalling everyone on one slow reader is worse than
// dropping them.
func (h *Hub) deliver(c *client, msg protocol.Message) {
	select {
	case c.send <- msg:
	default:
		c.log.Warn("participant send queue full, evicting")
		h.removeClient(c)
		_ = c.conn.Close()
	}
}

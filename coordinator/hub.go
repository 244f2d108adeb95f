package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/playloop/rendezvous/coordinator/auth"
	"github.com/playloop/rendezvous/coordinator/observability"
	"github.com/playloop/rendezvous/coordinator/orchestrator"
	"github.com/playloop/rendezvous/coordinator/presence"
	"github.com/playloop/rendezvous/coordinator/store"
)

const maxConnections = 10000

// Responder answers wake-up responses arriving over the live channel. The
// orchestrator implements it; the indirection lets the hub be built first
// and bound later.
type Responder interface {
	HandleWakeUpResponse(ctx context.Context, challengeID, userID string, response orchestrator.Response) (*orchestrator.ResponseResult, error)
}

// Hub owns every live connection on this process and the cluster-wide event
// fan-out. Emits go through shared-store pub/sub so each hub process, this
// one included, delivers to its own local connections; that makes delivery
// at-most-once per connection.
type Hub struct {
	records   store.RecordStore
	shared    *store.SharedStore
	presence  *presence.Registry
	tokens    *auth.TokenService
	responder Responder
	clock     clockwork.Clock
	log       *logrus.Entry

	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client

	// ready closes once the fan-out subscription is live; done closes when
	// Run exits so detach never blocks on a stopped loop.
	ready chan struct{}
	done  chan struct{}

	mu       sync.RWMutex
	users    map[string]map[*client]bool
	sessions map[string]map[*client]bool
	conns    int
}

func NewHub(records store.RecordStore, shared *store.SharedStore, reg *presence.Registry, tokens *auth.TokenService, clock clockwork.Clock, log *logrus.Entry) *Hub {
	return &Hub{
		records:  records,
		shared:   shared,
		presence: reg,
		tokens:   tokens,
		clock:    clock,
		log:      log,
		upgrader: websocket.Upgrader{
			// Origin policy is enforced by the CORS layer and the bearer
			// token; the upgrader accepts any origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		users:      make(map[string]map[*client]bool),
		sessions:   make(map[string]map[*client]bool),
	}
}

// BindResponder wires the orchestrator in after construction. The
// orchestrator needs the hub as its Notifier and the hub needs the
// orchestrator to answer wake-ups, so one of them has to bind late.
func (h *Hub) BindResponder(r Responder) {
	h.responder = r
}

// Run processes registrations and cluster fan-out frames until ctx is
// cancelled, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	frames := h.shared.Subscribe(ctx, store.EventChannel)
	close(h.ready)
	h.log.Info("hub fan-out subscription live")

	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.drop(c)
		case raw, ok := <-frames:
			if !ok {
				h.log.Warn("fan-out subscription closed, cross-process delivery stopped")
				frames = nil
				continue
			}
			h.deliver(raw)
		}
	}
}

// Emit implements the orchestrator's Notifier: the frame is published to
// every hub process, which each deliver to the user's local connections.
func (h *Hub) Emit(ctx context.Context, userID, event string, payload any) {
	h.publish(ctx, scopeUser, userID, event, payload)
}

// EmitSession fans an event out to everyone joined to the session group.
func (h *Hub) EmitSession(ctx context.Context, sessionID, event string, payload any) {
	h.publish(ctx, scopeSession, sessionID, event, payload)
}

func (h *Hub) publish(ctx context.Context, scope, target, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.WithError(err).WithField("event", event).Warn("encode event failed")
		return
	}
	frame, err := json.Marshal(fanoutFrame{Scope: scope, Target: target, Event: event, Data: data})
	if err != nil {
		h.log.WithError(err).WithField("event", event).Warn("encode fan-out frame failed")
		return
	}
	if err := h.shared.Publish(ctx, store.EventChannel, frame); err != nil {
		h.log.WithError(err).WithField("event", event).Warn("event publish failed")
	}
}

// deliver routes one fan-out frame to the local members of its target group.
func (h *Hub) deliver(raw string) {
	var frame fanoutFrame
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		h.log.WithError(err).Warn("malformed fan-out frame")
		return
	}
	msg := Message{Event: frame.Event, Data: frame.Data}

	h.mu.RLock()
	var targets []*client
	switch frame.Scope {
	case scopeUser:
		for c := range h.users[frame.Target] {
			targets = append(targets, c)
		}
	case scopeSession:
		for c := range h.sessions[frame.Target] {
			targets = append(targets, c)
		}
	default:
		h.mu.RUnlock()
		h.log.WithField("scope", frame.Scope).Warn("unknown fan-out scope")
		return
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.trySend(msg)
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	if h.conns >= maxConnections {
		h.mu.Unlock()
		h.log.WithField("user_id", c.userID).Warn("connection cap reached, rejecting")
		c.closeSend()
		c.conn.Close()
		return
	}
	set := h.users[c.userID]
	if set == nil {
		set = make(map[*client]bool)
		h.users[c.userID] = set
		observability.OnlineUsers.Inc()
	}
	set[c] = true
	h.conns++
	total := h.conns
	h.mu.Unlock()
	observability.ActiveConnections.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), inboundBudget)
	defer cancel()
	if err := h.presence.SetOnline(ctx, c.userID, c.id); err != nil {
		h.log.WithError(err).WithField("user_id", c.userID).Warn("presence registration failed")
	}

	c.reply(evConnected, connectedPayload{
		UserID:   c.userID,
		Username: c.username,
		Now:      h.clock.Now().UTC(),
	})
	c.log.WithField("total", total).Info("client connected")
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	set, ok := h.users[c.userID]
	if !ok || !set[c] {
		// Never registered (cap rejection) or already dropped.
		h.mu.Unlock()
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.users, c.userID)
		observability.OnlineUsers.Dec()
	}
	for sid := range c.joined {
		if members := h.sessions[sid]; members != nil {
			delete(members, c)
			if len(members) == 0 {
				delete(h.sessions, sid)
			}
		}
	}
	h.conns--
	total := h.conns
	h.mu.Unlock()
	observability.ActiveConnections.Dec()

	c.closeSend()

	ctx, cancel := context.WithTimeout(context.Background(), inboundBudget)
	defer cancel()
	if err := h.presence.SetOffline(ctx, c.userID, c.id); err != nil {
		h.log.WithError(err).WithField("user_id", c.userID).Warn("presence removal failed")
	}
	c.log.WithField("total", total).Info("client disconnected")
}

// detach is how pumps hand a dead client back without deadlocking against a
// stopped Run loop.
func (h *Hub) detach(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) joinSession(c *client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.sessions[sessionID]
	if set == nil {
		set = make(map[*client]bool)
		h.sessions[sessionID] = set
	}
	set[c] = true
	c.joined[sessionID] = true
}

func (h *Hub) leaveSession(c *client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set := h.sessions[sessionID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	delete(c.joined, sessionID)
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	var all []*client
	for _, set := range h.users {
		for c := range set {
			all = append(all, c)
		}
	}
	h.users = make(map[string]map[*client]bool)
	h.sessions = make(map[string]map[*client]bool)
	h.conns = 0
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range all {
		if err := h.presence.SetOffline(ctx, c.userID, c.id); err != nil {
			h.log.WithError(err).WithField("user_id", c.userID).Warn("presence removal failed")
		}
		c.closeSend()
		c.conn.Close()
		observability.ActiveConnections.Dec()
	}
	observability.OnlineUsers.Set(0)
	h.log.WithField("count", len(all)).Info("hub shut down")
}

// ServeWS authenticates the handshake and upgrades to the live channel. The
// token rides the query string (browser WebSocket clients cannot set
// headers) or a Bearer header.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if parts := strings.Split(r.Header.Get("Authorization"), " "); len(parts) == 2 && parts[0] == "Bearer" {
			token = parts[1]
		}
	}
	claims, err := h.tokens.Validate(token)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(envelope{Success: false, Error: "invalid or missing token"})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("upgrade failed")
		return
	}

	c := &client{
		hub:      h,
		conn:     conn,
		send:     make(chan Message, sendBuffer),
		id:       uuid.NewString(),
		userID:   claims.UserID,
		username: claims.Username,
		joined:   make(map[string]bool),
	}
	c.log = h.log.WithFields(logrus.Fields{"user_id": c.userID, "conn_id": c.id})

	h.register <- c
	go c.writePump()
	go c.readPump()
}

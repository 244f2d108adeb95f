package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/playloop/rendezvous/coordinator/faults"
	"github.com/playloop/rendezvous/coordinator/orchestrator"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64

	// inboundBudget bounds the downstream work one client message may cause.
	inboundBudget = 10 * time.Second
)

// client is one live connection bound to a user. The hub owns registration
// and group membership; the client owns its two pumps.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Message

	id       string
	userID   string
	username string

	// joined holds the session groups this connection is in, guarded by
	// hub.mu alongside the hub's own group maps.
	joined map[string]bool

	mu     sync.Mutex
	closed bool

	log *logrus.Entry
}

// trySend queues a message without ever blocking the caller. A full buffer
// means the reader is too slow; dropping is fine because the live channel is
// best-effort.
func (c *client) trySend(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.log.WithField("event", msg.Event).Warn("outbound buffer full, dropping event")
	}
}

// closeSend is idempotent so the unregister and shutdown paths can both call
// it.
func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) reply(event string, payload any) {
	msg, err := newMessage(event, payload)
	if err != nil {
		c.log.WithError(err).WithField("event", event).Warn("encode reply failed")
		return
	}
	c.trySend(msg)
}

func (c *client) sendError(text string) {
	c.reply(evError, errorPayload{Message: text})
}

// readPump consumes inbound messages until the connection dies, then hands
// the client back to the hub.
func (c *client) readPump() {
	defer func() {
		c.hub.detach(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Debug("live channel read failed")
			}
			return
		}
		c.handleMessage(msg)
	}
}

// writePump drains the send channel and keeps the connection alive with
// pings. It exits when the channel closes or a write fails.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) handleMessage(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), inboundBudget)
	defer cancel()

	switch msg.Event {
	case evHeartbeat:
		if err := c.hub.presence.Heartbeat(ctx, c.userID, c.id); err != nil {
			c.log.WithError(err).Warn("heartbeat failed")
			c.sendError("heartbeat failed, retry shortly")
			return
		}
		c.reply(evHeartbeatAck, heartbeatAckPayload{Now: c.hub.clock.Now().UTC()})

	case evRespond:
		var p respondPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.ChallengeID == "" {
			c.sendError("challenge:respond needs {challengeId, response}")
			return
		}
		response, err := orchestrator.ParseResponse(p.Response)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		if c.hub.responder == nil {
			c.sendError("not ready, retry shortly")
			return
		}
		res, err := c.hub.responder.HandleWakeUpResponse(ctx, p.ChallengeID, c.userID, response)
		if err != nil {
			c.log.WithError(err).WithField("challenge_id", p.ChallengeID).Debug("wake-up response rejected")
			c.sendError(publicError(err))
			return
		}
		c.reply(evRespondAck, respondAckPayload{
			ChallengeID: p.ChallengeID,
			Action:      res.Action,
			SessionID:   res.SessionID,
		})

	case evSessionJoin:
		p, ok := c.sessionRef(msg)
		if !ok {
			return
		}
		// Only participants may listen on a session group.
		sess, err := c.hub.records.GetSession(ctx, p.SessionID)
		if err != nil {
			c.sendError(publicError(err))
			return
		}
		if sess == nil || !sess.Participant(c.userID) {
			c.sendError("no such session for this user")
			return
		}
		c.hub.joinSession(c, p.SessionID)
		c.reply(evSessionJoinAck, p)

	case evSessionLeave:
		p, ok := c.sessionRef(msg)
		if !ok {
			return
		}
		c.hub.leaveSession(c, p.SessionID)
		c.reply(evSessionLeaveAck, p)

	default:
		c.sendError(fmt.Sprintf("unknown event %q", msg.Event))
	}
}

func (c *client) sessionRef(msg Message) (sessionRefPayload, bool) {
	var p sessionRefPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil || p.SessionID == "" {
		c.sendError(fmt.Sprintf("%s needs {sessionId}", msg.Event))
		return p, false
	}
	return p, true
}

// publicError keeps internal failure detail off the wire.
func publicError(err error) string {
	if faults.KindOf(err) == faults.Internal {
		return "internal error"
	}
	return err.Error()
}

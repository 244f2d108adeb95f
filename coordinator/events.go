package main

import (
	"encoding/json"
	"time"
)

// Message is the live-channel envelope in both directions: an event name
// plus an event-specific JSON payload.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func newMessage(event string, payload any) (Message, error) {
	if payload == nil {
		return Message{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Event: event, Data: data}, nil
}

// Client -> server events.
const (
	evHeartbeat    = "heartbeat"
	evRespond      = "challenge:respond"
	evSessionJoin  = "session:join"
	evSessionLeave = "session:leave"
)

// Server -> client events. Challenge lifecycle events are named in the
// orchestrator package; these are the hub's own.
const (
	evConnected       = "connected"
	evHeartbeatAck    = "heartbeat-ack"
	evRespondAck      = "challenge:respond-ack"
	evSessionJoinAck  = "session:join-ack"
	evSessionLeaveAck = "session:leave-ack"
	evError           = "error"
)

type connectedPayload struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	Now      time.Time `json:"now"`
}

type heartbeatAckPayload struct {
	Now time.Time `json:"now"`
}

type respondPayload struct {
	ChallengeID string `json:"challengeId"`
	Response    string `json:"response"`
}

type respondAckPayload struct {
	ChallengeID string `json:"challengeId"`
	Action      string `json:"action"`
	SessionID   string `json:"sessionId,omitempty"`
}

type sessionRefPayload struct {
	SessionID string `json:"sessionId"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// fanoutFrame is what hub processes exchange over shared-store pub/sub: a
// delivery scope (user or session group), the target group id, and the
// client-facing message.
type fanoutFrame struct {
	Scope  string          `json:"scope"`
	Target string          `json:"target"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

const (
	scopeUser    = "user"
	scopeSession = "session"
)

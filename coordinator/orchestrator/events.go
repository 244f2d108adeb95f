package orchestrator

import (
	"time"

	"github.com/playloop/rendezvous/coordinator/store"
)

// Live-channel events the orchestrator produces. The hub only routes them;
// their shapes are owned here because this package is the sole producer.
const (
	EventChallengeReceived = "challenge:received"
	EventWakeUp            = "challenge:wake-up"
	EventChallengeDeclined = "challenge:declined"
	EventChallengeTimeout  = "challenge:timeout"
	EventSessionReady      = "session:ready"
	EventSessionEnded      = "session:ended"
)

// UserRef identifies one party inside an event payload.
type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// ChallengeReceivedEvent tells the challenged user a challenge is waiting.
type ChallengeReceivedEvent struct {
	ChallengeID string    `json:"challengeId"`
	Challenger  UserRef   `json:"challenger"`
	GameType    string    `json:"gameType"`
	CreatedAt   time.Time `json:"createdAt"`
}

// WakeUpEvent asks the challenger to come online and respond. Challenger
// here names the party requesting the wake-up, which is the user who just
// accepted.
type WakeUpEvent struct {
	ChallengeID string    `json:"challengeId"`
	Challenger  UserRef   `json:"challenger"`
	GameType    string    `json:"gameType"`
	Now         time.Time `json:"now"`
}

// ChallengeDeclinedEvent reports a dead challenge to the party still
// interested in it.
type ChallengeDeclinedEvent struct {
	ChallengeID string `json:"challengeId"`
	DeclinedBy  string `json:"declinedBy"`
}

// ChallengeTimeoutEvent reports that the challenger never answered.
type ChallengeTimeoutEvent struct {
	ChallengeID string    `json:"challengeId"`
	Now         time.Time `json:"now"`
}

// SessionReadyEvent hands both parties their new session.
type SessionReadyEvent struct {
	SessionID   string  `json:"sessionId"`
	ChallengeID string  `json:"challengeId"`
	Opponent    UserRef `json:"opponent"`
	GameType    string  `json:"gameType"`
}

// SessionEndedEvent goes to the session group, so only connections that
// joined the session hear it.
type SessionEndedEvent struct {
	SessionID string             `json:"sessionId"`
	EndedBy   string             `json:"endedBy"`
	State     store.SessionState `json:"state"`
}

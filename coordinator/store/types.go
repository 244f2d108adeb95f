package store

import (
	"time"
)

// ChallengeState is the lifecycle state of a challenge. The set is closed;
// writes outside the transition table must be rejected.
type ChallengeState string

const (
	ChallengePending         ChallengeState = "PENDING"
	ChallengeNotifying       ChallengeState = "NOTIFYING"
	ChallengeWaitingResponse ChallengeState = "WAITING_RESPONSE"
	ChallengeActive          ChallengeState = "ACTIVE"
	ChallengeDeclined        ChallengeState = "DECLINED"
	ChallengeTimeout         ChallengeState = "TIMEOUT"
	ChallengeExpired         ChallengeState = "EXPIRED"
)

// challengeTransitions is the only authority on legal state changes.
var challengeTransitions = map[ChallengeState][]ChallengeState{
	ChallengePending:         {ChallengeNotifying, ChallengeDeclined, ChallengeExpired},
	ChallengeNotifying:       {ChallengeWaitingResponse},
	ChallengeWaitingResponse: {ChallengeActive, ChallengeDeclined, ChallengeTimeout},
}

// CanTransition reports whether from -> to is a legal challenge transition.
func CanTransition(from, to ChallengeState) bool {
	for _, next := range challengeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidSources returns every state from which to is reachable. Guarded
// UPDATEs use this as their WHERE clause so a terminal row never moves.
func ValidSources(to ChallengeState) []ChallengeState {
	var sources []ChallengeState
	for from, nexts := range challengeTransitions {
		for _, next := range nexts {
			if next == to {
				sources = append(sources, from)
			}
		}
	}
	return sources
}

// Terminal reports whether the state has no outgoing transitions.
func (s ChallengeState) Terminal() bool {
	return len(challengeTransitions[s]) == 0 && s.Valid()
}

// Valid reports whether s is a member of the closed state set.
func (s ChallengeState) Valid() bool {
	switch s {
	case ChallengePending, ChallengeNotifying, ChallengeWaitingResponse,
		ChallengeActive, ChallengeDeclined, ChallengeTimeout, ChallengeExpired:
		return true
	}
	return false
}

// SessionState is the lifecycle state of a game session.
type SessionState string

const (
	SessionActive    SessionState = "ACTIVE"
	SessionCompleted SessionState = "COMPLETED"
	SessionAbandoned SessionState = "ABANDONED"
)

// Valid reports whether s is a member of the closed session state set.
func (s SessionState) Valid() bool {
	switch s {
	case SessionActive, SessionCompleted, SessionAbandoned:
		return true
	}
	return false
}

// Terminal reports whether s ends a session.
func (s SessionState) Terminal() bool {
	return s.Valid() && s != SessionActive
}

// User is a registered account. PushTokens holds device tokens in
// registration order; dead tokens are pruned on delivery failure.
type User struct {
	ID           string    `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	PushTokens   []string  `json:"-" db:"push_tokens"`
	Active       bool      `json:"active" db:"active"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}

// Challenge is one wake-up handshake attempt between two users.
type Challenge struct {
	ID             string            `json:"id" db:"id"`
	ChallengerID   string            `json:"challengerId" db:"challenger_id"`
	ChallengedID   string            `json:"challengedId" db:"challenged_id"`
	GameType       string            `json:"gameType" db:"game_type"`
	State          ChallengeState    `json:"state" db:"state"`
	WakeUpAttempts int               `json:"wakeUpAttempts" db:"wake_up_attempts"`
	ExpiresAt      time.Time         `json:"expiresAt" db:"expires_at"`
	Metadata       map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt      time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time         `json:"updatedAt" db:"updated_at"`

	// Joined on demand, never written back.
	Challenger *User `json:"challenger,omitempty" db:"-"`
	Challenged *User `json:"challenged,omitempty" db:"-"`
}

// Session is the playable outcome of an accepted challenge. Exactly one
// session exists per challenge.
type Session struct {
	ID           string            `json:"id" db:"id"`
	ChallengeID  string            `json:"challengeId" db:"challenge_id"`
	ChallengerID string            `json:"challengerId" db:"challenger_id"`
	ChallengedID string            `json:"challengedId" db:"challenged_id"`
	GameType     string            `json:"gameType" db:"game_type"`
	State        SessionState      `json:"state" db:"state"`
	Metadata     map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time         `json:"createdAt" db:"created_at"`
	EndedAt      *time.Time        `json:"endedAt,omitempty" db:"ended_at"`
}

// Participant reports whether userID plays in this session.
func (s *Session) Participant(userID string) bool {
	return s.ChallengerID == userID || s.ChallengedID == userID
}

// OpponentOf returns the other participant's ID, or "" for a non-participant.
func (s *Session) OpponentOf(userID string) string {
	switch userID {
	case s.ChallengerID:
		return s.ChallengedID
	case s.ChallengedID:
		return s.ChallengerID
	}
	return ""
}

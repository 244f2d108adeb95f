package store

import (
	"context"
	"time"
)

// RecordStore is the durable system of record for users, challenges and
// sessions. It is the only component allowed to write challenge state, and
// every state write goes through the transition table.
//
// Get methods return (nil, nil) when the row does not exist. Guarded
// mutations return a Conflict fault when the row is not in a legal source
// state.
type RecordStore interface {
	// User operations. ListUsers returns active accounts only.
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	AddPushToken(ctx context.Context, userID, token string) error
	RemovePushToken(ctx context.Context, userID, token string) error

	// Challenge operations
	CreateChallenge(ctx context.Context, c *Challenge) error
	GetChallenge(ctx context.Context, id string, withParties bool) (*Challenge, error)
	ListPendingForUser(ctx context.Context, userID string) ([]*Challenge, error)
	UpdateChallengeState(ctx context.Context, id string, to ChallengeState) error
	IncrementAttempt(ctx context.Context, id string) (int, error)
	MarkExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Session operations. CreateSession inserts the session and moves its
	// challenge WAITING_RESPONSE -> ACTIVE in one transaction.
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByChallenge(ctx context.Context, challengeID string) (*Session, error)
	EndSession(ctx context.Context, id string, state SessionState, metadata map[string]string) error
	ListActiveForUser(ctx context.Context, userID string) ([]*Session, error)

	Ping(ctx context.Context) error
	Close()
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/playloop/rendezvous/coordinator/faults"
)

// MemoryStore is an in-memory RecordStore for tests and single-node dev
// runs. It enforces the same guards as PostgresStore.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]*User
	challenges map[string]*Challenge
	sessions   map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]*User),
		challenges: make(map[string]*Challenge),
		sessions:   make(map[string]*Session),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}

// --- User Operations ---

func (s *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Username == u.Username || existing.Email == u.Email {
			return faults.Errorf(faults.Conflict, "username or email already taken")
		}
	}
	s.users[u.ID] = copyUser(u)
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return copyUser(u), nil
}

func (s *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Username == username {
			return copyUser(u), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Email == email {
			return copyUser(u), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListUsers(ctx context.Context) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		if !u.Active {
			continue
		}
		result = append(result, copyUser(u))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Username < result[j].Username })
	return result, nil
}

func (s *MemoryStore) AddPushToken(ctx context.Context, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return faults.Errorf(faults.NotFound, "user %s not found", userID)
	}
	for _, t := range u.PushTokens {
		if t == token {
			return nil
		}
	}
	u.PushTokens = append(u.PushTokens, token)
	u.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) RemovePushToken(ctx context.Context, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return faults.Errorf(faults.NotFound, "user %s not found", userID)
	}
	kept := u.PushTokens[:0]
	for _, t := range u.PushTokens {
		if t != token {
			kept = append(kept, t)
		}
	}
	u.PushTokens = kept
	u.UpdatedAt = time.Now()
	return nil
}

// --- Challenge Operations ---

func (s *MemoryStore) CreateChallenge(ctx context.Context, c *Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.challenges[c.ID]; exists {
		return faults.Errorf(faults.Conflict, "challenge %s already exists", c.ID)
	}
	s.challenges[c.ID] = copyChallenge(c)
	return nil
}

func (s *MemoryStore) GetChallenge(ctx context.Context, id string, withParties bool) (*Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.challenges[id]
	if !ok {
		return nil, nil
	}
	out := copyChallenge(c)
	if withParties {
		if u, ok := s.users[c.ChallengerID]; ok {
			out.Challenger = copyUser(u)
		}
		if u, ok := s.users[c.ChallengedID]; ok {
			out.Challenged = copyUser(u)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListPendingForUser(ctx context.Context, userID string) ([]*Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Challenge
	for _, c := range s.challenges {
		if c.ChallengedID == userID && c.State == ChallengePending {
			result = append(result, copyChallenge(c))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) UpdateChallengeState(ctx context.Context, id string, to ChallengeState) error {
	if !to.Valid() {
		return faults.Errorf(faults.Validation, "unknown challenge state %q", to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok || !CanTransition(c.State, to) {
		return faults.Errorf(faults.Conflict, "challenge %s cannot move to %s", id, to)
	}
	c.State = to
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) IncrementAttempt(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return 0, faults.Errorf(faults.NotFound, "challenge %s not found", id)
	}
	c.WakeUpAttempts++
	c.UpdatedAt = time.Now()
	return c.WakeUpAttempts, nil
}

func (s *MemoryStore) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, c := range s.challenges {
		if c.State == ChallengePending && c.ExpiresAt.Before(now) {
			c.State = ChallengeExpired
			c.UpdatedAt = time.Now()
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	activeSessions := make(map[string]bool)
	for _, sess := range s.sessions {
		if sess.State == SessionActive {
			activeSessions[sess.ChallengeID] = true
		}
	}

	var count int64
	for id, c := range s.challenges {
		if !c.State.Terminal() || !c.UpdatedAt.Before(cutoff) || activeSessions[id] {
			continue
		}
		delete(s.challenges, id)
		for sid, sess := range s.sessions {
			if sess.ChallengeID == id {
				delete(s.sessions, sid)
			}
		}
		count++
	}
	return count, nil
}

// --- Session Operations ---

func (s *MemoryStore) CreateSession(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sessions {
		if existing.ChallengeID == sess.ChallengeID {
			return faults.Errorf(faults.Conflict, "challenge %s already has a session", sess.ChallengeID)
		}
	}
	c, ok := s.challenges[sess.ChallengeID]
	if !ok || c.State != ChallengeWaitingResponse {
		return faults.Errorf(faults.Conflict, "challenge %s is not awaiting a response", sess.ChallengeID)
	}

	c.State = ChallengeActive
	c.UpdatedAt = time.Now()
	s.sessions[sess.ID] = copySession(sess)
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return copySession(sess), nil
}

func (s *MemoryStore) GetSessionByChallenge(ctx context.Context, challengeID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sess := range s.sessions {
		if sess.ChallengeID == challengeID {
			return copySession(sess), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) EndSession(ctx context.Context, id string, state SessionState, metadata map[string]string) error {
	if !state.Terminal() {
		return faults.Errorf(faults.Validation, "%q is not a terminal session state", state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.State != SessionActive {
		return faults.Errorf(faults.Conflict, "session %s is not active", id)
	}
	sess.State = state
	if metadata != nil {
		sess.Metadata = copyMeta(metadata)
	}
	now := time.Now()
	sess.EndedAt = &now
	return nil
}

func (s *MemoryStore) ListActiveForUser(ctx context.Context, userID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Session
	for _, sess := range s.sessions {
		if sess.State == SessionActive && sess.Participant(userID) {
			result = append(result, copySession(sess))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

// --- Copy helpers. Callers must never see interior pointers. ---

func copyUser(u *User) *User {
	out := *u
	out.PushTokens = append([]string(nil), u.PushTokens...)
	return &out
}

func copyChallenge(c *Challenge) *Challenge {
	out := *c
	out.Metadata = copyMeta(c.Metadata)
	out.Challenger = nil
	out.Challenged = nil
	return &out
}

func copySession(sess *Session) *Session {
	out := *sess
	out.Metadata = copyMeta(sess.Metadata)
	if sess.EndedAt != nil {
		t := *sess.EndedAt
		out.EndedAt = &t
	}
	return &out
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

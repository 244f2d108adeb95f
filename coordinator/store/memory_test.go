package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playloop/rendezvous/coordinator/faults"
)

func seedUser(t *testing.T, s *MemoryStore, id, username string) *User {
	t.Helper()
	u := &User{
		ID:        id,
		Username:  username,
		Email:     username + "@example.com",
		Active:    true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func seedChallenge(t *testing.T, s *MemoryStore, id string, state ChallengeState) *Challenge {
	t.Helper()
	c := &Challenge{
		ID:           id,
		ChallengerID: "u1",
		ChallengedID: "u2",
		GameType:     "chess",
		State:        ChallengePending,
		ExpiresAt:    time.Now().Add(time.Hour),
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	require.NoError(t, s.CreateChallenge(context.Background(), c))
	for _, step := range pathTo(state) {
		require.NoError(t, s.UpdateChallengeState(context.Background(), id, step))
	}
	c.State = state
	return c
}

// pathTo walks the transition table from PENDING to the target state.
func pathTo(state ChallengeState) []ChallengeState {
	switch state {
	case ChallengePending:
		return nil
	case ChallengeNotifying:
		return []ChallengeState{ChallengeNotifying}
	case ChallengeWaitingResponse:
		return []ChallengeState{ChallengeNotifying, ChallengeWaitingResponse}
	case ChallengeDeclined:
		return []ChallengeState{ChallengeDeclined}
	case ChallengeExpired:
		return []ChallengeState{ChallengeExpired}
	case ChallengeTimeout:
		return []ChallengeState{ChallengeNotifying, ChallengeWaitingResponse, ChallengeTimeout}
	case ChallengeActive:
		return []ChallengeState{ChallengeNotifying, ChallengeWaitingResponse, ChallengeActive}
	}
	return nil
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(ChallengePending, ChallengeNotifying))
	assert.True(t, CanTransition(ChallengePending, ChallengeDeclined))
	assert.True(t, CanTransition(ChallengePending, ChallengeExpired))
	assert.True(t, CanTransition(ChallengeNotifying, ChallengeWaitingResponse))
	assert.True(t, CanTransition(ChallengeWaitingResponse, ChallengeActive))
	assert.True(t, CanTransition(ChallengeWaitingResponse, ChallengeDeclined))
	assert.True(t, CanTransition(ChallengeWaitingResponse, ChallengeTimeout))

	assert.False(t, CanTransition(ChallengePending, ChallengeWaitingResponse))
	assert.False(t, CanTransition(ChallengePending, ChallengeActive))
	assert.False(t, CanTransition(ChallengeNotifying, ChallengeExpired))
	assert.False(t, CanTransition(ChallengeActive, ChallengeDeclined))
	assert.False(t, CanTransition(ChallengeDeclined, ChallengePending))
	assert.False(t, CanTransition(ChallengeTimeout, ChallengeActive))
	assert.False(t, CanTransition(ChallengeExpired, ChallengeNotifying))
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []ChallengeState{ChallengeActive, ChallengeDeclined, ChallengeTimeout, ChallengeExpired} {
		assert.True(t, s.Terminal(), "state %s", s)
	}
	for _, s := range []ChallengeState{ChallengePending, ChallengeNotifying, ChallengeWaitingResponse} {
		assert.False(t, s.Terminal(), "state %s", s)
	}
	assert.False(t, ChallengeState("GARBAGE").Terminal())
}

func TestValidSources(t *testing.T) {
	assert.ElementsMatch(t, []ChallengeState{ChallengePending}, ValidSources(ChallengeExpired))
	assert.ElementsMatch(t, []ChallengeState{ChallengeWaitingResponse}, ValidSources(ChallengeActive))
	assert.ElementsMatch(t,
		[]ChallengeState{ChallengePending, ChallengeWaitingResponse},
		ValidSources(ChallengeDeclined))
	assert.Empty(t, ValidSources(ChallengePending))
}

func TestCreateUserConflicts(t *testing.T) {
	s := NewMemoryStore()
	seedUser(t, s, "u1", "ada")

	err := s.CreateUser(context.Background(), &User{ID: "u2", Username: "ada", Email: "other@example.com"})
	assert.True(t, faults.Is(err, faults.Conflict))

	err = s.CreateUser(context.Background(), &User{ID: "u3", Username: "grace", Email: "ada@example.com"})
	assert.True(t, faults.Is(err, faults.Conflict))
}

func TestLookupByEmailAndUsername(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, s, "u1", "ada")

	u, err := s.GetUserByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "u1", u.ID)

	u, err = s.GetUserByEmail(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, u)

	u, err = s.GetUserByUsername(ctx, "ada")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "u1", u.ID)
}

func TestListUsersSkipsInactive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, s, "u1", "ada")
	seedUser(t, s, "u2", "grace")
	require.NoError(t, s.CreateUser(ctx, &User{ID: "u3", Username: "zed", Email: "zed@example.com"}))

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "ada", users[0].Username)
	assert.Equal(t, "grace", users[1].Username)
}

func TestUpdateChallengeStateGuards(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedChallenge(t, s, "c1", ChallengePending)

	require.NoError(t, s.UpdateChallengeState(ctx, "c1", ChallengeNotifying))
	require.NoError(t, s.UpdateChallengeState(ctx, "c1", ChallengeWaitingResponse))

	// Skipping a stage is rejected.
	err := s.UpdateChallengeState(ctx, "c1", ChallengeExpired)
	assert.True(t, faults.Is(err, faults.Conflict))

	require.NoError(t, s.UpdateChallengeState(ctx, "c1", ChallengeDeclined))

	// Terminal rows never move again.
	for _, to := range []ChallengeState{ChallengePending, ChallengeNotifying, ChallengeActive, ChallengeTimeout} {
		err := s.UpdateChallengeState(ctx, "c1", to)
		assert.True(t, faults.Is(err, faults.Conflict), "move to %s", to)
	}

	err = s.UpdateChallengeState(ctx, "missing", ChallengeNotifying)
	assert.True(t, faults.Is(err, faults.Conflict))

	err = s.UpdateChallengeState(ctx, "c1", ChallengeState("GARBAGE"))
	assert.True(t, faults.Is(err, faults.Validation))
}

func TestCreateSessionActivatesChallenge(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedChallenge(t, s, "c1", ChallengeWaitingResponse)

	sess := &Session{
		ID: "s1", ChallengeID: "c1", ChallengerID: "u1", ChallengedID: "u2",
		GameType: "chess", State: SessionActive, CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateSession(ctx, sess))

	c, err := s.GetChallenge(ctx, "c1", false)
	require.NoError(t, err)
	assert.Equal(t, ChallengeActive, c.State)

	got, err := s.GetSessionByChallenge(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.ID)

	// Second session for the same challenge is a conflict.
	err = s.CreateSession(ctx, &Session{ID: "s2", ChallengeID: "c1", State: SessionActive})
	assert.True(t, faults.Is(err, faults.Conflict))
}

func TestCreateSessionRequiresWaitingChallenge(t *testing.T) {
	s := NewMemoryStore()
	seedChallenge(t, s, "c1", ChallengePending)

	err := s.CreateSession(context.Background(), &Session{ID: "s1", ChallengeID: "c1", State: SessionActive})
	assert.True(t, faults.Is(err, faults.Conflict))

	// Challenge must stay untouched on failure.
	c, _ := s.GetChallenge(context.Background(), "c1", false)
	assert.Equal(t, ChallengePending, c.State)
}

func TestEndSessionOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedChallenge(t, s, "c1", ChallengeWaitingResponse)
	require.NoError(t, s.CreateSession(ctx, &Session{
		ID: "s1", ChallengeID: "c1", ChallengerID: "u1", ChallengedID: "u2",
		State: SessionActive, CreatedAt: time.Now(),
	}))

	require.NoError(t, s.EndSession(ctx, "s1", SessionCompleted, map[string]string{"winner": "u1"}))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, got.State)
	assert.NotNil(t, got.EndedAt)
	assert.Equal(t, "u1", got.Metadata["winner"])

	err = s.EndSession(ctx, "s1", SessionAbandoned, nil)
	assert.True(t, faults.Is(err, faults.Conflict))

	err = s.EndSession(ctx, "s1", SessionActive, nil)
	assert.True(t, faults.Is(err, faults.Validation))
}

func TestMarkExpiredOnlyTouchesPending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	stale := &Challenge{ID: "stale", ChallengerID: "u1", ChallengedID: "u2", State: ChallengePending, ExpiresAt: past, CreatedAt: past, UpdatedAt: past}
	fresh := &Challenge{ID: "fresh", ChallengerID: "u1", ChallengedID: "u2", State: ChallengePending, ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.CreateChallenge(ctx, stale))
	require.NoError(t, s.CreateChallenge(ctx, fresh))

	// Past its deadline but already in flight, so the sweep must skip it.
	waiting := &Challenge{ID: "waiting", ChallengerID: "u1", ChallengedID: "u2", State: ChallengePending, ExpiresAt: past, CreatedAt: past, UpdatedAt: past}
	require.NoError(t, s.CreateChallenge(ctx, waiting))
	require.NoError(t, s.UpdateChallengeState(ctx, "waiting", ChallengeNotifying))
	require.NoError(t, s.UpdateChallengeState(ctx, "waiting", ChallengeWaitingResponse))

	count, err := s.MarkExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	got, _ := s.GetChallenge(ctx, "stale", false)
	assert.Equal(t, ChallengeExpired, got.State)
	got, _ = s.GetChallenge(ctx, "fresh", false)
	assert.Equal(t, ChallengePending, got.State)
	got, _ = s.GetChallenge(ctx, "waiting", false)
	assert.Equal(t, ChallengeWaitingResponse, got.State)

	// Second sweep finds nothing.
	count, err = s.MarkExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDeleteTerminalSparesActiveSessions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	seedChallenge(t, s, "declined", ChallengeDeclined)
	seedChallenge(t, s, "live", ChallengeWaitingResponse)
	require.NoError(t, s.CreateSession(ctx, &Session{
		ID: "s1", ChallengeID: "live", ChallengerID: "u1", ChallengedID: "u2",
		State: SessionActive, CreatedAt: time.Now(),
	}))
	seedChallenge(t, s, "pending", ChallengePending)

	// Cutoff in the future catches everything old enough.
	count, err := s.DeleteTerminalOlderThan(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	got, _ := s.GetChallenge(ctx, "declined", false)
	assert.Nil(t, got)
	got, _ = s.GetChallenge(ctx, "live", false)
	assert.NotNil(t, got)
	got, _ = s.GetChallenge(ctx, "pending", false)
	assert.NotNil(t, got)
}

func TestPushTokenIdempotence(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, s, "u1", "ada")

	require.NoError(t, s.AddPushToken(ctx, "u1", "tok-a"))
	require.NoError(t, s.AddPushToken(ctx, "u1", "tok-a"))
	require.NoError(t, s.AddPushToken(ctx, "u1", "tok-b"))

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-a", "tok-b"}, u.PushTokens)

	require.NoError(t, s.RemovePushToken(ctx, "u1", "tok-a"))
	require.NoError(t, s.RemovePushToken(ctx, "u1", "tok-a"))
	u, _ = s.GetUser(ctx, "u1")
	assert.Equal(t, []string{"tok-b"}, u.PushTokens)

	err = s.AddPushToken(ctx, "ghost", "tok")
	assert.True(t, faults.Is(err, faults.NotFound))
}

func TestIncrementAttempt(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedChallenge(t, s, "c1", ChallengePending)

	n, err := s.IncrementAttempt(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.IncrementAttempt(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.IncrementAttempt(ctx, "missing")
	assert.True(t, faults.Is(err, faults.NotFound))
}

func TestListPendingNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	older := &Challenge{ID: "old", ChallengerID: "u1", ChallengedID: "u2", State: ChallengePending,
		ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now().Add(-time.Minute)}
	newer := &Challenge{ID: "new", ChallengerID: "u3", ChallengedID: "u2", State: ChallengePending,
		ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now()}
	require.NoError(t, s.CreateChallenge(ctx, older))
	require.NoError(t, s.CreateChallenge(ctx, newer))

	list, err := s.ListPendingForUser(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[1].ID)

	list, err = s.ListPendingForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCopiesDoNotAlias(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, s, "u1", "ada")
	require.NoError(t, s.AddPushToken(ctx, "u1", "tok-a"))

	u, _ := s.GetUser(ctx, "u1")
	u.PushTokens[0] = "mutated"

	again, _ := s.GetUser(ctx, "u1")
	assert.Equal(t, []string{"tok-a"}, again.PushTokens)
}

package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playloop/rendezvous/coordinator/faults"
	"github.com/playloop/rendezvous/coordinator/push"
	"github.com/playloop/rendezvous/coordinator/store"
)

// --- fakes ---

type emitted struct {
	UserID  string
	Event   string
	Payload any
}

type fakeNotifier struct {
	mu       sync.Mutex
	events   []emitted
	sessions []emitted
}

func (f *fakeNotifier) Emit(ctx context.Context, userID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{UserID: userID, Event: event, Payload: payload})
}

func (f *fakeNotifier) EmitSession(ctx context.Context, sessionID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, emitted{UserID: sessionID, Event: event, Payload: payload})
}

func (f *fakeNotifier) byEvent(event string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeNotifier) sessionEvents() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.sessions...)
}

func (f *fakeNotifier) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
	f.sessions = nil
}

type timeoutRef struct {
	ChallengeID string
	Attempt     int
	After       time.Duration
}

type fakeTimeouts struct {
	mu        sync.Mutex
	scheduled []timeoutRef
	cancelled []timeoutRef
	err       error
}

func (f *fakeTimeouts) ScheduleTimeout(ctx context.Context, challengeID string, attempt int, after time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.scheduled = append(f.scheduled, timeoutRef{challengeID, attempt, after})
	return nil
}

func (f *fakeTimeouts) CancelTimeout(ctx context.Context, challengeID string, attempt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, timeoutRef{ChallengeID: challengeID, Attempt: attempt})
	return nil
}

func (f *fakeTimeouts) all() []timeoutRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]timeoutRef(nil), f.scheduled...)
}

func (f *fakeTimeouts) cancels() []timeoutRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]timeoutRef(nil), f.cancelled...)
}

func (f *fakeTimeouts) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeTimeouts) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = nil
	f.cancelled = nil
}

// flakyRecords fails reads while trip is positive, then delegates.
type flakyRecords struct {
	store.RecordStore
	mu   sync.Mutex
	trip int
}

func (f *flakyRecords) GetChallenge(ctx context.Context, id string, withParties bool) (*store.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trip > 0 {
		f.trip--
		return nil, context.DeadlineExceeded
	}
	return f.RecordStore.GetChallenge(ctx, id, withParties)
}

type pushCall struct {
	UserID  string
	Payload push.Payload
}

type fakePush struct {
	mu     sync.Mutex
	sent   []pushCall
	result bool
}

func (f *fakePush) Send(ctx context.Context, userID string, payload push.Payload) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, pushCall{UserID: userID, Payload: payload})
	return f.result
}

func (f *fakePush) calls() []pushCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pushCall(nil), f.sent...)
}

func (f *fakePush) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
	err    error
}

func (f *fakePresence) IsOnline(ctx context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.online[userID], nil
}

func (f *fakePresence) set(userID string, online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[userID] = online
}

// --- harness ---

type env struct {
	orch     *Orchestrator
	cfg      Config
	records  *store.MemoryStore
	shared   *store.SharedStore
	clock    *clockwork.FakeClock
	notifier *fakeNotifier
	timeouts *fakeTimeouts
	push     *fakePush
	presence *fakePresence
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	shared, err := store.NewSharedStore(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { shared.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	e := &env{
		cfg: Config{
			ChallengeExpiration: time.Hour,
			HandshakeTimeout:    30 * time.Second,
			MaxRetryAttempts:    3,
			LockTTL:             10 * time.Second,
			LockAcquireWait:     0,
			RetentionDays:       30,
		},
		records:  store.NewMemoryStore(),
		shared:   shared,
		clock:    clockwork.NewFakeClockAt(time.Now()),
		notifier: &fakeNotifier{},
		timeouts: &fakeTimeouts{},
		push:     &fakePush{result: true},
		presence: &fakePresence{online: make(map[string]bool)},
	}
	e.orch = New(Deps{
		Records:  e.records,
		Shared:   e.shared,
		Presence: e.presence,
		Notifier: e.notifier,
		Timeouts: e.timeouts,
		Push:     e.push,
	}, e.cfg, e.clock, logrus.NewEntry(log))
	return e
}

// orchWith builds a second orchestrator over the same fakes with a swapped
// record store.
func (e *env) orchWith(records store.RecordStore) *Orchestrator {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(Deps{
		Records:  records,
		Shared:   e.shared,
		Presence: e.presence,
		Notifier: e.notifier,
		Timeouts: e.timeouts,
		Push:     e.push,
	}, e.cfg, e.clock, logrus.NewEntry(log))
}

func (e *env) seedUser(t *testing.T, id, username string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, e.records.CreateUser(context.Background(), &store.User{
		ID:        id,
		Username:  username,
		Email:     username + "@example.com",
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

// pendingChallenge seeds alice (ua, challenger) and bob (ub, challenged)
// and creates a challenge between them, clearing the creation noise from
// the fakes.
func (e *env) pendingChallenge(t *testing.T) *store.Challenge {
	t.Helper()
	e.seedUser(t, "ua", "alice")
	e.seedUser(t, "ub", "bob")
	c, err := e.orch.CreateChallenge(context.Background(), "ua", "ub", "Chess", nil)
	require.NoError(t, err)
	e.notifier.reset()
	e.push.reset()
	return c
}

func (e *env) challengeState(t *testing.T, id string) store.ChallengeState {
	t.Helper()
	c, err := e.records.GetChallenge(context.Background(), id, false)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c.State
}

// --- creation ---

func TestCreateChallenge(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "ua", "alice")
	e.seedUser(t, "ub", "bob")

	ctx := context.Background()
	c, err := e.orch.CreateChallenge(ctx, "ua", "ub", "Backgammon", map[string]string{"stakes": "low"})
	require.NoError(t, err)

	assert.Equal(t, store.ChallengePending, c.State)
	assert.Equal(t, "ua", c.ChallengerID)
	assert.Equal(t, "ub", c.ChallengedID)
	assert.Equal(t, 0, c.WakeUpAttempts)
	assert.Equal(t, e.clock.Now().Add(time.Hour), c.ExpiresAt)
	assert.Equal(t, "low", c.Metadata["stakes"])

	stored, err := e.records.GetChallenge(ctx, c.ID, false)
	require.NoError(t, err)
	require.NotNil(t, stored)

	// the challenged user hears about it on both paths
	received := e.notifier.byEvent(EventChallengeReceived)
	require.Len(t, received, 1)
	assert.Equal(t, "ub", received[0].UserID)
	payload := received[0].Payload.(ChallengeReceivedEvent)
	assert.Equal(t, c.ID, payload.ChallengeID)
	assert.Equal(t, UserRef{ID: "ua", Username: "alice"}, payload.Challenger)

	pushes := e.push.calls()
	require.Len(t, pushes, 1)
	assert.Equal(t, "ub", pushes[0].UserID)
	assert.Equal(t, c.ID, pushes[0].Payload.Data["challengeId"])
}

func TestCreateChallengeSelf(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "ua", "alice")

	_, err := e.orch.CreateChallenge(context.Background(), "ua", "ua", "Chess", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSelfChallenge))
	assert.True(t, faults.Is(err, faults.Validation))
}

func TestCreateChallengeUnknownOpponent(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "ua", "alice")

	_, err := e.orch.CreateChallenge(context.Background(), "ua", "ghost", "Chess", nil)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.NotFound))
}

func TestCreateChallengeNeedsGameType(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "ua", "alice")
	e.seedUser(t, "ub", "bob")

	_, err := e.orch.CreateChallenge(context.Background(), "ua", "ub", "", nil)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Validation))
}

// --- accept ---

func TestAcceptNotifiesOnlineChallenger(t *testing.T) {
	e := newEnv(t)
	c := e.pendingChallenge(t)
	e.presence.set("ua", true)

	ctx := context.Background()
	res, err := e.orch.InitiateHandshake(ctx, c.ID, "ub")
	require.NoError(t, err)

	assert.Equal(t, store.ChallengeWaitingResponse, res.State)
	assert.True(t, res.PlayerNotified)
	assert.Equal(t, store.ChallengeWaitingResponse, e.challengeState(t, c.ID))

	got, err := e.records.GetChallenge(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, got.WakeUpAttempts)

	// wake-up went to the challenger, naming the accepting party
	wakeups := e.notifier.byEvent(EventWakeUp)
	require.Len(t, wakeups, 1)
	assert.Equal(t, "ua", wakeups[0].UserID)
	payload := wakeups[0].Payload.(WakeUpEvent)
	assert.Equal(t, UserRef{ID: "ub", Username: "bob"}, payload.Challenger)

	// push fires regardless of presence
	pushes := e.push.calls()
	require.Len(t, pushes, 1)
	assert.Equal(t, "ua", pushes[0].UserID)

	// and the response window is armed
	scheduled := e.timeouts.all()
	require.Len(t, scheduled, 1)
	assert.Equal(t, timeoutRef{c.ID, 1, 30 * time.Second}, scheduled[0])
}

func TestAcceptOfflineChallengerGetsPushOnly(t *testing.T) {
	e := newEnv(t)
	c := e.pendingChallenge(t)

	res, err := e.orch.InitiateHandshake(context.Background(), c.ID, "ub")
	require.NoError(t, err)

	assert.Equal(t, store.ChallengeWaitingResponse, res.State)
	assert.True(t, res.PlayerNotified, "push delivery counts as notified")
	assert.Empty(t, e.notifier.byEvent(EventWakeUp))
	assert.Len(t, e.push.calls(), 1)
}

func TestAcceptUnreachableChallenger(t *testing.T) {
	e := newEnv(t)
	c := e.pendingChallenge(t)
	e.push.result = false

	res, err := e.orch.InitiateHandshake(context.Background(), c.ID, "ub")
	require.NoError(t, err)

	// the window still opens so the timeout loop can keep trying
	assert.Equal(t, store.ChallengeWaitingResponse, res.State)
	assert.False(t, res.PlayerNotified)
	assert.Len(t, e.timeouts.all(), 1)
}

func TestAcceptByWrongUser(t *testing.T) {
	e := newEnv(t)
	c := e.pendingChallenge(t)

	_, err := e.orch.InitiateHandshake(context.Background(), c.ID, "ua")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Forbidden))
	assert.Equal(t, store.ChallengePending, e.challengeState(t, c.ID))
}

func TestAcceptUnknownChallenge(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "ub", "bob")

	_, err := e.orch.InitiateHandshake(context.Background(), "nope", "ub")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.NotFound))
}

func TestAcceptTwiceConflicts(t *testing.T) {
	e := newEnv(t)
	c := e.pendingChallenge(t)

	_, err := e.orch.InitiateHandshake(context.Background(), c.ID, "ub")
	require.NoError(t, err)

	_, err = e.orch.InitiateHandshake(context.Background(), c.ID, "ub")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Conflict))

	got, err := e.records.GetChallenge(context.Background(), c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, got.WakeUpAttempts, "losing accept must not move the counter")
	assert.Len(t, e.timeouts.all(), 1)
}

func TestConcurrentAcceptsSerialize(t *testing.T) {
	e := newEnv(t)
	c := e.pendingChallenge(t)

	// real clock so the lock wait actually spins
	e.orch.clock = clockwork.NewRealClock()
	e.orch.cfg.LockAcquireWait = 2 * time.Second

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.orch.InitiateHandshake(context.Background(), c.ID, "ub")
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case faults.Is(err, faults.Conflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	got, err := e.records.GetChallenge(context.Background(), c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, store.ChallengeWaitingResponse, got.State)
	assert.Equal(t, 1, got.WakeUpAttempts)
	assert.Len(t, e.timeouts.all(), 1)
}

func TestBusyLockSurfacesTransient(t *testing.T) {
	e := newEnv(t)
	c := e.pendingChallenge(t)

	ctx := context.Background()
	ok, err := e.shared.AcquireLock(ctx, store.ChallengeLockKey(c.ID), "another-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = e.orch.InitiateHandshake(ctx, c.ID, "ub")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Transient))
}

func TestAcceptFailedArmKeepsWindowClosed(t *testing.T) {
	e := newEnv(t)
	c := e.pendingChallenge(t)
	e.timeouts.fail(errors.New("queue unavailable"))

	_, err := e.orch.InitiateHandshake(context.Background(), c.ID, "ub")
	require.Error(t, err)

	// the window may not open without a deadline armed behind it
	got, err := e.records.GetChallenge(context.Background(), c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, store.ChallengeNotifying, got.State)
	assert.Equal(t, 0, got.WakeUpAttempts)
	assert.Empty(t, e.timeouts.all())
}

// --- wake-up response ---

func acceptedChallenge(t *testing.T, e *env) *store.Challenge {
	t.Helper()
	c := e.pendingChallenge(t)
	_, err := e.orch.InitiateHandshake(context.Background(), c.ID, "ub")
	require.NoError(t, err)
	e.notifier.reset()
	e.push.reset()
	e.timeouts.reset()
	return c
}

func TestRespondAcceptCreatesSession(t *testing.T) {
	e := newEnv(t)
	c := acceptedChallenge(t, e)

	ctx := context.Background()
	res, err := e.orch.HandleWakeUpResponse(ctx, c.ID, "ua", ResponseAccept)
	require.NoError(t, err)

	assert.Equal(t, ActionSessionCreated, res.Action)
	require.NotEmpty(t, res.SessionID)

	sess, err := e.records.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, store.SessionActive, sess.State)
	assert.Equal(t, c.ID, sess.ChallengeID)
	assert.Equal(t, "ua", sess.ChallengerID)
	assert.Equal(t, "ub", sess.ChallengedID)

	assert.Equal(t, store.ChallengeActive, e.challengeState(t, c.ID))

	// the armed timeout was cancelled
	cancels := e.timeouts.cancels()
	require.Len(t, cancels, 1)
	assert.Equal(t, c.ID, cancels[0].ChallengeID)
	assert.Equal(t, 1, cancels[0].Attempt)

	// both parties hear about the session, each with the other as opponent
	ready := e.notifier.byEvent(EventSessionReady)
	require.Len(t, ready, 2)
	byUser := map[string]SessionReadyEvent{}
	for _, ev := range ready {
		byUser[ev.UserID] = ev.Payload.(SessionReadyEvent)
	}
	require.Contains(t, byUser, "ua")
	require.Contains(t, byUser, "ub")
	assert.Equal(t, UserRef{ID: "ub", Username: "bob"}, byUser["ua"].Opponent)
	assert.Equal(t, UserRef{ID: "ua", Username: "alice"}, byUser["ub"].Opponent)
	assert.Equal(t, res.SessionID, byUser["ua"].SessionID)
}

func TestRespondDecline(t *testing.T) {
	e := newEnv(t)
	c := acceptedChallenge(t, e)

	res, err := e.orch.HandleWakeUpResponse(context.Background(), c.ID, "ua", ResponseDecline)
	require.NoError(t, err)

	assert.Equal(t, ActionDeclined, res.Action)
	assert.Empty(t, res.SessionID)
	assert.Equal(t, store.ChallengeDeclined, e.challengeState(t, c.ID))

	// only the waiting challenged party is told
	declined := e.notifier.byEvent(EventChallengeDeclined)
	require.Len(t, declined, 1)
	assert.Equal(t, "ub", declined[0].UserID)
	payload := declined[0].Payload.(ChallengeDeclinedEvent)
	assert.Equal(t, "ua", payload.DeclinedBy)

	require.Len(t, e.timeouts.cancels(), 1)
}

func TestRespondByWrongUser(t *testing.T) {
	e := newEnv(t)
	c := acceptedChallenge(t, e)

	_, err := e.orch.HandleWakeUpResponse(context.Background(), c.ID, "ub", ResponseAccept)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Forbidden))
	assert.Equal(t, store.ChallengeWaitingResponse, e.challengeState(t, c.ID))
}

func TestRespondBeforeAccept(t *testing.T) {
	e := newEnv(t)
	c := e.pendingChallenge(t)

	_, err := e.orch.HandleWakeUpResponse(context.Background(), c.ID, "ua", ResponseAccept)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Conflict))
}

func TestParseResponse(t *testing.T) {
	r, err := ParseResponse("ACCEPT")
	require.NoError(t, err)
	assert.Equal(t, ResponseAccept, r)

	r, err = ParseResponse("DECLINE")
	require.NoError(t, err)
	assert.Equal(t, ResponseDecline, r)

	for _, bad := range []string{"", "accept", "YES", "MAYBE"} {
		_, err := ParseResponse(bad)
		assert.Truef(t, faults.Is(err, faults.Validation), "%q must be rejected", bad)
	}
}

// --- timeout and retry ---

func TestTimeoutRetriesThenGivesUp(t *testing.T) {
	e := newEnv(t)
	c := acceptedChallenge(t, e)
	e.presence.set("ua", true)

	ctx := context.Background()

	// first window elapses: resend and arm attempt 2
	require.NoError(t, e.orch.HandleTimeout(ctx, c.ID, 1))
	got, err := e.records.GetChallenge(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, store.ChallengeWaitingResponse, got.State)
	assert.Equal(t, 2, got.WakeUpAttempts)
	assert.Len(t, e.notifier.byEvent(EventWakeUp), 1)
	assert.Len(t, e.push.calls(), 1)

	// second window elapses: resend and arm attempt 3
	require.NoError(t, e.orch.HandleTimeout(ctx, c.ID, 2))
	got, err = e.records.GetChallenge(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 3, got.WakeUpAttempts)

	scheduled := e.timeouts.all()
	require.Len(t, scheduled, 2)
	assert.Equal(t, timeoutRef{c.ID, 2, 30 * time.Second}, scheduled[0])
	assert.Equal(t, timeoutRef{c.ID, 3, 30 * time.Second}, scheduled[1])

	// final window elapses: give up
	require.NoError(t, e.orch.HandleTimeout(ctx, c.ID, 3))
	assert.Equal(t, store.ChallengeTimeout, e.challengeState(t, c.ID))
	assert.Len(t, e.timeouts.all(), 2, "no further attempt may be armed")

	timeouts := e.notifier.byEvent(EventChallengeTimeout)
	require.Len(t, timeouts, 1)
	assert.Equal(t, "ub", timeouts[0].UserID)

	// a late answer bounces off the terminal state
	_, err = e.orch.HandleWakeUpResponse(ctx, c.ID, "ua", ResponseAccept)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Conflict))
}

func TestTimeoutAttemptsNeverExceedLimit(t *testing.T) {
	e := newEnv(t)
	c := acceptedChallenge(t, e)

	ctx := context.Background()
	for _, attempt := range []int{1, 2, 3, 3, 2, 1} {
		require.NoError(t, e.orch.HandleTimeout(ctx, c.ID, attempt))
	}

	got, err := e.records.GetChallenge(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, store.ChallengeTimeout, got.State)
	assert.Equal(t, 3, got.WakeUpAttempts)
}

func TestTimeoutStaleAttemptFizzles(t *testing.T) {
	e := newEnv(t)
	c := acceptedChallenge(t, e)

	ctx := context.Background()
	require.NoError(t, e.orch.HandleTimeout(ctx, c.ID, 1))
	e.notifier.reset()
	e.push.reset()

	// a redelivered attempt-1 job arrives after attempt 2 is armed
	require.NoError(t, e.orch.HandleTimeout(ctx, c.ID, 1))

	got, err := e.records.GetChallenge(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, got.WakeUpAttempts, "stale delivery must not advance the counter")
	assert.Empty(t, e.push.calls(), "stale delivery must not resend")
}

func TestTimeoutAfterResponseFizzles(t *testing.T) {
	e := newEnv(t)
	c := acceptedChallenge(t, e)

	ctx := context.Background()
	res, err := e.orch.HandleWakeUpResponse(ctx, c.ID, "ua", ResponseAccept)
	require.NoError(t, err)

	// the uncancelled job fires anyway
	require.NoError(t, e.orch.HandleTimeout(ctx, c.ID, 1))

	assert.Equal(t, store.ChallengeActive, e.challengeState(t, c.ID))
	sess, err := e.records.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionActive, sess.State)
}

func TestTimeoutForMissingChallenge(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.orch.HandleTimeout(context.Background(), "gone", 1))
}

func TestTimeoutSurvivesStoreBlip(t *testing.T) {
	e := newEnv(t)
	c := acceptedChallenge(t, e)
	orch := e.orchWith(&flakyRecords{RecordStore: e.records, trip: 1})

	// the blip surfaces as Transient, which the scheduler redelivers
	ctx := context.Background()
	err := orch.HandleTimeout(ctx, c.ID, 1)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Transient))
	assert.Equal(t, store.ChallengeWaitingResponse, e.challengeState(t, c.ID))

	// the redelivered job picks the chain back up and runs it to the end
	require.NoError(t, orch.HandleTimeout(ctx, c.ID, 1))
	require.NoError(t, orch.HandleTimeout(ctx, c.ID, 2))
	require.NoError(t, orch.HandleTimeout(ctx, c.ID, 3))
	assert.Equal(t, store.ChallengeTimeout, e.challengeState(t, c.ID))
	assert.Len(t, e.notifier.byEvent(EventChallengeTimeout), 1)
}

func TestTimeoutRearmFailureRepairable(t *testing.T) {
	e := newEnv(t)
	c := acceptedChallenge(t, e)
	e.timeouts.fail(errors.New("queue unavailable"))

	// arming attempt 2 fails after the resend; the counter must hold so
	// the redelivered job still matches
	ctx := context.Background()
	err := e.orch.HandleTimeout(ctx, c.ID, 1)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Transient))

	got, err := e.records.GetChallenge(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, got.WakeUpAttempts)

	e.timeouts.fail(nil)
	require.NoError(t, e.orch.HandleTimeout(ctx, c.ID, 1))

	got, err = e.records.GetChallenge(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, got.WakeUpAttempts)
	scheduled := e.timeouts.all()
	require.Len(t, scheduled, 1)
	assert.Equal(t, timeoutRef{c.ID, 2, 30 * time.Second}, scheduled[0])
}

func TestTimeoutProceedsWhenCounterLags(t *testing.T) {
	e := newEnv(t)
	c := acceptedChallenge(t, e)

	// the counter lags when an increment was lost; a job one ahead is
	// live, not stale
	ctx := context.Background()
	require.NoError(t, e.orch.HandleTimeout(ctx, c.ID, 2))

	assert.Len(t, e.push.calls(), 1)
	got, err := e.records.GetChallenge(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, got.WakeUpAttempts)
	scheduled := e.timeouts.all()
	require.Len(t, scheduled, 1)
	assert.Equal(t, timeoutRef{c.ID, 3, 30 * time.Second}, scheduled[0])
}

// --- decline of a pending challenge ---

func TestDeclinePending(t *testing.T) {
	e := newEnv(t)
	c := e.pendingChallenge(t)

	ctx := context.Background()
	require.NoError(t, e.orch.DeclineByChallenged(ctx, c.ID, "ub"))
	assert.Equal(t, store.ChallengeDeclined, e.challengeState(t, c.ID))

	// the challenger hears who killed it
	declined := e.notifier.byEvent(EventChallengeDeclined)
	require.Len(t, declined, 1)
	assert.Equal(t, "ua", declined[0].UserID)
	assert.Equal(t, "ub", declined[0].Payload.(ChallengeDeclinedEvent).DeclinedBy)

	// accepting a declined challenge is a conflict
	_, err := e.orch.InitiateHandshake(ctx, c.ID, "ub")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Conflict))
}

func TestDeclineByWrongUser(t *testing.T) {
	e := newEnv(t)
	c := e.pendingChallenge(t)

	err := e.orch.DeclineByChallenged(context.Background(), c.ID, "ua")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Forbidden))
	assert.Equal(t, store.ChallengePending, e.challengeState(t, c.ID))
}

func TestDeclineAfterAccept(t *testing.T) {
	e := newEnv(t)
	c := acceptedChallenge(t, e)

	err := e.orch.DeclineByChallenged(context.Background(), c.ID, "ub")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Conflict))
}

// --- sessions ---

func activeSession(t *testing.T, e *env) *store.Session {
	t.Helper()
	c := acceptedChallenge(t, e)
	res, err := e.orch.HandleWakeUpResponse(context.Background(), c.ID, "ua", ResponseAccept)
	require.NoError(t, err)
	sess, err := e.records.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	return sess
}

func TestEndSession(t *testing.T) {
	e := newEnv(t)
	sess := activeSession(t, e)

	ctx := context.Background()
	ended, err := e.orch.EndSession(ctx, sess.ID, "ub", store.SessionCompleted, map[string]string{"winner": "ub"})
	require.NoError(t, err)

	assert.Equal(t, store.SessionCompleted, ended.State)
	require.NotNil(t, ended.EndedAt)
	assert.Equal(t, "ub", ended.Metadata["winner"])

	broadcast := e.notifier.sessionEvents()
	require.Len(t, broadcast, 1)
	assert.Equal(t, sess.ID, broadcast[0].UserID)
	assert.Equal(t, EventSessionEnded, broadcast[0].Event)
	ev := broadcast[0].Payload.(SessionEndedEvent)
	assert.Equal(t, "ub", ev.EndedBy)
	assert.Equal(t, store.SessionCompleted, ev.State)
}

func TestEndSessionByOutsider(t *testing.T) {
	e := newEnv(t)
	sess := activeSession(t, e)
	e.seedUser(t, "uc", "carol")

	_, err := e.orch.EndSession(context.Background(), sess.ID, "uc", store.SessionAbandoned, nil)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Forbidden))
}

func TestEndSessionTwice(t *testing.T) {
	e := newEnv(t)
	sess := activeSession(t, e)

	ctx := context.Background()
	_, err := e.orch.EndSession(ctx, sess.ID, "ua", store.SessionAbandoned, nil)
	require.NoError(t, err)

	_, err = e.orch.EndSession(ctx, sess.ID, "ub", store.SessionCompleted, nil)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Conflict))
}

func TestEndSessionBadState(t *testing.T) {
	e := newEnv(t)
	sess := activeSession(t, e)

	_, err := e.orch.EndSession(context.Background(), sess.ID, "ua", store.SessionActive, nil)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Validation))
}

func TestEndSessionMissing(t *testing.T) {
	e := newEnv(t)
	_, err := e.orch.EndSession(context.Background(), "nope", "ua", store.SessionCompleted, nil)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.NotFound))
}

// --- cleanup ---

func TestCleanupExpiresStalePending(t *testing.T) {
	e := newEnv(t)
	c := e.pendingChallenge(t)

	ctx := context.Background()
	require.NoError(t, e.orch.RunCleanup(ctx))
	assert.Equal(t, store.ChallengePending, e.challengeState(t, c.ID), "fresh challenges stay")

	e.clock.Advance(time.Hour + time.Second)
	require.NoError(t, e.orch.RunCleanup(ctx))
	assert.Equal(t, store.ChallengeExpired, e.challengeState(t, c.ID))
}

func TestCleanupLeavesAcceptedChallengesAlone(t *testing.T) {
	e := newEnv(t)
	c := acceptedChallenge(t, e)

	e.clock.Advance(2 * time.Hour)
	require.NoError(t, e.orch.RunCleanup(context.Background()))
	assert.Equal(t, store.ChallengeWaitingResponse, e.challengeState(t, c.ID))
}

func TestCleanupPrunesOldTerminal(t *testing.T) {
	e := newEnv(t)
	c := e.pendingChallenge(t)
	ctx := context.Background()
	require.NoError(t, e.orch.DeclineByChallenged(ctx, c.ID, "ub"))

	e.clock.Advance(31 * 24 * time.Hour)
	require.NoError(t, e.orch.RunCleanup(ctx))

	got, err := e.records.GetChallenge(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCleanupSparesActiveSessions(t *testing.T) {
	e := newEnv(t)
	sess := activeSession(t, e)

	ctx := context.Background()
	e.clock.Advance(31 * 24 * time.Hour)
	require.NoError(t, e.orch.RunCleanup(ctx))

	got, err := e.records.GetChallenge(ctx, sess.ChallengeID, false)
	require.NoError(t, err)
	require.NotNil(t, got, "a challenge with a live session must survive retention")
}

// --- idempotency cache ---

func TestIdempotencyCache(t *testing.T) {
	mr := miniredis.RunT(t)
	shared, err := store.NewSharedStore(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { shared.Close() })

	cache := NewIdempotencyCache(shared)
	ctx := context.Background()

	_, ok := cache.Get(ctx, "ua", "key-1")
	assert.False(t, ok)

	resp := CachedResponse{StatusCode: 201, Body: []byte(`{"success":true}`)}
	require.NoError(t, cache.Put(ctx, "ua", "key-1", resp))

	got, ok := cache.Get(ctx, "ua", "key-1")
	require.True(t, ok)
	assert.Equal(t, 201, got.StatusCode)
	assert.JSONEq(t, `{"success":true}`, string(got.Body))

	// keys are scoped per user
	_, ok = cache.Get(ctx, "ub", "key-1")
	assert.False(t, ok)

	// entries age out
	mr.FastForward(time.Hour + time.Minute)
	_, ok = cache.Get(ctx, "ua", "key-1")
	assert.False(t, ok)
}

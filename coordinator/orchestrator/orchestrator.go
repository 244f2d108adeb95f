// Package orchestrator drives the challenge lifecycle from creation through
// handshake to session. Every transition of one challenge runs under that
// challenge's shared-store lock, with the guarded state machine in the
// record store as the second line of defense.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/playloop/rendezvous/coordinator/faults"
	"github.com/playloop/rendezvous/coordinator/observability"
	"github.com/playloop/rendezvous/coordinator/push"
	"github.com/playloop/rendezvous/coordinator/store"
)

// Notifier fans events out across all coordinator processes, to every live
// connection of one user or to every connection joined to a session group.
// Implementations must not block; delivery is best-effort by contract.
type Notifier interface {
	Emit(ctx context.Context, userID, event string, payload any)
	EmitSession(ctx context.Context, sessionID, event string, payload any)
}

// TimeoutScheduler owns the wake-up response timers.
type TimeoutScheduler interface {
	ScheduleTimeout(ctx context.Context, challengeID string, attempt int, after time.Duration) error
	CancelTimeout(ctx context.Context, challengeID string, attempt int) error
}

// PushSender delivers an out-of-band notification to all of a user's
// devices and reports whether anything got through.
type PushSender interface {
	Send(ctx context.Context, userID string, payload push.Payload) bool
}

// PresenceReader answers whether a user has a live connection anywhere in
// the cluster.
type PresenceReader interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Deps are the collaborators the orchestrator drives. The capability
// interfaces keep the hub and scheduler constructible before the
// orchestrator exists.
type Deps struct {
	Records  store.RecordStore
	Shared   *store.SharedStore
	Presence PresenceReader
	Notifier Notifier
	Timeouts TimeoutScheduler
	Push     PushSender
}

// Config carries the handshake tuning knobs.
type Config struct {
	ChallengeExpiration time.Duration
	HandshakeTimeout    time.Duration
	MaxRetryAttempts    int
	LockTTL             time.Duration
	LockAcquireWait     time.Duration
	RetentionDays       int
}

// ErrSelfChallenge rejects challenges where both parties are the same user.
// The API maps it to 422 rather than the generic validation status.
var ErrSelfChallenge = faults.New(faults.Validation, "cannot challenge yourself")

// Response is the challenger's answer to a wake-up.
type Response string

const (
	ResponseAccept  Response = "ACCEPT"
	ResponseDecline Response = "DECLINE"
)

// ParseResponse validates the wire form of a wake-up response.
func ParseResponse(s string) (Response, error) {
	switch Response(s) {
	case ResponseAccept, ResponseDecline:
		return Response(s), nil
	}
	return "", faults.Errorf(faults.Validation, "response must be %s or %s", ResponseAccept, ResponseDecline)
}

// AcceptResult reports the outcome of an accept.
type AcceptResult struct {
	State          store.ChallengeState `json:"state"`
	PlayerNotified bool                 `json:"playerNotified"`
}

// Action names the outcome of a wake-up response.
const (
	ActionSessionCreated = "SESSION_CREATED"
	ActionDeclined       = "DECLINED"
)

// ResponseResult reports the outcome of a wake-up response.
type ResponseResult struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId,omitempty"`
}

const lockRetryInterval = 25 * time.Millisecond

// Orchestrator composes the top-level use cases: create, accept,
// wake-up-respond, timeout retry, decline, session end and cleanup.
type Orchestrator struct {
	records  store.RecordStore
	shared   *store.SharedStore
	presence PresenceReader
	notifier Notifier
	timeouts TimeoutScheduler
	push     PushSender
	cfg      Config
	clock    clockwork.Clock
	log      *logrus.Entry
}

func New(deps Deps, cfg Config, clock clockwork.Clock, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		records:  deps.Records,
		shared:   deps.Shared,
		presence: deps.Presence,
		notifier: deps.Notifier,
		timeouts: deps.Timeouts,
		push:     deps.Push,
		cfg:      cfg,
		clock:    clock,
		log:      log,
	}
}

// withChallengeLock serializes one challenge's transitions across every
// process. Lock holds span single transitions and are brief, so a short
// acquisition wait keeps racing callers ordered instead of failing them;
// whoever still misses gets the Transient fault through.
func (o *Orchestrator) withChallengeLock(ctx context.Context, challengeID string, fn func(ctx context.Context) error) error {
	key := store.ChallengeLockKey(challengeID)
	deadline := o.clock.Now().Add(o.cfg.LockAcquireWait)
	for {
		err := o.shared.WithLock(ctx, key, o.cfg.LockTTL, fn)
		if err == nil || !errors.Is(err, store.ErrLockHeld) {
			return err
		}
		if !o.clock.Now().Before(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return faults.Wrap(faults.Transient, ctx.Err(), "gave up waiting for challenge lock")
		case <-o.clock.After(lockRetryInterval):
		}
	}
}

// CreateChallenge validates both parties and persists a PENDING challenge,
// then fires best-effort notifications at the challenged user.
func (o *Orchestrator) CreateChallenge(ctx context.Context, challengerID, challengedID, gameType string, metadata map[string]string) (*store.Challenge, error) {
	if gameType == "" {
		return nil, faults.New(faults.Validation, "gameType is required")
	}
	if challengerID == challengedID {
		return nil, ErrSelfChallenge
	}

	challenger, err := o.records.GetUser(ctx, challengerID)
	if err != nil {
		return nil, err
	}
	if challenger == nil {
		return nil, faults.Errorf(faults.NotFound, "user %s not found", challengerID)
	}
	challenged, err := o.records.GetUser(ctx, challengedID)
	if err != nil {
		return nil, err
	}
	if challenged == nil || !challenged.Active {
		return nil, faults.Errorf(faults.NotFound, "user %s not found", challengedID)
	}

	now := o.clock.Now()
	challenge := &store.Challenge{
		ID:           uuid.NewString(),
		ChallengerID: challengerID,
		ChallengedID: challengedID,
		GameType:     gameType,
		State:        store.ChallengePending,
		ExpiresAt:    now.Add(o.cfg.ChallengeExpiration),
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = o.withChallengeLock(ctx, challenge.ID, func(ctx context.Context) error {
		return o.records.CreateChallenge(ctx, challenge)
	})
	if err != nil {
		return nil, err
	}
	observability.ChallengesCreated.Inc()

	o.notifier.Emit(ctx, challengedID, EventChallengeReceived, ChallengeReceivedEvent{
		ChallengeID: challenge.ID,
		Challenger:  UserRef{ID: challenger.ID, Username: challenger.Username},
		GameType:    challenge.GameType,
		CreatedAt:   challenge.CreatedAt,
	})
	o.push.Send(ctx, challengedID, push.Payload{
		Title: "New challenge",
		Body:  fmt.Sprintf("%s challenged you to %s", challenger.Username, challenge.GameType),
		Data: map[string]string{
			"type":           EventChallengeReceived,
			"challengeId":    challenge.ID,
			"challengerId":   challenger.ID,
			"challengerName": challenger.Username,
			"gameType":       challenge.GameType,
		},
	})

	o.log.WithFields(logrus.Fields{
		"challenge_id": challenge.ID,
		"challenger":   challengerID,
		"challenged":   challengedID,
		"game_type":    gameType,
	}).Info("challenge created")
	return challenge, nil
}

// InitiateHandshake is the accept path: it parks the challenge in NOTIFYING
// under the lock, dispatches the wake-up with the lock released so push
// latency never extends the hold, then re-acquires to start the response
// window.
func (o *Orchestrator) InitiateHandshake(ctx context.Context, challengeID, acceptedBy string) (*AcceptResult, error) {
	var challenge *store.Challenge
	err := o.withChallengeLock(ctx, challengeID, func(ctx context.Context) error {
		c, err := o.records.GetChallenge(ctx, challengeID, true)
		if err != nil {
			return err
		}
		if c == nil {
			return faults.Errorf(faults.NotFound, "challenge %s not found", challengeID)
		}
		if c.ChallengedID != acceptedBy {
			return faults.New(faults.Forbidden, "only the challenged user may accept")
		}
		if c.State != store.ChallengePending {
			return faults.Errorf(faults.Conflict, "challenge is %s, expected %s", c.State, store.ChallengePending)
		}
		if err := o.records.UpdateChallengeState(ctx, challengeID, store.ChallengeNotifying); err != nil {
			return err
		}
		challenge = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	notified := o.dispatchWakeUp(ctx, challenge)

	// NOTIFYING has a single exit, so nothing can move the challenge while
	// the lock was released. Re-acquire and arm the timer before flipping
	// state: a WAITING_RESPONSE row always has a deadline behind it, and a
	// timer whose flip never landed fizzles on HandleTimeout's re-checks.
	var result *AcceptResult
	err = o.withChallengeLock(ctx, challengeID, func(ctx context.Context) error {
		attempt := challenge.WakeUpAttempts + 1
		if err := o.timeouts.ScheduleTimeout(ctx, challengeID, attempt, o.cfg.HandshakeTimeout); err != nil {
			return err
		}
		if err := o.records.UpdateChallengeState(ctx, challengeID, store.ChallengeWaitingResponse); err != nil {
			return err
		}
		if _, err := o.records.IncrementAttempt(ctx, challengeID); err != nil {
			return err
		}
		result = &AcceptResult{State: store.ChallengeWaitingResponse, PlayerNotified: notified}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.log.WithFields(logrus.Fields{
		"challenge_id": challengeID,
		"accepted_by":  acceptedBy,
		"notified":     result.PlayerNotified,
	}).Info("handshake initiated")
	return result, nil
}

// dispatchWakeUp reaches for the challenger on both paths: the live channel
// when presence says they are connected, and push always. Reports whether
// either path plausibly got through.
func (o *Orchestrator) dispatchWakeUp(ctx context.Context, c *store.Challenge) bool {
	requester := UserRef{ID: c.ChallengedID}
	if c.Challenged != nil {
		requester.Username = c.Challenged.Username
	}

	online, err := o.presence.IsOnline(ctx, c.ChallengerID)
	if err != nil {
		o.log.WithError(err).WithField("user_id", c.ChallengerID).Warn("presence lookup failed, assuming offline")
		online = false
	}
	if online {
		o.notifier.Emit(ctx, c.ChallengerID, EventWakeUp, WakeUpEvent{
			ChallengeID: c.ID,
			Challenger:  requester,
			GameType:    c.GameType,
			Now:         o.clock.Now(),
		})
	}
	pushed := o.push.Send(ctx, c.ChallengerID, push.Payload{
		Title: "Wake up!",
		Body:  fmt.Sprintf("%s is ready to play %s", requester.Username, c.GameType),
		Data: map[string]string{
			"type":           EventWakeUp,
			"challengeId":    c.ID,
			"challengerId":   requester.ID,
			"challengerName": requester.Username,
			"gameType":       c.GameType,
		},
	})
	observability.WakeUpAttempts.Inc()
	return online || pushed
}

// HandleWakeUpResponse settles a challenge awaiting its challenger: ACCEPT
// creates the session and tells both parties, DECLINE kills the challenge
// and tells the challenged user.
func (o *Orchestrator) HandleWakeUpResponse(ctx context.Context, challengeID, userID string, response Response) (*ResponseResult, error) {
	var result *ResponseResult
	err := o.withChallengeLock(ctx, challengeID, func(ctx context.Context) error {
		c, err := o.records.GetChallenge(ctx, challengeID, true)
		if err != nil {
			return err
		}
		if c == nil {
			return faults.Errorf(faults.NotFound, "challenge %s not found", challengeID)
		}
		if c.ChallengerID != userID {
			return faults.New(faults.Forbidden, "only the challenger may answer a wake-up")
		}
		if c.State != store.ChallengeWaitingResponse {
			return faults.Errorf(faults.Conflict, "challenge is %s, not awaiting a response", c.State)
		}

		if response == ResponseDecline {
			if err := o.records.UpdateChallengeState(ctx, challengeID, store.ChallengeDeclined); err != nil {
				return err
			}
			o.cancelTimeout(ctx, challengeID, c.WakeUpAttempts)
			observability.Handshakes.WithLabelValues("declined").Inc()
			o.notifier.Emit(ctx, c.ChallengedID, EventChallengeDeclined, ChallengeDeclinedEvent{
				ChallengeID: c.ID,
				DeclinedBy:  userID,
			})
			result = &ResponseResult{Action: ActionDeclined}
			return nil
		}

		sess := &store.Session{
			ID:           uuid.NewString(),
			ChallengeID:  c.ID,
			ChallengerID: c.ChallengerID,
			ChallengedID: c.ChallengedID,
			GameType:     c.GameType,
			State:        store.SessionActive,
			CreatedAt:    o.clock.Now(),
		}
		if err := o.records.CreateSession(ctx, sess); err != nil {
			return err
		}
		o.cancelTimeout(ctx, challengeID, c.WakeUpAttempts)
		observability.Handshakes.WithLabelValues("accepted").Inc()

		challenger := UserRef{ID: c.ChallengerID}
		if c.Challenger != nil {
			challenger.Username = c.Challenger.Username
		}
		challenged := UserRef{ID: c.ChallengedID}
		if c.Challenged != nil {
			challenged.Username = c.Challenged.Username
		}
		o.notifier.Emit(ctx, c.ChallengerID, EventSessionReady, SessionReadyEvent{
			SessionID:   sess.ID,
			ChallengeID: c.ID,
			Opponent:    challenged,
			GameType:    c.GameType,
		})
		o.notifier.Emit(ctx, c.ChallengedID, EventSessionReady, SessionReadyEvent{
			SessionID:   sess.ID,
			ChallengeID: c.ID,
			Opponent:    challenger,
			GameType:    c.GameType,
		})
		result = &ResponseResult{Action: ActionSessionCreated, SessionID: sess.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.log.WithFields(logrus.Fields{
		"challenge_id": challengeID,
		"user_id":      userID,
		"action":       result.Action,
	}).Info("wake-up answered")
	return result, nil
}

// HandleTimeout fires when a response window elapses. Redelivered or stale
// jobs fizzle on the state and attempt re-checks instead of erroring, so
// at-least-once delivery stays harmless. Record-store failures surface as
// Transient so the scheduler redelivers the job instead of dropping it.
func (o *Orchestrator) HandleTimeout(ctx context.Context, challengeID string, attempt int) error {
	var challenge *store.Challenge
	err := o.withChallengeLock(ctx, challengeID, func(ctx context.Context) error {
		c, err := o.records.GetChallenge(ctx, challengeID, true)
		if err != nil {
			return faults.Wrap(faults.Transient, err, "timeout lookup failed")
		}
		if c == nil {
			return nil // pruned since scheduling
		}
		if c.State != store.ChallengeWaitingResponse || c.WakeUpAttempts > attempt {
			return nil // the handshake moved on without us
		}
		if attempt >= o.cfg.MaxRetryAttempts {
			if err := o.records.UpdateChallengeState(ctx, challengeID, store.ChallengeTimeout); err != nil {
				return faults.Wrap(faults.Transient, err, "timeout transition failed")
			}
			observability.Handshakes.WithLabelValues("timeout").Inc()
			o.notifier.Emit(ctx, c.ChallengedID, EventChallengeTimeout, ChallengeTimeoutEvent{
				ChallengeID: c.ID,
				Now:         o.clock.Now(),
			})
			o.log.WithFields(logrus.Fields{
				"challenge_id": challengeID,
				"attempts":     attempt,
			}).Info("handshake timed out")
			return nil
		}
		challenge = c
		return nil
	})
	if err != nil || challenge == nil {
		return err
	}

	// Another attempt is due: resend with the lock released, then re-acquire
	// to arm the next window and advance the counter, in that order. The
	// re-check keeps a response that landed during the resend untouched.
	o.dispatchWakeUp(ctx, challenge)

	return o.withChallengeLock(ctx, challengeID, func(ctx context.Context) error {
		c, err := o.records.GetChallenge(ctx, challengeID, false)
		if err != nil {
			return faults.Wrap(faults.Transient, err, "timeout re-check failed")
		}
		if c == nil || c.State != store.ChallengeWaitingResponse || c.WakeUpAttempts > attempt {
			return nil
		}
		if err := o.timeouts.ScheduleTimeout(ctx, challengeID, attempt+1, o.cfg.HandshakeTimeout); err != nil {
			return faults.Wrap(faults.Transient, err, "rearm failed")
		}
		if _, err := o.records.IncrementAttempt(ctx, challengeID); err != nil {
			return faults.Wrap(faults.Transient, err, "attempt advance failed")
		}
		return nil
	})
}

// DeclineByChallenged kills a challenge that was never accepted.
func (o *Orchestrator) DeclineByChallenged(ctx context.Context, challengeID, userID string) error {
	return o.withChallengeLock(ctx, challengeID, func(ctx context.Context) error {
		c, err := o.records.GetChallenge(ctx, challengeID, false)
		if err != nil {
			return err
		}
		if c == nil {
			return faults.Errorf(faults.NotFound, "challenge %s not found", challengeID)
		}
		if c.ChallengedID != userID {
			return faults.New(faults.Forbidden, "only the challenged user may decline")
		}
		if c.State != store.ChallengePending {
			return faults.Errorf(faults.Conflict, "challenge is %s, expected %s", c.State, store.ChallengePending)
		}
		if err := o.records.UpdateChallengeState(ctx, challengeID, store.ChallengeDeclined); err != nil {
			return err
		}
		observability.Handshakes.WithLabelValues("declined").Inc()
		o.notifier.Emit(ctx, c.ChallengerID, EventChallengeDeclined, ChallengeDeclinedEvent{
			ChallengeID: c.ID,
			DeclinedBy:  userID,
		})
		o.log.WithFields(logrus.Fields{
			"challenge_id": challengeID,
			"declined_by":  userID,
		}).Info("challenge declined")
		return nil
	})
}

// EndSession closes an active session on behalf of one of its participants.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID, userID string, state store.SessionState, metadata map[string]string) (*store.Session, error) {
	if state != store.SessionCompleted && state != store.SessionAbandoned {
		return nil, faults.Errorf(faults.Validation, "end state must be %s or %s", store.SessionCompleted, store.SessionAbandoned)
	}
	sess, err := o.records.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, faults.Errorf(faults.NotFound, "session %s not found", sessionID)
	}
	if !sess.Participant(userID) {
		return nil, faults.New(faults.Forbidden, "only a participant may end the session")
	}
	if err := o.records.EndSession(ctx, sessionID, state, metadata); err != nil {
		return nil, err
	}
	o.notifier.EmitSession(ctx, sessionID, EventSessionEnded, SessionEndedEvent{
		SessionID: sessionID,
		EndedBy:   userID,
		State:     state,
	})
	o.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"ended_by":   userID,
		"state":      state,
	}).Info("session ended")
	return o.records.GetSession(ctx, sessionID)
}

// RunCleanup expires stale pending challenges and prunes terminal rows past
// retention. It runs as a recurring job on every worker; the bulk updates
// carry their own state predicates, so no per-challenge lock is taken.
func (o *Orchestrator) RunCleanup(ctx context.Context) error {
	now := o.clock.Now()
	expired, err := o.records.MarkExpired(ctx, now)
	if err != nil {
		return faults.Wrap(faults.Transient, err, "expiry sweep failed")
	}
	if expired > 0 {
		observability.Handshakes.WithLabelValues("expired").Add(float64(expired))
		o.log.WithField("count", expired).Info("expired stale challenges")
	}

	cutoff := now.AddDate(0, 0, -o.cfg.RetentionDays)
	pruned, err := o.records.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		return faults.Wrap(faults.Transient, err, "retention sweep failed")
	}
	if pruned > 0 {
		o.log.WithField("count", pruned).Info("pruned terminal challenges past retention")
	}
	return nil
}

// cancelTimeout is best-effort: a missed cancel only costs the fizzled job
// its state re-check.
func (o *Orchestrator) cancelTimeout(ctx context.Context, challengeID string, attempt int) {
	if attempt < 1 {
		return
	}
	if err := o.timeouts.CancelTimeout(ctx, challengeID, attempt); err != nil {
		o.log.WithError(err).WithField("challenge_id", challengeID).Warn("timeout cancel failed")
	}
}

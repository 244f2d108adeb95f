// Package scheduler runs delayed and recurring jobs off a queue in the
// shared store. Every coordinator process polls the same queue; claim keys
// make delivery exclusive while a handler is live, so no leader election is
// needed. Delivery is at-least-once and handlers are expected to re-check
// state before acting.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/playloop/rendezvous/coordinator/faults"
	"github.com/playloop/rendezvous/coordinator/observability"
	"github.com/playloop/rendezvous/coordinator/store"
)

// KindTimeout fires when a wake-up response window elapses.
const KindTimeout = "handshake-timeout"

// Job is one unit of scheduled work, persisted in the shared store so any
// worker can claim it. Recurring jobs carry a cron expression and use their
// ID as the handler kind.
type Job struct {
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	Payload      map[string]string `json:"payload,omitempty"`
	Cron         string            `json:"cron,omitempty"`
	Redeliveries int               `json:"redeliveries,omitempty"`
}

// HandlerFunc executes one job delivery. Returning a Transient fault asks
// for redelivery with backoff; any other error completes the job (poison
// pills must not wedge the queue).
type HandlerFunc func(ctx context.Context, job Job) error

// Config tunes the polling worker.
type Config struct {
	PollInterval    time.Duration // queue poll cadence
	HandlerBudget   time.Duration // deadline per delivery, claim TTL is twice this
	BatchSize       int64         // due jobs fetched per poll
	MaxRedeliveries int           // transient retries before a job is dropped
	RetryBackoff    time.Duration // linear backoff unit between redeliveries
}

func DefaultConfig() Config {
	return Config{
		PollInterval:    time.Second,
		HandlerBudget:   15 * time.Second,
		BatchSize:       32,
		MaxRedeliveries: 5,
		RetryBackoff:    5 * time.Second,
	}
}

// Scheduler polls the shared queue and dispatches due jobs to registered
// handlers.
type Scheduler struct {
	shared   *store.SharedStore
	cfg      Config
	clock    clockwork.Clock
	log      *logrus.Entry
	workerID string

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	wg sync.WaitGroup
}

func New(shared *store.SharedStore, cfg Config, clock clockwork.Clock, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		shared:   shared,
		cfg:      cfg,
		clock:    clock,
		log:      log,
		workerID: uuid.NewString(),
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers the handler for a job kind. Register everything before
// calling Run; a due job without a handler is dropped.
func (s *Scheduler) Handle(kind string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = fn
}

// TimeoutJobID is deterministic so rescheduling the same attempt overwrites
// rather than duplicates.
func TimeoutJobID(challengeID string, attempt int) string {
	return fmt.Sprintf("timeout-%s-%d", challengeID, attempt)
}

// ScheduleTimeout enqueues the wake-up timeout for one challenge attempt.
func (s *Scheduler) ScheduleTimeout(ctx context.Context, challengeID string, attempt int, after time.Duration) error {
	job := Job{
		ID:   TimeoutJobID(challengeID, attempt),
		Kind: KindTimeout,
		Payload: map[string]string{
			"challenge_id": challengeID,
			"attempt":      strconv.Itoa(attempt),
		},
	}
	return s.schedule(ctx, job, s.clock.Now().Add(after), false)
}

// CancelTimeout removes a pending timeout. Cancelling a job that already
// fired or never existed is a no-op.
func (s *Scheduler) CancelTimeout(ctx context.Context, challengeID string, attempt int) error {
	return s.remove(ctx, TimeoutJobID(challengeID, attempt))
}

// ScheduleRecurring enqueues a cron job. The job ID doubles as its handler
// kind. Safe to call on every boot: an already queued instance keeps its
// due time.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, jobID, cronExpr string) error {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return faults.Wrap(faults.Validation, err, "invalid cron expression")
	}
	job := Job{ID: jobID, Kind: jobID, Cron: cronExpr}
	return s.schedule(ctx, job, schedule.Next(s.clock.Now()), true)
}

func (s *Scheduler) schedule(ctx context.Context, job Job, at time.Time, keepExisting bool) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if err := s.shared.Set(ctx, store.SchedJobKey(job.ID), string(raw), 0); err != nil {
		return faults.Wrap(faults.Transient, err, "persist job payload")
	}
	score := float64(at.UnixMilli())
	if keepExisting {
		err = s.shared.ZAddNX(ctx, store.SchedQueueKey, job.ID, score)
	} else {
		err = s.shared.ZAdd(ctx, store.SchedQueueKey, job.ID, score)
	}
	return faults.Wrap(faults.Transient, err, "enqueue job")
}

func (s *Scheduler) remove(ctx context.Context, jobID string) error {
	if err := s.shared.ZRem(ctx, store.SchedQueueKey, jobID); err != nil {
		return faults.Wrap(faults.Transient, err, "dequeue job")
	}
	return faults.Wrap(faults.Transient, s.shared.Del(ctx, store.SchedJobKey(jobID)), "drop job payload")
}

// Run polls until ctx is cancelled, then waits for in-flight handlers.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.WithField("worker_id", s.workerID).Info("scheduler polling started")
	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info("scheduler stopped")
			return
		case <-ticker.Chan():
			s.sweep(ctx)
		}
	}
}

// sweep claims every due job and dispatches each on its own goroutine.
func (s *Scheduler) sweep(ctx context.Context) {
	now := s.clock.Now()
	due, err := s.shared.ZRangeByScoreMax(ctx, store.SchedQueueKey, float64(now.UnixMilli()), s.cfg.BatchSize)
	if err != nil {
		s.log.WithError(err).Warn("queue poll failed")
		return
	}
	if depth, err := s.shared.ZCard(ctx, store.SchedQueueKey); err == nil {
		observability.SchedulerQueueDepth.Set(float64(depth))
	}

	for _, jobID := range due {
		claimed, err := s.shared.SetNX(ctx, store.SchedClaimKey(jobID), s.workerID, 2*s.cfg.HandlerBudget)
		if err != nil {
			s.log.WithError(err).WithField("job_id", jobID).Warn("claim attempt failed")
			continue
		}
		if !claimed {
			continue // another worker owns this delivery
		}
		s.wg.Add(1)
		go func(id string) {
			defer s.wg.Done()
			s.runJob(ctx, id)
		}(jobID)
	}
}

// runJob executes one claimed delivery end to end.
func (s *Scheduler) runJob(ctx context.Context, jobID string) {
	raw, err := s.shared.Get(ctx, store.SchedJobKey(jobID))
	if err != nil {
		s.log.WithError(err).WithField("job_id", jobID).Warn("job payload read failed")
		s.shared.Del(ctx, store.SchedClaimKey(jobID))
		return
	}
	if raw == "" {
		// Orphaned queue member, payload is gone. Drop it.
		s.shared.ZRem(ctx, store.SchedQueueKey, jobID)
		s.shared.Del(ctx, store.SchedClaimKey(jobID))
		return
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		s.log.WithError(err).WithField("job_id", jobID).Error("job payload corrupt, dropping")
		s.finalize(ctx, job, jobID, "dropped")
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[job.Kind]
	s.mu.RUnlock()
	if !ok {
		s.log.WithFields(logrus.Fields{"job_id": jobID, "kind": job.Kind}).Error("no handler for job kind")
		s.finalize(ctx, job, jobID, "dropped")
		return
	}

	jctx, cancel := context.WithTimeout(ctx, s.cfg.HandlerBudget)
	err = handler(jctx, job)
	cancel()

	switch {
	case err == nil:
		s.finalize(ctx, job, jobID, "completed")
	case faults.Is(err, faults.Transient) && job.Redeliveries < s.cfg.MaxRedeliveries:
		s.redeliver(ctx, job, jobID)
	case faults.Is(err, faults.Transient):
		s.log.WithError(err).WithField("job_id", jobID).Error("job exhausted redeliveries")
		s.finalize(ctx, job, jobID, "dropped")
	default:
		// Poison pill: completing it beats wedging the queue.
		s.log.WithError(err).WithField("job_id", jobID).Error("job failed permanently")
		s.finalize(ctx, job, jobID, "dropped")
	}
}

// finalize removes a one-shot job or re-enqueues a recurring one, then
// releases the claim.
func (s *Scheduler) finalize(ctx context.Context, job Job, jobID string, result string) {
	observability.SchedulerJobs.WithLabelValues(job.Kind, result).Inc()

	if job.Cron != "" {
		if schedule, err := cron.ParseStandard(job.Cron); err == nil {
			next := schedule.Next(s.clock.Now())
			if err := s.shared.ZAdd(ctx, store.SchedQueueKey, jobID, float64(next.UnixMilli())); err != nil {
				s.log.WithError(err).WithField("job_id", jobID).Error("recurring re-enqueue failed")
			}
		}
	} else {
		if err := s.remove(ctx, jobID); err != nil {
			s.log.WithError(err).WithField("job_id", jobID).Warn("job cleanup failed")
		}
	}
	s.shared.Del(ctx, store.SchedClaimKey(jobID))
}

// redeliver pushes the job back with linear backoff.
func (s *Scheduler) redeliver(ctx context.Context, job Job, jobID string) {
	job.Redeliveries++
	observability.SchedulerJobs.WithLabelValues(job.Kind, "retried").Inc()

	delay := time.Duration(job.Redeliveries) * s.cfg.RetryBackoff
	if err := s.schedule(ctx, job, s.clock.Now().Add(delay), false); err != nil {
		s.log.WithError(err).WithField("job_id", jobID).Error("redelivery enqueue failed")
	}
	s.shared.Del(ctx, store.SchedClaimKey(jobID))
	s.log.WithFields(logrus.Fields{
		"job_id":        jobID,
		"redeliveries":  job.Redeliveries,
		"next_delivery": delay.String(),
	}).Warn("job redelivery scheduled")
}

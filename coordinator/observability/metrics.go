package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks live hub connections on this process.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdv_active_connections",
		Help: "Current number of live hub connections",
	})

	// OnlineUsers tracks distinct users with at least one connection here.
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdv_online_users",
		Help: "Current number of distinct users connected to this process",
	})

	// ChallengesCreated counts accepted challenge creations.
	ChallengesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdv_challenges_created_total",
		Help: "Total challenges created",
	})

	// Handshakes counts settled handshakes by outcome.
	Handshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdv_handshakes_total",
		Help: "Total handshakes settled",
	}, []string{"outcome"}) // accepted, declined, timeout, expired

	// WakeUpAttempts counts wake-up notifications sent to challengers.
	WakeUpAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdv_wakeup_attempts_total",
		Help: "Total wake-up attempts dispatched",
	})

	// PushDeliveries counts vendor deliveries by result.
	PushDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdv_push_deliveries_total",
		Help: "Total push delivery attempts",
	}, []string{"result"}) // delivered, failed, dead_token, disabled, breaker_open

	// PushBreakerState reflects the vendor circuit (0=closed, 1=half_open, 2=open).
	PushBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdv_push_breaker_state",
		Help: "Push vendor circuit breaker state (0=closed, 1=half_open, 2=open)",
	})

	// LockAcquireFailures counts contended lock acquisitions.
	LockAcquireFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdv_lock_acquire_failures_total",
		Help: "Lock acquisitions that found the lock held",
	})

	// SchedulerJobs counts job executions by kind and result.
	SchedulerJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdv_scheduler_jobs_total",
		Help: "Scheduled job executions",
	}, []string{"kind", "result"}) // result: completed, retried, dropped

	// SchedulerQueueDepth tracks jobs waiting in the shared queue.
	SchedulerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdv_scheduler_queue_depth",
		Help: "Current number of jobs in the scheduler queue",
	})

	// APIRateLimited counts requests rejected by rate limiting.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdv_api_rate_limited_total",
		Help: "API requests rejected by rate limiter",
	}, []string{"endpoint"})

	// RedisLatency tracks shared-store roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rdv_redis_roundtrip_latency_seconds",
		Help:    "Shared store operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// HTTPDuration tracks request handling time per route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rdv_http_request_duration_seconds",
		Help:    "HTTP request duration by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"path", "method", "status"})
)

// The coordinator is the rendezvous server: it owns the HTTP API, the live
// connection hub, the handshake orchestrator and the background scheduler.
// Every process is identical; scale horizontally behind a load balancer and
// the shared store keeps them coordinated.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/playloop/rendezvous/coordinator/auth"
	"github.com/playloop/rendezvous/coordinator/config"
	"github.com/playloop/rendezvous/coordinator/middleware"
	"github.com/playloop/rendezvous/coordinator/orchestrator"
	"github.com/playloop/rendezvous/coordinator/presence"
	"github.com/playloop/rendezvous/coordinator/push"
	"github.com/playloop/rendezvous/coordinator/scheduler"
	"github.com/playloop/rendezvous/coordinator/store"
)

// cleanupJobID is both the recurring job's ID and its handler kind.
const cleanupJobID = "cleanup-sweep"

// lockAcquireWait bounds how long an operation spins on a contended
// challenge lock before giving up with a Transient fault.
const lockAcquireWait = time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("configuration invalid")
	}
	log := newLogger(cfg)
	component := func(name string) *logrus.Entry {
		return log.WithField("component", name)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	shared, err := store.NewSharedStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.WithError(err).Fatal("shared store unreachable")
	}
	defer shared.Close()

	var records store.RecordStore
	if cfg.DatabaseURL == "memory" {
		// Single-process mode for local development and demos.
		records = store.NewMemoryStore()
		log.Warn("using in-memory record store, records will not survive a restart")
	} else {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		records, err = store.NewPostgresStore(connectCtx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			log.WithError(err).Fatal("record store unreachable")
		}
	}
	defer records.Close()

	tokens, err := auth.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		log.WithError(err).Fatal("token service rejected configuration")
	}

	reg := presence.NewRegistry(shared, cfg.PresenceTTL, clock, component("presence"))
	pusher := push.NewSender(cfg.PushAPIURL, cfg.PushAPIKey, records, clock, component("push"))
	if cfg.PushEnabled() {
		log.WithField("vendor", cfg.PushAPIURL).Info("push delivery enabled")
	}
	sched := scheduler.New(shared, scheduler.DefaultConfig(), clock, component("scheduler"))
	hub := NewHub(records, shared, reg, tokens, clock, component("hub"))

	orch := orchestrator.New(orchestrator.Deps{
		Records:  records,
		Shared:   shared,
		Presence: reg,
		Notifier: hub,
		Timeouts: sched,
		Push:     pusher,
	}, orchestrator.Config{
		ChallengeExpiration: cfg.ChallengeExpiration,
		HandshakeTimeout:    cfg.HandshakeTimeout,
		MaxRetryAttempts:    cfg.MaxRetryAttempts,
		LockTTL:             cfg.LockTTL,
		LockAcquireWait:     lockAcquireWait,
		RetentionDays:       cfg.RetentionDays,
	}, clock, component("orchestrator"))
	hub.BindResponder(orch)

	sched.Handle(scheduler.KindTimeout, func(ctx context.Context, job scheduler.Job) error {
		attempt, err := strconv.Atoi(job.Payload["attempt"])
		if err != nil {
			return fmt.Errorf("job %s carries a bad attempt: %w", job.ID, err)
		}
		return orch.HandleTimeout(ctx, job.Payload["challenge_id"], attempt)
	})
	sched.Handle(cleanupJobID, func(ctx context.Context, _ scheduler.Job) error {
		return orch.RunCleanup(ctx)
	})
	if err := sched.ScheduleRecurring(ctx, cleanupJobID, cfg.CleanupCron); err != nil {
		log.WithError(err).Fatal("cleanup schedule invalid")
	}

	idem := orchestrator.NewIdempotencyCache(shared)
	api := NewAPI(records, shared, orch, reg, tokens, idem, clock, component("api"))
	authn := middleware.NewAuthenticator(tokens, component("auth"))
	limits := middleware.NewRateLimiter()

	router := mux.NewRouter()
	router.Use(middleware.Instrument)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	apiRouter := router
	if cfg.APIPrefix != "" {
		apiRouter = router.PathPrefix(cfg.APIPrefix).Subrouter()
	}
	api.RegisterRoutes(apiRouter, authn, limits)
	apiRouter.HandleFunc("/ws", hub.ServeWS)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	srv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: middleware.CORS(cfg.AllowedOrigins)(router),
		// No WriteTimeout: it would sever long-lived live-channel upgrades.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		log.WithField("addr", srv.Addr).Info("coordinator listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	wg.Wait()
	log.Info("coordinator stopped")
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/playloop/rendezvous/coordinator/auth"
	"github.com/playloop/rendezvous/coordinator/faults"
	"github.com/playloop/rendezvous/coordinator/middleware"
	"github.com/playloop/rendezvous/coordinator/orchestrator"
	"github.com/playloop/rendezvous/coordinator/presence"
	"github.com/playloop/rendezvous/coordinator/store"
)

// envelope is the uniform response shape: {success, data?, error?}.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// API serves the HTTP surface. Handlers stay thin: decode, authorize,
// delegate to the orchestrator or stores, encode.
type API struct {
	records   store.RecordStore
	shared    *store.SharedStore
	orch      *orchestrator.Orchestrator
	presence  *presence.Registry
	tokens    *auth.TokenService
	idem      *orchestrator.IdempotencyCache
	clock     clockwork.Clock
	startedAt time.Time
	log       *logrus.Entry
}

func NewAPI(records store.RecordStore, shared *store.SharedStore, orch *orchestrator.Orchestrator, reg *presence.Registry, tokens *auth.TokenService, idem *orchestrator.IdempotencyCache, clock clockwork.Clock, log *logrus.Entry) *API {
	return &API{
		records:   records,
		shared:    shared,
		orch:      orch,
		presence:  reg,
		tokens:    tokens,
		idem:      idem,
		clock:     clock,
		startedAt: clock.Now(),
		log:       log,
	}
}

// RegisterRoutes attaches every endpoint to the router. Fixed paths are
// registered before their parameterized siblings so mux never shadows them.
func (a *API) RegisterRoutes(r *mux.Router, authn *middleware.Authenticator, limits *middleware.RateLimiter) {
	guard := authn.RequireAuth

	r.Handle("/auth/register", limits.Limit("auth_register", http.HandlerFunc(a.handleRegister))).Methods(http.MethodPost)
	r.Handle("/auth/login", limits.Limit("auth_login", http.HandlerFunc(a.handleLogin))).Methods(http.MethodPost)
	r.Handle("/auth/profile", guard(http.HandlerFunc(a.handleProfile))).Methods(http.MethodGet)

	r.Handle("/challenges", guard(limits.Limit("challenge_create", a.withIdempotency(http.HandlerFunc(a.handleCreateChallenge))))).Methods(http.MethodPost)
	r.Handle("/challenges/me/pending", guard(http.HandlerFunc(a.handlePendingChallenges))).Methods(http.MethodGet)
	r.Handle("/challenges/{id}", guard(http.HandlerFunc(a.handleGetChallenge))).Methods(http.MethodGet)
	r.Handle("/challenges/{id}/accept", guard(limits.Limit("challenge_accept", http.HandlerFunc(a.handleAccept)))).Methods(http.MethodPost)
	r.Handle("/challenges/{id}/decline", guard(limits.Limit("challenge_decline", http.HandlerFunc(a.handleDecline)))).Methods(http.MethodPost)
	r.Handle("/challenges/{id}/respond", guard(limits.Limit("challenge_respond", http.HandlerFunc(a.handleRespond)))).Methods(http.MethodPost)

	r.Handle("/presence/register-device", guard(http.HandlerFunc(a.handleRegisterDevice))).Methods(http.MethodPost)
	r.Handle("/presence/unregister-device", guard(http.HandlerFunc(a.handleUnregisterDevice))).Methods(http.MethodPost)
	r.Handle("/presence/heartbeat", guard(http.HandlerFunc(a.handleHeartbeat))).Methods(http.MethodPost)
	r.Handle("/presence/{userId}", guard(http.HandlerFunc(a.handleGetPresence))).Methods(http.MethodGet)

	r.Handle("/sessions/me/active", guard(http.HandlerFunc(a.handleActiveSessions))).Methods(http.MethodGet)
	r.Handle("/sessions/{id}", guard(http.HandlerFunc(a.handleGetSession))).Methods(http.MethodGet)
	r.Handle("/sessions/{id}/end", guard(http.HandlerFunc(a.handleEndSession))).Methods(http.MethodPost)

	r.Handle("/users", guard(http.HandlerFunc(a.handleListUsers))).Methods(http.MethodGet)
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: status < 400, Data: data}); err != nil {
		a.log.WithError(err).Warn("response encode failed")
	}
}

func (a *API) writeErr(w http.ResponseWriter, err error) {
	kind := faults.KindOf(err)
	status := faults.HTTPStatus(kind)
	msg := err.Error()
	switch {
	case errors.Is(err, orchestrator.ErrSelfChallenge):
		status = http.StatusUnprocessableEntity
	case kind == faults.Internal:
		a.log.WithError(err).Error("request failed")
		msg = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(envelope{Success: false, Error: msg}); encodeErr != nil {
		a.log.WithError(encodeErr).Warn("error encode failed")
	}
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		a.writeErr(w, faults.Wrap(faults.Validation, err, "malformed JSON body"))
		return false
	}
	return true
}

func (a *API) identity(w http.ResponseWriter, r *http.Request) (middleware.Identity, bool) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		a.writeErr(w, faults.New(faults.Unauthorized, "authentication required"))
	}
	return id, ok
}

// responseRecorder keeps a copy of the body so successful responses can be
// replayed for idempotent retries.
type responseRecorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays the cached response for a repeated
// X-Idempotency-Key instead of re-running the handler. Server errors are
// never cached, so a retry after a 5xx gets a fresh attempt.
func (a *API) withIdempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		id, ok := middleware.IdentityFromContext(r.Context())
		if key == "" || !ok {
			next.ServeHTTP(w, r)
			return
		}

		if cached, hit := a.idem.Get(r.Context(), id.UserID, key); hit {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(cached.StatusCode)
			w.Write(cached.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status < http.StatusInternalServerError {
			cached := orchestrator.CachedResponse{StatusCode: rec.status, Body: rec.buf.Bytes()}
			if err := a.idem.Put(r.Context(), id.UserID, key, cached); err != nil {
				a.log.WithError(err).Warn("idempotency record write failed")
			}
		}
	})
}

// --- auth ---

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !a.decode(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	switch {
	case req.Username == "":
		a.writeErr(w, faults.New(faults.Validation, "username is required"))
		return
	case !strings.Contains(req.Email, "@"):
		a.writeErr(w, faults.New(faults.Validation, "a valid email is required"))
		return
	case len(req.Password) < 6:
		a.writeErr(w, faults.New(faults.Validation, "password must be at least 6 characters"))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	now := a.clock.Now().UTC()
	user := &store.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.records.CreateUser(r.Context(), user); err != nil {
		a.writeErr(w, err)
		return
	}
	token, err := a.tokens.Generate(user.ID, user.Username)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	a.log.WithFields(logrus.Fields{"user_id": user.ID, "username": user.Username}).Info("user registered")
	a.writeJSON(w, http.StatusCreated, map[string]any{"user": user, "token": token})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !a.decode(w, r, &req) {
		return
	}
	user, err := a.records.GetUserByEmail(r.Context(), strings.TrimSpace(strings.ToLower(req.Email)))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if user == nil || !user.Active {
		a.writeErr(w, faults.New(faults.Unauthorized, "invalid credentials"))
		return
	}
	if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
		a.writeErr(w, err)
		return
	}
	token, err := a.tokens.Generate(user.ID, user.Username)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"user": user, "token": token})
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r)
	if !ok {
		return
	}
	user, err := a.records.GetUser(r.Context(), id.UserID)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if user == nil {
		a.writeErr(w, faults.New(faults.NotFound, "user no longer exists"))
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

// --- challenges ---

type createChallengeRequest struct {
	ChallengedID string            `json:"challengedId"`
	GameType     string            `json:"gameType"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (a *API) handleCreateChallenge(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r)
	if !ok {
		return
	}
	var req createChallengeRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.ChallengedID == "" {
		a.writeErr(w, faults.New(faults.Validation, "challengedId is required"))
		return
	}
	challenge, err := a.orch.CreateChallenge(r.Context(), id.UserID, req.ChallengedID, req.GameType, req.Metadata)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, map[string]any{"challenge": challenge})
}

func (a *API) handlePendingChallenges(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r)
	if !ok {
		return
	}
	challenges, err := a.records.ListPendingForUser(r.Context(), id.UserID)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"challenges": challenges, "count": len(challenges)})
}

func (a *API) handleGetChallenge(w http.ResponseWriter, r *http.Request) {
	challenge, err := a.records.GetChallenge(r.Context(), mux.Vars(r)["id"], true)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if challenge == nil {
		a.writeErr(w, faults.New(faults.NotFound, "challenge not found"))
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"challenge": challenge})
}

func (a *API) handleAccept(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r)
	if !ok {
		return
	}
	result, err := a.orch.InitiateHandshake(r.Context(), mux.Vars(r)["id"], id.UserID)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, result)
}

func (a *API) handleDecline(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r)
	if !ok {
		return
	}
	if err := a.orch.DeclineByChallenged(r.Context(), mux.Vars(r)["id"], id.UserID); err != nil {
		a.writeErr(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"state": store.ChallengeDeclined})
}

type respondRequest struct {
	Response string `json:"response"`
}

func (a *API) handleRespond(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r)
	if !ok {
		return
	}
	var req respondRequest
	if !a.decode(w, r, &req) {
		return
	}
	response, err := orchestrator.ParseResponse(req.Response)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	result, err := a.orch.HandleWakeUpResponse(r.Context(), mux.Vars(r)["id"], id.UserID, response)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, result)
}

// --- presence ---

type deviceRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform,omitempty"` // logged, not persisted
}

func (a *API) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r)
	if !ok {
		return
	}
	var req deviceRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		a.writeErr(w, faults.New(faults.Validation, "token is required"))
		return
	}
	if err := a.records.AddPushToken(r.Context(), id.UserID, req.Token); err != nil {
		a.writeErr(w, err)
		return
	}
	if req.Platform != "" {
		a.log.WithFields(logrus.Fields{"user_id": id.UserID, "platform": req.Platform}).Debug("device platform noted")
	}
	a.writeJSON(w, http.StatusOK, nil)
}

func (a *API) handleUnregisterDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r)
	if !ok {
		return
	}
	var req deviceRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		a.writeErr(w, faults.New(faults.Validation, "token is required"))
		return
	}
	if err := a.records.RemovePushToken(r.Context(), id.UserID, req.Token); err != nil {
		a.writeErr(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, nil)
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r)
	if !ok {
		return
	}
	if err := a.presence.Heartbeat(r.Context(), id.UserID, ""); err != nil {
		a.writeErr(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"now": a.clock.Now().UTC()})
}

func (a *API) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	snap, err := a.presence.Snapshot(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		a.writeErr(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"presence": snap})
}

// --- sessions ---

// sessionView decorates a session with the caller's opponent.
type sessionView struct {
	*store.Session
	Opponent orchestrator.UserRef `json:"opponent"`
}

func (a *API) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r)
	if !ok {
		return
	}
	sessions, err := a.records.ListActiveForUser(r.Context(), id.UserID)
	if err != nil {
		a.writeErr(w, err)
		return
	}

	views := make([]sessionView, 0, len(sessions))
	names := map[string]string{}
	for _, sess := range sessions {
		opponentID := sess.OpponentOf(id.UserID)
		if _, seen := names[opponentID]; !seen {
			if u, err := a.records.GetUser(r.Context(), opponentID); err == nil && u != nil {
				names[opponentID] = u.Username
			}
		}
		views = append(views, sessionView{
			Session:  sess,
			Opponent: orchestrator.UserRef{ID: opponentID, Username: names[opponentID]},
		})
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"sessions": views, "count": len(views)})
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.records.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if sess == nil {
		a.writeErr(w, faults.New(faults.NotFound, "session not found"))
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

type endSessionRequest struct {
	State    string            `json:"state"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (a *API) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r)
	if !ok {
		return
	}
	var req endSessionRequest
	if !a.decode(w, r, &req) {
		return
	}
	sess, err := a.orch.EndSession(r.Context(), mux.Vars(r)["id"], id.UserID, store.SessionState(req.State), req.Metadata)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

// --- users ---

// userView is the listing shape: no email, no secrets, presence attached.
type userView struct {
	ID        string             `json:"id"`
	Username  string             `json:"username"`
	CreatedAt time.Time          `json:"createdAt"`
	Presence  *presence.Snapshot `json:"presence"`
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.records.ListUsers(r.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}
	onlineOnly := r.URL.Query().Get("online") == "true"

	views := make([]userView, 0, len(users))
	for _, u := range users {
		snap, err := a.presence.Snapshot(r.Context(), u.ID)
		if err != nil {
			a.writeErr(w, err)
			return
		}
		if onlineOnly && !snap.IsOnline {
			continue
		}
		views = append(views, userView{ID: u.ID, Username: u.Username, CreatedAt: u.CreatedAt, Presence: snap})
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"users": views, "count": len(views)})
}

// --- health ---

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{"database": "ok", "sharedStore": "ok"}
	if err := a.records.Ping(ctx); err != nil {
		checks["database"] = "fail"
		status = http.StatusServiceUnavailable
	}
	if err := a.shared.Ping(ctx); err != nil {
		checks["sharedStore"] = "fail"
		status = http.StatusServiceUnavailable
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	a.writeJSON(w, status, map[string]any{
		"status": overall,
		"uptime": a.clock.Since(a.startedAt).String(),
		"now":    a.clock.Now().UTC(),
		"checks": checks,
	})
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/playloop/rendezvous/coordinator/faults"
)

// PostgresStore implements RecordStore on a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool and verifies the backend is reachable
// before returning.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping verifies the backend is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the tables and indexes if they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			push_tokens   TEXT[] NOT NULL DEFAULT '{}',
			active        BOOLEAN NOT NULL DEFAULT TRUE,
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS challenges (
			id               TEXT PRIMARY KEY,
			challenger_id    TEXT NOT NULL REFERENCES users(id),
			challenged_id    TEXT NOT NULL REFERENCES users(id),
			game_type        TEXT NOT NULL,
			state            TEXT NOT NULL,
			wake_up_attempts INT NOT NULL DEFAULT 0,
			expires_at       TIMESTAMPTZ NOT NULL,
			metadata         JSONB,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_challenges_pending
			ON challenges (challenged_id, created_at) WHERE state = 'PENDING';
		CREATE INDEX IF NOT EXISTS idx_challenges_expiry
			ON challenges (state, expires_at);

		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			challenge_id  TEXT NOT NULL UNIQUE REFERENCES challenges(id) ON DELETE CASCADE,
			challenger_id TEXT NOT NULL REFERENCES users(id),
			challenged_id TEXT NOT NULL REFERENCES users(id),
			game_type     TEXT NOT NULL,
			state         TEXT NOT NULL,
			metadata      JSONB,
			created_at    TIMESTAMPTZ NOT NULL,
			ended_at      TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_active
			ON sessions (challenger_id, challenged_id) WHERE state = 'ACTIVE';
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// --- User Operations ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	query := `
		INSERT INTO users (id, username, email, password_hash, push_tokens, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	tokens := u.PushTokens
	if tokens == nil {
		tokens = []string{}
	}
	_, err := s.pool.Exec(ctx, query,
		u.ID, u.Username, u.Email, u.PasswordHash, tokens, u.Active, u.CreatedAt, u.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return faults.Errorf(faults.Conflict, "username or email already taken")
	}
	return err
}

const userColumns = `id, username, email, password_hash, push_tokens, active, created_at, updated_at`

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.scanUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.scanUser(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (s *PostgresStore) scanUser(ctx context.Context, query string, arg any) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.PushTokens, &u.Active, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE active ORDER BY username`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(
			&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.PushTokens, &u.Active, &u.CreatedAt, &u.UpdatedAt,
		); err != nil {
			return nil, err
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// AddPushToken appends the token unless already registered. Re-registering
// an existing token is a no-op, not an error.
func (s *PostgresStore) AddPushToken(ctx context.Context, userID, token string) error {
	query := `
		UPDATE users
		SET push_tokens = CASE
				WHEN $2 = ANY(push_tokens) THEN push_tokens
				ELSE array_append(push_tokens, $2)
			END,
			updated_at = NOW()
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, userID, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return faults.Errorf(faults.NotFound, "user %s not found", userID)
	}
	return nil
}

// RemovePushToken drops the token. Removing an unknown token is a no-op.
func (s *PostgresStore) RemovePushToken(ctx context.Context, userID, token string) error {
	query := `UPDATE users SET push_tokens = array_remove(push_tokens, $2), updated_at = NOW() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, userID, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return faults.Errorf(faults.NotFound, "user %s not found", userID)
	}
	return nil
}

// --- Challenge Operations ---

func (s *PostgresStore) CreateChallenge(ctx context.Context, c *Challenge) error {
	query := `
		INSERT INTO challenges (id, challenger_id, challenged_id, game_type, state, wake_up_attempts, expires_at, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.pool.Exec(ctx, query,
		c.ID, c.ChallengerID, c.ChallengedID, c.GameType, c.State,
		c.WakeUpAttempts, c.ExpiresAt, c.Metadata, c.CreatedAt, c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return faults.Errorf(faults.Conflict, "challenge %s already exists", c.ID)
	}
	return err
}

func (s *PostgresStore) GetChallenge(ctx context.Context, id string, withParties bool) (*Challenge, error) {
	query := `
		SELECT id, challenger_id, challenged_id, game_type, state, wake_up_attempts, expires_at, metadata, created_at, updated_at
		FROM challenges WHERE id = $1
	`
	var c Challenge
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.ChallengerID, &c.ChallengedID, &c.GameType, &c.State,
		&c.WakeUpAttempts, &c.ExpiresAt, &c.Metadata, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if withParties {
		if c.Challenger, err = s.GetUser(ctx, c.ChallengerID); err != nil {
			return nil, err
		}
		if c.Challenged, err = s.GetUser(ctx, c.ChallengedID); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func (s *PostgresStore) ListPendingForUser(ctx context.Context, userID string) ([]*Challenge, error) {
	query := `
		SELECT id, challenger_id, challenged_id, game_type, state, wake_up_attempts, expires_at, metadata, created_at, updated_at
		FROM challenges WHERE challenged_id = $1 AND state = $2
		ORDER BY created_at DESC
	`
	rows, err := s.pool.Query(ctx, query, userID, ChallengePending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var challenges []*Challenge
	for rows.Next() {
		var c Challenge
		if err := rows.Scan(
			&c.ID, &c.ChallengerID, &c.ChallengedID, &c.GameType, &c.State,
			&c.WakeUpAttempts, &c.ExpiresAt, &c.Metadata, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		challenges = append(challenges, &c)
	}
	return challenges, rows.Err()
}

// UpdateChallengeState moves a challenge to a new state. The WHERE clause is
// the transition table, so illegal moves and terminal rows affect zero rows.
func (s *PostgresStore) UpdateChallengeState(ctx context.Context, id string, to ChallengeState) error {
	if !to.Valid() {
		return faults.Errorf(faults.Validation, "unknown challenge state %q", to)
	}
	sources := sourceStrings(to)
	if len(sources) == 0 {
		return faults.Errorf(faults.Conflict, "state %s is not reachable", to)
	}

	query := `UPDATE challenges SET state = $2, updated_at = NOW() WHERE id = $1 AND state = ANY($3)`
	tag, err := s.pool.Exec(ctx, query, id, to, sources)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return faults.Errorf(faults.Conflict, "challenge %s cannot move to %s", id, to)
	}
	return nil
}

func (s *PostgresStore) IncrementAttempt(ctx context.Context, id string) (int, error) {
	query := `UPDATE challenges SET wake_up_attempts = wake_up_attempts + 1, updated_at = NOW()
		WHERE id = $1 RETURNING wake_up_attempts`
	var attempts int
	err := s.pool.QueryRow(ctx, query, id).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, faults.Errorf(faults.NotFound, "challenge %s not found", id)
	}
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

// MarkExpired sweeps every PENDING challenge whose deadline passed. Rows in
// any other state are untouched regardless of age.
func (s *PostgresStore) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE challenges SET state = $1, updated_at = NOW() WHERE state = $2 AND expires_at < $3`
	tag, err := s.pool.Exec(ctx, query, ChallengeExpired, ChallengePending, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteTerminalOlderThan removes settled challenges last touched before the
// cutoff. Sessions cascade, except a challenge backing a still running
// session is kept.
func (s *PostgresStore) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	terminal := []string{
		string(ChallengeActive), string(ChallengeDeclined),
		string(ChallengeTimeout), string(ChallengeExpired),
	}
	query := `
		DELETE FROM challenges
		WHERE state = ANY($1) AND updated_at < $2
		AND NOT EXISTS (
			SELECT 1 FROM sessions
			WHERE sessions.challenge_id = challenges.id AND sessions.state = $3
		)
	`
	tag, err := s.pool.Exec(ctx, query, terminal, cutoff, SessionActive)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Session Operations ---

// CreateSession inserts the session and activates its challenge in one
// transaction. A challenge outside WAITING_RESPONSE rolls everything back.
func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO sessions (id, challenge_id, challenger_id, challenged_id, game_type, state, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = tx.Exec(ctx, insert,
		sess.ID, sess.ChallengeID, sess.ChallengerID, sess.ChallengedID,
		sess.GameType, sess.State, sess.Metadata, sess.CreatedAt,
	)
	if isUniqueViolation(err) {
		return faults.Errorf(faults.Conflict, "challenge %s already has a session", sess.ChallengeID)
	}
	if err != nil {
		return err
	}

	activate := `UPDATE challenges SET state = $2, updated_at = NOW() WHERE id = $1 AND state = $3`
	tag, err := tx.Exec(ctx, activate, sess.ChallengeID, ChallengeActive, ChallengeWaitingResponse)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return faults.Errorf(faults.Conflict, "challenge %s is not awaiting a response", sess.ChallengeID)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	return s.scanSession(ctx, `SELECT id, challenge_id, challenger_id, challenged_id, game_type, state, metadata, created_at, ended_at
		FROM sessions WHERE id = $1`, id)
}

func (s *PostgresStore) GetSessionByChallenge(ctx context.Context, challengeID string) (*Session, error) {
	return s.scanSession(ctx, `SELECT id, challenge_id, challenger_id, challenged_id, game_type, state, metadata, created_at, ended_at
		FROM sessions WHERE challenge_id = $1`, challengeID)
}

func (s *PostgresStore) scanSession(ctx context.Context, query string, arg any) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&sess.ID, &sess.ChallengeID, &sess.ChallengerID, &sess.ChallengedID,
		&sess.GameType, &sess.State, &sess.Metadata, &sess.CreatedAt, &sess.EndedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// EndSession settles an ACTIVE session. Ending twice is a conflict.
func (s *PostgresStore) EndSession(ctx context.Context, id string, state SessionState, metadata map[string]string) error {
	if !state.Terminal() {
		return faults.Errorf(faults.Validation, "%q is not a terminal session state", state)
	}

	var tag pgconn.CommandTag
	var err error
	if metadata == nil {
		query := `UPDATE sessions SET state = $2, ended_at = NOW() WHERE id = $1 AND state = $3`
		tag, err = s.pool.Exec(ctx, query, id, state, SessionActive)
	} else {
		query := `UPDATE sessions SET state = $2, metadata = $3, ended_at = NOW() WHERE id = $1 AND state = $4`
		tag, err = s.pool.Exec(ctx, query, id, state, metadata, SessionActive)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return faults.Errorf(faults.Conflict, "session %s is not active", id)
	}
	return nil
}

func (s *PostgresStore) ListActiveForUser(ctx context.Context, userID string) ([]*Session, error) {
	query := `
		SELECT id, challenge_id, challenger_id, challenged_id, game_type, state, metadata, created_at, ended_at
		FROM sessions WHERE (challenger_id = $1 OR challenged_id = $1) AND state = $2
		ORDER BY created_at DESC
	`
	rows, err := s.pool.Query(ctx, query, userID, SessionActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(
			&sess.ID, &sess.ChallengeID, &sess.ChallengerID, &sess.ChallengedID,
			&sess.GameType, &sess.State, &sess.Metadata, &sess.CreatedAt, &sess.EndedAt,
		); err != nil {
			return nil, err
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// sourceStrings converts the legal sources for a target state into the text
// array pgx binds to ANY().
func sourceStrings(to ChallengeState) []string {
	sources := ValidSources(to)
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = string(s)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

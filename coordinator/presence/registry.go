// Package presence tracks which users are reachable right now and over
// which connections. All state lives in the shared store under the presence
// TTL, so a crashed coordinator can never strand a user in the online state.
package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/playloop/rendezvous/coordinator/store"
)

// Snapshot is the advisory presence view served to other players. The
// connection set is the source of truth for online status; the hash caches
// what was last written and may lag by one operation.
type Snapshot struct {
	IsOnline        bool      `json:"isOnline"`
	LastSeen        time.Time `json:"lastSeen"`
	ConnectionCount int       `json:"connectionCount"`
}

// Registry maintains per-user presence in the shared store:
//
//	presence:{user}  hash   isOnline, lastSeen, count
//	user_conn:{user} set    live connection IDs
//	conn:{id}        string owning user ID
//
// Every key carries the presence TTL and is refreshed by heartbeats.
type Registry struct {
	shared *store.SharedStore
	ttl    time.Duration
	clock  clockwork.Clock
	log    *logrus.Entry
}

func NewRegistry(shared *store.SharedStore, ttl time.Duration, clock clockwork.Clock, log *logrus.Entry) *Registry {
	return &Registry{shared: shared, ttl: ttl, clock: clock, log: log}
}

// SetOnline registers one connection for the user. Called once per accepted
// live connection; the connection set dedupes repeats.
func (r *Registry) SetOnline(ctx context.Context, userID, connID string) error {
	if err := r.shared.SAdd(ctx, store.UserConnsKey(userID), connID, r.ttl); err != nil {
		return err
	}
	if err := r.shared.Set(ctx, store.ConnKey(connID), userID, r.ttl); err != nil {
		return err
	}
	count, err := r.shared.SCard(ctx, store.UserConnsKey(userID))
	if err != nil {
		return err
	}
	return r.writeSnapshot(ctx, userID, count)
}

// SetOffline drops one connection. The snapshot flips to offline only when
// the last connection goes away.
func (r *Registry) SetOffline(ctx context.Context, userID, connID string) error {
	if err := r.shared.SRem(ctx, store.UserConnsKey(userID), connID); err != nil {
		return err
	}
	if err := r.shared.Del(ctx, store.ConnKey(connID)); err != nil {
		return err
	}
	count, err := r.shared.SCard(ctx, store.UserConnsKey(userID))
	if err != nil {
		return err
	}
	return r.writeSnapshot(ctx, userID, count)
}

// Heartbeat refreshes the presence TTL for a user that is still online. A
// heartbeat arriving after expiry is dropped: only SetOnline creates
// presence state. connID names the connection the heartbeat arrived over
// and may be empty for transport-less heartbeats.
func (r *Registry) Heartbeat(ctx context.Context, userID, connID string) error {
	fields := map[string]string{
		"lastSeen": strconv.FormatInt(r.clock.Now().Unix(), 10),
	}
	ok, err := r.shared.HSetExisting(ctx, store.PresenceKey(userID), fields, r.ttl)
	if err != nil {
		return err
	}
	if !ok {
		r.log.WithField("user_id", userID).Debug("heartbeat after presence expiry dropped")
		return nil
	}
	// The connection set and conn key carry the same deadline as the hash.
	if _, err := r.shared.Expire(ctx, store.UserConnsKey(userID), r.ttl); err != nil {
		return err
	}
	if connID != "" {
		if _, err := r.shared.Expire(ctx, store.ConnKey(connID), r.ttl); err != nil {
			return err
		}
	}
	return nil
}

// IsOnline reports whether at least one connection is registered.
func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	count, err := r.shared.SCard(ctx, store.UserConnsKey(userID))
	return count > 0, err
}

// Connections lists the user's live connection IDs.
func (r *Registry) Connections(ctx context.Context, userID string) ([]string, error) {
	return r.shared.SMembers(ctx, store.UserConnsKey(userID))
}

// UserForConnection resolves a connection ID to its user, or "" when the
// connection is gone.
func (r *Registry) UserForConnection(ctx context.Context, connID string) (string, error) {
	return r.shared.Get(ctx, store.ConnKey(connID))
}

// Snapshot returns the advisory presence view. A user with no presence hash
// reads as offline.
func (r *Registry) Snapshot(ctx context.Context, userID string) (*Snapshot, error) {
	fields, err := r.shared.HGetAll(ctx, store.PresenceKey(userID))
	if err != nil {
		return nil, err
	}
	if fields == nil {
		return &Snapshot{}, nil
	}
	snap := &Snapshot{}
	snap.IsOnline, _ = strconv.ParseBool(fields["isOnline"])
	if n, perr := strconv.ParseInt(fields["lastSeen"], 10, 64); perr == nil {
		snap.LastSeen = time.Unix(n, 0).UTC()
	}
	if n, perr := strconv.Atoi(fields["count"]); perr == nil {
		snap.ConnectionCount = n
	}
	return snap, nil
}

func (r *Registry) writeSnapshot(ctx context.Context, userID string, count int64) error {
	fields := map[string]string{
		"isOnline": strconv.FormatBool(count > 0),
		"lastSeen": strconv.FormatInt(r.clock.Now().Unix(), 10),
		"count":    strconv.FormatInt(count, 10),
	}
	return r.shared.HSetWithTTL(ctx, store.PresenceKey(userID), fields, r.ttl)
}

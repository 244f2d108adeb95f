package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/playloop/rendezvous/coordinator/faults"
	"github.com/playloop/rendezvous/coordinator/observability"
)

// SharedStore is the coordination backend shared by every coordinator
// process: per-challenge locks, presence bookkeeping, the scheduler queue,
// idempotency records and hub fan-out all live here. It is the only
// component that speaks to Redis directly.
type SharedStore struct {
	client *redis.Client
}

func NewSharedStore(addr string, password string, db int) (*SharedStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &SharedStore{client: client}, nil
}

func (s *SharedStore) Close() error {
	return s.client.Close()
}

// Ping verifies the backend is reachable.
func (s *SharedStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// --- Locks ---

// AcquireLock attempts to take a lock with SET key value NX EX ttl.
func (s *SharedStore) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	return s.client.SetNX(ctx, key, ownerID, ttl).Result()
}

// ReleaseLock deletes the lock only if ownerID still holds it.
func (s *SharedStore) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	_, err := s.client.Eval(ctx, script, []string{key}, ownerID).Result()
	return err
}

// RenewLock extends the TTL if ownerID still holds the lock.
// Returns:
//
//	1: extended
//	0: pexpire failed (key vanished between check and expire)
//	-1: key missing
//	-2: owner mismatch
func (s *SharedStore) RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	script := `
		local val = redis.call("get", KEYS[1])
		if not val then
			return -1
		end
		if val == ARGV[1] then
			return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
		else
			return -2
		end
	`
	res, err := s.client.Eval(ctx, script, []string{key}, ownerID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	if val, ok := res.(int64); ok {
		return val == 1, nil
	}
	return false, errors.New("unexpected return type from lua script")
}

// GetLockOwner returns the current owner, or "" when unlocked.
func (s *SharedStore) GetLockOwner(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// ErrLockHeld reports that another owner currently holds the lock. Callers
// that want to wait out a short hold can test for it with errors.Is.
var ErrLockHeld = errors.New("lock held by another owner")

// WithLock runs fn while holding key. A held lock yields a Transient fault
// so callers can surface a retryable failure. The owner token is random per
// acquisition, so a release can never drop a lock taken over by someone
// else after expiry.
func (s *SharedStore) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	owner := uuid.NewString()
	ok, err := s.AcquireLock(ctx, key, owner, ttl)
	if err != nil {
		return faults.Wrap(faults.Transient, err, "lock backend unavailable")
	}
	if !ok {
		observability.LockAcquireFailures.Inc()
		return faults.Wrap(faults.Transient, ErrLockHeld, key+" is locked, retry shortly")
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.ReleaseLock(releaseCtx, key, owner)
	}()

	return fn(ctx)
}

// --- Generic Key-Value Operations ---

func (s *SharedStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Get returns ("", nil) for a missing key.
func (s *SharedStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// SetNX sets the key only if absent. Used for scheduler claims and
// idempotency reservations.
func (s *SharedStore) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *SharedStore) Del(ctx context.Context, keys ...string) error {
	return s.client.Del(ctx, keys...).Err()
}

// Expire refreshes a key's TTL. Returns false when the key does not exist,
// in which case nothing was created.
func (s *SharedStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.Expire(ctx, key, ttl).Result()
}

// Scan returns all keys matching the pattern.
func (s *SharedStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// --- Hash Operations ---

// HSetWithTTL writes hash fields and stamps the key's TTL in one pipeline.
func (s *SharedStore) HSetWithTTL(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	pipe.HSet(ctx, key, args...)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// HGetAll returns (nil, nil) for a missing key.
func (s *SharedStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res, nil
}

// HSetExisting writes hash fields only if the key already exists. Returns
// false when the key is gone; nothing is created in that case.
func (s *SharedStore) HSetExisting(ctx context.Context, key string, fields map[string]string, ttl time.Duration) (bool, error) {
	script := `
		if redis.call("exists", KEYS[1]) == 0 then
			return 0
		end
		for i = 1, #ARGV - 1, 2 do
			redis.call("hset", KEYS[1], ARGV[i], ARGV[i + 1])
		end
		return redis.call("pexpire", KEYS[1], tonumber(ARGV[#ARGV]))
	`
	args := make([]any, 0, len(fields)*2+1)
	for k, v := range fields {
		args = append(args, k, v)
	}
	args = append(args, int64(ttl/time.Millisecond))
	res, err := s.client.Eval(ctx, script, []string{key}, args...).Result()
	if err != nil {
		return false, err
	}
	val, ok := res.(int64)
	return ok && val == 1, nil
}

// --- Set Operations ---

func (s *SharedStore) SAdd(ctx context.Context, key string, member string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, member)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *SharedStore) SRem(ctx context.Context, key string, member string) error {
	return s.client.SRem(ctx, key, member).Err()
}

func (s *SharedStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *SharedStore) SCard(ctx context.Context, key string) (int64, error) {
	return s.client.SCard(ctx, key).Result()
}

// --- Sorted Set Operations (scheduler queue) ---

func (s *SharedStore) ZAdd(ctx context.Context, key string, member string, score float64) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZAddNX adds member only if it is not already in the set, leaving an
// existing score untouched.
func (s *SharedStore) ZAddNX(ctx context.Context, key string, member string, score float64) error {
	return s.client.ZAddNX(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *SharedStore) ZRem(ctx context.Context, key string, member string) error {
	return s.client.ZRem(ctx, key, member).Err()
}

func (s *SharedStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

// ZRangeByScoreMax returns up to count members with score <= max, lowest
// first.
func (s *SharedStore) ZRangeByScoreMax(ctx context.Context, key string, max float64, count int64) ([]string, error) {
	return s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(max, 'f', -1, 64),
		Count: count,
	}).Result()
}

// --- Pub/Sub ---

// Publish broadcasts payload to every subscriber of channel.
func (s *SharedStore) Publish(ctx context.Context, channel string, payload []byte) error {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	return s.client.Publish(ctx, channel, payload).Err()
}

// Subscribe delivers payloads published on channel until ctx is done. The
// returned channel closes when the subscription ends. Subscribe blocks until
// the server confirms the subscription, so a Publish issued after it returns
// is guaranteed to reach the channel.
func (s *SharedStore) Subscribe(ctx context.Context, channel string) <-chan string {
	sub := s.client.Subscribe(ctx, channel)
	// Wait for the subscription ack. On failure the message channel closes
	// immediately and the consumer sees a dead feed rather than a hang.
	_, _ = sub.Receive(ctx)
	out := make(chan string, 64)

	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

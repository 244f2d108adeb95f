package store

import (
	"fmt"
)

// Shared-store key namespaces. Every Redis key the coordinator touches is
// built here so collisions stay impossible to write.
const (
	// SchedQueueKey is the sorted set of scheduled job IDs scored by due time.
	SchedQueueKey = "sched:jobs"

	// EventChannel carries cross-process hub fan-out messages.
	EventChannel = "events:fanout"
)

// PresenceKey holds a user's presence hash. Expires with the presence TTL.
func PresenceKey(userID string) string {
	return fmt.Sprintf("presence:%s", userID)
}

// UserConnsKey holds the set of a user's live connection IDs.
func UserConnsKey(userID string) string {
	return fmt.Sprintf("user_conn:%s", userID)
}

// ConnKey maps a connection ID back to its user.
func ConnKey(connID string) string {
	return fmt.Sprintf("conn:%s", connID)
}

// ChallengeLockKey is the mutex guarding one challenge's state transitions.
func ChallengeLockKey(challengeID string) string {
	return fmt.Sprintf("lock:challenge:%s", challengeID)
}

// IdempotencyKey caches one user's response for a client-chosen key.
func IdempotencyKey(userID, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", userID, key)
}

// SchedJobKey holds a scheduled job's payload.
func SchedJobKey(jobID string) string {
	return fmt.Sprintf("sched:job:%s", jobID)
}

// SchedClaimKey is the at-least-once delivery claim for one job firing.
func SchedClaimKey(jobID string) string {
	return fmt.Sprintf("sched:claim:%s", jobID)
}

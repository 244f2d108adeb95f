package presence

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playloop/rendezvous/coordinator/store"
)

const testTTL = time.Minute

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis, *clockwork.FakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	shared, err := store.NewSharedStore(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { shared.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)
	clock := clockwork.NewFakeClock()
	return NewRegistry(shared, testTTL, clock, logrus.NewEntry(log)), mr, clock
}

func TestMultiDeviceLifecycle(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.SetOnline(ctx, "u1", "conn-a"))
	require.NoError(t, r.SetOnline(ctx, "u1", "conn-b"))

	online, err := r.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)

	snap, err := r.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, snap.IsOnline)
	assert.Equal(t, 2, snap.ConnectionCount)

	conns, err := r.Connections(ctx, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"conn-a", "conn-b"}, conns)

	// One device disconnecting leaves the user online.
	require.NoError(t, r.SetOffline(ctx, "u1", "conn-a"))
	snap, err = r.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, snap.IsOnline)
	assert.Equal(t, 1, snap.ConnectionCount)

	require.NoError(t, r.SetOffline(ctx, "u1", "conn-b"))
	online, err = r.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)

	snap, err = r.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, snap.IsOnline)
	assert.Zero(t, snap.ConnectionCount)
}

func TestSetOnlineDedupesConnection(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.SetOnline(ctx, "u1", "conn-a"))
	require.NoError(t, r.SetOnline(ctx, "u1", "conn-a"))

	snap, err := r.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ConnectionCount)
}

func TestPresenceExpires(t *testing.T) {
	r, mr, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.SetOnline(ctx, "u1", "conn-a"))
	mr.FastForward(testTTL + time.Second)

	online, err := r.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)

	snap, err := r.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, snap.IsOnline)
}

func TestHeartbeatNeverResurrects(t *testing.T) {
	r, mr, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.SetOnline(ctx, "u1", "conn-a"))
	mr.FastForward(testTTL + time.Second)

	require.NoError(t, r.Heartbeat(ctx, "u1", "conn-a"))

	snap, err := r.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, snap.IsOnline)

	online, err := r.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestHeartbeatExtendsDeadline(t *testing.T) {
	r, mr, clock := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.SetOnline(ctx, "u1", "conn-a"))

	mr.FastForward(testTTL / 2)
	clock.Advance(testTTL / 2)
	require.NoError(t, r.Heartbeat(ctx, "u1", "conn-a"))

	// Past the original deadline but inside the refreshed one.
	mr.FastForward(testTTL * 3 / 4)

	online, err := r.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)

	user, err := r.UserForConnection(ctx, "conn-a")
	require.NoError(t, err)
	assert.Equal(t, "u1", user)
}

func TestUserForConnection(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.SetOnline(ctx, "u1", "conn-a"))

	user, err := r.UserForConnection(ctx, "conn-a")
	require.NoError(t, err)
	assert.Equal(t, "u1", user)

	require.NoError(t, r.SetOffline(ctx, "u1", "conn-a"))
	user, err = r.UserForConnection(ctx, "conn-a")
	require.NoError(t, err)
	assert.Empty(t, user)
}

func TestSnapshotLastSeenTracksClock(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.SetOnline(ctx, "u1", "conn-a"))

	snap, err := r.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Unix(), snap.LastSeen.Unix())

	clock.Advance(10 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, "u1", ""))

	snap, err = r.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Unix(), snap.LastSeen.Unix())
}

func TestSnapshotForUnknownUser(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	snap, err := r.Snapshot(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, snap.IsOnline)
	assert.Zero(t, snap.ConnectionCount)
}

package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playloop/rendezvous/coordinator/faults"
)

func TestPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter22")
	require.NoError(t, err)
	require.NotEqual(t, "hunter22", hash)

	require.NoError(t, CheckPassword(hash, "hunter22"))

	err = CheckPassword(hash, "hunter23")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Unauthorized))
}

func TestPasswordHashesDiffer(t *testing.T) {
	a, err := HashPassword("same-input")
	require.NoError(t, err)
	b, err := HashPassword("same-input")
	require.NoError(t, err)
	// bcrypt salts per call
	assert.NotEqual(t, a, b)
}

package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLease(t *testing.T) {
	s, client := setupTestRedis(t)

	first, err := AcquireLease(client, "dispatch:1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := AcquireLease(client, "dispatch:1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second, "a held lease cannot be taken twice")

	held, _ := IsLeaseHeld(client, "dispatch:1")
	assert.True(t, held)

	require.NoError(t, first.Release(client))
	held, _ = IsLeaseHeld(client, "dispatch:1")
	assert.False(t, held)

	third, _ := AcquireLease(client, "dispatch:1", time.Second)
	require.NotNil(t, third)
	s.FastForward(2 * time.Second)

	fourth, _ := AcquireLease(client, "dispatch:1", time.Minute)
	require.NotNil(t, fourth, "an expired lease is free again")

	//the stale holder must not release the new holder's lease
	require.NoError(t, third.Release(client))
	held, _ = IsLeaseHeld(client, "dispatch:1")
	assert.True(t, held)
}

package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocation_Lifecycle(t *testing.T) {
	_, client := setupTestRedis(t)

	info := &ResourceAllocateInfo{
		JobIdentity:   3,
		RunMode:       RUN_MODE_CONTAINER,
		AllocateState: ALLOCATE_PENDING_ADMISSION,
		CreateTime:    time.Now(),
	}
	require.NoError(t, info.Create(client))
	assert.Equal(t, ErrAllocationExists, info.Create(client))

	waiting, err := AllocationsInState(client, ALLOCATE_PENDING_ADMISSION)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, JobIdentity(3), waiting[0].JobIdentity)

	_, applied, err := CompareAndSwapAllocation(client, 3, []AllocateState{ALLOCATE_PENDING_ADMISSION}, func(a *ResourceAllocateInfo) error {
		a.AllocateState = ALLOCATE_PREPARING
		return nil
	})
	require.NoError(t, err)
	assert.True(t, applied)

	//a second caller expecting the old state loses
	_, applied, err = CompareAndSwapAllocation(client, 3, []AllocateState{ALLOCATE_PENDING_ADMISSION}, func(a *ResourceAllocateInfo) error {
		a.AllocateState = ALLOCATE_PREPARING
		return nil
	})
	require.NoError(t, err)
	assert.False(t, applied)

	waiting, _ = AllocationsInState(client, ALLOCATE_PENDING_ADMISSION)
	assert.Len(t, waiting, 0)
	preparing, _ := AllocationsInState(client, ALLOCATE_PREPARING)
	assert.Len(t, preparing, 1)
}

/**
moving to RELEASED should drop the allocation from the state indexes and write an archive copy
*/
func TestAllocation_ReleaseArchives(t *testing.T) {
	_, client := setupTestRedis(t)
	info := &ResourceAllocateInfo{
		JobIdentity:          4,
		RunMode:              RUN_MODE_PROCESS,
		AllocateState:        ALLOCATE_AVAILABLE,
		SupervisorEndpointId: "local",
		Endpoint:             &SELF_ENDPOINT,
		CreateTime:           time.Now(),
	}
	require.NoError(t, info.Create(client))

	for _, next := range []AllocateState{ALLOCATE_RELEASING, ALLOCATE_RELEASED} {
		target := next
		_, applied, err := CompareAndSwapAllocation(client, 4, []AllocateState{ALLOCATE_AVAILABLE, ALLOCATE_RELEASING}, func(a *ResourceAllocateInfo) error {
			a.AllocateState = target
			return nil
		})
		require.NoError(t, err)
		assert.True(t, applied)
	}

	archived, err := ArchivedAllocationForJob(4, client)
	require.NoError(t, err)
	require.NotNil(t, archived)
	assert.Equal(t, "local", archived.SupervisorEndpointId)
	assert.Equal(t, SELF_ENDPOINT, *archived.Endpoint)
	assert.False(t, archived.ReleaseTime.IsZero())

	releasing, _ := AllocationsInState(client, ALLOCATE_RELEASING)
	assert.Len(t, releasing, 0)

	stored, _ := AllocationForJob(4, client)
	assert.Equal(t, ALLOCATE_RELEASED, stored.AllocateState)
	assert.False(t, stored.NeedsRelease())
}

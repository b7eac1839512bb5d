package resource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/guardian/taskrunner/common/models"
	"github.com/guardian/taskrunner/orchestrator/k8s"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
)

func createAllocation(t *testing.T, client *redis.Client, id models.JobIdentity, mode models.RunMode, state models.AllocateState) {
	info := &models.ResourceAllocateInfo{
		JobIdentity:    id,
		RunMode:        mode,
		ResourceRegion: "eu",
		ResourceGroup:  "default",
		AllocateState:  state,
		CreateTime:     time.Now(),
	}
	require.NoError(t, info.Create(client))
}

func localProvisionerFor(client *redis.Client) LocalProvisioner {
	return func(ctx context.Context, request *AllocationRequest) (*models.SupervisorEndpointRecord, error) {
		rec := &models.SupervisorEndpointRecord{
			Id:      "self-test",
			Host:    models.SELF_ENDPOINT.Host,
			Port:    models.SELF_ENDPOINT.Port,
			State:   models.ENDPOINT_AVAILABLE,
			RunMode: models.RUN_MODE_PROCESS,
			Region:  request.Region,
			Group:   request.Group,
		}
		return rec, rec.Store(client)
	}
}

/**
a process job with no endpoint should get the local one provisioned and granted
*/
func TestAllocateTick_ProcessProvisionsLocal(t *testing.T) {
	_, client := setupTestRedis(t)
	probe := &fakeProbe{}
	strategies := Strategies{models.RUN_MODE_PROCESS: NewProcessStrategy(client, nil, probe)}
	allocator := NewResourceAllocator(client, strategies, probe, localProvisionerFor(client), time.Minute, 3)

	createAllocation(t, client, 1, models.RUN_MODE_PROCESS, models.ALLOCATE_PREPARING)
	createAllocation(t, client, 2, models.RUN_MODE_LEGACY, models.ALLOCATE_PREPARING)

	allocator.AllocateTick(context.Background())

	for _, id := range []models.JobIdentity{1, 2} {
		info, err := models.AllocationForJob(id, client)
		require.NoError(t, err)
		assert.Equal(t, models.ALLOCATE_AVAILABLE, info.AllocateState, "job %s", id)
		assert.Equal(t, "self-test", info.SupervisorEndpointId)
		require.NotNil(t, info.Endpoint)
		assert.True(t, info.Endpoint.IsSelf())
	}

	rec, _ := models.EndpointForId("self-test", client)
	assert.Equal(t, 2, rec.Loads, "process endpoints are shared")
}

func TestAllocateTick_SkipsDeadSupervisors(t *testing.T) {
	_, client := setupTestRedis(t)
	probe := &fakeProbe{}
	strategies := Strategies{models.RUN_MODE_PROCESS: NewProcessStrategy(client, nil, probe)}
	allocator := NewResourceAllocator(client, strategies, probe, nil, time.Minute, 3)

	dead := &models.SupervisorEndpointRecord{Id: "a-dead", Host: "10.0.0.1", Port: 1, State: models.ENDPOINT_AVAILABLE, RunMode: models.RUN_MODE_PROCESS, Region: "eu", Group: "default"}
	busy := &models.SupervisorEndpointRecord{Id: "b-busy", Host: "10.0.0.2", Port: 1, State: models.ENDPOINT_AVAILABLE, RunMode: models.RUN_MODE_PROCESS, Region: "eu", Group: "default", Loads: 5}
	quiet := &models.SupervisorEndpointRecord{Id: "c-quiet", Host: "10.0.0.3", Port: 1, State: models.ENDPOINT_AVAILABLE, RunMode: models.RUN_MODE_PROCESS, Region: "eu", Group: "default", Loads: 1}
	for _, r := range []*models.SupervisorEndpointRecord{dead, busy, quiet} {
		require.NoError(t, r.Store(client))
	}
	probe.kill(dead.Endpoint())

	createAllocation(t, client, 3, models.RUN_MODE_PROCESS, models.ALLOCATE_PREPARING)
	allocator.AllocateTick(context.Background())

	info, _ := models.AllocationForJob(3, client)
	assert.Equal(t, models.ALLOCATE_AVAILABLE, info.AllocateState)
	assert.Equal(t, "c-quiet", info.SupervisorEndpointId, "the least loaded live endpoint should win")
}

/**
container jobs go PREPARING -> CREATING_RESOURCE -> AVAILABLE as their pod comes up, and one pod is
never granted to two jobs
*/
func TestAllocateTick_ContainerLifecycle(t *testing.T) {
	_, client := setupTestRedis(t)
	pods := k8s.NewPodInterfaceMock()
	probe := &fakeProbe{}
	strategies := Strategies{models.RUN_MODE_CONTAINER: NewContainerStrategy(client, k8s.NewPodJobClient(pods.Factory(), nil), "jobs", testPodConfig(), 0)}
	allocator := NewResourceAllocator(client, strategies, probe, nil, time.Minute, 3)
	ctx := context.Background()

	createAllocation(t, client, 20, models.RUN_MODE_CONTAINER, models.ALLOCATE_PREPARING)
	allocator.AllocateTick(ctx)

	info, _ := models.AllocationForJob(20, client)
	require.Equal(t, models.ALLOCATE_CREATING_RESOURCE, info.AllocateState)
	require.Len(t, pods.CreatedNames, 1)
	podName := pods.CreatedNames[0]
	assert.Equal(t, podName, info.SupervisorEndpointId)

	//still creating, nothing changes
	allocator.AllocateTick(ctx)
	info, _ = models.AllocationForJob(20, client)
	assert.Equal(t, models.ALLOCATE_CREATING_RESOURCE, info.AllocateState)

	pods.SetContainerState(podName, "10.1.1.1", true, corev1.ContainerState{Running: &corev1.ContainerStateRunning{}})
	allocator.AllocateTick(ctx)
	info, _ = models.AllocationForJob(20, client)
	assert.Equal(t, models.ALLOCATE_AVAILABLE, info.AllocateState)
	assert.Equal(t, "10.1.1.1", info.Endpoint.Host)

	//a second job must get its own pod
	createAllocation(t, client, 21, models.RUN_MODE_CONTAINER, models.ALLOCATE_PREPARING)
	allocator.AllocateTick(ctx)
	second, _ := models.AllocationForJob(21, client)
	assert.Equal(t, models.ALLOCATE_CREATING_RESOURCE, second.AllocateState)
	assert.NotEqual(t, podName, second.SupervisorEndpointId)
	assert.Len(t, pods.CreatedNames, 2)

	//once the first job gives its pod back, a third can re-use it
	_, err := models.ReleaseEndpointLoad(client, podName)
	require.NoError(t, err)
	createAllocation(t, client, 22, models.RUN_MODE_CONTAINER, models.ALLOCATE_PREPARING)
	allocator.AllocateTick(ctx)
	third, _ := models.AllocationForJob(22, client)
	assert.Equal(t, models.ALLOCATE_AVAILABLE, third.AllocateState)
	assert.Equal(t, podName, third.SupervisorEndpointId)
}

func TestAllocateTick_BoundedProvisioningRetries(t *testing.T) {
	_, client := setupTestRedis(t)
	pods := k8s.NewPodInterfaceMock()
	pods.CreateError = errors.New("quota exceeded")
	strategies := Strategies{models.RUN_MODE_CONTAINER: NewContainerStrategy(client, k8s.NewPodJobClient(pods.Factory(), nil), "jobs", testPodConfig(), 0)}
	allocator := NewResourceAllocator(client, strategies, &fakeProbe{}, nil, time.Minute, 2)
	ctx := context.Background()

	createAllocation(t, client, 30, models.RUN_MODE_CONTAINER, models.ALLOCATE_PREPARING)
	allocator.AllocateTick(ctx)
	info, _ := models.AllocationForJob(30, client)
	assert.Equal(t, models.ALLOCATE_PREPARING, info.AllocateState)
	assert.Equal(t, 1, info.ProvisionAttempts)

	allocator.AllocateTick(ctx)
	info, _ = models.AllocationForJob(30, client)
	assert.Equal(t, models.ALLOCATE_FAILED, info.AllocateState)
	assert.Contains(t, info.FailReason, "quota exceeded")
}

func TestAllocateTick_BrokenPodIsAbandoned(t *testing.T) {
	_, client := setupTestRedis(t)
	pods := k8s.NewPodInterfaceMock()
	strategies := Strategies{models.RUN_MODE_CONTAINER: NewContainerStrategy(client, k8s.NewPodJobClient(pods.Factory(), nil), "jobs", testPodConfig(), 0)}
	allocator := NewResourceAllocator(client, strategies, &fakeProbe{}, nil, time.Minute, 1)
	ctx := context.Background()

	createAllocation(t, client, 31, models.RUN_MODE_CONTAINER, models.ALLOCATE_PREPARING)
	allocator.AllocateTick(ctx)
	podName := pods.CreatedNames[0]

	pods.SetContainerState(podName, "", false, corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"}})
	allocator.AllocateTick(ctx)

	info, _ := models.AllocationForJob(31, client)
	assert.Equal(t, models.ALLOCATE_FAILED, info.AllocateState)
	rec, _ := models.EndpointForId(podName, client)
	assert.Equal(t, models.ENDPOINT_UNAVAILABLE, rec.State, "the broken pod should be left for the reclaimer")
}

func TestAllocateTick_Expiry(t *testing.T) {
	_, client := setupTestRedis(t)
	probe := &fakeProbe{}
	strategies := Strategies{models.RUN_MODE_PROCESS: NewProcessStrategy(client, nil, probe)}
	allocator := NewResourceAllocator(client, strategies, probe, nil, time.Minute, 3)
	allocator.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	createAllocation(t, client, 40, models.RUN_MODE_PROCESS, models.ALLOCATE_PREPARING)
	allocator.AllocateTick(context.Background())

	info, _ := models.AllocationForJob(40, client)
	assert.Equal(t, models.ALLOCATE_FAILED, info.AllocateState)
	assert.Contains(t, info.FailReason, "no resource allocated")
}

func TestReclaimer(t *testing.T) {
	_, client := setupTestRedis(t)
	pods := k8s.NewPodInterfaceMock()
	probe := &fakeProbe{}
	container := NewContainerStrategy(client, k8s.NewPodJobClient(pods.Factory(), nil), "jobs", testPodConfig(), time.Minute)
	strategies := Strategies{
		models.RUN_MODE_CONTAINER: container,
		models.RUN_MODE_PROCESS:   NewProcessStrategy(client, nil, probe),
	}
	ctx := context.Background()

	var names []string
	for i := 0; i < 3; i++ {
		rec, err := container.HandleNoResourceAvailable(ctx, containerRequest(models.JobIdentity(50+i)))
		require.NoError(t, err)
		pods.SetContainerState(rec.Id, "10.0.0.9", true, corev1.ContainerState{Running: &corev1.ContainerStateRunning{}})
		_, err = models.UpdateEndpoint(client, rec.Id, func(r *models.SupervisorEndpointRecord) error {
			r.Host = "10.0.0.9"
			r.State = models.ENDPOINT_AVAILABLE
			return nil
		})
		require.NoError(t, err)
		names = append(names, rec.Id)
		time.Sleep(5 * time.Millisecond)
	}
	local := &models.SupervisorEndpointRecord{Id: "self-x", Host: "127.0.0.1", Port: -1, State: models.ENDPOINT_AVAILABLE, RunMode: models.RUN_MODE_PROCESS}
	require.NoError(t, local.Store(client))

	reclaimer := NewReclaimer(client, strategies)
	reclaimer.DryRun = true
	wouldRelease, err := reclaimer.ReclaimIdleEndpoints(ctx)
	require.NoError(t, err)
	assert.Len(t, wouldRelease, 2)
	assert.Len(t, pods.KnownPods, 3, "dry run must not delete anything")

	reclaimer.DryRun = false
	released, err := reclaimer.ReclaimIdleEndpoints(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, names[:2], released, "the most recently used pod is kept warm")
	assert.Len(t, pods.KnownPods, 1)
	_, stillThere := pods.KnownPods[names[2]]
	assert.True(t, stillThere)

	rec, _ := models.EndpointForId("self-x", client)
	assert.NotEqual(t, models.ENDPOINT_ABANDON, rec.State, "process endpoints are never reclaimed")
}

package resource

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/guardian/taskrunner/common/models"
	"github.com/guardian/taskrunner/orchestrator/k8s"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
)

func TestReclaimer_ReclaimIdleEndpoints(t *testing.T) {
	_, client := setupTestRedis(t)
	pods := k8s.NewPodInterfaceMock()
	strategy := NewContainerStrategy(client, k8s.NewPodJobClient(pods.Factory(), nil), "jobs", testPodConfig(), time.Hour)
	ctx := context.Background()

	running := corev1.ContainerState{Running: &corev1.ContainerStateRunning{}}
	ids := make([]string, 0, 2)
	for _, jobId := range []models.JobIdentity{20, 21} {
		request := containerRequest(jobId)
		rec, err := strategy.HandleNoResourceAvailable(ctx, request)
		require.NoError(t, err)
		pods.SetContainerState(rec.Id, "10.0.0.1", true, running)
		request.Allocation = &models.ResourceAllocateInfo{JobIdentity: jobId, SupervisorEndpointId: rec.Id}
		ready, err := strategy.DetectIfEndpointIsAvailable(ctx, request)
		require.NoError(t, err)
		require.NotNil(t, ready)
		ids = append(ids, rec.Id)
	}
	healthy, broken := ids[0], ids[1]
	pods.SetContainerState(broken, "10.0.0.1", false, corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"}})

	reclaimer := NewReclaimer(client, Strategies{models.RUN_MODE_CONTAINER: strategy})
	reclaimer.DryRun = true
	released, err := reclaimer.ReclaimIdleEndpoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{broken}, released, "the healthy idle pod is kept warm")
	assert.Len(t, pods.KnownPods, 2, "dry run deletes nothing")

	reclaimer.DryRun = false
	released, err = reclaimer.ReclaimIdleEndpoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{broken}, released)
	assert.Len(t, pods.KnownPods, 1)
	_, stillThere := pods.KnownPods[healthy]
	assert.True(t, stillThere)

	stored, _ := models.EndpointForId(broken, client)
	assert.Equal(t, models.ENDPOINT_ABANDON, stored.State)

	released, err = reclaimer.ReclaimIdleEndpoints(ctx)
	require.NoError(t, err)
	assert.Empty(t, released, "abandoned endpoints are no longer candidates")
}

/**
a PodClient that binds a job to one endpoint the first time its pod is looked up, the way another
orchestrator would between the reclaimer's listing and its release
*/
type claimOnGetPodClient struct {
	PodClient
	client  *redis.Client
	target  string
	claimed bool
	t       *testing.T
}

func (c *claimOnGetPodClient) Get(ctx context.Context, namespace string, name string) (*models.PodResource, error) {
	if name == c.target && !c.claimed {
		_, err := models.ClaimEndpointLoad(c.client, c.target, true)
		require.NoError(c.t, err)
		c.claimed = true
	}
	return c.PodClient.Get(ctx, namespace, name)
}

func TestReclaimer_KeepsEndpointClaimedAfterListing(t *testing.T) {
	_, client := setupTestRedis(t)
	pods := k8s.NewPodInterfaceMock()
	podClient := &claimOnGetPodClient{PodClient: k8s.NewPodJobClient(pods.Factory(), nil), client: client, t: t}
	strategy := NewContainerStrategy(client, podClient, "jobs", testPodConfig(), 0)
	ctx := context.Background()

	running := corev1.ContainerState{Running: &corev1.ContainerStateRunning{}}
	ids := make([]string, 0, 2)
	for _, jobId := range []models.JobIdentity{30, 31} {
		request := containerRequest(jobId)
		rec, err := strategy.HandleNoResourceAvailable(ctx, request)
		require.NoError(t, err)
		pods.SetContainerState(rec.Id, "10.0.0.1", true, running)
		request.Allocation = &models.ResourceAllocateInfo{JobIdentity: jobId, SupervisorEndpointId: rec.Id}
		ready, err := strategy.DetectIfEndpointIsAvailable(ctx, request)
		require.NoError(t, err)
		require.NotNil(t, ready)
		ids = append(ids, rec.Id)
	}
	claimed, idle := ids[0], ids[1]
	podClient.target = claimed

	reclaimer := NewReclaimer(client, Strategies{models.RUN_MODE_CONTAINER: strategy})
	released, err := reclaimer.ReclaimIdleEndpoints(ctx)
	require.NoError(t, err)
	require.True(t, podClient.claimed)
	assert.Equal(t, []string{idle}, released)

	_, podKept := pods.KnownPods[claimed]
	assert.True(t, podKept, "a pod with a job bound to it is not deleted")
	stored, _ := models.EndpointForId(claimed, client)
	assert.Equal(t, models.ENDPOINT_AVAILABLE, stored.State)
	assert.Equal(t, 1, stored.Loads)

	gone, _ := models.EndpointForId(idle, client)
	assert.Equal(t, models.ENDPOINT_ABANDON, gone.State)
	_, idleKept := pods.KnownPods[idle]
	assert.False(t, idleKept)
}

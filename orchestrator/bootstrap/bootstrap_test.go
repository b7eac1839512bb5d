package bootstrap

import (
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis/v7"
	"github.com/guardian/taskrunner/common/helpers"
	"github.com/guardian/taskrunner/common/models"
	"github.com/guardian/taskrunner/orchestrator/k8s"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPodConfigFromConfig(t *testing.T) {
	conf, err := helpers.ParseConfig([]byte(`
kubernetes:
  image: registry.local/executor:3
  cpuRequest: 500m
  memoryRequest: 1Gi
`), "test")
	require.NoError(t, err)

	podConfig := PodConfigFromConfig(conf)
	assert.Equal(t, "registry.local/executor:3", podConfig.Image)
	assert.Equal(t, "IfNotPresent", podConfig.ImagePullPolicy)
	assert.Equal(t, 9999, podConfig.ServicePort)
	assert.Equal(t, "500m", podConfig.CpuRequest)
	assert.Equal(t, "true", podConfig.Labels[k8s.LABEL_MANAGED])
}

func TestNewOrchestrator_ProcessOnly(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})

	var conf helpers.Config
	conf.ApplyDefaults()
	orch := NewOrchestrator(&conf, client, "")
	defer orch.Close()

	_, hasProcess := orch.Strategies.For(models.RUN_MODE_PROCESS)
	_, hasLegacy := orch.Strategies.For(models.RUN_MODE_LEGACY)
	_, hasContainer := orch.Strategies.For(models.RUN_MODE_CONTAINER)
	assert.True(t, hasProcess)
	assert.True(t, hasLegacy)
	assert.False(t, hasContainer)

	first, _ := models.NewRedisSequence(client, JOB_SEQUENCE_NAME).NextId()
	assert.Equal(t, models.JobIdentity(1), first, "job ids come from the shared sequence")
}

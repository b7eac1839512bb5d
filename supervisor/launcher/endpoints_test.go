package launcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v7"
	"github.com/guardian/taskrunner/common/helpers"
	"github.com/guardian/taskrunner/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postCommand(t *testing.T, baseUrl string, commandType models.CommandType, jc models.JobContext) (*http.Response, models.CommandAck) {
	body, _ := json.Marshal(models.NewTaskCommand(commandType, jc, nil))
	response, err := http.Post(baseUrl+commandType.Path(), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer response.Body.Close()
	var ack models.CommandAck
	_ = helpers.ReadJsonBody(response.Body, &ack)
	return response, ack
}

func TestSupervisorEndpoints(t *testing.T) {
	l, dir := newTestLauncher(t, nil)
	script := writeScript(t, dir, "job.sh", `echo "PROGRESS 0.5"`)

	var conf helpers.Config
	conf.ApplyDefaults()
	router := chi.NewRouter()
	NewSupervisorEndpoints(l).WireUp(router, conf.Transport)
	server := httptest.NewServer(router)
	defer server.Close()

	jc := models.JobContext{JobIdentity: 21, JobType: "sql-batch", Parameters: map[string]string{"command": script}}
	response, ack := postCommand(t, server.URL, models.COMMAND_START, jc)
	assert.Equal(t, 200, response.StatusCode)
	assert.Equal(t, "ok", ack.Status)
	require.NotNil(t, ack.ExecutorEndpoint)
	assert.Equal(t, "10.1.2.3", ack.ExecutorEndpoint.Host)

	waitForStatus(t, l, 21, models.TASK_DONE)
	resultResponse, err := http.Get(fmt.Sprintf("%s/task/result?jobId=21", server.URL))
	require.NoError(t, err)
	var result models.TaskResult
	require.NoError(t, helpers.ReadJsonBody(resultResponse.Body, &result))
	resultResponse.Body.Close()
	assert.Equal(t, models.TASK_DONE, result.Status)
	assert.Equal(t, models.JobIdentity(21), result.JobIdentity)

	missing, err := http.Get(server.URL + "/task/result?jobId=22")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, 404, missing.StatusCode)

	response, _ = postCommand(t, server.URL, models.COMMAND_STOP, models.JobContext{JobIdentity: 22})
	assert.Equal(t, 404, response.StatusCode, "stopping an unknown task")

	response, _ = postCommand(t, server.URL, models.COMMAND_DESTROY, models.JobContext{JobIdentity: 22})
	assert.Equal(t, 200, response.StatusCode, "destroy is idempotent")

	response, _ = postCommand(t, server.URL, models.COMMAND_START, models.JobContext{JobIdentity: 23, Parameters: map[string]string{"command": dir}})
	assert.Equal(t, 400, response.StatusCode, "a directory is not a command")

	response, _ = postCommand(t, server.URL, models.COMMAND_DESTROY, jc)
	assert.Equal(t, 200, response.StatusCode)
	assert.Nil(t, l.Result(21))

	bogus, err := http.Post(server.URL+"/task/command/explode", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	bogus.Body.Close()
	assert.Equal(t, 404, bogus.StatusCode)

	heartbeat, err := http.Get(server.URL + "/heartbeat")
	require.NoError(t, err)
	heartbeat.Body.Close()
	assert.Equal(t, 200, heartbeat.StatusCode)
}

func TestRegister(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})

	conf := helpers.SupervisorConfig{AdvertiseHost: "10.0.0.4", Port: 9999}
	rec, err := Register(client, conf, "eu", "default")
	require.NoError(t, err)
	assert.Equal(t, "supervisor-10.0.0.4-9999", rec.Id)
	assert.Equal(t, models.RUN_MODE_PROCESS, rec.RunMode)
	assert.Equal(t, models.ENDPOINT_AVAILABLE, rec.State)

	_, err = models.ClaimEndpointLoad(client, rec.Id, false)
	require.NoError(t, err)
	require.NoError(t, Deregister(client, conf))
	stored, _ := models.EndpointForId(rec.Id, client)
	assert.Equal(t, models.ENDPOINT_UNAVAILABLE, stored.State)

	rec, err = Register(client, conf, "eu", "default")
	require.NoError(t, err)
	assert.Equal(t, models.ENDPOINT_AVAILABLE, rec.State)
	assert.Equal(t, 1, rec.Loads, "load survives a restart")

	found, err := models.CollectEndpoints(client, models.RUN_MODE_PROCESS, "eu", "default")
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

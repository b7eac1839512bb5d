package jobrunner

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/guardian/taskrunner/common/helpers"
	"github.com/guardian/taskrunner/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskResultHandler(t *testing.T) {
	runner, _, _ := setupProcessRunner(t)
	id := submitProcessJob(t, runner)
	runner.Tick(context.Background())
	handler := TaskResultHandler{runner: runner}

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"running report", fmt.Sprintf(`{"jobIdentity":%d,"status":"RUNNING","progress":0.3}`, id), 200},
		{"unknown status", fmt.Sprintf(`{"jobIdentity":%d,"status":"WOBBLING"}`, id), 422},
		{"unknown job", `{"jobIdentity":9999,"status":"DONE"}`, 404},
		{"no identity", `{"status":"DONE"}`, 400},
		{"not json", `{{{`, 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := helpers.NewMockResponseWriter()
			req := httptest.NewRequest("POST", "/api/task/result", bytes.NewBufferString(tt.body))
			handler.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.StatusCode())
		})
	}

	w := helpers.NewMockResponseWriter()
	req := httptest.NewRequest("GET", "/api/task/result", nil)
	handler.ServeHTTP(w, req)
	assert.Equal(t, 405, w.StatusCode())
}

func TestJobRunnerEndpoints_WireUp(t *testing.T) {
	runner, _, _ := setupProcessRunner(t)
	id := submitProcessJob(t, runner)
	runner.Tick(context.Background())

	router := chi.NewRouter()
	NewJobRunnerEndpoints(runner).WireUp(router, "/api/task")
	server := httptest.NewServer(router)
	defer server.Close()

	response, err := http.Post(server.URL+"/api/task/result", "application/json",
		bytes.NewBufferString(fmt.Sprintf(`{"jobIdentity":%d,"status":"DONE","progress":1}`, id)))
	require.NoError(t, err)
	response.Body.Close()
	assert.Equal(t, 200, response.StatusCode)

	job, _ := runner.GetJob(id)
	assert.Equal(t, models.JOB_DONE, job.Status)

	response, err = http.Post(server.URL+"/api/task/heartbeat", "application/json", bytes.NewBufferString(`{"jobIdentity":9999}`))
	require.NoError(t, err)
	response.Body.Close()
	assert.Equal(t, 404, response.StatusCode)

	response, err = http.Get(fmt.Sprintf("%s/api/task/status?jobId=%d", server.URL, id))
	require.NoError(t, err)
	var fetched models.JobRecord
	require.NoError(t, helpers.ReadJsonBody(response.Body, &fetched))
	response.Body.Close()
	assert.Equal(t, models.JOB_DONE, fetched.Status)

	response, err = http.Get(server.URL + "/api/task/status?jobId=zzz")
	require.NoError(t, err)
	response.Body.Close()
	assert.Equal(t, 400, response.StatusCode)

	response, err = http.Get(server.URL + "/healthcheck")
	require.NoError(t, err)
	response.Body.Close()
	assert.Equal(t, 200, response.StatusCode)
}

func TestTaskCancelHandler(t *testing.T) {
	runner, _, _ := setupProcessRunner(t)
	id := submitProcessJob(t, runner)
	handler := TaskCancelHandler{runner: runner}

	w := helpers.NewMockResponseWriter()
	req := httptest.NewRequest("POST", fmt.Sprintf("/api/task/cancel?jobId=%d", id), nil)
	handler.ServeHTTP(w, req)
	assert.Equal(t, 200, w.StatusCode())

	var answer map[string]interface{}
	require.NoError(t, w.LastWrittenJson(&answer))
	assert.Equal(t, string(models.JOB_CANCELED), answer["jobStatus"])
}

package jobrunner

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v7"
	"github.com/guardian/taskrunner/common/helpers"
	"github.com/guardian/taskrunner/common/models"
	"github.com/guardian/taskrunner/common/supervisorclient"
	"github.com/guardian/taskrunner/orchestrator/resource"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	s, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	t.Cleanup(s.Close)
	return s, redis.NewClient(&redis.Options{Addr: s.Addr()})
}

/**
stands in for a supervisor and the executor it launches, both answering on the same port
*/
type fakeSupervisor struct {
	mtx      sync.Mutex
	server   *httptest.Server
	port     int
	commands map[models.CommandType]int
	results  map[models.JobIdentity]*models.TaskResult
	refuse   bool
}

func newFakeSupervisor(t *testing.T) *fakeSupervisor {
	f := &fakeSupervisor{
		commands: make(map[models.CommandType]int),
		results:  make(map[models.JobIdentity]*models.TaskResult),
	}

	router := chi.NewRouter()
	router.Get("/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	})
	router.Post("/task/command/{type}", func(w http.ResponseWriter, r *http.Request) {
		commandType, _ := models.ParseCommandType(chi.URLParam(r, "type"))
		f.mtx.Lock()
		defer f.mtx.Unlock()
		if f.refuse {
			helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "error", Detail: "refused"}, w, 400)
			return
		}
		f.commands[commandType]++
		helpers.WriteJsonContent(models.CommandAck{
			Status: "ok",
			ExecutorEndpoint: &models.ExecutorEndpoint{
				Protocol:       "http",
				Host:           "127.0.0.1",
				SupervisorPort: f.port,
				ExecutorPort:   f.port,
				Identifier:     "exec-1",
			},
		}, w, 200)
	})
	router.Get("/task/result", func(w http.ResponseWriter, r *http.Request) {
		id, errResponse := helpers.GetJobIdFromQuerystring(r.RequestURI)
		if errResponse != nil {
			helpers.WriteJsonContent(errResponse, w, 400)
			return
		}
		f.mtx.Lock()
		result, found := f.results[id]
		f.mtx.Unlock()
		if !found {
			w.WriteHeader(404)
			return
		}
		content, _ := json.Marshal(result)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(content)
	})

	f.server = httptest.NewServer(router)
	t.Cleanup(f.server.Close)
	_, portString, _ := net.SplitHostPort(f.server.Listener.Addr().String())
	f.port, _ = strconv.Atoi(portString)
	return f
}

func (f *fakeSupervisor) setResult(result *models.TaskResult) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.results[result.JobIdentity] = result
}

func (f *fakeSupervisor) commandCount(commandType models.CommandType) int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.commands[commandType]
}

func (f *fakeSupervisor) setRefuse(refuse bool) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.refuse = refuse
}

func testTransportConfig() helpers.TransportConfig {
	var conf helpers.Config
	conf.ApplyDefaults()
	conf.Transport.RetryAttempts = 1
	conf.Transport.RetryInitialMillis = 1
	conf.Transport.TimeoutSeconds = 2
	conf.Transport.RequestsPerSecond = 1000
	conf.Transport.RequestsBurst = 100
	return conf.Transport
}

func testRunnerConfig() RunnerConfig {
	return RunnerConfig{
		TickInterval:         10 * time.Millisecond,
		HeartbeatTimeout:     time.Minute,
		CancelTimeout:        30 * time.Second,
		AllocateTimeout:      time.Minute,
		MaxProvisionAttempts: 2,
		MaxDispatchAttempts:  2,
		LeaseTtl:             10 * time.Second,
		Region:               "eu",
		Group:                "default",
		EnableLocalEndpoint:  true,
	}
}

/**
a process-mode runner whose local supervisor is the fake one
*/
func setupProcessRunner(t *testing.T) (*JobRunner, *fakeSupervisor, *redis.Client) {
	_, client := setupTestRedis(t)
	supervisor := newFakeSupervisor(t)
	runner := newProcessRunnerOnStore(t, client, supervisor, models.NewAtomicSequence(0))
	return runner, supervisor, client
}

/**
a process-mode runner on an existing store, embedding the given supervisor. Several of these can
share one store the way orchestrator instances do.
*/
func newProcessRunnerOnStore(t *testing.T, client *redis.Client, supervisor *fakeSupervisor, ids models.IdGenerator) *JobRunner {
	commands := supervisorclient.NewCommandClient(testTransportConfig(), supervisor.port)

	strategies := resource.Strategies{models.RUN_MODE_PROCESS: resource.NewProcessStrategy(client, nil, commands)}
	admission := NewAdmissionController(client, helpers.AdmissionConfig{AvailableMemoryMB: 4096, PerJobMinMemoryMB: 512})
	pool := NewWorkerPool(4)
	t.Cleanup(pool.Close)

	conf := testRunnerConfig()
	conf.LocalSupervisor = models.SupervisorEndpoint{Host: "127.0.0.1", Port: supervisor.port}
	return NewJobRunner(client, ids, admission, strategies, commands, pool, conf)
}

func submitProcessJob(t *testing.T, runner *JobRunner) models.JobIdentity {
	id, err := runner.Submit(context.Background(), JobSpec{JobType: "sql-batch", RunMode: models.RUN_MODE_PROCESS, Parameters: map[string]string{"command": "/bin/true"}})
	require.NoError(t, err)
	return id
}

package jobrunner

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v7"
	"github.com/guardian/taskrunner/common/helpers"
	"github.com/guardian/taskrunner/common/models"
	log "github.com/sirupsen/logrus"
)

/**
receives result snapshots pushed by executors
*/
type TaskResultHandler struct {
	runner *JobRunner
}

func (h TaskResultHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !helpers.AssertHttpMethod(r, w, "POST") {
		return
	}

	var result models.TaskResult
	if readErr := helpers.ReadJsonBody(r.Body, &result); readErr != nil {
		log.Printf("ERROR: TaskResultHandler could not understand the incoming body: %s", readErr)
		helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "bad_request", Detail: readErr.Error()}, w, 400)
		return
	}
	if result.JobIdentity <= 0 {
		helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "bad_request", Detail: "no job identity"}, w, 400)
		return
	}

	status, handleErr := h.runner.HandleTaskResult(r.Context(), &result)
	if handleErr != nil {
		switch {
		case models.IsProtocolViolation(handleErr):
			helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "protocol_violation", Detail: handleErr.Error()}, w, 422)
		case errors.Is(handleErr, ErrNoSuchJob):
			helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "not_found", Detail: handleErr.Error()}, w, 404)
		default:
			helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "db_error", Detail: handleErr.Error()}, w, 500)
		}
		return
	}
	helpers.WriteJsonContent(map[string]interface{}{"status": "ok", "jobStatus": status}, w, 200)
}

type heartbeatRequest struct {
	JobIdentity models.JobIdentity `json:"jobIdentity"`
}

/**
receives liveness pings from executors
*/
type TaskHeartbeatHandler struct {
	runner *JobRunner
}

func (h TaskHeartbeatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !helpers.AssertHttpMethod(r, w, "POST") {
		return
	}
	var rq heartbeatRequest
	if readErr := helpers.ReadJsonBody(r.Body, &rq); readErr != nil || rq.JobIdentity <= 0 {
		helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "bad_request", Detail: "expected a jobIdentity"}, w, 400)
		return
	}
	if err := h.runner.RecordHeartbeat(rq.JobIdentity); err != nil {
		if errors.Is(err, ErrNoSuchJob) {
			helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "not_found", Detail: err.Error()}, w, 404)
			return
		}
		helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "db_error", Detail: err.Error()}, w, 500)
		return
	}
	helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "ok", Detail: "heartbeat recorded"}, w, 200)
}

/**
returns the stored record for ?jobId=
*/
type TaskStatusHandler struct {
	runner *JobRunner
}

func (h TaskStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !helpers.AssertHttpMethod(r, w, "GET") {
		return
	}
	jobId, errResponse := helpers.GetJobIdFromQuerystring(r.RequestURI)
	if errResponse != nil {
		helpers.WriteJsonContent(errResponse, w, 400)
		return
	}
	job, err := h.runner.GetJob(jobId)
	if err != nil {
		if errors.Is(err, ErrNoSuchJob) {
			helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "not_found", Detail: "no such job"}, w, 404)
			return
		}
		helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "db_error", Detail: err.Error()}, w, 500)
		return
	}
	helpers.WriteJsonContent(job, w, 200)
}

/**
requests cancellation of ?jobId=
*/
type TaskCancelHandler struct {
	runner *JobRunner
}

func (h TaskCancelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !helpers.AssertHttpMethod(r, w, "POST") {
		return
	}
	jobId, errResponse := helpers.GetJobIdFromQuerystring(r.RequestURI)
	if errResponse != nil {
		helpers.WriteJsonContent(errResponse, w, 400)
		return
	}
	status, err := h.runner.Cancel(r.Context(), jobId)
	if err != nil {
		if errors.Is(err, ErrNoSuchJob) {
			helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "not_found", Detail: "no such job"}, w, 404)
			return
		}
		helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "db_error", Detail: err.Error()}, w, 500)
		return
	}
	helpers.WriteJsonContent(map[string]interface{}{"status": "ok", "jobStatus": status}, w, 200)
}

type HealthcheckHandler struct {
	redisClient *redis.Client
}

func (h HealthcheckHandler) ServeHTTP(w http.ResponseWriter, request *http.Request) {
	_, err := h.redisClient.Ping().Result()

	if err == nil {
		helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "ok", Detail: "redis reachable"}, w, 200)
	} else {
		log.Printf("HEALTHCHECK FAILED: %s connecting to Redis", err)
		helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "error", Detail: "could not contact redis db"}, w, 500)
	}
}

type JobRunnerEndpoints struct {
	Result      TaskResultHandler
	Heartbeat   TaskHeartbeatHandler
	Status      TaskStatusHandler
	Cancel      TaskCancelHandler
	Healthcheck HealthcheckHandler
}

func NewJobRunnerEndpoints(runner *JobRunner) JobRunnerEndpoints {
	return JobRunnerEndpoints{
		Result:      TaskResultHandler{runner: runner},
		Heartbeat:   TaskHeartbeatHandler{runner: runner},
		Status:      TaskStatusHandler{runner: runner},
		Cancel:      TaskCancelHandler{runner: runner},
		Healthcheck: HealthcheckHandler{redisClient: runner.redisClient},
	}
}

func (e JobRunnerEndpoints) WireUp(router chi.Router, baseUrl string) {
	router.Method(http.MethodPost, baseUrl+"/result", e.Result)
	router.Method(http.MethodPost, baseUrl+"/heartbeat", e.Heartbeat)
	router.Method(http.MethodGet, baseUrl+"/status", e.Status)
	router.Method(http.MethodPost, baseUrl+"/cancel", e.Cancel)
	router.Method(http.MethodGet, "/healthcheck", e.Healthcheck)
}

package launcher

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/guardian/taskrunner/common/helpers"
	"github.com/guardian/taskrunner/common/models"
	log "github.com/sirupsen/logrus"
)

/**
CommandHandler accepts POST /task/command/{type}. The answer is an acknowledgement that the
command was carried out, never the task's outcome.
*/
type CommandHandler struct {
	launcher       *Launcher
	destroyTimeout time.Duration
}

func (h CommandHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !helpers.AssertHttpMethod(r, w, "POST") {
		return
	}
	commandType, typeErr := models.ParseCommandType(chi.URLParam(r, "type"))
	if typeErr != nil {
		helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "bad_request", Detail: typeErr.Error()}, w, 404)
		return
	}

	var command models.TaskCommand
	if readErr := helpers.ReadJsonBody(r.Body, &command); readErr != nil {
		log.Errorf("could not understand %s command: %s", commandType, readErr)
		helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "bad_request", Detail: readErr.Error()}, w, 400)
		return
	}
	if command.JobContext.JobIdentity <= 0 {
		helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "bad_request", Detail: "no job identity"}, w, 400)
		return
	}
	if command.Type != "" && command.Type != commandType {
		log.Warnf("command %s was posted to the %s path, going by the path", command.Type, commandType)
	}
	jobId := command.JobContext.JobIdentity

	var executor *models.ExecutorEndpoint
	var commandErr error
	switch commandType {
	case models.COMMAND_START:
		executor, commandErr = h.launcher.Start(r.Context(), command.JobContext)
	case models.COMMAND_STOP:
		commandErr = h.launcher.Stop(jobId)
	case models.COMMAND_FINISH:
		commandErr = h.launcher.Finish(jobId)
	case models.COMMAND_MODIFY:
		commandErr = h.launcher.Modify(jobId, command.JobContext.Parameters)
	case models.COMMAND_DESTROY:
		ctx, cancel := context.WithTimeout(r.Context(), h.destroyTimeout)
		commandErr = h.launcher.Destroy(ctx, jobId)
		cancel()
	}

	if commandErr != nil {
		var rejected *LaunchRejected
		switch {
		case errors.As(commandErr, &rejected):
			helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "rejected", Detail: commandErr.Error()}, w, 400)
		case errors.Is(commandErr, ErrNoSuchTask):
			helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "not_found", Detail: commandErr.Error()}, w, 404)
		case errors.Is(commandErr, ErrTaskFinished):
			helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "conflict", Detail: commandErr.Error()}, w, 409)
		default:
			log.Errorf("%s for job %s failed: %s", commandType, jobId, commandErr)
			helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "error", Detail: commandErr.Error()}, w, 500)
		}
		return
	}

	if executor == nil {
		if t := h.launcher.lookup(jobId); t != nil {
			known := t.executor
			executor = &known
		}
	}
	helpers.WriteJsonContent(models.CommandAck{Status: "ok", ExecutorEndpoint: executor}, w, 200)
}

/**
GET /task/result?jobId= returns the executor's latest snapshot, 404 if it has none
*/
type ResultHandler struct {
	launcher *Launcher
}

func (h ResultHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !helpers.AssertHttpMethod(r, w, "GET") {
		return
	}
	jobId, errResponse := helpers.GetJobIdFromQuerystring(r.RequestURI)
	if errResponse != nil {
		helpers.WriteJsonContent(errResponse, w, 400)
		return
	}
	result := h.launcher.Result(jobId)
	if result == nil {
		helpers.WriteJsonContent(helpers.GenericErrorResponse{Status: "not_found", Detail: "no such task"}, w, 404)
		return
	}
	helpers.WriteJsonContent(result, w, 200)
}

type HeartbeatHandler struct {
	launcher *Launcher
}

func (h HeartbeatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	helpers.WriteJsonContent(map[string]interface{}{"status": "ok", "running": h.launcher.RunningCount()}, w, 200)
}

type SupervisorEndpoints struct {
	Command   CommandHandler
	Result    ResultHandler
	Heartbeat HeartbeatHandler
}

func NewSupervisorEndpoints(launcher *Launcher) SupervisorEndpoints {
	return SupervisorEndpoints{
		Command:   CommandHandler{launcher: launcher, destroyTimeout: 30 * time.Second},
		Result:    ResultHandler{launcher: launcher},
		Heartbeat: HeartbeatHandler{launcher: launcher},
	}
}

/**
heartbeatPath and resultsPath must agree with the transport config the orchestrator uses
*/
func (e SupervisorEndpoints) WireUp(router chi.Router, conf helpers.TransportConfig) {
	router.Method(http.MethodPost, "/task/command/{type}", e.Command)
	router.Method(http.MethodGet, conf.ExecutorResultsPath, e.Result)
	router.Method(http.MethodGet, conf.HeartbeatPath, e.Heartbeat)
}

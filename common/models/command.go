package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type CommandType string

const (
	COMMAND_START   CommandType = "START"
	COMMAND_STOP    CommandType = "STOP"
	COMMAND_MODIFY  CommandType = "MODIFY"
	COMMAND_FINISH  CommandType = "FINISH"
	COMMAND_DESTROY CommandType = "DESTROY"
)

const COMMAND_START_PATH = "/task/command/start"

func ParseCommandType(from string) (CommandType, error) {
	switch CommandType(strings.ToUpper(from)) {
	case COMMAND_START, COMMAND_STOP, COMMAND_MODIFY, COMMAND_FINISH, COMMAND_DESTROY:
		return CommandType(strings.ToUpper(from)), nil
	default:
		return "", fmt.Errorf("unknown command type %q", from)
	}
}

/**
the supervisor path for a command. START is fixed, every other type is built from its lowercased name
*/
func (t CommandType) Path() string {
	if t == COMMAND_START {
		return COMMAND_START_PATH
	}
	return "/task/command/" + strings.ToLower(string(t))
}

/**
JobContext is the payload a supervisor needs to launch or address a task
*/
type JobContext struct {
	JobIdentity JobIdentity       `json:"jobIdentity"`
	JobType     string            `json:"jobType"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
}

/**
TaskCommand is the opaque body posted to a supervisor
*/
type TaskCommand struct {
	RequestId        uuid.UUID         `json:"requestId"`
	Type             CommandType       `json:"type"`
	JobContext       JobContext        `json:"jobContext"`
	ExecutorEndpoint *ExecutorEndpoint `json:"executorEndpoint,omitempty"`
}

func NewTaskCommand(commandType CommandType, jobContext JobContext, executor *ExecutorEndpoint) TaskCommand {
	return TaskCommand{
		RequestId:        uuid.New(),
		Type:             commandType,
		JobContext:       jobContext,
		ExecutorEndpoint: executor,
	}
}

/**
CommandAck is what a supervisor answers. Dispatch acceptance only, never the task outcome.
*/
type CommandAck struct {
	Status           string            `json:"status"`
	Detail           string            `json:"detail,omitempty"`
	ExecutorEndpoint *ExecutorEndpoint `json:"executorEndpoint,omitempty"`
}

package models

import (
	"fmt"
	"strconv"

	mapset "github.com/deckarep/golang-set"
)

/**
JobIdentity correlates one unit of work across submission, execution and reporting.
It is issued by an IdGenerator and never changes once assigned.
*/
type JobIdentity int64

func (j JobIdentity) String() string {
	return strconv.FormatInt(int64(j), 10)
}

func ParseJobIdentity(from string) (JobIdentity, error) {
	value, parseErr := strconv.ParseInt(from, 10, 64)
	if parseErr != nil {
		return 0, fmt.Errorf("invalid job identity %q: %w", from, parseErr)
	}
	if value <= 0 {
		return 0, fmt.Errorf("invalid job identity %q: must be positive", from)
	}
	return JobIdentity(value), nil
}

/**
JobStatus is the authoritative orchestrator-side state of a job.
Only the orchestrator writes it; executors report a TaskStatus instead.
*/
type JobStatus string

const (
	JOB_PREPARING    JobStatus = "PREPARING"
	JOB_RUNNING      JobStatus = "RUNNING"
	JOB_TIMEOUT      JobStatus = "TIMEOUT"
	JOB_CANCELING    JobStatus = "CANCELING"
	JOB_DO_CANCELING JobStatus = "DO_CANCELING"
	JOB_CANCELED     JobStatus = "CANCELED"
	JOB_FAILED       JobStatus = "FAILED"
	JOB_DONE         JobStatus = "DONE"
)

var allJobStatuses = mapset.NewSet(JOB_PREPARING, JOB_RUNNING, JOB_TIMEOUT, JOB_CANCELING, JOB_DO_CANCELING,
	JOB_CANCELED, JOB_FAILED, JOB_DONE)

var terminalJobStatuses = mapset.NewSet(JOB_CANCELED, JOB_FAILED, JOB_DONE)

//statuses that hold an executor (or are about to), counted by admission control
var occupyingJobStatuses = mapset.NewSet(JOB_RUNNING, JOB_TIMEOUT, JOB_CANCELING, JOB_DO_CANCELING)

func (s JobStatus) IsValid() bool {
	return allJobStatuses.Contains(s)
}

/**
terminal statuses have no outgoing transition
*/
func (s JobStatus) IsTerminated() bool {
	return terminalJobStatuses.Contains(s)
}

func (s JobStatus) IsExecuting() bool {
	return s.IsValid() && !s.IsTerminated()
}

func (s JobStatus) OccupiesExecutor() bool {
	return occupyingJobStatuses.Contains(s)
}

/**
TaskStatus is what a remote executor reports about its task. It is only ever a trigger for
DeterminateJobStatus and never written straight into a JobRecord.
*/
type TaskStatus string

const (
	TASK_PREPARING TaskStatus = "PREPARING"
	TASK_RUNNING   TaskStatus = "RUNNING"
	TASK_CANCELED  TaskStatus = "CANCELED"
	TASK_ABNORMAL  TaskStatus = "ABNORMAL"
	TASK_FAILED    TaskStatus = "FAILED"
	TASK_DONE      TaskStatus = "DONE"
)

func (s TaskStatus) IsTerminated() bool {
	switch s {
	case TASK_CANCELED, TASK_ABNORMAL, TASK_FAILED, TASK_DONE:
		return true
	default:
		return false
	}
}

/**
RunMode selects how the resource for a job is obtained
*/
type RunMode string

const (
	RUN_MODE_LEGACY    RunMode = "legacy"
	RUN_MODE_PROCESS   RunMode = "process"
	RUN_MODE_CONTAINER RunMode = "container"
)

func ParseRunMode(from string) (RunMode, error) {
	switch RunMode(from) {
	case RUN_MODE_LEGACY, RUN_MODE_PROCESS, RUN_MODE_CONTAINER:
		return RunMode(from), nil
	default:
		return "", fmt.Errorf("unknown run mode %q, expected one of legacy, process, container", from)
	}
}

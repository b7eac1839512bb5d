package jobrunner

import (
	"context"
	"errors"
	"fmt"

	"github.com/guardian/taskrunner/common/models"
	log "github.com/sirupsen/logrus"
)

//statuses in which the executor is expected to report
var reportingStatuses = []models.JobStatus{models.JOB_RUNNING, models.JOB_CANCELING, models.JOB_DO_CANCELING}

//statuses a result delivery may still change
var acceptingStatuses = []models.JobStatus{models.JOB_PREPARING, models.JOB_RUNNING, models.JOB_TIMEOUT,
	models.JOB_CANCELING, models.JOB_DO_CANCELING}

/**
sends START for every admitted job whose allocation has been granted
*/
func (r *JobRunner) dispatchReady(ctx context.Context) {
	granted, listErr := models.AllocationsInState(r.redisClient, models.ALLOCATE_AVAILABLE)
	if listErr != nil {
		return
	}

	tasks := make([]func(ctx context.Context), 0)
	for _, info := range granted {
		job, getErr := models.JobRecordForId(info.JobIdentity, r.redisClient)
		if getErr != nil || job == nil {
			continue
		}
		if job.Status != models.JOB_PREPARING || !job.Admitted || job.ExecutorEndpoint != nil {
			continue
		}
		if info.Endpoint == nil {
			log.Errorf("allocation for job %s is granted without an endpoint", info.JobIdentity)
			continue
		}
		allocation := info
		tasks = append(tasks, func(ctx context.Context) {
			r.dispatchStart(ctx, allocation)
		})
	}
	r.pool.RunBatch(ctx, tasks)
}

func leaseName(kind string, id models.JobIdentity) string {
	return fmt.Sprintf("%s:%s", kind, id)
}

func (r *JobRunner) dispatchStart(ctx context.Context, allocation *models.ResourceAllocateInfo) {
	id := allocation.JobIdentity
	lease, leaseErr := models.AcquireLease(r.redisClient, leaseName("dispatch", id), r.config.LeaseTtl)
	if leaseErr != nil || lease == nil {
		return
	}
	defer lease.Release(r.redisClient)

	//re-read under the lease, another runner may have got here first
	job, getErr := models.JobRecordForId(id, r.redisClient)
	if getErr != nil || job == nil || job.Status != models.JOB_PREPARING || job.ExecutorEndpoint != nil {
		return
	}

	cmd := models.NewTaskCommand(models.COMMAND_START, job.JobContext(), nil)
	ack, sendErr := r.commands.SendCommand(ctx, *allocation.Endpoint, cmd)
	if sendErr == nil && ack.ExecutorEndpoint == nil {
		sendErr = fmt.Errorf("supervisor %s accepted START without saying where the task runs", allocation.Endpoint)
	}
	if sendErr != nil {
		r.recordDispatchFailure(id, sendErr)
		return
	}

	now := r.now()
	updated, applied, updateErr := models.UpdateJobRecord(r.redisClient, id, []models.JobStatus{models.JOB_PREPARING}, func(rec *models.JobRecord) error {
		rec.Status = models.JOB_RUNNING
		rec.ExecutorEndpoint = ack.ExecutorEndpoint
		rec.StartTime = &now
		rec.LastHeartbeat = &now
		rec.ErrorMessage = ""
		return nil
	})
	if updateErr != nil {
		return
	}
	if !applied {
		if updated != nil && updated.Status == models.JOB_CANCELED {
			log.Infof("job %s was cancelled while it was being started, stopping it", id)
			updated.ExecutorEndpoint = ack.ExecutorEndpoint
			if stopErr := r.sendCommand(ctx, updated, models.COMMAND_STOP); stopErr != nil {
				log.Warnf("could not stop job %s after a late start: %s", id, stopErr)
			}
		}
		return
	}
	log.Infof("job %s started on %s", id, ack.ExecutorEndpoint.BaseUrl())
}

func (r *JobRunner) recordDispatchFailure(id models.JobIdentity, cause error) {
	log.Warnf("could not start job %s: %s", id, cause)
	now := r.now()
	_, _, err := models.UpdateJobRecord(r.redisClient, id, []models.JobStatus{models.JOB_PREPARING}, func(rec *models.JobRecord) error {
		rec.DispatchFailures++
		rec.ErrorMessage = cause.Error()
		if rec.DispatchFailures >= r.config.MaxDispatchAttempts {
			rec.Status = models.JOB_FAILED
			rec.EndTime = &now
			rec.ErrorMessage = fmt.Sprintf("could not start after %d attempts: %s", rec.DispatchFailures, cause)
		}
		return nil
	})
	if err != nil {
		log.Errorf("could not record dispatch failure for %s: %s", id, err)
	}
}

/**
sends a command about this job to the supervisor holding its allocation.
A job without a granted endpoint has nothing to send to, which is not an error.
*/
func (r *JobRunner) sendCommand(ctx context.Context, job *models.JobRecord, commandType models.CommandType) error {
	allocation, getErr := models.AllocationForJob(job.Id, r.redisClient)
	if getErr != nil {
		return getErr
	}
	if allocation == nil || allocation.Endpoint == nil {
		return nil
	}
	cmd := models.NewTaskCommand(commandType, job.JobContext(), job.ExecutorEndpoint)
	_, err := r.commands.SendCommand(ctx, *allocation.Endpoint, cmd)
	return err
}

/**
pulls the latest result from every executor that should be reporting
*/
func (r *JobRunner) pollResults(ctx context.Context) {
	tasks := make([]func(ctx context.Context), 0)
	for _, status := range reportingStatuses {
		ids, listErr := models.JobIdsInStatus(r.redisClient, status)
		if listErr != nil {
			continue
		}
		for _, id := range ids {
			job, getErr := models.JobRecordForId(id, r.redisClient)
			if getErr != nil || job == nil || job.ExecutorEndpoint == nil {
				continue
			}
			polled := job
			tasks = append(tasks, func(ctx context.Context) {
				r.pollOne(ctx, polled)
			})
		}
	}
	r.pool.RunBatch(ctx, tasks)
}

func (r *JobRunner) pollOne(ctx context.Context, job *models.JobRecord) {
	result, err := r.commands.GetResult(ctx, *job.ExecutorEndpoint, job.Id)
	if err != nil {
		log.Debugf("could not poll job %s: %s", job.Id, err)
		return
	}
	if result == nil {
		return
	}
	if result.JobIdentity != job.Id {
		log.Warnf("executor for job %s answered with a result for %s, ignoring it", job.Id, result.JobIdentity)
		return
	}
	if _, handleErr := r.HandleTaskResult(ctx, result); handleErr != nil {
		log.Warnf("result for job %s was not applied: %s", job.Id, handleErr)
	}
}

func failureMessage(result *models.TaskResult) string {
	if msg, haveMsg := result.LogMetadata["error"]; haveMsg && msg != "" {
		return msg
	}
	return fmt.Sprintf("executor reported %s", result.Status)
}

/**
applies an executor's result snapshot to its job. Used by the poller and by the push endpoint.
Every delivery counts as a heartbeat; a snapshot identical to the stored one changes nothing else.
A result for a finished job is ignored, terminal states are sticky. Returns the job's status afterwards.
*/
func (r *JobRunner) HandleTaskResult(ctx context.Context, result *models.TaskResult) (models.JobStatus, error) {
	if result == nil {
		return "", errors.New("no result given")
	}
	job, getErr := models.JobRecordForId(result.JobIdentity, r.redisClient)
	if getErr != nil {
		return "", getErr
	}
	if job == nil {
		return "", fmt.Errorf("%w: %s", ErrNoSuchJob, result.JobIdentity)
	}

	if _, violation := models.DeterminateJobStatus(job.Status, result.Status); violation != nil {
		log.Errorf("job %s: %s", job.Id, violation)
		return job.Status, violation
	}

	now := r.now()
	updated, applied, err := models.UpdateJobRecord(r.redisClient, job.Id, acceptingStatuses, func(rec *models.JobRecord) error {
		rec.LastHeartbeat = &now
		if !result.IsChanged(rec.LastResult) {
			return nil
		}

		next, _ := models.DeterminateJobStatus(rec.Status, result.Status)
		if rec.Status == models.JOB_DO_CANCELING && next.IsTerminated() {
			next = models.JOB_CANCELED
		}
		if next.IsTerminated() {
			rec.EndTime = &now
			if next == models.JOB_FAILED {
				rec.ErrorMessage = failureMessage(result)
			}
		}
		rec.Status = next
		snapshot := *result
		rec.LastResult = &snapshot
		return nil
	})
	if err != nil {
		return job.Status, err
	}
	if !applied {
		log.Debugf("ignoring %s result for job %s, it is already %s", result.Status, job.Id, updated.Status)
	}
	return updated.Status, nil
}

/**
records a sign of life from a job's executor
*/
func (r *JobRunner) RecordHeartbeat(id models.JobIdentity) error {
	job, getErr := models.JobRecordForId(id, r.redisClient)
	if getErr != nil {
		return getErr
	}
	if job == nil {
		return fmt.Errorf("%w: %s", ErrNoSuchJob, id)
	}
	now := r.now()
	_, _, err := models.UpdateJobRecord(r.redisClient, id, acceptingStatuses, func(rec *models.JobRecord) error {
		rec.LastHeartbeat = &now
		return nil
	})
	return err
}

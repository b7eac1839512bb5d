package jobrunner

import (
	"context"
	"fmt"
	"time"

	"github.com/guardian/taskrunner/common/models"
	log "github.com/sirupsen/logrus"
)

/**
asks for a job to be cancelled. A job that was never started is cancelled on the spot; a running one
moves to CANCELING and the tick loop stops it. A finished job is left alone.
Returns the job's status afterwards.
*/
func (r *JobRunner) Cancel(ctx context.Context, id models.JobIdentity) (models.JobStatus, error) {
	job, getErr := models.JobRecordForId(id, r.redisClient)
	if getErr != nil {
		return "", getErr
	}
	if job == nil {
		return "", fmt.Errorf("%w: %s", ErrNoSuchJob, id)
	}
	if job.Status.IsTerminated() {
		return job.Status, nil
	}

	now := r.now()
	updated, applied, err := models.UpdateJobRecord(r.redisClient, id,
		[]models.JobStatus{models.JOB_PREPARING, models.JOB_RUNNING, models.JOB_TIMEOUT},
		func(rec *models.JobRecord) error {
			if rec.Status == models.JOB_PREPARING && rec.ExecutorEndpoint == nil {
				rec.Status = models.JOB_CANCELED
				rec.EndTime = &now
				rec.ErrorMessage = "cancelled before it was started"
				return nil
			}
			rec.Status = models.JOB_CANCELING
			rec.CancelRequestedAt = &now
			return nil
		})
	if err != nil {
		return job.Status, err
	}
	if applied {
		log.Infof("cancel requested for job %s, now %s", id, updated.Status)
	}
	return updated.Status, nil
}

func (r *JobRunner) cancelDeadlinePassed(job *models.JobRecord) bool {
	if job.CancelRequestedAt == nil {
		return false
	}
	return r.now().Sub(*job.CancelRequestedAt) > r.config.CancelTimeout
}

/**
sends STOP for jobs being cancelled and forces CANCELED on any the executor has not confirmed in time
*/
func (r *JobRunner) progressCancellations(ctx context.Context) {
	tasks := make([]func(ctx context.Context), 0)

	canceling, _ := models.JobIdsInStatus(r.redisClient, models.JOB_CANCELING)
	for _, id := range canceling {
		job, getErr := models.JobRecordForId(id, r.redisClient)
		if getErr != nil || job == nil {
			continue
		}
		if r.cancelDeadlinePassed(job) {
			r.forceCanceled(job)
			continue
		}
		toStop := job
		tasks = append(tasks, func(ctx context.Context) {
			r.stopForCancel(ctx, toStop)
		})
	}
	r.pool.RunBatch(ctx, tasks)

	inFlight, _ := models.JobIdsInStatus(r.redisClient, models.JOB_DO_CANCELING)
	for _, id := range inFlight {
		job, getErr := models.JobRecordForId(id, r.redisClient)
		if getErr != nil || job == nil {
			continue
		}
		if r.cancelDeadlinePassed(job) {
			r.forceCanceled(job)
		}
	}
}

func (r *JobRunner) stopForCancel(ctx context.Context, job *models.JobRecord) {
	lease, leaseErr := models.AcquireLease(r.redisClient, leaseName("stop", job.Id), r.config.LeaseTtl)
	if leaseErr != nil || lease == nil {
		return
	}
	defer lease.Release(r.redisClient)

	if stopErr := r.sendCommand(ctx, job, models.COMMAND_STOP); stopErr != nil {
		log.Warnf("could not send STOP for job %s, will retry: %s", job.Id, stopErr)
		return
	}
	_, _, err := models.UpdateJobRecord(r.redisClient, job.Id, []models.JobStatus{models.JOB_CANCELING}, func(rec *models.JobRecord) error {
		rec.Status = models.JOB_DO_CANCELING
		return nil
	})
	if err != nil {
		log.Errorf("STOP was sent for job %s but its status could not be updated: %s", job.Id, err)
	}
}

func (r *JobRunner) forceCanceled(job *models.JobRecord) {
	r.finishJob(job.Id, []models.JobStatus{models.JOB_CANCELING, models.JOB_DO_CANCELING}, models.JOB_CANCELED,
		fmt.Sprintf("cancellation not confirmed by the executor within %s", r.config.CancelTimeout))
}

/**
RUNNING jobs not heard from within the heartbeat timeout go to TIMEOUT; TIMEOUT jobs are sent a
best-effort STOP and failed
*/
func (r *JobRunner) checkHeartbeats(ctx context.Context) {
	if r.config.HeartbeatTimeout > 0 {
		running, _ := models.JobIdsInStatus(r.redisClient, models.JOB_RUNNING)
		for _, id := range running {
			job, getErr := models.JobRecordForId(id, r.redisClient)
			if getErr != nil || job == nil {
				continue
			}
			silentFor := r.now().Sub(job.LastSeen())
			if silentFor <= r.config.HeartbeatTimeout {
				continue
			}
			_, applied, _ := models.UpdateJobRecord(r.redisClient, id, []models.JobStatus{models.JOB_RUNNING}, func(rec *models.JobRecord) error {
				rec.Status = models.JOB_TIMEOUT
				rec.ErrorMessage = fmt.Sprintf("no heartbeat for %s", silentFor.Round(time.Second))
				return nil
			})
			if applied {
				log.Warnf("job %s has not been heard from for %s", id, silentFor)
			}
		}
	}

	timedOut, _ := models.JobIdsInStatus(r.redisClient, models.JOB_TIMEOUT)
	tasks := make([]func(ctx context.Context), 0, len(timedOut))
	for _, id := range timedOut {
		job, getErr := models.JobRecordForId(id, r.redisClient)
		if getErr != nil || job == nil {
			continue
		}
		lost := job
		tasks = append(tasks, func(ctx context.Context) {
			if stopErr := r.sendCommand(ctx, lost, models.COMMAND_STOP); stopErr != nil {
				log.Debugf("best-effort STOP for lost job %s failed: %s", lost.Id, stopErr)
			}
			r.finishJob(lost.Id, []models.JobStatus{models.JOB_TIMEOUT}, models.JOB_FAILED, "heartbeat lost")
		})
	}
	r.pool.RunBatch(ctx, tasks)
}

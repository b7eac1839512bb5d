package jobrunner

import (
	"context"

	"github.com/guardian/taskrunner/common/models"
	"github.com/guardian/taskrunner/orchestrator/resource"
	log "github.com/sirupsen/logrus"
)

//allocation states that may still hold something for a finished job
var unreleasedStates = []models.AllocateState{
	models.ALLOCATE_PENDING_ADMISSION,
	models.ALLOCATE_PREPARING,
	models.ALLOCATE_CREATING_RESOURCE,
	models.ALLOCATE_AVAILABLE,
	models.ALLOCATE_FAILED,
	models.ALLOCATE_RELEASING,
}

/**
gives back the resource held by a job and archives its allocation.
Only a job in a terminal status is released.
Idempotent: returns true only for the call that actually did the release, every other call
(already released, being released elsewhere or not finished) gets false with no error.
An allocation left in RELEASING by a failed or interrupted release is picked up again.
*/
func (r *JobRunner) Release(ctx context.Context, id models.JobIdentity) (bool, error) {
	lease, leaseErr := models.AcquireLease(r.redisClient, leaseName("release", id), r.config.LeaseTtl)
	if leaseErr != nil {
		return false, leaseErr
	}
	if lease == nil {
		log.Debugf("job %s is being released elsewhere", id)
		return false, nil
	}
	defer lease.Release(r.redisClient)

	existing, getErr := models.AllocationForJob(id, r.redisClient)
	if getErr != nil {
		return false, getErr
	}
	if existing == nil || existing.AllocateState == models.ALLOCATE_RELEASED {
		return false, nil
	}
	job, jobErr := models.JobRecordForId(id, r.redisClient)
	if jobErr != nil {
		return false, jobErr
	}
	if job != nil && !job.Status.IsTerminated() {
		log.Warnf("not releasing the resource of job %s, it is still %s", id, job.Status)
		return false, nil
	}

	var claimed models.ResourceAllocateInfo
	_, applied, casErr := models.CompareAndSwapAllocation(r.redisClient, id, unreleasedStates, func(i *models.ResourceAllocateInfo) error {
		claimed = *i
		i.AllocateState = models.ALLOCATE_RELEASING
		return nil
	})
	if casErr != nil {
		return false, casErr
	}
	if !applied {
		return false, nil
	}

	if releaseErr := r.releaseEndpoint(ctx, &claimed, job); releaseErr != nil {
		log.Errorf("could not release the resource for job %s, will retry: %s", id, releaseErr)
		return false, releaseErr
	}

	_, applied, casErr = models.CompareAndSwapAllocation(r.redisClient, id, []models.AllocateState{models.ALLOCATE_RELEASING}, func(i *models.ResourceAllocateInfo) error {
		i.AllocateState = models.ALLOCATE_RELEASED
		return nil
	})
	if casErr != nil || !applied {
		return false, casErr
	}

	if job != nil {
		_, _, _ = models.UpdateJobRecord(r.redisClient, id, []models.JobStatus{job.Status}, func(rec *models.JobRecord) error {
			rec.ResourceReleased = true
			return nil
		})
	}
	log.Infof("released resource for job %s (endpoint %q)", id, claimed.SupervisorEndpointId)
	return true, nil
}

/**
hands the endpoint behind a claimed allocation back.
An endpoint that was still being created for the job is marked UNAVAILABLE for the reclaimer.
A granted one gets a best-effort DESTROY and its load handed back; a pod whose job failed is
deleted outright rather than reused.
*/
func (r *JobRunner) releaseEndpoint(ctx context.Context, claimed *models.ResourceAllocateInfo, job *models.JobRecord) error {
	endpointId := claimed.SupervisorEndpointId
	if endpointId == "" {
		return nil
	}
	rec, getErr := models.EndpointForId(endpointId, r.redisClient)
	if getErr != nil {
		return getErr
	}
	if rec == nil || rec.State == models.ENDPOINT_ABANDON {
		log.Infof("endpoint %s for job %s is already gone", endpointId, claimed.JobIdentity)
		return nil
	}
	isContainer := resource.EndpointRunMode(claimed.RunMode) == models.RUN_MODE_CONTAINER

	if claimed.Endpoint == nil {
		if isContainer {
			_, err := models.UpdateEndpointState(r.redisClient, endpointId, models.ENDPOINT_UNAVAILABLE)
			return err
		}
		return nil
	}

	if job != nil && job.ExecutorEndpoint != nil {
		cmd := models.NewTaskCommand(models.COMMAND_DESTROY, job.JobContext(), job.ExecutorEndpoint)
		if _, sendErr := r.commands.SendCommand(ctx, *claimed.Endpoint, cmd); sendErr != nil {
			log.Warnf("DESTROY for job %s was not delivered: %s", claimed.JobIdentity, sendErr)
		}
	}

	if isContainer && job != nil && job.Status == models.JOB_FAILED {
		strategy, found := r.strategies.For(claimed.RunMode)
		if releaser, canRelease := strategy.(resource.HeldResourceReleaser); found && canRelease {
			releaseErr := releaser.ReleaseHeldResourceById(ctx, rec)
			if releaseErr != models.ErrEndpointBusy {
				return releaseErr
			}
			log.Warnf("endpoint %s has other jobs bound to it, handing back the load of job %s only", endpointId, claimed.JobIdentity)
		}
	}
	_, err := models.ReleaseEndpointLoad(r.redisClient, endpointId)
	return err
}

/**
releases the resource of every finished job still holding one
*/
func (r *JobRunner) releaseFinished(ctx context.Context) {
	tasks := make([]func(ctx context.Context), 0)
	for _, state := range unreleasedStates {
		infos, listErr := models.AllocationsInState(r.redisClient, state)
		if listErr != nil {
			continue
		}
		for _, info := range infos {
			job, getErr := models.JobRecordForId(info.JobIdentity, r.redisClient)
			if getErr != nil || job == nil || !job.Status.IsTerminated() {
				continue
			}
			id := info.JobIdentity
			tasks = append(tasks, func(ctx context.Context) {
				_, _ = r.Release(ctx, id)
			})
		}
	}
	r.pool.RunBatch(ctx, tasks)
}

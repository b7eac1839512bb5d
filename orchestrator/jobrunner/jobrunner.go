package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/guardian/taskrunner/common/helpers"
	"github.com/guardian/taskrunner/common/models"
	"github.com/guardian/taskrunner/orchestrator/resource"
	log "github.com/sirupsen/logrus"
)

var ErrNoSuchJob = errors.New("no such job")

/**
CommandTransport is what the runner needs from the supervisor command client
*/
type CommandTransport interface {
	SendCommand(ctx context.Context, endpoint models.SupervisorEndpoint, cmd models.TaskCommand) (*models.CommandAck, error)
	GetResult(ctx context.Context, executor models.ExecutorEndpoint, jobId models.JobIdentity) (*models.TaskResult, error)
	IsSupervisorAlive(ctx context.Context, endpoint models.SupervisorEndpoint) bool
}

/**
JobSpec describes a job to submit
*/
type JobSpec struct {
	JobType        string
	RunMode        models.RunMode
	Parameters     map[string]string
	Environment    map[string]string
	ResourceRegion string
	ResourceGroup  string
}

type RunnerConfig struct {
	TickInterval         time.Duration
	HeartbeatTimeout     time.Duration
	CancelTimeout        time.Duration
	AllocateTimeout      time.Duration
	MaxProvisionAttempts int
	MaxDispatchAttempts  int
	LeaseTtl             time.Duration
	ReclaimEveryTicks    int64
	Region               string
	Group                string
	EnableContainerMode  bool
	EnableLocalEndpoint  bool
	//where other runners reach the supervisor embedded in this process
	LocalSupervisor models.SupervisorEndpoint
}

func RunnerConfigFromConfig(conf *helpers.Config) RunnerConfig {
	o := conf.Orchestrator
	//long enough to cover a command with all of its retries
	leaseSeconds := conf.Transport.TimeoutSeconds * (conf.Transport.RetryAttempts + 1)
	return RunnerConfig{
		TickInterval:         time.Duration(o.TickIntervalMillis) * time.Millisecond,
		HeartbeatTimeout:     time.Duration(o.HeartbeatTimeoutSeconds) * time.Second,
		CancelTimeout:        time.Duration(o.CancelTimeoutSeconds) * time.Second,
		AllocateTimeout:      time.Duration(o.AllocateTimeoutSeconds) * time.Second,
		MaxProvisionAttempts: o.MaxProvisionAttempts,
		MaxDispatchAttempts:  o.MaxDispatchAttempts,
		LeaseTtl:             time.Duration(leaseSeconds) * time.Second,
		ReclaimEveryTicks:    30,
		Region:               o.ResourceRegion,
		Group:                o.ResourceGroup,
		EnableContainerMode:  o.EnableContainerMode,
		EnableLocalEndpoint:  o.EnableEmbeddedSupervisor,
		LocalSupervisor:      models.SupervisorEndpoint{Host: conf.Supervisor.AdvertiseHost, Port: conf.Supervisor.Port},
	}
}

/**
JobRunner owns the JobIdentity -> JobStatus mapping. It keeps no job state in memory; every tick works
from the shared store, so several runners may share one store.
*/
type JobRunner struct {
	redisClient *redis.Client
	ids         models.IdGenerator
	admission   *AdmissionController
	strategies  resource.Strategies
	allocator   *resource.ResourceAllocator
	reclaimer   *resource.Reclaimer
	commands    CommandTransport
	pool        *WorkerPool
	config      RunnerConfig
	ticks       int64
	now         func() time.Time
}

func NewJobRunner(redisClient *redis.Client, ids models.IdGenerator, admission *AdmissionController, strategies resource.Strategies, commands CommandTransport, pool *WorkerPool, config RunnerConfig) *JobRunner {
	if config.TickInterval <= 0 {
		config.TickInterval = time.Second
	}
	if config.LeaseTtl <= 0 {
		config.LeaseTtl = time.Minute
	}
	if config.MaxDispatchAttempts <= 0 {
		config.MaxDispatchAttempts = 1
	}
	if config.EnableLocalEndpoint && (config.LocalSupervisor.Host == "" || config.LocalSupervisor.Port <= 0 || config.LocalSupervisor.IsSelf()) {
		log.Errorf("local supervisor address %q is not usable by other orchestrators, not provisioning local endpoints", config.LocalSupervisor.Address())
		config.EnableLocalEndpoint = false
	} else if config.EnableLocalEndpoint {
		if ip := net.ParseIP(config.LocalSupervisor.Host); config.LocalSupervisor.Host == "localhost" || (ip != nil && ip.IsLoopback()) {
			log.Warnf("local supervisor is advertised as %s, only orchestrators on this machine can reach it", config.LocalSupervisor)
		}
	}

	r := &JobRunner{
		redisClient: redisClient,
		ids:         ids,
		admission:   admission,
		strategies:  strategies,
		commands:    commands,
		pool:        pool,
		config:      config,
		now:         time.Now,
	}

	var provisioner resource.LocalProvisioner
	if config.EnableLocalEndpoint {
		provisioner = r.EnsureLocalEndpoint
	}
	r.allocator = resource.NewResourceAllocator(redisClient, strategies, commands, provisioner, config.AllocateTimeout, config.MaxProvisionAttempts)
	if config.ReclaimEveryTicks > 0 {
		r.reclaimer = resource.NewReclaimer(redisClient, strategies)
	}
	return r
}

func localEndpointId(supervisor models.SupervisorEndpoint, region string, group string) string {
	return fmt.Sprintf("self-%s-%d-%s-%s", supervisor.Host, supervisor.Port, region, group)
}

/**
registers the supervisor embedded in this process as a process-mode endpoint for the request's region and group.
The record carries the supervisor's advertised address, since any runner sharing the store may grant it
or send commands through it. An existing record is returned untouched so its load is kept.
*/
func (r *JobRunner) EnsureLocalEndpoint(ctx context.Context, request *resource.AllocationRequest) (*models.SupervisorEndpointRecord, error) {
	local := r.config.LocalSupervisor
	id := localEndpointId(local, request.Region, request.Group)
	existing, getErr := models.EndpointForId(id, r.redisClient)
	if getErr != nil {
		return nil, getErr
	}
	if existing != nil && existing.State != models.ENDPOINT_ABANDON {
		return existing, nil
	}

	rec := &models.SupervisorEndpointRecord{
		Id:      id,
		Host:    local.Host,
		Port:    local.Port,
		State:   models.ENDPOINT_AVAILABLE,
		RunMode: models.RUN_MODE_PROCESS,
		Region:  request.Region,
		Group:   request.Group,
	}
	if storeErr := rec.Store(r.redisClient); storeErr != nil {
		return nil, storeErr
	}
	log.Infof("registered local supervisor %s as endpoint %s", local, id)
	return rec, nil
}

/**
validates the spec and records a new job in PREPARING with an allocation waiting for admission
*/
func (r *JobRunner) Submit(ctx context.Context, spec JobSpec) (models.JobIdentity, error) {
	mode, modeErr := models.ParseRunMode(string(spec.RunMode))
	if modeErr != nil {
		return 0, modeErr
	}
	if mode == models.RUN_MODE_CONTAINER && !r.config.EnableContainerMode {
		return 0, errors.New("container run mode is not enabled on this orchestrator")
	}
	if _, found := r.strategies.For(mode); !found {
		return 0, fmt.Errorf("no resource strategy configured for run mode %s", mode)
	}
	if spec.JobType == "" {
		return 0, errors.New("a job needs a job type")
	}

	id, idErr := r.ids.NextId()
	if idErr != nil {
		log.Errorf("could not get a new job identity: %s", idErr)
		return 0, idErr
	}

	region := spec.ResourceRegion
	if region == "" {
		region = r.config.Region
	}
	group := spec.ResourceGroup
	if group == "" {
		group = r.config.Group
	}
	now := r.now()

	job := &models.JobRecord{
		Id:             id,
		JobType:        spec.JobType,
		RunMode:        mode,
		Status:         models.JOB_PREPARING,
		Parameters:     spec.Parameters,
		Environment:    spec.Environment,
		ResourceRegion: region,
		ResourceGroup:  group,
		CreateTime:     now,
	}
	if createErr := job.Create(r.redisClient); createErr != nil {
		return 0, createErr
	}

	allocation := &models.ResourceAllocateInfo{
		JobIdentity:    id,
		RunMode:        mode,
		ResourceRegion: region,
		ResourceGroup:  group,
		AllocateState:  models.ALLOCATE_PENDING_ADMISSION,
		CreateTime:     now,
		UpdateTime:     now,
	}
	if allocErr := allocation.Create(r.redisClient); allocErr != nil {
		log.Errorf("could not record allocation for new job %s: %s", id, allocErr)
		r.finishJob(id, []models.JobStatus{models.JOB_PREPARING}, models.JOB_FAILED, "could not record allocation: "+allocErr.Error())
		return id, allocErr
	}

	log.Infof("submitted %s job %s of type %s", mode, id, spec.JobType)
	return id, nil
}

func (r *JobRunner) GetJob(id models.JobIdentity) (*models.JobRecord, error) {
	job, err := models.JobRecordForId(id, r.redisClient)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrNoSuchJob
	}
	return job, nil
}

/**
moves the job to a terminal status with the given message, if it is still in one of `from`
*/
func (r *JobRunner) finishJob(id models.JobIdentity, from []models.JobStatus, to models.JobStatus, message string) bool {
	now := r.now()
	_, applied, err := models.UpdateJobRecord(r.redisClient, id, from, func(rec *models.JobRecord) error {
		rec.Status = to
		rec.EndTime = &now
		if message != "" {
			rec.ErrorMessage = message
		}
		return nil
	})
	if err != nil {
		log.Errorf("could not move job %s to %s: %s", id, to, err)
		return false
	}
	if applied {
		log.Infof("job %s is now %s %s", id, to, message)
	}
	return applied
}

/**
runs ticks until the context is cancelled
*/
func (r *JobRunner) Start(ctx context.Context) {
	log.Infof("Started job runner, ticking every %s", r.config.TickInterval)
	ticker := time.NewTicker(r.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			log.Debugf("JobRunner tick")
			r.Tick(ctx)
		case <-ctx.Done():
			log.Info("Job runner shutting down")
			return
		}
	}
}

/**
one full pass of the orchestration loop
*/
func (r *JobRunner) Tick(ctx context.Context) {
	steps := []func(ctx context.Context){
		r.admitPending,
		r.allocator.AllocateTick,
		r.failUnallocatable,
		r.dispatchReady,
		r.pollResults,
		r.checkHeartbeats,
		r.progressCancellations,
		r.releaseFinished,
	}
	for _, step := range steps {
		if ctx.Err() != nil {
			return
		}
		step(ctx)
	}

	tick := atomic.AddInt64(&r.ticks, 1)
	if r.reclaimer != nil && tick%r.config.ReclaimEveryTicks == 0 {
		released, err := r.reclaimer.ReclaimIdleEndpoints(ctx)
		if err != nil {
			log.Errorf("idle endpoint reclamation failed: %s", err)
		} else if len(released) > 0 {
			log.Infof("reclaimed %d idle endpoints: %v", len(released), released)
		}
	}
}

/**
admits waiting jobs oldest first. Jobs that run on this host wait for capacity; once one is refused no
later job of the same kind is admitted in this pass.
*/
func (r *JobRunner) admitPending(ctx context.Context) {
	pending, listErr := models.AllocationsInState(r.redisClient, models.ALLOCATE_PENDING_ADMISSION)
	if listErr != nil {
		return
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].JobIdentity < pending[j].JobIdentity
	})

	localBlocked := false
	for _, info := range pending {
		if ctx.Err() != nil {
			return
		}
		governed := r.admission != nil && r.admission.Governs(info.RunMode)
		if governed {
			if localBlocked {
				continue
			}
			ok, admitErr := r.admission.TryAcquire()
			if !ok {
				var exceeded *models.CapacityExceeded
				if errors.As(admitErr, &exceeded) {
					log.Debugf("job %s waits for admission: %s", info.JobIdentity, admitErr)
				} else {
					log.Errorf("admission check failed for job %s: %s", info.JobIdentity, admitErr)
				}
				localBlocked = true
				continue
			}
		}
		r.admit(info)
	}
}

func (r *JobRunner) admit(info *models.ResourceAllocateInfo) {
	//marking the job admitted first puts it into the running count straight away
	_, applied, err := models.UpdateJobRecord(r.redisClient, info.JobIdentity, []models.JobStatus{models.JOB_PREPARING}, func(rec *models.JobRecord) error {
		rec.Admitted = true
		return nil
	})
	if err != nil || !applied {
		return
	}

	now := r.now()
	_, _, casErr := models.CompareAndSwapAllocation(r.redisClient, info.JobIdentity, []models.AllocateState{models.ALLOCATE_PENDING_ADMISSION}, func(i *models.ResourceAllocateInfo) error {
		i.AllocateState = models.ALLOCATE_PREPARING
		//the allocation window starts at admission
		i.CreateTime = now
		return nil
	})
	if casErr != nil {
		log.Errorf("job %s was admitted but its allocation could not be moved on: %s", info.JobIdentity, casErr)
		return
	}
	log.Infof("admitted job %s", info.JobIdentity)
}

/**
a job whose allocation failed cannot run
*/
func (r *JobRunner) failUnallocatable(ctx context.Context) {
	failed, listErr := models.AllocationsInState(r.redisClient, models.ALLOCATE_FAILED)
	if listErr != nil {
		return
	}
	for _, info := range failed {
		r.finishJob(info.JobIdentity, []models.JobStatus{models.JOB_PREPARING}, models.JOB_FAILED,
			"resource allocation failed: "+info.FailReason)
	}
}

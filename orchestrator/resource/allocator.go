package resource

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/guardian/taskrunner/common/models"
	log "github.com/sirupsen/logrus"
)

/**
LocalProvisioner registers the orchestrator's own supervisor as an endpoint, used when a
strategy leaves provisioning to the orchestrator
*/
type LocalProvisioner func(ctx context.Context, request *AllocationRequest) (*models.SupervisorEndpointRecord, error)

/**
ResourceAllocator moves allocations from PREPARING to AVAILABLE by finding, creating or waiting on
endpoints. It holds no state of its own; every instance works from the shared store and every grant
is a compare-and-set, so any number of allocators may run at once.
*/
type ResourceAllocator struct {
	redisClient          *redis.Client
	strategies           Strategies
	probe                SupervisorProbe
	provisionLocal       LocalProvisioner
	allocateTimeout      time.Duration
	maxProvisionAttempts int
	now                  func() time.Time
}

func NewResourceAllocator(redisClient *redis.Client, strategies Strategies, probe SupervisorProbe, provisionLocal LocalProvisioner, allocateTimeout time.Duration, maxProvisionAttempts int) *ResourceAllocator {
	if maxProvisionAttempts <= 0 {
		maxProvisionAttempts = 1
	}
	return &ResourceAllocator{
		redisClient:          redisClient,
		strategies:           strategies,
		probe:                probe,
		provisionLocal:       provisionLocal,
		allocateTimeout:      allocateTimeout,
		maxProvisionAttempts: maxProvisionAttempts,
		now:                  time.Now,
	}
}

/**
one pass over every allocation still in progress
*/
func (a *ResourceAllocator) AllocateTick(ctx context.Context) {
	preparing, listErr := models.AllocationsInState(a.redisClient, models.ALLOCATE_PREPARING)
	if listErr != nil {
		log.Errorf("could not list preparing allocations: %s", listErr)
	} else {
		for _, info := range preparing {
			if ctx.Err() != nil {
				return
			}
			a.handlePreparing(ctx, info)
		}
	}

	creating, listErr := models.AllocationsInState(a.redisClient, models.ALLOCATE_CREATING_RESOURCE)
	if listErr != nil {
		log.Errorf("could not list creating allocations: %s", listErr)
		return
	}
	for _, info := range creating {
		if ctx.Err() != nil {
			return
		}
		a.handleCreating(ctx, info)
	}
}

func (a *ResourceAllocator) isExpired(info *models.ResourceAllocateInfo) bool {
	return a.allocateTimeout > 0 && a.now().Sub(info.CreateTime) > a.allocateTimeout
}

/**
moves the allocation to FAILED with the given reason, from any in-progress state
*/
func (a *ResourceAllocator) failAllocation(info *models.ResourceAllocateInfo, reason string) {
	log.Warnf("allocation for job %s failed: %s", info.JobIdentity, reason)
	_, _, err := models.CompareAndSwapAllocation(a.redisClient, info.JobIdentity,
		[]models.AllocateState{models.ALLOCATE_PREPARING, models.ALLOCATE_CREATING_RESOURCE},
		func(i *models.ResourceAllocateInfo) error {
			i.AllocateState = models.ALLOCATE_FAILED
			i.FailReason = reason
			return nil
		})
	if err != nil {
		log.Errorf("could not mark allocation for %s failed: %s", info.JobIdentity, err)
	}
}

func (a *ResourceAllocator) handlePreparing(ctx context.Context, info *models.ResourceAllocateInfo) {
	if a.isExpired(info) {
		a.failAllocation(info, fmt.Sprintf("no resource allocated within %s", a.allocateTimeout))
		return
	}

	strategy, found := a.strategies.For(info.RunMode)
	if !found {
		a.failAllocation(info, fmt.Sprintf("no resource strategy for run mode %s", info.RunMode))
		return
	}
	request := RequestForAllocation(info)

	granted, grantErr := a.grantExisting(ctx, strategy, request)
	if grantErr != nil {
		log.Errorf("could not look for an endpoint for job %s: %s", info.JobIdentity, grantErr)
		return
	}
	if granted {
		return
	}

	created, provisionErr := strategy.HandleNoResourceAvailable(ctx, request)
	if provisionErr != nil {
		a.recordProvisionFailure(info, provisionErr)
		return
	}

	if created == nil {
		if a.provisionLocal == nil {
			log.Debugf("no endpoint yet for job %s, waiting", info.JobIdentity)
			return
		}
		local, localErr := a.provisionLocal(ctx, request)
		if localErr != nil {
			a.recordProvisionFailure(info, localErr)
			return
		}
		if local == nil {
			return
		}
		//the local endpoint may be claimed straight away on the next pass
		if _, claimErr := a.grantExisting(ctx, strategy, request); claimErr != nil {
			log.Errorf("could not claim local endpoint for job %s: %s", info.JobIdentity, claimErr)
		}
		return
	}

	_, applied, casErr := models.CompareAndSwapAllocation(a.redisClient, info.JobIdentity,
		[]models.AllocateState{models.ALLOCATE_PREPARING},
		func(i *models.ResourceAllocateInfo) error {
			i.AllocateState = models.ALLOCATE_CREATING_RESOURCE
			i.SupervisorEndpointId = created.Id
			return nil
		})
	if casErr != nil || !applied {
		log.Warnf("allocation for job %s moved on while creating %s, abandoning it", info.JobIdentity, created.Id)
		if _, stateErr := models.UpdateEndpointState(a.redisClient, created.Id, models.ENDPOINT_UNAVAILABLE); stateErr != nil {
			log.Errorf("could not mark orphaned endpoint %s unavailable: %s", created.Id, stateErr)
		}
	}
}

func (a *ResourceAllocator) recordProvisionFailure(info *models.ResourceAllocateInfo, cause error) {
	attempts := info.ProvisionAttempts + 1
	if attempts >= a.maxProvisionAttempts || !models.IsProvisioningError(cause) {
		a.failAllocation(info, cause.Error())
		return
	}
	log.Warnf("provisioning attempt %d/%d for job %s failed: %s", attempts, a.maxProvisionAttempts, info.JobIdentity, cause)
	_, _, err := models.CompareAndSwapAllocation(a.redisClient, info.JobIdentity,
		[]models.AllocateState{models.ALLOCATE_PREPARING, models.ALLOCATE_CREATING_RESOURCE},
		func(i *models.ResourceAllocateInfo) error {
			i.AllocateState = models.ALLOCATE_PREPARING
			i.SupervisorEndpointId = ""
			i.ProvisionAttempts = attempts
			i.FailReason = cause.Error()
			return nil
		})
	if err != nil {
		log.Errorf("could not record provisioning failure for %s: %s", info.JobIdentity, err)
	}
}

/**
tries to bind the request to an existing endpoint, least loaded first, skipping any whose supervisor
does not answer. Returns true if the allocation was granted.
*/
func (a *ResourceAllocator) grantExisting(ctx context.Context, strategy ResourceManageStrategy, request *AllocationRequest) (bool, error) {
	mode := EndpointRunMode(request.RunMode)
	candidates, listErr := models.CollectEndpoints(a.redisClient, mode, request.Region, request.Group)
	if listErr != nil {
		return false, listErr
	}

	usable := make([]*models.SupervisorEndpointRecord, 0, len(candidates))
	for _, c := range candidates {
		if strategy.IsEndpointHaveEnoughResource(c, request) {
			usable = append(usable, c)
		}
	}
	sort.SliceStable(usable, func(i, j int) bool {
		return usable[i].Loads < usable[j].Loads
	})

	for _, candidate := range usable {
		if a.probe != nil && !a.probe.IsSupervisorAlive(ctx, candidate.Endpoint()) {
			log.Infof("supervisor %s for endpoint %s is not answering, skipping it", candidate.Endpoint(), candidate.Id)
			continue
		}
		granted, err := a.claim(request, candidate.Id, []models.AllocateState{models.ALLOCATE_PREPARING})
		if err != nil {
			return false, err
		}
		if granted {
			return true, nil
		}
	}
	return false, nil
}

/**
claims load on the endpoint and then grants the allocation. If the allocation has moved on in the
meantime the load is handed back.
*/
func (a *ResourceAllocator) claim(request *AllocationRequest, endpointId string, expected []models.AllocateState) (bool, error) {
	requireIdle := EndpointRunMode(request.RunMode) == models.RUN_MODE_CONTAINER
	rec, claimErr := models.ClaimEndpointLoad(a.redisClient, endpointId, requireIdle)
	if claimErr == models.ErrEndpointBusy {
		return false, nil
	}
	if claimErr != nil {
		return false, claimErr
	}

	endpoint := rec.Endpoint()
	_, applied, casErr := models.CompareAndSwapAllocation(a.redisClient, request.JobIdentity, expected,
		func(i *models.ResourceAllocateInfo) error {
			i.AllocateState = models.ALLOCATE_AVAILABLE
			i.SupervisorEndpointId = rec.Id
			i.Endpoint = &endpoint
			i.FailReason = ""
			return nil
		})
	if casErr != nil || !applied {
		if _, relErr := models.ReleaseEndpointLoad(a.redisClient, endpointId); relErr != nil {
			log.Errorf("could not hand back load on %s: %s", endpointId, relErr)
		}
		return false, casErr
	}
	log.Infof("job %s granted endpoint %s (%s)", request.JobIdentity, rec.Id, endpoint)
	return true, nil
}

func (a *ResourceAllocator) handleCreating(ctx context.Context, info *models.ResourceAllocateInfo) {
	if a.isExpired(info) {
		a.abandonCreated(info)
		a.failAllocation(info, fmt.Sprintf("resource not ready within %s", a.allocateTimeout))
		return
	}

	strategy, found := a.strategies.For(info.RunMode)
	if !found {
		a.failAllocation(info, fmt.Sprintf("no resource strategy for run mode %s", info.RunMode))
		return
	}
	request := RequestForAllocation(info)

	ready, detectErr := strategy.DetectIfEndpointIsAvailable(ctx, request)
	if detectErr != nil {
		if models.IsProvisioningError(detectErr) {
			a.abandonCreated(info)
			a.recordProvisionFailure(info, detectErr)
			return
		}
		log.Warnf("could not tell whether the endpoint for job %s is ready, will retry: %s", info.JobIdentity, detectErr)
		return
	}
	if ready == nil {
		return
	}

	granted, claimErr := a.claim(request, ready.Id, []models.AllocateState{models.ALLOCATE_CREATING_RESOURCE})
	if claimErr != nil {
		log.Errorf("could not claim ready endpoint %s for job %s: %s", ready.Id, info.JobIdentity, claimErr)
		return
	}
	if !granted {
		//another job got the pod first, go round again
		_, _, _ = models.CompareAndSwapAllocation(a.redisClient, info.JobIdentity,
			[]models.AllocateState{models.ALLOCATE_CREATING_RESOURCE},
			func(i *models.ResourceAllocateInfo) error {
				i.AllocateState = models.ALLOCATE_PREPARING
				i.SupervisorEndpointId = ""
				return nil
			})
	}
}

/**
marks the endpoint being created for this allocation UNAVAILABLE so the reclaimer removes it
*/
func (a *ResourceAllocator) abandonCreated(info *models.ResourceAllocateInfo) {
	if info.SupervisorEndpointId == "" {
		return
	}
	if _, err := models.UpdateEndpointState(a.redisClient, info.SupervisorEndpointId, models.ENDPOINT_UNAVAILABLE); err != nil {
		log.Warnf("could not mark endpoint %s unavailable: %s", info.SupervisorEndpointId, err)
	}
}

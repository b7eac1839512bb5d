package resource

import (
	"context"

	"github.com/guardian/taskrunner/common/models"
)

/**
AllocationRequest is what a strategy is asked to find or create compute for
*/
type AllocationRequest struct {
	JobIdentity models.JobIdentity
	RunMode     models.RunMode
	Region      string
	Group       string
	Allocation  *models.ResourceAllocateInfo
}

func RequestForAllocation(info *models.ResourceAllocateInfo) *AllocationRequest {
	return &AllocationRequest{
		JobIdentity: info.JobIdentity,
		RunMode:     info.RunMode,
		Region:      info.ResourceRegion,
		Group:       info.ResourceGroup,
		Allocation:  info,
	}
}

/**
ResourceManageStrategy decides how compute is found, created, checked and given back for one run mode.
Infrastructure failures are reported as errors meaning "unknown state, try again", never as "resource absent".
*/
type ResourceManageStrategy interface {
	Name() string
	//true if the endpoint can take the requested job
	IsEndpointHaveEnoughResource(endpoint *models.SupervisorEndpointRecord, request *AllocationRequest) bool
	//called when no existing endpoint can take the job. May return nil when provisioning happens elsewhere.
	HandleNoResourceAvailable(ctx context.Context, request *AllocationRequest) (*models.SupervisorEndpointRecord, error)
	//returns the endpoint created for the request once it is usable, nil while it is still coming up
	DetectIfEndpointIsAvailable(ctx context.Context, request *AllocationRequest) (*models.SupervisorEndpointRecord, error)
	RefreshSupervisorEndpoint(ctx context.Context, endpoint *models.SupervisorEndpointRecord) error
	ReleaseResourceById(ctx context.Context, endpoint *models.SupervisorEndpointRecord) error
	//the subset of candidates that should be reclaimed now
	PickReleasedEndpoint(candidates []*models.SupervisorEndpointRecord) []*models.SupervisorEndpointRecord
}

/**
the liveness check strategies and the allocator need from the command client
*/
type SupervisorProbe interface {
	IsSupervisorAlive(ctx context.Context, endpoint models.SupervisorEndpoint) bool
}

/**
ResourcePolicy decides whether a shared process endpoint has room for another job
*/
type ResourcePolicy interface {
	IsEndpointHaveEnoughResource(endpoint *models.SupervisorEndpointRecord, request *AllocationRequest) bool
}

/**
accepts any available endpoint, admission control already bounds the number of process jobs
*/
type PermissivePolicy struct{}

func (p PermissivePolicy) IsEndpointHaveEnoughResource(endpoint *models.SupervisorEndpointRecord, request *AllocationRequest) bool {
	return true
}

/**
caps the number of jobs bound to a single endpoint
*/
type MaxLoadsPolicy struct {
	MaxLoads int
}

func (p MaxLoadsPolicy) IsEndpointHaveEnoughResource(endpoint *models.SupervisorEndpointRecord, request *AllocationRequest) bool {
	return endpoint.Loads < p.MaxLoads
}

/**
Strategies maps run modes onto strategies. Legacy jobs run on the process strategy.
*/
type Strategies map[models.RunMode]ResourceManageStrategy

func (s Strategies) For(mode models.RunMode) (ResourceManageStrategy, bool) {
	if mode == models.RUN_MODE_LEGACY {
		mode = models.RUN_MODE_PROCESS
	}
	strategy, found := s[mode]
	return strategy, found
}

/**
the run mode endpoint records are filed under for jobs of the given mode
*/
func EndpointRunMode(mode models.RunMode) models.RunMode {
	if mode == models.RUN_MODE_LEGACY {
		return models.RUN_MODE_PROCESS
	}
	return mode
}

/**
implemented by strategies that can release a resource while the releasing job is still bound to it
*/
type HeldResourceReleaser interface {
	ReleaseHeldResourceById(ctx context.Context, endpoint *models.SupervisorEndpointRecord) error
}

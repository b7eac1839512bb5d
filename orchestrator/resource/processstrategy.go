package resource

import (
	"context"

	"github.com/go-redis/redis/v7"
	"github.com/guardian/taskrunner/common/models"
	log "github.com/sirupsen/logrus"
)

/**
ProcessStrategy runs jobs as local processes under a supervisor on the orchestrator host.
Endpoints are shared between jobs and are never reclaimed passively.
*/
type ProcessStrategy struct {
	redisClient *redis.Client
	policy      ResourcePolicy
	probe       SupervisorProbe
}

func NewProcessStrategy(redisClient *redis.Client, policy ResourcePolicy, probe SupervisorProbe) *ProcessStrategy {
	if policy == nil {
		policy = PermissivePolicy{}
	}
	return &ProcessStrategy{redisClient: redisClient, policy: policy, probe: probe}
}

func (s *ProcessStrategy) Name() string {
	return "process"
}

func (s *ProcessStrategy) IsEndpointHaveEnoughResource(endpoint *models.SupervisorEndpointRecord, request *AllocationRequest) bool {
	return endpoint.State == models.ENDPOINT_AVAILABLE && s.policy.IsEndpointHaveEnoughResource(endpoint, request)
}

/**
always nil, the orchestrator provisions its local endpoint itself
*/
func (s *ProcessStrategy) HandleNoResourceAvailable(ctx context.Context, request *AllocationRequest) (*models.SupervisorEndpointRecord, error) {
	return nil, nil
}

func (s *ProcessStrategy) DetectIfEndpointIsAvailable(ctx context.Context, request *AllocationRequest) (*models.SupervisorEndpointRecord, error) {
	if request.Allocation == nil || request.Allocation.SupervisorEndpointId == "" {
		return nil, nil
	}
	rec, err := models.EndpointForId(request.Allocation.SupervisorEndpointId, s.redisClient)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.State != models.ENDPOINT_AVAILABLE {
		return nil, nil
	}
	return rec, nil
}

/**
sets the endpoint AVAILABLE or UNAVAILABLE according to the supervisor heartbeat
*/
func (s *ProcessStrategy) RefreshSupervisorEndpoint(ctx context.Context, endpoint *models.SupervisorEndpointRecord) error {
	newState := models.ENDPOINT_UNAVAILABLE
	if s.probe.IsSupervisorAlive(ctx, endpoint.Endpoint()) {
		newState = models.ENDPOINT_AVAILABLE
	}
	if newState == endpoint.State {
		return nil
	}
	log.Infof("process endpoint %s is now %s", endpoint.Id, newState)
	updated, err := models.UpdateEndpointState(s.redisClient, endpoint.Id, newState)
	if err == nil {
		*endpoint = *updated
	}
	return err
}

func (s *ProcessStrategy) ReleaseResourceById(ctx context.Context, endpoint *models.SupervisorEndpointRecord) error {
	return &models.UnsupportedOperation{Variant: s.Name(), Operation: "ReleaseResourceById"}
}

func (s *ProcessStrategy) PickReleasedEndpoint(candidates []*models.SupervisorEndpointRecord) []*models.SupervisorEndpointRecord {
	return []*models.SupervisorEndpointRecord{}
}

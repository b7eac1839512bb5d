package resource

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
	"github.com/guardian/taskrunner/common/models"
	log "github.com/sirupsen/logrus"
)

const DEFAULT_KEEP_IDLE = 300 * time.Second

/**
the pod operations the container strategy relies on, implemented by k8s.PodJobClient
*/
type PodClient interface {
	Create(ctx context.Context, rc *models.ResourceContext) (*models.PodResource, error)
	Get(ctx context.Context, namespace string, name string) (*models.PodResource, error)
	Delete(ctx context.Context, namespace string, name string) (string, error)
}

/**
ContainerStrategy gives every job a pod of its own. A pod that finishes its job goes back to the pool
idle and is reclaimed unless it is the one kept warm.
*/
type ContainerStrategy struct {
	redisClient *redis.Client
	pods        PodClient
	namespace   string
	podConfig   models.PodConfig
	keepIdle    time.Duration
	now         func() time.Time
}

func NewContainerStrategy(redisClient *redis.Client, pods PodClient, namespace string, podConfig models.PodConfig, keepIdle time.Duration) *ContainerStrategy {
	if keepIdle <= 0 {
		keepIdle = DEFAULT_KEEP_IDLE
	}
	return &ContainerStrategy{
		redisClient: redisClient,
		pods:        pods,
		namespace:   namespace,
		podConfig:   podConfig,
		keepIdle:    keepIdle,
		now:         time.Now,
	}
}

func (s *ContainerStrategy) Name() string {
	return "container"
}

/**
a pod only ever runs one job at a time
*/
func (s *ContainerStrategy) IsEndpointHaveEnoughResource(endpoint *models.SupervisorEndpointRecord, request *AllocationRequest) bool {
	return endpoint.State == models.ENDPOINT_AVAILABLE && endpoint.Loads == 0
}

func newPodName(jobId models.JobIdentity) string {
	suffix := strings.Split(uuid.New().String(), "-")[0]
	return fmt.Sprintf("taskrunner-executor-%s-%s", jobId, suffix)
}

/**
creates a new pod for the request and records a PREPARING endpoint for it.
If the endpoint cannot be saved the pod is deleted again.
*/
func (s *ContainerStrategy) HandleNoResourceAvailable(ctx context.Context, request *AllocationRequest) (*models.SupervisorEndpointRecord, error) {
	rc := &models.ResourceContext{
		Region:    request.Region,
		Group:     request.Group,
		Namespace: s.namespace,
		Name:      newPodName(request.JobIdentity),
		PodConfig: s.podConfig,
	}

	pod, createErr := s.pods.Create(ctx, rc)
	if createErr != nil {
		log.Errorf("could not create pod for job %s: %s", request.JobIdentity, createErr)
		return nil, createErr
	}
	log.Infof("created pod %s/%s for job %s", pod.Namespace, pod.Name, request.JobIdentity)

	port := pod.ServicePort
	if port == 0 {
		port = s.podConfig.ServicePort
	}
	rec := &models.SupervisorEndpointRecord{
		Id:         pod.Name,
		Host:       pod.PodIP,
		Port:       port,
		State:      models.ENDPOINT_PREPARING,
		Loads:      0,
		RunMode:    models.RUN_MODE_CONTAINER,
		Region:     request.Region,
		Group:      request.Group,
		ResourceID: pod.ResourceID(),
	}

	if storeErr := rec.Store(s.redisClient); storeErr != nil {
		log.Warnf("could not save endpoint for pod %s, rolling back: %s", pod.Name, storeErr)
		if _, delErr := s.pods.Delete(ctx, pod.Namespace, pod.Name); delErr != nil {
			log.Errorf("rollback of pod %s failed, it will be orphaned: %s", pod.Name, delErr)
		}
		return nil, &models.ProvisioningError{Resource: "endpoint " + pod.Name, Cause: storeErr}
	}
	return rec, nil
}

/**
checks the pod behind the request's endpoint. A running pod with an IP makes the endpoint AVAILABLE and
is returned; a pod still creating gives nil; a broken or vanished pod is a ProvisioningError.
*/
func (s *ContainerStrategy) DetectIfEndpointIsAvailable(ctx context.Context, request *AllocationRequest) (*models.SupervisorEndpointRecord, error) {
	if request.Allocation == nil || request.Allocation.SupervisorEndpointId == "" {
		return nil, fmt.Errorf("allocation for job %s has no endpoint to wait on", request.JobIdentity)
	}
	rec, getErr := models.EndpointForId(request.Allocation.SupervisorEndpointId, s.redisClient)
	if getErr != nil {
		return nil, getErr
	}
	if rec == nil {
		return nil, &models.ProvisioningError{Resource: "endpoint " + request.Allocation.SupervisorEndpointId, Cause: fmt.Errorf("endpoint record vanished")}
	}
	switch rec.State {
	case models.ENDPOINT_AVAILABLE:
		return rec, nil
	case models.ENDPOINT_UNAVAILABLE, models.ENDPOINT_ABANDON:
		return nil, &models.ProvisioningError{Resource: "endpoint " + rec.Id, Cause: fmt.Errorf("endpoint is %s", rec.State)}
	}

	pod, podErr := s.pods.Get(ctx, rec.ResourceID.Namespace, rec.ResourceID.Name)
	if podErr != nil {
		return nil, podErr
	}
	if pod == nil {
		return nil, &models.ProvisioningError{Resource: "pod " + rec.ResourceID.Name, Cause: fmt.Errorf("pod vanished while starting")}
	}

	switch {
	case pod.Status.IsRunning() && pod.PodIP != "":
		return models.UpdateEndpoint(s.redisClient, rec.Id, func(r *models.SupervisorEndpointRecord) error {
			r.Host = pod.PodIP
			r.State = models.ENDPOINT_AVAILABLE
			return nil
		})
	case pod.Status.IsRunning(), pod.Status.IsCreating():
		return nil, nil
	default:
		return nil, &models.ProvisioningError{
			Resource: "pod " + pod.Name,
			Cause:    fmt.Errorf("pod is in error state %+v", pod.Status),
		}
	}
}

/**
re-reads the pod, picking up a changed IP and marking the endpoint UNAVAILABLE if the pod is gone or broken
*/
func (s *ContainerStrategy) RefreshSupervisorEndpoint(ctx context.Context, endpoint *models.SupervisorEndpointRecord) error {
	pod, podErr := s.pods.Get(ctx, endpoint.ResourceID.Namespace, endpoint.ResourceID.Name)
	if podErr != nil {
		log.Warnf("could not refresh endpoint %s: %s", endpoint.Id, podErr)
		return podErr
	}

	newState := endpoint.State
	newHost := endpoint.Host
	switch {
	case pod == nil || pod.Status.IsError():
		newState = models.ENDPOINT_UNAVAILABLE
	case pod.PodIP != "":
		newHost = pod.PodIP
	}
	//unchanged endpoints are not rewritten, UpdateTime doubles as the last-used time
	if newState == endpoint.State && newHost == endpoint.Host {
		return nil
	}

	updated, err := models.UpdateEndpoint(s.redisClient, endpoint.Id, func(r *models.SupervisorEndpointRecord) error {
		r.State = newState
		r.Host = newHost
		return nil
	})
	if err == nil {
		*endpoint = *updated
	}
	return err
}

/**
deletes the pod and abandons the endpoint, provided no job is bound to it.
The endpoint is retired in the store before the pod goes, so a runner that claimed it in the meantime
keeps it and this returns models.ErrEndpointBusy. A pod that is already gone is fine.
*/
func (s *ContainerStrategy) ReleaseResourceById(ctx context.Context, endpoint *models.SupervisorEndpointRecord) error {
	return s.retireAndDelete(ctx, endpoint, 0)
}

/**
as ReleaseResourceById, for the one job still bound to the endpoint
*/
func (s *ContainerStrategy) ReleaseHeldResourceById(ctx context.Context, endpoint *models.SupervisorEndpointRecord) error {
	return s.retireAndDelete(ctx, endpoint, 1)
}

func (s *ContainerStrategy) retireAndDelete(ctx context.Context, endpoint *models.SupervisorEndpointRecord, ownLoads int) error {
	_, retireErr := models.RetireEndpoint(s.redisClient, endpoint.Id, ownLoads)
	switch {
	case retireErr == models.ErrEndpointGone:
		log.Debugf("endpoint %s was already abandoned", endpoint.Id)
		return nil
	case retireErr != nil:
		return retireErr
	}

	if !endpoint.ResourceID.IsEmpty() {
		deleted, delErr := s.pods.Delete(ctx, endpoint.ResourceID.Namespace, endpoint.ResourceID.Name)
		if delErr != nil {
			//left UNAVAILABLE, the next reclaim pass tries again
			log.Errorf("could not delete pod for endpoint %s: %s", endpoint.Id, delErr)
			return delErr
		}
		log.Infof("released pod %s/%s", endpoint.ResourceID.Namespace, deleted)
	} else {
		log.Infof("no resource found for endpoint %s", endpoint.Id)
	}
	return models.AbandonEndpoint(s.redisClient, endpoint.Id)
}

/**
every UNAVAILABLE endpoint, plus every idle one except the most recently used, which is kept for
keepIdle after its last use
*/
func (s *ContainerStrategy) PickReleasedEndpoint(candidates []*models.SupervisorEndpointRecord) []*models.SupervisorEndpointRecord {
	toRelease := make([]*models.SupervisorEndpointRecord, 0)
	idle := make([]*models.SupervisorEndpointRecord, 0)

	for _, c := range candidates {
		if c.RunMode != models.RUN_MODE_CONTAINER {
			continue
		}
		switch {
		case c.State == models.ENDPOINT_UNAVAILABLE:
			toRelease = append(toRelease, c)
		case c.State == models.ENDPOINT_AVAILABLE && c.Loads == 0:
			idle = append(idle, c)
		}
	}
	if len(idle) == 0 {
		return toRelease
	}

	sort.SliceStable(idle, func(i, j int) bool {
		return idle[i].UpdateTime.After(idle[j].UpdateTime)
	})
	if s.now().Sub(idle[0].UpdateTime) <= s.keepIdle {
		idle = idle[1:]
	}
	return append(toRelease, idle...)
}

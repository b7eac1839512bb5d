package launcher

import (
	"fmt"

	"github.com/go-redis/redis/v7"
	"github.com/guardian/taskrunner/common/helpers"
	"github.com/guardian/taskrunner/common/models"
	log "github.com/sirupsen/logrus"
)

func RegistrationId(conf helpers.SupervisorConfig) string {
	return fmt.Sprintf("supervisor-%s-%d", conf.AdvertiseHost, conf.Port)
}

/**
makes this supervisor available to orchestrators as a process-mode endpoint.
A record left over from a previous run keeps its load count, since jobs may still be bound to it.
*/
func Register(client *redis.Client, conf helpers.SupervisorConfig, region string, group string) (*models.SupervisorEndpointRecord, error) {
	id := RegistrationId(conf)
	existing, getErr := models.EndpointForId(id, client)
	if getErr != nil {
		return nil, getErr
	}
	if existing != nil && existing.State != models.ENDPOINT_ABANDON {
		log.Infof("supervisor %s was already registered with %d load, marking it available", id, existing.Loads)
		return models.UpdateEndpoint(client, id, func(rec *models.SupervisorEndpointRecord) error {
			rec.State = models.ENDPOINT_AVAILABLE
			return nil
		})
	}

	rec := &models.SupervisorEndpointRecord{
		Id:      id,
		Host:    conf.AdvertiseHost,
		Port:    conf.Port,
		State:   models.ENDPOINT_AVAILABLE,
		RunMode: models.RUN_MODE_PROCESS,
		Region:  region,
		Group:   group,
	}
	if storeErr := rec.Store(client); storeErr != nil {
		return nil, storeErr
	}
	log.Infof("registered supervisor %s in %s/%s", id, region, group)
	return rec, nil
}

/**
takes this supervisor out of the pool of endpoints that can be granted, on shutdown
*/
func Deregister(client *redis.Client, conf helpers.SupervisorConfig) error {
	_, err := models.UpdateEndpointState(client, RegistrationId(conf), models.ENDPOINT_UNAVAILABLE)
	return err
}

package resource

import (
	"context"

	"github.com/go-redis/redis/v7"
	"github.com/guardian/taskrunner/common/models"
	log "github.com/sirupsen/logrus"
)

/**
Reclaimer gives back endpoints that strategies no longer want to keep
*/
type Reclaimer struct {
	redisClient *redis.Client
	strategies  Strategies
	DryRun      bool
}

func NewReclaimer(redisClient *redis.Client, strategies Strategies) *Reclaimer {
	return &Reclaimer{redisClient: redisClient, strategies: strategies}
}

/**
refreshes every live endpoint, asks each strategy which of its endpoints to release and releases them.
Returns the ids of the endpoints released (or that would have been, in dry-run mode).
*/
func (r *Reclaimer) ReclaimIdleEndpoints(ctx context.Context) ([]string, error) {
	all, listErr := models.CollectAllEndpoints(r.redisClient)
	if listErr != nil {
		return nil, listErr
	}

	byMode := make(map[models.RunMode][]*models.SupervisorEndpointRecord)
	for _, rec := range all {
		strategy, found := r.strategies.For(rec.RunMode)
		if !found {
			continue
		}
		if rec.State != models.ENDPOINT_PREPARING {
			if refreshErr := strategy.RefreshSupervisorEndpoint(ctx, rec); refreshErr != nil {
				log.Debugf("refresh of %s failed, using stored state: %s", rec.Id, refreshErr)
			}
		}
		byMode[rec.RunMode] = append(byMode[rec.RunMode], rec)
	}

	released := make([]string, 0)
	for mode, candidates := range byMode {
		strategy, _ := r.strategies.For(mode)
		for _, rec := range strategy.PickReleasedEndpoint(candidates) {
			if r.DryRun {
				log.Infof("dry run: would release endpoint %s (%s, loads %d)", rec.Id, rec.State, rec.Loads)
				released = append(released, rec.Id)
				continue
			}
			releaseErr := strategy.ReleaseResourceById(ctx, rec)
			if releaseErr == models.ErrEndpointBusy {
				log.Infof("endpoint %s was claimed since it was picked, keeping it", rec.Id)
				continue
			}
			if releaseErr != nil {
				log.Errorf("could not release endpoint %s: %s", rec.Id, releaseErr)
				continue
			}
			released = append(released, rec.Id)
		}
	}
	return released, nil
}

package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v7"
	log "github.com/sirupsen/logrus"
)

//returned by ClaimEndpointLoad when the endpoint could not take another job
var ErrEndpointBusy = errors.New("endpoint is not available for a new job")

//returned by RetireEndpoint when the endpoint has already been abandoned
var ErrEndpointGone = errors.New("endpoint has already been abandoned")

func endpointKey(id string) string {
	return redisKey("endpoint", id)
}

func endpointGroupIndexKey(mode RunMode, region string, group string) string {
	return redisKey("endpoints", mode, region, group)
}

func allEndpointsIndexKey() string {
	return redisKey("endpoints", "all")
}

func updateEndpointIndexes(pipe redis.Pipeliner, rec *SupervisorEndpointRecord) {
	groupKey := endpointGroupIndexKey(rec.RunMode, rec.Region, rec.Group)
	if rec.State == ENDPOINT_ABANDON {
		pipe.SRem(groupKey, rec.Id)
		pipe.SRem(allEndpointsIndexKey(), rec.Id)
	} else {
		pipe.SAdd(groupKey, rec.Id)
		pipe.SAdd(allEndpointsIndexKey(), rec.Id)
	}
}

/**
unconditionally writes the endpoint record and maintains its indexes
*/
func (r *SupervisorEndpointRecord) Store(client redis.Cmdable) error {
	if r.Id == "" {
		return errors.New("cannot store an endpoint record with no id")
	}
	if r.CreateTime.IsZero() {
		r.CreateTime = time.Now()
	}
	r.UpdateTime = time.Now()

	content, marshalErr := json.Marshal(r)
	if marshalErr != nil {
		log.Errorf("could not marshal endpoint %s: %s", r.Id, marshalErr)
		return marshalErr
	}

	_, pipeErr := client.TxPipelined(func(pipe redis.Pipeliner) error {
		pipe.Set(endpointKey(r.Id), string(content), 0)
		updateEndpointIndexes(pipe, r)
		return nil
	})
	if pipeErr != nil {
		log.Errorf("could not store endpoint %s: %s", r.Id, pipeErr)
	}
	return pipeErr
}

/**
returns the endpoint record with the given id, or nil if there is none
*/
func EndpointForId(id string, client redis.Cmdable) (*SupervisorEndpointRecord, error) {
	content, getErr := client.Get(endpointKey(id)).Result()
	if getErr == redis.Nil {
		return nil, nil
	}
	if getErr != nil {
		log.Errorf("could not retrieve endpoint %s: %s", id, getErr)
		return nil, getErr
	}
	var rec SupervisorEndpointRecord
	if unmarshalErr := json.Unmarshal([]byte(content), &rec); unmarshalErr != nil {
		log.Errorf("corrupted endpoint record %s: %s. Offending data was %s", id, unmarshalErr, content)
		return nil, unmarshalErr
	}
	return &rec, nil
}

func collectEndpointsFromIndex(client redis.Cmdable, indexKey string) ([]*SupervisorEndpointRecord, error) {
	ids, listErr := client.SMembers(indexKey).Result()
	if listErr != nil {
		log.Errorf("could not list endpoints from %s: %s", indexKey, listErr)
		return nil, listErr
	}
	sort.Strings(ids)

	rtn := make([]*SupervisorEndpointRecord, 0, len(ids))
	for _, id := range ids {
		rec, getErr := EndpointForId(id, client)
		if getErr != nil {
			return nil, getErr
		}
		if rec == nil || rec.State == ENDPOINT_ABANDON {
			continue
		}
		rtn = append(rtn, rec)
	}
	return rtn, nil
}

/**
every live (non-abandoned) endpoint for the given run mode, region and group, ordered by id
*/
func CollectEndpoints(client redis.Cmdable, mode RunMode, region string, group string) ([]*SupervisorEndpointRecord, error) {
	return collectEndpointsFromIndex(client, endpointGroupIndexKey(mode, region, group))
}

/**
every live endpoint known to the cluster, regardless of mode or group
*/
func CollectAllEndpoints(client redis.Cmdable) ([]*SupervisorEndpointRecord, error) {
	return collectEndpointsFromIndex(client, allEndpointsIndexKey())
}

/**
compare-and-set on an endpoint record. `mutate` may return ErrEndpointBusy (or any other error)
to abort without writing.
*/
func UpdateEndpoint(client *redis.Client, id string, mutate func(rec *SupervisorEndpointRecord) error) (*SupervisorEndpointRecord, error) {
	dbKey := endpointKey(id)
	var result *SupervisorEndpointRecord

	txErr := withOptimisticRetry(client, func(tx *redis.Tx) error {
		current, getErr := EndpointForId(id, tx)
		if getErr != nil {
			return getErr
		}
		if current == nil {
			return fmt.Errorf("endpoint %s does not exist", id)
		}
		if mutateErr := mutate(current); mutateErr != nil {
			return mutateErr
		}
		current.UpdateTime = time.Now()
		content, marshalErr := json.Marshal(current)
		if marshalErr != nil {
			return marshalErr
		}
		_, pipeErr := tx.TxPipelined(func(pipe redis.Pipeliner) error {
			pipe.Set(dbKey, string(content), 0)
			updateEndpointIndexes(pipe, current)
			return nil
		})
		if pipeErr == nil {
			result = current
		}
		return pipeErr
	}, dbKey)
	return result, txErr
}

/**
atomically adds one job to the endpoint's load.
With `requireIdle` the claim only succeeds when nothing else is bound to the endpoint, which is how
a container endpoint is kept to a single job.
Returns ErrEndpointBusy if the endpoint is not AVAILABLE or not idle.
*/
func ClaimEndpointLoad(client *redis.Client, id string, requireIdle bool) (*SupervisorEndpointRecord, error) {
	return UpdateEndpoint(client, id, func(rec *SupervisorEndpointRecord) error {
		if rec.State != ENDPOINT_AVAILABLE {
			return ErrEndpointBusy
		}
		if requireIdle && rec.Loads > 0 {
			return ErrEndpointBusy
		}
		rec.Loads += 1
		return nil
	})
}

/**
atomically removes one job from the endpoint's load, never going below zero
*/
func ReleaseEndpointLoad(client *redis.Client, id string) (*SupervisorEndpointRecord, error) {
	return UpdateEndpoint(client, id, func(rec *SupervisorEndpointRecord) error {
		if rec.Loads > 0 {
			rec.Loads -= 1
		} else {
			log.Warnf("endpoint %s load was already zero on release", rec.Id)
		}
		return nil
	})
}

func UpdateEndpointState(client *redis.Client, id string, newState EndpointState) (*SupervisorEndpointRecord, error) {
	return UpdateEndpoint(client, id, func(rec *SupervisorEndpointRecord) error {
		rec.State = newState
		return nil
	})
}

/**
marks the endpoint ABANDON and drops it from every index, the record itself stays for inspection
*/
func AbandonEndpoint(client *redis.Client, id string) error {
	_, err := UpdateEndpointState(client, id, ENDPOINT_ABANDON)
	return err
}

/**
takes an endpoint out of service before whatever backs it is deleted.
An AVAILABLE endpoint is only retired while at most `ownLoads` jobs are bound to it, otherwise
ErrEndpointBusy and nothing changes. A retired endpoint is UNAVAILABLE, so ClaimEndpointLoad refuses it
from then on; ErrEndpointGone if it was already abandoned.
*/
func RetireEndpoint(client *redis.Client, id string, ownLoads int) (*SupervisorEndpointRecord, error) {
	return UpdateEndpoint(client, id, func(rec *SupervisorEndpointRecord) error {
		switch rec.State {
		case ENDPOINT_ABANDON:
			return ErrEndpointGone
		case ENDPOINT_AVAILABLE:
			if rec.Loads > ownLoads {
				return ErrEndpointBusy
			}
		}
		rec.State = ENDPOINT_UNAVAILABLE
		return nil
	})
}

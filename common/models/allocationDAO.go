package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/jinzhu/copier"
	log "github.com/sirupsen/logrus"
)

var ErrAllocationExists = errors.New("an allocation already exists for this job")

/**
ArchivedAllocation is the record kept once an allocation has been released
*/
type ArchivedAllocation struct {
	JobIdentity          JobIdentity         `json:"jobIdentity"`
	RunMode              RunMode             `json:"runMode"`
	ResourceRegion       string              `json:"resourceRegion"`
	ResourceGroup        string              `json:"resourceGroup"`
	SupervisorEndpointId string              `json:"supervisorEndpointId,omitempty"`
	Endpoint             *SupervisorEndpoint `json:"endpoint,omitempty"`
	ProvisionAttempts    int                 `json:"provisionAttempts"`
	FailReason           string              `json:"failReason,omitempty"`
	CreateTime           time.Time           `json:"createTime"`
	ReleaseTime          time.Time           `json:"releaseTime"`
}

func allocationKey(id JobIdentity) string {
	return redisKey("allocation", id)
}

func allocationStateIndexKey(state AllocateState) string {
	return redisKey("allocations", "state", state)
}

func allocationArchiveKey() string {
	return redisKey("allocations", "archive")
}

func updateAllocationIndexes(pipe redis.Pipeliner, before *ResourceAllocateInfo, after *ResourceAllocateInfo) error {
	if before != nil && before.AllocateState == after.AllocateState {
		return nil
	}
	if before != nil {
		pipe.SRem(allocationStateIndexKey(before.AllocateState), after.JobIdentity.String())
	}
	if after.AllocateState == ALLOCATE_RELEASED {
		var archived ArchivedAllocation
		if copyErr := copier.Copy(&archived, after); copyErr != nil {
			return copyErr
		}
		archived.ReleaseTime = after.UpdateTime
		content, marshalErr := json.Marshal(&archived)
		if marshalErr != nil {
			return marshalErr
		}
		pipe.HSet(allocationArchiveKey(), after.JobIdentity.String(), string(content))
		return nil
	}
	pipe.SAdd(allocationStateIndexKey(after.AllocateState), after.JobIdentity.String())
	return nil
}

/**
persists a new allocation. Only one allocation may ever exist per job, a second call gives ErrAllocationExists
*/
func (a *ResourceAllocateInfo) Create(client *redis.Client) error {
	dbKey := allocationKey(a.JobIdentity)
	content, marshalErr := json.Marshal(a)
	if marshalErr != nil {
		return marshalErr
	}

	return withOptimisticRetry(client, func(tx *redis.Tx) error {
		exists, existsErr := tx.Exists(dbKey).Result()
		if existsErr != nil {
			return existsErr
		}
		if exists > 0 {
			return ErrAllocationExists
		}
		_, pipeErr := tx.TxPipelined(func(pipe redis.Pipeliner) error {
			pipe.Set(dbKey, string(content), 0)
			return updateAllocationIndexes(pipe, nil, a)
		})
		return pipeErr
	}, dbKey)
}

/**
returns the allocation for the given job, or nil if there is none
*/
func AllocationForJob(id JobIdentity, client redis.Cmdable) (*ResourceAllocateInfo, error) {
	content, getErr := client.Get(allocationKey(id)).Result()
	if getErr == redis.Nil {
		return nil, nil
	}
	if getErr != nil {
		log.Errorf("could not retrieve allocation for %s: %s", id, getErr)
		return nil, getErr
	}

	var info ResourceAllocateInfo
	if unmarshalErr := json.Unmarshal([]byte(content), &info); unmarshalErr != nil {
		log.Errorf("corrupted allocation for %s: %s. Offending data was %s", id, unmarshalErr, content)
		return nil, unmarshalErr
	}
	return &info, nil
}

/**
compare-and-swap on the allocation for a job. `mutate` runs only when the stored state is in
`expected`, so two racing callers can never both win the same transition.
Returns the stored allocation afterwards and whether this call applied the change.
*/
func CompareAndSwapAllocation(client *redis.Client, id JobIdentity, expected []AllocateState, mutate func(info *ResourceAllocateInfo) error) (*ResourceAllocateInfo, bool, error) {
	dbKey := allocationKey(id)
	var result *ResourceAllocateInfo
	var applied bool

	txErr := withOptimisticRetry(client, func(tx *redis.Tx) error {
		applied = false
		current, getErr := AllocationForJob(id, tx)
		if getErr != nil {
			return getErr
		}
		if current == nil {
			return fmt.Errorf("no allocation exists for job %s", id)
		}
		result = current
		if !allocateStateIn(current.AllocateState, expected) {
			return nil
		}

		var updated ResourceAllocateInfo
		if copyErr := copier.Copy(&updated, current); copyErr != nil {
			return copyErr
		}
		if mutateErr := mutate(&updated); mutateErr != nil {
			return mutateErr
		}
		updated.UpdateTime = time.Now()

		content, marshalErr := json.Marshal(&updated)
		if marshalErr != nil {
			return marshalErr
		}
		_, pipeErr := tx.TxPipelined(func(pipe redis.Pipeliner) error {
			pipe.Set(dbKey, string(content), 0)
			return updateAllocationIndexes(pipe, current, &updated)
		})
		if pipeErr == nil {
			applied = true
			result = &updated
		}
		return pipeErr
	}, dbKey)

	if txErr != nil {
		log.Errorf("could not update allocation for %s: %s", id, txErr)
		return result, false, txErr
	}
	return result, applied, nil
}

func allocateStateIn(state AllocateState, candidates []AllocateState) bool {
	for _, s := range candidates {
		if s == state {
			return true
		}
	}
	return false
}

/**
returns every allocation currently in the given state
*/
func AllocationsInState(client redis.Cmdable, state AllocateState) ([]*ResourceAllocateInfo, error) {
	members, err := client.SMembers(allocationStateIndexKey(state)).Result()
	if err != nil {
		log.Errorf("could not list %s allocations: %s", state, err)
		return nil, err
	}

	rtn := make([]*ResourceAllocateInfo, 0, len(members))
	for _, m := range members {
		id, parseErr := ParseJobIdentity(m)
		if parseErr != nil {
			log.Warnf("bad data in %s allocation index: %s", state, parseErr)
			continue
		}
		info, getErr := AllocationForJob(id, client)
		if getErr != nil {
			return nil, getErr
		}
		if info == nil || info.AllocateState != state {
			//index lags a concurrent update, skip it
			continue
		}
		rtn = append(rtn, info)
	}
	return rtn, nil
}

/**
returns the archived copy of a released allocation, or nil if it was never released
*/
func ArchivedAllocationForJob(id JobIdentity, client redis.Cmdable) (*ArchivedAllocation, error) {
	content, getErr := client.HGet(allocationArchiveKey(), id.String()).Result()
	if getErr == redis.Nil {
		return nil, nil
	}
	if getErr != nil {
		return nil, getErr
	}
	var archived ArchivedAllocation
	if unmarshalErr := json.Unmarshal([]byte(content), &archived); unmarshalErr != nil {
		return nil, unmarshalErr
	}
	return &archived, nil
}

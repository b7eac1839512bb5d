package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/go-redis/redis/v7"
	log "github.com/sirupsen/logrus"
)

/**
JobRecord is the authoritative per-job state owned by the orchestrator
*/
type JobRecord struct {
	Id                JobIdentity       `json:"id"`
	JobType           string            `json:"jobType"`
	RunMode           RunMode           `json:"runMode"`
	Status            JobStatus         `json:"status"`
	Admitted          bool              `json:"admitted"`
	Parameters        map[string]string `json:"parameters,omitempty"`
	Environment       map[string]string `json:"environment,omitempty"`
	ResourceRegion    string            `json:"resourceRegion,omitempty"`
	ResourceGroup     string            `json:"resourceGroup,omitempty"`
	LastResult        *TaskResult       `json:"lastResult,omitempty"`
	ExecutorEndpoint  *ExecutorEndpoint `json:"executorEndpoint,omitempty"`
	ErrorMessage      string            `json:"errorMessage,omitempty"`
	DispatchFailures  int               `json:"dispatchFailures"`
	ResourceReleased  bool              `json:"resourceReleased"`
	CreateTime        time.Time         `json:"createTime"`
	StartTime         *time.Time        `json:"startTime,omitempty"`
	EndTime           *time.Time        `json:"endTime,omitempty"`
	LastHeartbeat     *time.Time        `json:"lastHeartbeat,omitempty"`
	CancelRequestedAt *time.Time        `json:"cancelRequestedAt,omitempty"`
}

var ErrJobExists = errors.New("a job with this identity already exists")

func jobRecordKey(id JobIdentity) string {
	return redisKey("job", id)
}

func jobStatusIndexKey(status JobStatus) string {
	return redisKey("jobs", "status", status)
}

func admittedJobsIndexKey(mode RunMode) string {
	return redisKey("jobs", "admitted", mode)
}

/**
the job context sent to supervisors for this job
*/
func (j *JobRecord) JobContext() JobContext {
	return JobContext{
		JobIdentity: j.Id,
		JobType:     j.JobType,
		Parameters:  j.Parameters,
		Environment: j.Environment,
	}
}

/**
the moment the job last showed signs of life, used for heartbeat timeouts
*/
func (j *JobRecord) LastSeen() time.Time {
	if j.LastHeartbeat != nil {
		return *j.LastHeartbeat
	}
	if j.StartTime != nil {
		return *j.StartTime
	}
	return j.CreateTime
}

func updateJobIndexes(pipe redis.Pipeliner, before *JobRecord, after *JobRecord) {
	if before == nil || before.Status != after.Status {
		if before != nil {
			pipe.SRem(jobStatusIndexKey(before.Status), after.Id.String())
		}
		pipe.SAdd(jobStatusIndexKey(after.Status), after.Id.String())
	}
	if after.Admitted && !after.Status.IsTerminated() {
		pipe.SAdd(admittedJobsIndexKey(after.RunMode), after.Id.String())
	} else {
		pipe.SRem(admittedJobsIndexKey(after.RunMode), after.Id.String())
	}
}

/**
writes a brand new job record. Returns ErrJobExists rather than overwriting an existing one.
*/
func (j *JobRecord) Create(client *redis.Client) error {
	dbKey := jobRecordKey(j.Id)
	content, marshalErr := json.Marshal(j)
	if marshalErr != nil {
		log.Errorf("could not marshal job record %s: %s", j.Id, marshalErr)
		return marshalErr
	}

	return withOptimisticRetry(client, func(tx *redis.Tx) error {
		exists, existsErr := tx.Exists(dbKey).Result()
		if existsErr != nil {
			return existsErr
		}
		if exists > 0 {
			return ErrJobExists
		}
		_, pipeErr := tx.TxPipelined(func(pipe redis.Pipeliner) error {
			pipe.Set(dbKey, string(content), 0)
			updateJobIndexes(pipe, nil, j)
			return nil
		})
		return pipeErr
	}, dbKey)
}

/**
look up the job with the given identity.
returns nil with no error if there is no such job
*/
/**
copies the record through its json form, so nothing the copy holds is shared with the original
*/
func (j *JobRecord) deepCopy() (*JobRecord, error) {
	content, marshalErr := json.Marshal(j)
	if marshalErr != nil {
		return nil, fmt.Errorf("could not copy job %s: %s", j.Id, marshalErr)
	}
	var copied JobRecord
	if unmarshalErr := json.Unmarshal(content, &copied); unmarshalErr != nil {
		return nil, fmt.Errorf("could not copy job %s: %s", j.Id, unmarshalErr)
	}
	return &copied, nil
}

func JobRecordForId(id JobIdentity, client redis.Cmdable) (*JobRecord, error) {
	content, getErr := client.Get(jobRecordKey(id)).Result()
	if getErr == redis.Nil {
		return nil, nil
	}
	if getErr != nil {
		log.Errorf("could not retrieve job %s: %s", id, getErr)
		return nil, getErr
	}

	var rec JobRecord
	unmarshalErr := json.Unmarshal([]byte(content), &rec)
	if unmarshalErr != nil {
		log.Errorf("corrupted job record for %s: %s. Offending data was %s", id, unmarshalErr, content)
		return nil, unmarshalErr
	}
	return &rec, nil
}

/**
compare-and-set on a job record.
`mutate` is only called if the stored status is one of `expected`; it may change any field including the status.
A transition away from a terminal status is always refused, terminal states are sticky.
Returns the record as stored afterwards and whether the update was applied.
*/
func UpdateJobRecord(client *redis.Client, id JobIdentity, expected []JobStatus, mutate func(rec *JobRecord) error) (*JobRecord, bool, error) {
	dbKey := jobRecordKey(id)
	var result *JobRecord
	var applied bool

	txErr := withOptimisticRetry(client, func(tx *redis.Tx) error {
		applied = false
		current, getErr := JobRecordForId(id, tx)
		if getErr != nil {
			return getErr
		}
		if current == nil {
			return fmt.Errorf("job %s does not exist", id)
		}
		result = current

		if !statusIn(current.Status, expected) {
			return nil
		}

		updated, copyErr := current.deepCopy()
		if copyErr != nil {
			return copyErr
		}

		if mutateErr := mutate(updated); mutateErr != nil {
			return mutateErr
		}
		if current.Status.IsTerminated() && updated.Status != current.Status {
			log.Warnf("refusing to move job %s out of terminal status %s to %s", id, current.Status, updated.Status)
			return nil
		}
		if !updated.Status.IsValid() {
			return fmt.Errorf("refusing to store invalid status %q for job %s", updated.Status, id)
		}

		newContent, marshalErr := json.Marshal(updated)
		if marshalErr != nil {
			return marshalErr
		}
		_, pipeErr := tx.TxPipelined(func(pipe redis.Pipeliner) error {
			pipe.Set(dbKey, string(newContent), 0)
			updateJobIndexes(pipe, current, updated)
			return nil
		})
		if pipeErr == nil {
			applied = true
			result = updated
			if current.Status != updated.Status {
				log.Debugf("job %s moved from %s to %s", id, current.Status, updated.Status)
			}
		}
		return pipeErr
	}, dbKey)

	if txErr != nil {
		log.Errorf("could not update job %s: %s", id, txErr)
		if log.IsLevelEnabled(log.TraceLevel) {
			log.Tracef("job state at failure: %s", spew.Sdump(result))
		}
		return result, false, txErr
	}
	return result, applied, nil
}

func statusIn(status JobStatus, candidates []JobStatus) bool {
	for _, s := range candidates {
		if s == status {
			return true
		}
	}
	return false
}

/**
returns the identities of every job currently in the given status
*/
func JobIdsInStatus(client redis.Cmdable, status JobStatus) ([]JobIdentity, error) {
	members, err := client.SMembers(jobStatusIndexKey(status)).Result()
	if err != nil {
		log.Errorf("could not list jobs in status %s: %s", status, err)
		return nil, err
	}

	rtn := make([]JobIdentity, 0, len(members))
	for _, m := range members {
		id, parseErr := ParseJobIdentity(m)
		if parseErr != nil {
			log.Warnf("bad data in %s index: %s", status, parseErr)
			continue
		}
		rtn = append(rtn, id)
	}
	return rtn, nil
}

/**
number of admitted, non-terminal jobs of the given run mode, shared across every orchestrator instance
*/
func CountRunningJobsByRunMode(client redis.Cmdable, mode RunMode) (int64, error) {
	count, err := client.SCard(admittedJobsIndexKey(mode)).Result()
	if err != nil {
		log.Errorf("could not count running %s jobs: %s", mode, err)
	}
	return count, err
}

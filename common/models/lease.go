package models

import (
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

/**
Lease is a short-lived named lock in the shared store, held by one orchestrator at a time.
It expires by itself so a crashed holder never blocks the others for longer than its ttl.
*/
type Lease struct {
	key   string
	token string
}

func leaseKey(name string) string {
	return redisKey("lease", name)
}

/**
tries to take the named lease. Returns nil with no error if somebody else holds it.
*/
func AcquireLease(client redis.Cmdable, name string, ttl time.Duration) (*Lease, error) {
	lease := &Lease{key: leaseKey(name), token: uuid.New().String()}
	acquired, err := client.SetNX(lease.key, lease.token, ttl).Result()
	if err != nil {
		log.Errorf("could not take lease %s: %s", name, err)
		return nil, err
	}
	if !acquired {
		return nil, nil
	}
	return lease, nil
}

/**
gives the lease back, unless it already expired and was taken by somebody else
*/
func (l *Lease) Release(client *redis.Client) error {
	err := client.Watch(func(tx *redis.Tx) error {
		holder, getErr := tx.Get(l.key).Result()
		if getErr == redis.Nil {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		if holder != l.token {
			log.Debugf("lease %s changed hands before it was released", l.key)
			return nil
		}
		_, pipeErr := tx.TxPipelined(func(pipe redis.Pipeliner) error {
			pipe.Del(l.key)
			return nil
		})
		return pipeErr
	}, l.key)
	if err == redis.TxFailedErr {
		return nil
	}
	return err
}

/**
true if the named lease is currently held by anybody
*/
func IsLeaseHeld(client redis.Cmdable, name string) (bool, error) {
	count, err := client.Exists(leaseKey(name)).Result()
	if err != nil {
		return true, err
	}
	return count > 0, nil
}

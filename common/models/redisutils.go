package models

import (
	"errors"
	"fmt"

	"github.com/go-redis/redis/v7"
	log "github.com/sirupsen/logrus"
)

const KEY_PREFIX = "taskrunner"

//number of times a WATCH transaction is retried before giving up
const maxCasAttempts = 5

var ErrConflict = errors.New("record was modified concurrently, giving up")

func redisKey(parts ...interface{}) string {
	key := KEY_PREFIX
	for _, p := range parts {
		key += fmt.Sprintf(":%v", p)
	}
	return key
}

/**
runs `fn` inside WATCH on the given keys, retrying when another client wins the race.
`fn` must re-read everything it depends on, as it may be called more than once.
*/
func withOptimisticRetry(client *redis.Client, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxCasAttempts; attempt++ {
		err := client.Watch(fn, keys...)
		if err == redis.TxFailedErr {
			log.Debugf("optimistic transaction on %s lost a race, attempt %d", keys, attempt+1)
			continue
		}
		return err
	}
	return ErrConflict
}

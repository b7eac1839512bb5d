package models

import (
	"sync/atomic"

	"github.com/go-redis/redis/v7"
)

/**
IdGenerator issues job identities. Identities must be unique across every orchestrator sharing the
same store, so production code uses RedisSequence.
*/
type IdGenerator interface {
	NextId() (JobIdentity, error)
}

/**
in-process sequence, for tests and single-instance use
*/
type AtomicSequence struct {
	last int64
}

func NewAtomicSequence(start int64) *AtomicSequence {
	return &AtomicSequence{last: start}
}

func (s *AtomicSequence) NextId() (JobIdentity, error) {
	return JobIdentity(atomic.AddInt64(&s.last, 1)), nil
}

type RedisSequence struct {
	client redis.Cmdable
	name   string
}

func NewRedisSequence(client redis.Cmdable, name string) RedisSequence {
	return RedisSequence{client: client, name: name}
}

func (s RedisSequence) NextId() (JobIdentity, error) {
	value, err := s.client.Incr(redisKey("sequence", s.name)).Result()
	if err != nil {
		return 0, err
	}
	return JobIdentity(value), nil
}

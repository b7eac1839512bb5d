package jobrunner

import (
	"context"
	"runtime/debug"
	"sync"

	log "github.com/sirupsen/logrus"
)

type poolTask struct {
	ctx context.Context
	fn  func(ctx context.Context)
	wg  *sync.WaitGroup
}

/**
WorkerPool runs network calls (dispatch, polling, stop commands) on a fixed number of goroutines,
sized separately from how many jobs are running
*/
type WorkerPool struct {
	tasks     chan poolTask
	closeOnce sync.Once
}

func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	p := &WorkerPool{tasks: make(chan poolTask)}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	for t := range p.tasks {
		p.run(t)
	}
}

func (p *WorkerPool) run(t poolTask) {
	defer t.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("worker task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	if t.ctx.Err() != nil {
		return
	}
	t.fn(t.ctx)
}

/**
runs every function on the pool and waits for all of them. Functions not yet started when the
context is cancelled are skipped.
*/
func (p *WorkerPool) RunBatch(ctx context.Context, fns []func(ctx context.Context)) {
	wg := &sync.WaitGroup{}
	for _, fn := range fns {
		wg.Add(1)
		select {
		case p.tasks <- poolTask{ctx: ctx, fn: fn, wg: wg}:
		case <-ctx.Done():
			wg.Done()
		}
	}
	wg.Wait()
}

func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() {
		close(p.tasks)
	})
}

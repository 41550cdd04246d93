package gateway

import (
	"github.com/rs/zerolog"
	tomb "gopkg.in/tomb.v2"
)

const taskChanSize = 100

// WorkerFunction processes one task off the pool.
type WorkerFunction = func(t *tomb.Tomb, task any) error

// WorkerPool fans connection work out to a fixed set of workers, all tied
// to the server's tomb.
type WorkerPool struct {
	n     int
	tasks chan any
	log   zerolog.Logger
}

// NewWorkerPool creates a pool of the given size.
func NewWorkerPool(size int, log zerolog.Logger) WorkerPool {
	return WorkerPool{
		n:     size,
		tasks: make(chan any, taskChanSize),
		log:   log,
	}
}

// Setup starts the workers. Each worker loops on the task channel until the
// tomb dies.
func (pool *WorkerPool) Setup(t *tomb.Tomb, work WorkerFunction) {
	pool.log.Info().Int("workers", pool.n).Msg("starting worker pool")
	for i := 0; i < pool.n; i++ {
		t.Go(func() error {
			return pool.worker(t, work)
		})
	}
}

// AddTask hands a task to the pool. Blocks when the pool is saturated;
// connection reads apply their own deadlines.
func (pool *WorkerPool) AddTask(task any) {
	pool.tasks <- task
}

func (pool *WorkerPool) worker(t *tomb.Tomb, work WorkerFunction) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case task := <-pool.tasks:
			if err := work(t, task); err != nil {
				pool.log.Error().Err(err).Msg("worker exiting")
				return err
			}
		}
	}
}

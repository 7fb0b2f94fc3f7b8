package utils

import (
	"errors"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const (
	TASK_CHAN_SIZE = 100
)

var ErrPoolStopped = errors.New("worker pool stopped")

// WorkerFunction handles a single task. Returning an error is fatal: it kills
// the tomb and with it every other worker.
type WorkerFunction = func(t *tomb.Tomb, task any) error

type WorkerPool struct {
	n     int      // number of workers
	tasks chan any // pending tasks
	dying <-chan struct{}
}

func NewWorkerPool(size uint) *WorkerPool {
	if size == 0 {
		size = 1
	}
	return &WorkerPool{
		n:     int(size),
		tasks: make(chan any, TASK_CHAN_SIZE),
	}
}

// Setup starts the workers under t. It returns immediately; the workers
// exit once t starts dying.
func (pool *WorkerPool) Setup(t *tomb.Tomb, work WorkerFunction) {
	pool.dying = t.Dying()
	for id := range pool.n {
		t.Go(func() error {
			return pool.worker(t, id, work)
		})
	}
}

// AddTask queues a task, blocking while the queue is full. Fails once the
// pool's tomb is dying.
func (pool *WorkerPool) AddTask(task any) error {
	select {
	case <-pool.dying:
		return ErrPoolStopped
	case pool.tasks <- task:
		return nil
	}
}

// Workers wait on tasks in the task pool and action them.
func (pool *WorkerPool) worker(t *tomb.Tomb, id int, work WorkerFunction) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case task := <-pool.tasks:
			if err := work(t, task); err != nil {
				log.Error().Err(err).Int("id", id).Msg("worker exiting")
				return err
			}
		}
	}
}

package utils

import (
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const (
	TASK_CHAN_SIZE = 100
)

type WorkerFunction = func(t *tomb.Tomb, task any) error
type WorkerPool struct {
	n     int      // number of workers
	tasks chan any // pending tasks
}

// NewWorkerPool creates size workers sharing a queue of queueSize pending tasks.
// A zero queueSize uses TASK_CHAN_SIZE.
func NewWorkerPool(size, queueSize uint) *WorkerPool {
	if queueSize == 0 {
		queueSize = TASK_CHAN_SIZE
	}
	return &WorkerPool{
		n:     max(int(size), 1),
		tasks: make(chan any, queueSize),
	}
}

// Capacity is the number of tasks the queue holds before AddTask fails.
func (pool *WorkerPool) Capacity() int {
	return cap(pool.tasks)
}

// Setup starts the workers on the tomb. Workers stop once the tomb is dying, or
// when work returns an error, which kills the tomb.
func (pool *WorkerPool) Setup(t *tomb.Tomb, work WorkerFunction) {
	for id := range pool.n {
		t.Go(func() error {
			return pool.worker(t, id, work)
		})
	}
}

// AddTask queues a task without blocking. It returns false when the queue is full.
func (pool *WorkerPool) AddTask(task any) bool {
	select {
	case pool.tasks <- task:
		return true
	default:
		return false
	}
}

// Drain removes and returns every queued task.
func (pool *WorkerPool) Drain() []any {
	var tasks []any
	for {
		select {
		case task := <-pool.tasks:
			tasks = append(tasks, task)
		default:
			return tasks
		}
	}
}

// Workers wait on tasks in the task queue and action them.
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

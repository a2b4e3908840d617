package workers

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrStopped is returned by Dispatch once the pool has been stopped.
var ErrStopped = errors.New("worker pool stopped")

type Task struct {
	Key string
	Fn  func()
}

// WorkerPool runs tasks on a fixed set of workers. Tasks with the same key always run on the
// same worker, in dispatch order, so work for one conversation is never concurrent.
type WorkerPool struct {
	NumWorkers int
	name       string
	queues     []chan Task
	wg         sync.WaitGroup
	mu         sync.RWMutex
	stopped    bool
	logger     *slog.Logger
}

func NewWorkerPool(name string, n int, logger *slog.Logger) *WorkerPool {
	if n <= 0 {
		n = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	wp := &WorkerPool{
		NumWorkers: n,
		name:       name,
		queues:     make([]chan Task, n),
		logger:     logger.With(slog.String("component", "workers"), slog.String("pool", name)),
	}

	for i := 0; i < n; i++ {
		ch := make(chan Task, 100)
		wp.queues[i] = ch

		wp.wg.Add(1)
		go func(id int, q chan Task) {
			defer wp.wg.Done()
			for task := range q {
				wp.run(id, task)
			}
		}(i, ch)
	}

	return wp
}

func (wp *WorkerPool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error("task panicked",
				slog.Int("worker", id), slog.String("key", task.Key), slog.String("error", fmt.Sprint(r)))
		}
	}()
	task.Fn()
}

// Dispatch queues fn on the worker owning key. It blocks while that worker's queue is full.
func (wp *WorkerPool) Dispatch(key string, fn func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return ErrStopped
	}
	workerID := int(HashString(key) % uint32(wp.NumWorkers))
	wp.queues[workerID] <- Task{Key: key, Fn: fn}
	return nil
}

// Stop refuses new tasks and waits for queued ones to finish.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	for _, q := range wp.queues {
		close(q)
	}
	wp.mu.Unlock()
	wp.wg.Wait()
}

// HashString is 32-bit FNV-1a.
func HashString(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// Package workerpool bounds the goroutines the broker spawns for fan-out
// work (topic dispatch) using an ants pool instead of an
// unbounded goroutine per task, grounded on the reference broker's use of
// panjf2000/ants for connector I/O fan-out.
package workerpool

import (
	"log/slog"

	"github.com/panjf2000/ants/v2"
)

// Pool wraps an ants.Pool in blocking mode: while every worker is busy,
// Submit waits for one to free up, so a burst of load degrades to higher
// latency rather than dropped work. A task the pool rejects (e.g. after
// Release) runs synchronously instead.
type Pool struct {
	p *ants.Pool
	l *slog.Logger
}

// New creates a Pool with the given max concurrency (0 uses ants' default).
func New(size int, l *slog.Logger) (*Pool, error) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	opts := []ants.Option{ants.WithNonblocking(false)}
	if size <= 0 {
		size = ants.DefaultAntsPoolSize
	}
	p, err := ants.NewPool(size, opts...)
	if err != nil {
		return nil, err
	}
	return &Pool{p: p, l: l}, nil
}

// Submit runs fn on a pooled goroutine, running it synchronously as a
// fallback if the pool rejects the task (e.g. after Release).
func (wp *Pool) Submit(fn func()) {
	if err := wp.p.Submit(fn); err != nil {
		wp.l.Warn("workerpool: falling back to synchronous execution", "err", err)
		fn()
	}
}

// Release stops accepting new work; it does not wait for tasks already
// running to finish.
func (wp *Pool) Release() {
	wp.p.Release()
}

// Running reports the number of goroutines currently executing tasks.
func (wp *Pool) Running() int {
	return wp.p.Running()
}

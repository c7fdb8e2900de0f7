// Package fanout runs a set of listener tasks concurrently and blocks until
// each one has either finished or explicitly released the caller.
package fanout

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// Wait is handed to every task started by Run. A task that is still working
// but no longer needs to hold up its caller calls DontWait.
type Wait struct {
	once     sync.Once
	released chan struct{}
	notify   func()
}

// NewWait returns a Wait in the waiting state that is not tied to any Run.
func NewWait() *Wait {
	return &Wait{released: make(chan struct{})}
}

// DontWait releases the caller blocked in Run. Safe to call more than once.
func (w *Wait) DontWait() {
	w.once.Do(func() {
		close(w.released)
		if w.notify != nil {
			w.notify()
		}
	})
}

// Waiting reports whether the caller is still waiting on this task.
func (w *Wait) Waiting() bool {
	select {
	case <-w.released:
		return false
	default:
		return true
	}
}

// Released is closed once DontWait has been called.
func (w *Wait) Released() <-chan struct{} {
	return w.released
}

// PanicError carries a value recovered from a panicking task or decoder.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Task is one unit of a fan-out; i is its index in [0, n).
type Task func(ctx context.Context, i int, w *Wait) error

// Run starts n tasks, one goroutine each, and returns once every task has
// returned or called DontWait. Released tasks keep running after Run
// returns. A task's error, or a recovered panic as *PanicError, is passed
// to onErr and the task counts as finished. If ctx is done first, Run
// returns ctx.Err() and leaves the tasks running.
func Run(ctx context.Context, n int, task Task, onErr func(i int, err error)) error {
	if n <= 0 {
		return nil
	}

	settled := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		settle := sync.OnceFunc(func() { settled <- struct{}{} })
		w := &Wait{released: make(chan struct{}), notify: settle}

		go func() {
			defer settle()
			if err := runTask(ctx, task, i, w); err != nil && onErr != nil {
				onErr(i, err)
			}
		}()
	}

	for remaining := n; remaining > 0; remaining-- {
		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func runTask(ctx context.Context, task Task, i int, w *Wait) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return task(ctx, i, w)
}

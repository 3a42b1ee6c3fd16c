// Package eventloop provides the single-goroutine executor that owns all
// connection-tracking state of one shard.
//
// Everything submitted to a Loop runs to completion on the loop goroutine in
// submission order, timer callbacks included, so code running on the loop
// needs no locking.
package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned when work is submitted to a loop that has stopped.
var ErrClosed = errors.New("eventloop: closed")

// Timer is a pending callback. Cancel must be called from the owning loop.
type Timer interface {
	Cancel()
}

// Scheduler schedules callbacks on the owning loop.
type Scheduler interface {
	Delay(d time.Duration, fn func()) Timer
}

type Loop struct {
	log   *slog.Logger
	tasks chan func()

	closeOnce sync.Once
	done      chan struct{}
}

func New(l *slog.Logger, queueLen int) *Loop {
	if l == nil {
		l = slog.Default()
	}
	if queueLen <= 0 {
		queueLen = 1024
	}
	return &Loop{
		log:   l,
		tasks: make(chan func(), queueLen),
		done:  make(chan struct{}),
	}
}

// Run executes submitted work until ctx is cancelled or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.done:
			return nil
		case fn := <-l.tasks:
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("eventloop: task panicked", "panic", r)
		}
	}()
	fn()
}

// Close stops the loop. Work that has not started is discarded.
func (l *Loop) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Done is closed once the loop stops.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post queues fn without waiting for it to run.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// Call runs fn on the loop and waits for it to return. It must not be
// called from the loop itself.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

type loopTimer struct {
	t *time.Timer

	// Only touched on the loop.
	cancelled bool
}

func (t *loopTimer) Cancel() {
	t.cancelled = true
	t.t.Stop()
}

// Delay schedules fn to run on the loop after d.
func (l *Loop) Delay(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		_ = l.Post(func() {
			if lt.cancelled {
				return
			}
			lt.cancelled = true
			fn()
		})
	})
	return lt
}

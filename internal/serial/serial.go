// Package serial runs operations one at a time per key.
//
// Each busy key owns a goroutine draining a mailbox of pending operations;
// the goroutine exits when the mailbox empties, so idle keys cost nothing.
// Operations for different keys run concurrently.
package serial

import (
	"context"
	"fmt"
	"sync"
)

// Executor serializes operations sharing a key.
type Executor struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	mailbox []func()
}

// New returns an empty Executor.
func New() *Executor {
	return &Executor{lanes: make(map[string]*lane)}
}

// Do runs fn after every previously submitted operation for key has
// finished, and returns fn's error. If ctx is done before fn starts, fn is
// skipped and the context error is returned.
func (e *Executor) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	done := make(chan error, 1)
	op := func() {
		if err := ctx.Err(); err != nil {
			done <- err
			return
		}
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("serial: operation for %q panicked: %v", key, r)
			}
		}()
		done <- fn(ctx)
	}

	e.submit(key, op)
	return <-done
}

// Go queues fn behind every pending operation for key and returns without
// waiting for it. fn is skipped when ctx is done before it starts.
func (e *Executor) Go(ctx context.Context, key string, fn func(context.Context)) {
	e.submit(key, func() {
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	})
}

func (e *Executor) submit(key string, op func()) {
	e.mu.Lock()
	l, busy := e.lanes[key]
	if !busy {
		l = &lane{}
		e.lanes[key] = l
	}
	l.mailbox = append(l.mailbox, op)
	e.mu.Unlock()

	if !busy {
		go e.drain(key, l)
	}
}

func (e *Executor) drain(key string, l *lane) {
	for {
		e.mu.Lock()
		if len(l.mailbox) == 0 {
			delete(e.lanes, key)
			e.mu.Unlock()
			return
		}
		op := l.mailbox[0]
		l.mailbox[0] = nil
		l.mailbox = l.mailbox[1:]
		e.mu.Unlock()

		op()
	}
}

// Busy reports how many keys currently have pending work.
func (e *Executor) Busy() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.lanes)
}

// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package runtime is the process-wide worker pool that lets synchronous
// callers (SQL functions) run context-aware work and wait for its result.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("runtime: closed")

// Runtime runs submitted tasks on a fixed number of workers.
type Runtime struct {
	tasks  chan func(context.Context)
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// New starts a runtime with the given number of workers (at least one).
func New(workers int, logger *slog.Logger) *Runtime {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	rt := &Runtime{
		tasks:  make(chan func(context.Context)),
		ctx:    gctx,
		cancel: cancel,
		group:  g,
		logger: logger,
	}
	for i := range workers {
		g.Go(func() error {
			return rt.worker(i)
		})
	}
	logger.Debug("runtime started", "workers", workers)
	return rt
}

func (rt *Runtime) worker(id int) error {
	for task := range rt.tasks {
		rt.run(id, task)
	}
	return nil
}

func (rt *Runtime) run(id int, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("task panic", "worker", id, "err", r)
		}
	}()
	task(rt.ctx)
}

// Submit queues task, waiting for a free worker or ctx.
func (rt *Runtime) Submit(ctx context.Context, task func(context.Context)) error {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if rt.closed {
		return ErrClosed
	}
	select {
	case rt.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, waits for running tasks and stops the workers.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	close(rt.tasks)
	rt.mu.Unlock()

	err := rt.group.Wait()
	rt.cancel()
	return err
}

type outcome[T any] struct {
	val T
	err error
}

// BlockOn runs fn on the runtime and blocks until it returns. fn receives
// ctx, so the caller's cancellation reaches it. A panic in fn is returned as
// an error.
func BlockOn[T any](rt *Runtime, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	done := make(chan outcome[T], 1)
	task := func(context.Context) {
		var o outcome[T]
		defer func() {
			if r := recover(); r != nil {
				o.err = fmt.Errorf("runtime: task panic: %v", r)
			}
			done <- o
		}()
		o.val, o.err = fn(ctx)
	}

	var zero T
	if err := rt.Submit(ctx, task); err != nil {
		return zero, err
	}
	o := <-done
	return o.val, o.err
}

// Package cleanup implements the Cleanup Tracker (C8): a registrar for
// in-flight asynchronous teardown work so process shutdown can wait for
// it before closing the broker client and the socket server.
package cleanup

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Task is one unit of teardown work. It receives a context bound to the
// shutdown deadline.
type Task func(ctx context.Context) error

// Tracker collects Tasks and awaits them together on Wait. Individual
// task failures are logged and collected, never propagated: one actor's
// failed snapshot-on-close must not prevent the rest of shutdown from
// proceeding.
type Tracker struct {
	wg    sync.WaitGroup
	log   *zap.Logger
	errs  []error
	errMu sync.Mutex
}

// New creates an empty tracker.
func New(log *zap.Logger) *Tracker {
	return &Tracker{log: log}
}

// Track registers task and runs it in its own goroutine immediately,
// returning control to the caller without waiting.
func (t *Tracker) Track(ctx context.Context, name string, task Task) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := task(ctx); err != nil {
			t.log.Warn("cleanup task failed", zap.String("task", name), zap.Error(err))
			t.errMu.Lock()
			t.errs = append(t.errs, err)
			t.errMu.Unlock()
		}
	}()
}

// Wait blocks until every tracked task has returned, or ctx is done,
// whichever comes first. It returns the collected (non-fatal) task
// errors, if any were logged.
func (t *Tracker) Wait(ctx context.Context) []error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.log.Warn("cleanup wait deadline exceeded, proceeding with shutdown")
	}
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return append([]error(nil), t.errs...)
}

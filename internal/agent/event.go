package agent

import (
	"context"
	"errors"
	"sync"
)

// ErrEventSealed is returned by WaitUntil once the event has stopped
// accepting work.
var ErrEventSealed = errors.New("event no longer accepts work")

// ExtendableEvent keeps the worker alive until every piece of work
// registered with WaitUntil has settled.
type ExtendableEvent struct {
	ctx    context.Context
	wg     sync.WaitGroup
	mu     sync.Mutex
	sealed bool
	errs   []error
	done   chan struct{}
	once   sync.Once
}

func newExtendableEvent(ctx context.Context) *ExtendableEvent {
	return &ExtendableEvent{ctx: ctx, done: make(chan struct{})}
}

// WaitUntil runs work in the background and extends the event's lifetime
// until it returns. After the event is sealed the work is not run and
// ErrEventSealed is returned.
func (e *ExtendableEvent) WaitUntil(work func(ctx context.Context) error) error {
	e.mu.Lock()
	if e.sealed {
		e.mu.Unlock()
		return ErrEventSealed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		if err := work(e.ctx); err != nil {
			e.mu.Lock()
			e.errs = append(e.errs, err)
			e.mu.Unlock()
		}
	}()
	return nil
}

// seal stops accepting work; Done closes once the registered work settles.
func (e *ExtendableEvent) seal() *ExtendableEvent {
	e.once.Do(func() {
		e.mu.Lock()
		e.sealed = true
		e.mu.Unlock()
		go func() {
			e.wg.Wait()
			close(e.done)
		}()
	})
	return e
}

// Done is closed after all registered work has returned.
func (e *ExtendableEvent) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the event settles and returns the joined work errors.
func (e *ExtendableEvent) Wait() error {
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.errs...)
}

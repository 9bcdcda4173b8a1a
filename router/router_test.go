package router

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurehq/parley/agent/contract"
)

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not complete in time")
		return nil
	}
}

func TestPushDispatchesToRegisteredHandler(t *testing.T) {
	done := make(chan error, 1)
	r := New(WithDone(func(ev *contract.EmailEvent, err error) { done <- err }))

	var calls int32
	var got *contract.EmailEvent
	r.Register("ng-1", "sup-1", func(ctx context.Context, ev *contract.EmailEvent) error {
		atomic.AddInt32(&calls, 1)
		got = ev
		return nil
	})

	ev := &contract.EmailEvent{Sender: "test@test.com", Subject: "Hi", Body: "Hello", NgID: "ng-1", SupplierID: "sup-1"}
	r.Push(context.Background(), ev)

	require.NoError(t, waitDone(t, done))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Same(t, ev, got)
}

func TestPushWithoutRegistrationsDropsEvent(t *testing.T) {
	var dispatched int32
	r := New(WithDone(func(ev *contract.EmailEvent, err error) { atomic.AddInt32(&dispatched, 1) }))

	r.Push(context.Background(), &contract.EmailEvent{NgID: "ng-x", SupplierID: "sup-x"})

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&dispatched), "no handler should have run")
}

func TestPushFallsBackToDefaultHandler(t *testing.T) {
	done := make(chan error, 1)
	r := New(WithDone(func(ev *contract.EmailEvent, err error) { done <- err }))

	var viaDefault int32
	r.SetDefaultHandler(func(ctx context.Context, ev *contract.EmailEvent) error {
		atomic.AddInt32(&viaDefault, 1)
		return nil
	})

	r.Push(context.Background(), &contract.EmailEvent{Sender: "test@test.com", Subject: "Hi", Body: "Hello"})

	require.NoError(t, waitDone(t, done))
	assert.Equal(t, int32(1), atomic.LoadInt32(&viaDefault))
}

func TestRegisterOverwritesExistingHandler(t *testing.T) {
	done := make(chan error, 1)
	r := New(WithDone(func(ev *contract.EmailEvent, err error) { done <- err }))

	var first, second int32
	r.Register("ng-1", "sup-1", func(ctx context.Context, ev *contract.EmailEvent) error {
		atomic.AddInt32(&first, 1)
		return nil
	})
	r.Register("ng-1", "sup-1", func(ctx context.Context, ev *contract.EmailEvent) error {
		atomic.AddInt32(&second, 1)
		return nil
	})

	r.Push(context.Background(), &contract.EmailEvent{NgID: "ng-1", SupplierID: "sup-1"})

	require.NoError(t, waitDone(t, done))
	assert.Zero(t, atomic.LoadInt32(&first))
	assert.Equal(t, int32(1), atomic.LoadInt32(&second))
}

func TestUnregisterUnknownKeyIsNoop(t *testing.T) {
	r := New()
	assert.NotPanics(t, func() {
		r.Unregister("never", "registered")
		r.Unregister("never", "registered")
	})
}

func TestSlowHandlerDoesNotBlockOtherKeys(t *testing.T) {
	done := make(chan error, 2)
	r := New(WithDone(func(ev *contract.EmailEvent, err error) { done <- err }))

	release := make(chan struct{})
	r.Register("ng-1", "slow", func(ctx context.Context, ev *contract.EmailEvent) error {
		<-release
		return nil
	})

	fastRan := make(chan struct{})
	r.Register("ng-1", "fast", func(ctx context.Context, ev *contract.EmailEvent) error {
		close(fastRan)
		return nil
	})

	r.Push(context.Background(), &contract.EmailEvent{NgID: "ng-1", SupplierID: "slow"})
	r.Push(context.Background(), &contract.EmailEvent{NgID: "ng-1", SupplierID: "fast"})

	select {
	case <-fastRan:
	case <-time.After(2 * time.Second):
		t.Fatal("fast handler was blocked by slow handler")
	}
	close(release)
	waitDone(t, done)
	waitDone(t, done)
}

func TestHandlerSurvivesPushContextCancellation(t *testing.T) {
	done := make(chan error, 1)
	r := New(WithDone(func(ev *contract.EmailEvent, err error) { done <- err }))

	var sawCancel int32
	var wg sync.WaitGroup
	wg.Add(1)
	r.Register("ng-1", "sup-1", func(ctx context.Context, ev *contract.EmailEvent) error {
		defer wg.Done()
		if ctx.Err() != nil {
			atomic.AddInt32(&sawCancel, 1)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	r.Push(ctx, &contract.EmailEvent{NgID: "ng-1", SupplierID: "sup-1"})
	cancel()

	wg.Wait()
	require.NoError(t, waitDone(t, done))
	assert.Zero(t, atomic.LoadInt32(&sawCancel), "in-flight handler must not observe push cancellation")
}

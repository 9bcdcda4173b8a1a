package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurehq/parley/agent/contract"
)

// callLog records the order of side effects across the fakes.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeMessages struct {
	log       *callLog
	appendErr error
}

func (f *fakeMessages) FetchTurns(ctx context.Context, ngID string, supplierID *string) ([]contract.Turn, error) {
	return nil, nil
}

func (f *fakeMessages) FetchAllTurns(ctx context.Context, ngID string) ([]contract.Turn, error) {
	return nil, nil
}

func (f *fakeMessages) AppendTurn(ctx context.Context, ngID string, supplierID *string, role contract.Role, text string) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	sup := "<nil>"
	if supplierID != nil {
		sup = *supplierID
	}
	f.log.add("append:" + ngID + ":" + sup + ":" + string(role) + ":" + text)
	return nil
}

type fakeOrchestrator struct {
	log *callLog
	err error
}

func (f *fakeOrchestrator) GenerateNewInstructions(ctx context.Context) error {
	if f.err != nil {
		return f.err
	}
	f.log.add("orchestrate")
	return nil
}

type fakeAgent struct {
	log *callLog
	err error
}

func (f *fakeAgent) SendMessage(ctx context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.log.add("reply")
	return "ok", nil
}

func TestSessionHandlerRunsProtocolInOrder(t *testing.T) {
	lg := &callLog{}
	done := make(chan error, 1)
	rt := New(WithDone(func(ev *contract.EmailEvent, err error) { done <- err }))

	sess := NewSession("ng-1", &fakeOrchestrator{log: lg}, rt, &fakeMessages{log: lg})
	sess.AddAgent("sup-1", &fakeAgent{log: lg})

	rt.Push(context.Background(), &contract.EmailEvent{
		Sender:     "sup@ex.com",
		Subject:    "Offer",
		Body:       "Price is 100",
		NgID:       "ng-1",
		SupplierID: "sup-1",
	})

	require.NoError(t, waitDone(t, done))
	calls := lg.snapshot()
	require.Len(t, calls, 3)
	assert.True(t, strings.HasPrefix(calls[0], "append:ng-1:sup-1:supplier:"))
	assert.Contains(t, calls[0], "Price is 100")
	assert.Equal(t, "orchestrate", calls[1])
	assert.Equal(t, "reply", calls[2])
}

func TestSessionOrchestratorFailureKeepsInboundCommitted(t *testing.T) {
	lg := &callLog{}
	done := make(chan error, 1)
	rt := New(WithDone(func(ev *contract.EmailEvent, err error) { done <- err }))

	orchErr := errors.New("model down")
	sess := NewSession("ng-1", &fakeOrchestrator{log: lg, err: orchErr}, rt, &fakeMessages{log: lg})
	sess.AddAgent("sup-1", &fakeAgent{log: lg})

	rt.Push(context.Background(), &contract.EmailEvent{NgID: "ng-1", SupplierID: "sup-1", Body: "hi"})

	err := waitDone(t, done)
	require.ErrorIs(t, err, orchErr)

	// Step 1 committed, steps 2 and 3 never reached.
	calls := lg.snapshot()
	require.Len(t, calls, 1)
	assert.True(t, strings.HasPrefix(calls[0], "append:"))
}

func TestSessionOnlyMatchedSupplierReplies(t *testing.T) {
	lg := &callLog{}
	done := make(chan error, 1)
	rt := New(WithDone(func(ev *contract.EmailEvent, err error) { done <- err }))

	sess := NewSession("ng-1", &fakeOrchestrator{log: lg}, rt, &fakeMessages{log: lg})
	other := &fakeAgent{log: &callLog{}}
	sess.AddAgent("sup-1", &fakeAgent{log: lg})
	sess.AddAgent("sup-2", other)

	rt.Push(context.Background(), &contract.EmailEvent{NgID: "ng-1", SupplierID: "sup-1", Body: "hi"})

	require.NoError(t, waitDone(t, done))
	assert.Empty(t, other.log.snapshot(), "sup-2's agent must not reply to sup-1's email")
}

func TestSessionCleanupUnregistersAndIsIdempotent(t *testing.T) {
	lg := &callLog{}
	var dispatched int
	done := make(chan error, 1)
	rt := New(WithDone(func(ev *contract.EmailEvent, err error) {
		dispatched++
		done <- err
	}))

	sess := NewSession("ng-1", &fakeOrchestrator{log: lg}, rt, &fakeMessages{log: lg})
	sess.AddAgent("sup-1", &fakeAgent{log: lg})

	sess.Cleanup()
	sess.Cleanup()

	rt.Push(context.Background(), &contract.EmailEvent{NgID: "ng-1", SupplierID: "sup-1", Body: "hi"})
	select {
	case <-done:
		t.Fatal("handler ran after cleanup")
	default:
	}
	assert.Empty(t, lg.snapshot())
}

func TestManagerLookups(t *testing.T) {
	rt := New()
	lg := &callLog{}

	sess := NewSession("a1b2c3d4-ffff-4000-8000-000000000001", &fakeOrchestrator{log: lg}, rt, &fakeMessages{log: lg})
	sess.AddAgent("sup-9", &fakeAgent{log: lg})

	m := NewManager()
	m.Add(sess)

	assert.Same(t, sess, m.Get(sess.NgID()))
	assert.Same(t, sess, m.FindByNgPrefix("a1b2c3d4"))
	assert.Same(t, sess, m.FindByAgent("sup-9"))
	assert.Nil(t, m.FindByNgPrefix("deadbeef"))
	assert.Nil(t, m.FindByAgent("sup-0"))

	m.Remove(sess.NgID())
	assert.Nil(t, m.Get(sess.NgID()))
	assert.Equal(t, 0, m.Len())
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurehq/parley/agent/contract"
	"github.com/procurehq/parley/pkg/llm"
	"github.com/procurehq/parley/pkg/mailer"
	"github.com/procurehq/parley/router"
	"github.com/procurehq/parley/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeCompleter struct {
	reply string
}

func (f *fakeCompleter) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	return f.reply, nil
}

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	mem.AddSupplier(contract.Supplier{
		SupplierID: "sup-1",
		Name:       "Acme Metals",
		Email:      "sales@acme.example",
	})
	mem.AddProduct(store.Product{ProductID: "p-1", SupplierID: "sup-1", Name: "Steel Rods 10mm"})

	srv := New(mem, &fakeCompleter{reply: "Hello, what are your terms?"}, mailer.NewClient(mailer.Config{}), router.New(), router.NewManager())
	return srv, mem
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	w, out := doJSON(t, srv.Routes(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", out["status"])
}

func TestSearchRequiresQuery(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	w, _ := doJSON(t, h, http.MethodGet, "/search", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/search?product=steel", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Steel Rods 10mm")
}

func TestNegotiateStartsSessionAndSendsOpeners(t *testing.T) {
	srv, mem := newTestServer(t)
	h := srv.Routes()

	w, out := doJSON(t, h, http.MethodPost, "/negotiate",
		`{"product":"steel rods","tactics":"target 90","suppliers":["sup-1","sup-missing"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	ngID, _ := out["negotiation_id"].(string)
	require.NotEmpty(t, ngID)
	assert.Equal(t, "started", out["status"])
	assert.Equal(t, []any{"sup-1"}, out["suppliers"], "unknown suppliers are skipped")

	// One session is live and the opening inquiry was persisted.
	assert.Equal(t, 1, srv.sessions.Len())
	supID := "sup-1"
	turns, err := mem.FetchTurns(context.Background(), ngID, &supID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, contract.RoleNegotiator, turns[0].Role)

	// Status aggregates per supplier.
	w, out = doJSON(t, h, http.MethodGet, "/negotiation_status/"+ngID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, out["all_completed"])
	agents, _ := out["agents"].([]any)
	require.Len(t, agents, 1)
}

func TestNegotiateRejectsUnknownSuppliersOnly(t *testing.T) {
	srv, _ := newTestServer(t)
	w, out := doJSON(t, srv.Routes(), http.MethodPost, "/negotiate",
		`{"product":"steel rods","suppliers":["nope"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, out["error"], "no known suppliers")
	assert.Equal(t, 0, srv.sessions.Len())
}

func TestNegotiateValidatesRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	w, _ := doJSON(t, h, http.MethodPost, "/negotiate", `{"suppliers":["sup-1"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "product is required")

	w, _ = doJSON(t, h, http.MethodPost, "/negotiate", `{"product":"steel rods","suppliers":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "at least one supplier is required")
}

func TestNegotiationStatusUnknownID(t *testing.T) {
	srv, _ := newTestServer(t)
	w, _ := doJSON(t, srv.Routes(), http.MethodGet, "/negotiation_status/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOrchestratorActivityListsOwnChannel(t *testing.T) {
	srv, mem := newTestServer(t)
	ctx := context.Background()
	sup := "sup-1"
	require.NoError(t, mem.AppendTurn(ctx, "ng-1", nil, contract.RoleOrchestrator, "pass 1"))
	require.NoError(t, mem.AppendTurn(ctx, "ng-1", &sup, contract.RoleSupplier, "not orchestrator"))

	w, out := doJSON(t, srv.Routes(), http.MethodGet, "/orchestrator_activity/ng-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), out["count"])
}

// flakyDirectoryStore hard-fails the lookup for one supplier id.
type flakyDirectoryStore struct {
	*store.Memory
	failID string
}

func (f *flakyDirectoryStore) SupplierByID(ctx context.Context, id string) (*contract.Supplier, error) {
	if id == f.failID {
		return nil, errors.New("store offline")
	}
	return f.Memory.SupplierByID(ctx, id)
}

func TestNegotiateStoreFailureUnregistersStartedAgents(t *testing.T) {
	mem := store.NewMemory()
	mem.AddSupplier(contract.Supplier{
		SupplierID: "sup-1",
		Name:       "Acme Metals",
		Email:      "sales@acme.example",
	})
	st := &flakyDirectoryStore{Memory: mem, failID: "sup-2"}

	dispatched := make(chan error, 1)
	rt := router.New(router.WithDone(func(ev *contract.EmailEvent, err error) { dispatched <- err }))
	sessions := router.NewManager()
	srv := New(st, &fakeCompleter{reply: "hi"}, mailer.NewClient(mailer.Config{}), rt, sessions)

	w, _ := doJSON(t, srv.Routes(), http.MethodPost, "/negotiate",
		`{"product":"steel rods","suppliers":["sup-1","sup-2"]}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 0, sessions.Len())

	// sup-1's handler was registered before the failure; the abort must have
	// unregistered it so late inbound mail for the dead negotiation is dropped.
	ngs, err := mem.ListNegotiations(context.Background())
	require.NoError(t, err)
	require.Len(t, ngs, 1)

	rt.Push(context.Background(), &contract.EmailEvent{NgID: ngs[0].NgID, SupplierID: "sup-1", Body: "late reply"})
	select {
	case <-dispatched:
		t.Fatal("handler for aborted negotiation still registered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartWatcherRunsOnce(t *testing.T) {
	var starts int32
	srv := New(store.NewMemory(), &fakeCompleter{}, mailer.NewClient(mailer.Config{}),
		router.New(), router.NewManager(),
		WithWatcherStarter(func() { atomic.AddInt32(&starts, 1) }))

	srv.StartWatcher()
	srv.StartWatcher()
	assert.Equal(t, int32(1), atomic.LoadInt32(&starts))
}

func TestStartWatcherWithoutStarterIsNoop(t *testing.T) {
	srv, _ := newTestServer(t)
	assert.NotPanics(t, func() { srv.StartWatcher() })
}

func TestEmailLoginFailureDoesNotStartWatcher(t *testing.T) {
	var starts int32
	mail := mailer.NewClient(mailer.Config{
		SMTPHost: "127.0.0.1", SMTPPort: 1,
		IMAPHost: "127.0.0.1", IMAPPort: 1,
	})
	srv := New(store.NewMemory(), &fakeCompleter{}, mail, router.New(), router.NewManager(),
		WithWatcherStarter(func() { atomic.AddInt32(&starts, 1) }))

	w, _ := doJSON(t, srv.Routes(), http.MethodPost, "/email/login",
		`{"email":"buyer@procure.example","password":"wrong"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, atomic.LoadInt32(&starts), "watcher must not start on failed login")
}

func TestEmailSendRequiresLogin(t *testing.T) {
	srv, _ := newTestServer(t)
	w, out := doJSON(t, srv.Routes(), http.MethodPost, "/email/send",
		`{"to_email":"x@y.example","subject":"s","body":"b"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, out["error"], "not logged in")
}

package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/procurehq/parley/agent/contract"
)

// InstructionPlanner is the orchestrator seen from the session: one call
// refreshes every supplier's standing guidance.
type InstructionPlanner interface {
	GenerateNewInstructions(ctx context.Context) error
}

// Replier is the conversation agent seen from the session.
type Replier interface {
	SendMessage(ctx context.Context) (string, error)
}

// Session binds one orchestrator to N conversation agents for a single
// negotiation and owns their router registrations. Every matching inbound
// event runs the fixed reaction protocol: record the supplier's message,
// refresh all instructions, then let this supplier's agent reply.
type Session struct {
	ngID         string
	orchestrator InstructionPlanner
	router       *Router
	messages     contract.MessageStore

	mu       sync.Mutex
	agents   map[string]Replier
	keyLocks map[string]*sync.Mutex
}

// NewSession constructs a session in its building state; agents are attached
// with AddAgent.
func NewSession(ngID string, orchestrator InstructionPlanner, r *Router, messages contract.MessageStore) *Session {
	return &Session{
		ngID:         ngID,
		orchestrator: orchestrator,
		router:       r,
		messages:     messages,
		agents:       make(map[string]Replier),
		keyLocks:     make(map[string]*sync.Mutex),
	}
}

// NgID returns the negotiation this session serves.
func (s *Session) NgID() string { return s.ngID }

// AddAgent attaches a conversation agent and registers its email handler.
func (s *Session) AddAgent(supplierID string, agent Replier) {
	s.mu.Lock()
	s.agents[supplierID] = agent
	s.keyLocks[supplierID] = &sync.Mutex{}
	s.mu.Unlock()

	s.router.Register(s.ngID, supplierID, s.makeHandler(supplierID))
}

// HasAgent reports whether a live agent exists for the supplier.
func (s *Session) HasAgent(supplierID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.agents[supplierID]
	return ok
}

// makeHandler builds the per-supplier reaction. The three steps run strictly
// in order; two overlapping events for the same supplier are serialized on a
// per-key lock so each handler reads consistent state.
func (s *Session) makeHandler(supplierID string) Handler {
	return func(ctx context.Context, ev *contract.EmailEvent) error {
		s.mu.Lock()
		keyLock := s.keyLocks[supplierID]
		s.mu.Unlock()
		if keyLock != nil {
			keyLock.Lock()
			defer keyLock.Unlock()
		}

		// 1. Record the inbound message. This commit survives any later
		// failure in the same reaction.
		supID := supplierID
		if err := s.messages.AppendTurn(ctx, s.ngID, &supID, contract.RoleSupplier, ev.Body); err != nil {
			return fmt.Errorf("record inbound message: %w", err)
		}

		// 2. Refresh every supplier's instructions, not just this one's, so
		// all guidance reflects the newest information.
		if err := s.orchestrator.GenerateNewInstructions(ctx); err != nil {
			return fmt.Errorf("instruction refresh: %w", err)
		}

		// 3. Only the supplier who wrote in gets a reply.
		s.mu.Lock()
		agent := s.agents[supplierID]
		s.mu.Unlock()
		if agent == nil {
			return nil
		}
		if _, err := agent.SendMessage(ctx); err != nil {
			return fmt.Errorf("agent reply: %w", err)
		}
		return nil
	}
}

// Cleanup unregisters every agent's handler. Idempotent; the session is
// terminal afterwards.
func (s *Session) Cleanup() {
	s.mu.Lock()
	supplierIDs := make([]string, 0, len(s.agents))
	for id := range s.agents {
		supplierIDs = append(supplierIDs, id)
	}
	s.mu.Unlock()

	for _, id := range supplierIDs {
		s.router.Unregister(s.ngID, id)
	}
}

// Manager owns the live sessions of the process. It replaces ambient global
// state: anything that needs to resolve a session gets a *Manager handle.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager constructs an empty session registry.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Add registers a live session under its negotiation id.
func (m *Manager) Add(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.NgID()] = s
}

// Remove tears a session down and drops it from the registry.
func (m *Manager) Remove(ngID string) {
	m.mu.Lock()
	s := m.sessions[ngID]
	delete(m.sessions, ngID)
	m.mu.Unlock()
	if s != nil {
		s.Cleanup()
	}
}

// Get returns the live session for a negotiation id, or nil.
func (m *Manager) Get(ngID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[ngID]
}

// FindByNgPrefix returns the first session whose negotiation id starts with
// the given prefix, or nil.
func (m *Manager) FindByNgPrefix(prefix string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for ngID, s := range m.sessions {
		if len(ngID) >= len(prefix) && ngID[:len(prefix)] == prefix {
			return s
		}
	}
	return nil
}

// FindByAgent returns the first session holding a live agent for the
// supplier, or nil.
func (m *Manager) FindByAgent(supplierID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.HasAgent(supplierID) {
			return s
		}
	}
	return nil
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

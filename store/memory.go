package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/procurehq/parley/agent/contract"
)

// Memory is a volatile Store kept in process-local maps. It backs tests and
// no-database demo runs. Safe for concurrent use.
type Memory struct {
	mu           sync.RWMutex
	turns        []contract.Turn
	instructions map[string]string
	negotiations map[string]contract.Negotiation
	suppliers    map[string]contract.Supplier
	products     []Product
	now          func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		instructions: make(map[string]string),
		negotiations: make(map[string]contract.Negotiation),
		suppliers:    make(map[string]contract.Supplier),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source, mainly for tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// AddSupplier seeds a directory row.
func (m *Memory) AddSupplier(s contract.Supplier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppliers[s.SupplierID] = s
}

// AddProduct seeds a catalog row.
func (m *Memory) AddProduct(p Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products = append(m.products, p)
}

func instructionKey(ngID, supplierID string) string { return ngID + ":" + supplierID }

func (m *Memory) FetchTurns(ctx context.Context, ngID string, supplierID *string) ([]contract.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contract.Turn
	for _, t := range m.turns {
		if t.NgID != ngID {
			continue
		}
		if supplierID == nil {
			if t.SupplierID != nil {
				continue
			}
		} else if t.SupplierID == nil || *t.SupplierID != *supplierID {
			continue
		}
		out = append(out, t)
	}
	sortTurns(out)
	return out, nil
}

func (m *Memory) FetchAllTurns(ctx context.Context, ngID string) ([]contract.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contract.Turn
	for _, t := range m.turns {
		if t.NgID == ngID {
			out = append(out, t)
		}
	}
	sortTurns(out)
	return out, nil
}

func (m *Memory) AppendTurn(ctx context.Context, ngID string, supplierID *string, role contract.Role, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sup *string
	if supplierID != nil {
		v := *supplierID
		sup = &v
	}
	m.turns = append(m.turns, contract.Turn{
		NgID:       ngID,
		SupplierID: sup,
		Role:       role,
		Content:    text,
		Timestamp:  m.now(),
	})
	return nil
}

func (m *Memory) FetchInstruction(ctx context.Context, ngID, supplierID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instructions[instructionKey(ngID, supplierID)], nil
}

func (m *Memory) FetchInstructions(ctx context.Context, ngID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range m.instructions {
		if strings.HasPrefix(k, ngID+":") {
			out[strings.TrimPrefix(k, ngID+":")] = v
		}
	}
	return out, nil
}

func (m *Memory) UpsertInstruction(ctx context.Context, ngID, supplierID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instructions[instructionKey(ngID, supplierID)] = text
	return nil
}

func (m *Memory) SupplierByID(ctx context.Context, supplierID string) (*contract.Supplier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.suppliers[supplierID]; ok {
		cp := s
		return &cp, nil
	}
	return nil, contract.ErrNotFound
}

func (m *Memory) SupplierByEmail(ctx context.Context, email string) (*contract.Supplier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.suppliers {
		if s.Email == email {
			cp := s
			return &cp, nil
		}
	}
	return nil, contract.ErrNotFound
}

func (m *Memory) SupplierByIDPrefix(ctx context.Context, prefix string) (*contract.Supplier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.suppliers {
		if strings.HasPrefix(s.SupplierID, prefix) {
			cp := s
			return &cp, nil
		}
	}
	return nil, contract.ErrNotFound
}

func (m *Memory) NegotiationByIDPrefix(ctx context.Context, prefix string) (*contract.Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.negotiations {
		if strings.HasPrefix(n.NgID, prefix) {
			cp := n
			return &cp, nil
		}
	}
	return nil, contract.ErrNotFound
}

func (m *Memory) MarkNegotiationCompleted(ctx context.Context, ngID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.negotiations[ngID]; ok {
		n.Status = contract.NegotiationCompleted
		m.negotiations[ngID] = n
	}
	return nil
}

func (m *Memory) CreateNegotiation(ctx context.Context, n *contract.Negotiation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	if cp.Status == "" {
		cp.Status = contract.NegotiationActive
	}
	m.negotiations[cp.NgID] = cp
	return nil
}

func (m *Memory) NegotiationByID(ctx context.Context, ngID string) (*contract.Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n, ok := m.negotiations[ngID]; ok {
		cp := n
		return &cp, nil
	}
	return nil, contract.ErrNotFound
}

func (m *Memory) ListNegotiations(ctx context.Context) ([]contract.Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contract.Negotiation, 0, len(m.negotiations))
	for _, n := range m.negotiations {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NgID < out[j].NgID })
	return out, nil
}

func (m *Memory) ListSuppliers(ctx context.Context) ([]contract.Supplier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contract.Supplier, 0, len(m.suppliers))
	for _, s := range m.suppliers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SupplierID < out[j].SupplierID })
	return out, nil
}

func (m *Memory) ListProducts(ctx context.Context) ([]Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Product(nil), m.products...), nil
}

func (m *Memory) SearchProducts(ctx context.Context, query string) ([]Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q := strings.ToLower(query)
	var out []Product
	for _, p := range m.products {
		if strings.Contains(strings.ToLower(p.Name), q) {
			out = append(out, p)
		}
	}
	return out, nil
}

func sortTurns(turns []contract.Turn) {
	sort.SliceStable(turns, func(i, j int) bool {
		return turns[i].Timestamp.Before(turns[j].Timestamp)
	})
}

// Package store persists conversation turns, supervisor instructions, and the
// supplier/negotiation directory in Postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/procurehq/parley/agent/contract"
)

// Store is the full persistence surface. The core packages depend only on the
// narrow contract interfaces; the HTTP layer uses the catalog methods too.
type Store interface {
	contract.MessageStore
	contract.InstructionStore
	contract.Directory

	CreateNegotiation(ctx context.Context, n *contract.Negotiation) error
	NegotiationByID(ctx context.Context, ngID string) (*contract.Negotiation, error)
	ListNegotiations(ctx context.Context) ([]contract.Negotiation, error)
	ListSuppliers(ctx context.Context) ([]contract.Supplier, error)
	ListProducts(ctx context.Context) ([]Product, error)
	SearchProducts(ctx context.Context, query string) ([]Product, error)
}

// Config configures the Postgres connection.
type Config struct {
	URL          string        `envconfig:"URL" split_words:"true" required:"true"`
	MaxOpenConns int           `envconfig:"MAX_OPEN_CONNS" split_words:"true" default:"8"`
	Timeout      time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

// Option customizes a Postgres store.
type Option func(*Postgres)

// WithClock overrides the timestamp source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Postgres) {
		if now != nil {
			s.now = now
		}
	}
}

// Postgres implements Store on top of bun.
type Postgres struct {
	db  *bun.DB
	now func() time.Time
}

var _ Store = (*Postgres)(nil)

// NewPostgres opens a connection pool and wraps it in a Store.
func NewPostgres(cfg Config, opts ...Option) (*Postgres, error) {
	dsn := strings.TrimSpace(cfg.URL)
	if dsn == "" {
		return nil, errors.New("database url is required")
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithDSN(dsn),
		pgdriver.WithTimeout(cfg.Timeout),
	))
	if cfg.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	s := &Postgres{
		db:  bun.NewDB(sqldb, pgdialect.New()),
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Close releases the underlying pool.
func (s *Postgres) Close() error { return s.db.Close() }

// FetchTurns returns the complete history for one pair (or the orchestrator
// channel when supplierID is nil) in timestamp order.
func (s *Postgres) FetchTurns(ctx context.Context, ngID string, supplierID *string) ([]contract.Turn, error) {
	var rows []messageRow
	q := s.db.NewSelect().Model(&rows).Where("ng_id = ?", ngID)
	if supplierID == nil {
		q = q.Where("supplier_id IS NULL")
	} else {
		q = q.Where("supplier_id = ?", *supplierID)
	}
	if err := q.Order("message_timestamp ASC").Order("message_id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("fetch turns: %w", err)
	}

	turns := make([]contract.Turn, 0, len(rows))
	for _, r := range rows {
		turns = append(turns, contract.Turn{
			NgID:       r.NgID,
			SupplierID: r.SupplierID,
			Role:       contract.Role(r.Role),
			Content:    r.Text,
			Timestamp:  r.Timestamp,
		})
	}
	return turns, nil
}

// FetchAllTurns returns every turn of a negotiation across all suppliers and
// the orchestrator channel, in timestamp order.
func (s *Postgres) FetchAllTurns(ctx context.Context, ngID string) ([]contract.Turn, error) {
	var rows []messageRow
	err := s.db.NewSelect().Model(&rows).
		Where("ng_id = ?", ngID).
		Order("message_timestamp ASC").Order("message_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch all turns: %w", err)
	}

	turns := make([]contract.Turn, 0, len(rows))
	for _, r := range rows {
		turns = append(turns, contract.Turn{
			NgID:       r.NgID,
			SupplierID: r.SupplierID,
			Role:       contract.Role(r.Role),
			Content:    r.Text,
			Timestamp:  r.Timestamp,
		})
	}
	return turns, nil
}

func (s *Postgres) AppendTurn(ctx context.Context, ngID string, supplierID *string, role contract.Role, text string) error {
	row := messageRow{
		NgID:       ngID,
		SupplierID: supplierID,
		Role:       string(role),
		Text:       text,
		Timestamp:  s.now(),
	}
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// FetchInstruction returns the latest guidance for a pair, or "" when none
// has been issued yet.
func (s *Postgres) FetchInstruction(ctx context.Context, ngID, supplierID string) (string, error) {
	var row instructionRow
	err := s.db.NewSelect().Model(&row).
		Where("ng_id = ?", ngID).
		Where("supplier_id = ?", supplierID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fetch instruction: %w", err)
	}
	return row.Text, nil
}

func (s *Postgres) FetchInstructions(ctx context.Context, ngID string) (map[string]string, error) {
	var rows []instructionRow
	if err := s.db.NewSelect().Model(&rows).Where("ng_id = ?", ngID).Scan(ctx); err != nil {
		return nil, fmt.Errorf("fetch instructions: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.SupplierID] = r.Text
	}
	return out, nil
}

func (s *Postgres) UpsertInstruction(ctx context.Context, ngID, supplierID, text string) error {
	row := instructionRow{
		NgID:       ngID,
		SupplierID: supplierID,
		Text:       text,
		UpdatedAt:  s.now(),
	}
	_, err := s.db.NewInsert().Model(&row).
		On("CONFLICT (ng_id, supplier_id) DO UPDATE").
		Set("instruction_text = EXCLUDED.instruction_text").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert instruction: %w", err)
	}
	return nil
}

func (s *Postgres) SupplierByID(ctx context.Context, supplierID string) (*contract.Supplier, error) {
	var row supplierRow
	err := s.db.NewSelect().Model(&row).Where("supplier_id = ?", supplierID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contract.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("supplier by id: %w", err)
	}
	return supplierFromRow(row), nil
}

func (s *Postgres) SupplierByEmail(ctx context.Context, email string) (*contract.Supplier, error) {
	var row supplierRow
	err := s.db.NewSelect().Model(&row).Where("supplier_email = ?", email).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contract.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("supplier by email: %w", err)
	}
	return supplierFromRow(row), nil
}

func (s *Postgres) SupplierByIDPrefix(ctx context.Context, prefix string) (*contract.Supplier, error) {
	var row supplierRow
	err := s.db.NewSelect().Model(&row).
		Where("CAST(supplier_id AS TEXT) LIKE ?", prefix+"%").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contract.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("supplier by id prefix: %w", err)
	}
	return supplierFromRow(row), nil
}

func (s *Postgres) NegotiationByIDPrefix(ctx context.Context, prefix string) (*contract.Negotiation, error) {
	var row negotiationRow
	err := s.db.NewSelect().Model(&row).
		Where("CAST(ng_id AS TEXT) LIKE ?", prefix+"%").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contract.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("negotiation by id prefix: %w", err)
	}
	return negotiationFromRow(row), nil
}

func (s *Postgres) MarkNegotiationCompleted(ctx context.Context, ngID string) error {
	_, err := s.db.NewUpdate().Model((*negotiationRow)(nil)).
		Set("status = ?", contract.NegotiationCompleted).
		Where("ng_id = ?", ngID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark negotiation completed: %w", err)
	}
	return nil
}

func (s *Postgres) CreateNegotiation(ctx context.Context, n *contract.Negotiation) error {
	row := negotiationRow{NgID: n.NgID, Product: n.Product, Strategy: n.Strategy, Status: n.Status}
	if row.Status == "" {
		row.Status = contract.NegotiationActive
	}
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return fmt.Errorf("create negotiation: %w", err)
	}
	return nil
}

func (s *Postgres) NegotiationByID(ctx context.Context, ngID string) (*contract.Negotiation, error) {
	var row negotiationRow
	err := s.db.NewSelect().Model(&row).Where("ng_id = ?", ngID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contract.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("negotiation by id: %w", err)
	}
	return negotiationFromRow(row), nil
}

func (s *Postgres) ListNegotiations(ctx context.Context) ([]contract.Negotiation, error) {
	var rows []negotiationRow
	if err := s.db.NewSelect().Model(&rows).Scan(ctx); err != nil {
		return nil, fmt.Errorf("list negotiations: %w", err)
	}
	out := make([]contract.Negotiation, 0, len(rows))
	for _, r := range rows {
		out = append(out, *negotiationFromRow(r))
	}
	return out, nil
}

func (s *Postgres) ListSuppliers(ctx context.Context) ([]contract.Supplier, error) {
	var rows []supplierRow
	if err := s.db.NewSelect().Model(&rows).Scan(ctx); err != nil {
		return nil, fmt.Errorf("list suppliers: %w", err)
	}
	out := make([]contract.Supplier, 0, len(rows))
	for _, r := range rows {
		out = append(out, *supplierFromRow(r))
	}
	return out, nil
}

func (s *Postgres) ListProducts(ctx context.Context) ([]Product, error) {
	var rows []Product
	if err := s.db.NewSelect().Model(&rows).Scan(ctx); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return rows, nil
}

func (s *Postgres) SearchProducts(ctx context.Context, query string) ([]Product, error) {
	var rows []Product
	err := s.db.NewSelect().Model(&rows).
		Where("product_name ILIKE ?", "%"+query+"%").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("search products: %w", err)
	}
	return rows, nil
}

func supplierFromRow(r supplierRow) *contract.Supplier {
	return &contract.Supplier{
		SupplierID:  r.SupplierID,
		Name:        r.Name,
		Email:       r.Email,
		Description: r.Description,
		Insights:    r.Insights,
	}
}

func negotiationFromRow(r negotiationRow) *contract.Negotiation {
	return &contract.Negotiation{
		NgID:     r.NgID,
		Product:  r.Product,
		Strategy: r.Strategy,
		Status:   r.Status,
	}
}

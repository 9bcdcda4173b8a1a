package store

import (
	"time"

	"github.com/uptrace/bun"
)

type messageRow struct {
	bun.BaseModel `bun:"table:message"`

	MessageID  int64     `bun:"message_id,pk,autoincrement"`
	NgID       string    `bun:"ng_id,notnull"`
	SupplierID *string   `bun:"supplier_id"`
	Role       string    `bun:"role,notnull"`
	Text       string    `bun:"message_text,notnull"`
	Timestamp  time.Time `bun:"message_timestamp,notnull,default:current_timestamp"`
}

type instructionRow struct {
	bun.BaseModel `bun:"table:instructions"`

	NgID       string    `bun:"ng_id,pk"`
	SupplierID string    `bun:"supplier_id,pk"`
	Text       string    `bun:"instruction_text,notnull"`
	UpdatedAt  time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

type negotiationRow struct {
	bun.BaseModel `bun:"table:negotiation"`

	NgID     string `bun:"ng_id,pk"`
	Product  string `bun:"product,notnull"`
	Strategy string `bun:"strategy"`
	Status   string `bun:"status,notnull"`
}

type supplierRow struct {
	bun.BaseModel `bun:"table:supplier"`

	SupplierID  string `bun:"supplier_id,pk"`
	Name        string `bun:"supplier_name"`
	Email       string `bun:"supplier_email"`
	Description string `bun:"description"`
	Insights    string `bun:"insights"`
}

// Product is a catalog row surfaced by the HTTP API only.
type Product struct {
	bun.BaseModel `bun:"table:product"`

	ProductID  string `bun:"product_id,pk" json:"product_id"`
	SupplierID string `bun:"supplier_id" json:"supplier_id"`
	Name       string `bun:"product_name" json:"product_name"`
}

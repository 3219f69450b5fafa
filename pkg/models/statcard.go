package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StatCardConfig describes one dashboard stat tile: which metric it shows
// and how it is queried. The BI layer renders these; the core only owns
// the configuration rows.
type StatCardConfig struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	TenantID    string          `json:"tenant_id" db:"tenant_id"`
	Title       string          `json:"title" db:"title"`
	MetricKey   string          `json:"metric_key" db:"metric_key"`
	QueryConfig json.RawMessage `json:"query_config" db:"query_config"`
	Unit        string          `json:"unit,omitempty" db:"unit"`
	Position    int             `json:"position" db:"position"`
	Enabled     bool            `json:"enabled" db:"enabled"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

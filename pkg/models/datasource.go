package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DataSourceType identifies the external system a data source connects to.
type DataSourceType string

const (
	DataSourceMES       DataSourceType = "mes"
	DataSourceERP       DataSourceType = "erp"
	DataSourceWarehouse DataSourceType = "warehouse"
	DataSourceWebhook   DataSourceType = "webhook"
)

// DataSource is a tenant-registered external connection. ConnectionConfig
// is stored encrypted; sensitive fields are sealed individually so the
// non-secret parts stay queryable.
type DataSource struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	TenantID         string          `json:"tenant_id" db:"tenant_id"`
	Name             string          `json:"name" db:"name"`
	Type             DataSourceType  `json:"type" db:"type"`
	ConnectionConfig json.RawMessage `json:"connection_config" db:"connection_config"`
	Enabled          bool            `json:"enabled" db:"enabled"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

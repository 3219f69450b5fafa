package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fabrikhq/decision-core/pkg/crypto"
	"github.com/fabrikhq/decision-core/pkg/database"
	"github.com/fabrikhq/decision-core/pkg/models"
)

// ErrDataSourceNotFound is returned when a data source does not exist
// for the tenant.
var ErrDataSourceNotFound = errors.New("data source not found")

// DataSourceRepo stores tenant data-source connections. Credential
// fields inside connection_config are sealed at rest; the read path
// masks them so sealed material never leaves the service.
type DataSourceRepo struct {
	db  *database.DB
	enc *crypto.Encryptor
}

// NewDataSourceRepo creates a DataSourceRepo.
func NewDataSourceRepo(db *database.DB, enc *crypto.Encryptor) *DataSourceRepo {
	return &DataSourceRepo{db: db, enc: enc}
}

// Create seals the sensitive config fields and inserts the row.
func (r *DataSourceRepo) Create(ctx context.Context, ds *models.DataSource) error {
	sealed, err := r.sealConfig(ds.ConnectionConfig)
	if err != nil {
		return err
	}

	ds.ID = uuid.New()
	err = r.db.QueryRow(ctx, `
		INSERT INTO data_sources (id, tenant_id, name, type, connection_config, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		ds.ID, ds.TenantID, ds.Name, ds.Type, sealed, ds.Enabled,
	).Scan(&ds.CreatedAt, &ds.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert data source: %w", err)
	}
	ds.ConnectionConfig = maskConfig(sealed)
	return nil
}

// Get returns a data source with credential fields masked.
func (r *DataSourceRepo) Get(ctx context.Context, tenantID string, id uuid.UUID) (*models.DataSource, error) {
	ds, sealed, err := r.load(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	ds.ConnectionConfig = maskConfig(sealed)
	return ds, nil
}

// List returns the tenant's data sources, credential fields masked.
func (r *DataSourceRepo) List(ctx context.Context, tenantID string) ([]models.DataSource, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, tenant_id, name, type, connection_config, enabled, created_at, updated_at
		FROM data_sources
		WHERE tenant_id = $1
		ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list data sources: %w", err)
	}
	defer rows.Close()

	var out []models.DataSource
	for rows.Next() {
		var ds models.DataSource
		var sealed json.RawMessage
		if err := rows.Scan(&ds.ID, &ds.TenantID, &ds.Name, &ds.Type,
			&sealed, &ds.Enabled, &ds.CreatedAt, &ds.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan data source: %w", err)
		}
		ds.ConnectionConfig = maskConfig(sealed)
		out = append(out, ds)
	}
	return out, rows.Err()
}

// Config opens the sealed credential fields for internal consumers.
// Never exposed over HTTP.
func (r *DataSourceRepo) Config(ctx context.Context, tenantID string, id uuid.UUID) (map[string]any, error) {
	_, sealed, err := r.load(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	var config map[string]any
	if err := json.Unmarshal(sealed, &config); err != nil {
		return nil, fmt.Errorf("decode connection config: %w", err)
	}
	opened, err := r.enc.DecryptConfig(config)
	if err != nil {
		return nil, fmt.Errorf("open connection config: %w", err)
	}
	return opened, nil
}

// Delete removes a data source.
func (r *DataSourceRepo) Delete(ctx context.Context, tenantID string, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, `
		DELETE FROM data_sources WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete data source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDataSourceNotFound
	}
	return nil
}

func (r *DataSourceRepo) load(ctx context.Context, tenantID string, id uuid.UUID) (*models.DataSource, json.RawMessage, error) {
	var ds models.DataSource
	var sealed json.RawMessage
	err := r.db.QueryRow(ctx, `
		SELECT id, tenant_id, name, type, connection_config, enabled, created_at, updated_at
		FROM data_sources
		WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	).Scan(&ds.ID, &ds.TenantID, &ds.Name, &ds.Type,
		&sealed, &ds.Enabled, &ds.CreatedAt, &ds.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrDataSourceNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load data source: %w", err)
	}
	return &ds, sealed, nil
}

func (r *DataSourceRepo) sealConfig(raw json.RawMessage) (json.RawMessage, error) {
	config := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &config); err != nil {
			return nil, fmt.Errorf("decode connection config: %w", err)
		}
	}
	sealed, err := r.enc.EncryptConfig(config)
	if err != nil {
		return nil, fmt.Errorf("seal connection config: %w", err)
	}
	out, err := json.Marshal(sealed)
	if err != nil {
		return nil, fmt.Errorf("encode connection config: %w", err)
	}
	return out, nil
}

// maskConfig replaces sealed credential values with a placeholder so the
// API never echoes ciphertext.
func maskConfig(raw json.RawMessage) json.RawMessage {
	var config map[string]any
	if err := json.Unmarshal(raw, &config); err != nil {
		return raw
	}
	for k, v := range config {
		if s, ok := v.(string); ok && crypto.IsEncrypted(s) {
			config[k] = "********"
		}
	}
	out, err := json.Marshal(config)
	if err != nil {
		return raw
	}
	return out
}

// Package canary routes judgment traffic between the stable and target
// versions of a deployment, aggregates how each side behaves, and derives
// the health verdict the monitor acts on.
package canary

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fabrikhq/decision-core/pkg/config"
	"github.com/fabrikhq/decision-core/pkg/database"
	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/models"
)

// Assigner hands out sticky version assignments for deployments in canary.
type Assigner struct {
	db  *database.DB
	cfg config.CanaryConfig
	log *logger.Logger
}

// NewAssigner creates a canary assigner.
func NewAssigner(db *database.DB, cfg config.CanaryConfig, log *logger.Logger) *Assigner {
	return &Assigner{db: db, cfg: cfg, log: log.WithComponent("canary")}
}

// ResolveIdentifier returns the highest-priority identifier present on a
// request: workflow instance, then session, then user.
func ResolveIdentifier(userID, sessionID, workflowInstanceID string) (string, models.IdentifierType) {
	switch {
	case workflowInstanceID != "":
		return workflowInstanceID, models.IdentifierTypeWorkflowInstance
	case sessionID != "":
		return sessionID, models.IdentifierTypeSession
	case userID != "":
		return userID, models.IdentifierTypeUser
	default:
		return "", ""
	}
}

// Assign returns the version an identifier should see for a deployment in
// canary. An existing unexpired assignment always wins; otherwise the
// identifier's stable hash bucket decides and the row is persisted.
// Requests without an identifier stay on the stable version.
func (a *Assigner) Assign(ctx context.Context, deployment *models.Deployment, identifier string, identifierType models.IdentifierType) (models.CanaryVersion, error) {
	if identifier == "" {
		return models.CanaryVersionV1, nil
	}

	now := time.Now().UTC()

	existing, err := a.lookup(ctx, deployment.ID, identifier)
	if err != nil {
		return "", err
	}
	if existing != nil && !existing.Expired(now) {
		return existing.Version, nil
	}

	version := models.CanaryVersionV1
	if Bucket(deployment.ID, identifier) < deployment.CanaryTrafficPercentage {
		version = models.CanaryVersionV2
	}

	var expiresAt *time.Time
	if a.cfg.AssignmentTTL > 0 {
		expiry := now.Add(a.cfg.AssignmentTTL)
		expiresAt = &expiry
	}

	err = a.db.Exec(ctx, `
		INSERT INTO canary_assignments (
			id, deployment_id, identifier, identifier_type, version,
			assigned_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (deployment_id, identifier) DO UPDATE SET
			identifier_type = EXCLUDED.identifier_type,
			version = EXCLUDED.version,
			assigned_at = EXCLUDED.assigned_at,
			expires_at = EXCLUDED.expires_at
	`, uuid.New(), deployment.ID, identifier, string(identifierType),
		string(version), now, expiresAt)
	if err != nil {
		return "", fmt.Errorf("failed to persist canary assignment: %w", err)
	}

	return version, nil
}

func (a *Assigner) lookup(ctx context.Context, deploymentID uuid.UUID, identifier string) (*models.CanaryAssignment, error) {
	var assignment models.CanaryAssignment
	err := a.db.QueryRow(ctx, `
		SELECT id, deployment_id, identifier, identifier_type, version,
		       assigned_at, expires_at
		FROM canary_assignments
		WHERE deployment_id = $1 AND identifier = $2
	`, deploymentID, identifier).Scan(
		&assignment.ID, &assignment.DeploymentID, &assignment.Identifier,
		&assignment.IdentifierType, &assignment.Version,
		&assignment.AssignedAt, &assignment.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up canary assignment: %w", err)
	}
	return &assignment, nil
}

// DeleteForDeployment drains every assignment for a deployment. Called on
// promotion and rollback.
func (a *Assigner) DeleteForDeployment(ctx context.Context, deploymentID uuid.UUID) (int64, error) {
	tag, err := a.db.Pool.Exec(ctx, `
		DELETE FROM canary_assignments WHERE deployment_id = $1
	`, deploymentID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete canary assignments: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SweepExpired removes assignments past their expiry.
func (a *Assigner) SweepExpired(ctx context.Context) (int64, error) {
	tag, err := a.db.Pool.Exec(ctx, `
		DELETE FROM canary_assignments
		WHERE expires_at IS NOT NULL AND expires_at < $1
	`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired assignments: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Bucket maps an identifier into a stable 0-99 slot for a deployment. The
// slot never changes, so raising the traffic percentage only ever moves
// identifiers toward the canary version, never back.
func Bucket(deploymentID uuid.UUID, identifier string) int {
	h := fnv.New64a()
	h.Write([]byte(deploymentID.String()))
	h.Write([]byte(identifier))
	return int(h.Sum64() % 100)
}

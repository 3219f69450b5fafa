package intent

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/fabrikhq/decision-core/pkg/datascope"
	"github.com/fabrikhq/decision-core/pkg/models"
)

// TenantKeyword is one tenant-registered domain keyword that extends the
// rule stage, e.g. a pharma tenant adding "batch yield" to CHECK.
type TenantKeyword struct {
	Keyword    string        `json:"keyword"`
	Intent     models.Intent `json:"intent"`
	Confidence float64       `json:"confidence"`
}

// KeywordSource loads a tenant's keyword pack, restricted to the modules
// the requesting user's data scope can see.
type KeywordSource interface {
	LoadKeywords(ctx context.Context, tenantID string, scope *models.DataScope) ([]TenantKeyword, error)
}

// KeywordStore reads tenant keyword packs from the module registry.
type KeywordStore struct {
	db *sql.DB
}

// NewKeywordStore wraps a database handle.
func NewKeywordStore(db *sql.DB) *KeywordStore {
	return &KeywordStore{db: db}
}

// LoadKeywords returns the tenant's registered keywords visible under the
// given scope. A nil scope (internal caller) loads everything.
func (s *KeywordStore) LoadKeywords(ctx context.Context, tenantID string, scope *models.DataScope) ([]TenantKeyword, error) {
	b := datascope.NewBuilder(tenantID)
	if scope != nil {
		datascope.Apply(b, scope, datascope.Columns{Factory: "factory_code"})
	}

	query := `
		SELECT keyword, intent, confidence
		FROM tenant_intent_keywords
		WHERE tenant_id = $1 AND enabled` + b.Where() + `
		ORDER BY confidence DESC, keyword`

	rows, err := s.db.QueryContext(ctx, query, b.Args()...)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant keywords: %w", err)
	}
	defer rows.Close()

	var keywords []TenantKeyword
	for rows.Next() {
		var k TenantKeyword
		if err := rows.Scan(&k.Keyword, &k.Intent, &k.Confidence); err != nil {
			return nil, fmt.Errorf("failed to scan tenant keyword: %w", err)
		}
		keywords = append(keywords, k)
	}
	return keywords, rows.Err()
}

// compileKeywords turns a keyword pack into pattern entries. Keywords are
// matched literally and case-insensitively; entries below the confidence
// floor are dropped here rather than re-checked on every utterance.
func compileKeywords(keywords []TenantKeyword) []patternEntry {
	var entries []patternEntry
	for _, k := range keywords {
		word := strings.TrimSpace(k.Keyword)
		if word == "" || !k.Intent.Valid() || k.Confidence < ruleConfidenceFloor {
			continue
		}
		re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(word))
		if err != nil {
			continue
		}
		entries = append(entries, patternEntry{
			re:         re,
			pattern:    word,
			intent:     k.Intent,
			target:     defaultTarget(k.Intent),
			confidence: k.Confidence,
		})
	}
	return entries
}

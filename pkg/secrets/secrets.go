// Package secrets resolves runtime secrets (encryption key, provider
// credentials, webhook secrets) from Vault, falling back to environment
// variables when Vault is not configured.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"

	"github.com/fabrikhq/decision-core/pkg/config"
	"github.com/fabrikhq/decision-core/pkg/logger"
)

// Source provides named secrets.
type Source interface {
	// Get returns the secret value for key. Missing keys return an error.
	Get(ctx context.Context, key string) (string, error)
}

// New selects the source from configuration: Vault when enabled, process
// environment otherwise.
func New(cfg config.VaultConfig, log *logger.Logger) (Source, error) {
	if !cfg.Enabled {
		log.Debug("secret source: environment")
		return NewEnvSource("DC_"), nil
	}
	return NewVaultSource(cfg, log)
}

// Resolve returns explicit when non-empty, otherwise looks key up in src.
// Explicit configuration always wins over the secret source.
func Resolve(ctx context.Context, src Source, key, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	return src.Get(ctx, key)
}

// =============================================================================
// Vault Source
// =============================================================================

// VaultSource reads one KV v2 secret payload and serves its fields.
type VaultSource struct {
	client *vault.Client
	mount  string
	path   string
	log    *logger.Logger

	mu      sync.Mutex
	data    map[string]any
	fetched bool
}

// NewVaultSource connects to Vault using the configured address and token.
func NewVaultSource(cfg config.VaultConfig, log *logger.Logger) (*VaultSource, error) {
	vcfg := vault.DefaultConfig()
	if cfg.Address != "" {
		vcfg.Address = cfg.Address
	}

	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	log.Info("secret source: vault", "address", vcfg.Address, "mount", cfg.MountPath, "path", cfg.SecretPath)
	return &VaultSource{
		client: client,
		mount:  cfg.MountPath,
		path:   cfg.SecretPath,
		log:    log,
	}, nil
}

// Get returns one field of the secret payload, fetching it on first use.
func (s *VaultSource) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fetched {
		secret, err := s.client.KVv2(s.mount).Get(ctx, s.path)
		if err != nil {
			return "", fmt.Errorf("failed to read vault secret %s/%s: %w", s.mount, s.path, err)
		}
		s.data = secret.Data
		s.fetched = true
	}

	v, ok := s.data[key]
	if !ok {
		return "", fmt.Errorf("secret %q not found in vault path %s/%s", key, s.mount, s.path)
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("secret %q is not a string", key)
	}
	return str, nil
}

// Invalidate drops the cached payload so the next Get re-reads Vault.
func (s *VaultSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetched = false
	s.data = nil
}

// =============================================================================
// Environment Source
// =============================================================================

// EnvSource reads secrets from prefixed environment variables, mapping
// key "encryption_key" to e.g. DC_ENCRYPTION_KEY.
type EnvSource struct {
	prefix string
}

// NewEnvSource creates an environment-backed source.
func NewEnvSource(prefix string) *EnvSource {
	return &EnvSource{prefix: prefix}
}

// Get returns the environment value for key.
func (s *EnvSource) Get(ctx context.Context, key string) (string, error) {
	name := s.prefix + strings.ToUpper(key)
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("secret %q not set (env %s)", key, name)
	}
	return v, nil
}

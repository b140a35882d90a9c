package credentials

import (
	"context"
	"errors"
	"fmt"
	"path"

	vault "github.com/hashicorp/vault/api"

	"github.com/nulpointcorp/llm-router/internal/catalog"
	"github.com/nulpointcorp/llm-router/internal/providers"
)

// ErrNotFound is returned when no active credential exists at a scope.
var ErrNotFound = errors.New("credentials: not found")

// Store looks up the credential for a provider at exactly one scope.
type Store interface {
	Lookup(ctx context.Context, p *catalog.Provider, scope catalog.Scope, scopeID string) (providers.Credential, error)
}

// DBStore reads sealed credentials from the catalog.
type DBStore struct {
	catalog catalog.Store
	enc     Encryptor
}

func NewDBStore(store catalog.Store, enc Encryptor) *DBStore {
	return &DBStore{catalog: store, enc: enc}
}

func (s *DBStore) Lookup(ctx context.Context, p *catalog.Provider, scope catalog.Scope, scopeID string) (providers.Credential, error) {
	row, err := s.catalog.Credential(ctx, p.ID, scope, scopeID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return providers.Credential{}, ErrNotFound
		}
		return providers.Credential{}, fmt.Errorf("credentials: lookup: %w", err)
	}
	secret, err := s.enc.Decrypt(row.Secret)
	if err != nil {
		return providers.Credential{}, err
	}
	return providers.Credential{APIKey: secret, OrgExternalID: row.OrgExternalID, Region: row.Region}, nil
}

// VaultConfig configures a VaultStore. Secrets live in a KV v2 engine at
// <Mount>/<Prefix>/<provider-slug>/<scope>/<scope-id>.
type VaultConfig struct {
	Address string
	Token   string
	Mount   string
	Prefix  string
}

// VaultStore reads credentials from HashiCorp Vault with token auth. The
// secret's api_key field is the key; org_external_id and region are
// optional.
type VaultStore struct {
	kv     *vault.KVv2
	prefix string
}

func NewVaultStore(cfg VaultConfig) (*VaultStore, error) {
	vc := vault.DefaultConfig()
	vc.Address = cfg.Address
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("credentials: create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}
	return &VaultStore{kv: client.KVv2(mount), prefix: cfg.Prefix}, nil
}

func (s *VaultStore) Lookup(ctx context.Context, p *catalog.Provider, scope catalog.Scope, scopeID string) (providers.Credential, error) {
	secretPath := path.Join(s.prefix, p.Slug, string(scope), scopeID)
	secret, err := s.kv.Get(ctx, secretPath)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return providers.Credential{}, ErrNotFound
		}
		return providers.Credential{}, fmt.Errorf("credentials: read vault secret %q: %w", secretPath, err)
	}
	key, _ := secret.Data["api_key"].(string)
	if key == "" {
		return providers.Credential{}, ErrNotFound
	}
	cred := providers.Credential{APIKey: key}
	cred.OrgExternalID, _ = secret.Data["org_external_id"].(string)
	cred.Region, _ = secret.Data["region"].(string)
	return cred, nil
}

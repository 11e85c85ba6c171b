package ledger

import (
	"near-swap-worker/pkg/failure"
	"near-swap-worker/pkg/near"
	"near-swap-worker/pkg/tokenid"
	"near-swap-worker/pkg/types"
)

// Registry is the token whitelist. Token ids are stored bare; lookups accept
// either form.
type Registry struct {
	storage *Storage
}

// NewRegistry creates a registry on top of storage
func NewRegistry(storage *Storage) *Registry {
	return &Registry{storage: storage}
}

// Whitelist adds or replaces a token. A missing defuse asset id defaults to
// the canonical token id, a missing minimum to zero.
func (r *Registry) Whitelist(cfg types.TokenConfig) (*types.TokenConfig, error) {
	cfg.TokenID = tokenid.ToBare(cfg.TokenID)
	if cfg.TokenID == "" {
		return nil, failure.Newf(failure.InvalidRequest, "token id is required")
	}
	if cfg.DefuseAssetID == "" {
		cfg.DefuseAssetID = tokenid.ToCanonical(cfg.TokenID)
	}
	if cfg.MinSwapAmount == "" {
		cfg.MinSwapAmount = "0"
	}
	if _, err := near.ParseAmount(cfg.MinSwapAmount); err != nil {
		return nil, failure.New(failure.InvalidRequest, "invalid min_swap_amount", err)
	}

	if err := r.storage.PutToken(&cfg); err != nil {
		return nil, failure.New(failure.Internal, "could not save token", err)
	}
	return &cfg, nil
}

// Remove drops a token, reporting whether it was whitelisted
func (r *Registry) Remove(token string) (bool, error) {
	removed, err := r.storage.DeleteToken(tokenid.ToBare(token))
	if err != nil {
		return removed, failure.New(failure.Internal, "could not save registry", err)
	}
	return removed, nil
}

// IsWhitelisted reports whether token may be swapped
func (r *Registry) IsWhitelisted(token string) bool {
	_, ok := r.storage.GetToken(tokenid.ToBare(token))
	return ok
}

// Get returns the config of a whitelisted token
func (r *Registry) Get(token string) (*types.TokenConfig, bool) {
	return r.storage.GetToken(tokenid.ToBare(token))
}

// List returns every whitelisted token
func (r *Registry) List() []*types.TokenConfig {
	return r.storage.ListTokens()
}

package identity

import (
	"context"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// Keys is the local user's signing identity. PrivateKey is empty when only a
// public identity is available (extension-signed sessions); outbound
// encryption and signing must fail fast in that case.
type Keys struct {
	PublicKey  string
	PrivateKey string
}

// Profile is display metadata resolved for a public key.
type Profile struct {
	Name   string
	Avatar string
}

// KeyProvider resolves the local signing key pair from the auth collaborator.
type KeyProvider interface {
	UserKeys(ctx context.Context) (Keys, error)
}

// Roster resolves display metadata for senders.
type Roster interface {
	FindByPublicKey(ctx context.Context, key string) (Profile, bool)
}

// ScopeProvider exposes the optional tenant scope tag value. An empty string
// disables tenant filtering.
type ScopeProvider interface {
	ScopeTag(ctx context.Context) string
}

// Resolver looks up the local identity and peer display metadata. It holds
// no state of its own beyond the collaborator handles.
type Resolver struct {
	keys   KeyProvider
	roster Roster
	scope  ScopeProvider
}

func NewResolver(keys KeyProvider, roster Roster, scope ScopeProvider) *Resolver {
	return &Resolver{keys: keys, roster: roster, scope: scope}
}

func (r *Resolver) Keys(ctx context.Context) (Keys, error) {
	return r.keys.UserKeys(ctx)
}

// Scope returns the active tenant tag, or "" when scoping is off.
func (r *Resolver) Scope(ctx context.Context) string {
	if r.scope == nil {
		return ""
	}
	return r.scope.ScopeTag(ctx)
}

// Profile resolves display metadata, degrading to a deterministic
// placeholder name derived from the key. Never returns an empty name.
func (r *Resolver) Profile(ctx context.Context, key string) Profile {
	if r.roster != nil {
		if p, ok := r.roster.FindByPublicKey(ctx, key); ok && p.Name != "" {
			return p
		}
	}
	return Profile{Name: PlaceholderName(key)}
}

// PlaceholderName derives a stable short handle from a public key.
func PlaceholderName(key string) string {
	if npub, err := nip19.EncodePublicKey(key); err == nil && len(npub) > 12 {
		return npub[:12]
	}
	if len(key) > 8 {
		return key[:8]
	}
	return key
}

// StaticKeys is a KeyProvider backed by fixed key material.
type StaticKeys struct {
	Keys Keys
}

func (s StaticKeys) UserKeys(ctx context.Context) (Keys, error) {
	return s.Keys, nil
}

// StaticScope is a ScopeProvider returning a fixed tag value.
type StaticScope string

func (s StaticScope) ScopeTag(ctx context.Context) string {
	return string(s)
}

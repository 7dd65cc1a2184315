// Package auth resolves bearer credentials into caller identities.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"vmplane/internal/store"
)

// ErrUnauthenticated is returned for missing, unknown or malformed credentials.
var ErrUnauthenticated = errors.New("unauthenticated")

// Verifier turns a bearer credential into an Identity.
type Verifier interface {
	Verify(ctx context.Context, bearer string) (Identity, error)
}

// StaticVerifier accepts a fixed set of tokens from configuration.
type StaticVerifier struct {
	tokens map[string]Identity
}

// NewStaticVerifier parses entries of the form "token:tenant:user[:role1|role2]".
func NewStaticVerifier(entries []string) (*StaticVerifier, error) {
	v := &StaticVerifier{tokens: make(map[string]Identity)}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 3 || len(parts) > 4 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("invalid static token entry %q", redact(entry))
		}
		id := Identity{UID: parts[2], TenantID: parts[1]}
		if len(parts) == 4 && parts[3] != "" {
			id.Roles = strings.Split(parts[3], "|")
		}
		v.tokens[parts[0]] = id
	}
	return v, nil
}

// Verify looks the token up in constant time per candidate.
func (v *StaticVerifier) Verify(_ context.Context, bearer string) (Identity, error) {
	for tok, id := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(bearer)) == 1 {
			return id, nil
		}
	}
	return Identity{}, ErrUnauthenticated
}

// KeyVerifier resolves API keys stored hashed in the tenant store.
type KeyVerifier struct {
	keys store.TenantStore
}

// NewKeyVerifier creates a KeyVerifier.
func NewKeyVerifier(keys store.TenantStore) *KeyVerifier {
	return &KeyVerifier{keys: keys}
}

// Verify hashes bearer and looks it up.
func (v *KeyVerifier) Verify(ctx context.Context, bearer string) (Identity, error) {
	if !strings.HasPrefix(bearer, KeyPrefix) {
		return Identity{}, ErrUnauthenticated
	}
	key, err := v.keys.GetAPIKeyByHash(ctx, HashKey(bearer))
	if errors.Is(err, store.ErrNotFound) {
		return Identity{}, ErrUnauthenticated
	}
	if err != nil {
		return Identity{}, fmt.Errorf("api key lookup failed: %w", err)
	}
	return Identity{
		UID:      key.UserID,
		TenantID: key.TenantID.String(),
		Roles:    key.Roles,
	}, nil
}

// Chain tries each verifier in order and returns the first identity found.
type Chain []Verifier

// Verify implements Verifier. Non-authentication errors stop the chain.
func (c Chain) Verify(ctx context.Context, bearer string) (Identity, error) {
	if strings.TrimSpace(bearer) == "" {
		return Identity{}, ErrUnauthenticated
	}
	for _, v := range c {
		id, err := v.Verify(ctx, bearer)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrUnauthenticated) {
			return Identity{}, err
		}
	}
	return Identity{}, ErrUnauthenticated
}

func redact(entry string) string {
	if i := strings.Index(entry, ":"); i > 0 {
		return "***" + entry[i:]
	}
	return "***"
}

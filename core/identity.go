/*
identity.go - Identity resolution service

PURPOSE:
  Supplies the stable user identifier the store and ledger scope their
  records by. Identity is an external concern (a hosted auth provider);
  the engine only needs a string.

  The resolver is an explicit service instantiated once per session and
  passed by reference, not a module-level cached variable with ad hoc
  invalidation.

ANON:
  "anon" is a valid sentinel identity for unauthenticated use. Nothing
  downstream special-cases it; an anon user gets the same ledger and
  store behavior as any other.

SEE ALSO:
  - actions.go: Uses a resolver when the caller supplies no user
*/
package core

import (
	"context"
	"sync"
)

// AnonUserID is the sentinel identity for unauthenticated use.
const AnonUserID = "anon"

// IdentityResolver supplies the current user identifier.
type IdentityResolver interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// =============================================================================
// STATIC RESOLVER
// =============================================================================

// StaticIdentity always resolves to a fixed identifier. An empty value
// resolves to AnonUserID.
type StaticIdentity string

func (s StaticIdentity) CurrentUserID(context.Context) (string, error) {
	if s == "" {
		return AnonUserID, nil
	}
	return string(s), nil
}

// =============================================================================
// CACHED RESOLVER
// =============================================================================

// CachedIdentity resolves once via an upstream provider and caches the
// result for the session. Concurrent callers share a single upstream
// resolution. A failing upstream resolves to AnonUserID without caching
// it: an auth outage degrades to anonymous use for that call, and the
// next call consults the upstream again once it recovers.
type CachedIdentity struct {
	source IdentityResolver

	mu     sync.Mutex
	userID string
}

// NewCachedIdentity wraps an upstream resolver.
func NewCachedIdentity(source IdentityResolver) *CachedIdentity {
	return &CachedIdentity{source: source}
}

func (c *CachedIdentity) CurrentUserID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.userID != "" {
		return c.userID, nil
	}

	id, err := c.source.CurrentUserID(ctx)
	if err != nil {
		// Transient failure: answer anon but leave the cache empty.
		return AnonUserID, nil
	}
	if id == "" {
		id = AnonUserID
	}
	c.userID = id
	return id, nil
}

// Invalidate clears the cached identity, forcing the next call to hit
// the upstream resolver again (e.g. after sign-in/sign-out).
func (c *CachedIdentity) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = ""
}

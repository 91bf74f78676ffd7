package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fernandinhomartins40/urbansend/internal/store"
)

// Common errors
var (
	ErrUnknownTenant = errors.New("unknown tenant")
)

// RateLimits carries the plan-derived sending limits for a tenant.
type RateLimits struct {
	PerHour int
	PerDay  int
}

// Context is the resolved view of a tenant the delivery core works
// with: plan limits and the set of domains the tenant may send from.
type Context struct {
	TenantID        string
	PlanTier        string
	RateLimits      RateLimits
	VerifiedDomains map[string]bool // domain -> is_verified
}

// OwnsDomain reports whether the tenant owns the given domain at all,
// verified or not.
func (c *Context) OwnsDomain(domain string) bool {
	_, ok := c.VerifiedDomains[strings.ToLower(domain)]
	return ok
}

// DomainVerified reports whether the tenant owns the domain and it has
// passed verification.
func (c *Context) DomainVerified(domain string) bool {
	return c.VerifiedDomains[strings.ToLower(domain)]
}

// Provider resolves a tenant id to its context. Tenant records are
// owned by the external provisioning flow; the core only reads.
type Provider interface {
	GetContext(ctx context.Context, tenantID string) (*Context, error)
}

// StoreProvider reads tenant contexts from the durable store.
type StoreProvider struct {
	store store.Store
}

// NewStoreProvider creates a provider backed by the store.
func NewStoreProvider(s store.Store) *StoreProvider {
	return &StoreProvider{store: s}
}

// GetContext loads the tenant and its domains.
func (p *StoreProvider) GetContext(ctx context.Context, tenantID string) (*Context, error) {
	t, err := p.store.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
		}
		return nil, fmt.Errorf("failed to load tenant %s: %w", tenantID, err)
	}

	domains, err := p.store.ListDomains(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load domains for tenant %s: %w", tenantID, err)
	}

	verified := make(map[string]bool, len(domains))
	for _, d := range domains {
		verified[strings.ToLower(d.Name)] = d.Verified
	}

	return &Context{
		TenantID:        t.ID,
		PlanTier:        t.PlanTier,
		RateLimits:      RateLimits{PerHour: t.PerHour, PerDay: t.PerDay},
		VerifiedDomains: verified,
	}, nil
}

// CachingProvider decorates a Provider with a bounded-TTL cache. A
// stale read for a few seconds is acceptable; it can never authorize a
// domain outside the cached verified set, which is the invariant that
// matters.
type CachingProvider struct {
	inner Provider
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	ctx       *Context
	expiresAt time.Time
}

// NewCachingProvider wraps a provider with a TTL cache.
func NewCachingProvider(inner Provider, ttl time.Duration) *CachingProvider {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachingProvider{
		inner:   inner,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// GetContext returns the cached context when fresh, refreshing from the
// inner provider otherwise.
func (p *CachingProvider) GetContext(ctx context.Context, tenantID string) (*Context, error) {
	p.mu.RLock()
	entry, ok := p.entries[tenantID]
	p.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		return entry.ctx, nil
	}

	tc, err := p.inner.GetContext(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.entries[tenantID] = cacheEntry{ctx: tc, expiresAt: time.Now().Add(p.ttl)}
	p.mu.Unlock()

	return tc, nil
}

// Invalidate drops a tenant from the cache, forcing the next read
// through to the inner provider.
func (p *CachingProvider) Invalidate(tenantID string) {
	p.mu.Lock()
	delete(p.entries, tenantID)
	p.mu.Unlock()
}

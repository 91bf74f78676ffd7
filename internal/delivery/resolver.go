package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fernandinhomartins40/urbansend/internal/metrics"
)

// ErrNoMX means the recipient domain has no usable mail exchangers and
// no fallback A record. Deliveries failing this way are permanent.
var ErrNoMX = errors.New("no mail exchanger for domain")

// ResolverConfig controls MX resolution and caching.
type ResolverConfig struct {
	CacheTTL    time.Duration
	NegativeTTL time.Duration
	CacheSize   int
	DNSTimeout  time.Duration
	DNSRetries  int
}

// lookupMXFunc matches net.DefaultResolver.LookupMX; tests swap it out.
type lookupMXFunc func(ctx context.Context, domain string) ([]*net.MX, error)

type lookupHostFunc func(ctx context.Context, host string) ([]string, error)

type mxEntry struct {
	hosts     []string
	err       error
	expiresAt time.Time
	lastHit   time.Time
}

// Resolver resolves recipient domains to an ordered list of MX hosts.
// Results are cached with a TTL; failed lookups for nonexistent domains
// are negatively cached so a flood of mail to a typoed domain does not
// hammer DNS.
type Resolver struct {
	config  ResolverConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	lookupMX   lookupMXFunc
	lookupHost lookupHostFunc

	mu     sync.RWMutex
	cache  map[string]*mxEntry
	hits   int64
	misses int64
}

// NewResolver creates an MX resolver with the given cache settings.
func NewResolver(config ResolverConfig) *Resolver {
	if config.CacheTTL == 0 {
		config.CacheTTL = 5 * time.Minute
	}
	if config.NegativeTTL == 0 {
		config.NegativeTTL = config.CacheTTL
	}
	if config.CacheSize == 0 {
		config.CacheSize = 1000
	}
	if config.DNSTimeout == 0 {
		config.DNSTimeout = 10 * time.Second
	}
	if config.DNSRetries == 0 {
		config.DNSRetries = 3
	}
	return &Resolver{
		config:     config,
		logger:     slog.Default().With("component", "mx-resolver"),
		metrics:    metrics.Get(),
		lookupMX:   net.DefaultResolver.LookupMX,
		lookupHost: net.DefaultResolver.LookupHost,
		cache:      make(map[string]*mxEntry),
	}
}

// ResolveMX returns the MX hosts for a domain ordered by preference,
// lowest first. Hosts sharing a preference keep their DNS answer order.
// A domain with no MX records but a valid A record gets the implicit
// MX of RFC 5321 (the domain itself).
func (r *Resolver) ResolveMX(ctx context.Context, domain string) ([]string, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	if hosts, err, ok := r.fromCache(domain); ok {
		r.logger.Debug("MX cache hit", "domain", domain)
		return hosts, err
	}

	start := time.Now()
	hosts, err := r.resolve(ctx, domain)
	latency := time.Since(start)

	if err != nil && !errors.Is(err, ErrNoMX) {
		// Transient resolver trouble is not cached; the caller treats it
		// as a soft failure and retries on schedule.
		r.logger.Debug("MX lookup failed", "domain", domain, "error", err, "latency", latency)
		return nil, err
	}

	r.put(domain, hosts, err)
	r.logger.Debug("MX lookup completed",
		"domain", domain,
		"hosts", len(hosts),
		"latency", latency)
	return hosts, err
}

func (r *Resolver) resolve(ctx context.Context, domain string) ([]string, error) {
	records, err := r.lookupWithRetry(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			// NXDOMAIN: check for an implicit MX before giving up.
			if r.hasAddress(ctx, domain) {
				return []string{domain}, nil
			}
			return nil, fmt.Errorf("%w: %s", ErrNoMX, domain)
		}
		return nil, err
	}

	if len(records) == 0 {
		if r.hasAddress(ctx, domain) {
			return []string{domain}, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNoMX, domain)
	}

	// A single "." MX means the domain explicitly refuses mail (null MX,
	// RFC 7505).
	if len(records) == 1 && (records[0].Host == "." || records[0].Host == "") {
		return nil, fmt.Errorf("%w: %s (null MX)", ErrNoMX, domain)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	hosts := make([]string, 0, len(records))
	for _, mx := range records {
		host := strings.TrimSuffix(mx.Host, ".")
		if host != "" && host != "." {
			hosts = append(hosts, host)
		}
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMX, domain)
	}
	return hosts, nil
}

func (r *Resolver) lookupWithRetry(ctx context.Context, domain string) ([]*net.MX, error) {
	var records []*net.MX
	var err error

	for attempt := 0; attempt < r.config.DNSRetries; attempt++ {
		lookupCtx, cancel := context.WithTimeout(ctx, r.config.DNSTimeout)
		records, err = r.lookupMX(lookupCtx, domain)
		cancel()

		if err == nil {
			return records, nil
		}

		// Not-found answers are authoritative; retrying cannot change them.
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, err
		}

		r.logger.Debug("MX lookup attempt failed",
			"domain", domain,
			"attempt", attempt+1,
			"error", err)

		if attempt < r.config.DNSRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt+1) * time.Second):
			}
		}
	}
	return nil, err
}

func (r *Resolver) hasAddress(ctx context.Context, domain string) bool {
	lookupCtx, cancel := context.WithTimeout(ctx, r.config.DNSTimeout)
	defer cancel()
	addrs, err := r.lookupHost(lookupCtx, domain)
	return err == nil && len(addrs) > 0
}

func (r *Resolver) fromCache(domain string) ([]string, error, bool) {
	r.mu.RLock()
	entry, ok := r.cache[domain]
	r.mu.RUnlock()
	if !ok {
		r.bumpMiss()
		return nil, nil, false
	}

	if time.Now().After(entry.expiresAt) {
		r.mu.Lock()
		delete(r.cache, domain)
		r.mu.Unlock()
		r.bumpMiss()
		return nil, nil, false
	}

	r.mu.Lock()
	entry.lastHit = time.Now()
	r.hits++
	r.mu.Unlock()
	r.metrics.MXCacheHits.Inc()
	return entry.hosts, entry.err, true
}

func (r *Resolver) put(domain string, hosts []string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.cache) >= r.config.CacheSize {
		r.evictLRU()
	}

	ttl := r.config.CacheTTL
	if err != nil {
		ttl = r.config.NegativeTTL
	}
	now := time.Now()
	r.cache[domain] = &mxEntry{
		hosts:     hosts,
		err:       err,
		expiresAt: now.Add(ttl),
		lastHit:   now,
	}
}

func (r *Resolver) evictLRU() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range r.cache {
		if oldestKey == "" || entry.lastHit.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.lastHit
		}
	}
	if oldestKey != "" {
		delete(r.cache, oldestKey)
	}
}

func (r *Resolver) bumpMiss() {
	r.mu.Lock()
	r.misses++
	r.mu.Unlock()
	r.metrics.MXCacheMisses.Inc()
}

// Stats reports cache effectiveness for the ops API.
func (r *Resolver) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]interface{}{
		"cache_size":   len(r.cache),
		"cache_hits":   r.hits,
		"cache_misses": r.misses,
		"max_size":     r.config.CacheSize,
	}
}

// Clear drops all cached entries.
func (r *Resolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*mxEntry)
}

// Package suppression maintains the do-not-send lists. Entries come
// from hard bounces, policy blocks, spam complaints, and manual ops
// actions; every submission and every delivery attempt consults the
// list first.
package suppression

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/fernandinhomartins40/urbansend/internal/cache"
	"github.com/fernandinhomartins40/urbansend/internal/store"
)

// Entry types.
const (
	TypeBounce    = "bounce"
	TypeComplaint = "complaint"
	TypeManual    = "manual"
)

const hotCacheTTL = 5 * time.Minute

// Service answers suppression queries and records new entries. A hot
// cache in front of the store keeps the per-message lookup cheap; the
// store stays authoritative.
type Service struct {
	store  store.Store
	cache  cache.Cache
	logger *slog.Logger
}

// NewService creates a suppression service. The cache may be nil, in
// which case every lookup hits the store.
func NewService(s store.Store, c cache.Cache) *Service {
	return &Service{
		store:  s,
		cache:  c,
		logger: slog.Default().With("component", "suppression"),
	}
}

// NormalizeAddress canonicalizes an address for list matching:
// Unicode NFC, lowercased, surrounding whitespace stripped. Plus-tag
// subaddresses are kept; a complaint from user+tag@ should not silence
// user@.
func NormalizeAddress(addr string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(addr)))
}

// IsSuppressed reports whether an address is suppressed for a tenant,
// checking the tenant list and the global list. The matching entry is
// returned for logging.
func (s *Service) IsSuppressed(ctx context.Context, tenantID, address string) (*store.SuppressionEntry, bool, error) {
	address = NormalizeAddress(address)

	if hit, entry := s.cachedLookup(ctx, tenantID, address); hit {
		return entry, entry != nil, nil
	}

	entry, err := s.store.GetSuppression(ctx, tenantID, address)
	if err == nil {
		s.cachePut(ctx, tenantID, address, entry)
		return entry, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	entry, err = s.store.GetSuppression(ctx, "", address)
	if err == nil {
		s.cachePut(ctx, tenantID, address, entry)
		return entry, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	s.cachePut(ctx, tenantID, address, nil)
	return nil, false, nil
}

// Record adds or refreshes a suppression entry. Re-suppressing an
// already-suppressed address updates the type and reason in place.
func (s *Service) Record(ctx context.Context, tenantID, address, entryType, reason string) error {
	address = NormalizeAddress(address)
	if address == "" {
		return errors.New("empty address")
	}

	err := s.store.UpsertSuppression(ctx, &store.SuppressionEntry{
		TenantID:  tenantID,
		Address:   address,
		Type:      entryType,
		Reason:    reason,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("recording suppression: %w", err)
	}

	s.cacheInvalidate(ctx, tenantID, address)
	s.logger.Info("Address suppressed",
		"tenant_id", tenantID,
		"type", entryType,
		"reason", reason)
	return nil
}

// Remove deletes a tenant's suppression entry, re-enabling sends to
// the address. Global entries are only removable with an empty tenant
// id.
func (s *Service) Remove(ctx context.Context, tenantID, address string) error {
	address = NormalizeAddress(address)
	if err := s.store.DeleteSuppression(ctx, tenantID, address); err != nil {
		return err
	}
	s.cacheInvalidate(ctx, tenantID, address)
	s.logger.Info("Suppression removed", "tenant_id", tenantID)
	return nil
}

// List returns a page of entries for a tenant.
func (s *Service) List(ctx context.Context, tenantID string, limit, offset int) ([]*store.SuppressionEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListSuppressions(ctx, tenantID, limit, offset)
}

// Cache values: "-" marks a confirmed non-suppressed address so the
// store is not re-queried for every message of a burst; anything else
// encodes type and scope of the matching entry.

func (s *Service) cacheKey(tenantID, address string) string {
	return fmt.Sprintf("supp:%s:%s", tenantID, address)
}

func (s *Service) cachedLookup(ctx context.Context, tenantID, address string) (bool, *store.SuppressionEntry) {
	if s.cache == nil {
		return false, nil
	}
	val, err := s.cache.Get(ctx, s.cacheKey(tenantID, address))
	if err != nil {
		return false, nil
	}
	if val == "-" {
		return true, nil
	}
	entryType, scope, _ := strings.Cut(val, "|")
	entry := &store.SuppressionEntry{Address: address, Type: entryType}
	if scope == "tenant" {
		entry.TenantID = tenantID
	}
	return true, entry
}

func (s *Service) cachePut(ctx context.Context, tenantID, address string, entry *store.SuppressionEntry) {
	if s.cache == nil {
		return
	}
	val := "-"
	if entry != nil {
		scope := "global"
		if entry.TenantID != "" {
			scope = "tenant"
		}
		val = entry.Type + "|" + scope
	}
	if err := s.cache.Set(ctx, s.cacheKey(tenantID, address), val, hotCacheTTL); err != nil {
		s.logger.Debug("Suppression cache write failed", "error", err)
	}
}

func (s *Service) cacheInvalidate(ctx context.Context, tenantID, address string) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Delete(ctx, s.cacheKey(tenantID, address))
	if tenantID == "" {
		// A global entry change affects every tenant's cached answer;
		// those entries age out on their short TTL.
		return
	}
}

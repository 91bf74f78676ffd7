package suppression

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernandinhomartins40/urbansend/internal/cache"
	"github.com/fernandinhomartins40/urbansend/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s := store.NewSQL("sqlite3", ":memory:")
	require.NoError(t, s.Connect())
	t.Cleanup(func() { s.Close() })

	c, err := cache.New(cache.Config{Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Close() })

	return NewService(s, c)
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "alice@example.com", NormalizeAddress("  Alice@Example.COM "))
	assert.Equal(t, "user+tag@example.com", NormalizeAddress("User+Tag@example.com"))
	// NFC: decomposed e + combining acute collapses to the composed form.
	assert.Equal(t, "josé@example.com", NormalizeAddress("José@example.com"))
}

func TestRecordAndLookup(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, "t1", "Bob@Example.com", TypeBounce, "550 user unknown"))

	entry, suppressed, err := svc.IsSuppressed(ctx, "t1", "bob@example.com")
	require.NoError(t, err)
	assert.True(t, suppressed)
	assert.Equal(t, TypeBounce, entry.Type)

	// Case-insensitive match through normalization.
	_, suppressed, err = svc.IsSuppressed(ctx, "t1", "BOB@EXAMPLE.COM")
	require.NoError(t, err)
	assert.True(t, suppressed)
}

func TestTenantIsolation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, "t1", "bob@example.com", TypeBounce, "hard bounce"))

	_, suppressed, err := svc.IsSuppressed(ctx, "t2", "bob@example.com")
	require.NoError(t, err)
	assert.False(t, suppressed, "tenant suppression must not leak across tenants")
}

func TestGlobalSuppressionAppliesToAllTenants(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, "", "spamtrap@example.com", TypeManual, "known trap"))

	for _, tenant := range []string{"t1", "t2"} {
		entry, suppressed, err := svc.IsSuppressed(ctx, tenant, "spamtrap@example.com")
		require.NoError(t, err)
		assert.True(t, suppressed, "tenant=%s", tenant)
		assert.Empty(t, entry.TenantID)
	}
}

func TestResuppressUpdatesInPlace(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, "t1", "bob@example.com", TypeBounce, "550"))
	require.NoError(t, svc.Record(ctx, "t1", "bob@example.com", TypeComplaint, "fbl report"))

	entry, suppressed, err := svc.IsSuppressed(ctx, "t1", "bob@example.com")
	require.NoError(t, err)
	assert.True(t, suppressed)
	assert.Equal(t, TypeComplaint, entry.Type)

	entries, err := svc.List(ctx, "t1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRemoveReenablesAddress(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, "t1", "bob@example.com", TypeManual, "ops request"))
	_, suppressed, err := svc.IsSuppressed(ctx, "t1", "bob@example.com")
	require.NoError(t, err)
	require.True(t, suppressed)

	require.NoError(t, svc.Remove(ctx, "t1", "bob@example.com"))
	_, suppressed, err = svc.IsSuppressed(ctx, "t1", "bob@example.com")
	require.NoError(t, err)
	assert.False(t, suppressed)
}

func TestNegativeLookupCached(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, suppressed, err := svc.IsSuppressed(ctx, "t1", "clean@example.com")
	require.NoError(t, err)
	assert.False(t, suppressed)

	// Second lookup answers from cache; still not suppressed.
	_, suppressed, err = svc.IsSuppressed(ctx, "t1", "clean@example.com")
	require.NoError(t, err)
	assert.False(t, suppressed)
}

func TestRecordEmptyAddressRejected(t *testing.T) {
	svc := newTestService(t)
	assert.Error(t, svc.Record(context.Background(), "t1", "   ", TypeManual, "x"))
}

func TestWorksWithoutCache(t *testing.T) {
	s := store.NewSQL("sqlite3", ":memory:")
	require.NoError(t, s.Connect())
	t.Cleanup(func() { s.Close() })
	svc := NewService(s, nil)
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, "t1", "bob@example.com", TypeBounce, "550"))
	_, suppressed, err := svc.IsSuppressed(ctx, "t1", "bob@example.com")
	require.NoError(t, err)
	assert.True(t, suppressed)
}

package plans

import (
	"context"
	"testing"

	"github.com/histori-net/entitlement/internal/testutil"
)

func TestDefaultsCoverBothTracks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for _, name := range []string{"Free", "Starter", "Growth", "Business",
		"Free Archival MultiNode", "Business Archival MultiNode"} {
		if _, err := store.Lookup(ctx, name); err != nil {
			t.Errorf("Lookup(%q): %v", name, err)
		}
	}
}

func TestLookupUnknownTier(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Lookup(context.Background(), "Platinum"); err != ErrPlanNotFound {
		t.Errorf("expected ErrPlanNotFound, got %v", err)
	}
}

func TestStarterQuota(t *testing.T) {
	p, err := NewMemoryStore().Lookup(context.Background(), "Starter")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if p.RequestsPerMonth != 50000 {
		t.Errorf("Starter requests/month = %d", p.RequestsPerMonth)
	}
	if p.PriceMonthlyUSD != 50 {
		t.Errorf("Starter monthly price = %v", p.PriceMonthlyUSD)
	}
}

func TestPostgresSeededCatalogue(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != len(Defaults()) {
		t.Errorf("seeded %d plans, want %d", len(all), len(Defaults()))
	}

	p, err := store.Lookup(ctx, "Growth Archival MultiNode")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if p.RequestsPerMonth != 300000 {
		t.Errorf("requests/month = %d", p.RequestsPerMonth)
	}
}

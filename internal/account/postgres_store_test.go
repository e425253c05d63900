package account

import (
	"context"
	"testing"
	"time"

	"github.com/histori-net/entitlement/internal/testutil"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	a := New("0xDeAdBeEf", "pg@example.com", "refcode1")
	a.StripeCustomerID = "cus_pg1"
	a.APIKeyRef = "key_abc"
	a.API.RequestLimit = 5000
	a.RPC.RequestLimit = 5000

	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetByWallet(ctx, "0xdeadbeef")
	if err != nil {
		t.Fatalf("get by wallet: %v", err)
	}
	if got.API.Tier != TierFree || got.RPC.Tier != "Free Archival MultiNode" {
		t.Errorf("tiers = %q / %q", got.API.Tier, got.RPC.Tier)
	}
	if got.ReferrerCode != "refcode1" {
		t.Errorf("referrer = %q", got.ReferrerCode)
	}

	// Tier change with a plan end date survives the round trip.
	end := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	got.API.Tier = TierStarter
	got.API.RequestLimit = 50000
	got.API.PlanEndDate = &end
	got.SubscriptionRef = "sub_1"
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	reread, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reread.API.Tier != TierStarter || reread.API.RequestLimit != 50000 {
		t.Errorf("update lost: tier=%q limit=%d", reread.API.Tier, reread.API.RequestLimit)
	}
	if reread.API.PlanEndDate == nil || !reread.API.PlanEndDate.UTC().Truncate(time.Second).Equal(end) {
		t.Errorf("plan end date = %v, want %v", reread.API.PlanEndDate, end)
	}
	if reread.SubscriptionRef != "sub_1" {
		t.Errorf("subscription ref = %q", reread.SubscriptionRef)
	}
}

func TestPostgresStoreConstraints(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	a := New("0xAAA1", "", "")
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	dup := New("0xaaa1", "", "")
	if err := store.Create(ctx, dup); err != ErrWalletTaken {
		t.Errorf("expected ErrWalletTaken, got %v", err)
	}

	if err := store.Update(ctx, New("0xBBB2", "", "")); err != ErrNotFound {
		t.Errorf("update of missing account: %v", err)
	}
}

func TestPostgresMarkEventProcessed(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	first, err := store.MarkEventProcessed(ctx, "billing", "evt_pg_1")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !first {
		t.Error("first insert reported as replay")
	}

	replay, err := store.MarkEventProcessed(ctx, "billing", "evt_pg_1")
	if err != nil {
		t.Fatalf("mark replay: %v", err)
	}
	if replay {
		t.Error("replay reported as first insert")
	}
}

package account

import (
	"context"
	"testing"
	"time"
)

func TestTierVariants(t *testing.T) {
	if got := TierGrowth.RPCVariant(); got != "Growth Archival MultiNode" {
		t.Errorf("RPCVariant = %q", got)
	}
	if got := TierNone.RPCVariant(); got != TierNone {
		t.Errorf("None must stay None on the RPC track, got %q", got)
	}
	if got := Tier("Starter Archival MultiNode").Base(); got != TierStarter {
		t.Errorf("Base = %q", got)
	}
	if got := TierBusiness.Base(); got != TierBusiness {
		t.Errorf("Base of an API tier should be unchanged, got %q", got)
	}
}

func TestTierValid(t *testing.T) {
	valid := []Tier{TierNone, TierFree, TierStarter, "Growth Archival MultiNode"}
	for _, tier := range valid {
		if !tier.Valid() {
			t.Errorf("%q should be valid", tier)
		}
	}
	if Tier("Platinum").Valid() {
		t.Error("unknown tier accepted")
	}
}

func TestNewAccountDefaults(t *testing.T) {
	a := New("0xAbC", "user@example.com", "ref123")

	if a.API.Tier != TierFree {
		t.Errorf("api tier = %q", a.API.Tier)
	}
	if a.RPC.Tier != "Free Archival MultiNode" {
		t.Errorf("rpc tier = %q", a.RPC.Tier)
	}
	if len(a.ReferralCode) != 8 {
		t.Errorf("referral code %q should be 8 chars", a.ReferralCode)
	}
	if a.ReferrerCode != "ref123" {
		t.Errorf("referrer code = %q", a.ReferrerCode)
	}
}

func TestMemoryStoreLookups(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a := New("0xABCDEF", "u@example.com", "")
	a.StripeCustomerID = "cus_123"
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Wallet lookup is case-insensitive.
	got, err := store.GetByWallet(ctx, "0xabcdef")
	if err != nil {
		t.Fatalf("get by wallet: %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("wallet lookup returned %q, want %q", got.ID, a.ID)
	}

	if _, err := store.GetByStripeCustomer(ctx, "cus_123"); err != nil {
		t.Errorf("get by customer: %v", err)
	}
	if _, err := store.GetByReferralCode(ctx, a.ReferralCode); err != nil {
		t.Errorf("get by referral code: %v", err)
	}
	if _, err := store.GetByWallet(ctx, "0x999"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreDuplicateWallet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Create(ctx, New("0xSAME", "", "")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, New("0xsame", "", "")); err != ErrWalletTaken {
		t.Errorf("expected ErrWalletTaken, got %v", err)
	}
}

func TestUpdatePreservesReferralIdentity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a := New("0x1", "", "original-referrer")
	originalCode := a.ReferralCode
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	a.ReferralCode = "hijacked"
	a.ReferrerCode = "other-referrer"
	a.API.Tier = TierStarter
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ReferralCode != originalCode {
		t.Errorf("referral code mutated: %q", got.ReferralCode)
	}
	if got.ReferrerCode != "original-referrer" {
		t.Errorf("referrer code overwritten: %q", got.ReferrerCode)
	}
	if got.API.Tier != TierStarter {
		t.Errorf("tier update lost: %q", got.API.Tier)
	}
}

func TestMarkEventProcessedOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first, err := store.MarkEventProcessed(ctx, "billing", "evt_1")
	if err != nil || !first {
		t.Fatalf("first mark: first=%v err=%v", first, err)
	}
	again, err := store.MarkEventProcessed(ctx, "billing", "evt_1")
	if err != nil || again {
		t.Fatalf("replay mark: first=%v err=%v", again, err)
	}
	// Same ID under a different source is a distinct record.
	other, err := store.MarkEventProcessed(ctx, "deposit", "evt_1")
	if err != nil || !other {
		t.Fatalf("cross-source mark: first=%v err=%v", other, err)
	}
}

func TestListPagination(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 0; i < 5; i++ {
		if err := store.Create(ctx, New("", "", "")); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	page1, err := store.List(ctx, 0, 2)
	if err != nil || len(page1) != 2 {
		t.Fatalf("page1: n=%d err=%v", len(page1), err)
	}
	page3, err := store.List(ctx, 4, 2)
	if err != nil || len(page3) != 1 {
		t.Fatalf("page3: n=%d err=%v", len(page3), err)
	}
	empty, err := store.List(ctx, 10, 2)
	if err != nil || len(empty) != 0 {
		t.Fatalf("past end: n=%d err=%v", len(empty), err)
	}
}

func TestAgeDays(t *testing.T) {
	a := New("", "", "")
	a.CreatedAt = time.Now().AddDate(0, 0, -21)
	if got := a.AgeDays(time.Now()); got != 21 {
		t.Errorf("AgeDays = %d, want 21", got)
	}
}

package quota

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/histori-net/entitlement/internal/account"
	"github.com/histori-net/entitlement/internal/faults"
	"github.com/histori-net/entitlement/internal/plans"
)

func newTestService() (*Service, *FakeClient) {
	client := NewFakeClient()
	return NewService(client, plans.NewMemoryStore(), slog.Default()), client
}

func TestAssociateMovesPreviousPlan(t *testing.T) {
	ctx := context.Background()
	svc, client := newTestService()

	if err := svc.Associate(ctx, "key_1", account.TierFree, account.TierStarter); err != nil {
		t.Fatalf("associate: %v", err)
	}

	calls := client.Calls()
	want := []string{"remove key_1 up_free", "add key_1 up_starter"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
	if !client.Associated("key_1", "up_starter") {
		t.Error("key not on the new plan")
	}
}

func TestAssociateSameTierSkipsRemoval(t *testing.T) {
	ctx := context.Background()
	svc, client := newTestService()

	if err := svc.Associate(ctx, "key_1", account.TierFree, account.TierFree); err != nil {
		t.Fatalf("associate: %v", err)
	}
	calls := client.Calls()
	if len(calls) != 1 || calls[0] != "add key_1 up_free" {
		t.Errorf("calls = %v, want just the add", calls)
	}
}

func TestAssociateFromNoneSkipsRemoval(t *testing.T) {
	ctx := context.Background()
	svc, client := newTestService()

	if err := svc.Associate(ctx, "key_1", account.TierNone, account.TierGrowth); err != nil {
		t.Fatalf("associate: %v", err)
	}
	for _, c := range client.Calls() {
		if strings.HasPrefix(c, "remove") {
			t.Errorf("unexpected removal call %q for None previous tier", c)
		}
	}
}

func TestAssociateIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, client := newTestService()

	if err := svc.Associate(ctx, "key_1", account.TierNone, account.TierStarter); err != nil {
		t.Fatalf("first associate: %v", err)
	}
	// Second identical call: the external service reports a conflict,
	// which must surface as success.
	if err := svc.Associate(ctx, "key_1", account.TierNone, account.TierStarter); err != nil {
		t.Fatalf("repeat associate: %v", err)
	}
	if !client.Associated("key_1", "up_starter") {
		t.Error("association lost")
	}
}

func TestDisassociateIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	if err := svc.Associate(ctx, "key_1", account.TierNone, account.TierStarter); err != nil {
		t.Fatalf("associate: %v", err)
	}
	if err := svc.Disassociate(ctx, "key_1", account.TierStarter); err != nil {
		t.Fatalf("disassociate: %v", err)
	}
	if err := svc.Disassociate(ctx, "key_1", account.TierStarter); err != nil {
		t.Fatalf("repeat disassociate: %v", err)
	}
}

func TestDisassociateNoneIsNoop(t *testing.T) {
	svc, client := newTestService()

	if err := svc.Disassociate(context.Background(), "key_1", account.TierNone); err != nil {
		t.Fatalf("disassociate None: %v", err)
	}
	if len(client.Calls()) != 0 {
		t.Errorf("calls = %v, want none", client.Calls())
	}
}

func TestUnknownTierIsConfiguration(t *testing.T) {
	svc, _ := newTestService()

	err := svc.Associate(context.Background(), "key_1", account.TierNone, account.Tier("Platinum"))
	if !faults.IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestTransportFailureIsTransient(t *testing.T) {
	svc, client := newTestService()

	client.FailNext(errors.New("connection reset"))
	err := svc.Associate(context.Background(), "key_1", account.TierNone, account.TierStarter)
	if !faults.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestTotalQuotaAndUsage(t *testing.T) {
	ctx := context.Background()
	svc, client := newTestService()

	client.SetQuota("up_growth", 300000)
	client.SetUsage("key_1", "up_growth", 1234)

	quota, err := svc.TotalQuotaFor(ctx, account.TierGrowth)
	if err != nil || quota != 300000 {
		t.Errorf("quota = %d err = %v", quota, err)
	}

	from := time.Now().AddDate(0, 0, -30)
	used, err := svc.UsageFor(ctx, "key_1", account.TierGrowth, from, time.Now())
	if err != nil || used != 1234 {
		t.Errorf("usage = %d err = %v", used, err)
	}
}

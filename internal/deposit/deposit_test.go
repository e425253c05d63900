package deposit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/histori-net/entitlement/internal/account"
	"github.com/histori-net/entitlement/internal/faults"
	"github.com/histori-net/entitlement/internal/plans"
	"github.com/histori-net/entitlement/internal/quota"
	"github.com/histori-net/entitlement/internal/syncutil"
)

type fakeQuoter struct {
	price decimal.Decimal
	err   error
}

func (f *fakeQuoter) TokenPriceUSD(ctx context.Context) (decimal.Decimal, error) {
	if f.err != nil {
		return decimal.Zero, faults.Transient(f.err)
	}
	return f.price, nil
}

type fakeWaiter struct {
	err   error
	calls int
	depth uint64
}

func (f *fakeWaiter) WaitForConfirmations(ctx context.Context, txHash string, confirmations uint64) error {
	f.calls++
	f.depth = confirmations
	return f.err
}

type testHarness struct {
	proc      *Processor
	accounts  *account.MemoryStore
	planStore *plans.MemoryStore
	svc       *quota.Service
	client    *quota.FakeClient
	quoter    *fakeQuoter
	logger    *slog.Logger
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	accounts := account.NewMemoryStore()
	planStore := plans.NewMemoryStore()
	client := quota.NewFakeClient()
	svc := quota.NewService(client, planStore, logger)
	quoter := &fakeQuoter{price: decimal.RequireFromString("0.05")}

	proc := NewProcessor(accounts, planStore, svc, svc, quoter, nil,
		syncutil.NewAccountMutex(), logger, Config{Confirmations: 50, Production: false})

	return &testHarness{
		proc:      proc,
		accounts:  accounts,
		planStore: planStore,
		svc:       svc,
		client:    client,
		quoter:    quoter,
		logger:    logger,
	}
}

// productionProc builds a processor that enforces the confirmation wait.
func (h *testHarness) productionProc(waiter ConfirmationWaiter) *Processor {
	return NewProcessor(h.accounts, h.planStore, h.svc, h.svc, h.quoter, waiter,
		syncutil.NewAccountMutex(), h.logger, Config{Confirmations: 50, Production: true})
}

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func TestDepositCreatesAccountAndAppliesTier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// 100 tokens at $0.05 = $5.00; Starter at $1.67/day ≈ 2.994 days.
	ev := Event{
		Wallet:   "0xAbC0000000000000000000000000000000000001",
		Amount:   tokens(100),
		TierCode: 0,
		Track:    account.TrackAPI,
		TxHash:   "0xdead01",
	}
	before := time.Now()
	if err := h.proc.Process(ctx, ev); err != nil {
		t.Fatalf("Process: %v", err)
	}

	acct, err := h.accounts.GetByWallet(ctx, ev.Wallet)
	if err != nil {
		t.Fatalf("account not created: %v", err)
	}
	if acct.API.Tier != account.TierStarter {
		t.Errorf("API tier = %q, want Starter", acct.API.Tier)
	}
	if acct.API.RequestLimit != 50000 {
		t.Errorf("API limit = %d, want 50000", acct.API.RequestLimit)
	}
	if acct.RPC.Tier != account.TierFree.RPCVariant() {
		t.Errorf("RPC tier = %q, want untouched free variant", acct.RPC.Tier)
	}
	if acct.APIKeyRef == "" {
		t.Error("no access key provisioned")
	}

	if acct.API.PlanEndDate == nil {
		t.Fatal("no plan end date set")
	}
	wantDays := 5.0 / 1.67
	wantDur := time.Duration(wantDays * 24 * float64(time.Hour))
	gotDur := acct.API.PlanEndDate.Sub(before)
	if diff := gotDur - wantDur; diff < -time.Minute || diff > time.Minute {
		t.Errorf("plan duration = %v, want ~%v", gotDur, wantDur)
	}

	if !h.client.Associated(acct.APIKeyRef, "up_starter") {
		t.Error("key not on starter plan")
	}
	if h.client.Associated(acct.APIKeyRef, "up_free") {
		t.Error("key still on free plan")
	}
}

func TestDepositRPCTrackUsesVariantPlan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ev := Event{
		Wallet:   "0xAbC0000000000000000000000000000000000002",
		Amount:   tokens(500),
		TierCode: 1,
		Track:    account.TrackRPC,
		TxHash:   "0xdead02",
	}
	if err := h.proc.Process(ctx, ev); err != nil {
		t.Fatalf("Process: %v", err)
	}

	acct, err := h.accounts.GetByWallet(ctx, ev.Wallet)
	if err != nil {
		t.Fatal(err)
	}
	if acct.RPC.Tier != "Growth Archival MultiNode" {
		t.Errorf("RPC tier = %q", acct.RPC.Tier)
	}
	if acct.RPC.RequestLimit != 300000 {
		t.Errorf("RPC limit = %d", acct.RPC.RequestLimit)
	}
	if acct.API.Tier != account.TierFree {
		t.Errorf("API tier = %q, want untouched Free", acct.API.Tier)
	}
	if !h.client.Associated(acct.APIKeyRef, "up_growth_mn") {
		t.Error("key not on growth multinode plan")
	}
}

func TestDuplicateDepositAppliedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ev := Event{
		Wallet:   "0xAbC0000000000000000000000000000000000003",
		Amount:   tokens(200),
		TierCode: 2,
		Track:    account.TrackAPI,
		TxHash:   "0xdead03",
	}
	if err := h.proc.Process(ctx, ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	acct, _ := h.accounts.GetByWallet(ctx, ev.Wallet)
	firstEnd := *acct.API.PlanEndDate

	time.Sleep(5 * time.Millisecond)
	err := h.proc.Process(ctx, ev)
	if !errors.Is(err, faults.ErrDuplicateEvent) {
		t.Fatalf("second delivery error = %v, want duplicate", err)
	}

	acct, _ = h.accounts.GetByWallet(ctx, ev.Wallet)
	if !acct.API.PlanEndDate.Equal(firstEnd) {
		t.Error("redelivery moved the plan end date")
	}
}

func TestDepositUnknownTierCodeRejected(t *testing.T) {
	h := newHarness(t)

	ev := Event{
		Wallet:   "0xAbC0000000000000000000000000000000000004",
		Amount:   tokens(10),
		TierCode: 9,
		Track:    account.TrackAPI,
		TxHash:   "0xdead04",
	}
	err := h.proc.Process(context.Background(), ev)
	if !faults.IsConfiguration(err) {
		t.Fatalf("error = %v, want configuration fault", err)
	}
}

func TestDepositPriceUnavailableLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	h.quoter.err = errors.New("pool unreachable")
	ctx := context.Background()

	ev := Event{
		Wallet:   "0xAbC0000000000000000000000000000000000005",
		Amount:   tokens(10),
		TierCode: 0,
		Track:    account.TrackAPI,
		TxHash:   "0xdead05",
	}
	err := h.proc.Process(ctx, ev)
	if !faults.IsTransient(err) {
		t.Fatalf("error = %v, want transient", err)
	}
	if _, err := h.accounts.GetByWallet(ctx, ev.Wallet); !errors.Is(err, account.ErrNotFound) {
		t.Error("account created despite pricing failure")
	}

	// Same hash must still be deliverable once the oracle recovers.
	h.quoter.err = nil
	if err := h.proc.Process(ctx, ev); err != nil {
		t.Fatalf("redelivery after recovery: %v", err)
	}
}

func TestDepositAssociationFailureDoesNotRollBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	acct := account.New("0xAbC0000000000000000000000000000000000006", "a@b.c", "")
	acct.APIKeyRef = "key_pre"
	if err := h.accounts.Create(ctx, acct); err != nil {
		t.Fatal(err)
	}

	h.client.FailNext(errors.New("quota service down"))
	ev := Event{
		Wallet:   acct.WalletAddress,
		Amount:   tokens(100),
		TierCode: 0,
		Track:    account.TrackAPI,
		TxHash:   "0xdead06",
	}
	if err := h.proc.Process(ctx, ev); err != nil {
		t.Fatalf("Process = %v, want nil despite association failure", err)
	}

	got, _ := h.accounts.GetByWallet(ctx, acct.WalletAddress)
	if got.API.Tier != account.TierStarter {
		t.Errorf("tier = %q, want Starter kept after association failure", got.API.Tier)
	}
}

func TestUnconfirmedDepositLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	acct := account.New("0xAbC0000000000000000000000000000000000007", "c@b.c", "")
	acct.APIKeyRef = "key_pre"
	if err := h.accounts.Create(ctx, acct); err != nil {
		t.Fatal(err)
	}

	waiter := &fakeWaiter{err: errors.New("only 3 of 50 confirmations")}
	proc := h.productionProc(waiter)

	ev := Event{
		Wallet:   acct.WalletAddress,
		Amount:   tokens(100),
		TierCode: 0,
		Track:    account.TrackAPI,
		TxHash:   "0xdead07",
	}
	err := proc.Process(ctx, ev)
	if !faults.IsTransient(err) {
		t.Fatalf("error = %v, want transient", err)
	}
	if waiter.calls != 1 || waiter.depth != 50 {
		t.Errorf("waiter called %d times at depth %d, want 1 at 50", waiter.calls, waiter.depth)
	}

	got, _ := h.accounts.GetByWallet(ctx, acct.WalletAddress)
	if got.API.Tier != account.TierFree {
		t.Errorf("tier = %q, want Free untouched", got.API.Tier)
	}
	if got.API.PlanEndDate != nil {
		t.Error("plan end date set before confirmation")
	}
	if len(h.client.Calls()) != 0 {
		t.Errorf("gateway called before confirmation: %v", h.client.Calls())
	}

	// Once the depth is reached, the same hash must still apply: no
	// deposit record may have been written while unconfirmed.
	waiter.err = nil
	if err := proc.Process(ctx, ev); err != nil {
		t.Fatalf("redelivery after confirmation: %v", err)
	}
	got, _ = h.accounts.GetByWallet(ctx, acct.WalletAddress)
	if got.API.Tier != account.TierStarter {
		t.Errorf("tier = %q, want Starter after confirmation", got.API.Tier)
	}
}

func TestRevertedDepositNeverApplied(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	proc := h.productionProc(&fakeWaiter{err: ErrTransactionReverted})
	ev := Event{
		Wallet:   "0xAbC0000000000000000000000000000000000008",
		Amount:   tokens(50),
		TierCode: 1,
		Track:    account.TrackAPI,
		TxHash:   "0xdead08",
	}
	err := proc.Process(ctx, ev)
	if !faults.IsTransient(err) {
		t.Fatalf("error = %v, want transient", err)
	}
	if _, err := h.accounts.GetByWallet(ctx, ev.Wallet); !errors.Is(err, account.ErrNotFound) {
		t.Error("account created for a reverted deposit")
	}
}

func TestDepositDurationComputedInDecimal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// 334 tokens at $0.05 = $16.70, exactly 10 days of Starter.
	ev := Event{
		Wallet:   "0xAbC0000000000000000000000000000000000009",
		Amount:   tokens(334),
		TierCode: 0,
		Track:    account.TrackAPI,
		TxHash:   "0xdead09",
	}
	before := time.Now()
	if err := h.proc.Process(ctx, ev); err != nil {
		t.Fatalf("Process: %v", err)
	}
	after := time.Now()

	acct, _ := h.accounts.GetByWallet(ctx, ev.Wallet)
	if acct.API.PlanEndDate == nil {
		t.Fatal("no plan end date set")
	}
	lo := before.Add(10 * 24 * time.Hour)
	hi := after.Add(10 * 24 * time.Hour)
	if acct.API.PlanEndDate.Before(lo) || acct.API.PlanEndDate.After(hi) {
		t.Errorf("plan end = %v, want exactly 10 days out (between %v and %v)",
			acct.API.PlanEndDate, lo, hi)
	}
}

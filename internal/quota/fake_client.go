package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/histori-net/entitlement/internal/idgen"
)

// FakeClient is an in-memory quota service for demo/development mode and
// tests. It records every mutating call so tests can assert on the exact
// sequence the engine issued.
type FakeClient struct {
	mu           sync.Mutex
	associations map[string]map[string]bool // keyRef → set of planIDs
	quotas       map[string]int64           // planID → monthly quota
	usage        map[string]int64           // keyRef + "\x00" + planID → used
	calls        []string
	failNext     error
}

// NewFakeClient creates an empty fake quota service.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		associations: make(map[string]map[string]bool),
		quotas:       make(map[string]int64),
		usage:        make(map[string]int64),
	}
}

// SetQuota sets a plan's published monthly quota.
func (f *FakeClient) SetQuota(planID string, quota int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotas[planID] = quota
}

// SetUsage sets recorded usage for a key under a plan.
func (f *FakeClient) SetUsage(keyRef, planID string, used int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage[keyRef+"\x00"+planID] = used
}

// FailNext makes the next mutating call return err once.
func (f *FakeClient) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}

// Calls returns the recorded call log.
func (f *FakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// Associated reports whether keyRef is currently on planID.
func (f *FakeClient) Associated(keyRef, planID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.associations[keyRef][planID]
}

func (f *FakeClient) takeFailure() error {
	err := f.failNext
	f.failNext = nil
	return err
}

func (f *FakeClient) CreateKey(ctx context.Context) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure(); err != nil {
		return "", "", err
	}
	id := idgen.WithPrefix("key_")
	f.associations[id] = make(map[string]bool)
	f.calls = append(f.calls, "create-key "+id)
	return id, idgen.Hex(20), nil
}

func (f *FakeClient) AddKeyToPlan(ctx context.Context, keyRef, planID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure(); err != nil {
		return err
	}
	f.calls = append(f.calls, fmt.Sprintf("add %s %s", keyRef, planID))

	if f.associations[keyRef] == nil {
		f.associations[keyRef] = make(map[string]bool)
	}
	if f.associations[keyRef][planID] {
		return ErrAlreadyAssociated
	}
	f.associations[keyRef][planID] = true
	return nil
}

func (f *FakeClient) RemoveKeyFromPlan(ctx context.Context, keyRef, planID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure(); err != nil {
		return err
	}
	f.calls = append(f.calls, fmt.Sprintf("remove %s %s", keyRef, planID))

	if !f.associations[keyRef][planID] {
		return ErrNotAssociated
	}
	delete(f.associations[keyRef], planID)
	return nil
}

func (f *FakeClient) PlanQuota(ctx context.Context, planID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure(); err != nil {
		return 0, err
	}
	return f.quotas[planID], nil
}

func (f *FakeClient) KeyUsage(ctx context.Context, keyRef, planID string, from, to time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure(); err != nil {
		return 0, err
	}
	return f.usage[keyRef+"\x00"+planID], nil
}

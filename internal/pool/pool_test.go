package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/clipforge/internal/agent"
)

type fakeProvider struct {
	mu        sync.Mutex
	seq       int
	failing   map[string]bool
	removed   []string
	provErr   error
	provCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{failing: make(map[string]bool)}
}

func (f *fakeProvider) Provision(_ context.Context, t agent.Type) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provCalls++
	if f.provErr != nil {
		return Handle{}, f.provErr
	}
	f.seq++
	return Handle{
		ID:   fmt.Sprintf("%s-%d", t, f.seq),
		Type: t,
		Adapter: agent.AdapterFunc(func(ctx context.Context, task agent.Task) (agent.Result, error) {
			return agent.Result{Summary: task.ID}, nil
		}),
	}, nil
}

func (f *fakeProvider) Decommission(_ context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, h.ID)
	return nil
}

func (f *fakeProvider) Check(_ context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[h.ID] {
		return errors.New("probe failed")
	}
	return nil
}

func (f *fakeProvider) setFailing(id string, v bool) {
	f.mu.Lock()
	f.failing[id] = v
	f.mu.Unlock()
}

func editingOnly() map[agent.Type]agent.Descriptor {
	return map[agent.Type]agent.Descriptor{
		agent.Editing: agent.DefaultDescriptors()[agent.Editing],
	}
}

func newTestPool(t *testing.T, prov Provider, opts Options) *Pool {
	t.Helper()
	p := New(prov, editingOnly(), opts)
	t.Cleanup(func() { p.Close(context.Background()) })
	return p
}

func TestAcquireWithoutHealthySlotsFailsFast(t *testing.T) {
	prov := newFakeProvider()
	p := newTestPool(t, prov, Options{MinSlots: 1, MaxSlots: 1})
	p.Start(context.Background())

	prov.setFailing("editing-1", true)
	p.tick(context.Background(), time.Now())

	start := time.Now()
	_, err := p.Acquire(context.Background(), agent.Editing)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("expected acquire to fail without waiting")
	}

	if _, err := p.Acquire(context.Background(), agent.Safety); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable for type without slots, got %v", err)
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	p := newTestPool(t, newFakeProvider(), Options{MinSlots: 1, MaxSlots: 1})
	p.Start(context.Background())

	first, err := p.Acquire(context.Background(), agent.Editing)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	got := make(chan *Lease, 1)
	go func() {
		l, err := p.Acquire(context.Background(), agent.Editing)
		if err != nil {
			t.Errorf("second acquire: %v", err)
		}
		got <- l
	}()

	select {
	case <-got:
		t.Fatal("second acquire should wait while the slot is busy")
	case <-time.After(30 * time.Millisecond):
	}
	if w := p.Stats()[agent.Editing].Waiting; w != 1 {
		t.Errorf("expected 1 waiter, got %d", w)
	}

	first.Release()
	first.Release()
	select {
	case l := <-got:
		if l.SlotID() != first.SlotID() {
			t.Errorf("expected the same slot, got %s", l.SlotID())
		}
		l.Release()
	case <-time.After(time.Second):
		t.Fatal("second acquire not woken by release")
	}
}

func TestAcquireContextCancel(t *testing.T) {
	p := newTestPool(t, newFakeProvider(), Options{MinSlots: 1, MaxSlots: 1})
	p.Start(context.Background())

	l, _ := p.Acquire(context.Background(), agent.Editing)
	defer l.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx, agent.Editing); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if w := p.Stats()[agent.Editing].Waiting; w != 0 {
		t.Errorf("expected waiter count restored, got %d", w)
	}
}

func TestLeaseRun(t *testing.T) {
	p := newTestPool(t, newFakeProvider(), Options{MinSlots: 1, MaxSlots: 1})
	p.Start(context.Background())

	l, err := p.Acquire(context.Background(), agent.Editing)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()
	res, err := l.Run(context.Background(), agent.Task{ID: "wf/editing"})
	if err != nil || res.Summary != "wf/editing" {
		t.Errorf("unexpected result %+v, %v", res, err)
	}
}

func TestHealthRecovery(t *testing.T) {
	prov := newFakeProvider()
	p := newTestPool(t, prov, Options{MinSlots: 1, MaxSlots: 1})
	p.Start(context.Background())

	prov.setFailing("editing-1", true)
	p.tick(context.Background(), time.Now())
	st := p.Stats()[agent.Editing]
	if st.Healthy != 0 || st.Details[0].LastError == "" {
		t.Fatalf("expected unhealthy slot, got %+v", st)
	}

	prov.setFailing("editing-1", false)
	p.tick(context.Background(), time.Now())
	if st := p.Stats()[agent.Editing]; st.Healthy != 1 {
		t.Errorf("expected recovered slot, got %+v", st)
	}
}

func TestScaleUpAfterSustainedPressure(t *testing.T) {
	prov := newFakeProvider()
	p := newTestPool(t, prov, Options{MinSlots: 1, MaxSlots: 2, HighWater: 1, ScaleUpWindow: time.Minute, Cooldown: time.Hour})
	p.Start(context.Background())

	l, _ := p.Acquire(context.Background(), agent.Editing)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _, _ = p.Acquire(ctx, agent.Editing) }()

	deadline := time.Now().Add(time.Second)
	for p.Stats()[agent.Editing].Waiting == 0 {
		if time.Now().After(deadline) {
			t.Fatal("waiter never registered")
		}
		time.Sleep(time.Millisecond)
	}

	now := time.Now()
	p.tick(context.Background(), now)
	if n := p.Stats()[agent.Editing].Slots; n != 1 {
		t.Fatalf("expected no scaling before the window, got %d slots", n)
	}
	p.tick(context.Background(), now.Add(2*time.Minute))
	if n := p.Stats()[agent.Editing].Slots; n != 2 {
		t.Fatalf("expected scale up to 2 slots, got %d", n)
	}
	p.tick(context.Background(), now.Add(10*time.Minute))
	if n := p.Stats()[agent.Editing].Slots; n != 2 {
		t.Errorf("expected max slots respected, got %d", n)
	}
	l.Release()
}

func TestScaleUpFromZeroSlots(t *testing.T) {
	prov := newFakeProvider()
	p := newTestPool(t, prov, Options{MaxSlots: 3, HighWater: 3, ScaleUpWindow: time.Second, Cooldown: time.Hour})
	p.Start(context.Background())
	if n := p.Stats()[agent.Editing].Slots; n != 0 {
		t.Fatalf("expected an empty pool, got %d slots", n)
	}

	now := time.Now()
	for i := 0; i < 2; i++ {
		start := time.Now()
		if _, err := p.Acquire(context.Background(), agent.Editing); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
		if time.Since(start) > 100*time.Millisecond {
			t.Error("expected acquire to fail without waiting")
		}
		now = now.Add(2 * time.Second)
		p.tick(context.Background(), now)
	}
	if n := p.Stats()[agent.Editing].Slots; n != 1 {
		t.Fatalf("expected rejected demand to provision a slot, got %d", n)
	}

	l, err := p.Acquire(context.Background(), agent.Editing)
	if err != nil {
		t.Fatalf("acquire after scale up: %v", err)
	}
	l.Release()
}

func TestRejectedDemandDecays(t *testing.T) {
	prov := newFakeProvider()
	p := newTestPool(t, prov, Options{MaxSlots: 3, HighWater: 3, ScaleUpWindow: time.Second, Cooldown: time.Hour})
	p.Start(context.Background())

	if _, err := p.Acquire(context.Background(), agent.Editing); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	now := time.Now()
	for i := 0; i < 5; i++ {
		now = now.Add(2 * time.Second)
		p.tick(context.Background(), now)
	}
	if n := p.Stats()[agent.Editing].Slots; n != 0 {
		t.Errorf("expected a single rejection not to scale the pool, got %d slots", n)
	}
}

func TestScaleDownAfterCooldown(t *testing.T) {
	prov := newFakeProvider()
	p := newTestPool(t, prov, Options{MinSlots: 1, MaxSlots: 3, HighWater: 1, ScaleUpWindow: time.Hour, Cooldown: time.Minute})
	p.Start(context.Background())
	_ = p.provision(context.Background(), agent.Editing)
	_ = p.provision(context.Background(), agent.Editing)

	now := time.Now()
	p.tick(context.Background(), now)
	if n := p.Stats()[agent.Editing].Slots; n != 3 {
		t.Fatalf("expected no scale down before cooldown, got %d", n)
	}
	p.tick(context.Background(), now.Add(2*time.Minute))
	if n := p.Stats()[agent.Editing].Slots; n != 2 {
		t.Fatalf("expected one slot removed, got %d", n)
	}
	p.tick(context.Background(), now.Add(3*time.Minute))
	p.tick(context.Background(), now.Add(5*time.Minute))
	if n := p.Stats()[agent.Editing].Slots; n != 1 {
		t.Errorf("expected min slots kept, got %d", n)
	}

	prov.mu.Lock()
	removed := len(prov.removed)
	prov.mu.Unlock()
	if removed != 2 {
		t.Errorf("expected 2 decommissioned slots, got %d", removed)
	}
}

func TestStartRetriesFailedProvisioning(t *testing.T) {
	prov := newFakeProvider()
	prov.provErr = errors.New("no docker")
	p := newTestPool(t, prov, Options{MinSlots: 1, MaxSlots: 1})
	p.Start(context.Background())
	if n := p.Stats()[agent.Editing].Slots; n != 0 {
		t.Fatalf("expected no slots, got %d", n)
	}

	prov.mu.Lock()
	prov.provErr = nil
	prov.mu.Unlock()
	p.tick(context.Background(), time.Now())
	if n := p.Stats()[agent.Editing].Slots; n != 1 {
		t.Errorf("expected slot provisioned by the next tick, got %d", n)
	}
}

func TestLocalProvider(t *testing.T) {
	prov := NewLocalProvider(func(t agent.Type) (agent.Adapter, error) {
		return agent.NewSimulated(t, 0, 0, "out"), nil
	})
	h1, err := prov.Provision(context.Background(), agent.Editing)
	if err != nil {
		t.Fatal(err)
	}
	h2, _ := prov.Provision(context.Background(), agent.Editing)
	if h1.ID == h2.ID {
		t.Error("expected distinct slot ids")
	}
	if err := prov.Check(context.Background(), h1); err != nil {
		t.Errorf("expected healthy simulated slot, got %v", err)
	}
}

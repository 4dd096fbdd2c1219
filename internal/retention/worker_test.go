package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/scribe/internal/storage"
)

type mockPruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (m *mockPruner) PruneOutcomes(cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoffs = append(m.cutoffs, cutoff)
	return 1, m.err
}

func (m *mockPruner) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cutoffs)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunOnce_PrunesOldOutcomes(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for id, age := range map[string]time.Duration{"old": 48 * time.Hour, "new": time.Hour} {
		if err := store.RecordOutcome(storage.Outcome{ID: id, CreatedAt: now.Add(-age), Model: "m"}); err != nil {
			t.Fatal(err)
		}
	}

	w := NewWorker(store, 24*time.Hour, 0)
	w.now = func() time.Time { return now }

	n, err := w.RunOnce()
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if _, err := store.GetOutcome("old"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("old outcome still present: %v", err)
	}
	if _, err := store.GetOutcome("new"); err != nil {
		t.Errorf("new outcome was pruned: %v", err)
	}
}

func TestRunOnce_ZeroMaxAgeKeepsEverything(t *testing.T) {
	p := &mockPruner{}
	w := NewWorker(p, 0, time.Minute)
	if n, err := w.RunOnce(); n != 0 || err != nil {
		t.Errorf("RunOnce = %d, %v", n, err)
	}
	if p.calls() != 0 {
		t.Error("store touched with retention disabled")
	}
}

func TestRunOnce_Error(t *testing.T) {
	w := NewWorker(&mockPruner{err: errors.New("disk full")}, time.Hour, time.Minute)
	if _, err := w.RunOnce(); err == nil {
		t.Error("expected error")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	p := &mockPruner{}
	w := NewWorker(p, time.Hour, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for p.calls() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if p.calls() < 2 {
		t.Errorf("expected at least 2 prune passes, got %d", p.calls())
	}
}

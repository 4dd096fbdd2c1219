package storage

import (
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []string{"idx_outcomes_created", "idx_outcomes_kind"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

// TestOutcomesHaveNoTextColumns guards the metadata-only ledger.
func TestOutcomesHaveNoTextColumns(t *testing.T) {
	s := openTestStore(t)

	rows, err := s.db.Query("SELECT name FROM pragma_table_info('outcomes')")
	if err != nil {
		t.Fatalf("table_info: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatal(err)
		}
		for _, banned := range []string{"transcript", "note", "subjective", "prompt", "response"} {
			if name == banned {
				t.Errorf("outcomes table has column %q", name)
			}
		}
	}
}

func TestRecordAndGetOutcome(t *testing.T) {
	s := openTestStore(t)

	want := Outcome{
		ID:              "req-1",
		CreatedAt:       time.Date(2025, 3, 1, 12, 0, 0, 500, time.UTC),
		Model:           "Llama-4-Maverick-17B-128E-Instruct",
		Kind:            "upstream_timeout",
		Attempts:        3,
		ImageCount:      2,
		TranscriptBytes: 1234,
		Duration:        1500 * time.Millisecond,
		Source:          "http",
	}
	if err := s.RecordOutcome(want); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	got, err := s.GetOutcome("req-1")
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
	got.CreatedAt = want.CreatedAt
	if got != want {
		t.Errorf("GetOutcome = %+v, want %+v", got, want)
	}
}

func TestRecordOutcome_Defaults(t *testing.T) {
	s := openTestStore(t)

	before := time.Now().Add(-time.Second)
	if err := s.RecordOutcome(Outcome{ID: "req-2"}); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	got, err := s.GetOutcome("req-2")
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}
	if got.Kind != KindOK {
		t.Errorf("Kind = %q, want %q", got.Kind, KindOK)
	}
	if got.CreatedAt.Before(before) {
		t.Errorf("CreatedAt = %v, want about now", got.CreatedAt)
	}
}

func TestRecordOutcome_RequiresID(t *testing.T) {
	s := openTestStore(t)
	if err := s.RecordOutcome(Outcome{}); err == nil {
		t.Error("expected error for outcome without id")
	}
}

func TestGetOutcomeNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetOutcome("missing")
	if err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// TestRecentOutcomes saves 10 outcomes and verifies limit and descending order.
func TestRecentOutcomes(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for j := 0; j < 10; j++ {
		o := Outcome{
			ID:        fmt.Sprintf("req-%02d", j),
			CreatedAt: base.Add(time.Duration(j) * time.Hour).Add(time.Duration(j) * time.Millisecond),
		}
		if err := s.RecordOutcome(o); err != nil {
			t.Fatalf("RecordOutcome %d: %v", j, err)
		}
	}

	got, err := s.RecentOutcomes(5)
	if err != nil {
		t.Fatalf("RecentOutcomes: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d outcomes, want 5", len(got))
	}
	for k := 1; k < len(got); k++ {
		if got[k].CreatedAt.After(got[k-1].CreatedAt) {
			t.Errorf("not in descending order: [%d]=%v > [%d]=%v", k, got[k].CreatedAt, k-1, got[k-1].CreatedAt)
		}
	}
	if got[0].ID != "req-09" {
		t.Errorf("first result ID = %q, want %q", got[0].ID, "req-09")
	}
}

func TestCountByKind(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	kinds := []string{"ok", "ok", "auth", "malformed_response", "ok"}
	for j, k := range kinds {
		o := Outcome{ID: fmt.Sprintf("req-%d", j), Kind: k, CreatedAt: base.Add(time.Duration(j) * time.Minute)}
		if err := s.RecordOutcome(o); err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
	}

	all, err := s.CountByKind(time.Time{})
	if err != nil {
		t.Fatalf("CountByKind: %v", err)
	}
	want := []KindCount{{"auth", 1}, {"malformed_response", 1}, {"ok", 3}}
	if fmt.Sprint(all) != fmt.Sprint(want) {
		t.Errorf("CountByKind = %v, want %v", all, want)
	}

	recent, err := s.CountByKind(base.Add(3 * time.Minute))
	if err != nil {
		t.Fatalf("CountByKind: %v", err)
	}
	want = []KindCount{{"malformed_response", 1}, {"ok", 1}}
	if fmt.Sprint(recent) != fmt.Sprint(want) {
		t.Errorf("CountByKind(since) = %v, want %v", recent, want)
	}
}

func TestPruneOutcomes(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for j := 0; j < 4; j++ {
		o := Outcome{ID: fmt.Sprintf("req-%d", j), CreatedAt: base.Add(time.Duration(j) * 24 * time.Hour)}
		if err := s.RecordOutcome(o); err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
	}

	n, err := s.PruneOutcomes(base.Add(48 * time.Hour))
	if err != nil {
		t.Fatalf("PruneOutcomes: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	left, err := s.RecentOutcomes(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 2 {
		t.Errorf("%d outcomes left, want 2", len(left))
	}
}

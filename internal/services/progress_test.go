package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"chatsync/internal/db"
	"chatsync/internal/models"
)

func testProgressStore(t *testing.T) *GormProgressStore {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	s, err := NewGormProgressStore(conn)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestGormProgressLifecycle(t *testing.T) {
	s := testProgressStore(t)
	ctx := context.Background()

	p, err := s.Load(ctx, "sales")
	if err != nil || p != nil {
		t.Fatalf("Load on empty ledger = %+v, %v", p, err)
	}

	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := s.Save(ctx, &models.ImportProgress{InstanceName: "sales", Phase: string(PhaseDiscoverLive), Offset: 30, StartedAt: started}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, &models.ImportProgress{InstanceName: "sales", Phase: string(PhaseBackfillDormant), Offset: 60, Pinned: true, StartedAt: started}); err != nil {
		t.Fatal(err)
	}

	p, err = s.Load(ctx, "sales")
	if err != nil {
		t.Fatal(err)
	}
	if p.Phase != string(PhaseBackfillDormant) || p.Offset != 60 || !p.Pinned {
		t.Errorf("progress = %+v", p)
	}
	if !p.StartedAt.Equal(started) {
		t.Errorf("started_at = %v, want %v", p.StartedAt, started)
	}

	var rows int64
	if err := s.db.Model(&models.ImportProgress{}).Count(&rows).Error; err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Errorf("rows = %d, want a single row per instance", rows)
	}

	if err := s.Clear(ctx, "sales"); err != nil {
		t.Fatal(err)
	}
	if p, _ := s.Load(ctx, "sales"); p != nil {
		t.Errorf("progress after Clear = %+v", p)
	}
}

func TestGormRecordRuns(t *testing.T) {
	s := testProgressStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		run := &models.SyncRun{InstanceName: "sales", Phase: string(PhaseBackfillDormant), NextOffset: (i + 1) * 30, Success: true}
		if err := s.RecordRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RecordRun(ctx, &models.SyncRun{InstanceName: "support"}); err != nil {
		t.Fatal(err)
	}

	runs, err := s.RecentRuns(ctx, "sales", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
	if runs[0].NextOffset != 90 || runs[1].NextOffset != 60 {
		t.Errorf("runs not newest first: %+v", runs)
	}
}

func TestNewGormProgressStoreRequiresConnection(t *testing.T) {
	if _, err := NewGormProgressStore(nil); err == nil {
		t.Error("expected error for nil connection")
	}
}

package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flexinfer/clusterflow/pkg/types"
)

func TestArchive_SaveLoadList(t *testing.T) {
	a := New(NewMemoryStore(), "")
	ctx := context.Background()
	ts := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

	report := &types.Report{
		Timestamp: ts,
		JobStats:  &types.JobStats{Pending: 2, Running: 1},
	}
	ref, err := a.SaveReport(ctx, report)
	if err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}
	if ref.Key != "reports/2026/05/04/20260504T093000.000Z.json" {
		t.Errorf("key = %q", ref.Key)
	}
	if ref.Checksum == "" || ref.Size == 0 {
		t.Errorf("ref = %+v", ref)
	}

	a.SaveReport(ctx, &types.Report{Timestamp: ts.Add(time.Hour)})
	a.SaveReport(ctx, &types.Report{Timestamp: ts.Add(24 * time.Hour)})

	got, err := a.LoadReport(ctx, ref.Key)
	if err != nil {
		t.Fatalf("LoadReport failed: %v", err)
	}
	if got.JobStats == nil || got.JobStats.Pending != 2 || !got.Timestamp.Equal(ts) {
		t.Errorf("loaded = %+v", got)
	}

	refs, err := a.ListReports(ctx, ts)
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	if len(refs) != 2 || refs[0].Key != ref.Key {
		t.Errorf("refs = %+v", refs)
	}

	if _, err := a.LoadReport(ctx, "reports/missing.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := a.Link(ctx, ref.Key, time.Minute); !errors.Is(err, ErrPresignUnsupported) {
		t.Error("memory store should not presign")
	}
}

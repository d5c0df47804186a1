package catalog

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chronotable/chronotable/internal/errors"
	"github.com/chronotable/chronotable/pkg/types"
)

func newTestCatalog(t *testing.T) *SQLiteCatalog {
	t.Helper()
	c, err := NewCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testHypertable(name string) types.Hypertable {
	return types.Hypertable{
		Name:          name,
		TimeColumn:    "time",
		ChunkInterval: time.Hour,
		CreatedAt:     time.Now(),
	}
}

func TestCreateAndGetHypertable(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if err := c.CreateHypertable(ctx, testHypertable("metrics")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	ht, err := c.GetHypertable(ctx, "metrics")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ht.TimeColumn != "time" || ht.ChunkInterval != time.Hour {
		t.Errorf("unexpected hypertable: %+v", ht)
	}
}

func TestCreateHypertableDuplicate(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if err := c.CreateHypertable(ctx, testHypertable("metrics")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	err := c.CreateHypertable(ctx, testHypertable("metrics"))
	if errors.GetCode(err) != errors.CodeAlreadyExists {
		t.Errorf("expected ALREADY_EXISTS, got %v", err)
	}
}

func TestGetHypertableMissing(t *testing.T) {
	c := newTestCatalog(t)

	_, err := c.GetHypertable(context.Background(), "absent")
	if errors.GetCode(err) != errors.CodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestChunkLifecycle(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if err := c.CreateHypertable(ctx, testHypertable("metrics")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	info := types.ChunkInfo{
		ID:         "chunk-1",
		Hypertable: "metrics",
		Range:      types.TimeRange{Start: 0, End: int64(time.Hour)},
		State:      types.ChunkActive,
		RowCount:   3,
	}
	if err := c.RegisterChunk(ctx, info); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := c.SetChunkCompressed(ctx, "chunk-1", "segments/metrics/chunk-1.seg", []byte{1, 2, 3}, 3); err != nil {
		t.Fatalf("compress transition failed: %v", err)
	}

	rec, err := c.GetChunk(ctx, "chunk-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.State != types.ChunkCompressed {
		t.Errorf("expected compressed, got %s", rec.State)
	}
	if rec.ObjectPath != "segments/metrics/chunk-1.seg" {
		t.Errorf("unexpected object path %q", rec.ObjectPath)
	}
	if len(rec.Bloom) != 3 {
		t.Errorf("bloom filter not persisted")
	}

	if err := c.MarkChunkDropped(ctx, "chunk-1"); err != nil {
		t.Fatalf("drop failed: %v", err)
	}
	chunks, err := c.ListChunks(ctx, "metrics")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("dropped chunk should not be listed, got %d", len(chunks))
	}
}

func TestListChunksOrderedByStart(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if err := c.CreateHypertable(ctx, testHypertable("metrics")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	hour := int64(time.Hour)
	for _, chunk := range []struct {
		id    string
		start int64
	}{
		{"chunk-c", 2 * hour},
		{"chunk-a", 0},
		{"chunk-b", hour},
	} {
		err := c.RegisterChunk(ctx, types.ChunkInfo{
			ID:         chunk.id,
			Hypertable: "metrics",
			Range:      types.TimeRange{Start: chunk.start, End: chunk.start + hour},
			State:      types.ChunkActive,
		})
		if err != nil {
			t.Fatalf("register %s failed: %v", chunk.id, err)
		}
	}

	chunks, err := c.ListChunks(ctx, "metrics")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, want := range []string{"chunk-a", "chunk-b", "chunk-c"} {
		if chunks[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, chunks[i].ID)
		}
	}
}

func TestPolicyLastRunSurvivesReconfigure(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	rec := PolicyRecord{
		Hypertable: "metrics",
		Kind:       types.PolicyCompression,
		ParamsJSON: `{"compress_after":86400000000000}`,
		Interval:   time.Hour,
	}
	if err := c.PutPolicy(ctx, rec); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	lastRun := time.Unix(0, 12345).UTC()
	if err := c.SetPolicyLastRun(ctx, "metrics", types.PolicyCompression, "", lastRun); err != nil {
		t.Fatalf("set last_run failed: %v", err)
	}

	// Reconfigure with a new interval; last_run must be preserved
	rec.Interval = 2 * time.Hour
	if err := c.PutPolicy(ctx, rec); err != nil {
		t.Fatalf("reconfigure failed: %v", err)
	}

	policies, err := c.ListPolicies(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(policies))
	}
	if policies[0].Interval != 2*time.Hour {
		t.Errorf("interval not updated: %v", policies[0].Interval)
	}
	if !policies[0].LastRun.Equal(lastRun) {
		t.Errorf("last_run lost on reconfigure: %v", policies[0].LastRun)
	}
}

func TestCommitRefreshIsAtomicAndMonotonic(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if err := c.CreateHypertable(ctx, testHypertable("metrics")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	cfg := types.AggregateConfig{
		Name:            "hourly_avg",
		Hypertable:      "metrics",
		BucketWidth:     time.Hour,
		Reducer:         types.ReduceAvg,
		RefreshInterval: time.Minute,
	}
	if err := c.CreateAggregate(ctx, cfg); err != nil {
		t.Fatalf("create aggregate failed: %v", err)
	}

	hour := int64(time.Hour)
	var s types.BucketState
	s.Observe(types.Row{Time: 10, Seq: 1, SeriesKey: "host=a", Value: 10})
	s.Observe(types.Row{Time: 20, Seq: 2, SeriesKey: "host=a", Value: 20})

	rows := []RollupRecord{{BucketStart: 0, SeriesKey: "host=a", State: s}}
	if err := c.CommitRefresh(ctx, "hourly_avg", types.TimeRange{Start: 0, End: hour}, rows, hour); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	agg, err := c.GetAggregate(ctx, "hourly_avg")
	if err != nil {
		t.Fatalf("get aggregate failed: %v", err)
	}
	if agg.Watermark != hour {
		t.Errorf("expected watermark %d, got %d", hour, agg.Watermark)
	}

	got, err := c.ListRollups(ctx, "hourly_avg", types.TimeRange{Start: 0, End: hour})
	if err != nil {
		t.Fatalf("list rollups failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 rollup row, got %d", len(got))
	}
	if avg := got[0].State.Value(types.ReduceAvg); avg != 15 {
		t.Errorf("expected avg 15, got %v", avg)
	}

	// A commit that would move the watermark backwards must fail and leave
	// the stored rollups untouched.
	err = c.CommitRefresh(ctx, "hourly_avg", types.TimeRange{Start: 0, End: hour}, nil, hour/2)
	if err == nil {
		t.Fatal("expected error for backwards watermark")
	}
	got, err = c.ListRollups(ctx, "hourly_avg", types.TimeRange{Start: 0, End: hour})
	if err != nil {
		t.Fatalf("list rollups failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("failed commit must not clear rollup rows, got %d", len(got))
	}
}

func TestDropHypertableCascades(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if err := c.CreateHypertable(ctx, testHypertable("metrics")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	err := c.RegisterChunk(ctx, types.ChunkInfo{
		ID: "chunk-1", Hypertable: "metrics",
		Range: types.TimeRange{Start: 0, End: int64(time.Hour)}, State: types.ChunkActive,
	})
	if err != nil {
		t.Fatalf("register chunk failed: %v", err)
	}
	err = c.CreateAggregate(ctx, types.AggregateConfig{
		Name: "hourly_sum", Hypertable: "metrics",
		BucketWidth: time.Hour, Reducer: types.ReduceSum, RefreshInterval: time.Minute,
	})
	if err != nil {
		t.Fatalf("create aggregate failed: %v", err)
	}

	if err := c.DropHypertable(ctx, "metrics"); err != nil {
		t.Fatalf("drop failed: %v", err)
	}

	if _, err := c.GetHypertable(ctx, "metrics"); errors.GetCode(err) != errors.CodeNotFound {
		t.Errorf("hypertable should be gone, got %v", err)
	}
	if _, err := c.GetAggregate(ctx, "hourly_sum"); errors.GetCode(err) != errors.CodeNotFound {
		t.Errorf("aggregate should be gone, got %v", err)
	}
	if _, err := c.GetChunk(ctx, "chunk-1"); errors.GetCode(err) != errors.CodeNotFound {
		t.Errorf("chunk should be gone, got %v", err)
	}
}

func TestDropMissingHypertable(t *testing.T) {
	c := newTestCatalog(t)

	err := c.DropHypertable(context.Background(), "absent")
	var ee *errors.EngineError
	if !stderrors.As(err, &ee) || ee.Code != errors.CodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

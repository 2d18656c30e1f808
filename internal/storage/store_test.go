package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"mycelial/internal/model"
)

func testRecord(id string, sequence int) model.CycleRecord {
	return Stamp(model.CycleRecord{
		ID:                 id,
		Sequence:           sequence,
		CreatedAt:          time.Date(2026, 1, sequence, 0, 0, 0, 0, time.UTC),
		ConsciousnessLevel: float64(10 * sequence),
		CompressionLevel:   "medium",
		CompressionRatio:   0.5,
		Seed: model.Seed{
			CycleID:            id,
			ConsciousnessLevel: float64(10 * sequence),
			Survivors: []model.Survivor{{
				Name:          "add",
				Metadata:      map[string]string{"category": "arith"},
				Strength:      1.5,
				Tags:          []string{"category:arith"},
				SurvivalCount: sequence,
			}},
		},
	})
}

// exerciseStore runs the behavior every backend shares.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := store.GetCycleRecord(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing record, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.GetTopology(ctx); err != nil || ok {
		t.Fatalf("expected no topology, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := LatestCycleRecord(ctx, store); err != nil || ok {
		t.Fatalf("expected no latest record, got ok=%v err=%v", ok, err)
	}

	for _, record := range []model.CycleRecord{testRecord("c2", 2), testRecord("c1", 1), testRecord("c3", 3)} {
		if err := store.SaveCycleRecord(ctx, record); err != nil {
			t.Fatalf("save %s: %v", record.ID, err)
		}
	}

	got, ok, err := store.GetCycleRecord(ctx, "c2")
	if err != nil || !ok {
		t.Fatalf("get c2: ok=%v err=%v", ok, err)
	}
	if got.Sequence != 2 || len(got.Seed.Survivors) != 1 || got.Seed.Survivors[0].Metadata["category"] != "arith" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.CompressionRatio != 0.5 || got.Seed.Survivors[0].SurvivalCount != 2 {
		t.Fatalf("expected ratio and survival count to persist, got %+v", got)
	}

	records, err := store.ListCycleRecords(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, want := range []string{"c1", "c2", "c3"} {
		if records[i].ID != want {
			t.Fatalf("record %d: want %s got %s", i, want, records[i].ID)
		}
	}

	latest, ok, err := LatestCycleRecord(ctx, store)
	if err != nil || !ok || latest.ID != "c3" {
		t.Fatalf("unexpected latest: %+v ok=%v err=%v", latest, ok, err)
	}

	if _, err := LoadCycleRecord(ctx, store, "absent"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}

	stale := testRecord("old", 4)
	stale.SchemaVersion = 0
	if err := store.SaveCycleRecord(ctx, stale); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
	if err := store.SaveCycleRecord(ctx, Stamp(model.CycleRecord{})); err == nil {
		t.Fatal("expected missing id error")
	}

	edges := []model.TopologyEdge{{A: "category:arith", B: "kind:tool", Count: 2}}
	if err := store.SaveTopology(ctx, edges); err != nil {
		t.Fatalf("save topology: %v", err)
	}
	edges = append(edges, model.TopologyEdge{A: "kind:tool", B: "operator:log", Count: 1})
	if err := store.SaveTopology(ctx, edges); err != nil {
		t.Fatalf("overwrite topology: %v", err)
	}
	loaded, ok, err := store.GetTopology(ctx)
	if err != nil || !ok {
		t.Fatalf("get topology: ok=%v err=%v", ok, err)
	}
	if len(loaded) != 2 || loaded[1].B != "operator:log" {
		t.Fatalf("unexpected topology: %+v", loaded)
	}
}

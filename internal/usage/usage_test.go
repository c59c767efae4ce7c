package usage

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"convoguard/internal/types"
)

type fakeSaver struct {
	mu        sync.Mutex
	snapshots map[string]string
}

func (f *fakeSaver) SaveUsageSnapshot(_ context.Context, tenant, snapshotJSON string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshots == nil {
		f.snapshots = make(map[string]string)
	}
	f.snapshots[tenant] = snapshotJSON
	return nil
}

func TestTrackAggregatesByModelAndOperation(t *testing.T) {
	tr := NewTracker(nil)

	tr.Track("shop-a", "gpt-4o-mini", "generation", types.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150})
	tr.Track("shop-a", "gpt-4o-mini", "generation", types.Usage{PromptTokens: 80, CompletionTokens: 20, TotalTokens: 100})
	tr.Track("shop-a", "gpt-4o", "audit_primary", types.Usage{PromptTokens: 40, CompletionTokens: 10, TotalTokens: 50})

	stats := tr.Stats("shop-a")
	if stats.Total.Total != 300 {
		t.Errorf("Total = %d, want 300", stats.Total.Total)
	}
	if stats.Total.Calls != 3 {
		t.Errorf("Calls = %d, want 3", stats.Total.Calls)
	}
	if got := stats.ByModel["gpt-4o-mini"].Total; got != 250 {
		t.Errorf("ByModel[gpt-4o-mini] = %d, want 250", got)
	}
	if got := stats.ByOperation["audit_primary"].Total; got != 50 {
		t.Errorf("ByOperation[audit_primary] = %d, want 50", got)
	}
}

func TestTrackIsolatesTenants(t *testing.T) {
	tr := NewTracker(nil)

	tr.Track("shop-a", "m", "generation", types.Usage{TotalTokens: 100})
	tr.Track("shop-b", "m", "generation", types.Usage{TotalTokens: 7})

	if got := tr.Stats("shop-a").Total.Total; got != 100 {
		t.Errorf("shop-a total = %d, want 100", got)
	}
	if got := tr.Stats("shop-b").Total.Total; got != 7 {
		t.Errorf("shop-b total = %d, want 7", got)
	}
}

func TestTrackIgnoresZeroUsage(t *testing.T) {
	tr := NewTracker(nil)
	tr.Track("shop-a", "m", "generation", types.Usage{})

	if got := tr.Stats("shop-a").Total.Calls; got != 0 {
		t.Errorf("Calls = %d, want 0 for zero usage", got)
	}
}

func TestFlushPersistsSnapshot(t *testing.T) {
	saver := &fakeSaver{}
	tr := NewTracker(saver)

	tr.Track("shop-a", "gpt-4o-mini", "generation", types.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})
	tr.Flush()

	saver.mu.Lock()
	raw, ok := saver.snapshots["shop-a"]
	saver.mu.Unlock()
	if !ok {
		t.Fatal("Flush did not persist a snapshot")
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.Fatalf("Snapshot is not valid JSON: %v", err)
	}
	if snap.Total.Total != 15 {
		t.Errorf("Persisted total = %d, want 15", snap.Total.Total)
	}
}

func TestStatsReturnsCopy(t *testing.T) {
	tr := NewTracker(nil)
	tr.Track("shop-a", "m", "generation", types.Usage{TotalTokens: 10})

	stats := tr.Stats("shop-a")
	stats.ByModel["m"] = TokenCounts{Total: 999}

	if got := tr.Stats("shop-a").ByModel["m"].Total; got != 10 {
		t.Errorf("Internal state mutated through Stats copy: %d", got)
	}
}

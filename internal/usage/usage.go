// Package usage tracks LLM token consumption across tenants, models, and
// operations, with debounced snapshot persistence.
package usage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"convoguard/internal/logging"
	"convoguard/internal/types"
)

// TokenCounts holds prompt/completion sums for one dimension key.
type TokenCounts struct {
	Prompt     int64 `json:"prompt"`
	Completion int64 `json:"completion"`
	Total      int64 `json:"total"`
	Calls      int64 `json:"calls"`
}

func (tc *TokenCounts) add(u types.Usage) {
	tc.Prompt += int64(u.PromptTokens)
	tc.Completion += int64(u.CompletionTokens)
	tc.Total += int64(u.TotalTokens)
	tc.Calls++
}

// Snapshot is the aggregate written to the store, one per tenant.
type Snapshot struct {
	Total       TokenCounts            `json:"total"`
	ByModel     map[string]TokenCounts `json:"by_model"`
	ByOperation map[string]TokenCounts `json:"by_operation"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// SnapshotSaver persists one tenant's aggregate. *store.Store satisfies it.
type SnapshotSaver interface {
	SaveUsageSnapshot(ctx context.Context, tenant, snapshotJSON string) error
}

// Tracker accumulates usage in memory and flushes dirty tenants to the
// store after a quiet period, so a busy conversation does not write a row
// per LLM call.
type Tracker struct {
	saver    SnapshotSaver
	debounce time.Duration

	mu      sync.Mutex
	tenants map[string]*Snapshot
	dirty   map[string]bool
	pending bool
}

// NewTracker creates a tracker flushing through saver. saver may be nil for
// in-memory-only tracking (the CLI one-shot path).
func NewTracker(saver SnapshotSaver) *Tracker {
	return &Tracker{
		saver:    saver,
		debounce: 5 * time.Second,
		tenants:  make(map[string]*Snapshot),
		dirty:    make(map[string]bool),
	}
}

// Track records one LLM transaction. operation names the pipeline step:
// generation, supervisor, audit_primary, audit_secondary, embedding.
func (t *Tracker) Track(tenant, model, operation string, u types.Usage) {
	if u.TotalTokens == 0 && u.PromptTokens == 0 && u.CompletionTokens == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	snap := t.tenants[tenant]
	if snap == nil {
		snap = &Snapshot{
			ByModel:     make(map[string]TokenCounts),
			ByOperation: make(map[string]TokenCounts),
		}
		t.tenants[tenant] = snap
	}

	snap.Total.add(u)
	addTo(snap.ByModel, model, u)
	addTo(snap.ByOperation, operation, u)
	snap.UpdatedAt = time.Now()

	logging.Usage("Tenant %s %s/%s: +%d tokens (total %d)",
		tenant, operation, model, u.TotalTokens, snap.Total.Total)

	t.dirty[tenant] = true
	if t.saver != nil && !t.pending {
		t.pending = true
		time.AfterFunc(t.debounce, t.flush)
	}
}

func addTo(m map[string]TokenCounts, key string, u types.Usage) {
	entry := m[key]
	entry.add(u)
	m[key] = entry
}

func (t *Tracker) flush() {
	t.mu.Lock()
	pending := make(map[string]string, len(t.dirty))
	for tenant := range t.dirty {
		if snap := t.tenants[tenant]; snap != nil {
			if data, err := json.Marshal(snap); err == nil {
				pending[tenant] = string(data)
			}
		}
	}
	t.dirty = make(map[string]bool)
	t.pending = false
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for tenant, snapshot := range pending {
		if err := t.saver.SaveUsageSnapshot(ctx, tenant, snapshot); err != nil {
			logging.StoreError("Failed to persist usage snapshot for %s: %v", tenant, err)
		}
	}
}

// Flush forces an immediate write of all dirty tenants. Called on shutdown.
func (t *Tracker) Flush() {
	if t.saver == nil {
		return
	}
	t.flush()
}

// Stats returns a copy of one tenant's aggregate, or a zero snapshot when
// the tenant has no recorded usage.
func (t *Tracker) Stats(tenant string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := t.tenants[tenant]
	if snap == nil {
		return Snapshot{
			ByModel:     map[string]TokenCounts{},
			ByOperation: map[string]TokenCounts{},
		}
	}

	out := *snap
	out.ByModel = copyCounts(snap.ByModel)
	out.ByOperation = copyCounts(snap.ByOperation)
	return out
}

func copyCounts(src map[string]TokenCounts) map[string]TokenCounts {
	dst := make(map[string]TokenCounts, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

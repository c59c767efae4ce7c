package store

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"convoguard/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetStateReturnsDefaultsWhenAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state, err := s.GetState(ctx, "t1", "telegram", "u1")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}

	if state.CurrentStage != "S0" {
		t.Errorf("Expected stage S0, got %s", state.CurrentStage)
	}
	if state.PersonaID != "calm_professional" {
		t.Errorf("Expected persona calm_professional, got %s", state.PersonaID)
	}
	if state.IntentScore != 0 {
		t.Errorf("Expected intent 0, got %f", state.IntentScore)
	}
	if state.RiskLevel != types.RiskUnknown {
		t.Errorf("Expected risk unknown, got %s", state.RiskLevel)
	}
	if len(state.Slots) != 0 {
		t.Errorf("Expected empty slots, got %v", state.Slots)
	}
}

func TestStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state := types.NewConversationState("t1", "telegram", "u1")
	state.CurrentStage = "S2"
	state.PersonaID = "warm_guide"
	state.IntentScore = 0.65
	state.RiskLevel = types.RiskHigh
	state.Slots = map[string]string{"budget": "2000", "intent": "purchase"}
	state.HandoffRequired = true

	if err := s.UpsertState(ctx, state); err != nil {
		t.Fatalf("UpsertState failed: %v", err)
	}

	loaded, err := s.GetState(ctx, "t1", "telegram", "u1")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}

	if loaded.CurrentStage != "S2" || loaded.PersonaID != "warm_guide" {
		t.Errorf("Stage/persona mismatch: %s/%s", loaded.CurrentStage, loaded.PersonaID)
	}
	if loaded.IntentScore != 0.65 {
		t.Errorf("Intent mismatch: %f", loaded.IntentScore)
	}
	if loaded.RiskLevel != types.RiskHigh {
		t.Errorf("Risk mismatch: %s", loaded.RiskLevel)
	}
	if !loaded.HandoffRequired {
		t.Error("Expected handoff flag to survive round trip")
	}
	if diff := cmp.Diff(state.Slots, loaded.Slots); diff != "" {
		t.Errorf("Slots mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsertStateReplacesExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state := types.NewConversationState("t1", "telegram", "u1")
	if err := s.UpsertState(ctx, state); err != nil {
		t.Fatalf("UpsertState failed: %v", err)
	}

	state.CurrentStage = "S1"
	if err := s.UpsertState(ctx, state); err != nil {
		t.Fatalf("Second UpsertState failed: %v", err)
	}

	loaded, _ := s.GetState(ctx, "t1", "telegram", "u1")
	if loaded.CurrentStage != "S1" {
		t.Errorf("Expected S1 after update, got %s", loaded.CurrentStage)
	}
}

func TestDeleteStateResetsToDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state := types.NewConversationState("t1", "telegram", "u1")
	state.CurrentStage = "S3"
	if err := s.UpsertState(ctx, state); err != nil {
		t.Fatalf("UpsertState failed: %v", err)
	}

	if err := s.DeleteState(ctx, "t1", "telegram", "u1"); err != nil {
		t.Fatalf("DeleteState failed: %v", err)
	}

	loaded, err := s.GetState(ctx, "t1", "telegram", "u1")
	if err != nil {
		t.Fatalf("GetState after delete failed: %v", err)
	}
	if loaded.CurrentStage != "S0" {
		t.Errorf("Expected fresh S0 after delete, got %s", loaded.CurrentStage)
	}
}

func TestStateIsolationAcrossKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := types.NewConversationState("t1", "telegram", "u1")
	a.CurrentStage = "S2"
	b := types.NewConversationState("t2", "telegram", "u1")
	b.CurrentStage = "S3"

	if err := s.UpsertState(ctx, a); err != nil {
		t.Fatalf("UpsertState a failed: %v", err)
	}
	if err := s.UpsertState(ctx, b); err != nil {
		t.Fatalf("UpsertState b failed: %v", err)
	}

	gotA, _ := s.GetState(ctx, "t1", "telegram", "u1")
	gotB, _ := s.GetState(ctx, "t2", "telegram", "u1")
	if gotA.CurrentStage != "S2" || gotB.CurrentStage != "S3" {
		t.Errorf("Tenant state leaked: %s / %s", gotA.CurrentStage, gotB.CurrentStage)
	}
}

func TestProfileVersionSelection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1 := &types.ScriptProfile{
		Tenant: "t1", Type: types.ProfileBinding, Name: "default",
		Version: "1", Content: `{"routes":[]}`, Enabled: true,
	}
	if err := s.SaveProfile(ctx, v1); err != nil {
		t.Fatalf("SaveProfile v1 failed: %v", err)
	}

	v2 := &types.ScriptProfile{
		Tenant: "t1", Type: types.ProfileBinding, Name: "default",
		Version: "2", Content: `{"routes":[{"stage":"*"}]}`, Enabled: true,
	}
	if err := s.SaveProfile(ctx, v2); err != nil {
		t.Fatalf("SaveProfile v2 failed: %v", err)
	}

	// No version: most recently created enabled row
	got, err := s.GetProfile(ctx, "t1", types.ProfileBinding, "default", "")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if got == nil || got.Version != "2" {
		t.Fatalf("Expected version 2, got %+v", got)
	}

	// Explicit version pin
	got, err = s.GetProfile(ctx, "t1", types.ProfileBinding, "default", "1")
	if err != nil {
		t.Fatalf("GetProfile pinned failed: %v", err)
	}
	if got == nil || got.Version != "1" {
		t.Fatalf("Expected version 1, got %+v", got)
	}

	// Missing profile is (nil, nil)
	got, err = s.GetProfile(ctx, "t1", types.ProfileStage, "nope", "")
	if err != nil {
		t.Fatalf("GetProfile missing failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for missing profile, got %+v", got)
	}
}

func TestDisabledProfileNotReturned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &types.ScriptProfile{
		Tenant: "t1", Type: types.ProfileStage, Name: "S1",
		Version: "1", Content: `{}`, Enabled: false,
	}
	if err := s.SaveProfile(ctx, p); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}

	got, err := s.GetProfile(ctx, "t1", types.ProfileStage, "S1", "")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if got != nil {
		t.Errorf("Disabled profile should not be returned, got %+v", got)
	}
}

func TestKnowledgeItemsAndVectors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertKnowledgeItem(ctx, &types.KnowledgeItem{
		Tenant:  "t1",
		Title:   "退货政策",
		Content: "七天无理由退货",
		Tags:    []string{"policy"},
	})
	if err != nil {
		t.Fatalf("UpsertKnowledgeItem failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected generated ID")
	}

	vec := []float32{0.1, -0.5, 0.25}
	if err := s.SaveVector(ctx, id, vec); err != nil {
		t.Fatalf("SaveVector failed: %v", err)
	}

	items, err := s.ListKnowledgeItems(ctx, "t1")
	if err != nil {
		t.Fatalf("ListKnowledgeItems failed: %v", err)
	}
	if len(items) != 1 || items[0].Title != "退货政策" {
		t.Fatalf("Unexpected items: %+v", items)
	}

	vectors, err := s.GetVectors(ctx, "t1")
	if err != nil {
		t.Fatalf("GetVectors failed: %v", err)
	}
	got, ok := vectors[id]
	if !ok {
		t.Fatal("Missing vector for item")
	}
	if diff := cmp.Diff(vec, got); diff != "" {
		t.Errorf("Vector mismatch (-want +got):\n%s", diff)
	}
}

func TestRecentTurnsOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inputs := []struct{ role, content string }{
		{"user", "one"},
		{"assistant", "two"},
		{"user", "three"},
		{"assistant", "four"},
	}
	for _, in := range inputs {
		if err := s.AppendTurn(ctx, "t1", "c1", "u1", in.role, in.content); err != nil {
			t.Fatalf("AppendTurn failed: %v", err)
		}
	}

	turns, err := s.RecentTurns(ctx, "t1", "c1", "u1", 3)
	if err != nil {
		t.Fatalf("RecentTurns failed: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("Expected 3 turns, got %d", len(turns))
	}
	// Chronological order of the last three
	want := []string{"two", "three", "four"}
	for i, w := range want {
		if turns[i].Content != w {
			t.Errorf("Turn %d: expected %q, got %q", i, w, turns[i].Content)
		}
	}
}

func TestLogRoutingDecision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.LogRoutingDecision(ctx, RoutingDecision{
		Tenant: "t1", Channel: "c1", UserID: "u1",
		Stage: "S1", Persona: "calm_professional",
		Model: "gpt-4o-mini", RuleIndex: 2, Score: 17.5,
	})
	if err != nil {
		t.Fatalf("LogRoutingDecision failed: %v", err)
	}
}

package supervisor

import (
	"context"
	"errors"
	"testing"

	"convoguard/internal/llm"
	"convoguard/internal/types"
)

type fakeClient struct {
	content string
	err     error
	calls   int
}

func (f *fakeClient) Complete(_ context.Context, _ llm.CompletionRequest) (*llm.Completion, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Completion{
		Content: f.content,
		Usage:   types.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

type fakeProfiles map[string]string

func (f fakeProfiles) GetProfile(_ context.Context, _ string, ptype types.ProfileType, name, _ string) (*types.ScriptProfile, error) {
	content, ok := f[string(ptype)+"/"+name]
	if !ok {
		return nil, nil
	}
	return &types.ScriptProfile{Type: ptype, Name: name, Content: content, Enabled: true}, nil
}

func userTurn(text string) types.Message {
	return types.Message{Role: "user", Content: text}
}

func TestHandoffPhraseBypassesStageLogic(t *testing.T) {
	s := New(nil, nil, "")
	state := types.NewConversationState("t1", "c1", "u1")
	state.CurrentStage = "S1"
	state.IntentScore = 0.9 // would otherwise advance

	dec := s.Decide(context.Background(), state, []types.Message{
		userTurn("我要转人工"),
	})

	if !dec.NeedHuman {
		t.Fatal("Expected NeedHuman")
	}
	if dec.Advance {
		t.Error("Handoff turn must not advance the stage")
	}
	found := false
	for _, f := range dec.RiskFlags {
		if f == "handoff_requested" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected handoff_requested flag, got %v", dec.RiskFlags)
	}
}

func TestHandoffPhraseOnlyInLastThreeUserTurns(t *testing.T) {
	s := New(nil, nil, "")
	state := types.NewConversationState("t1", "c1", "u1")

	dialog := []types.Message{
		userTurn("转人工"), // 4 user turns back, out of window
		userTurn("价格多少"),
		userTurn("有优惠吗"),
		userTurn("好的"),
	}
	dec := s.Decide(context.Background(), state, dialog)
	if dec.NeedHuman {
		t.Error("Stale handoff phrase outside last 3 user turns must not trigger")
	}
}

func TestKeywordIntentSeedsSlotWhenUnset(t *testing.T) {
	s := New(nil, nil, "")
	state := types.NewConversationState("t1", "c1", "u1")

	dec := s.Decide(context.Background(), state, []types.Message{userTurn("这个多少钱")})
	if dec.Slots["intent"] != "pricing" {
		t.Errorf("Expected pricing intent, got %q", dec.Slots["intent"])
	}

	// Already-set intent slot is left alone.
	state.Slots["intent"] = "purchase"
	dec = s.Decide(context.Background(), state, []types.Message{userTurn("这个多少钱")})
	if _, ok := dec.Slots["intent"]; ok {
		t.Error("Intent slot must not be overwritten")
	}
}

func TestThresholdPolicyAdvances(t *testing.T) {
	s := New(nil, nil, "")

	cases := []struct {
		stage   string
		intent  float64
		advance bool
		next    string
	}{
		{"S0", 0.0, false, "S0"},
		{"S0", 0.9, false, "S0"},
		{"S1", 0.59, false, "S1"},
		{"S1", 0.6, true, "S2"},
		{"S2", 0.7, false, "S2"},
		{"S2", 0.8, true, "S4"},
		{"S3", 0.85, true, "S4"},
		{"S4", 0.99, false, "S4"},
	}

	for _, c := range cases {
		state := types.NewConversationState("t1", "c1", "u1")
		state.CurrentStage = c.stage
		state.IntentScore = c.intent

		dec := s.Decide(context.Background(), state, []types.Message{userTurn("好的")})
		if dec.Advance != c.advance {
			t.Errorf("stage %s intent %.2f: advance = %v, want %v", c.stage, c.intent, dec.Advance, c.advance)
		}
		if dec.NextStage != c.next {
			t.Errorf("stage %s intent %.2f: next = %s, want %s", c.stage, c.intent, dec.NextStage, c.next)
		}
	}
}

func TestLLMErrorTreatedAsNotComplete(t *testing.T) {
	client := &fakeClient{err: errors.New("boom")}
	s := New(client, nil, "m")

	state := types.NewConversationState("t1", "c1", "u1")
	state.CurrentStage = "S1"
	state.IntentScore = 0.2

	dec := s.Decide(context.Background(), state, []types.Message{userTurn("看看")})
	if client.calls != 1 {
		t.Fatalf("Expected one analysis call, got %d", client.calls)
	}
	if dec.Advance {
		t.Error("Failed analysis must not advance the stage")
	}
}

func TestLLMAnalysisDrivesDecision(t *testing.T) {
	client := &fakeClient{content: `{"complete": true, "intent_score": 0.7, "risk": "high", "slots": {"budget": "3000"}}`}
	profiles := fakeProfiles{
		"stage/S1": `{"goal": "了解需求", "next_stage": "S2", "slots": ["budget"]}`,
	}
	s := New(client, profiles, "m")

	state := types.NewConversationState("t1", "c1", "u1")
	state.CurrentStage = "S1"

	dec := s.Decide(context.Background(), state, []types.Message{userTurn("预算三千左右")})
	if !dec.Advance || dec.NextStage != "S2" {
		t.Fatalf("Expected advance to S2, got advance=%v next=%s", dec.Advance, dec.NextStage)
	}
	if dec.Slots["budget"] != "3000" {
		t.Errorf("Expected extracted slot, got %v", dec.Slots)
	}
	if dec.Risk != types.RiskHigh {
		t.Errorf("Expected high risk, got %s", dec.Risk)
	}
	if dec.IntentScore != 0.7 {
		t.Errorf("Expected intent 0.7, got %f", dec.IntentScore)
	}
	if dec.Usage.TotalTokens != 15 {
		t.Errorf("Expected usage accumulation, got %+v", dec.Usage)
	}
}

func TestAnalyzedCompleteWalksDefaultChain(t *testing.T) {
	cases := []struct {
		stage   string
		advance bool
		next    string
	}{
		{"S0", true, "S1"},
		{"S1", true, "S2"},
		{"S2", true, "S3"},
		{"S3", false, "S3"}, // end of the chain without an authored next_stage
	}

	for _, c := range cases {
		client := &fakeClient{content: `{"complete": true}`}
		s := New(client, nil, "m")

		state := types.NewConversationState("t1", "c1", "u1")
		state.CurrentStage = c.stage

		dec := s.Decide(context.Background(), state, []types.Message{userTurn("好的")})
		if dec.Advance != c.advance {
			t.Errorf("stage %s: advance = %v, want %v", c.stage, dec.Advance, c.advance)
		}
		if dec.NextStage != c.next {
			t.Errorf("stage %s: next = %s, want %s", c.stage, dec.NextStage, c.next)
		}
	}
}

func TestMalformedAnalysisJSONDegrades(t *testing.T) {
	client := &fakeClient{content: `not json`}
	s := New(client, nil, "m")

	state := types.NewConversationState("t1", "c1", "u1")
	state.CurrentStage = "S1"
	state.IntentScore = 0.9

	dec := s.Decide(context.Background(), state, []types.Message{userTurn("好")})
	if dec.Advance {
		t.Error("Malformed analysis must behave as completion-not-met")
	}
	// Token usage from the failed parse still accumulates.
	if dec.Usage.TotalTokens != 15 {
		t.Errorf("Expected usage even on parse failure, got %+v", dec.Usage)
	}
}

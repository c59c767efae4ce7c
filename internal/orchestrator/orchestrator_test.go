package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"convoguard/internal/audit"
	"convoguard/internal/knowledge"
	"convoguard/internal/llm"
	"convoguard/internal/routing"
	"convoguard/internal/store"
	"convoguard/internal/supervisor"
	"convoguard/internal/types"
)

// memStore is an in-memory Store for turn tests.
type memStore struct {
	mu        sync.Mutex
	states    map[string]*types.ConversationState
	turns     []types.Message
	items     []types.KnowledgeItem
	profiles  map[string]*types.ScriptProfile
	decisions []store.RoutingDecision
}

func newMemStore() *memStore {
	return &memStore{
		states:   make(map[string]*types.ConversationState),
		profiles: make(map[string]*types.ScriptProfile),
	}
}

func stateKey(tenant, channel, userID string) string {
	return tenant + "/" + channel + "/" + userID
}

func (m *memStore) GetState(_ context.Context, tenant, channel, userID string) (*types.ConversationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[stateKey(tenant, channel, userID)]; ok {
		copied := *s
		return &copied, nil
	}
	return types.NewConversationState(tenant, channel, userID), nil
}

func (m *memStore) UpsertState(_ context.Context, state *types.ConversationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *state
	m.states[stateKey(state.Tenant, state.Channel, state.UserID)] = &copied
	return nil
}

func (m *memStore) AppendTurn(_ context.Context, _, _, _, role, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, types.Message{Role: role, Content: content})
	return nil
}

func (m *memStore) RecentTurns(_ context.Context, _, _, _ string, limit int) ([]types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.turns) > limit {
		return append([]types.Message{}, m.turns[len(m.turns)-limit:]...), nil
	}
	return append([]types.Message{}, m.turns...), nil
}

func (m *memStore) ListKnowledgeItems(_ context.Context, _ string) ([]types.KnowledgeItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.KnowledgeItem{}, m.items...), nil
}

func (m *memStore) GetProfile(_ context.Context, _ string, ptype types.ProfileType, name, _ string) (*types.ScriptProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profiles[string(ptype)+"/"+name], nil
}

func (m *memStore) LogRoutingDecision(_ context.Context, d store.RoutingDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
	return nil
}

type scriptedLLM struct {
	mu    sync.Mutex
	reply string
	calls int
}

func (s *scriptedLLM) Complete(_ context.Context, _ llm.CompletionRequest) (*llm.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return &llm.Completion{
		Content: s.reply,
		Usage:   types.Usage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30},
	}, nil
}

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type approveAll struct{}

func (approveAll) Evaluate(_ context.Context, _, _ string) types.AuditResult {
	return types.AuditResult{Status: types.AuditStatusPass}
}

func testOrchestrator(st Store, gen llm.Client) *Orchestrator {
	return &Orchestrator{
		Tenant:     "shop-a",
		Store:      st,
		Knowledge:  knowledge.NewEngine(nil, nil),
		Supervisor: supervisor.New(nil, nil, ""),
		Resolver:   routing.NewResolver(routing.Defaults{Model: "gpt-4o-mini", Temperature: 0.3}),
		Pipeline: &audit.Pipeline{
			Generator: gen,
			Guard:     audit.NewStyleGuard(1),
			Primary:   approveAll{},
			Fallback:  audit.NewFallbackCache(""),
			Config:    audit.Config{Enabled: true},
		},
		Worker: NewWorker(2),
	}
}

func TestHandleMessageFullTurn(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	st := newMemStore()
	gen := &scriptedLLM{reply: "好的，这款产品很适合日常使用。"}
	o := testOrchestrator(st, gen)

	reply, err := o.HandleMessage(context.Background(), types.InboundMessage{
		Text: "我想了解一下价格", UserID: "u1", ChannelID: "c1",
	})
	require.NoError(t, err)
	o.Worker.Wait()

	assert.Equal(t, audit.ActionSendNormal, reply.Action)
	assert.Equal(t, "好的，这款产品很适合日常使用。", reply.Text)
	assert.Equal(t, "gpt-4o-mini", reply.Model)
	assert.NotEmpty(t, reply.RequestID)

	// Without an analysis client the numeric policy never leaves S0.
	assert.Equal(t, "S0", reply.Stage)
	saved := st.states[stateKey("shop-a", "c1", "u1")]
	require.NotNil(t, saved)
	assert.Equal(t, "S0", saved.CurrentStage)
	assert.Equal(t, "pricing", saved.Slots["intent"])

	// Both sides of the turn were recorded, in order.
	require.Len(t, st.turns, 2)
	assert.Equal(t, "user", st.turns[0].Role)
	assert.Equal(t, "assistant", st.turns[1].Role)

	// The side-effect worker logged the routing decision.
	require.Len(t, st.decisions, 1)
	assert.Equal(t, "gpt-4o-mini", st.decisions[0].Model)
	assert.True(t, st.decisions[0].FromDefault)
}

func TestHandleMessageHandoffShortCircuit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	st := newMemStore()
	gen := &scriptedLLM{reply: "不应该生成"}
	o := testOrchestrator(st, gen)
	o.Settings.HandoffMessage = "已转人工，请稍等。"

	reply, err := o.HandleMessage(context.Background(), types.InboundMessage{
		Text: "我要转人工", UserID: "u1", ChannelID: "c1",
	})
	require.NoError(t, err)
	o.Worker.Wait()

	assert.Equal(t, audit.ActionHandoffHuman, reply.Action)
	assert.Equal(t, "已转人工，请稍等。", reply.Text)
	assert.True(t, reply.HandedOff)
	assert.Equal(t, 0, gen.callCount(), "handoff must skip generation")

	saved := st.states[stateKey("shop-a", "c1", "u1")]
	require.NotNil(t, saved)
	assert.True(t, saved.HandoffRequired)
}

func TestHandleMessageUsesBindingProfile(t *testing.T) {
	st := newMemStore()
	st.profiles["binding/default"] = &types.ScriptProfile{
		Type: types.ProfileBinding,
		Name: "default",
		Content: `{"routes": [
			{"stage": "*", "persona": "*", "model": "gpt-4o", "temperature": 0.5, "weight": 10}
		]}`,
	}
	gen := &scriptedLLM{reply: "回复内容。"}
	o := testOrchestrator(st, gen)

	reply, err := o.HandleMessage(context.Background(), types.InboundMessage{
		Text: "在吗", UserID: "u2", ChannelID: "c1",
	})
	require.NoError(t, err)
	o.Worker.Wait()

	assert.Equal(t, "gpt-4o", reply.Model)
	require.Len(t, st.decisions, 1)
	assert.False(t, st.decisions[0].FromDefault)
	assert.Equal(t, 0, st.decisions[0].RuleIndex)
}

func TestHandleMessageKnowledgeInPrompt(t *testing.T) {
	st := newMemStore()
	st.items = []types.KnowledgeItem{
		{ID: "k1", Tenant: "shop-a", Title: "退货政策", Content: "七天无理由退货。"},
		{ID: "k2", Tenant: "shop-a", Title: "内部价格表", Content: "不可见", Tags: []string{"S3"}},
	}

	var captured llm.CompletionRequest
	gen := &captureLLM{reply: "可以退货。", captured: &captured}
	o := testOrchestrator(st, gen)

	_, err := o.HandleMessage(context.Background(), types.InboundMessage{
		Text: "退货政策是什么", UserID: "u3", ChannelID: "c1",
	})
	require.NoError(t, err)
	o.Worker.Wait()

	require.NotEmpty(t, captured.Messages)
	system := captured.Messages[0].Content
	assert.Contains(t, system, "退货政策")
	assert.NotContains(t, system, "内部价格表", "items tagged for another stage must stay out of scope")
}

type captureLLM struct {
	reply    string
	captured *llm.CompletionRequest
}

func (c *captureLLM) Complete(_ context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
	*c.captured = req
	return &llm.Completion{Content: c.reply}, nil
}

func TestWorkerBoundsAndDrains(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	w := NewWorker(2)
	var mu sync.Mutex
	ran := 0
	for i := 0; i < 10; i++ {
		err := w.Submit(context.Background(), func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
		require.NoError(t, err)
	}
	w.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, ran)
}

func TestWorkerSubmitHonorsContext(t *testing.T) {
	w := NewWorker(1)
	release := make(chan struct{})
	require.NoError(t, w.Submit(context.Background(), func() { <-release }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.Submit(ctx, func() { t.Error("task must not run after cancellation") })
	assert.Error(t, err)

	close(release)
	w.Wait()
}

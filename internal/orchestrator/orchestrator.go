// Package orchestrator composes one inbound message into an audited reply:
// state load, knowledge retrieval, supervisor decision, binding resolution,
// prompt assembly, guarded generation, and persistence.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"convoguard/internal/audit"
	"convoguard/internal/knowledge"
	"convoguard/internal/logging"
	"convoguard/internal/routing"
	"convoguard/internal/store"
	"convoguard/internal/supervisor"
	"convoguard/internal/types"
	"convoguard/internal/usage"
)

// Store is the persistence surface one turn needs. *store.Store satisfies it.
type Store interface {
	GetState(ctx context.Context, tenant, channel, userID string) (*types.ConversationState, error)
	UpsertState(ctx context.Context, state *types.ConversationState) error
	AppendTurn(ctx context.Context, tenant, channel, userID, role, content string) error
	RecentTurns(ctx context.Context, tenant, channel, userID string, limit int) ([]types.Message, error)
	ListKnowledgeItems(ctx context.Context, tenant string) ([]types.KnowledgeItem, error)
	GetProfile(ctx context.Context, tenant string, ptype types.ProfileType, name, version string) (*types.ScriptProfile, error)
	LogRoutingDecision(ctx context.Context, d store.RoutingDecision) error
}

// Settings carries the per-tenant knobs the orchestrator itself consumes.
type Settings struct {
	SystemPrompt   string
	BindingProfile string
	KBTopN         int
	HistoryWindow  int
	HandoffMessage string
}

// Reply is the outcome of one handled message.
type Reply struct {
	Text        string
	Action      string
	Stage       string
	Persona     string
	Model       string
	RequestID   string
	Usage       types.Usage
	HandedOff   bool
}

// Orchestrator handles inbound messages for one tenant. Each call to
// HandleMessage is an independent unit of work; calls for different users
// may run concurrently, the per-turn steps inside one call are sequential.
type Orchestrator struct {
	Tenant     string
	Store      Store
	Knowledge  *knowledge.Engine
	Supervisor *supervisor.Supervisor
	Resolver   *routing.Resolver
	Pipeline   *audit.Pipeline
	Tracker    *usage.Tracker
	Events     *logging.EventLog
	Worker     *Worker
	Settings   Settings
}

const (
	defaultHistoryWindow  = 10
	defaultHandoffMessage = "已为您转接人工客服，请稍候。"
	defaultSystemPrompt   = "你是一名专业的客服助手，用简洁友好的中文回答用户问题。"
)

// HandleMessage runs the full turn for one inbound message and returns the
// reply to send. It only errors on persistence failures that make the turn
// unanswerable; generation and audit failures degrade inside the pipeline.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg types.InboundMessage) (*Reply, error) {
	start := time.Now()
	requestID := uuid.NewString()
	events := o.events().WithScope(o.Tenant, msg.ChannelID+":"+msg.UserID, requestID)
	events.TurnStart(utf8.RuneCountInString(msg.Text))

	timer := logging.StartTimer(logging.CategoryTurn, "turn "+requestID)
	defer timer.Stop()

	state, err := o.Store.GetState(ctx, o.Tenant, msg.ChannelID, msg.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation state: %w", err)
	}

	window := o.Settings.HistoryWindow
	if window <= 0 {
		window = defaultHistoryWindow
	}
	history, err := o.Store.RecentTurns(ctx, o.Tenant, msg.ChannelID, msg.UserID, window)
	if err != nil {
		logging.TurnError("Failed to load history, continuing without: %v", err)
		history = nil
	}
	dialog := append(append([]types.Message{}, history...), types.Message{Role: "user", Content: msg.Text})

	// Knowledge retrieval, scoped to the current stage.
	items, err := o.Store.ListKnowledgeItems(ctx, o.Tenant)
	if err != nil {
		logging.KnowledgeDebug("Knowledge listing failed, continuing without: %v", err)
	}
	hits := o.retrieve(ctx, msg.Text, state.CurrentStage, items)

	// Supervisor decision. Handoff short-circuits the rest of the turn.
	decision := o.Supervisor.Decide(ctx, state, dialog)
	o.trackUsage("supervisor", o.Supervisor.Model, decision.Usage)
	if decision.NeedHuman {
		return o.handoff(ctx, state, msg, decision, requestID, events, start)
	}
	o.applyDecision(state, decision, events)

	// Binding resolution.
	selection := o.resolve(ctx, state, msg.Text, len(hits))
	events.RoutingDecision(selection.Model, selection.RuleIndex, selection.Score, selection.FromDefault)

	systemPrompt := o.buildSystemPrompt(ctx, state, hits)

	outcome := o.Pipeline.GenerateWithAudit(ctx, audit.Request{
		Tenant:       o.Tenant,
		Model:        selection.Model,
		Temperature:  selection.Temperature,
		MaxTokens:    500,
		SystemPrompt: systemPrompt,
		History:      history,
		UserMessage:  msg.Text,
	})
	o.trackUsage("generation", selection.Model, outcome.Usage)

	state.HandoffRequired = outcome.Status.FinalAction == audit.ActionHandoffHuman
	if err := o.persistTurn(ctx, state, msg.Text, outcome.Content); err != nil {
		return nil, err
	}

	o.submitSideEffects(state, selection, events, outcome.Status.FinalAction, start)

	return &Reply{
		Text:      outcome.Content,
		Action:    outcome.Status.FinalAction,
		Stage:     state.CurrentStage,
		Persona:   state.PersonaID,
		Model:     selection.Model,
		RequestID: requestID,
		Usage:     outcome.Usage,
		HandedOff: state.HandoffRequired,
	}, nil
}

// retrieve filters items to the current stage scope before searching: an
// item participates when untagged, tagged "all", or tagged with the stage.
func (o *Orchestrator) retrieve(ctx context.Context, query, stage string, items []types.KnowledgeItem) []knowledge.Hit {
	scoped := make([]types.KnowledgeItem, 0, len(items))
	for _, item := range items {
		if inStageScope(item, stage) {
			scoped = append(scoped, item)
		}
	}

	topN := o.Settings.KBTopN
	if topN <= 0 {
		topN = 3
	}
	return o.Knowledge.Retrieve(ctx, o.Tenant, query, scoped, topN)
}

func inStageScope(item types.KnowledgeItem, stage string) bool {
	if len(item.Tags) == 0 {
		return true
	}
	for _, tag := range item.Tags {
		if tag == "all" || tag == stage {
			return true
		}
	}
	return false
}

func (o *Orchestrator) applyDecision(state *types.ConversationState, dec supervisor.Decision, events *logging.EventLog) {
	if dec.Advance && dec.NextStage != state.CurrentStage {
		events.StageAdvance(state.CurrentStage, dec.NextStage, dec.IntentScore)
		logging.Turn("Stage %s -> %s (intent %.2f)", state.CurrentStage, dec.NextStage, dec.IntentScore)
		state.CurrentStage = dec.NextStage
	}
	if dec.Persona != "" {
		state.PersonaID = dec.Persona
	}
	state.IntentScore = dec.IntentScore
	state.RiskLevel = dec.Risk
	if state.Slots == nil {
		state.Slots = map[string]string{}
	}
	for k, v := range dec.Slots {
		if v != "" {
			state.Slots[k] = v
		}
	}
}

func (o *Orchestrator) resolve(ctx context.Context, state *types.ConversationState, text string, kbHits int) routing.Selection {
	var profile types.BindingProfile
	name := o.Settings.BindingProfile
	if name == "" {
		name = "default"
	}
	if prof, err := o.Store.GetProfile(ctx, o.Tenant, types.ProfileBinding, name, ""); err != nil {
		logging.RoutingDebug("Binding profile load failed, using defaults: %v", err)
	} else if prof != nil {
		profile = types.ParseBindingProfile(prof.Content)
	}

	return o.Resolver.Resolve(state, profile, routing.Context{
		KBHits:     kbHits,
		MessageLen: utf8.RuneCountInString(text),
	})
}

// buildSystemPrompt layers the persona and stage profiles over the tenant
// base prompt, then appends retrieved knowledge for the model to draw on.
func (o *Orchestrator) buildSystemPrompt(ctx context.Context, state *types.ConversationState, hits []knowledge.Hit) string {
	base := o.Settings.SystemPrompt
	if base == "" {
		base = defaultSystemPrompt
	}
	parts := []string{base}

	if prof, err := o.Store.GetProfile(ctx, o.Tenant, types.ProfilePersona, state.PersonaID, ""); err == nil && prof != nil {
		p := types.ParsePersonaProfile(prof.Content)
		if p.Description != "" || p.Style != "" {
			parts = append(parts, fmt.Sprintf("\n【当前人设 (%s)】\n%s\n回复风格: %s", state.PersonaID, p.Description, p.Style))
		}
	}

	if prof, err := o.Store.GetProfile(ctx, o.Tenant, types.ProfileStage, state.CurrentStage, ""); err == nil && prof != nil {
		s := types.ParseStageProfile(prof.Content)
		parts = append(parts, fmt.Sprintf("\n【当前阶段 (%s)】\n阶段描述: %s\n当前目标: %s", state.CurrentStage, s.Description, s.Goal))
		if s.Constraints != "" {
			parts = append(parts, "约束条件: "+s.Constraints)
		}
	}

	if len(hits) > 0 {
		var kb strings.Builder
		kb.WriteString("\n【知识库参考】")
		for _, hit := range hits {
			kb.WriteString("\n- " + hit.Item.Title + ": " + hit.Item.Content)
		}
		parts = append(parts, kb.String())
	}

	parts = append(parts, fmt.Sprintf("\nStage=%s Persona=%s", state.CurrentStage, state.PersonaID))
	return strings.Join(parts, "\n")
}

// handoff ends the turn with the human-handoff notice and a flagged state.
func (o *Orchestrator) handoff(ctx context.Context, state *types.ConversationState, msg types.InboundMessage, dec supervisor.Decision, requestID string, events *logging.EventLog, start time.Time) (*Reply, error) {
	state.HandoffRequired = true
	state.RiskLevel = dec.Risk
	if len(dec.RiskFlags) > 0 {
		events.Handoff(strings.Join(dec.RiskFlags, ","))
	} else {
		events.Handoff("supervisor")
	}

	text := o.Settings.HandoffMessage
	if text == "" {
		text = defaultHandoffMessage
	}
	if err := o.persistTurn(ctx, state, msg.Text, text); err != nil {
		return nil, err
	}
	events.TurnEnd(audit.ActionHandoffHuman, time.Since(start).Milliseconds(), true)

	return &Reply{
		Text:      text,
		Action:    audit.ActionHandoffHuman,
		Stage:     state.CurrentStage,
		Persona:   state.PersonaID,
		RequestID: requestID,
		Usage:     dec.Usage,
		HandedOff: true,
	}, nil
}

func (o *Orchestrator) persistTurn(ctx context.Context, state *types.ConversationState, userText, replyText string) error {
	if err := o.Store.UpsertState(ctx, state); err != nil {
		return fmt.Errorf("failed to persist conversation state: %w", err)
	}
	if err := o.Store.AppendTurn(ctx, state.Tenant, state.Channel, state.UserID, "user", userText); err != nil {
		logging.StoreError("Failed to append user turn: %v", err)
	}
	if err := o.Store.AppendTurn(ctx, state.Tenant, state.Channel, state.UserID, "assistant", replyText); err != nil {
		logging.StoreError("Failed to append assistant turn: %v", err)
	}
	return nil
}

// submitSideEffects pushes the decision log and turn-end event through the
// bounded worker so the reply path never waits on them.
func (o *Orchestrator) submitSideEffects(state *types.ConversationState, sel routing.Selection, events *logging.EventLog, action string, start time.Time) {
	if o.Worker == nil {
		return
	}
	tenant, channel, userID := state.Tenant, state.Channel, state.UserID
	stage, persona := state.CurrentStage, state.PersonaID
	elapsed := time.Since(start).Milliseconds()

	_ = o.Worker.Submit(context.Background(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.Store.LogRoutingDecision(ctx, store.RoutingDecision{
			Tenant:      tenant,
			Channel:     channel,
			UserID:      userID,
			Stage:       stage,
			Persona:     persona,
			Model:       sel.Model,
			RuleIndex:   sel.RuleIndex,
			Score:       sel.Score,
			FromDefault: sel.FromDefault,
		}); err != nil {
			logging.StoreError("Failed to log routing decision: %v", err)
		}
		events.TurnEnd(action, elapsed, true)
	})
}

func (o *Orchestrator) trackUsage(operation, model string, u types.Usage) {
	if o.Tracker == nil {
		return
	}
	o.Tracker.Track(o.Tenant, model, operation, u)
}

func (o *Orchestrator) events() *logging.EventLog {
	if o.Events == nil {
		return &logging.EventLog{}
	}
	return o.Events
}

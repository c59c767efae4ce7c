// Package supervisor decides how a conversation progresses: whether to hand
// off to a human, which slots were filled, whether the current stage is
// complete, and what stage and persona apply to the next reply.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"convoguard/internal/llm"
	"convoguard/internal/logging"
	"convoguard/internal/types"
)

// Intent thresholds for the numeric fallback policy used when no LLM client
// is available or the analysis call fails.
const (
	advanceEarlyThreshold = 0.6 // S1 -> S2
	advanceLateThreshold  = 0.8 // S2/S3 -> S4
)

// handoffPhrases trigger an immediate human handoff when found in any of
// the last few user turns.
var handoffPhrases = []string{
	"转人工", "人工客服", "真人客服", "找人工", "要人工",
	"human agent", "real person", "speak to a human",
}

// intentKeywords seed the intent slot from plain message text.
var intentKeywords = map[string]string{
	"购买":  "purchase",
	"下单":  "purchase",
	"订购":  "purchase",
	"多少钱": "pricing",
	"价格":  "pricing",
	"优惠":  "pricing",
	"退货":  "aftersales",
	"退款":  "aftersales",
	"投诉":  "aftersales",
}

// defaultChain is the stage progression when a stage profile names no
// next_stage.
var defaultChain = map[string]string{
	"S0": "S1",
	"S1": "S2",
	"S2": "S3",
}

// Decision is the supervisor's verdict for one turn.
type Decision struct {
	Advance     bool
	NextStage   string
	Persona     string
	Slots       map[string]string
	IntentScore float64
	Risk        types.RiskLevel
	NeedHuman   bool
	RiskFlags   []string
	Usage       types.Usage
}

// ProfileSource loads script profiles.
type ProfileSource interface {
	GetProfile(ctx context.Context, tenant string, ptype types.ProfileType, name, version string) (*types.ScriptProfile, error)
}

// Supervisor evaluates conversation progression. Client is optional: without
// it (or when the analysis call fails) the numeric intent policy applies.
type Supervisor struct {
	Client   llm.Client
	Profiles ProfileSource
	Model    string
}

// New creates a supervisor.
func New(client llm.Client, profiles ProfileSource, model string) *Supervisor {
	return &Supervisor{Client: client, Profiles: profiles, Model: model}
}

// Decide evaluates the turn. It never returns an error: every failure mode
// degrades to a conservative decision (stay in stage, keep persona).
func (s *Supervisor) Decide(ctx context.Context, state *types.ConversationState, recentDialog []types.Message) Decision {
	dec := Decision{
		NextStage:   state.CurrentStage,
		Persona:     state.PersonaID,
		Slots:       map[string]string{},
		IntentScore: state.IntentScore,
		Risk:        state.RiskLevel,
	}

	// (a) Handoff triggers bypass stage logic entirely for this turn.
	if phrase := findHandoffPhrase(recentDialog); phrase != "" {
		logging.Supervisor("Handoff requested via phrase %q", phrase)
		dec.NeedHuman = true
		dec.RiskFlags = append(dec.RiskFlags, "handoff_requested")
		return dec
	}

	lastUser := lastUserMessage(recentDialog)

	// (b) Keyword intent inference seeds the intent slot if nothing has
	// set it yet.
	if _, has := state.Slots["intent"]; !has {
		if intent := inferIntent(lastUser); intent != "" {
			dec.Slots["intent"] = intent
		}
	}

	// (c) Stage profile, if authored.
	var stage types.StageProfile
	if s.Profiles != nil {
		if p, err := s.Profiles.GetProfile(ctx, state.Tenant, types.ProfileStage, state.CurrentStage, ""); err != nil {
			logging.SupervisorWarn("Stage profile load failed for %s: %v", state.CurrentStage, err)
		} else if p != nil {
			stage = types.ParseStageProfile(p.Content)
		}
	}

	// (d) LLM structured analysis when a client is configured. A failed
	// analysis counts as completion-not-met; the numeric policy applies
	// only when no analysis was attempted at all.
	complete := false
	analyzed := false
	attempted := false
	if s.Client != nil && lastUser != "" {
		attempted = true
		if a, usage, err := s.analyze(ctx, state, stage, recentDialog); err != nil {
			// Analysis failures are logged and treated as not-complete.
			logging.SupervisorWarn("Stage analysis failed: %v", err)
			dec.Usage.Add(usage)
		} else {
			analyzed = true
			complete = a.Complete
			dec.Usage.Add(usage)
			if a.IntentScore > 0 {
				dec.IntentScore = clamp01(a.IntentScore)
			}
			if a.Risk != "" {
				dec.Risk = types.RiskLevel(strings.ToLower(a.Risk))
			}
			for k, v := range a.Slots {
				if v != "" {
					dec.Slots[k] = v
				}
			}
			if a.Persona != "" {
				dec.Persona = a.Persona
			}
		}
	}

	// (e) Numeric fallback policy.
	if !attempted {
		complete = thresholdComplete(state.CurrentStage, dec.IntentScore)
	}

	if complete {
		next := stage.NextStage
		if next == "" {
			// The analyzed path only ever walks the default chain; the S4
			// closing target belongs to the numeric policy alone.
			if analyzed {
				next = defaultChain[state.CurrentStage]
			} else {
				next = thresholdNext(state.CurrentStage)
			}
		}
		if next != "" && next != state.CurrentStage {
			dec.Advance = true
			dec.NextStage = next
			logging.Supervisor("Stage advance %s -> %s (intent=%.2f)", state.CurrentStage, next, dec.IntentScore)
		}
	}

	return dec
}

// =============================================================================
// HELPERS
// =============================================================================

func findHandoffPhrase(dialog []types.Message) string {
	// Only the last 3 user turns count.
	userTurns := 0
	for i := len(dialog) - 1; i >= 0 && userTurns < 3; i-- {
		if dialog[i].Role != "user" {
			continue
		}
		userTurns++
		lower := strings.ToLower(dialog[i].Content)
		for _, phrase := range handoffPhrases {
			if strings.Contains(lower, strings.ToLower(phrase)) {
				return phrase
			}
		}
	}
	return ""
}

func lastUserMessage(dialog []types.Message) string {
	for i := len(dialog) - 1; i >= 0; i-- {
		if dialog[i].Role == "user" {
			return dialog[i].Content
		}
	}
	return ""
}

func inferIntent(text string) string {
	for keyword, intent := range intentKeywords {
		if strings.Contains(text, keyword) {
			return intent
		}
	}
	return ""
}

// thresholdComplete is the numeric policy applied when no analysis ran.
// S0 deliberately never advances on intent alone: the opening stage waits
// for an authored profile or an analysis verdict.
func thresholdComplete(stage string, intent float64) bool {
	switch stage {
	case "S1":
		return intent >= advanceEarlyThreshold
	case "S2", "S3":
		return intent >= advanceLateThreshold
	default:
		return false
	}
}

func thresholdNext(stage string) string {
	switch stage {
	case "S2", "S3":
		return "S4"
	default:
		return defaultChain[stage]
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// =============================================================================
// LLM ANALYSIS
// =============================================================================

type analysis struct {
	Complete    bool              `json:"complete"`
	IntentScore float64           `json:"intent_score"`
	Risk        string            `json:"risk"`
	Persona     string            `json:"persona"`
	Slots       map[string]string `json:"slots"`
}

func (s *Supervisor) analyze(ctx context.Context, state *types.ConversationState, stage types.StageProfile, dialog []types.Message) (analysis, types.Usage, error) {
	var a analysis

	var sb strings.Builder
	sb.WriteString("你是销售对话的阶段监督器。根据以下信息输出JSON。\n")
	fmt.Fprintf(&sb, "当前阶段: %s\n", state.CurrentStage)
	if stage.Goal != "" {
		fmt.Fprintf(&sb, "阶段目标: %s\n", stage.Goal)
	}
	if stage.CompletionCondition != "" {
		fmt.Fprintf(&sb, "完成条件: %s\n", stage.CompletionCondition)
	}
	if len(stage.Slots) > 0 {
		fmt.Fprintf(&sb, "需要提取的信息: %s\n", strings.Join(stage.Slots, ", "))
	}
	sb.WriteString("最近对话:\n")
	for _, m := range dialog {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	sb.WriteString(`输出JSON格式: {"complete": bool, "intent_score": 0到1, "risk": "low|medium|high", "slots": {"名称": "值"}}`)

	resp, err := s.Client.Complete(ctx, llm.CompletionRequest{
		Model:       s.Model,
		Temperature: 0,
		JSONMode:    true,
		Messages: []types.Message{
			{Role: "user", Content: sb.String()},
		},
	})
	if err != nil {
		return a, types.Usage{}, fmt.Errorf("analysis call failed: %w", err)
	}

	if err := json.Unmarshal([]byte(resp.Content), &a); err != nil {
		return a, resp.Usage, fmt.Errorf("analysis response not valid JSON: %w", err)
	}
	return a, resp.Usage, nil
}

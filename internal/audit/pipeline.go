package audit

import (
	"context"
	"strings"
	"time"

	"convoguard/internal/keywords"
	"convoguard/internal/llm"
	"convoguard/internal/logging"
	"convoguard/internal/types"
)

// Final actions the pipeline can decide on.
const (
	ActionSendNormal    = "send_normal"
	ActionSendRewritten = "send_rewritten"
	ActionSafeReply     = "send_safe_reply"
	ActionHandoffHuman  = "handoff_human"
)

// Guidance lines appended to the system prompt. Strength at or above the
// strict threshold switches to the harsher wording.
const (
	strictGuideThreshold = 0.7
	guideNormal          = "注意：回复需符合平台合规要求，避免绝对化承诺和夸大表述。"
	guideStrict          = "严格要求：回复必须完全符合合规要求。禁止任何绝对化承诺、夸大宣传或诱导性表述，禁止暴露机器人身份。违规回复将被拦截。"
)

// Config controls pipeline behavior for one tenant.
type Config struct {
	Enabled           bool
	GuideStrength     float64
	MaxRegenerations  int
	HandoffMessage    string
	KBFallbackMessage string

	// Active schedule window; zero bounds mean always active. Outside the
	// window the pipeline behaves as if disabled.
	ScheduleStart time.Time
	ScheduleEnd   time.Time
}

func (c Config) active(now time.Time) bool {
	if !c.Enabled {
		return false
	}
	if !c.ScheduleStart.IsZero() && now.Before(c.ScheduleStart) {
		return false
	}
	if !c.ScheduleEnd.IsZero() && now.After(c.ScheduleEnd) {
		return false
	}
	return true
}

// Request describes one guarded generation.
type Request struct {
	Tenant       string
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	History      []types.Message
	UserMessage  string
}

// Status records what the pipeline did, for the audit event log and replies
// that need to explain themselves.
type Status struct {
	StyleGuardApplied    bool
	AuditPrimaryPassed   bool
	AuditSecondaryPassed bool
	FinalAction          string
}

// Outcome is the pipeline result. Content is always sendable: on any
// failure it carries a safe reply, never the rejected generation.
type Outcome struct {
	Content string
	Usage   types.Usage
	Status  Status
}

// Pipeline wires generation and safety checks. Secondary is optional; leave
// it nil outside dual mode.
type Pipeline struct {
	Generator llm.Client
	Filter    *keywords.Filter
	Guard     *StyleGuard
	Primary   Judge
	Secondary Judge
	Fallback  *FallbackCache
	Events    *logging.EventLog
	Config    Config
}

// GenerateWithAudit runs the full guarded generation flow. It never returns
// an error: every failure converts into a safe-reply or handoff outcome, and
// token usage accumulates across all LLM calls even on failure.
func (p *Pipeline) GenerateWithAudit(ctx context.Context, req Request) Outcome {
	var usage types.Usage
	var status Status

	// Auditing disabled (or outside the schedule window): generate, style
	// guard, send. The guard is deterministic and always applies.
	if !p.Config.active(time.Now()) {
		content, u, err := p.generate(ctx, req, "")
		usage.Add(u)
		if err != nil {
			logging.AuditWarn("Generation failed with auditing inactive: %v", err)
			return p.fallbackOutcome(types.AuditResult{Reason: err.Error()}, usage, status)
		}
		guarded, changed := p.applyGuard(content)
		status.StyleGuardApplied = changed
		status.FinalAction = ActionSendNormal
		if changed {
			status.FinalAction = ActionSendRewritten
		}
		return Outcome{Content: guarded, Usage: usage, Status: status}
	}

	// Input keyword screen: a hit means no generation at all.
	if p.Filter != nil {
		if safe, category, term := p.Filter.Check(req.UserMessage); !safe {
			p.events().KeywordHit("input", category, term)
			return p.fallbackOutcome(types.AuditResult{Reason: "input keyword " + category + ": " + term}, usage, status)
		}
	}

	suggestion := ""
	maxAttempts := 1 + p.Config.MaxRegenerations
	for attempt := 0; attempt < maxAttempts; attempt++ {
		content, u, err := p.generate(ctx, req, suggestion)
		usage.Add(u)
		if err != nil {
			logging.AuditWarn("Generation failed: %v", err)
			p.events().Error("audit", err, false)
			return p.fallbackOutcome(types.AuditResult{Reason: err.Error()}, usage, status)
		}

		guarded, changed := p.applyGuard(content)
		status.StyleGuardApplied = changed

		// Output keyword screen. A hit here is a hard stop: the guard
		// already had its chance, and regeneration is reserved for judge
		// verdicts.
		if p.Filter != nil {
			if safe, category, term := p.Filter.Check(guarded); !safe {
				p.events().KeywordHit("output", category, term)
				return p.fallbackOutcome(types.AuditResult{Reason: "output keyword " + category + ": " + term}, usage, status)
			}
		}

		// Primary judge.
		if p.Primary != nil {
			start := time.Now()
			res := p.Primary.Evaluate(ctx, req.UserMessage, guarded)
			usage.Add(res.Usage)
			p.events().Verdict("primary", res.Approved(), res.Reason, time.Since(start).Milliseconds())
			if !res.Approved() {
				status.AuditPrimaryPassed = false
				if attempt+1 < maxAttempts {
					suggestion = res.Suggestion
					continue
				}
				return p.fallbackOutcome(res, usage, status)
			}
			status.AuditPrimaryPassed = true
		}

		// Secondary judge, only consulted after a primary pass.
		if p.Secondary != nil {
			start := time.Now()
			res := p.Secondary.Evaluate(ctx, req.UserMessage, guarded)
			usage.Add(res.Usage)
			p.events().Verdict("secondary", res.Approved(), res.Reason, time.Since(start).Milliseconds())
			if !res.Approved() {
				status.AuditSecondaryPassed = false
				if attempt+1 < maxAttempts {
					suggestion = res.Suggestion
					continue
				}
				return p.fallbackOutcome(res, usage, status)
			}
			status.AuditSecondaryPassed = true
		}

		status.FinalAction = ActionSendNormal
		if changed {
			status.FinalAction = ActionSendRewritten
		}
		return Outcome{Content: guarded, Usage: usage, Status: status}
	}

	// Unreachable: the loop always returns. Kept for exhaustiveness.
	return p.fallbackOutcome(types.AuditResult{Reason: "no generation attempt succeeded"}, usage, status)
}

// generate calls the model with the compliance guidance line (and, on
// regeneration, the failing judge's suggestion) appended to the system
// prompt.
func (p *Pipeline) generate(ctx context.Context, req Request, suggestion string) (string, types.Usage, error) {
	guide := guideNormal
	if p.Config.GuideStrength >= strictGuideThreshold {
		guide = guideStrict
	}

	system := strings.TrimSpace(req.SystemPrompt + "\n\n" + guide)
	if suggestion != "" {
		system += "\n上次回复未通过审核，改进建议：" + suggestion
	}

	messages := make([]types.Message, 0, len(req.History)+2)
	messages = append(messages, types.Message{Role: "system", Content: system})
	messages = append(messages, req.History...)
	messages = append(messages, types.Message{Role: "user", Content: req.UserMessage})

	resp, err := p.Generator.Complete(ctx, llm.CompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", types.Usage{}, err
	}
	return resp.Content, resp.Usage, nil
}

func (p *Pipeline) applyGuard(content string) (string, bool) {
	if p.Guard == nil {
		return content, false
	}
	return p.Guard.Apply(content)
}

// fallbackOutcome selects the safe reply for a failed result. The failing
// suggestion text routes the decision: a human/manual hint becomes a
// handoff, a more-information hint becomes the knowledge fallback message,
// anything else draws a random operator fallback line.
func (p *Pipeline) fallbackOutcome(res types.AuditResult, usage types.Usage, status Status) Outcome {
	hint := strings.ToLower(res.Suggestion + " " + res.Reason)

	switch {
	case containsAny(hint, "human", "manual", "人工", "转人工"):
		status.FinalAction = ActionHandoffHuman
		p.events().Fallback("handoff", res.Reason)
		msg := p.Config.HandoffMessage
		if msg == "" {
			msg = "已为您转接人工客服，请稍候。"
		}
		return Outcome{Content: msg, Usage: usage, Status: status}

	case containsAny(hint, "more info", "补充", "提供信息", "资料"):
		status.FinalAction = ActionSafeReply
		p.events().Fallback("kb", res.Reason)
		msg := p.Config.KBFallbackMessage
		if msg == "" {
			msg = defaultSafeReply
		}
		return Outcome{Content: msg, Usage: usage, Status: status}

	default:
		status.FinalAction = ActionSafeReply
		p.events().Fallback("generic", res.Reason)
		msg := defaultSafeReply
		if p.Fallback != nil {
			msg = p.Fallback.Pick()
		}
		return Outcome{Content: msg, Usage: usage, Status: status}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// events returns a usable sink even when none was injected.
func (p *Pipeline) events() *logging.EventLog {
	if p.Events == nil {
		return &logging.EventLog{}
	}
	return p.Events
}

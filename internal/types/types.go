// Package types holds the shared domain model for the conversation
// orchestration pipeline: conversation state, script profiles, binding
// rules, knowledge items, and audit results.
package types

import (
	"encoding/json"
	"strings"
	"time"
)

// =============================================================================
// RISK LEVELS
// =============================================================================

// RiskLevel classifies the current conversation risk.
type RiskLevel string

const (
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
	RiskUnknown RiskLevel = "unknown"
)

// Order returns the comparison rank: low < medium < high.
// Unknown is ranked as medium.
func (r RiskLevel) Order() int {
	switch RiskLevel(strings.ToLower(string(r))) {
	case RiskLow:
		return 0
	case RiskHigh:
		return 2
	default:
		return 1
	}
}

// =============================================================================
// CONVERSATION STATE
// =============================================================================

// ConversationState is the single live state record per (tenant, channel, user).
type ConversationState struct {
	Tenant          string            `json:"tenant"`
	Channel         string            `json:"channel"`
	UserID          string            `json:"user_id"`
	CurrentStage    string            `json:"current_stage"`
	PersonaID       string            `json:"persona_id"`
	IntentScore     float64           `json:"intent_score"`
	RiskLevel       RiskLevel         `json:"risk_level"`
	Slots           map[string]string `json:"slots"`
	HandoffRequired bool              `json:"handoff_required"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// DefaultStage and DefaultPersona seed a fresh conversation.
const (
	DefaultStage   = "S0"
	DefaultPersona = "calm_professional"
)

// NewConversationState returns the initial state for a first message.
func NewConversationState(tenant, channel, userID string) *ConversationState {
	return &ConversationState{
		Tenant:       tenant,
		Channel:      channel,
		UserID:       userID,
		CurrentStage: DefaultStage,
		PersonaID:    DefaultPersona,
		IntentScore:  0,
		RiskLevel:    RiskUnknown,
		Slots:        make(map[string]string),
		UpdatedAt:    time.Now(),
	}
}

// =============================================================================
// SCRIPT PROFILES
// =============================================================================

// ProfileType is the closed set of script profile variants.
type ProfileType string

const (
	ProfileStage      ProfileType = "stage"
	ProfilePersona    ProfileType = "persona"
	ProfileBinding    ProfileType = "binding"
	ProfileStyleGuard ProfileType = "style_guard"
)

// ScriptProfile is an operator-authored configuration document.
// Content is the raw JSON body; use the typed parse helpers to read it.
// Multiple versions of a (tenant, type, name) may coexist.
type ScriptProfile struct {
	Tenant    string      `json:"tenant"`
	Type      ProfileType `json:"profile_type"`
	Name      string      `json:"name"`
	Version   string      `json:"version"`
	Content   string      `json:"content"`
	Enabled   bool        `json:"enabled"`
	CreatedAt time.Time   `json:"created_at"`
}

// StageProfile is the typed content of a "stage" profile.
type StageProfile struct {
	Description         string   `json:"description"`
	Goal                string   `json:"goal"`
	Constraints         string   `json:"constraints"`
	CompletionCondition string   `json:"completion_condition"`
	NextStage           string   `json:"next_stage"`
	Slots               []string `json:"slots"`
}

// PersonaProfile is the typed content of a "persona" profile.
type PersonaProfile struct {
	Description string `json:"description"`
	Style       string `json:"style"`
}

// BindingRule maps (stage, persona, context constraints) to a model choice.
// Stage and Persona accept "*" as a wildcard. Optional bounds are pointers
// so "absent" and "zero" stay distinguishable.
type BindingRule struct {
	Stage       string    `json:"stage"`
	Persona     string    `json:"persona"`
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	Weight      float64   `json:"weight"`
	KBRequired  bool      `json:"kb_required"`
	MinMsgLen   int       `json:"min_msg_len"`
	IntentMin   *float64  `json:"intent_min,omitempty"`
	IntentMax   *float64  `json:"intent_max,omitempty"`
	RiskMax     RiskLevel `json:"risk_max,omitempty"`
}

// BindingDefault is the fallback when no rule matches.
type BindingDefault struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
}

// BindingProfile is the typed content of a "binding" profile.
type BindingProfile struct {
	Routes  []BindingRule  `json:"routes"`
	Default BindingDefault `json:"default"`
}

// StyleGuardProfile is the typed content of a "style_guard" profile.
type StyleGuardProfile struct {
	IdentityPatterns []string    `json:"identity_patterns"`
	MaxQuestions     *int        `json:"max_questions,omitempty"`
	RewriteRules     [][2]string `json:"rewrite_rules"`
}

// ParseStageProfile decodes stage content. Malformed JSON yields the zero
// profile so processing continues with defaults.
func ParseStageProfile(content string) StageProfile {
	var p StageProfile
	if content != "" {
		_ = json.Unmarshal([]byte(content), &p)
	}
	return p
}

// ParsePersonaProfile decodes persona content, empty on malformed input.
func ParsePersonaProfile(content string) PersonaProfile {
	var p PersonaProfile
	if content != "" {
		_ = json.Unmarshal([]byte(content), &p)
	}
	return p
}

// ParseBindingProfile decodes binding content, empty on malformed input.
func ParseBindingProfile(content string) BindingProfile {
	var p BindingProfile
	if content != "" {
		_ = json.Unmarshal([]byte(content), &p)
	}
	return p
}

// ParseStyleGuardProfile decodes style guard content, empty on malformed input.
func ParseStyleGuardProfile(content string) StyleGuardProfile {
	var p StyleGuardProfile
	if content != "" {
		_ = json.Unmarshal([]byte(content), &p)
	}
	return p
}

// =============================================================================
// KNOWLEDGE
// =============================================================================

// KnowledgeItem is a retrievable unit of tenant knowledge. Immutable during
// retrieval; mutated only by the external KB-management collaborator.
type KnowledgeItem struct {
	ID       string   `json:"id"`
	Tenant   string   `json:"tenant"`
	Title    string   `json:"title"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
	Content  string   `json:"content"`
	Source   string   `json:"source"`
}

// =============================================================================
// MESSAGES AND USAGE
// =============================================================================

// Message is a single chat turn in LLM wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InboundMessage is what a chat transport delivers for one user message.
type InboundMessage struct {
	Text      string `json:"text"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	IsPrivate bool   `json:"is_private"`
	IsGroup   bool   `json:"is_group"`
	Mentioned bool   `json:"mentioned"`
}

// Usage accumulates token counts across the LLM calls of a turn.
type Usage struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	Model            string `json:"model,omitempty"`
}

// Add merges another usage sample into the accumulator. The model name
// tracks the most recent non-empty sample.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	if other.Model != "" {
		u.Model = other.Model
	}
}

// =============================================================================
// AUDIT RESULTS
// =============================================================================

// Audit verdict statuses. Only the exact uppercase "PASS" approves.
const (
	AuditStatusPass = "PASS"
	AuditStatusFail = "FAIL"
)

// AuditResult is the verdict of a single safety audit. Ephemeral: produced
// per generation attempt, never persisted beyond logging.
type AuditResult struct {
	Status     string `json:"status"`
	Reason     string `json:"reason"`
	Suggestion string `json:"suggestion"`
	Usage      Usage  `json:"usage"`
}

// Approved reports whether the verdict is a strict PASS.
func (r AuditResult) Approved() bool {
	return strings.TrimSpace(r.Status) == AuditStatusPass
}

// Package routing resolves which model and temperature serve a turn, by
// scoring the tenant's binding rules against conversation state and turn
// context.
package routing

import (
	"sort"

	"convoguard/internal/logging"
	"convoguard/internal/types"
)

// Scoring bonuses. Weight is the operator-assigned base; exact matches and
// satisfied constraints add specificity on top.
const (
	bonusExactStage    = 5
	bonusExactPersona  = 5
	bonusKBSatisfied   = 2
	bonusIntentBounded = 1
	bonusRiskBounded   = 1
)

// Context carries the per-turn facts rules are matched against.
type Context struct {
	KBHits     int
	MessageLen int
}

// Selection is the routing outcome.
type Selection struct {
	Model       string
	Temperature float64
	MatchedRule *types.BindingRule
	RuleIndex   int // index into the profile's routes; -1 for the default
	Score       float64
	FromDefault bool
}

// Defaults supplies the tenant fallback when no rule is eligible.
type Defaults struct {
	Model       string
	Temperature float64
}

// Resolver scores binding rules.
type Resolver struct {
	Defaults Defaults
}

// NewResolver creates a resolver with tenant defaults.
func NewResolver(defaults Defaults) *Resolver {
	return &Resolver{Defaults: defaults}
}

// Resolve picks the highest-scoring eligible rule. Ties resolve by
// declaration order: the sort is stable and compares only by score, so the
// first-listed rule of a tied score wins. With no eligible rule the tenant
// default applies; the profile's own default overrides the resolver's.
func (r *Resolver) Resolve(state *types.ConversationState, profile types.BindingProfile, ctx Context) Selection {
	type candidate struct {
		rule  types.BindingRule
		index int
		score float64
	}

	var candidates []candidate
	for i, rule := range profile.Routes {
		if !eligible(rule, state, ctx) {
			continue
		}
		candidates = append(candidates, candidate{
			rule:  rule,
			index: i,
			score: score(rule, state, ctx),
		})
	}

	if len(candidates) == 0 {
		sel := Selection{
			Model:       profile.Default.Model,
			Temperature: profile.Default.Temperature,
			RuleIndex:   -1,
			FromDefault: true,
		}
		if sel.Model == "" {
			sel.Model = r.Defaults.Model
			sel.Temperature = r.Defaults.Temperature
		}
		logging.Routing("No eligible rule, using default model %s", sel.Model)
		return sel
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	best := candidates[0]
	sel := Selection{
		Model:       best.rule.Model,
		Temperature: best.rule.Temperature,
		MatchedRule: &best.rule,
		RuleIndex:   best.index,
		Score:       best.score,
	}
	if sel.Model == "" {
		// A rule without a model still routes; it inherits the default.
		sel.Model = profile.Default.Model
		if sel.Model == "" {
			sel.Model = r.Defaults.Model
		}
	}
	logging.RoutingDebug("Rule %d selected: model=%s score=%.1f", best.index, sel.Model, best.score)
	return sel
}

func eligible(rule types.BindingRule, state *types.ConversationState, ctx Context) bool {
	if rule.Stage != "*" && rule.Stage != state.CurrentStage {
		return false
	}
	if rule.Persona != "*" && rule.Persona != state.PersonaID {
		return false
	}
	if rule.KBRequired && ctx.KBHits == 0 {
		return false
	}
	if rule.MinMsgLen > 0 && ctx.MessageLen < rule.MinMsgLen {
		return false
	}
	if rule.IntentMin != nil && state.IntentScore < *rule.IntentMin {
		return false
	}
	if rule.IntentMax != nil && state.IntentScore > *rule.IntentMax {
		return false
	}
	if rule.RiskMax != "" && state.RiskLevel.Order() > rule.RiskMax.Order() {
		return false
	}
	return true
}

func score(rule types.BindingRule, state *types.ConversationState, ctx Context) float64 {
	s := rule.Weight
	if rule.Stage == state.CurrentStage {
		s += bonusExactStage
	}
	if rule.Persona == state.PersonaID {
		s += bonusExactPersona
	}
	if rule.KBRequired && ctx.KBHits > 0 {
		s += bonusKBSatisfied
	}
	if rule.IntentMin != nil || rule.IntentMax != nil {
		s += bonusIntentBounded
	}
	if rule.RiskMax != "" {
		s += bonusRiskBounded
	}
	return s
}

package audit

import (
	"regexp"
	"strings"

	"convoguard/internal/types"
)

// Built-in style guard rules. Operators can extend them through a
// style_guard profile; the built-ins always apply.
var (
	defaultIdentityPatterns = []*regexp.Regexp{
		regexp.MustCompile(`作为(一个|一名)?(AI|人工智能|语言模型|智能助手)[，,]?\s*`),
		regexp.MustCompile(`我(只)?是(一个|一名)?(AI|人工智能|语言模型|智能助手)[，,]?\s*`),
		regexp.MustCompile(`(?i)as an? (AI|artificial intelligence|language model)[,]?\s*`),
		regexp.MustCompile(`(?i)I('| a)?m (an? )?(AI|artificial intelligence|language model)[,]?\s*`),
	}

	defaultSofteners = []struct {
		pattern     *regexp.Regexp
		replacement string
	}{
		{regexp.MustCompile(`100%|百分之百|绝对|保证`), "通常"},
		{regexp.MustCompile(`必须|一定要|务必`), "建议"},
		{regexp.MustCompile(`强烈推荐|最佳|顶级`), "较为适合"},
	}
)

// StyleGuard deterministically rewrites generated text: strips AI identity
// phrasing, caps question marks, and softens absolute claims.
type StyleGuard struct {
	identity     []*regexp.Regexp
	softeners    []struct{ pattern, replacement string }
	maxQuestions int
}

// NewStyleGuard creates a guard with the built-in rules and the given
// question-mark cap (values below 0 mean uncapped; 0 converts every mark).
func NewStyleGuard(maxQuestions int) *StyleGuard {
	return &StyleGuard{maxQuestions: maxQuestions}
}

// WithProfile layers an operator style_guard profile over the built-ins.
// Invalid custom patterns are skipped.
func (g *StyleGuard) WithProfile(p types.StyleGuardProfile) *StyleGuard {
	out := &StyleGuard{maxQuestions: g.maxQuestions}
	out.softeners = append(out.softeners, g.softeners...)
	out.identity = append(out.identity, g.identity...)
	for _, pat := range p.IdentityPatterns {
		if re, err := regexp.Compile(pat); err == nil {
			out.identity = append(out.identity, re)
		}
	}
	for _, rule := range p.RewriteRules {
		out.softeners = append(out.softeners, struct{ pattern, replacement string }{rule[0], rule[1]})
	}
	if p.MaxQuestions != nil {
		out.maxQuestions = *p.MaxQuestions
	}
	return out
}

// Apply rewrites text. Returns the result and whether anything changed.
func (g *StyleGuard) Apply(text string) (string, bool) {
	original := text

	for _, re := range defaultIdentityPatterns {
		text = re.ReplaceAllString(text, "")
	}
	for _, re := range g.identity {
		text = re.ReplaceAllString(text, "")
	}

	for _, s := range defaultSofteners {
		text = s.pattern.ReplaceAllString(text, s.replacement)
	}
	for _, s := range g.softeners {
		if re, err := regexp.Compile(s.pattern); err == nil {
			text = re.ReplaceAllString(text, s.replacement)
		}
	}

	text = g.capQuestions(text)
	text = strings.TrimSpace(text)

	return text, text != original
}

// capQuestions keeps the first maxQuestions question marks and turns the
// rest into periods. Both half- and full-width marks count.
func (g *StyleGuard) capQuestions(text string) string {
	if g.maxQuestions < 0 {
		return text
	}
	seen := 0
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '?' || r == '？' {
			seen++
			if seen > g.maxQuestions {
				b.WriteRune('。')
				continue
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}

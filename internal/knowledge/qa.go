package knowledge

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"convoguard/internal/types"
)

// QAPair is a curated question/answer with optional question variants.
type QAPair struct {
	Questions []string
	Answer    string
}

// splitVariants breaks a question field into variants on "/", "|" and the
// full-width "｜" separator.
func splitVariants(q string) []string {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil
	}
	parts := strings.FieldsFunc(q, func(r rune) bool {
		return r == '/' || r == '|' || r == '｜'
	})
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadQAPairs parses the authored QA text format:
//
//	# comment lines and blanks are ignored
//	问题A/问题B||答案           one-line form, "||" separates Q and A
//	Q: 问题A|问题B              block form
//	A: 答案（直到下一个 Q: 或文件结束）
func LoadQAPairs(path string) ([]QAPair, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open qa file: %w", err)
	}
	defer file.Close()

	var (
		pairs     []QAPair
		questions []string
		answer    []string
		inAnswer  bool
	)

	flush := func() {
		if len(questions) > 0 && len(answer) > 0 {
			pairs = append(pairs, QAPair{
				Questions: questions,
				Answer:    strings.TrimSpace(strings.Join(answer, "\n")),
			})
		}
		questions, answer, inAnswer = nil, nil, false
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// One-line form
		if idx := strings.Index(line, "||"); idx >= 0 {
			flush()
			qs := splitVariants(line[:idx])
			a := strings.TrimSpace(line[idx+2:])
			if len(qs) > 0 && a != "" {
				pairs = append(pairs, QAPair{Questions: qs, Answer: a})
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "Q:") || strings.HasPrefix(line, "Q："):
			flush()
			questions = splitVariants(strings.TrimPrefix(strings.TrimPrefix(line, "Q:"), "Q："))
		case strings.HasPrefix(line, "A:") || strings.HasPrefix(line, "A："):
			inAnswer = true
			a := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, "A:"), "A："))
			if a != "" {
				answer = append(answer, a)
			}
		default:
			if inAnswer {
				answer = append(answer, line)
			}
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read qa file: %w", err)
	}
	return pairs, nil
}

// qaPairsFromItems extracts QA pairs from knowledge items authored in the
// "Question: ... Answer: ..." content convention. An item counts as QA-like
// when its category is "qa" or it carries a "qa" tag.
func qaPairsFromItems(items []types.KnowledgeItem) []QAPair {
	var pairs []QAPair
	for _, item := range items {
		if !isQAItem(item) {
			continue
		}
		q, a := parseQAContent(item.Content)
		if len(q) == 0 && item.Title != "" {
			q = splitVariants(item.Title)
		}
		if len(q) > 0 && a != "" {
			pairs = append(pairs, QAPair{Questions: q, Answer: a})
		}
	}
	return pairs
}

func isQAItem(item types.KnowledgeItem) bool {
	if strings.EqualFold(item.Category, "qa") {
		return true
	}
	for _, tag := range item.Tags {
		if strings.EqualFold(tag, "qa") {
			return true
		}
	}
	return false
}

func parseQAContent(content string) (questions []string, answer string) {
	var answerLines []string
	inAnswer := false
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "Question:"):
			questions = splitVariants(strings.TrimPrefix(line, "Question:"))
			inAnswer = false
		case strings.HasPrefix(line, "Answer:"):
			inAnswer = true
			if a := strings.TrimSpace(strings.TrimPrefix(line, "Answer:")); a != "" {
				answerLines = append(answerLines, a)
			}
		default:
			if inAnswer && line != "" {
				answerLines = append(answerLines, line)
			}
		}
	}
	return questions, strings.TrimSpace(strings.Join(answerLines, "\n"))
}

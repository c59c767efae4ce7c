package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"convoguard/internal/llm"
	"convoguard/internal/logging"
	"convoguard/internal/types"
)

// Judge evaluates a candidate reply. Implementations never return errors:
// any failure mode yields a FAIL verdict so the pipeline stays fail-closed.
type Judge interface {
	Evaluate(ctx context.Context, userMessage, reply string) types.AuditResult
}

// =============================================================================
// LOCAL JUDGE
// =============================================================================

// LocalJudge audits replies with an LLM call in JSON mode.
type LocalJudge struct {
	Client llm.Client
	Model  string
}

// NewLocalJudge creates a local judge.
func NewLocalJudge(client llm.Client, model string) *LocalJudge {
	return &LocalJudge{Client: client, Model: model}
}

const judgePrompt = `你是客服回复的合规审核员。审核下面的回复是否存在以下问题：
- 违规承诺（夸大功效、绝对化保证、虚假宣传）
- 泄露内部信息或暴露机器人身份
- 诱导绕过平台（私下转账、站外联系）
- 答非所问或可能激怒用户

用户消息:
%s

待审核回复:
%s

输出JSON: {"status": "PASS" 或 "FAIL", "reason": "原因", "suggestion": "改进建议"}`

// Evaluate runs the audit call. Call errors and malformed responses are
// FAIL verdicts, never PASS.
func (j *LocalJudge) Evaluate(ctx context.Context, userMessage, reply string) types.AuditResult {
	if j.Client == nil {
		return types.AuditResult{Status: types.AuditStatusFail, Reason: "no judge client configured"}
	}

	resp, err := j.Client.Complete(ctx, llm.CompletionRequest{
		Model:       j.Model,
		Temperature: 0,
		JSONMode:    true,
		Messages: []types.Message{
			{Role: "user", Content: fmt.Sprintf(judgePrompt, userMessage, reply)},
		},
	})
	if err != nil {
		logging.AuditWarn("Local judge call failed: %v", err)
		return types.AuditResult{Status: types.AuditStatusFail, Reason: fmt.Sprintf("judge call failed: %v", err)}
	}

	var result types.AuditResult
	if err := json.Unmarshal([]byte(resp.Content), &result); err != nil {
		logging.AuditWarn("Local judge returned malformed JSON: %v", err)
		return types.AuditResult{
			Status: types.AuditStatusFail,
			Reason: "judge response not valid JSON",
			Usage:  resp.Usage,
		}
	}
	result.Status = strings.TrimSpace(result.Status)
	result.Usage = resp.Usage
	return result
}

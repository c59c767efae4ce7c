package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"convoguard/internal/logging"
	"convoguard/internal/types"
)

// RemoteJudge delegates verdicts to an ordered list of audit servers. The
// last server that answered successfully is tried first on the next call
// (sticky-first); when every server fails the verdict is FAIL, never PASS.
type RemoteJudge struct {
	servers []string
	timeout time.Duration
	client  *http.Client

	mu      sync.Mutex
	lastOK  int
}

// NewRemoteJudge creates a remote judge over servers. timeout applies per
// server attempt; zero means 3 seconds.
func NewRemoteJudge(servers []string, timeout time.Duration) *RemoteJudge {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &RemoteJudge{
		servers: servers,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

type remoteRequest struct {
	Message string `json:"message"`
	Reply   string `json:"reply"`
}

type remoteResponse struct {
	Status     string `json:"status"`
	Reason     string `json:"reason"`
	Suggestion string `json:"suggestion"`
}

// Evaluate tries servers sticky-first. Fail-closed on total failure.
func (j *RemoteJudge) Evaluate(ctx context.Context, userMessage, reply string) types.AuditResult {
	if len(j.servers) == 0 {
		return types.AuditResult{Status: types.AuditStatusFail, Reason: "no audit servers configured"}
	}

	j.mu.Lock()
	start := j.lastOK
	j.mu.Unlock()

	var lastErr error
	for i := 0; i < len(j.servers); i++ {
		idx := (start + i) % len(j.servers)
		result, err := j.call(ctx, j.servers[idx], userMessage, reply)
		if err != nil {
			logging.AuditWarn("Audit server %s failed: %v", j.servers[idx], err)
			lastErr = err
			continue
		}

		j.mu.Lock()
		j.lastOK = idx
		j.mu.Unlock()
		return result
	}

	return types.AuditResult{
		Status: types.AuditStatusFail,
		Reason: fmt.Sprintf("all audit servers unavailable: %v", lastErr),
	}
}

func (j *RemoteJudge) call(ctx context.Context, server, userMessage, reply string) (types.AuditResult, error) {
	body, err := json.Marshal(remoteRequest{Message: userMessage, Reply: reply})
	if err != nil {
		return types.AuditResult{}, fmt.Errorf("failed to marshal audit request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	url := strings.TrimRight(server, "/") + "/audit"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return types.AuditResult{}, fmt.Errorf("failed to create audit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.client.Do(req)
	if err != nil {
		return types.AuditResult{}, fmt.Errorf("audit request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.AuditResult{}, fmt.Errorf("audit server returned status %d", resp.StatusCode)
	}

	var parsed remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return types.AuditResult{}, fmt.Errorf("failed to decode audit response: %w", err)
	}

	return types.AuditResult{
		Status:     strings.TrimSpace(parsed.Status),
		Reason:     parsed.Reason,
		Suggestion: parsed.Suggestion,
	}, nil
}

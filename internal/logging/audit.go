// Audit event logging: append-only JSON-line events describing what the
// pipeline did to each message. One event per decision point so a reply can
// be replayed from the log alone.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType defines the type of audit event
type AuditEventType string

const (
	// Turn lifecycle events
	AuditTurnStart AuditEventType = "turn_start"
	AuditTurnEnd   AuditEventType = "turn_end"

	// Keyword screening events
	AuditKeywordBlock     AuditEventType = "keyword_block"
	AuditKeywordSensitive AuditEventType = "keyword_sensitive"
	AuditKeywordAllow     AuditEventType = "keyword_allow"

	// Content-safety verdicts
	AuditVerdictPass AuditEventType = "audit_pass"
	AuditVerdictFail AuditEventType = "audit_fail"
	AuditFallback    AuditEventType = "audit_fallback"

	// Routing events
	AuditRoutingDecision AuditEventType = "routing_decision"

	// Supervisor events
	AuditStageAdvance AuditEventType = "stage_advance"
	AuditHandoff      AuditEventType = "handoff"

	// LLM API events
	AuditLLMRequest  AuditEventType = "llm_request"
	AuditLLMResponse AuditEventType = "llm_response"
	AuditLLMError    AuditEventType = "llm_error"

	// Error events
	AuditErrorGeneric  AuditEventType = "error_generic"
	AuditErrorCritical AuditEventType = "error_critical"
)

// =============================================================================
// AUDIT EVENT STRUCTURE
// =============================================================================

// AuditEvent represents a structured audit log entry.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	Tenant     string                 `json:"tenant"`
	SessionID  string                 `json:"session"` // conversation correlation
	RequestID  string                 `json:"req"`     // per-turn correlation
	Target     string                 `json:"target"`  // target of operation
	Action     string                 `json:"action"`  // action being performed
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms"`
	Error      string                 `json:"error"`
	Message    string                 `json:"msg"`
	Fields     map[string]interface{} `json:"fields"`
}

// =============================================================================
// EVENT LOG
// =============================================================================

// eventSink serializes writes to the shared event file. Every scoped
// EventLog points at the same sink, so closing one closes them all.
type eventSink struct {
	mu   sync.Mutex
	file *os.File
}

func (s *eventSink) write(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		s.file.WriteString(line)
	}
}

func (s *eventSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// EventLog is an append-only JSON-line audit sink. Unlike the category
// loggers it is an explicit instance: construct one per process and inject
// it into the components that emit events.
type EventLog struct {
	sink *eventSink

	tenant    string
	sessionID string
	requestID string
}

// NewEventLog opens (creating if needed) the audit event file under dir.
func NewEventLog(dir string) (*EventLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	date := time.Now().Format("2006-01-02")
	path := filepath.Join(dir, fmt.Sprintf("%s_events.log", date))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit event log: %w", err)
	}
	return &EventLog{sink: &eventSink{file: file}}, nil
}

// Close closes the underlying file for this log and every scope derived
// from it.
func (e *EventLog) Close() error {
	if e == nil || e.sink == nil {
		return nil
	}
	return e.sink.close()
}

// WithScope returns a copy scoped to a tenant/session/request, sharing the
// underlying file. Scoped values become defaults for events that leave them
// blank.
func (e *EventLog) WithScope(tenant, sessionID, requestID string) *EventLog {
	var sink *eventSink
	if e != nil {
		sink = e.sink
	}
	return &EventLog{
		sink:      sink,
		tenant:    tenant,
		sessionID: sessionID,
		requestID: requestID,
	}
}

// Log writes an audit event as one JSON line.
func (e *EventLog) Log(event AuditEvent) {
	if e == nil || e.sink == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.Tenant == "" {
		event.Tenant = e.tenant
	}
	if event.SessionID == "" {
		event.SessionID = e.sessionID
	}
	if event.RequestID == "" {
		event.RequestID = e.requestID
	}
	if event.Fields == nil {
		event.Fields = make(map[string]interface{})
	}

	data, err := json.Marshal(event)
	if err == nil {
		e.sink.write(string(data) + "\n")
	}
}

// =============================================================================
// CONVENIENCE METHODS FOR COMMON EVENTS
// =============================================================================

// TurnStart logs the start of a message turn
func (e *EventLog) TurnStart(inputLen int) {
	e.Log(AuditEvent{
		EventType: AuditTurnStart,
		Success:   true,
		Fields:    map[string]interface{}{"input_len": inputLen},
		Message:   fmt.Sprintf("Turn started (%d chars)", inputLen),
	})
}

// TurnEnd logs the end of a message turn
func (e *EventLog) TurnEnd(finalAction string, durationMs int64, success bool) {
	e.Log(AuditEvent{
		EventType:  AuditTurnEnd,
		Action:     finalAction,
		Success:    success,
		DurationMs: durationMs,
		Message:    fmt.Sprintf("Turn ended: %s (%dms, success=%v)", finalAction, durationMs, success),
	})
}

// KeywordHit logs a keyword screen result for a non-clean category
func (e *EventLog) KeywordHit(stage, category, term string) {
	eventType := AuditKeywordSensitive
	if category == "block" {
		eventType = AuditKeywordBlock
	} else if category == "allow" {
		eventType = AuditKeywordAllow
	}
	e.Log(AuditEvent{
		EventType: eventType,
		Action:    stage, // "input" or "output"
		Target:    term,
		Success:   category == "allow",
		Fields:    map[string]interface{}{"category": category},
		Message:   fmt.Sprintf("Keyword %s hit on %s screen: %q", category, stage, term),
	})
}

// Verdict logs a content-safety judge verdict
func (e *EventLog) Verdict(judge string, approved bool, reason string, durationMs int64) {
	eventType := AuditVerdictPass
	if !approved {
		eventType = AuditVerdictFail
	}
	e.Log(AuditEvent{
		EventType:  eventType,
		Target:     judge, // "primary" or "secondary"
		Success:    approved,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"reason": reason},
		Message:    fmt.Sprintf("Audit %s: approved=%v (%s)", judge, approved, reason),
	})
}

// Fallback logs that a safe reply replaced the generated content
func (e *EventLog) Fallback(kind, reason string) {
	e.Log(AuditEvent{
		EventType: AuditFallback,
		Action:    kind,
		Success:   true,
		Fields:    map[string]interface{}{"reason": reason},
		Message:   fmt.Sprintf("Fallback %s: %s", kind, reason),
	})
}

// RoutingDecision logs the binding resolution outcome
func (e *EventLog) RoutingDecision(model string, ruleIndex int, score float64, fromDefault bool) {
	e.Log(AuditEvent{
		EventType: AuditRoutingDecision,
		Target:    model,
		Success:   true,
		Fields: map[string]interface{}{
			"rule_index": ruleIndex,
			"score":      score,
			"default":    fromDefault,
		},
		Message: fmt.Sprintf("Routed to %s (rule=%d score=%.1f default=%v)", model, ruleIndex, score, fromDefault),
	})
}

// StageAdvance logs a supervisor stage transition
func (e *EventLog) StageAdvance(from, to string, intent float64) {
	e.Log(AuditEvent{
		EventType: AuditStageAdvance,
		Action:    from,
		Target:    to,
		Success:   true,
		Fields:    map[string]interface{}{"intent": intent},
		Message:   fmt.Sprintf("Stage advance %s -> %s (intent=%.2f)", from, to, intent),
	})
}

// Handoff logs a human-handoff decision
func (e *EventLog) Handoff(reason string) {
	e.Log(AuditEvent{
		EventType: AuditHandoff,
		Success:   true,
		Fields:    map[string]interface{}{"reason": reason},
		Message:   fmt.Sprintf("Handoff to human: %s", reason),
	})
}

// LLMCall logs an LLM API call
func (e *EventLog) LLMCall(model, operation string, tokens int, durationMs int64, success bool, errMsg string) {
	eventType := AuditLLMResponse
	if !success {
		eventType = AuditLLMError
	}
	e.Log(AuditEvent{
		EventType:  eventType,
		Target:     model,
		Action:     operation,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Fields:     map[string]interface{}{"tokens": tokens},
		Message:    fmt.Sprintf("LLM %s: %s -> %d tokens (%dms, success=%v)", operation, model, tokens, durationMs, success),
	})
}

// Error logs an error event
func (e *EventLog) Error(category string, err error, critical bool) {
	eventType := AuditErrorGeneric
	if critical {
		eventType = AuditErrorCritical
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	e.Log(AuditEvent{
		EventType: eventType,
		Target:    category,
		Success:   false,
		Error:     errMsg,
		Message:   fmt.Sprintf("Error in %s: %s (critical=%v)", category, errMsg, critical),
	})
}

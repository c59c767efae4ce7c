// Package store persists pipeline state in SQLite: conversation state,
// script profiles, knowledge items and vectors, dialog turns, and the
// routing decision log. Uses the pure-Go driver so deployments need no cgo.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"convoguard/internal/logging"
	"convoguard/internal/types"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	entropy *ulid.MonotonicEntropy
	entMu   sync.Mutex
}

// New opens (creating if needed) the database at path and applies the schema.
// Use ":memory:" for tests.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:      db,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Store opened: %s", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewID returns a new ULID string for rows that need an identifier.
func (s *Store) NewID() string {
	s.entMu.Lock()
	defer s.entMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversation_state (
		tenant       TEXT NOT NULL,
		channel      TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		current_stage TEXT NOT NULL,
		persona_id   TEXT NOT NULL,
		intent_score REAL NOT NULL DEFAULT 0,
		risk_level   TEXT NOT NULL DEFAULT 'unknown',
		slots        TEXT NOT NULL DEFAULT '{}',
		handoff      INTEGER NOT NULL DEFAULT 0,
		updated_at   INTEGER NOT NULL,
		PRIMARY KEY (tenant, channel, user_id)
	);

	CREATE TABLE IF NOT EXISTS script_profiles (
		id           TEXT PRIMARY KEY,
		tenant       TEXT NOT NULL,
		profile_type TEXT NOT NULL,
		name         TEXT NOT NULL,
		version      TEXT NOT NULL,
		content      TEXT NOT NULL,
		enabled      INTEGER NOT NULL DEFAULT 1,
		created_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_profiles_lookup
		ON script_profiles(tenant, profile_type, name, enabled);

	CREATE TABLE IF NOT EXISTS knowledge_items (
		id       TEXT PRIMARY KEY,
		tenant   TEXT NOT NULL,
		title    TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		tags     TEXT NOT NULL DEFAULT '[]',
		content  TEXT NOT NULL,
		source   TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_knowledge_tenant ON knowledge_items(tenant);

	CREATE TABLE IF NOT EXISTS knowledge_vectors (
		item_id TEXT PRIMARY KEY REFERENCES knowledge_items(id) ON DELETE CASCADE,
		dims    INTEGER NOT NULL,
		vector  BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversation_turns (
		id         TEXT PRIMARY KEY,
		tenant     TEXT NOT NULL,
		channel    TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_conv
		ON conversation_turns(tenant, channel, user_id, created_at);

	CREATE TABLE IF NOT EXISTS routing_decisions (
		id          TEXT PRIMARY KEY,
		tenant      TEXT NOT NULL,
		channel     TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		stage       TEXT NOT NULL,
		persona     TEXT NOT NULL,
		model       TEXT NOT NULL,
		rule_index  INTEGER NOT NULL,
		score       REAL NOT NULL,
		from_default INTEGER NOT NULL,
		created_at  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage_snapshots (
		id         TEXT PRIMARY KEY,
		tenant     TEXT NOT NULL,
		snapshot   TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// =============================================================================
// CONVERSATION STATE
// =============================================================================

// GetState loads the state for (tenant, channel, user). A missing row yields
// a fresh default state, never an error.
func (s *Store) GetState(ctx context.Context, tenant, channel, userID string) (*types.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT current_stage, persona_id, intent_score, risk_level, slots, handoff, updated_at
		FROM conversation_state
		WHERE tenant = ? AND channel = ? AND user_id = ?`,
		tenant, channel, userID)

	var (
		state     = types.NewConversationState(tenant, channel, userID)
		slotsJSON string
		handoff   int
		updatedAt int64
	)
	err := row.Scan(&state.CurrentStage, &state.PersonaID, &state.IntentScore,
		&state.RiskLevel, &slotsJSON, &handoff, &updatedAt)
	if err == sql.ErrNoRows {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	state.HandoffRequired = handoff != 0
	state.UpdatedAt = time.UnixMilli(updatedAt)
	if err := json.Unmarshal([]byte(slotsJSON), &state.Slots); err != nil || state.Slots == nil {
		state.Slots = make(map[string]string)
	}
	return state, nil
}

// UpsertState writes the state row, replacing any existing one.
func (s *Store) UpsertState(ctx context.Context, state *types.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slotsJSON, err := json.Marshal(state.Slots)
	if err != nil {
		return fmt.Errorf("failed to encode slots: %w", err)
	}
	handoff := 0
	if state.HandoffRequired {
		handoff = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_state
			(tenant, channel, user_id, current_stage, persona_id, intent_score, risk_level, slots, handoff, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant, channel, user_id) DO UPDATE SET
			current_stage = excluded.current_stage,
			persona_id    = excluded.persona_id,
			intent_score  = excluded.intent_score,
			risk_level    = excluded.risk_level,
			slots         = excluded.slots,
			handoff       = excluded.handoff,
			updated_at    = excluded.updated_at`,
		state.Tenant, state.Channel, state.UserID, state.CurrentStage, state.PersonaID,
		state.IntentScore, string(state.RiskLevel), string(slotsJSON), handoff,
		time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert state: %w", err)
	}
	return nil
}

// DeleteState removes the state row, if any.
func (s *Store) DeleteState(ctx context.Context, tenant, channel, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_state WHERE tenant = ? AND channel = ? AND user_id = ?`,
		tenant, channel, userID)
	if err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

// =============================================================================
// SCRIPT PROFILES
// =============================================================================

// SaveProfile inserts a profile version.
func (s *Store) SaveProfile(ctx context.Context, p *types.ScriptProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enabled := 0
	if p.Enabled {
		enabled = 1
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO script_profiles (id, tenant, profile_type, name, version, content, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.NewID(), p.Tenant, string(p.Type), p.Name, p.Version, p.Content, enabled,
		created.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// GetProfile loads a profile by name. An empty version selects the most
// recently created enabled version. Returns (nil, nil) when absent.
func (s *Store) GetProfile(ctx context.Context, tenant string, ptype types.ProfileType, name, version string) (*types.ScriptProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT tenant, profile_type, name, version, content, enabled, created_at
		FROM script_profiles
		WHERE tenant = ? AND profile_type = ? AND name = ? AND enabled = 1`
	args := []interface{}{tenant, string(ptype), name}
	if version != "" {
		query += ` AND version = ?`
		args = append(args, version)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)

	var (
		p         types.ScriptProfile
		ptypeStr  string
		enabled   int
		createdAt int64
	)
	err := row.Scan(&p.Tenant, &ptypeStr, &p.Name, &p.Version, &p.Content, &enabled, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	p.Type = types.ProfileType(ptypeStr)
	p.Enabled = enabled != 0
	p.CreatedAt = time.UnixMilli(createdAt)
	return &p, nil
}

// =============================================================================
// KNOWLEDGE
// =============================================================================

// UpsertKnowledgeItem writes a knowledge item. An empty ID gets a new ULID.
// Returns the item's ID.
func (s *Store) UpsertKnowledgeItem(ctx context.Context, item *types.KnowledgeItem) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		item.ID = s.NewID()
	}
	tagsJSON, err := json.Marshal(item.Tags)
	if err != nil {
		return "", fmt.Errorf("failed to encode tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge_items (id, tenant, title, category, tags, content, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title, category = excluded.category,
			tags = excluded.tags, content = excluded.content, source = excluded.source`,
		item.ID, item.Tenant, item.Title, item.Category, string(tagsJSON), item.Content, item.Source)
	if err != nil {
		return "", fmt.Errorf("failed to upsert knowledge item: %w", err)
	}
	return item.ID, nil
}

// ListKnowledgeItems returns all items for a tenant.
func (s *Store) ListKnowledgeItems(ctx context.Context, tenant string) ([]types.KnowledgeItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant, title, category, tags, content, source
		FROM knowledge_items WHERE tenant = ?`, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge items: %w", err)
	}
	defer rows.Close()

	var items []types.KnowledgeItem
	for rows.Next() {
		var (
			item     types.KnowledgeItem
			tagsJSON string
		)
		if err := rows.Scan(&item.ID, &item.Tenant, &item.Title, &item.Category,
			&tagsJSON, &item.Content, &item.Source); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge item: %w", err)
		}
		_ = json.Unmarshal([]byte(tagsJSON), &item.Tags)
		items = append(items, item)
	}
	return items, rows.Err()
}

// SaveVector stores the embedding for a knowledge item.
func (s *Store) SaveVector(ctx context.Context, itemID string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_vectors (item_id, dims, vector) VALUES (?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET dims = excluded.dims, vector = excluded.vector`,
		itemID, len(vec), encodeVector(vec))
	if err != nil {
		return fmt.Errorf("failed to save vector: %w", err)
	}
	return nil
}

// GetVectors returns the stored embeddings for a tenant, keyed by item ID.
func (s *Store) GetVectors(ctx context.Context, tenant string) (map[string][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT v.item_id, v.vector
		FROM knowledge_vectors v
		JOIN knowledge_items i ON i.id = v.item_id
		WHERE i.tenant = ?`, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to load vectors: %w", err)
	}
	defer rows.Close()

	vectors := make(map[string][]float32)
	for rows.Next() {
		var (
			id   string
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan vector: %w", err)
		}
		vectors[id] = decodeVector(blob)
	}
	return vectors, rows.Err()
}

// encodeVector packs a float32 slice into little-endian bytes.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

// =============================================================================
// DIALOG TURNS
// =============================================================================

// AppendTurn stores one dialog turn for later supervisor context.
func (s *Store) AppendTurn(ctx context.Context, tenant, channel, userID, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (id, tenant, channel, user_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.NewID(), tenant, channel, userID, role, content, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}

// RecentTurns returns the last limit turns in chronological order.
func (s *Store) RecentTurns(ctx context.Context, tenant, channel, userID string, limit int) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content FROM (
			SELECT role, content, created_at, id FROM conversation_turns
			WHERE tenant = ? AND channel = ? AND user_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC`,
		tenant, channel, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}
	defer rows.Close()

	var turns []types.Message
	for rows.Next() {
		var m types.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, m)
	}
	return turns, rows.Err()
}

// =============================================================================
// ROUTING DECISION LOG
// =============================================================================

// RoutingDecision is one persisted routing outcome for later playback.
type RoutingDecision struct {
	Tenant      string
	Channel     string
	UserID      string
	Stage       string
	Persona     string
	Model       string
	RuleIndex   int
	Score       float64
	FromDefault bool
}

// LogRoutingDecision persists a routing outcome.
func (s *Store) LogRoutingDecision(ctx context.Context, d RoutingDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fromDefault := 0
	if d.FromDefault {
		fromDefault = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routing_decisions
			(id, tenant, channel, user_id, stage, persona, model, rule_index, score, from_default, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.NewID(), d.Tenant, d.Channel, d.UserID, d.Stage, d.Persona, d.Model,
		d.RuleIndex, d.Score, fromDefault, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to log routing decision: %w", err)
	}
	return nil
}

// =============================================================================
// USAGE SNAPSHOTS
// =============================================================================

// SaveUsageSnapshot persists a JSON usage aggregate for a tenant.
func (s *Store) SaveUsageSnapshot(ctx context.Context, tenant, snapshotJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_snapshots (id, tenant, snapshot, created_at) VALUES (?, ?, ?, ?)`,
		s.NewID(), tenant, snapshotJSON, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save usage snapshot: %w", err)
	}
	return nil
}

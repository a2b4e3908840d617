package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kaphack/realtime-crisis-escalation/internal/core"
	"github.com/kaphack/realtime-crisis-escalation/internal/events"
)

// dialect holds the statements that differ between MySQL and SQLite.
type dialect struct {
	driver       string
	schema       []string
	insertIgnore string
}

var dialects = map[string]dialect{
	"mysql": {
		driver: "mysql",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id VARCHAR(64) PRIMARY KEY,
				conversation_id VARCHAR(64) NOT NULL,
				platform VARCHAR(32) NOT NULL,
				speaker VARCHAR(16) NOT NULL,
				content TEXT NOT NULL,
				timestamp BIGINT NOT NULL,
				INDEX idx_messages_conversation (conversation_id)
			)`,
			`CREATE TABLE IF NOT EXISTS processing_results (
				id VARCHAR(36) PRIMARY KEY,
				conversation_id VARCHAR(64) NOT NULL,
				risk_level VARCHAR(16) NOT NULL,
				final BOOLEAN NOT NULL,
				case_created BOOLEAN NOT NULL,
				result JSON NOT NULL,
				created_at BIGINT NOT NULL,
				INDEX idx_results_conversation (conversation_id)
			)`,
		},
		insertIgnore: "INSERT IGNORE INTO",
	},
	"sqlite": {
		driver: "sqlite",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				conversation_id TEXT NOT NULL,
				platform TEXT NOT NULL,
				speaker TEXT NOT NULL,
				content TEXT NOT NULL,
				timestamp INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS processing_results (
				id TEXT PRIMARY KEY,
				conversation_id TEXT NOT NULL,
				risk_level TEXT NOT NULL,
				final INTEGER NOT NULL,
				case_created INTEGER NOT NULL,
				result TEXT NOT NULL,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
			`CREATE INDEX IF NOT EXISTS idx_results_conversation ON processing_results(conversation_id)`,
		},
		insertIgnore: "INSERT OR IGNORE INTO",
	},
}

// Repository records conversation messages and processing results. It subscribes to the
// event bus as a Publisher.
type Repository struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

var _ events.Publisher = (*Repository)(nil)

// StoredResult is one persisted processing pass.
type StoredResult struct {
	ID        string
	RiskLevel core.RiskLevel
	Final     bool
	Result    core.ProcessingResult
	CreatedAt time.Time
}

// NewRepository opens driver ("mysql" or "sqlite") at dsn and creates the schema.
func NewRepository(driver, dsn string, logger *slog.Logger) (*Repository, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &Repository{db: db, dialect: d, logger: logger.With(slog.String("component", "repository"))}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *Repository) initSchema() error {
	r.logger.Info("initializing schema", slog.String("driver", r.dialect.driver))
	for _, stmt := range r.dialect.schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// SaveMessage stores one message. A message id seen before is ignored, so replayed
// transcript records do not duplicate rows.
func (r *Repository) SaveMessage(ctx context.Context, conversationID string, platform core.Platform, m *core.Message) error {
	id := m.ID
	if id == "" {
		id = uuid.NewString()
	}
	query := r.dialect.insertIgnore + ` messages (id, conversation_id, platform, speaker, content, timestamp) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query, id, conversationID, string(platform), string(m.Speaker), m.Content, m.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// Messages returns a conversation's stored messages in timestamp order.
func (r *Repository) Messages(ctx context.Context, conversationID string) ([]core.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, speaker, content, timestamp FROM messages WHERE conversation_id = ? ORDER BY timestamp, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []core.Message
	for rows.Next() {
		var (
			m       core.Message
			speaker string
			ts      int64
		)
		if err := rows.Scan(&m.ID, &speaker, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.SessionID = conversationID
		m.Speaker = core.Speaker(speaker)
		m.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// WordCounts counts the words a caller used across a conversation.
func (r *Repository) WordCounts(ctx context.Context, conversationID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT content FROM messages WHERE conversation_id = ? AND speaker = ?`, conversationID, string(core.SpeakerCaller))
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		for _, w := range core.Tokenize(content) {
			counts[w]++
		}
	}
	return counts, rows.Err()
}

// SaveResult stores one processing pass.
func (r *Repository) SaveResult(ctx context.Context, res *core.ProcessingResult, at time.Time) error {
	if res == nil || res.Analysis == nil {
		return fmt.Errorf("save result: missing analysis")
	}
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	query := `INSERT INTO processing_results (id, conversation_id, risk_level, final, case_created, result, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query, uuid.NewString(), res.ConversationID, res.Analysis.RiskLevel.String(),
		res.Final, res.CaseCreated, string(body), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// Results returns the stored passes of a conversation, oldest first.
func (r *Repository) Results(ctx context.Context, conversationID string) ([]StoredResult, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, risk_level, final, result, created_at FROM processing_results WHERE conversation_id = ? ORDER BY created_at, id`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var out []StoredResult
	for rows.Next() {
		var (
			sr      StoredResult
			risk    string
			body    string
			created int64
		)
		if err := rows.Scan(&sr.ID, &risk, &sr.Final, &body, &created); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if sr.RiskLevel, err = core.ParseRiskLevel(risk); err != nil {
			r.logger.Warn("stored result has unknown risk level", slog.String("id", sr.ID), slog.String("risk", risk))
			continue
		}
		if err := json.Unmarshal([]byte(body), &sr.Result); err != nil {
			r.logger.Warn("failed to unmarshal stored result", slog.String("id", sr.ID), slog.String("error", err.Error()))
			continue
		}
		sr.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, sr)
	}
	return out, rows.Err()
}

// Publish persists message-received and processing-completed events; other types are ignored.
func (r *Repository) Publish(ctx context.Context, ev *events.Event) error {
	switch ev.Type {
	case events.MessageReceived:
		var m core.Message
		if err := json.Unmarshal(ev.Payload, &m); err != nil {
			return fmt.Errorf("decode message payload: %w", err)
		}
		return r.SaveMessage(ctx, ev.ConversationID, ev.Platform, &m)
	case events.ProcessingCompleted:
		var res core.ProcessingResult
		if err := json.Unmarshal(ev.Payload, &res); err != nil {
			return fmt.Errorf("decode result payload: %w", err)
		}
		return r.SaveResult(ctx, &res, ev.Timestamp)
	}
	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides message and consensus persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-coordinator/internal/protocol"
)

// timeFormat is fixed-width so stored timestamps sort lexically
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed; ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id     TEXT NOT NULL UNIQUE,
			correlation_id TEXT NOT NULL,
			sender         TEXT NOT NULL,
			recipient      TEXT NOT NULL,
			kind           TEXT NOT NULL,
			payload_json   TEXT NOT NULL,
			timestamp      TEXT NOT NULL,

			CHECK (kind IN ('REQUEST', 'RESPONSE', 'ERROR', 'CONSENSUS_REQUEST', 'VOTE', 'BROADCAST'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_correlation
			ON messages(correlation_id, timestamp);

		CREATE TABLE IF NOT EXISTS consensus_rounds (
			decision_id     TEXT PRIMARY KEY,
			topic           TEXT NOT NULL,
			decision_json   TEXT,
			agreement_score REAL NOT NULL,
			level           TEXT NOT NULL,
			total_weight    REAL NOT NULL,
			created_at      TEXT NOT NULL,

			CHECK (level IN ('none', 'weak', 'moderate', 'strong')),
			CHECK (agreement_score >= 0 AND agreement_score <= 100)
		);

		CREATE INDEX IF NOT EXISTS idx_consensus_created ON consensus_rounds(created_at DESC);

		CREATE TABLE IF NOT EXISTS consensus_votes (
			decision_id TEXT NOT NULL REFERENCES consensus_rounds(decision_id) ON DELETE CASCADE,
			agent_id    TEXT NOT NULL,
			position    INTEGER NOT NULL,
			vote_json   TEXT NOT NULL,
			confidence  REAL NOT NULL,
			reasoning   TEXT,

			PRIMARY KEY (decision_id, agent_id),
			CHECK (confidence >= 0 AND confidence <= 1)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveMessage persists a routed message.
// Saving the same message id twice is a no-op.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *protocol.Message) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	query := `
		INSERT INTO messages (message_id, correlation_id, sender, recipient, kind, payload_json, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING
	`

	_, err = s.db.ExecContext(ctx, query,
		msg.ID,
		msg.CorrelationID,
		msg.From,
		msg.To,
		string(msg.Kind),
		string(payload),
		msg.Timestamp.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message",
		"message_id", msg.ID,
		"correlation_id", msg.CorrelationID,
		"kind", msg.Kind,
	)
	return nil
}

// ListMessages returns the messages of one conversation, oldest first.
// A limit <= 0 returns all of them.
func (s *SQLiteStore) ListMessages(ctx context.Context, correlationID string, limit int) ([]*protocol.Message, error) {
	query := `
		SELECT message_id, correlation_id, sender, recipient, kind, payload_json, timestamp
		FROM messages
		WHERE correlation_id = ?
		ORDER BY timestamp ASC, seq ASC
	`
	args := []any{correlationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*protocol.Message
	for rows.Next() {
		var msg protocol.Message
		var kind, payload, ts string
		if err := rows.Scan(&msg.ID, &msg.CorrelationID, &msg.From, &msg.To, &kind, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Kind = protocol.Kind(kind)
		if err := json.Unmarshal([]byte(payload), &msg.Payload); err != nil {
			return nil, fmt.Errorf("decoding payload of %s: %w", msg.ID, err)
		}
		msg.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return msgs, nil
}

// SaveConsensus writes a consensus round and its votes in one transaction.
// On any failure nothing is written.
func (s *SQLiteStore) SaveConsensus(ctx context.Context, rec *ConsensusRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO consensus_rounds (decision_id, topic, decision_json, agreement_score, level, total_weight, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		rec.DecisionID,
		rec.Topic,
		nullIfEmpty(rec.DecisionJSON),
		rec.AgreementScore,
		rec.Level,
		rec.TotalWeight,
		rec.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting consensus round: %w", err)
	}

	for i, v := range rec.Votes {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO consensus_votes (decision_id, agent_id, position, vote_json, confidence, reasoning)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rec.DecisionID, v.AgentID, i, v.VoteJSON, v.Confidence, v.Reasoning)
		if err != nil {
			return fmt.Errorf("inserting vote from %s: %w", v.AgentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing consensus round: %w", err)
	}

	s.logger.Debug("saved consensus round",
		"decision_id", rec.DecisionID,
		"votes", len(rec.Votes),
		"level", rec.Level,
	)
	return nil
}

// GetConsensus retrieves a consensus round with its votes in original order.
// Returns ErrNotFound if the round doesn't exist.
func (s *SQLiteStore) GetConsensus(ctx context.Context, decisionID string) (*ConsensusRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT decision_id, topic, decision_json, agreement_score, level, total_weight, created_at
		FROM consensus_rounds
		WHERE decision_id = ?
	`, decisionID)

	rec, err := scanConsensus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadVotes(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListConsensus returns the most recent consensus rounds, newest first,
// without their votes.
func (s *SQLiteStore) ListConsensus(ctx context.Context, limit int) ([]*ConsensusRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT decision_id, topic, decision_json, agreement_score, level, total_weight, created_at
		FROM consensus_rounds
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying consensus rounds: %w", err)
	}
	defer rows.Close()

	var recs []*ConsensusRecord
	for rows.Next() {
		rec, err := scanConsensus(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating consensus rounds: %w", err)
	}
	return recs, nil
}

func (s *SQLiteStore) loadVotes(ctx context.Context, rec *ConsensusRecord) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, vote_json, confidence, reasoning
		FROM consensus_votes
		WHERE decision_id = ?
		ORDER BY position ASC
	`, rec.DecisionID)
	if err != nil {
		return fmt.Errorf("querying votes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v VoteRecord
		var reasoning sql.NullString
		if err := rows.Scan(&v.AgentID, &v.VoteJSON, &v.Confidence, &reasoning); err != nil {
			return fmt.Errorf("scanning vote: %w", err)
		}
		v.Reasoning = reasoning.String
		rec.Votes = append(rec.Votes, v)
	}
	return rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConsensus(row rowScanner) (*ConsensusRecord, error) {
	var rec ConsensusRecord
	var decision sql.NullString
	var createdAt string

	err := row.Scan(
		&rec.DecisionID,
		&rec.Topic,
		&decision,
		&rec.AgreementScore,
		&rec.Level,
		&rec.TotalWeight,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning consensus round: %w", err)
	}
	rec.DecisionJSON = decision.String

	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &rec, nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

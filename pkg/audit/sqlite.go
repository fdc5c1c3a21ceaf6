// Package audit keeps a durable ledger of turns the classifier could not
// place, for later review.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"conversation-router/pkg/models"
)

// SQLiteLedger stores unknown cases in a local SQLite file.
type SQLiteLedger struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewSQLiteLedger opens (or creates) the ledger at dbPath.
func NewSQLiteLedger(dbPath string, logger *logrus.Logger) (*SQLiteLedger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}

	ledger := &SQLiteLedger{db: db, logger: logger}
	if err := ledger.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	logger.WithField("path", dbPath).Info("Audit ledger ready")
	return ledger, nil
}

func (l *SQLiteLedger) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS unknown_cases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		message TEXT NOT NULL,
		intent TEXT NOT NULL,
		confidence REAL NOT NULL,
		within_business_hours INTEGER NOT NULL DEFAULT 0,
		handoff_triggered INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_unknown_cases_conversation ON unknown_cases(conversation_id, created_at);
	`
	if _, err := l.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// RecordUnknownCase appends one case. The message must already be masked.
func (l *SQLiteLedger) RecordUnknownCase(ctx context.Context, c models.UnknownCase) error {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO unknown_cases
			(conversation_id, message, intent, confidence, within_business_hours, handoff_triggered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ConversationID, c.Message, string(c.Intent), c.Confidence,
		boolToInt(c.WithinBusinessHours), boolToInt(c.HandoffTriggered), createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record unknown case: %w", err)
	}

	l.logger.WithFields(logrus.Fields{
		"conversation_id": c.ConversationID,
		"intent":          c.Intent,
	}).Debug("Recorded unknown case")
	return nil
}

// ListUnknownCases returns the cases of one conversation, oldest first.
func (l *SQLiteLedger) ListUnknownCases(ctx context.Context, conversationID string) ([]models.UnknownCase, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, conversation_id, message, intent, confidence,
		       within_business_hours, handoff_triggered, created_at
		FROM unknown_cases
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unknown cases: %w", err)
	}
	defer rows.Close()

	var out []models.UnknownCase
	for rows.Next() {
		var (
			c                models.UnknownCase
			intent           string
			inHours, handoff int
			createdAt        int64
		)
		if err := rows.Scan(&c.ID, &c.ConversationID, &c.Message, &intent, &c.Confidence, &inHours, &handoff, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan unknown case: %w", err)
		}
		c.Intent = models.Intent(intent)
		c.WithinBusinessHours = inHours != 0
		c.HandoffTriggered = handoff != 0
		c.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate unknown cases: %w", err)
	}
	return out, nil
}

// Ping verifies database connectivity.
func (l *SQLiteLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package chatrelay

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shaharia-lab/chatrelay/observability"
)

const (
	sqliteUsageSchema = `
	CREATE TABLE IF NOT EXISTS conversation_usage (
		conversation_id TEXT PRIMARY KEY,
		exchanges INTEGER NOT NULL DEFAULT 0,
		media_requests INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		last_activity INTEGER NOT NULL
	);`

	sqliteUsageUpsert = `
	INSERT INTO conversation_usage (conversation_id, exchanges, media_requests, failures, last_activity)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(conversation_id) DO UPDATE SET
		exchanges = exchanges + excluded.exchanges,
		media_requests = media_requests + excluded.media_requests,
		failures = failures + excluded.failures,
		last_activity = excluded.last_activity;`

	sqliteUsageSelect = `
	SELECT exchanges, media_requests, failures, last_activity
	FROM conversation_usage WHERE conversation_id = ?;`
)

// SQLiteUsageLedger is an SQLite implementation of UsageLedger.
type SQLiteUsageLedger struct {
	*sqlUsageLedger
}

// NewSQLiteUsageLedger opens (or creates) the SQLite database at databasePath.
func NewSQLiteUsageLedger(databasePath string, logger observability.Logger) (*SQLiteUsageLedger, error) {
	db, err := sql.Open("sqlite3", databasePath+"?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ledger := &SQLiteUsageLedger{&sqlUsageLedger{
		db:        db,
		logger:    logger,
		upsertSQL: sqliteUsageUpsert,
		selectSQL: sqliteUsageSelect,
		now:       time.Now,
	}}

	if err := ledger.initSchema(context.Background(), sqliteUsageSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return ledger, nil
}

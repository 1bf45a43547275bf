package chatrelay

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shaharia-lab/chatrelay/observability"
)

const (
	postgresUsageSchema = `
	CREATE TABLE IF NOT EXISTS conversation_usage (
		conversation_id TEXT PRIMARY KEY,
		exchanges BIGINT NOT NULL DEFAULT 0,
		media_requests BIGINT NOT NULL DEFAULT 0,
		failures BIGINT NOT NULL DEFAULT 0,
		last_activity BIGINT NOT NULL
	);`

	postgresUsageUpsert = `
	INSERT INTO conversation_usage (conversation_id, exchanges, media_requests, failures, last_activity)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (conversation_id) DO UPDATE SET
		exchanges = conversation_usage.exchanges + EXCLUDED.exchanges,
		media_requests = conversation_usage.media_requests + EXCLUDED.media_requests,
		failures = conversation_usage.failures + EXCLUDED.failures,
		last_activity = EXCLUDED.last_activity;`

	postgresUsageSelect = `
	SELECT exchanges, media_requests, failures, last_activity
	FROM conversation_usage WHERE conversation_id = $1;`
)

// PostgresUsageLedger is a PostgreSQL implementation of UsageLedger.
type PostgresUsageLedger struct {
	*sqlUsageLedger
}

// OpenPostgresUsageLedger connects to dsn with the lib/pq driver.
func OpenPostgresUsageLedger(ctx context.Context, dsn string, logger observability.Logger) (*PostgresUsageLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	ledger, err := NewPostgresUsageLedger(ctx, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return ledger, nil
}

// NewPostgresUsageLedger creates the schema on db when missing.
func NewPostgresUsageLedger(ctx context.Context, db *sql.DB, logger observability.Logger) (*PostgresUsageLedger, error) {
	ledger := &PostgresUsageLedger{&sqlUsageLedger{
		db:        db,
		logger:    logger,
		upsertSQL: postgresUsageUpsert,
		selectSQL: postgresUsageSelect,
		now:       time.Now,
	}}

	if err := ledger.initSchema(ctx, postgresUsageSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return ledger, nil
}

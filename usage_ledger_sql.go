package chatrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shaharia-lab/chatrelay/observability"
)

// sqlUsageLedger implements UsageLedger on database/sql. The dialect only differs
// in placeholders and schema, which the SQLite and Postgres constructors supply.
type sqlUsageLedger struct {
	db        *sql.DB
	logger    observability.Logger
	upsertSQL string
	selectSQL string
	now       func() time.Time
}

func (l *sqlUsageLedger) initSchema(ctx context.Context, statements ...string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for schema init: %w", err)
	}
	defer tx.Rollback()

	for _, statement := range statements {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("failed to create usage schema: %w", err)
		}
	}
	return tx.Commit()
}

// Record counts event for the conversation.
func (l *sqlUsageLedger) Record(ctx context.Context, id ConversationID, event UsageEvent) error {
	exchanges, media, failures, err := event.deltas()
	if err != nil {
		return err
	}

	_, err = l.db.ExecContext(ctx, l.upsertSQL, string(id), exchanges, media, failures, l.now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record %s for conversation %s: %w", event, id, err)
	}

	l.logger.WithFields(map[string]interface{}{
		observability.ConversationLogField: string(id),
		"event":                            string(event),
	}).Debug("Usage recorded")
	return nil
}

// Stats returns the counters of the conversation.
func (l *sqlUsageLedger) Stats(ctx context.Context, id ConversationID) (UsageStats, error) {
	stats := UsageStats{ConversationID: id}

	var lastActivity int64
	err := l.db.QueryRowContext(ctx, l.selectSQL, string(id)).Scan(
		&stats.Exchanges,
		&stats.MediaRequests,
		&stats.Failures,
		&lastActivity,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return stats, nil
	}
	if err != nil {
		return UsageStats{}, fmt.Errorf("failed to query usage for conversation %s: %w", id, err)
	}

	stats.LastActivity = time.UnixMilli(lastActivity).UTC()
	return stats, nil
}

// Close closes the database.
func (l *sqlUsageLedger) Close() error {
	return l.db.Close()
}

// Ping checks that the database is reachable.
func (l *sqlUsageLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

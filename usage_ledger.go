package chatrelay

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// UsageEvent is one countable outcome of a handled message.
type UsageEvent string

const (
	// UsageExchange is a successful conversational round trip.
	UsageExchange UsageEvent = "exchange"
	// UsageMedia is a successful image, speech or music request.
	UsageMedia UsageEvent = "media"
	// UsageFailure is a gateway or media failure reported to the user.
	UsageFailure UsageEvent = "failure"
)

// UsageStats holds the counters of one conversation.
type UsageStats struct {
	ConversationID ConversationID
	Exchanges      int64
	MediaRequests  int64
	Failures       int64
	LastActivity   time.Time
}

// UsageLedger keeps per-conversation usage counters. Unlike the history it may
// outlive the process.
type UsageLedger interface {
	// Record counts event for the conversation.
	Record(ctx context.Context, id ConversationID, event UsageEvent) error

	// Stats returns the counters of the conversation, zero valued when unknown.
	Stats(ctx context.Context, id ConversationID) (UsageStats, error)

	// Close releases the underlying storage.
	Close() error
}

// deltas maps an event to the exchange, media and failure increments.
func (e UsageEvent) deltas() (exchanges, media, failures int64, err error) {
	switch e {
	case UsageExchange:
		return 1, 0, 0, nil
	case UsageMedia:
		return 0, 1, 0, nil
	case UsageFailure:
		return 0, 0, 1, nil
	default:
		return 0, 0, 0, fmt.Errorf("unknown usage event %q", e)
	}
}

// InMemoryUsageLedger is an in-memory implementation of UsageLedger.
type InMemoryUsageLedger struct {
	stats map[ConversationID]UsageStats
	mu    sync.RWMutex
	now   func() time.Time
}

// NewInMemoryUsageLedger creates a new instance of InMemoryUsageLedger.
func NewInMemoryUsageLedger() *InMemoryUsageLedger {
	return &InMemoryUsageLedger{
		stats: make(map[ConversationID]UsageStats),
		now:   time.Now,
	}
}

// Record counts event for the conversation.
func (l *InMemoryUsageLedger) Record(_ context.Context, id ConversationID, event UsageEvent) error {
	exchanges, media, failures, err := event.deltas()
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stats := l.stats[id]
	stats.ConversationID = id
	stats.Exchanges += exchanges
	stats.MediaRequests += media
	stats.Failures += failures
	stats.LastActivity = l.now()
	l.stats[id] = stats
	return nil
}

// Stats returns the counters of the conversation.
func (l *InMemoryUsageLedger) Stats(_ context.Context, id ConversationID) (UsageStats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats, ok := l.stats[id]
	if !ok {
		return UsageStats{ConversationID: id}, nil
	}
	return stats, nil
}

// Close is a no-op.
func (l *InMemoryUsageLedger) Close() error {
	return nil
}

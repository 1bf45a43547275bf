package chatrelay

import (
	"hash/fnv"
	"sync"
)

const historyShardCount = 64

// HistoryStore keeps a bounded, ordered sequence of turns per conversation.
//
// Conversations are spread over a fixed set of shards, each guarded by its own
// mutex, so operations on the same conversation serialize while unrelated
// conversations rarely contend. Histories live only in memory.
type HistoryStore struct {
	systemPrompt string
	maxTurns     int
	shards       [historyShardCount]historyShard
}

type historyShard struct {
	mu            sync.Mutex
	conversations map[ConversationID][]Turn
}

// NewHistoryStore creates a store that seeds new histories with systemPrompt (when
// non-empty) and keeps at most maxTurns non-system turns per conversation.
func NewHistoryStore(systemPrompt string, maxTurns int) *HistoryStore {
	if maxTurns < 1 {
		maxTurns = 1
	}
	s := &HistoryStore{
		systemPrompt: systemPrompt,
		maxTurns:     maxTurns,
	}
	for i := range s.shards {
		s.shards[i].conversations = make(map[ConversationID][]Turn)
	}
	return s
}

func (s *HistoryStore) shard(id ConversationID) *historyShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.shards[h.Sum32()%historyShardCount]
}

func (s *HistoryStore) seed() []Turn {
	if s.systemPrompt == "" {
		return []Turn{}
	}
	return []Turn{{Role: SystemRole, Content: s.systemPrompt}}
}

// Get returns a copy of the conversation's history, creating a seeded one first if
// none exists.
func (s *HistoryStore) Get(id ConversationID) []Turn {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	history, exists := sh.conversations[id]
	if !exists {
		history = s.seed()
		sh.conversations[id] = history
	}
	return cloneTurns(history)
}

// Append adds one completed exchange and trims the history. Both turns become
// visible together. A history removed by Reset in the meantime is re-seeded.
func (s *HistoryStore) Append(id ConversationID, user, assistant Turn) {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	history, exists := sh.conversations[id]
	if !exists {
		history = s.seed()
	}

	next := make([]Turn, 0, len(history)+2)
	next = append(next, history...)
	next = append(next, user, assistant)
	sh.conversations[id] = TrimHistory(next, s.maxTurns)
}

// Reset deletes the conversation's history.
func (s *HistoryStore) Reset(id ConversationID) {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.conversations, id)
}

// Export returns a snapshot of the history without creating one. The result is
// empty when the conversation has no history.
func (s *HistoryStore) Export(id ConversationID) []Turn {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	return cloneTurns(sh.conversations[id])
}

// Len returns the number of live conversations.
func (s *HistoryStore) Len() int {
	total := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		total += len(sh.conversations)
		sh.mu.Unlock()
	}
	return total
}

// TrimHistory keeps a leading system turn and the last maxTurns of the remaining
// turns, in order. Trimming an already trimmed history returns it unchanged.
func TrimHistory(history []Turn, maxTurns int) []Turn {
	var system []Turn
	rest := history
	if len(history) > 0 && history[0].Role == SystemRole {
		system = history[:1]
		rest = history[1:]
	}
	if maxTurns < 0 {
		maxTurns = 0
	}
	if len(rest) > maxTurns {
		rest = rest[len(rest)-maxTurns:]
	}

	trimmed := make([]Turn, 0, len(system)+len(rest))
	trimmed = append(trimmed, system...)
	return append(trimmed, rest...)
}

func cloneTurns(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

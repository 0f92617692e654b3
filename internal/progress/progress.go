// Package progress implements the stream progress store (component J): a
// durable, upsert-by-messageId checkpoint of partial assistant output that
// lets a client recover a dropped SSE connection.
package progress

import (
	"context"
	"time"

	"github.com/relaygate/gateway/internal/storage"
	"github.com/relaygate/gateway/pkg/types"
)

// DefaultTTL is how long a checkpoint survives after its last update.
const DefaultTTL = 30 * time.Minute

// Store is the stream progress store.
type Store struct {
	storage *storage.Storage
	ttl     time.Duration
}

// New constructs a Store backed by storage, reaping entries older than ttl
// (DefaultTTL if ttl <= 0).
func New(s *storage.Storage, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{storage: s, ttl: ttl}
}

func (s *Store) path(messageID string) []string {
	return []string{"stream-progress", messageID}
}

// Upsert creates a new streaming checkpoint on first call for messageID
// (status=streaming, lastSentPosition=0), or patches the existing one.
func (s *Store) Upsert(ctx context.Context, partial types.StreamProgress) error {
	now := time.Now()

	var existing types.StreamProgress
	err := s.storage.Get(ctx, s.path(partial.MessageID), &existing)
	if err != nil {
		partial.CreatedAt = now
		partial.LastUpdateAt = now
		if partial.Status == "" {
			partial.Status = types.StreamStatusStreaming
		}
		return s.storage.Put(ctx, s.path(partial.MessageID), &partial)
	}

	existing.AccumulatedText = partial.AccumulatedText
	existing.Thinking = partial.Thinking
	if partial.Sources != nil {
		existing.Sources = partial.Sources
	}
	if partial.Status != "" {
		existing.Status = partial.Status
	}
	existing.LastSentPosition = partial.LastSentPosition
	existing.LastUpdateAt = now
	return s.storage.Put(ctx, s.path(partial.MessageID), &existing)
}

// MarkCompleted finalizes a checkpoint as completed.
func (s *Store) MarkCompleted(ctx context.Context, messageID, finalText, thinking string, sources []types.Source) error {
	var p types.StreamProgress
	if err := s.storage.Get(ctx, s.path(messageID), &p); err != nil {
		p = types.StreamProgress{MessageID: messageID, CreatedAt: time.Now()}
	}
	p.AccumulatedText = finalText
	p.Thinking = thinking
	p.Sources = sources
	p.Status = types.StreamStatusCompleted
	p.LastUpdateAt = time.Now()
	return s.storage.Put(ctx, s.path(messageID), &p)
}

// MarkError finalizes a checkpoint as errored.
func (s *Store) MarkError(ctx context.Context, messageID, errMsg string) error {
	var p types.StreamProgress
	if err := s.storage.Get(ctx, s.path(messageID), &p); err != nil {
		p = types.StreamProgress{MessageID: messageID, CreatedAt: time.Now()}
	}
	p.Status = types.StreamStatusError
	p.Error = errMsg
	p.LastUpdateAt = time.Now()
	return s.storage.Put(ctx, s.path(messageID), &p)
}

// Get returns the checkpoint for messageID.
func (s *Store) Get(ctx context.Context, messageID string) (*types.StreamProgress, error) {
	var p types.StreamProgress
	if err := s.storage.Get(ctx, s.path(messageID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Delete removes a checkpoint.
func (s *Store) Delete(ctx context.Context, messageID string) error {
	return s.storage.Delete(ctx, s.path(messageID))
}

// ReapExpired removes checkpoints whose LastUpdateAt is older than the
// store's TTL, emulating the 30-minute TTL index the spec describes.
func (s *Store) ReapExpired(ctx context.Context) (int, error) {
	ids, err := s.storage.List(ctx, []string{"stream-progress"})
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-s.ttl)
	removed := 0
	for _, id := range ids {
		var p types.StreamProgress
		if err := s.storage.Get(ctx, s.path(id), &p); err != nil {
			continue
		}
		if p.LastUpdateAt.Before(cutoff) {
			if err := s.storage.Delete(ctx, s.path(id)); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

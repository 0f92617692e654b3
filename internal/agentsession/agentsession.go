// Package agentsession implements the multi-agent checkpoint store
// (component K): a durable, upsert-by-identifier record of completed
// rounds so a client can reconnect mid-plan and resume without replaying
// work the server already did.
package agentsession

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaygate/gateway/internal/event"
	"github.com/relaygate/gateway/internal/storage"
	"github.com/relaygate/gateway/pkg/types"
)

// DefaultTTL is how long a session survives since its last update before
// cleanExpired (or findByIdentifiers' own filter) treats it as gone.
const DefaultTTL = 5 * time.Minute

// Identifiers is the compound key a session is addressed by.
type Identifiers struct {
	ConversationID     string
	UserID             string
	AssistantMessageID string
}

func sessionID(ids Identifiers) string {
	return ids.ConversationID + ":" + ids.AssistantMessageID
}

// Store is the agent session repository.
type Store struct {
	storage *storage.Storage
	ttl     time.Duration
}

// New constructs a Store. ttl<=0 uses DefaultTTL.
func New(s *storage.Storage, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{storage: s, ttl: ttl}
}

func (s *Store) path(id string) []string {
	return []string{"agent-session", id}
}

// Save upserts on (sessionId, conversationId, userId, assistantMessageId),
// refreshing updatedAt/expiresAt.
func (s *Store) Save(ctx context.Context, sess *types.AgentSession) error {
	if sess.SessionID == "" {
		sess.SessionID = sessionID(Identifiers{
			ConversationID:     sess.ConversationID,
			UserID:             sess.UserID,
			AssistantMessageID: sess.AssistantMessageID,
		})
	}
	now := time.Now()
	sess.UpdatedAt = now
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.ExpiresAt = now.Add(s.ttl)
	return s.storage.Put(ctx, s.path(sess.SessionID), sess)
}

// FindByIdentifiers returns the session for ids, or storage.ErrNotFound if
// it doesn't exist or has expired.
func (s *Store) FindByIdentifiers(ctx context.Context, ids Identifiers) (*types.AgentSession, error) {
	id := sessionID(ids)
	var sess types.AgentSession
	if err := s.storage.Get(ctx, s.path(id), &sess); err != nil {
		return nil, err
	}
	if sess.ConversationID != ids.ConversationID || sess.UserID != ids.UserID || sess.AssistantMessageID != ids.AssistantMessageID {
		return nil, storage.ErrNotFound
	}
	if time.Now().After(sess.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return &sess, nil
}

// Delete removes a session by tuple. Deleting a nonexistent session is not
// an error.
func (s *Store) Delete(ctx context.Context, ids Identifiers) error {
	return s.storage.Delete(ctx, s.path(sessionID(ids)))
}

// CompleteRound sets completedRounds to round, replaces the serialized agent
// state wholesale, and persists. This is called once per round of the
// multi-agent workflow; it publishes AgentSessionRound on success.
func (s *Store) CompleteRound(ctx context.Context, ids Identifiers, round int, state json.RawMessage) (*types.AgentSession, error) {
	sess, err := s.FindByIdentifiers(ctx, ids)
	if err != nil {
		if err != storage.ErrNotFound {
			return nil, err
		}
		sess = &types.AgentSession{
			SessionID:          sessionID(ids),
			ConversationID:     ids.ConversationID,
			UserID:             ids.UserID,
			AssistantMessageID: ids.AssistantMessageID,
		}
	}
	sess.CompletedRounds = round
	sess.State = state
	if err := s.Save(ctx, sess); err != nil {
		return nil, err
	}
	event.PublishSync(event.Event{
		Type: event.AgentSessionRound,
		Data: event.AgentSessionRoundData{SessionID: sess.SessionID, Round: round},
	})
	return sess, nil
}

// ResumePlan is the outcome of resolving a client's resumeFromRound request.
type ResumePlan struct {
	Resumed           bool
	ResumedFromRound  int
	ContinueFromRound int
	Session           *types.AgentSession
}

// Resume implements the reconnect behavior: if a non-expired session
// exists, rounds 1..resumeFromRound are skipped and work continues at
// resumeFromRound+1, publishing AgentSessionResumed. Otherwise execution
// starts fresh at round 1.
func (s *Store) Resume(ctx context.Context, ids Identifiers, resumeFromRound int) (ResumePlan, error) {
	sess, err := s.FindByIdentifiers(ctx, ids)
	if err != nil {
		if err == storage.ErrNotFound {
			return ResumePlan{Resumed: false, ContinueFromRound: 1}, nil
		}
		return ResumePlan{}, err
	}

	continueFrom := resumeFromRound + 1
	event.PublishSync(event.Event{
		Type: event.AgentSessionResumed,
		Data: event.AgentSessionResumedData{
			SessionID:         sess.SessionID,
			ResumedFromRound:  resumeFromRound,
			ContinueFromRound: continueFrom,
		},
	})
	return ResumePlan{
		Resumed:           true,
		ResumedFromRound:  resumeFromRound,
		ContinueFromRound: continueFrom,
		Session:           sess,
	}, nil
}

// CleanExpired bulk-removes sessions past their expiresAt, for cold-start
// maintenance; the TTL also self-enforces lazily via FindByIdentifiers.
func (s *Store) CleanExpired(ctx context.Context) (int, error) {
	ids, err := s.storage.List(ctx, []string{"agent-session"})
	if err != nil {
		return 0, err
	}

	now := time.Now()
	removed := 0
	for _, id := range ids {
		var sess types.AgentSession
		if err := s.storage.Get(ctx, []string{"agent-session", id}, &sess); err != nil {
			continue
		}
		if now.After(sess.ExpiresAt) {
			if err := s.storage.Delete(ctx, []string{"agent-session", id}); err != nil {
				return removed, fmt.Errorf("deleting expired session %s: %w", id, err)
			}
			removed++
		}
	}
	return removed, nil
}

// Package lru implements the conversation archival scheduler (component
// N): per-user active/archived caps enforced on touch and on a periodic
// sweep, plus TTL-based physical deletion of long-archived conversations.
package lru

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/relaygate/gateway/internal/event"
	"github.com/relaygate/gateway/internal/repo"
	"github.com/relaygate/gateway/internal/storage"
	"github.com/relaygate/gateway/pkg/types"
)

// Config holds the archival limits. A zero DeleteArchivedAfter disables
// physical deletion of archived conversations entirely.
type Config struct {
	MaxActiveConversationsPerUser   int
	AutoArchiveAfter                time.Duration
	MaxArchivedConversationsPerUser int
	DeleteArchivedAfter             time.Duration // 0 disables
	SweepInterval                   time.Duration // default 1h
}

func (c *Config) setDefaults() {
	if c.MaxActiveConversationsPerUser <= 0 {
		c.MaxActiveConversationsPerUser = 50
	}
	if c.AutoArchiveAfter <= 0 {
		c.AutoArchiveAfter = 30 * 24 * time.Hour
	}
	if c.MaxArchivedConversationsPerUser <= 0 {
		c.MaxArchivedConversationsPerUser = 100
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
}

// Scheduler enforces Config against the conversation store. Most of its
// operations read the full conversation set by scanning storage directly
// rather than going through repo.ConversationRepo, since that contract's
// FindByUserID intentionally filters to the active/non-archived rows the
// list API wants (see internal/repo).
type Scheduler struct {
	cfg           Config
	storage       *storage.Storage
	conversations repo.ConversationRepo
	messages      repo.MessageRepo
}

// New constructs a Scheduler.
func New(cfg Config, s *storage.Storage, conversations repo.ConversationRepo, messages repo.MessageRepo) *Scheduler {
	cfg.setDefaults()
	return &Scheduler{cfg: cfg, storage: s, conversations: conversations, messages: messages}
}

func (s *Scheduler) path(id string) []string {
	return []string{"conversation", id}
}

func (s *Scheduler) save(ctx context.Context, c *types.Conversation) error {
	return s.storage.Put(ctx, s.path(c.ID), c)
}

// scanAll loads every conversation matching keep, regardless of active or
// archived state.
func (s *Scheduler) scanAll(ctx context.Context, keep func(*types.Conversation) bool) ([]*types.Conversation, error) {
	var all []*types.Conversation
	err := s.storage.Scan(ctx, []string{"conversation"}, func(key string, data json.RawMessage) error {
		var c types.Conversation
		if err := json.Unmarshal(data, &c); err != nil {
			return nil
		}
		if keep == nil || keep(&c) {
			cp := c
			all = append(all, &cp)
		}
		return nil
	})
	return all, err
}

func (s *Scheduler) allUserIDs(ctx context.Context) ([]string, error) {
	all, err := s.scanAll(ctx, nil)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var ids []string
	for _, c := range all {
		if !seen[c.UserID] {
			seen[c.UserID] = true
			ids = append(ids, c.UserID)
		}
	}
	return ids, nil
}

// Touch updates lastAccessedAt on every access to conv, then re-enforces
// the active cap for its owner.
func (s *Scheduler) Touch(ctx context.Context, conv *types.Conversation) error {
	conv.LastAccessedAt = time.Now()
	if err := s.save(ctx, conv); err != nil {
		return err
	}
	return s.ArchiveExcessForUser(ctx, conv.UserID)
}

// ArchiveExcessForUser archives the oldest active conversations (by
// lastAccessedAt, then updatedAt) down to MaxActiveConversationsPerUser.
func (s *Scheduler) ArchiveExcessForUser(ctx context.Context, userID string) error {
	active, err := s.scanAll(ctx, func(c *types.Conversation) bool {
		return c.UserID == userID && c.Active && !c.Archived
	})
	if err != nil {
		return err
	}
	if len(active) <= s.cfg.MaxActiveConversationsPerUser {
		return nil
	}

	sort.Slice(active, func(i, j int) bool {
		if !active[i].LastAccessedAt.Equal(active[j].LastAccessedAt) {
			return active[i].LastAccessedAt.Before(active[j].LastAccessedAt)
		}
		return active[i].UpdatedAt.Before(active[j].UpdatedAt)
	})

	excess := active[:len(active)-s.cfg.MaxActiveConversationsPerUser]
	for _, c := range excess {
		if err := s.archive(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) archive(ctx context.Context, c *types.Conversation) error {
	now := time.Now()
	c.Active = false
	c.Archived = true
	c.ArchivedAt = &now
	c.UpdatedAt = now
	if err := s.save(ctx, c); err != nil {
		return err
	}
	event.Publish(event.Event{Type: event.ConversationArchived, Data: event.ConversationArchivedData{ConversationID: c.ID}})
	return nil
}

// Archive manually archives a single conversation, independent of the
// excess/inactivity sweeps, for a user-initiated archive request.
func (s *Scheduler) Archive(ctx context.Context, conv *types.Conversation) error {
	return s.archive(ctx, conv)
}

// AutoArchiveInactive archives every active conversation across all users
// whose lastAccessedAt (or updatedAt, if lastAccessedAt is zero) is older
// than AutoArchiveAfter.
func (s *Scheduler) AutoArchiveInactive(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.AutoArchiveAfter)
	active, err := s.scanAll(ctx, func(c *types.Conversation) bool { return c.Active && !c.Archived })
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, c := range active {
		last := c.LastAccessedAt
		if last.IsZero() {
			last = c.UpdatedAt
		}
		if last.Before(cutoff) {
			if err := s.archive(ctx, c); err != nil {
				return archived, err
			}
			archived++
		}
	}
	return archived, nil
}

// CleanupExcessArchived keeps only the newest MaxArchivedConversationsPerUser
// archived conversations per user (by archivedAt, falling back to
// updatedAt), physically deleting the rest along with their messages.
func (s *Scheduler) CleanupExcessArchived(ctx context.Context) (int, error) {
	userIDs, err := s.allUserIDs(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, userID := range userIDs {
		archived, err := s.scanAll(ctx, func(c *types.Conversation) bool { return c.UserID == userID && c.Archived })
		if err != nil {
			return deleted, err
		}
		if len(archived) <= s.cfg.MaxArchivedConversationsPerUser {
			continue
		}

		sort.Slice(archived, func(i, j int) bool {
			return archivedAt(archived[i]).After(archivedAt(archived[j]))
		})

		excess := archived[s.cfg.MaxArchivedConversationsPerUser:]
		for _, c := range excess {
			if err := s.destroy(ctx, c); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}

// DeleteExpiredArchived physically deletes archived conversations (and
// their messages) whose archivedAt is older than DeleteArchivedAfter. A
// zero DeleteArchivedAfter disables this purge entirely.
func (s *Scheduler) DeleteExpiredArchived(ctx context.Context) (int, error) {
	if s.cfg.DeleteArchivedAfter <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-s.cfg.DeleteArchivedAfter)
	archived, err := s.scanAll(ctx, func(c *types.Conversation) bool { return c.Archived })
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, c := range archived {
		if archivedAt(c).Before(cutoff) {
			if err := s.destroy(ctx, c); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}

func (s *Scheduler) destroy(ctx context.Context, c *types.Conversation) error {
	if err := s.messages.DeleteByConversationID(ctx, c.ID); err != nil {
		return err
	}
	return s.storage.Delete(ctx, s.path(c.ID))
}

// RestoreArchived clears a conversation's archived state, touches it, then
// re-enforces the active cap (which may immediately re-archive the oldest
// active conversation to make room).
func (s *Scheduler) RestoreArchived(ctx context.Context, conv *types.Conversation) error {
	conv.Archived = false
	conv.Active = true
	conv.ArchivedAt = nil
	conv.LastAccessedAt = time.Now()
	if err := s.save(ctx, conv); err != nil {
		return err
	}
	event.Publish(event.Event{Type: event.ConversationArchived, Data: event.ConversationArchivedData{ConversationID: conv.ID, Restored: true}})
	return s.ArchiveExcessForUser(ctx, conv.UserID)
}

func archivedAt(c *types.Conversation) time.Time {
	if c.ArchivedAt != nil {
		return *c.ArchivedAt
	}
	return c.UpdatedAt
}

// RunPeriodicSweeps runs AutoArchiveInactive, CleanupExcessArchived, and
// DeleteExpiredArchived on SweepInterval until ctx is cancelled. Triggered
// (per-write) archival is the caller's responsibility via Touch.
func (s *Scheduler) RunPeriodicSweeps(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Scheduler) sweepOnce(ctx context.Context) {
	_, _ = s.AutoArchiveInactive(ctx)
	_, _ = s.CleanupExcessArchived(ctx)
	_, _ = s.DeleteExpiredArchived(ctx)
}

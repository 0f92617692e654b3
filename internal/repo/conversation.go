// Package repo implements the file-backed repository contracts (component
// M): conversations, messages, plans, and chunked uploads, all stored as
// JSON documents through internal/storage.
package repo

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/relaygate/gateway/internal/storage"
	"github.com/relaygate/gateway/pkg/types"
)

// Page is a generic paged result.
type Page[T any] struct {
	Items []T
	Total int
}

// ConversationRepo is the conversation persistence contract.
type ConversationRepo interface {
	Save(ctx context.Context, c *types.Conversation) error
	FindByID(ctx context.Context, id, userID string) (*types.Conversation, error)
	FindByUserID(ctx context.Context, userID string, limit, skip int) (Page[*types.Conversation], error)
	FindArchivedByUserID(ctx context.Context, userID string, limit, skip int) (Page[*types.Conversation], error)
	Update(ctx context.Context, c *types.Conversation) error
	Delete(ctx context.Context, id, userID string) error
}

// FileConversationRepo is a ConversationRepo backed by internal/storage.
type FileConversationRepo struct {
	storage *storage.Storage
}

// NewFileConversationRepo constructs a FileConversationRepo.
func NewFileConversationRepo(s *storage.Storage) *FileConversationRepo {
	return &FileConversationRepo{storage: s}
}

func (r *FileConversationRepo) path(id string) []string {
	return []string{"conversation", id}
}

func (r *FileConversationRepo) Save(ctx context.Context, c *types.Conversation) error {
	return r.storage.Put(ctx, r.path(c.ID), c)
}

// FindByID returns the conversation if it exists and is owned by userID.
func (r *FileConversationRepo) FindByID(ctx context.Context, id, userID string) (*types.Conversation, error) {
	var c types.Conversation
	if err := r.storage.Get(ctx, r.path(id), &c); err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, storage.ErrNotFound
	}
	return &c, nil
}

// FindByUserID returns active, non-archived conversations ordered by
// UpdatedAt descending, paged by limit/skip.
func (r *FileConversationRepo) FindByUserID(ctx context.Context, userID string, limit, skip int) (Page[*types.Conversation], error) {
	var all []*types.Conversation
	err := r.storage.Scan(ctx, []string{"conversation"}, func(key string, data json.RawMessage) error {
		var c types.Conversation
		if err := json.Unmarshal(data, &c); err != nil {
			return nil
		}
		if c.UserID == userID && c.Active && !c.Archived {
			all = append(all, &c)
		}
		return nil
	})
	if err != nil {
		return Page[*types.Conversation]{}, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })

	total := len(all)
	if skip < 0 {
		skip = 0
	}
	if skip > total {
		skip = total
	}
	end := skip + limit
	if limit <= 0 || end > total {
		end = total
	}
	return Page[*types.Conversation]{Items: all[skip:end], Total: total}, nil
}

// FindArchivedByUserID returns archived conversations ordered by
// ArchivedAt descending (falling back to UpdatedAt), paged by limit/skip.
func (r *FileConversationRepo) FindArchivedByUserID(ctx context.Context, userID string, limit, skip int) (Page[*types.Conversation], error) {
	var all []*types.Conversation
	err := r.storage.Scan(ctx, []string{"conversation"}, func(key string, data json.RawMessage) error {
		var c types.Conversation
		if err := json.Unmarshal(data, &c); err != nil {
			return nil
		}
		if c.UserID == userID && c.Archived {
			all = append(all, &c)
		}
		return nil
	})
	if err != nil {
		return Page[*types.Conversation]{}, err
	}

	sort.Slice(all, func(i, j int) bool {
		return recency(all[i]).After(recency(all[j]))
	})

	total := len(all)
	if skip < 0 {
		skip = 0
	}
	if skip > total {
		skip = total
	}
	end := skip + limit
	if limit <= 0 || end > total {
		end = total
	}
	return Page[*types.Conversation]{Items: all[skip:end], Total: total}, nil
}

func recency(c *types.Conversation) time.Time {
	if c.ArchivedAt != nil {
		return *c.ArchivedAt
	}
	return c.UpdatedAt
}

func (r *FileConversationRepo) Update(ctx context.Context, c *types.Conversation) error {
	c.UpdatedAt = time.Now()
	return r.storage.Put(ctx, r.path(c.ID), c)
}

// Delete soft-deletes: clears Active and Archived, leaving the
// soft-deleted state the domain model's invariant names.
func (r *FileConversationRepo) Delete(ctx context.Context, id, userID string) error {
	c, err := r.FindByID(ctx, id, userID)
	if err != nil {
		return err
	}
	c.Active = false
	c.Archived = false
	c.UpdatedAt = time.Now()
	return r.storage.Put(ctx, r.path(id), c)
}

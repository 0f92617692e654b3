package repo

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/relaygate/gateway/internal/storage"
	"github.com/relaygate/gateway/pkg/types"
)

// ContentRange is a lazily-rendered slice of a large message's content.
type ContentRange struct {
	Content string
	Start   int
	Length  int
	Total   int
	HasMore bool
}

// MessageRepo is the message persistence contract.
type MessageRepo interface {
	Save(ctx context.Context, m *types.Message) error
	FindByID(ctx context.Context, id string) (*types.Message, error)
	FindByConversationID(ctx context.Context, conversationID, userID string, limit, skip int) (Page[*types.Message], error)
	GetContentRange(ctx context.Context, id, userID string, start, length int) (ContentRange, error)
	DeleteByConversationID(ctx context.Context, conversationID string) error
}

// FileMessageRepo is a MessageRepo backed by internal/storage, one JSON
// document per message under its conversation.
type FileMessageRepo struct {
	storage *storage.Storage
}

// NewFileMessageRepo constructs a FileMessageRepo.
func NewFileMessageRepo(s *storage.Storage) *FileMessageRepo {
	return &FileMessageRepo{storage: s}
}

func (r *FileMessageRepo) path(conversationID, id string) []string {
	return []string{"message", conversationID, id}
}

// index maintains a flat id -> conversationID lookup so FindByID doesn't
// need to scan every conversation's message directory.
func (r *FileMessageRepo) indexPath(id string) []string {
	return []string{"message-index", id}
}

func (r *FileMessageRepo) Save(ctx context.Context, m *types.Message) error {
	if err := r.storage.Put(ctx, r.path(m.ConversationID, m.ID), m); err != nil {
		return err
	}
	return r.storage.Put(ctx, r.indexPath(m.ID), map[string]string{"conversationId": m.ConversationID})
}

func (r *FileMessageRepo) FindByID(ctx context.Context, id string) (*types.Message, error) {
	var idx struct {
		ConversationID string `json:"conversationId"`
	}
	if err := r.storage.Get(ctx, r.indexPath(id), &idx); err != nil {
		return nil, err
	}
	var m types.Message
	if err := r.storage.Get(ctx, r.path(idx.ConversationID, id), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// FindByConversationID returns messages owned by userID in a conversation,
// ordered by Timestamp ascending and paged by limit/skip.
func (r *FileMessageRepo) FindByConversationID(ctx context.Context, conversationID, userID string, limit, skip int) (Page[*types.Message], error) {
	var all []*types.Message
	err := r.storage.Scan(ctx, []string{"message", conversationID}, func(key string, data json.RawMessage) error {
		var m types.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil
		}
		if m.UserID == userID {
			all = append(all, &m)
		}
		return nil
	})
	if err != nil {
		return Page[*types.Message]{}, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })

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
	return Page[*types.Message]{Items: all[skip:end], Total: total}, nil
}

// DeleteByConversationID removes every message in a conversation along
// with their id index entries, for the LRU scheduler's archived-conversation
// cleanup.
func (r *FileMessageRepo) DeleteByConversationID(ctx context.Context, conversationID string) error {
	var ids []string
	err := r.storage.Scan(ctx, []string{"message", conversationID}, func(key string, data json.RawMessage) error {
		ids = append(ids, key)
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		_ = r.storage.Delete(ctx, r.indexPath(id))
	}
	return r.storage.DeleteRaw(ctx, []string{"message", conversationID})
}

// GetContentRange reads [start, start+length) of a message's content, for
// lazily rendering very large messages without shipping the whole body.
func (r *FileMessageRepo) GetContentRange(ctx context.Context, id, userID string, start, length int) (ContentRange, error) {
	m, err := r.FindByID(ctx, id)
	if err != nil {
		return ContentRange{}, err
	}
	if m.UserID != userID {
		return ContentRange{}, storage.ErrNotFound
	}

	total := len(m.Content)
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := start + length
	if length <= 0 || end > total {
		end = total
	}

	return ContentRange{
		Content: m.Content[start:end],
		Start:   start,
		Length:  end - start,
		Total:   total,
		HasMore: end < total,
	}, nil
}

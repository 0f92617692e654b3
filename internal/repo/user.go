package repo

import (
	"time"

	"context"

	"github.com/relaygate/gateway/internal/storage"
	"github.com/relaygate/gateway/pkg/types"
)

// UserRepo is the user persistence contract: GetOrCreate creates a user
// lazily on first access, and Touch bumps its LastActiveAt.
type UserRepo interface {
	GetOrCreate(ctx context.Context, id string) (*types.User, error)
	Touch(ctx context.Context, id string) error
}

// FileUserRepo is a UserRepo backed by internal/storage.
type FileUserRepo struct {
	storage *storage.Storage
}

// NewFileUserRepo constructs a FileUserRepo.
func NewFileUserRepo(s *storage.Storage) *FileUserRepo {
	return &FileUserRepo{storage: s}
}

func (r *FileUserRepo) path(id string) []string { return []string{"user", id} }

// GetOrCreate returns the user with id, creating it with CreatedAt and
// LastActiveAt set to now if it doesn't exist yet.
func (r *FileUserRepo) GetOrCreate(ctx context.Context, id string) (*types.User, error) {
	var u types.User
	err := r.storage.Get(ctx, r.path(id), &u)
	if err == nil {
		return &u, nil
	}
	if err != storage.ErrNotFound {
		return nil, err
	}

	now := time.Now()
	u = types.User{ID: id, CreatedAt: now, LastActiveAt: now}
	if err := r.storage.Put(ctx, r.path(id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Touch bumps LastActiveAt for an existing user, creating it if absent.
func (r *FileUserRepo) Touch(ctx context.Context, id string) error {
	u, err := r.GetOrCreate(ctx, id)
	if err != nil {
		return err
	}
	u.LastActiveAt = time.Now()
	return r.storage.Put(ctx, r.path(id), u)
}

package repo

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/relaygate/gateway/internal/storage"
	"github.com/relaygate/gateway/pkg/types"
)

// PlanRepo is the plan persistence contract: user-scoped CRUD with soft
// delete, listed newest-updated-first.
type PlanRepo interface {
	Save(ctx context.Context, p *types.Plan) error
	FindByID(ctx context.Context, id, userID string) (*types.Plan, error)
	FindByUserID(ctx context.Context, userID string) ([]*types.Plan, error)
	Update(ctx context.Context, p *types.Plan) error
	Delete(ctx context.Context, id, userID string) error
}

// FilePlanRepo is a PlanRepo backed by internal/storage.
type FilePlanRepo struct {
	storage *storage.Storage
}

// NewFilePlanRepo constructs a FilePlanRepo.
func NewFilePlanRepo(s *storage.Storage) *FilePlanRepo {
	return &FilePlanRepo{storage: s}
}

func (r *FilePlanRepo) path(id string) []string { return []string{"plan", id} }

func (r *FilePlanRepo) Save(ctx context.Context, p *types.Plan) error {
	return r.storage.Put(ctx, r.path(p.ID), p)
}

func (r *FilePlanRepo) FindByID(ctx context.Context, id, userID string) (*types.Plan, error) {
	var p types.Plan
	if err := r.storage.Get(ctx, r.path(id), &p); err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

func (r *FilePlanRepo) FindByUserID(ctx context.Context, userID string) ([]*types.Plan, error) {
	var all []*types.Plan
	err := r.storage.Scan(ctx, []string{"plan"}, func(key string, data json.RawMessage) error {
		var p types.Plan
		if err := json.Unmarshal(data, &p); err != nil {
			return nil
		}
		if p.UserID == userID && p.Active {
			all = append(all, &p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	return all, nil
}

func (r *FilePlanRepo) Update(ctx context.Context, p *types.Plan) error {
	p.UpdatedAt = time.Now()
	return r.storage.Put(ctx, r.path(p.ID), p)
}

func (r *FilePlanRepo) Delete(ctx context.Context, id, userID string) error {
	p, err := r.FindByID(ctx, id, userID)
	if err != nil {
		return err
	}
	p.Active = false
	p.UpdatedAt = time.Now()
	return r.storage.Put(ctx, r.path(id), p)
}

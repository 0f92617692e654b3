package repo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/relaygate/gateway/internal/storage"
	"github.com/relaygate/gateway/pkg/types"
)

// UploadRepo is the chunked-upload persistence contract. Chunk bytes are
// stored raw (not JSON); session metadata and chunk hashes are JSON.
type UploadRepo interface {
	SaveSession(ctx context.Context, s *types.UploadSession) error
	FindSessionByID(ctx context.Context, id string) (*types.UploadSession, error)
	SaveChunk(ctx context.Context, sessionID string, idx int, data []byte, sha256Hex string) (verified bool, err error)
	ReadChunk(ctx context.Context, sessionID string, idx int) ([]byte, error)
	AssembleChunks(ctx context.Context, sessionID string) ([]byte, error)
	DeleteSession(ctx context.Context, sessionID string) error
	CleanupExpired(ctx context.Context, ttl time.Duration) (int, error)
}

// FileUploadRepo is an UploadRepo backed by internal/storage.
type FileUploadRepo struct {
	storage *storage.Storage
}

// NewFileUploadRepo constructs a FileUploadRepo.
func NewFileUploadRepo(s *storage.Storage) *FileUploadRepo {
	return &FileUploadRepo{storage: s}
}

func (r *FileUploadRepo) sessionPath(id string) []string {
	return []string{"upload-session", id}
}

func (r *FileUploadRepo) chunkPath(sessionID string, idx int) []string {
	return []string{"upload-chunk", sessionID, fmt.Sprintf("%d", idx)}
}

func (r *FileUploadRepo) SaveSession(ctx context.Context, s *types.UploadSession) error {
	return r.storage.Put(ctx, r.sessionPath(s.ID), s)
}

func (r *FileUploadRepo) FindSessionByID(ctx context.Context, id string) (*types.UploadSession, error) {
	var s types.UploadSession
	if err := r.storage.Get(ctx, r.sessionPath(id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveChunk persists chunk idx only if data's sha256 matches sha256Hex. On
// mismatch the chunk is not written and verified=false is returned with a
// nil error, so the caller can ask the client to resend.
func (r *FileUploadRepo) SaveChunk(ctx context.Context, sessionID string, idx int, data []byte, sha256Hex string) (bool, error) {
	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if actual != sha256Hex {
		return false, nil
	}

	s, err := r.FindSessionByID(ctx, sessionID)
	if err != nil {
		return false, err
	}

	if err := r.storage.PutRaw(ctx, r.chunkPath(sessionID, idx), data); err != nil {
		return false, err
	}

	if s.ChunkHashes == nil {
		s.ChunkHashes = make(map[int]string)
	}
	if s.ReceivedChunks == nil {
		s.ReceivedChunks = make(map[int]bool)
	}
	s.ChunkHashes[idx] = sha256Hex
	s.ReceivedChunks[idx] = true
	if err := r.SaveSession(ctx, s); err != nil {
		return false, err
	}

	return true, nil
}

func (r *FileUploadRepo) ReadChunk(ctx context.Context, sessionID string, idx int) ([]byte, error) {
	return r.storage.GetRaw(ctx, r.chunkPath(sessionID, idx))
}

// AssembleChunks concatenates chunks 0..TotalChunks-1 in order. The session
// must be complete; otherwise an error is returned.
func (r *FileUploadRepo) AssembleChunks(ctx context.Context, sessionID string) ([]byte, error) {
	s, err := r.FindSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.Complete() {
		return nil, fmt.Errorf("upload session %s is not complete", sessionID)
	}

	var out []byte
	for i := 0; i < s.TotalChunks; i++ {
		chunk, err := r.ReadChunk(ctx, sessionID, i)
		if err != nil {
			return nil, fmt.Errorf("reading chunk %d: %w", i, err)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (r *FileUploadRepo) DeleteSession(ctx context.Context, sessionID string) error {
	if err := r.storage.DeleteRaw(ctx, []string{"upload-chunk", sessionID}); err != nil {
		return err
	}
	return r.storage.Delete(ctx, r.sessionPath(sessionID))
}

// CleanupExpired deletes sessions (and their chunks) whose CreatedAt is
// older than ttl, returning the number removed.
func (r *FileUploadRepo) CleanupExpired(ctx context.Context, ttl time.Duration) (int, error) {
	var expired []string
	cutoff := time.Now().Add(-ttl)

	err := r.storage.Scan(ctx, []string{"upload-session"}, func(key string, data json.RawMessage) error {
		var s types.UploadSession
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		if s.CreatedAt.Before(cutoff) {
			expired = append(expired, s.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	sort.Strings(expired)
	for _, id := range expired {
		if err := r.DeleteSession(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

package repo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/relaygate/gateway/internal/storage"
	"github.com/relaygate/gateway/pkg/types"
)

func newUploadRepo(t *testing.T) (*FileUploadRepo, context.Context) {
	t.Helper()
	s := storage.New(t.TempDir())
	return NewFileUploadRepo(s), context.Background()
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestFileUploadRepo_SaveChunkVerifiesHash(t *testing.T) {
	r, ctx := newUploadRepo(t)

	session := &types.UploadSession{ID: "up1", TotalChunks: 2, CreatedAt: time.Now()}
	if err := r.SaveSession(ctx, session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	data := []byte("chunk-zero")
	verified, err := r.SaveChunk(ctx, "up1", 0, data, hashOf(data))
	if err != nil {
		t.Fatalf("SaveChunk failed: %v", err)
	}
	if !verified {
		t.Fatal("expected chunk to verify")
	}

	got, err := r.ReadChunk(ctx, "up1", 0)
	if err != nil {
		t.Fatalf("ReadChunk failed: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("chunk mismatch: got %q want %q", got, data)
	}
}

func TestFileUploadRepo_SaveChunkRejectsHashMismatch(t *testing.T) {
	r, ctx := newUploadRepo(t)

	session := &types.UploadSession{ID: "up2", TotalChunks: 1, CreatedAt: time.Now()}
	if err := r.SaveSession(ctx, session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	verified, err := r.SaveChunk(ctx, "up2", 0, []byte("data"), "deadbeef")
	if err != nil {
		t.Fatalf("SaveChunk returned error: %v", err)
	}
	if verified {
		t.Fatal("expected verified=false on hash mismatch")
	}

	if _, err := r.ReadChunk(ctx, "up2", 0); err != storage.ErrNotFound {
		t.Errorf("expected chunk to not be persisted, got err=%v", err)
	}
}

func TestFileUploadRepo_AssembleChunksRequiresComplete(t *testing.T) {
	r, ctx := newUploadRepo(t)

	session := &types.UploadSession{ID: "up3", TotalChunks: 2, CreatedAt: time.Now()}
	if err := r.SaveSession(ctx, session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	part := []byte("only-part")
	if _, err := r.SaveChunk(ctx, "up3", 0, part, hashOf(part)); err != nil {
		t.Fatalf("SaveChunk failed: %v", err)
	}

	if _, err := r.AssembleChunks(ctx, "up3"); err == nil {
		t.Fatal("expected error assembling incomplete session")
	}
}

func TestFileUploadRepo_AssembleChunksConcatenatesInOrder(t *testing.T) {
	r, ctx := newUploadRepo(t)

	session := &types.UploadSession{ID: "up4", TotalChunks: 3, CreatedAt: time.Now()}
	if err := r.SaveSession(ctx, session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	parts := [][]byte{[]byte("aaa"), []byte("bbb"), []byte("ccc")}
	for i, p := range parts {
		if verified, err := r.SaveChunk(ctx, "up4", i, p, hashOf(p)); err != nil || !verified {
			t.Fatalf("SaveChunk(%d) failed: verified=%v err=%v", i, verified, err)
		}
	}

	assembled, err := r.AssembleChunks(ctx, "up4")
	if err != nil {
		t.Fatalf("AssembleChunks failed: %v", err)
	}
	if string(assembled) != "aaabbbccc" {
		t.Errorf("assembled mismatch: got %q", assembled)
	}
}

func TestFileUploadRepo_DeleteSessionRemovesChunks(t *testing.T) {
	r, ctx := newUploadRepo(t)

	session := &types.UploadSession{ID: "up5", TotalChunks: 1, CreatedAt: time.Now()}
	if err := r.SaveSession(ctx, session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	data := []byte("x")
	if _, err := r.SaveChunk(ctx, "up5", 0, data, hashOf(data)); err != nil {
		t.Fatalf("SaveChunk failed: %v", err)
	}

	if err := r.DeleteSession(ctx, "up5"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}

	if _, err := r.FindSessionByID(ctx, "up5"); err != storage.ErrNotFound {
		t.Errorf("expected session deleted, got err=%v", err)
	}
	if _, err := r.ReadChunk(ctx, "up5", 0); err != storage.ErrNotFound {
		t.Errorf("expected chunk deleted, got err=%v", err)
	}
}

func TestFileUploadRepo_CleanupExpiredRemovesOldSessions(t *testing.T) {
	r, ctx := newUploadRepo(t)

	old := &types.UploadSession{ID: "up-old", TotalChunks: 1, CreatedAt: time.Now().Add(-2 * time.Hour)}
	fresh := &types.UploadSession{ID: "up-fresh", TotalChunks: 1, CreatedAt: time.Now()}
	if err := r.SaveSession(ctx, old); err != nil {
		t.Fatalf("SaveSession(old) failed: %v", err)
	}
	if err := r.SaveSession(ctx, fresh); err != nil {
		t.Fatalf("SaveSession(fresh) failed: %v", err)
	}

	count, err := r.CleanupExpired(ctx, time.Hour)
	if err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 expired session removed, got %d", count)
	}

	if _, err := r.FindSessionByID(ctx, "up-old"); err != storage.ErrNotFound {
		t.Errorf("expected old session removed, got err=%v", err)
	}
	if _, err := r.FindSessionByID(ctx, "up-fresh"); err != nil {
		t.Errorf("expected fresh session to remain, got err=%v", err)
	}
}

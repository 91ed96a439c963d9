package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/labfoundry/labctl/pkg/state/backend"
)

func TestNewBackend(t *testing.T) {
	tmpDir := t.TempDir()

	b, err := NewBackend(map[string]string{
		"path": tmpDir,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if b.Type() != "local" {
		t.Errorf("expected type 'local', got %q", b.Type())
	}
}

func TestBackend_ReadWrite(t *testing.T) {
	tmpDir := t.TempDir()
	b, _ := NewBackend(map[string]string{"path": tmpDir})

	ctx := context.Background()
	testPath := "resources/web.state.json"
	testData := []byte(`{"name": "web"}`)

	// Write
	err := b.Write(ctx, testPath, bytes.NewReader(testData))
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// Read
	reader, err := b.Read(ctx, testPath)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read all failed: %v", err)
	}

	if !bytes.Equal(data, testData) {
		t.Errorf("expected %s, got %s", testData, data)
	}
}

func TestBackend_ReadNotFound(t *testing.T) {
	tmpDir := t.TempDir()
	b, _ := NewBackend(map[string]string{"path": tmpDir})

	_, err := b.Read(context.Background(), "missing/state.json")
	if !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBackend_WriteIsAtomic(t *testing.T) {
	tmpDir := t.TempDir()
	b, _ := NewBackend(map[string]string{"path": tmpDir})
	ctx := context.Background()

	testPath := "resources/web.state.json"
	if err := b.Write(ctx, testPath, bytes.NewReader([]byte("v1"))); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := b.Write(ctx, testPath, bytes.NewReader([]byte("v2"))); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	// No temp files left behind
	entries, err := os.ReadDir(filepath.Join(tmpDir, "resources"))
	if err != nil {
		t.Fatalf("read dir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 file, got %d", len(entries))
	}

	reader, err := b.Read(ctx, testPath)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	defer reader.Close()
	data, _ := io.ReadAll(reader)
	if string(data) != "v2" {
		t.Errorf("expected v2, got %s", data)
	}
}

func TestBackend_Delete(t *testing.T) {
	tmpDir := t.TempDir()
	b, _ := NewBackend(map[string]string{"path": tmpDir})
	ctx := context.Background()

	testPath := "resources/web.state.json"
	if err := b.Write(ctx, testPath, bytes.NewReader([]byte("{}"))); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := b.Delete(ctx, testPath); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	exists, err := b.Exists(ctx, testPath)
	if err != nil {
		t.Fatalf("exists failed: %v", err)
	}
	if exists {
		t.Error("expected path to be gone after delete")
	}

	// Deleting a missing path is not an error
	if err := b.Delete(ctx, testPath); err != nil {
		t.Errorf("second delete failed: %v", err)
	}
}

func TestBackend_List(t *testing.T) {
	tmpDir := t.TempDir()
	b, _ := NewBackend(map[string]string{"path": tmpDir})
	ctx := context.Background()

	files := []string{
		"resources/web.state.json",
		"resources/db.state.json",
		"deployments/lab-1.state.json",
	}
	for _, p := range files {
		if err := b.Write(ctx, p, bytes.NewReader([]byte("{}"))); err != nil {
			t.Fatalf("write %s failed: %v", p, err)
		}
	}

	paths, err := b.List(ctx, "resources/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(paths) != 2 {
		t.Errorf("expected 2 paths, got %d: %v", len(paths), paths)
	}

	empty, err := b.List(ctx, "nothing/")
	if err != nil {
		t.Fatalf("list of missing prefix failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no paths, got %v", empty)
	}
}

func TestBackend_Lock(t *testing.T) {
	tmpDir := t.TempDir()
	b, _ := NewBackend(map[string]string{"path": tmpDir})
	ctx := context.Background()

	lock, err := b.Lock(ctx, "resources/web.state.json", backend.LockInfo{
		Who:       "test",
		Operation: "deploy",
	})
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if lock.ID() == "" {
		t.Error("expected a lock id")
	}

	// Second lock on the same path must fail while held
	_, err = b.Lock(ctx, "resources/web.state.json", backend.LockInfo{Who: "other"})
	var lockErr *backend.LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockError, got %v", err)
	}

	if err := lock.Unlock(ctx); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}

	// Lock is acquirable again after unlock
	again, err := b.Lock(ctx, "resources/web.state.json", backend.LockInfo{Who: "test"})
	if err != nil {
		t.Fatalf("relock failed: %v", err)
	}
	_ = again.Unlock(ctx)
}

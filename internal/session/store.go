package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lingocast/lingocast/internal/fsio"
)

// Store persists session records so active sessions survive a restart.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, sessionID string) error
	Load(ctx context.Context) ([]Record, error)
	Close() error
}

// FileStore keeps one JSON file per session under dir/sessions. Writes go
// through write-temp-then-rename under an advisory lock so a crash never
// leaves a half-written record.
type FileStore struct {
	dir string
}

const (
	sessionLockAttempts = 5
	sessionLockDelay    = 50 * time.Millisecond
)

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(sessionID string) string {
	return filepath.Join(s.dir, "sessions", sessionID+".json")
}

func (s *FileStore) Save(_ context.Context, rec Record) error {
	lock, err := fsio.AcquireLock(filepath.Join(s.dir, "sessions.lock"), sessionLockAttempts, sessionLockDelay)
	if err != nil {
		return err
	}
	defer lock.Release()

	rec.OwnerConnectionID = ""
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", rec.SessionID, err)
	}
	return fsio.WriteAtomic(s.path(rec.SessionID), raw, 0o600)
}

func (s *FileStore) Delete(_ context.Context, sessionID string) error {
	lock, err := fsio.AcquireLock(filepath.Join(s.dir, "sessions.lock"), sessionLockAttempts, sessionLockDelay)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session %s: %w", sessionID, err)
	}
	return nil
}

// Load reads every persisted record. Records from older deployments that
// carry a connection-scoped owner are migrated to the legacy placeholder
// owner and rewritten in the new shape.
func (s *FileStore) Load(ctx context.Context) ([]Record, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}

	var out []Record
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, "sessions", de.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil || rec.SessionID == "" {
			continue
		}
		if rec.OwnerAdminID == "" && rec.OwnerConnectionID != "" {
			rec.OwnerAdminID = LegacyOwner
			rec.OwnerConnectionID = ""
			if err := s.Save(ctx, rec); err != nil {
				return nil, fmt.Errorf("migrate session %s: %w", rec.SessionID, err)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *FileStore) Close() error { return nil }

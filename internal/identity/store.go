package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lingocast/lingocast/internal/fsio"
)

var ErrNotFound = errors.New("identity not found")

// Store is the durable admin registry.
type Store interface {
	Get(adminID string) (*AdminIdentity, error)
	GetByDisplayName(name string) (*AdminIdentity, error)
	Save(id *AdminIdentity) error
	Delete(adminID, reason string) error
	List() ([]*AdminIdentity, error)
}

// FileStore keeps one JSON record per identity plus a display-name index
// and an append-only, size-capped reclamation log. Every mutation goes
// through write-temp-then-rename under an advisory directory lock, so two
// server processes can share one data directory.
type FileStore struct {
	mu         sync.RWMutex
	dir        string
	index      map[string]string // displayName -> adminID
	cache      map[string]*AdminIdentity
	reclaimCap int64
}

const (
	lockAttempts    = 5
	lockRetryDelay  = 50 * time.Millisecond
	reclaimLogLimit = 1 << 20
)

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "identities"), 0o755); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	s := &FileStore{
		dir:        dir,
		index:      make(map[string]string),
		cache:      make(map[string]*AdminIdentity),
		reclaimCap: reclaimLogLimit,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	entries, err := os.ReadDir(filepath.Join(s.dir, "identities"))
	if err != nil {
		return fmt.Errorf("read identity dir: %w", err)
	}
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, "identities", de.Name()))
		if err != nil {
			continue
		}
		var id AdminIdentity
		if err := json.Unmarshal(raw, &id); err != nil || id.AdminID == "" {
			continue
		}
		id.LiveConnections = make(map[string]struct{})
		s.cache[id.AdminID] = &id
		s.index[id.DisplayName] = id.AdminID
	}
	// The index file is a denormalized view; rebuilt from records above,
	// rewritten so external tooling can read it.
	return s.writeIndex()
}

func (s *FileStore) Get(adminID string) (*AdminIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.cache[adminID]
	if !ok {
		return nil, ErrNotFound
	}
	return id.clone(), nil
}

func (s *FileStore) GetByDisplayName(name string) (*AdminIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	adminID, ok := s.index[name]
	if !ok {
		return nil, ErrNotFound
	}
	id, ok := s.cache[adminID]
	if !ok {
		return nil, ErrNotFound
	}
	return id.clone(), nil
}

func (s *FileStore) Save(id *AdminIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := fsio.AcquireLock(filepath.Join(s.dir, "identities.lock"), lockAttempts, lockRetryDelay)
	if err != nil {
		return err
	}
	defer lock.Release()

	raw, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity %s: %w", id.AdminID, err)
	}
	path := filepath.Join(s.dir, "identities", id.AdminID+".json")
	if err := fsio.WriteAtomic(path, raw, 0o600); err != nil {
		return err
	}

	stored := id.clone()
	if prev, ok := s.cache[id.AdminID]; ok && prev.DisplayName != id.DisplayName {
		delete(s.index, prev.DisplayName)
	}
	s.cache[id.AdminID] = stored
	s.index[id.DisplayName] = id.AdminID
	return s.writeIndex()
}

func (s *FileStore) Delete(adminID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.cache[adminID]
	if !ok {
		return ErrNotFound
	}

	lock, err := fsio.AcquireLock(filepath.Join(s.dir, "identities.lock"), lockAttempts, lockRetryDelay)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := os.Remove(filepath.Join(s.dir, "identities", adminID+".json")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove identity %s: %w", adminID, err)
	}
	delete(s.index, id.DisplayName)
	delete(s.cache, adminID)
	if err := s.writeIndex(); err != nil {
		return err
	}
	s.appendReclaimLog(adminID, id.DisplayName, reason)
	return nil
}

func (s *FileStore) List() ([]*AdminIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AdminIdentity, 0, len(s.cache))
	for _, id := range s.cache {
		out = append(out, id.clone())
	}
	return out, nil
}

func (s *FileStore) writeIndex() error {
	raw, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	return fsio.WriteAtomic(filepath.Join(s.dir, "index.json"), raw, 0o600)
}

// appendReclaimLog records a deletion for audit. The log is truncated from
// the front when it outgrows its cap; losing oldest entries is acceptable.
func (s *FileStore) appendReclaimLog(adminID, displayName, reason string) {
	path := filepath.Join(s.dir, "reclaim.log")
	line := fmt.Sprintf("%s\t%s\t%s\t%s\n", time.Now().UTC().Format(time.RFC3339), adminID, displayName, reason)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	_, _ = f.WriteString(line)
	f.Close()

	if st, err := os.Stat(path); err == nil && st.Size() > s.reclaimCap {
		if raw, err := os.ReadFile(path); err == nil {
			half := raw[len(raw)/2:]
			if i := strings.IndexByte(string(half), '\n'); i >= 0 {
				half = half[i+1:]
			}
			_ = fsio.WriteAtomic(path, half, 0o600)
		}
	}
}

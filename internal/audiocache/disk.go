package audiocache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lingocast/lingocast/internal/fsio"
)

// diskMirror persists cache entries so synthesized audio survives restarts.
// One payload blob plus one meta JSON per entry.
type diskMirror struct {
	dir string
}

type entryMeta struct {
	Key        string    `json:"key"`
	Encoding   string    `json:"encoding"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// EnableMirror attaches a disk mirror at dir and loads surviving entries.
// Entries already past the age ceiling are discarded, not rehydrated.
func (c *Cache) EnableMirror(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	m := &diskMirror{dir: dir}

	names, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}
	now := time.Now().UTC()
	for _, de := range names {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		metaPath := filepath.Join(dir, de.Name())
		raw, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var meta entryMeta
		if err := json.Unmarshal(raw, &meta); err != nil || meta.Key == "" {
			os.Remove(metaPath)
			continue
		}
		blobPath := filepath.Join(dir, meta.Key+".bin")
		if now.Sub(meta.CreatedAt) > c.maxAge {
			os.Remove(metaPath)
			os.Remove(blobPath)
			continue
		}
		payload, err := os.ReadFile(blobPath)
		if err != nil {
			os.Remove(metaPath)
			continue
		}

		c.mu.Lock()
		if _, ok := c.entries[meta.Key]; !ok {
			e := &Entry{
				Key:            meta.Key,
				Payload:        payload,
				Encoding:       meta.Encoding,
				DurationMs:     meta.DurationMs,
				SizeBytes:      int64(len(payload)),
				CreatedAt:      meta.CreatedAt,
				LastAccessedAt: meta.CreatedAt,
			}
			c.entries[meta.Key] = c.lru.PushBack(e)
			c.totalBytes += e.SizeBytes
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.mirror = m
	for (c.totalBytes > c.maxBytes || c.lru.Len() > c.maxEntries) && c.lru.Len() > 0 {
		c.removeLocked(c.lru.Back())
		c.evictions++
	}
	c.mu.Unlock()
	return nil
}

func (m *diskMirror) write(e *Entry) {
	blobPath := filepath.Join(m.dir, e.Key+".bin")
	if err := fsio.WriteAtomic(blobPath, e.Payload, 0o644); err != nil {
		return
	}
	meta := entryMeta{
		Key:        e.Key,
		Encoding:   e.Encoding,
		DurationMs: e.DurationMs,
		CreatedAt:  e.CreatedAt,
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return
	}
	_ = fsio.WriteAtomic(filepath.Join(m.dir, e.Key+".json"), raw, 0o644)
}

func (m *diskMirror) remove(key string) {
	os.Remove(filepath.Join(m.dir, key+".bin"))
	os.Remove(filepath.Join(m.dir, key+".json"))
}

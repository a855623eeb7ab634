// Package audiocache holds synthesized speech keyed by content address so a
// phrase is produced at most once per (language, tier) and replays are
// served from memory.
package audiocache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Entry is one cached synthesis result. The payload is a pure function of
// the key inputs: identical key implies identical bytes.
type Entry struct {
	Key            string
	Payload        []byte
	Encoding       string
	DurationMs     int64
	SizeBytes      int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
	HitCount       int64
}

// Stats is the occupancy view used by the status probe and janitor logs.
type Stats struct {
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

type Cache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element // key -> element holding *Entry
	lru        *list.List               // front = most recently used
	totalBytes int64
	maxBytes   int64
	maxEntries int
	maxAge     time.Duration
	hits       int64
	misses     int64
	evictions  int64
	mirror     *diskMirror
}

func New(maxBytes int64, maxEntries int, maxAge time.Duration) *Cache {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &Cache{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
		maxAge:     maxAge,
	}
}

// Key derives the content address for a synthesis request. Text whitespace
// is collapsed and the language tag lowercased so trivially different
// operator input maps to the same entry.
func Key(text, language, tier string) string {
	norm := strings.Join(strings.Fields(text), " ")
	h := sha256.New()
	h.Write([]byte(norm))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(language))))
	h.Write([]byte{0})
	h.Write([]byte(tier))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the entry for key, updating recency and hit count. A miss has
// no side effects beyond the miss counter.
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*Entry)
	if c.expired(e, time.Now().UTC()) {
		c.removeLocked(el)
		c.misses++
		return nil, false
	}
	e.LastAccessedAt = time.Now().UTC()
	e.HitCount++
	c.lru.MoveToFront(el)
	c.hits++
	cp := *e
	return &cp, true
}

// Put inserts or refreshes the entry for key, then evicts least recently
// used entries until both the byte and entry ceilings hold. Re-putting an
// existing key never creates a second entry.
func (c *Cache) Put(key string, payload []byte, encoding string, durationMs int64) {
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*Entry)
		c.totalBytes += int64(len(payload)) - e.SizeBytes
		e.Payload = payload
		e.Encoding = encoding
		e.DurationMs = durationMs
		e.SizeBytes = int64(len(payload))
		e.LastAccessedAt = now
		c.lru.MoveToFront(el)
	} else {
		e := &Entry{
			Key:            key,
			Payload:        payload,
			Encoding:       encoding,
			DurationMs:     durationMs,
			SizeBytes:      int64(len(payload)),
			CreatedAt:      now,
			LastAccessedAt: now,
		}
		c.entries[key] = c.lru.PushFront(e)
		c.totalBytes += e.SizeBytes
	}

	if c.mirror != nil {
		c.mirror.write(c.entries[key].Value.(*Entry))
	}

	for (c.totalBytes > c.maxBytes || c.lru.Len() > c.maxEntries) && c.lru.Len() > 0 {
		c.removeLocked(c.lru.Back())
		c.evictions++
	}
}

// SweepExpired drops every entry past the age ceiling regardless of usage.
// Returns the number removed.
func (c *Cache) SweepExpired() int {
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*Entry), now) {
			c.removeLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.lru.Len(),
		Bytes:     c.totalBytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func (c *Cache) expired(e *Entry, now time.Time) bool {
	return now.Sub(e.CreatedAt) > c.maxAge
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*Entry)
	c.lru.Remove(el)
	delete(c.entries, e.Key)
	c.totalBytes -= e.SizeBytes
	if c.mirror != nil {
		c.mirror.remove(e.Key)
	}
}

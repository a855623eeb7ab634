package audiocache

import (
	"bytes"
	"fmt"
	"testing"
	"time"
)

func TestKeyNormalizesInput(t *testing.T) {
	a := Key("Hello   world", "FR", "cloud")
	b := Key(" Hello world ", "fr", "cloud")
	if a != b {
		t.Fatalf("normalized keys differ: %s vs %s", a, b)
	}
	c := Key("Hello world", "fr", "device")
	if a == c {
		t.Fatalf("tier must partition the key space")
	}
}

func TestPutGetIdempotence(t *testing.T) {
	c := New(1<<20, 16, time.Hour)
	key := Key("Bonjour", "fr", "cloud")
	payload := []byte{0x01, 0x02, 0x03}

	c.Put(key, payload, "audio/mpeg", 900)
	c.Put(key, payload, "audio/mpeg", 900)

	got, ok := c.Get(key)
	if !ok {
		t.Fatalf("Get() miss, want hit")
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
	if s := c.Stats(); s.Entries != 1 {
		t.Fatalf("entries = %d, want 1 after double put", s.Entries)
	}
}

func TestMissHasNoSideEffects(t *testing.T) {
	c := New(1<<20, 16, time.Hour)
	if _, ok := c.Get("absent"); ok {
		t.Fatalf("Get() hit, want miss")
	}
	s := c.Stats()
	if s.Entries != 0 || s.Misses != 1 {
		t.Fatalf("stats = %+v, want 0 entries / 1 miss", s)
	}
}

func TestEvictionHonorsEntryCeiling(t *testing.T) {
	c := New(1<<20, 3, time.Hour)
	for i := 0; i < 5; i++ {
		c.Put(Key(fmt.Sprintf("text-%d", i), "en", "cloud"), []byte{byte(i)}, "audio/mpeg", 100)
	}
	s := c.Stats()
	if s.Entries != 3 {
		t.Fatalf("entries = %d, want 3", s.Entries)
	}
	// The two oldest inserts are gone, the newest three remain.
	if _, ok := c.Get(Key("text-0", "en", "cloud")); ok {
		t.Fatalf("oldest entry survived eviction")
	}
	if _, ok := c.Get(Key("text-4", "en", "cloud")); !ok {
		t.Fatalf("newest entry evicted")
	}
}

func TestEvictionHonorsByteCeilingLRUFirst(t *testing.T) {
	c := New(10, 16, time.Hour)
	k1 := Key("one", "en", "cloud")
	k2 := Key("two", "en", "cloud")
	c.Put(k1, make([]byte, 4), "audio/mpeg", 100)
	c.Put(k2, make([]byte, 4), "audio/mpeg", 100)

	// Touch k1 so k2 becomes the LRU candidate.
	if _, ok := c.Get(k1); !ok {
		t.Fatalf("k1 miss")
	}
	c.Put(Key("three", "en", "cloud"), make([]byte, 4), "audio/mpeg", 100)

	if _, ok := c.Get(k2); ok {
		t.Fatalf("LRU entry k2 should have been evicted first")
	}
	if _, ok := c.Get(k1); !ok {
		t.Fatalf("recently used k1 evicted")
	}
	if s := c.Stats(); s.Bytes > 10 {
		t.Fatalf("bytes = %d, exceeds ceiling", s.Bytes)
	}
}

func TestSweepExpiredIgnoresHitCount(t *testing.T) {
	c := New(1<<20, 16, 10*time.Millisecond)
	key := Key("stale", "en", "cloud")
	c.Put(key, []byte{1}, "audio/mpeg", 100)
	for i := 0; i < 5; i++ {
		c.Get(key)
	}

	time.Sleep(20 * time.Millisecond)
	if removed := c.SweepExpired(); removed != 1 {
		t.Fatalf("SweepExpired() = %d, want 1", removed)
	}
	if _, ok := c.Get(key); ok {
		t.Fatalf("expired entry still resident")
	}
}

func TestMirrorSurvivesRestartAndDropsStale(t *testing.T) {
	dir := t.TempDir()

	first := New(1<<20, 16, time.Hour)
	if err := first.EnableMirror(dir); err != nil {
		t.Fatalf("EnableMirror() error = %v", err)
	}
	fresh := Key("fresh", "en", "cloud")
	first.Put(fresh, []byte("fresh-audio"), "audio/mpeg", 500)

	second := New(1<<20, 16, time.Hour)
	if err := second.EnableMirror(dir); err != nil {
		t.Fatalf("EnableMirror() reload error = %v", err)
	}
	got, ok := second.Get(fresh)
	if !ok || string(got.Payload) != "fresh-audio" {
		t.Fatalf("reloaded entry missing or corrupt: %v %v", ok, got)
	}

	// A third cache with a tiny age ceiling must discard the same entry.
	third := New(1<<20, 16, time.Nanosecond)
	if err := third.EnableMirror(dir); err != nil {
		t.Fatalf("EnableMirror() stale reload error = %v", err)
	}
	if _, ok := third.Get(fresh); ok {
		t.Fatalf("stale mirrored entry rehydrated")
	}
}

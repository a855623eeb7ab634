package identity

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestIdentity(adminID, name string) *AdminIdentity {
	return &AdminIdentity{
		AdminID:         adminID,
		DisplayName:     name,
		CreatedAt:       time.Now().UTC(),
		LastSeenAt:      time.Now().UTC(),
		LiveConnections: make(map[string]struct{}),
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	id := newTestIdentity("adm_1", "alice")
	id.OwnedSessionIDs = []string{"svc-a"}
	if err := s.Save(id); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get("adm_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DisplayName != "alice" || len(got.OwnedSessionIDs) != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}

	byName, err := s.GetByDisplayName("alice")
	if err != nil {
		t.Fatalf("GetByDisplayName: %v", err)
	}
	if byName.AdminID != "adm_1" {
		t.Fatalf("index resolved %q, want adm_1", byName.AdminID)
	}
}

func TestFileStoreGetReturnsClone(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s.Save(newTestIdentity("adm_1", "alice")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, _ := s.Get("adm_1")
	got.DisplayName = "mallory"
	got.OwnedSessionIDs = append(got.OwnedSessionIDs, "stolen")

	again, _ := s.Get("adm_1")
	if again.DisplayName != "alice" || len(again.OwnedSessionIDs) != 0 {
		t.Fatalf("caller mutation leaked into store: %+v", again)
	}
}

func TestFileStoreSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	id := newTestIdentity("adm_1", "alice")
	id.CredentialVersion = 3
	if err := s.Save(id); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := reloaded.Get("adm_1")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if got.CredentialVersion != 3 {
		t.Fatalf("credential version lost across reload: %d", got.CredentialVersion)
	}
	if _, err := reloaded.GetByDisplayName("alice"); err != nil {
		t.Fatalf("index not rebuilt on reload: %v", err)
	}
}

func TestFileStoreDeleteWritesReclaimLog(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s.Save(newTestIdentity("adm_1", "alice")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := s.Delete("adm_1", "inactivity_reclaim"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("adm_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: %v, want ErrNotFound", err)
	}
	if _, err := s.GetByDisplayName("alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("index entry survived delete")
	}

	raw, err := os.ReadFile(filepath.Join(dir, "reclaim.log"))
	if err != nil {
		t.Fatalf("read reclaim log: %v", err)
	}
	if !strings.Contains(string(raw), "adm_1") || !strings.Contains(string(raw), "inactivity_reclaim") {
		t.Fatalf("reclaim log missing entry: %q", raw)
	}
}

func TestFileStoreDeleteUnknown(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s.Delete("adm_missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete unknown: %v, want ErrNotFound", err)
	}
}

func TestFileStoreRenameUpdatesIndex(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s.Save(newTestIdentity("adm_1", "alice")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	renamed := newTestIdentity("adm_1", "alicia")
	if err := s.Save(renamed); err != nil {
		t.Fatalf("Save rename: %v", err)
	}
	if _, err := s.GetByDisplayName("alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale display name still resolves")
	}
	if _, err := s.GetByDisplayName("alicia"); err != nil {
		t.Fatalf("new display name does not resolve: %v", err)
	}
}

package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/katidev/kati/internal/api"
)

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	if _, ok := store.Current(); ok {
		t.Fatal("fresh store reported a session")
	}
	if _, ok := store.Token(); ok {
		t.Fatal("fresh store reported a token")
	}

	sess := Session{
		AccessToken: "tok-123",
		TokenType:   "bearer",
		User:        api.User{UserID: 7, Username: "ada"},
	}
	if err := store.Save(sess); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	token, ok := store.Token()
	if !ok || token != "tok-123" {
		t.Fatalf("Token() = %q, %v", token, ok)
	}

	// A new store over the same directory sees the persisted session.
	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() reopen error = %v", err)
	}
	got, ok := reopened.Current()
	if !ok {
		t.Fatal("reopened store lost the session")
	}
	if got.User.Username != "ada" {
		t.Errorf("Username = %q, want ada", got.User.Username)
	}
}

func TestFileStoreClearRemovesFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if err := store.Save(Session{AccessToken: "tok"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, ok := store.Token(); ok {
		t.Error("token survived Clear")
	}
	if _, err := os.Stat(filepath.Join(dir, "session.json")); !os.IsNotExist(err) {
		t.Errorf("session file still present: %v", err)
	}
	// Clearing an already-clear store is fine.
	if err := store.Clear(); err != nil {
		t.Errorf("second Clear() error = %v", err)
	}
}

func TestFileStoreIgnoresCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "session.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if _, ok := store.Current(); ok {
		t.Error("corrupt session file produced a session")
	}
}

func TestFileStoreRejectsEmptyToken(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if err := store.Save(Session{}); err == nil {
		t.Error("Save() accepted a session without a token")
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Save(Session{AccessToken: "tok", User: api.User{UserID: 1}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if token, ok := store.Token(); !ok || token != "tok" {
		t.Fatalf("Token() = %q, %v", token, ok)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, ok := store.Current(); ok {
		t.Error("session survived Clear")
	}
}

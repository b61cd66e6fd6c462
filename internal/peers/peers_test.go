package peers

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestUpsertAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	r, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	if err := r.Upsert("bob", "192.168.1.9:53530", t0); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := r.Upsert("alice", "192.168.1.7:53530", t0); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	// Refresh bob: first-seen must survive, address and last-seen update.
	if err := r.Upsert("bob", "192.168.1.10:53530", t1); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	reloaded, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	list := reloaded.All()
	if len(list) != 2 {
		t.Fatalf("got %d peers, want 2", len(list))
	}
	if list[0].Handle != "alice" || list[1].Handle != "bob" {
		t.Errorf("not sorted by handle: %s, %s", list[0].Handle, list[1].Handle)
	}
	bob := list[1]
	if !bob.FirstSeen.Equal(t0) {
		t.Errorf("bob first-seen = %v, want %v", bob.FirstSeen, t0)
	}
	if !bob.LastSeen.Equal(t1) || bob.Address != "192.168.1.10:53530" {
		t.Errorf("bob not refreshed: %+v", bob)
	}
}

func TestDeterministicOutput(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	write := func(dir string, order []string) []byte {
		path := filepath.Join(dir, "peers.json")
		r, err := Open(path, zerolog.Nop())
		if err != nil {
			t.Fatal(err)
		}
		for _, h := range order {
			if err := r.Upsert(h, h+".local:1", t0); err != nil {
				t.Fatal(err)
			}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		return data
	}

	// Same set inserted in different orders serializes byte-identically.
	a := write(t.TempDir(), []string{"zoe", "amy", "mel"})
	b := write(t.TempDir(), []string{"amy", "mel", "zoe"})
	if !bytes.Equal(a, b) {
		t.Errorf("serialization depends on insertion order:\n%s\nvs\n%s", a, b)
	}
}

func TestOpenMissingFile(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "peers.json"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(r.All()) != 0 {
		t.Error("expected empty registry")
	}
	if _, ok := r.Lookup("nobody"); ok {
		t.Error("Lookup found a ghost")
	}
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, zerolog.Nop()); err == nil {
		t.Error("corrupt file accepted")
	}
}

func TestNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.json")
	r, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Upsert("amy", "a:1", time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

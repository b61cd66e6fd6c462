// Package peers maintains the saved-peer registry: every peer the service
// has successfully handshaken with, retained across runs in peers.json.
package peers

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

// SavedPeer is one registry entry. Field order is fixed for reproducible
// serialization.
type SavedPeer struct {
	Handle    string    `json:"handle"`
	Address   string    `json:"address"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Registry is the in-memory peer set backed by peers.json. The data mutex is
// held only across map updates; file writes are serialized by a separate
// write mutex, so the data mutex never spans I/O.
type Registry struct {
	path string
	log  zerolog.Logger

	mu    sync.Mutex
	peers map[string]SavedPeer

	writeMu sync.Mutex
}

// Open loads the registry from path. A missing file is an empty registry.
func Open(path string, log zerolog.Logger) (*Registry, error) {
	r := &Registry{
		path:  path,
		log:   log.With().Str("component", "peers").Logger(),
		peers: make(map[string]SavedPeer),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading saved peers: %w", err)
	}
	var list []SavedPeer
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parsing saved peers: %w", err)
	}
	for _, p := range list {
		r.peers[p.Handle] = p
	}
	return r, nil
}

// Upsert records a successful handshake with a peer. First-seen is preserved
// on refresh; the registry file is rewritten after every change.
func (r *Registry) Upsert(handle, address string, now time.Time) error {
	r.mu.Lock()
	p, ok := r.peers[handle]
	if !ok {
		p = SavedPeer{Handle: handle, FirstSeen: now}
	}
	p.Address = address
	p.LastSeen = now
	r.peers[handle] = p
	r.mu.Unlock()

	return r.save()
}

// Lookup returns the saved entry for a handle.
func (r *Registry) Lookup(handle string) (SavedPeer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[handle]
	return p, ok
}

// All returns every saved peer sorted by handle.
func (r *Registry) All() []SavedPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

func (r *Registry) sortedLocked() []SavedPeer {
	list := make([]SavedPeer, 0, len(r.peers))
	for _, p := range r.peers {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Handle < list[j].Handle })
	return list
}

// save writes the registry atomically: marshal the sorted set, write to a
// temp file, fsync, rename. A file lock keeps concurrent dezap processes
// from interleaving writes.
func (r *Registry) save() error {
	r.mu.Lock()
	list := r.sortedLocked()
	r.mu.Unlock()

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("creating peers directory: %w", err)
	}

	lock := flock.New(r.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking peers file: %w", err)
	}
	defer lock.Unlock()

	tmp := r.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

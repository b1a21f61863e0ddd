/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package state persists the replica counts the reconciler saw before
// scaling down, so the next scale-up restores what was running rather than
// a guess. The state is advisory: losing it degrades the up target to
// DEFAULT_UP, nothing more.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/ontimeops/exception-ontime/pkg/utils/filesys"
)

const FileName = "replicas.json"

// Entry records the last transition of one workload. Timestamps are Unix
// seconds with fraction, the format the state file has always used.
type Entry struct {
	PrevReplicas int32   `json:"prev_replicas"`
	LastUp       float64 `json:"last_up,omitempty"`
	LastDown     float64 `json:"last_down,omitempty"`
}

type Store struct {
	path       string
	entries    map[string]Entry
	loadedHash uint64
}

// Key builds the state key for one workload. The spelling is part of the
// file contract.
func Key(ns, kind, name string) string {
	return ns + "|" + kind + "|" + name
}

// Load reads the state file under an exclusive advisory lock. A missing
// file, or one that fails to parse, yields an empty store: the state is
// advisory and a fresh start is always safe.
func Load(stateRoot string) (*Store, error) {
	path := filepath.Join(stateRoot, FileName)
	store := &Store{path: path, entries: map[string]Entry{}}

	data, err := readLocked(path)
	if err != nil {
		return nil, err
	}
	if data != nil {
		if err := json.Unmarshal(data, &store.entries); err != nil {
			store.entries = map[string]Entry{}
		}
	}
	store.loadedHash = hashOf(store.entries)
	return store, nil
}

func readLocked(path string) ([]byte, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checking state file %s, %w", path, err)
	}
	lock := flock.New(path)
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("locking state file %s, %w", path, err)
	}
	defer lock.Unlock()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading state file %s, %w", path, err)
	}
	return data, nil
}

// Get returns the entry for key, if any.
func (s *Store) Get(key string) (Entry, bool) {
	entry, ok := s.entries[key]
	return entry, ok
}

// PrevReplicas returns the saved positive replica count for key, or 0 when
// no usable entry exists.
func (s *Store) PrevReplicas(key string) int32 {
	if entry, ok := s.entries[key]; ok && entry.PrevReplicas >= 1 {
		return entry.PrevReplicas
	}
	return 0
}

// RecordDown captures the replica count a workload had before a scale-down.
func (s *Store) RecordDown(key string, prevReplicas int32, now time.Time) {
	s.entries[key] = Entry{
		PrevReplicas: prevReplicas,
		LastDown:     unixSeconds(now),
	}
}

// RecordUp captures a completed scale-up; the target becomes the new
// prev_replicas so a later down/up cycle round-trips.
func (s *Store) RecordUp(key string, target int32, now time.Time) {
	s.entries[key] = Entry{
		PrevReplicas: target,
		LastUp:       unixSeconds(now),
	}
}

// Save publishes the state atomically. When nothing changed since Load the
// write is skipped entirely, which keeps the noop tick from churning the
// file's mtime.
func (s *Store) Save() error {
	if hashOf(s.entries) == s.loadedHash {
		return nil
	}
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state, %w", err)
	}
	if err := filesys.WriteAtomic(s.path, append(data, '\n')); err != nil {
		return err
	}
	s.loadedHash = hashOf(s.entries)
	return nil
}

func hashOf(entries map[string]Entry) uint64 {
	// Hash errors only occur for unhashable types; Entry is plain data.
	hash, _ := hashstructure.Hash(entries, hashstructure.FormatV2, nil)
	return hash
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

package fuzz

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gofrs/flock"
)

// Store persists the calldata of failing fuzz cases so the next run
// replays them first. Entries are keyed by "contract:function". The file
// is shared between processes and guarded by a lock file next to it.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store backed by the file at path. The file is
// created on the first save.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Key names the entry of a test function.
func Key(contract, function string) string { return contract + ":" + function }

func (s *Store) read() (map[string]hexutil.Bytes, error) {
	entries := make(map[string]hexutil.Bytes)
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		// A corrupt file is dropped and rewritten on the next save.
		return make(map[string]hexutil.Bytes), nil
	}
	return entries, nil
}

// Load returns the persisted calldata for key.
func (s *Store) Load(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock := flock.New(s.path + ".lock")
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, false, err
	}
	if err := lock.RLock(); err != nil {
		return nil, false, fmt.Errorf("lock failure store: %w", err)
	}
	defer lock.Unlock()

	entries, err := s.read()
	if err != nil {
		return nil, false, err
	}
	data, ok := entries[key]
	return data, ok, nil
}

// Save records calldata under key.
func (s *Store) Save(key string, calldata []byte) error {
	return s.update(func(entries map[string]hexutil.Bytes) { entries[key] = calldata })
}

// Delete removes the entry of key.
func (s *Store) Delete(key string) error {
	return s.update(func(entries map[string]hexutil.Bytes) { delete(entries, key) })
}

func (s *Store) update(fn func(map[string]hexutil.Bytes)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock failure store: %w", err)
	}
	defer lock.Unlock()

	entries, err := s.read()
	if err != nil {
		return err
	}
	fn(entries)
	enc, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(enc); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

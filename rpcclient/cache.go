package rpcclient

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// cacheEntry is the on-disk form of a cached response.
type cacheEntry struct {
	FetchedAt int64           `json:"fetchedAt"`
	Result    json.RawMessage `json:"result"`
}

// diskCache stores JSON responses under content-addressed file names.
// Readers never lock: entries are written to a temporary file and renamed
// into place while holding a per-key file lock.
type diskCache struct {
	dir string
}

func newDiskCache(root string, chainID uint64, url string) *diskCache {
	digest := sha256.Sum256([]byte(url))
	return &diskCache{dir: filepath.Join(root, "rpc", fmt.Sprint(chainID), hex.EncodeToString(digest[:8]))}
}

// requestKey returns the cache key of a request: the SHA-256 of its
// canonical JSON encoding.
func requestKey(method string, params []any) (string, error) {
	if params == nil {
		params = []any{}
	}
	enc, err := json.Marshal(struct {
		Method string `json:"method"`
		Params []any  `json:"params"`
	}{method, params})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(enc)
	return hex.EncodeToString(sum[:]), nil
}

func (c *diskCache) path(key string) string {
	return filepath.Join(c.dir, key[:2], key)
}

func (c *diskCache) get(key string) (json.RawMessage, bool, error) {
	raw, err := os.ReadFile(c.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt entry is treated as a miss and overwritten.
		return nil, false, nil
	}
	return entry.Result, true, nil
}

func (c *diskCache) put(key string, result json.RawMessage) error {
	path := c.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock cache entry: %w", err)
	}
	defer lock.Unlock()

	enc, err := json.Marshal(cacheEntry{FetchedAt: time.Now().Unix(), Result: result})
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
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
	return os.Rename(tmp.Name(), path)
}

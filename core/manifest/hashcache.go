package manifest

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/siteship/siteship/core/infra/logging"
)

// HashCache remembers content hashes across runs so unchanged files skip
// recompression. Keys are xxh3 over relpath, size and mtime; a stale or
// corrupt cache only costs recomputation, it never changes manifest output.
type HashCache struct {
	mu      sync.Mutex
	path    string
	entries map[string]string
	dirty   bool
}

// LoadHashCache reads the cache file at path. A missing or unreadable file
// yields an empty cache; path "" disables persistence.
func LoadHashCache(path string) *HashCache {
	c := &HashCache{path: path, entries: make(map[string]string)}
	if path == "" {
		return c
	}
	// #nosec G304 -- cache path is operator-configured.
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn("manifest", "hash cache unreadable, starting empty", "path", path, "err", err)
		}
		return c
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		logging.Warn("manifest", "hash cache corrupt, starting empty", "path", path, "err", err)
		c.entries = make(map[string]string)
	}
	return c
}

// Lookup returns the cached content hash for a file identified by its
// relative path and stat fingerprint.
func (c *HashCache) Lookup(rel string, info fs.FileInfo) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hash, ok := c.entries[cacheKey(rel, info)]
	if !ok || len(hash) != 64 {
		return "", false
	}
	return hash, true
}

// Store records the content hash for a file fingerprint.
func (c *HashCache) Store(rel string, info fs.FileInfo, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(rel, info)] = hash
	c.dirty = true
}

// Save persists the cache if it changed. Failures are logged, never fatal.
func (c *HashCache) Save() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path == "" || !c.dirty {
		return
	}
	data, err := json.Marshal(c.entries)
	if err != nil {
		logging.Warn("manifest", "encode hash cache", "err", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		logging.Warn("manifest", "create hash cache dir", "err", err)
		return
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		logging.Warn("manifest", "write hash cache", "path", c.path, "err", err)
		return
	}
	c.dirty = false
}

func cacheKey(rel string, info fs.FileInfo) string {
	fp := rel + "|" + strconv.FormatInt(info.Size(), 10) + "|" + strconv.FormatInt(info.ModTime().UnixNano(), 10)
	return fmt.Sprintf("%016x", xxh3.HashString(fp))
}

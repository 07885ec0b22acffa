// Package manifest computes the content inventory of a publish directory.
package manifest

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/siteship/siteship/core/faults"
)

// Entry is one file of the inventory. Gzipped is nil for cache hits and is
// materialized on demand when the backend asks for that hash.
type Entry struct {
	Hash    string
	Gzipped []byte
	path    string
}

// ContentManifest maps /-prefixed slash-separated relative paths to their
// entries. The hash is computed over the gzip-compressed bytes, not the raw
// ones; that is the backend's deduplication key.
type ContentManifest struct {
	Entries map[string]Entry
}

// Hashes returns the path to hash mapping the populate call sends.
func (m *ContentManifest) Hashes() map[string]string {
	out := make(map[string]string, len(m.Entries))
	for path, e := range m.Entries {
		out[path] = e.Hash
	}
	return out
}

// Payload returns the gzipped bytes for a hash, recompressing from disk when
// the entry came from the hash cache. Several paths may share one hash; any
// of their identical payloads serves.
func (m *ContentManifest) Payload(hash string) ([]byte, error) {
	for _, e := range m.Entries {
		if e.Hash != hash {
			continue
		}
		if e.Gzipped != nil {
			return e.Gzipped, nil
		}
		// #nosec G304 -- path comes from walking the run's own publish dir.
		raw, err := os.ReadFile(e.path)
		if err != nil {
			return nil, faults.Wrap(faults.CodeUploadFailed, "reread "+e.path, err)
		}
		fresh, err := Compress(raw)
		if err != nil {
			return nil, faults.Wrap(faults.CodeUploadFailed, "recompress "+e.path, err)
		}
		if fresh.Hash != hash {
			return nil, faults.New(faults.CodeUploadFailed, e.path+" changed while the run was in flight")
		}
		return fresh.Gzipped, nil
	}
	return nil, faults.New(faults.CodeUploadFailed, "backend requested unknown hash "+hash)
}

// Builder computes manifests, optionally consulting a hash cache.
type Builder struct {
	Cache *HashCache
}

// Build walks publishDir and produces the full inventory for the run. Only
// regular files participate. The result is deterministic for an unchanged
// directory.
func (b *Builder) Build(publishDir string) (*ContentManifest, error) {
	m := &ContentManifest{Entries: make(map[string]Entry)}
	err := filepath.WalkDir(publishDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(publishDir, path)
		if err != nil {
			return err
		}
		entry, err := b.fileEntry(path, rel, d)
		if err != nil {
			return err
		}
		m.Entries["/"+filepath.ToSlash(rel)] = entry
		return nil
	})
	if err != nil {
		return nil, faults.Wrap(faults.CodeUploadFailed, "build content manifest for "+publishDir, err)
	}
	return m, nil
}

func (b *Builder) fileEntry(path, rel string, d fs.DirEntry) (Entry, error) {
	var info fs.FileInfo
	if b.Cache != nil {
		var err error
		if info, err = d.Info(); err == nil {
			if hash, ok := b.Cache.Lookup(rel, info); ok {
				return Entry{Hash: hash, path: path}, nil
			}
		}
	}
	// #nosec G304 -- path comes from walking the run's own publish dir.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	e, err := Compress(raw)
	if err != nil {
		return Entry{}, err
	}
	e.path = path
	if b.Cache != nil && info != nil {
		b.Cache.Store(rel, info, e.Hash)
	}
	return e, nil
}

// Compress gzips raw at a fixed level and hashes the compressed bytes. The
// level is pinned so the hash is stable across runs and hosts.
func Compress(raw []byte) (Entry, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return Entry{}, err
	}
	if _, err := gz.Write(raw); err != nil {
		return Entry{}, err
	}
	if err := gz.Close(); err != nil {
		return Entry{}, err
	}
	sum := sha256.Sum256(buf.Bytes())
	return Entry{Hash: hex.EncodeToString(sum[:]), Gzipped: buf.Bytes()}, nil
}

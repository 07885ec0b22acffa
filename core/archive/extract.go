// Package archive unpacks fetched repository snapshots.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/siteship/siteship/core/faults"
	"github.com/siteship/siteship/core/infra/logging"
)

// Extract unpacks the tar.gz at archivePath into destDir, stripping the
// single synthetic top-level folder the hosts wrap archives in. On success
// the archive file is deleted (failure to delete is only logged). On failure
// destDir is removed recursively so no partial tree survives.
func Extract(archivePath, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", faults.Wrap(faults.CodeExtractFailed, "create working tree "+destDir, err)
	}
	if err := extractInto(archivePath, destDir); err != nil {
		if rmErr := os.RemoveAll(destDir); rmErr != nil {
			logging.Error("archive", "remove partial working tree", "dir", destDir, "err", rmErr)
		}
		return "", err
	}
	if err := os.Remove(archivePath); err != nil {
		logging.Warn("archive", "remove extracted archive", "path", archivePath, "err", err)
	}
	return destDir, nil
}

func extractInto(archivePath, destDir string) error {
	// #nosec G304 -- path was produced by the fetcher inside the scratch dir.
	f, err := os.Open(archivePath)
	if err != nil {
		return faults.Wrap(faults.CodeExtractFailed, "open archive "+archivePath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return faults.Wrap(faults.CodeExtractFailed, "read gzip stream", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return faults.Wrap(faults.CodeExtractFailed, "read tar stream", err)
		}
		rel, ok := stripRoot(hdr.Name)
		if !ok {
			continue
		}
		target, err := secureJoin(destDir, rel)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return faults.Wrap(faults.CodeExtractFailed, "create dir "+rel, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return faults.Wrap(faults.CodeExtractFailed, "create parent for "+rel, err)
			}
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return faults.Wrap(faults.CodeExtractFailed, "write "+rel, err)
			}
		default:
			// Symlinks and device nodes have no place in a static-site tree.
			logging.Warn("archive", "skipping non-regular entry", "name", hdr.Name, "type", int(hdr.Typeflag))
		}
	}
}

// stripRoot drops the single leading path component. Entries that ARE the
// root folder itself yield ok=false and are skipped.
func stripRoot(name string) (string, bool) {
	name = strings.TrimPrefix(name, "./")
	i := strings.IndexByte(name, '/')
	if i < 0 {
		return "", false
	}
	rel := strings.TrimPrefix(name[i+1:], "/")
	if rel == "" {
		return "", false
	}
	return rel, true
}

// secureJoin joins rel under destDir, rejecting traversal outside it.
func secureJoin(destDir, rel string) (string, error) {
	target := filepath.Join(destDir, filepath.FromSlash(rel))
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", faults.New(faults.CodeExtractFailed, "archive entry escapes working tree: "+rel)
	}
	return target, nil
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	// #nosec G304 -- target was vetted by secureJoin.
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

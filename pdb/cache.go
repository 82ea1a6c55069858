package pdb

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
)

// symbolServerURL is the fixed Microsoft symbol server endpoint (spec.md
// §6). {pdbname} and {guidAge} are the PDB's own filename and the
// CodeViewGUID-formatted signature+age.
const symbolServerURL = "https://msdl.microsoft.com/download/symbols/%s/%s/%s"

// CacheDir returns the on-disk symbol cache root, ~/.memflow/cache, per
// spec.md §6.
func CacheDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("pdb: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".memflow", "cache"), nil
}

// FetchAndCache resolves pdbName/guidAge against the on-disk cache first,
// downloading from the Microsoft symbol server on a miss and atomically
// renaming the download into place, mirroring original_source
// flow-win32/src/cache.rs's download_pdb_cache and the teacher's own
// temp-file-then-rename pattern in internal/oci/client.go's fetchToCache.
// Returns the path of the cached (or newly cached) PDB file; the caller is
// responsible for decoding it (see Decode) into a Source.
func FetchAndCache(pdbName, guidAge string) (string, error) {
	root, err := CacheDir()
	if err != nil {
		return "", err
	}
	cacheDir := filepath.Join(root, pdbName)
	cachePath := filepath.Join(cacheDir, guidAge)

	if _, err := os.Stat(cachePath); err == nil {
		slog.Debug("pdb: cache hit", "path", cachePath)
		return cachePath, nil
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("pdb: create cache dir %s: %w", cacheDir, err)
	}

	url := fmt.Sprintf(symbolServerURL, pdbName, guidAge, pdbName)
	slog.Info("pdb: downloading", "pdb", pdbName, "guid_age", guidAge, "url", url)

	resp, err := http.Get(url)
	if err != nil {
		return "", fmt.Errorf("pdb: download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("pdb: download %s: status %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(cacheDir, "download_*")
	if err != nil {
		return "", fmt.Errorf("pdb: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	title := fmt.Sprintf("downloading %s", pdbName)
	bar := progressbar.DefaultBytes(resp.ContentLength, title)
	defer bar.Close()

	if _, err := io.Copy(io.MultiWriter(tmp, bar), resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("pdb: write download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("pdb: close download: %w", err)
	}

	if err := os.Rename(tmpPath, cachePath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("pdb: finalize cache file: %w", err)
	}

	slog.Info("pdb: cached", "path", cachePath)
	return cachePath, nil
}

// FetchAndDecode is FetchAndCache followed by decode, which the caller must
// supply. This package's DecodeNotImplemented reports the binary
// MSF/TPI/DBI format as unsupported; callers with a full PDB parser pass it
// in here instead.
func FetchAndDecode(pdbName, guidAge string, decode Decode) (*StaticTable, error) {
	path, err := FetchAndCache(pdbName, guidAge)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pdb: read cached file %s: %w", path, err)
	}
	return decode(raw)
}

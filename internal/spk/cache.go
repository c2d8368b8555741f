package spk

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Cache manages downloaded kernel files on disk. Each kernel is stored
// under a timestamped name next to a checksum sidecar; a kernel whose
// bytes no longer match the sidecar is treated as absent.
type Cache struct {
	dir      string
	maxFiles int
	logger   *slog.Logger
}

const checksumExt = ".b3"

// NewCache creates a Cache that stores kernels in dir and keeps at most
// maxFiles of them.
func NewCache(dir string, maxFiles int, logger *slog.Logger) *Cache {
	if maxFiles <= 0 {
		maxFiles = 3
	}
	return &Cache{
		dir:      dir,
		maxFiles: maxFiles,
		logger:   logger,
	}
}

// Checksum returns the hex BLAKE3 digest of data, the identity used for
// sidecar files and kernel metadata.
func Checksum(data []byte) string {
	h := blake3.New()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Write saves a kernel to a timestamped file with its checksum sidecar,
// then prunes old kernels beyond maxFiles. It returns the kernel path.
func (c *Cache) Write(data []byte, ts time.Time) (string, error) {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return "", fmt.Errorf("creating cache dir: %w", err)
	}

	name := fmt.Sprintf("kernel_%d.bsp", ts.Unix())
	path := filepath.Join(c.dir, name)

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing kernel file: %w", err)
	}
	sum := Checksum(data)
	if err := os.WriteFile(path+checksumExt, []byte(sum+"\n"), 0644); err != nil {
		return "", fmt.Errorf("writing checksum sidecar: %w", err)
	}

	return path, c.prune()
}

// LoadLatest returns the newest cached kernel that passes its checksum,
// with its path and fetch timestamp. Corrupt entries are skipped with a
// warning so one damaged file cannot brick startup.
func (c *Cache) LoadLatest() ([]byte, string, time.Time, error) {
	files, err := c.listFiles()
	if err != nil {
		return nil, "", time.Time{}, err
	}
	if len(files) == 0 {
		return nil, "", time.Time{}, fmt.Errorf("no cached kernels found")
	}

	// Files are sorted oldest first; walk newest first.
	for i := len(files) - 1; i >= 0; i-- {
		f := files[i]
		path := filepath.Join(c.dir, f.name)
		data, err := os.ReadFile(path)
		if err != nil {
			c.logger.Warn("unreadable cached kernel", "path", path, "error", err)
			continue
		}
		if err := c.verify(path, data); err != nil {
			c.logger.Warn("cached kernel failed verification", "path", path, "error", err)
			continue
		}
		return data, path, f.ts, nil
	}
	return nil, "", time.Time{}, fmt.Errorf("no cached kernel passed verification")
}

// verify checks data against the checksum sidecar of path. A missing
// sidecar fails verification: it means the write never completed.
func (c *Cache) verify(path string, data []byte) error {
	want, err := os.ReadFile(path + checksumExt)
	if err != nil {
		return fmt.Errorf("reading checksum sidecar: %w", err)
	}
	got := Checksum(data)
	if got != string(bytes.TrimSpace(want)) {
		return fmt.Errorf("checksum mismatch: kernel hashes to %s, sidecar says %s", got, bytes.TrimSpace(want))
	}
	return nil
}

type cacheFile struct {
	name string
	ts   time.Time
}

func (c *Cache) listFiles() ([]cacheFile, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing cache dir: %w", err)
	}

	var files []cacheFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "kernel_") || !strings.HasSuffix(name, ".bsp") {
			continue
		}
		tsStr := strings.TrimPrefix(name, "kernel_")
		tsStr = strings.TrimSuffix(tsStr, ".bsp")
		unix, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, cacheFile{name: name, ts: time.Unix(unix, 0)})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ts.Before(files[j].ts)
	})

	return files, nil
}

func (c *Cache) prune() error {
	files, err := c.listFiles()
	if err != nil {
		return err
	}
	if len(files) <= c.maxFiles {
		return nil
	}

	for _, f := range files[:len(files)-c.maxFiles] {
		path := filepath.Join(c.dir, f.name)
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("pruning cached kernel %s: %w", f.name, err)
		}
		// Sidecar removal is best effort; an orphan sidecar is inert.
		os.Remove(path + checksumExt)
	}
	return nil
}

package discovery

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// Scanner walks plugin root directories looking for manifests. Corrupt
// plugins are logged and skipped; a scan only fails when a root cannot be
// read at all.
type Scanner struct {
	roots  []string
	logger *slog.Logger
}

// NewScanner creates a scanner over the given root directories.
func NewScanner(roots []string, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{roots: roots, logger: logger}
}

// Scan returns every valid plugin found under the roots. A missing root is
// skipped with a log line so a fresh install with no plugin directory still
// starts.
func (s *Scanner) Scan() ([]*DiscoveredPlugin, error) {
	var out []*DiscoveredPlugin
	for _, root := range s.roots {
		if _, err := os.Stat(root); os.IsNotExist(err) {
			s.logger.Info("plugin root does not exist, skipping", "root", root)
			continue
		}
		found, err := s.scanRoot(root)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

func (s *Scanner) scanRoot(root string) ([]*DiscoveredPlugin, error) {
	var out []*DiscoveredPlugin
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("skipping unreadable path during scan", "path", path, "error", err)
			return nil
		}
		if d.IsDir() || d.Name() != ManifestFileName {
			return nil
		}
		dir := filepath.Dir(path)
		dp, err := LoadManifest(dir)
		if err != nil {
			// Corrupt plugin: log, skip, keep scanning.
			s.logger.Warn("invalid plugin manifest, skipping", "dir", dir, "error", err)
			return nil
		}
		out = append(out, dp)
		// Nested plugins are not supported; no need to descend further.
		return fs.SkipDir
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

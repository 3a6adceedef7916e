// Package discovery finds plugin manifests under configured root
// directories, validates them, and computes source hashes so modified
// plugins can be re-registered.
package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/devflow/devflow/domain"
	"github.com/devflow/devflow/errs"
)

// ManifestFileName is the fixed manifest name inside a plugin directory.
const ManifestFileName = "plugin.json"

// Manifest is the parsed plugin.json.
type Manifest struct {
	Name          string         `json:"name"`
	Version       string         `json:"version"`
	Description   string         `json:"description"`
	Language      string         `json:"language"`
	EntryPoint    string         `json:"entryPoint"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	Dependencies  []string       `json:"dependencies,omitempty"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// DiscoveredPlugin pairs a valid manifest with its on-disk location.
type DiscoveredPlugin struct {
	Manifest     Manifest
	PluginDir    string // absolute path to the directory holding plugin.json
	ManifestPath string
	SourceHash   string
	Metadata     domain.PluginMetadata
	Dependencies []domain.Dependency
}

// LoadManifest reads and validates the manifest in pluginDir, verifying that
// the entry point exists and hashing manifest plus entry-point bytes.
func LoadManifest(pluginDir string) (*DiscoveredPlugin, error) {
	manifestPath := filepath.Join(pluginDir, ManifestFileName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("Manifest.NotFound", "no %s in %s", ManifestFileName, pluginDir)
		}
		return nil, errs.Wrap(errs.KindFailure, "Manifest.Read", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.Wrapf(errs.KindValidation, "Manifest.Malformed", err, "parse %s", manifestPath)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}

	metadata, err := domain.NewPluginMetadata(m.Name, m.Version, m.Description, m.Language)
	if err != nil {
		return nil, err
	}

	deps := make([]domain.Dependency, 0, len(m.Dependencies))
	for _, raw := range m.Dependencies {
		dep, err := domain.ParseDependency(raw)
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}

	entryPath := filepath.Join(pluginDir, filepath.FromSlash(m.EntryPoint))
	entryData, err := os.ReadFile(entryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("Manifest.EntryPointMissing", "entry point %s does not exist", m.EntryPoint)
		}
		return nil, errs.Wrap(errs.KindFailure, "Manifest.Read", err)
	}

	absDir, err := filepath.Abs(pluginDir)
	if err != nil {
		return nil, errs.Wrap(errs.KindFailure, "Manifest.Resolve", err)
	}

	return &DiscoveredPlugin{
		Manifest:     m,
		PluginDir:    absDir,
		ManifestPath: filepath.Join(absDir, ManifestFileName),
		SourceHash:   hashSource(data, entryData),
		Metadata:     metadata,
		Dependencies: deps,
	}, nil
}

func (m *Manifest) validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return errs.Validation("Manifest.MissingField", "manifest is missing name")
	}
	if m.Version == "" {
		return errs.Validation("Manifest.MissingField", "manifest %s is missing version", m.Name)
	}
	if m.Description == "" {
		return errs.Validation("Manifest.MissingField", "manifest %s is missing description", m.Name)
	}
	if m.Language == "" {
		return errs.Validation("Manifest.MissingField", "manifest %s is missing language", m.Name)
	}
	if m.EntryPoint == "" {
		return errs.Validation("Manifest.MissingField", "manifest %s is missing entryPoint", m.Name)
	}
	ep := filepath.ToSlash(m.EntryPoint)
	if strings.HasPrefix(ep, "/") || strings.Contains(ep, "..") {
		return errs.Validation("Manifest.BadEntryPoint", "entryPoint %q must be a relative path inside the plugin directory", m.EntryPoint)
	}
	return nil
}

// hashSource is SHA-256 over manifest bytes followed by entry-point bytes.
func hashSource(manifest, entry []byte) string {
	h := sha256.New()
	h.Write(manifest)
	h.Write(entry)
	return hex.EncodeToString(h.Sum(nil))
}

// IsModified reports whether the manifest or entry point changed after the
// given scan time, by mtime comparison.
func IsModified(pluginDir string, entryPoint string, lastScan time.Time) (bool, error) {
	for _, path := range []string{
		filepath.Join(pluginDir, ManifestFileName),
		filepath.Join(pluginDir, filepath.FromSlash(entryPoint)),
	} {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return true, nil // removal counts as modification
			}
			return false, errs.Wrap(errs.KindFailure, "Discovery.Stat", err)
		}
		if info.ModTime().After(lastScan) {
			return true, nil
		}
	}
	return false, nil
}

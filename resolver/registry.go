package resolver

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/devflow/devflow/domain"
	"github.com/devflow/devflow/errs"
	"github.com/devflow/devflow/metrics"
)

const (
	// downloadTimeout bounds a single package download.
	downloadTimeout = 60 * time.Second
	// downloadAttempts is initial try plus retries, exponential backoff.
	downloadAttempts = 3
	// downloadBackoffBase is the first retry delay.
	downloadBackoffBase = 500 * time.Millisecond
)

// RegistryClient downloads packages from one registry family into the
// content-addressed cache at <cache>/<registry>/<name>/<version>/.
// Concurrent requests for the same (registry, name, version) share a single
// download via a keyed single-flight group.
type RegistryClient struct {
	scheme     string
	baseURL    string
	cacheRoot  string
	httpClient *http.Client
	limiter    *rate.Limiter
	group      *singleflight.Group
	metrics    *metrics.Metrics
}

// RegistryOption configures a RegistryClient.
type RegistryOption func(*RegistryClient)

// WithHTTPClient sets the HTTP client used for registry calls.
func WithHTTPClient(c *http.Client) RegistryOption {
	return func(r *RegistryClient) { r.httpClient = c }
}

// WithDownloadRate caps downloads per second across the client.
func WithDownloadRate(perSecond float64, burst int) RegistryOption {
	return func(r *RegistryClient) { r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithMetrics attaches Prometheus instrumentation to the download path.
func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *RegistryClient) { r.metrics = m }
}

// NewRegistryClient creates a client for one registry scheme (pkg-m, pkg-s,
// or pkg-p). cacheRoot is the shared cache directory. An empty baseURL makes
// the client cache-only: it serves whatever the cache already holds and
// never goes to the network.
func NewRegistryClient(scheme, baseURL, cacheRoot string, opts ...RegistryOption) *RegistryClient {
	r := &RegistryClient{
		scheme:     scheme,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		cacheRoot:  cacheRoot,
		httpClient: &http.Client{Timeout: downloadTimeout},
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		group:      &singleflight.Group{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CachedVersions lists the versions already present in the cache for name.
func (r *RegistryClient) CachedVersions(name string) ([]domain.Version, error) {
	dir := filepath.Join(r.cacheRoot, r.scheme, name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindFailure, "Registry.CacheRead", err)
	}
	var out []domain.Version
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := domain.ParseVersion(e.Name())
		if err != nil {
			continue // stray directory, not a version
		}
		out = append(out, v)
	}
	return out, nil
}

// VersionDir is the cache directory for one package version.
func (r *RegistryClient) VersionDir(name string, v domain.Version) string {
	return filepath.Join(r.cacheRoot, r.scheme, name, v.String())
}

// AvailableVersions asks the registry which versions exist for name. A
// cache-only client answers from the cache.
func (r *RegistryClient) AvailableVersions(ctx context.Context, name string) ([]domain.Version, error) {
	if r.baseURL == "" {
		return r.CachedVersions(name)
	}
	u := fmt.Sprintf("%s/api/v1/packages/%s", r.baseURL, url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindFailure, "Registry.Catalog", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindFailure, "Registry.Catalog", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errs.NotFound("Registry.PackageNotFound", "package %s:%s not in registry", r.scheme, name)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Failure("Registry.Catalog", "registry returned %d for %s", resp.StatusCode, name)
	}

	var payload struct {
		Name     string   `json:"name"`
		Versions []string `json:"versions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errs.Wrap(errs.KindFailure, "Registry.Catalog", err)
	}
	out := make([]domain.Version, 0, len(payload.Versions))
	for _, s := range payload.Versions {
		v, err := domain.ParseVersion(s)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Fetch ensures (name, version) is present in the cache and returns its
// directory. Concurrent callers for the same key join one download.
func (r *RegistryClient) Fetch(ctx context.Context, name string, v domain.Version) (string, error) {
	dir := r.VersionDir(name, v)
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}
	if r.baseURL == "" {
		return "", errs.NotFound("Registry.NotCached",
			"package %s:%s@%s is not cached and no registry is configured for %s", r.scheme, name, v, r.scheme)
	}

	key := r.scheme + "/" + name + "/" + v.String()
	_, err, _ := r.group.Do(key, func() (any, error) {
		// Another flight may have finished while we queued.
		if _, err := os.Stat(dir); err == nil {
			return nil, nil
		}
		return nil, r.download(ctx, name, v, dir)
	})
	if err != nil {
		return "", err
	}
	return dir, nil
}

// download pulls the package archive with retry and unpacks it into the
// cache. The unpack goes to a temp directory first and is renamed into place
// so a cancelled download never leaves a half-populated cache entry.
func (r *RegistryClient) download(ctx context.Context, name string, v domain.Version, dir string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return errs.Wrap(errs.KindFailure, "Registry.Download", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(downloadBackoffBase)),
		downloadAttempts-1), ctx)

	op := func() error {
		dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
		defer cancel()
		return r.downloadOnce(dlCtx, name, v, dir)
	}
	if err := backoff.Retry(op, policy); err != nil {
		r.metrics.DownloadFinished(r.scheme, false)
		if errs.KindOf(err) == errs.KindNotFound {
			return err
		}
		return errs.Wrapf(errs.KindFailure, "Registry.Download", err, "download %s:%s@%s", r.scheme, name, v)
	}
	r.metrics.DownloadFinished(r.scheme, true)
	return nil
}

func (r *RegistryClient) downloadOnce(ctx context.Context, name string, v domain.Version, dir string) error {
	u := fmt.Sprintf("%s/api/v1/packages/%s/%s/download", r.baseURL, url.PathEscape(name), v.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Permanent: retrying will not make the version appear.
		return backoff.Permanent(errs.NotFound("Registry.VersionNotFound", "package %s:%s@%s not in registry", r.scheme, name, v))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry returned %d", resp.StatusCode)
	}

	tmp, err := os.MkdirTemp(dirParent(dir), ".download-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	if err := extractTarGz(resp.Body, tmp); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o750); err != nil {
		return err
	}
	if err := os.Rename(tmp, dir); err != nil {
		// A concurrent process may have won the rename; the cache entry
		// being present is success.
		if _, statErr := os.Stat(dir); statErr == nil {
			return nil
		}
		return err
	}
	return nil
}

// dirParent ensures the temp directory lands on the same filesystem as the
// cache so the final rename is atomic.
func dirParent(dir string) string {
	parent := filepath.Dir(dir)
	_ = os.MkdirAll(parent, 0o750)
	return parent
}

// extractTarGz unpacks a gzip-compressed tar stream, rejecting entries that
// escape the destination directory.
func extractTarGz(src io.Reader, destDir string) error {
	gzr, err := gzip.NewReader(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer gzr.Close()

	absDest, err := filepath.Abs(destDir)
	if err != nil {
		return err
	}

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		target := filepath.Join(destDir, header.Name)
		absTarget, err := filepath.Abs(target)
		if err != nil {
			return err
		}
		if !strings.HasPrefix(absTarget, absDest+string(os.PathSeparator)) && absTarget != absDest {
			return fmt.Errorf("archive entry %q escapes destination directory", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return err
			}
			out, err := os.Create(target)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil { //nolint:gosec // registry archives are size-bounded upstream
				out.Close()
				return err
			}
			out.Close()
		}
	}
	return nil
}

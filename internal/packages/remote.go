package packages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	githubPrefix = "github.com/"
	// DefaultRemoteBaseURL serves repository tarballs.
	DefaultRemoteBaseURL = "https://codeload.github.com"
	defaultRef           = "main"
	defaultFetchTimeout  = 30 * time.Second
)

// Locator identifies a remote package.
type Locator struct {
	Owner   string
	Repo    string
	Subpath string
	Ref     string
}

// ParseLocator parses "github.com/<owner>/<repo>[/<subpath>][@<ref>]".
func ParseLocator(id string) (Locator, error) {
	ref := ""
	if at := strings.LastIndex(id, "@"); at >= 0 {
		id, ref = id[:at], id[at+1:]
	}
	if !strings.HasPrefix(id, githubPrefix) {
		return Locator{}, fmt.Errorf("package id '%s' is not a github.com locator", id)
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(id, githubPrefix), "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Locator{}, fmt.Errorf("package id '%s' must name an owner and a repository", id)
	}
	for _, part := range parts {
		if part == ".." || part == "." {
			return Locator{}, fmt.Errorf("package id '%s' contains a relative path element", id)
		}
	}
	return Locator{
		Owner:   parts[0],
		Repo:    parts[1],
		Subpath: strings.Join(parts[2:], "/"),
		Ref:     ref,
	}, nil
}

// Fetcher downloads repository tarballs.
type Fetcher struct {
	client   *http.Client
	baseURL  string
	ref      string
	cacheDir string
}

// FetcherOption customises a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) FetcherOption {
	return func(f *Fetcher) {
		if client != nil {
			f.client = client
		}
	}
}

// WithBaseURL points the fetcher at another tarball host.
func WithBaseURL(base string) FetcherOption {
	return func(f *Fetcher) {
		if base != "" {
			f.baseURL = strings.TrimRight(base, "/")
		}
	}
}

// WithDefaultRef sets the ref used when a locator names none.
func WithDefaultRef(ref string) FetcherOption {
	return func(f *Fetcher) {
		if ref != "" {
			f.ref = ref
		}
	}
}

// WithCacheDir keeps downloaded tarballs on disk.
func WithCacheDir(dir string) FetcherOption {
	return func(f *Fetcher) {
		f.cacheDir = dir
	}
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:  &http.Client{Timeout: defaultFetchTimeout},
		baseURL: DefaultRemoteBaseURL,
		ref:     defaultRef,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Fetch returns the gzip tarball of the repository named by loc.
func (f *Fetcher) Fetch(ctx context.Context, loc Locator) ([]byte, error) {
	ref := loc.Ref
	if ref == "" {
		ref = f.ref
	}
	cachePath := f.cachePath(loc.Owner, loc.Repo, ref)
	if cachePath != "" {
		if data, err := os.ReadFile(cachePath); err == nil {
			return data, nil
		}
	}

	url := fmt.Sprintf("%s/%s/%s/tar.gz/%s", f.baseURL, loc.Owner, loc.Repo, ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxArchiveSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if int64(len(data)) > MaxArchiveSize {
		return nil, errArchiveTooLarge
	}

	if cachePath != "" {
		if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err == nil {
			_ = os.WriteFile(cachePath, data, 0o644)
		}
	}
	return data, nil
}

func (f *Fetcher) cachePath(owner, repo, ref string) string {
	if f.cacheDir == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(owner + "/" + repo + "@" + ref))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8])+".tar.gz")
}

package packages

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	xerrors "enclaverun/internal/errors"
	"enclaverun/pkg/logger"
	"enclaverun/pkg/starlarkrun"
)

// Config controls remote package resolution.
type Config struct {
	CacheDir      string        `yaml:"cache_dir" json:"cache_dir"`
	RemoteBaseURL string        `yaml:"remote_base_url" json:"remote_base_url"`
	DefaultRef    string        `yaml:"default_ref" json:"default_ref"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
}

// Package is a resolved package held in memory.
type Package struct {
	ID       string
	Manifest *Manifest
	Files    map[string][]byte
}

// Main returns the source of the entry point.
func (p *Package) Main() string {
	return string(p.Files[MainFile])
}

// Locate maps a locator used inside the package to a path in Files. from is
// the path of the module doing the lookup; relative locators resolve against
// its directory.
func (p *Package) Locate(from, locator string) (string, error) {
	target, err := p.normalize(from, locator)
	if err != nil {
		return "", err
	}
	if _, ok := p.Files[target]; !ok {
		return "", fmt.Errorf("file '%s' does not exist in package '%s'", locator, p.ID)
	}
	return target, nil
}

// Tree returns the file named by locator keyed by its base name, or every
// file below the directory it names keyed by the path relative to it.
func (p *Package) Tree(from, locator string) (map[string][]byte, error) {
	target, err := p.normalize(from, locator)
	if err != nil {
		return nil, err
	}
	if data, ok := p.Files[target]; ok {
		return map[string][]byte{path.Base(target): data}, nil
	}
	prefix := target + "/"
	if target == "" {
		prefix = ""
	}
	out := make(map[string][]byte)
	for name, data := range p.Files {
		if strings.HasPrefix(name, prefix) {
			out[strings.TrimPrefix(name, prefix)] = data
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("'%s' matches no file or directory in package '%s'", locator, p.ID)
	}
	return out, nil
}

func (p *Package) normalize(from, locator string) (string, error) {
	var target string
	switch {
	case locator == "":
		return "", fmt.Errorf("empty file locator")
	case locator == p.ID:
		target = "/"
	case strings.HasPrefix(locator, p.ID+"/"):
		target = strings.TrimPrefix(locator, p.ID+"/")
	case strings.HasPrefix(locator, githubPrefix):
		return "", fmt.Errorf("cannot reference '%s' from package '%s': only files of the running package are reachable", locator, p.ID)
	case strings.HasPrefix(locator, "/"):
		target = locator
	default:
		target = path.Join(path.Dir(from), locator)
	}
	return strings.TrimPrefix(path.Clean("/"+target), "/"), nil
}

// ReadFile returns the content of a file located relative to from.
func (p *Package) ReadFile(from, locator string) ([]byte, error) {
	target, err := p.Locate(from, locator)
	if err != nil {
		return nil, err
	}
	return p.Files[target], nil
}

// Resolver turns run package arguments into a Package.
type Resolver struct {
	fetcher *Fetcher
	logger  *slog.Logger
}

// NewResolver creates a Resolver from configuration.
func NewResolver(cfg Config) *Resolver {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Resolver{
		fetcher: NewFetcher(
			WithHTTPClient(&http.Client{Timeout: timeout}),
			WithBaseURL(cfg.RemoteBaseURL),
			WithDefaultRef(cfg.DefaultRef),
			WithCacheDir(cfg.CacheDir),
		),
		logger: logger.Named("packages"),
	}
}

// NewResolverWithFetcher creates a Resolver around an existing Fetcher.
func NewResolverWithFetcher(fetcher *Fetcher) *Resolver {
	if fetcher == nil {
		fetcher = NewFetcher()
	}
	return &Resolver{fetcher: fetcher, logger: logger.Named("packages")}
}

// Resolve loads the package content named by args and validates its layout.
func (r *Resolver) Resolve(ctx context.Context, args starlarkrun.RunPackageArgs) (*Package, error) {
	id := strings.TrimSpace(args.PackageID)
	if id == "" {
		return nil, xerrors.New(xerrors.CodePackageResolution, "package id cannot be empty")
	}

	var files map[string][]byte
	if archive, ok := args.Local(); ok {
		unpacked, err := Unpack(archive)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodePackageResolution, err, "unpack package '"+id+"'")
		}
		if _, ok := unpacked[ManifestFile]; !ok {
			unpacked = stripCommonRoot(unpacked)
		}
		files = unpacked
	} else if args.IsRemote() {
		loc, err := ParseLocator(id)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodePackageResolution, err, "parse package id")
		}
		started := time.Now()
		data, err := r.fetcher.Fetch(ctx, loc)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodePackageResolution, err, "fetch package '"+id+"'")
		}
		unpacked, err := Unpack(data)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodePackageResolution, err, "unpack package '"+id+"'")
		}
		files = subtree(stripCommonRoot(unpacked), loc.Subpath)
		r.logger.Info("remote package fetched",
			slog.String("package", id),
			slog.Int("files", len(files)),
			slog.Duration("elapsed", time.Since(started)))
		if at := strings.LastIndex(id, "@"); at >= 0 {
			id = id[:at]
		}
	} else {
		return nil, xerrors.New(xerrors.CodePackageResolution, "package '"+id+"' has neither local nor remote content")
	}

	manifestData, ok := files[ManifestFile]
	if !ok {
		return nil, xerrors.New(xerrors.CodePackageResolution, "package '"+id+"' has no "+ManifestFile+" at its root")
	}
	manifest, err := ParseManifest(manifestData)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePackageResolution, err, "invalid manifest in package '"+id+"'")
	}
	if manifest.Name != id {
		return nil, xerrors.New(xerrors.CodePackageResolution,
			fmt.Sprintf("package name '%s' in %s does not match package id '%s'", manifest.Name, ManifestFile, id))
	}
	if _, ok := files[MainFile]; !ok {
		return nil, xerrors.New(xerrors.CodePackageResolution, "package '"+id+"' has no "+MainFile+" at its root")
	}
	return &Package{ID: id, Manifest: manifest, Files: files}, nil
}

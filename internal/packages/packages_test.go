package packages

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "enclaverun/internal/errors"
	"enclaverun/pkg/starlarkrun"
)

const testPackageID = "github.com/acme/postgres"

func mustPack(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	data, err := Pack(files)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return data
}

func TestResolveLocalPackage(t *testing.T) {
	archive := mustPack(t, map[string][]byte{
		"kurtosis.yml":      []byte("name: " + testPackageID + "\n"),
		"main.star":         []byte("def run(plan):\n    pass\n"),
		"lib/helpers.star":  []byte("X = 1\n"),
		"static/config.txt": []byte("hello"),
	})
	resolver := NewResolverWithFetcher(nil)

	pkg, err := resolver.Resolve(context.Background(), starlarkrun.NewRunLocalPackageArgs(testPackageID, archive, "{}", false))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.HasPrefix(pkg.Main(), "def run") {
		t.Fatalf("unexpected main %q", pkg.Main())
	}

	cases := map[string]string{
		"./helpers.star":                     "lib/helpers.star",
		"../static/config.txt":               "static/config.txt",
		"/static/config.txt":                 "static/config.txt",
		testPackageID + "/static/config.txt": "static/config.txt",
	}
	for locator, want := range cases {
		got, err := pkg.Locate("lib/mod.star", locator)
		if err != nil {
			t.Fatalf("locate %s: %v", locator, err)
		}
		if got != want {
			t.Fatalf("locate %s = %s, want %s", locator, got, want)
		}
	}
	if _, err := pkg.Locate("main.star", "github.com/other/pkg/main.star"); err == nil {
		t.Fatal("expected cross-package reference to fail")
	}
	if _, err := pkg.ReadFile("main.star", "missing.star"); err == nil {
		t.Fatal("expected missing file error")
	}
}

func TestResolveRejectsNameMismatch(t *testing.T) {
	archive := mustPack(t, map[string][]byte{
		"kurtosis.yml": []byte("name: github.com/acme/other\n"),
		"main.star":    []byte("def run(plan):\n    pass\n"),
	})
	_, err := NewResolverWithFetcher(nil).Resolve(context.Background(), starlarkrun.NewRunLocalPackageArgs(testPackageID, archive, "", false))
	if !xerrors.HasCode(err, xerrors.CodePackageResolution) {
		t.Fatalf("expected package resolution error, got %v", err)
	}
	if !strings.Contains(err.Error(), "does not match") {
		t.Fatalf("unexpected message %v", err)
	}
}

func TestResolveRequiresMain(t *testing.T) {
	archive := mustPack(t, map[string][]byte{
		"kurtosis.yml": []byte("name: " + testPackageID + "\n"),
	})
	_, err := NewResolverWithFetcher(nil).Resolve(context.Background(), starlarkrun.NewRunLocalPackageArgs(testPackageID, archive, "", false))
	if err == nil || !strings.Contains(err.Error(), MainFile) {
		t.Fatalf("expected missing main error, got %v", err)
	}
}

func TestResolveRejectsCorruptArchive(t *testing.T) {
	_, err := NewResolverWithFetcher(nil).Resolve(context.Background(), starlarkrun.NewRunLocalPackageArgs(testPackageID, []byte("not a tarball"), "", false))
	if !xerrors.HasCode(err, xerrors.CodePackageResolution) {
		t.Fatalf("expected package resolution error, got %v", err)
	}
}

func TestResolveRemotePackage(t *testing.T) {
	tarball := mustPack(t, map[string][]byte{
		"acme-monorepo-1a2b3c/README.md":                    []byte("readme"),
		"acme-monorepo-1a2b3c/packages/db/kurtosis.yml":     []byte("name: github.com/acme/monorepo/packages/db\n"),
		"acme-monorepo-1a2b3c/packages/db/main.star":        []byte("def run(plan):\n    return 1\n"),
		"acme-monorepo-1a2b3c/packages/db/lib/helpers.star": []byte("Y = 2\n"),
	})

	var requested string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = r.URL.Path
		_, _ = w.Write(tarball)
	}))
	defer srv.Close()

	resolver := NewResolver(Config{RemoteBaseURL: srv.URL, CacheDir: t.TempDir()})
	args := starlarkrun.NewRunRemotePackageArgs("github.com/acme/monorepo/packages/db@v1.2.0", "", true)
	pkg, err := resolver.Resolve(context.Background(), args)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if requested != "/acme/monorepo/tar.gz/v1.2.0" {
		t.Fatalf("unexpected request path %s", requested)
	}
	if pkg.ID != "github.com/acme/monorepo/packages/db" {
		t.Fatalf("unexpected id %s", pkg.ID)
	}
	if _, ok := pkg.Files["lib/helpers.star"]; !ok {
		t.Fatalf("subpath not applied: %v", pkg.Files)
	}

	srv.Close()
	if _, err := resolver.Resolve(context.Background(), args); err != nil {
		t.Fatalf("cached resolve should not hit the network: %v", err)
	}
}

func TestResolveRemoteNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	resolver := NewResolverWithFetcher(NewFetcher(WithBaseURL(srv.URL)))
	_, err := resolver.Resolve(context.Background(), starlarkrun.NewRunRemotePackageArgs("github.com/acme/missing", "", false))
	if !xerrors.HasCode(err, xerrors.CodePackageResolution) {
		t.Fatalf("expected package resolution error, got %v", err)
	}
}

func TestParseLocator(t *testing.T) {
	loc, err := ParseLocator("github.com/a/b/c/d@dev")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if loc.Owner != "a" || loc.Repo != "b" || loc.Subpath != "c/d" || loc.Ref != "dev" {
		t.Fatalf("unexpected locator %+v", loc)
	}
	for _, bad := range []string{"gitlab.com/a/b", "github.com/a", "github.com/a/b/../c"} {
		if _, err := ParseLocator(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestUnpackRejectsTraversal(t *testing.T) {
	archive := mustPack(t, map[string][]byte{"../evil": []byte("x")})
	if _, err := Unpack(archive); err == nil {
		t.Fatal("expected traversal entry to be rejected")
	}
}

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"enclaverun/internal/packages"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", ""}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestRunScriptInProcess(t *testing.T) {
	script := filepath.Join(t.TempDir(), "hello.star")
	writeFile(t, script, "def run(name):\n    print(\"hello\", name)\n    return {\"greeted\": name}\n")

	out, err := execute(t, "run", script, "--params", `"world"`)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	for _, want := range []string{"[1/1]", "hello world", "Starlark code successfully run.", `{"greeted":"world"}`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q does not contain %q", out, want)
		}
	}
}

func TestRunReportsFailure(t *testing.T) {
	script := filepath.Join(t.TempDir(), "broken.star")
	writeFile(t, script, "def run():\n    fail(\"boom\")\n")

	out, err := execute(t, "run", script)
	if !errors.Is(err, errRunFailed) {
		t.Fatalf("expected run failure, got %v", err)
	}
	if !strings.Contains(out, "boom") || !strings.Contains(out, "Error encountered running Starlark code.") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRunPackageDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, packages.ManifestFile), "name: github.com/acme/demo\n")
	writeFile(t, filepath.Join(dir, packages.MainFile), "load(\"lib/values.star\", \"answer\")\n\ndef run():\n    return answer\n")
	writeFile(t, filepath.Join(dir, "lib", "values.star"), "answer = 42\n")
	writeFile(t, filepath.Join(dir, ".git", "HEAD"), "ref: main\n")

	id, archive, err := packDirectory(dir)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if id != "github.com/acme/demo" {
		t.Fatalf("unexpected package id %q", id)
	}
	files, err := packages.Unpack(archive)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if _, ok := files[".git/HEAD"]; ok {
		t.Fatalf("hidden directories must not be packed")
	}

	out, err := execute(t, "run", dir, "--dry-run")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Output:\n42") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestPackDirectoryRequiresManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, packages.MainFile), "def run():\n    pass\n")
	if _, _, err := packDirectory(dir); err == nil {
		t.Fatalf("expected error for missing manifest")
	}
}

func TestRemoteCommandsNeedServer(t *testing.T) {
	if _, err := execute(t, "runs", "list"); !errors.Is(err, errServerRequired) {
		t.Fatalf("expected server requirement, got %v", err)
	}
}

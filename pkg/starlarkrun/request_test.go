package starlarkrun

import (
	"encoding/json"
	"testing"
)

func TestRunPackageArgsContentIsExclusive(t *testing.T) {
	local := NewRunLocalPackageArgs("pkg", []byte("tgz"), "{}", false)
	remote := local.WithRemote()
	if !remote.IsRemote() {
		t.Fatal("expected remote content after WithRemote")
	}
	if _, ok := remote.Local(); ok {
		t.Fatal("local archive must be cleared by WithRemote")
	}
	if _, ok := local.Local(); !ok {
		t.Fatal("WithRemote must not mutate the original value")
	}

	back := remote.WithLocal([]byte("again"))
	if back.IsRemote() {
		t.Fatal("remote marker must be cleared by WithLocal")
	}
	archive, _ := back.Local()
	if string(archive) != "again" {
		t.Fatalf("unexpected archive %q", archive)
	}
}

func TestWithHelpersCopyDryRun(t *testing.T) {
	args := NewRunScriptArgs("def run(plan): pass", "", true)
	copied := args.WithParams(`{"x":1}`)
	*copied.DryRun = false
	if !args.IsDryRun() {
		t.Fatal("mutating the copy leaked into the original")
	}
	if args.SerializedParams != "" {
		t.Fatalf("original params changed: %q", args.SerializedParams)
	}
}

func TestRunPackageArgsJSONRejectsBothContents(t *testing.T) {
	var args RunPackageArgs
	err := json.Unmarshal([]byte(`{"package_id":"p","local":"AQI=","remote":true}`), &args)
	if err == nil {
		t.Fatal("expected error for ambiguous content")
	}
}

func TestRunPackageArgsJSON(t *testing.T) {
	in := NewRunLocalPackageArgs("p", []byte{1, 2}, `{"n":2}`, true)
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out RunPackageArgs
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	archive, ok := out.Local()
	if !ok || len(archive) != 2 || !out.IsDryRun() || out.SerializedParams != `{"n":2}` {
		t.Fatalf("unexpected decoded args: %+v", out)
	}
}

func TestRunPackageArgsJSONKeepsEmptyLocalArchive(t *testing.T) {
	for _, archive := range [][]byte{nil, {}} {
		data, err := json.Marshal(NewRunLocalPackageArgs("p", archive, "", false))
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var out RunPackageArgs
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got, ok := out.Local(); !ok || len(got) != 0 {
			t.Fatalf("empty local archive lost in %s: %+v", data, out)
		}
	}
}

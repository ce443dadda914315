package starlarkrun

import (
	"bytes"
	"reflect"
	"testing"
)

func TestMarshalRunScriptArgsWireLayout(t *testing.T) {
	got := MarshalRunScriptArgs(NewRunScriptArgs("x", "", false))
	want := []byte{0x0a, 0x01, 'x', 0x18, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("unexpected encoding: got %x want %x", got, want)
	}

	decoded, err := UnmarshalRunScriptArgs(got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.DryRun == nil || *decoded.DryRun {
		t.Fatalf("explicit false dry_run must survive decoding, got %v", decoded.DryRun)
	}
}

func TestUnmarshalRunScriptArgsAbsentDryRun(t *testing.T) {
	decoded, err := UnmarshalRunScriptArgs([]byte{0x0a, 0x01, 'x'})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.DryRun != nil {
		t.Fatalf("expected absent dry_run, got %v", *decoded.DryRun)
	}
	if decoded.IsDryRun() {
		t.Fatal("absent dry_run must read as false")
	}
}

func TestMarshalRunPackageArgsRemoteLayout(t *testing.T) {
	got := MarshalRunPackageArgs(NewRunRemotePackageArgs("p", "", true))
	want := []byte{0x0a, 0x01, 'p', 0x20, 0x01, 0x30, 0x01}
	if !bytes.Equal(got, want) {
		t.Fatalf("unexpected encoding: got %x want %x", got, want)
	}
}

func TestRunPackageArgsLocalWire(t *testing.T) {
	args := NewRunLocalPackageArgs("github.com/acme/pkg", []byte{1, 2, 3}, `{"a":1}`, false)
	decoded, err := UnmarshalRunPackageArgs(MarshalRunPackageArgs(args))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	archive, ok := decoded.Local()
	if !ok || !bytes.Equal(archive, []byte{1, 2, 3}) {
		t.Fatalf("unexpected local content: %v %v", archive, ok)
	}
	if decoded.IsRemote() {
		t.Fatal("local package must not read as remote")
	}
	if decoded.SerializedParams != `{"a":1}` || decoded.PackageID != "github.com/acme/pkg" {
		t.Fatalf("unexpected fields: %+v", decoded)
	}
}

func TestUnmarshalRunPackageArgsLastContentWins(t *testing.T) {
	data := []byte{0x1a, 0x01, 0x07, 0x20, 0x01}
	decoded, err := UnmarshalRunPackageArgs(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.IsRemote() {
		t.Fatalf("expected remote content, got %#v", decoded.Content)
	}
}

func TestMarshalRunFinishedSuccessLayout(t *testing.T) {
	got, err := MarshalResponseLine(NewRunSuccessLine(""))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{0x2a, 0x04, 0x08, 0x01, 0x12, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("unexpected encoding: got %x want %x", got, want)
	}
}

func TestResponseLineWireVariants(t *testing.T) {
	lines := []ResponseLine{
		NewInstructionLine(Position{Filename: "main.star", Line: 4, Column: -1}, "add_service",
			`add_service(name="db", config=ServiceConfig(image="postgres"))`,
			[]InstructionArg{
				NewInstructionKwarg(`"db"`, "name", true),
				NewInstructionArg(`ServiceConfig(image="postgres")`, false),
			}),
		NewInterpretationErrorLine("boom"),
		NewValidationErrorLine("unknown service"),
		NewExecutionErrorLine("exit 1"),
		&ProgressInfo{CurrentStepInfo: []string{"a", "b"}, TotalSteps: 3, CurrentStepNumber: 2},
		NewInstructionResultLine("Service 'db' added"),
		NewRunFailureLine(),
	}
	for _, line := range lines {
		data, err := MarshalResponseLine(line)
		if err != nil {
			t.Fatalf("encode %T: %v", line, err)
		}
		decoded, err := UnmarshalResponseLine(data)
		if err != nil {
			t.Fatalf("decode %T: %v", line, err)
		}
		if !reflect.DeepEqual(decoded, line) {
			t.Fatalf("mismatch for %T:\n got %#v\nwant %#v", line, decoded, line)
		}
	}
}

func TestUnmarshalResponseLineRejectsEmpty(t *testing.T) {
	if _, err := UnmarshalResponseLine(nil); err != ErrEmptyLine {
		t.Fatalf("expected ErrEmptyLine, got %v", err)
	}
}

func TestUnmarshalResponseLineSkipsUnknownFields(t *testing.T) {
	data := []byte{0x48, 0x05, 0x22, 0x02, 0x0a, 0x00}
	line, err := UnmarshalResponseLine(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := line.(*InstructionResult); !ok {
		t.Fatalf("expected instruction result, got %T", line)
	}
}

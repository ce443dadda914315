package engine

import (
	"context"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"enclaverun/internal/enclave"
	"enclaverun/pkg/starlarkrun"
)

// Instruction is a single enclave mutation or side effect recorded while a
// script is interpreted and applied later by the executor.
type Instruction interface {
	Name() string
	Position() starlarkrun.Position
	// Canonical is the wire description of the instruction.
	Canonical() *starlarkrun.Instruction
	// String is the human readable call used in logs and error messages.
	String() string
	// ValidateAndUpdate checks the instruction against env and records the
	// effect it will have once executed.
	ValidateAndUpdate(env *ValidatorEnvironment) error
	Execute(ctx context.Context, env *ExecutionEnvironment) (string, error)
}

// ExecutionEnvironment is what instructions act upon.
type ExecutionEnvironment struct {
	Backend enclave.Backend
	Values  *RuntimeValues
}

type instructionArg struct {
	name           string
	value          starlark.Value
	representative bool
}

// baseInstruction carries the shared description of every instruction.
type baseInstruction struct {
	name     string
	position starlarkrun.Position
	args     []instructionArg
}

func newBaseInstruction(name string, pos syntax.Position, args ...instructionArg) baseInstruction {
	return baseInstruction{
		name: name,
		position: starlarkrun.Position{
			Filename: pos.Filename(),
			Line:     pos.Line,
			Column:   pos.Col,
		},
		args: args,
	}
}

func (b *baseInstruction) Name() string                   { return b.name }
func (b *baseInstruction) Position() starlarkrun.Position { return b.position }

func (b *baseInstruction) String() string {
	var sb strings.Builder
	sb.WriteString(b.name)
	sb.WriteByte('(')
	for i, arg := range b.args {
		if i > 0 {
			sb.WriteString(", ")
		}
		if arg.name != "" {
			sb.WriteString(arg.name)
			sb.WriteByte('=')
		}
		sb.WriteString(arg.value.String())
	}
	sb.WriteByte(')')
	return sb.String()
}

func (b *baseInstruction) Canonical() *starlarkrun.Instruction {
	args := make([]starlarkrun.InstructionArg, 0, len(b.args))
	for _, arg := range b.args {
		if arg.name == "" {
			args = append(args, starlarkrun.NewInstructionArg(arg.value.String(), arg.representative))
			continue
		}
		args = append(args, starlarkrun.NewInstructionKwarg(arg.value.String(), arg.name, arg.representative))
	}
	return starlarkrun.NewInstructionLine(b.position, b.name, b.String(), args)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"enclaverun/internal/packages"
)

const (
	// ScriptFilename names standalone scripts in positions and backtraces.
	ScriptFilename = "script.star"
	entryPoint     = "run"
)

var (
	jsonModule    = starlarkjson.Module
	serviceNameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
)

func validateServiceName(name string) error {
	if !serviceNameRe.MatchString(name) {
		return fmt.Errorf("service name '%s' is invalid: use lowercase letters, digits and dashes", name)
	}
	return nil
}

// Source is what the interpreter runs: a standalone script or a package.
type Source struct {
	Script  string
	Package *packages.Package
}

// Interpretation is the result of a successful interpretation.
type Interpretation struct {
	Instructions []Instruction
	// Output is the JSON form of the entry point's return value; empty for None.
	Output string
}

// InterpretationFailure carries the message streamed to the client.
type InterpretationFailure struct {
	Message string
	Cause   error
}

func (f *InterpretationFailure) Error() string { return f.Message }
func (f *InterpretationFailure) Unwrap() error { return f.Cause }

func interpretationFailure(cause error, format string, args ...any) *InterpretationFailure {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		msg = msg + ": " + formatStarlarkError(cause)
	}
	return &InterpretationFailure{Message: msg, Cause: cause}
}

// Interpreter evaluates Starlark sources into an ordered instruction list.
type Interpreter struct {
	// MaxSteps bounds the computation of a single run; zero means unbounded.
	MaxSteps uint64
}

// NewInterpreter creates an Interpreter.
func NewInterpreter() *Interpreter {
	return &Interpreter{}
}

// Interpret runs the source, then calls its run entry point with the decoded params.
func (in *Interpreter) Interpret(ctx context.Context, src Source, serializedParams string) (*Interpretation, *InterpretationFailure) {
	script, filename := src.Script, ScriptFilename
	p := &plan{pkg: src.Package}
	if src.Package != nil {
		script = src.Package.Main()
		filename = src.Package.ID + "/" + packages.MainFile
		p.loader = newModuleLoader(ctx, src.Package, in.MaxSteps)
	}
	if strings.TrimSpace(script) == "" {
		return nil, &InterpretationFailure{Message: "the script to run cannot be empty"}
	}

	thread := newThread("main", p, packages.MainFile, in.MaxSteps)
	stop := context.AfterFunc(ctx, func() { thread.Cancel("run cancelled") })
	defer stop()

	params, err := decodeParams(thread, serializedParams)
	if err != nil {
		return nil, interpretationFailure(err, "Failed to decode the serialized params '%s' as JSON", serializedParams)
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared())
	if err != nil {
		return nil, interpretationFailure(err, "Evaluation error")
	}

	result := starlark.Value(starlark.None)
	if fn, ok := globals[entryPoint]; ok {
		callable, ok := fn.(starlark.Callable)
		if !ok {
			return nil, &InterpretationFailure{Message: fmt.Sprintf("'%s' must be a function, got %s", entryPoint, fn.Type())}
		}
		args, kwargs := entryArguments(params)
		result, err = starlark.Call(thread, callable, args, kwargs)
		if err != nil {
			return nil, interpretationFailure(err, "Evaluation error")
		}
	}

	output := ""
	if result != starlark.None {
		if output, err = encodeJSON(thread, result); err != nil {
			return nil, interpretationFailure(err, "Failed to serialize the value returned by '%s'", entryPoint)
		}
	}
	return &Interpretation{Instructions: p.instructions, Output: output}, nil
}

// entryArguments passes an object as keyword arguments and any other
// non-null value as the single positional argument.
func entryArguments(params starlark.Value) (starlark.Tuple, []starlark.Tuple) {
	switch v := params.(type) {
	case starlark.NoneType:
		return nil, nil
	case *starlark.Dict:
		kwargs := make([]starlark.Tuple, 0, v.Len())
		for _, item := range v.Items() {
			kwargs = append(kwargs, starlark.Tuple{item[0], item[1]})
		}
		return nil, kwargs
	default:
		return starlark.Tuple{v}, nil
	}
}

func decodeParams(thread *starlark.Thread, serialized string) (starlark.Value, error) {
	if strings.TrimSpace(serialized) == "" {
		return starlark.None, nil
	}
	decoded, err := starlark.Call(thread, jsonModule.Members["decode"], starlark.Tuple{starlark.String(serialized)}, nil)
	if err != nil {
		return nil, err
	}
	if d, ok := decoded.(*starlark.Dict); ok {
		for _, key := range d.Keys() {
			if _, ok := key.(starlark.String); !ok {
				return nil, fmt.Errorf("parameter names must be strings")
			}
		}
	}
	return decoded, nil
}

func encodeJSON(thread *starlark.Thread, v starlark.Value) (string, error) {
	out, err := starlark.Call(thread, jsonModule.Members["encode"], starlark.Tuple{v}, nil)
	if err != nil {
		return "", err
	}
	s, _ := starlark.AsString(out)
	return s, nil
}

func newThread(name string, p *plan, module string, maxSteps uint64) *starlark.Thread {
	thread := &starlark.Thread{Name: name}
	thread.SetLocal(planKey, p)
	thread.SetLocal(moduleKey, module)
	if p.loader != nil {
		thread.Load = p.loader.loadStatement
	}
	if maxSteps > 0 {
		thread.SetMaxExecutionSteps(maxSteps)
	}
	return thread
}

// formatStarlarkError renders evaluation errors with their Starlark backtrace.
func formatStarlarkError(err error) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		var sb strings.Builder
		sb.WriteString(evalErr.Msg)
		for i := len(evalErr.CallStack) - 1; i >= 0; i-- {
			frame := evalErr.CallStack[i]
			if frame.Pos.Filename() == "<builtin>" {
				continue
			}
			fmt.Fprintf(&sb, "\n\tat [%s:%d:%d]: %s", frame.Pos.Filename(), frame.Pos.Line, frame.Pos.Col, frame.Name)
		}
		return sb.String()
	}
	var syntaxErr syntax.Error
	if errors.As(err, &syntaxErr) {
		return fmt.Sprintf("%s\n\tat [%s:%d:%d]", syntaxErr.Msg, syntaxErr.Pos.Filename(), syntaxErr.Pos.Line, syntaxErr.Pos.Col)
	}
	var resolveErrs resolve.ErrorList
	if errors.As(err, &resolveErrs) {
		lines := make([]string, 0, len(resolveErrs))
		for _, e := range resolveErrs {
			lines = append(lines, fmt.Sprintf("%s\n\tat [%s:%d:%d]", e.Msg, e.Pos.Filename(), e.Pos.Line, e.Pos.Col))
		}
		return strings.Join(lines, "\n")
	}
	return err.Error()
}

package main

import (
	"fmt"
	"io"
	"strings"

	"enclaverun/pkg/starlarkrun"
)

// linePrinter 按照到达顺序把响应行渲染为人类可读的文本。
type linePrinter struct {
	w io.Writer
}

func newLinePrinter(w io.Writer) *linePrinter {
	return &linePrinter{w: w}
}

func (p *linePrinter) print(line starlarkrun.ResponseLine) error {
	var err error
	switch l := line.(type) {
	case *starlarkrun.Instruction:
		_, err = fmt.Fprintf(p.w, "> %s\n", l.ExecutableInstruction)
	case *starlarkrun.InstructionResult:
		_, err = fmt.Fprintln(p.w, l.SerializedInstructionResult)
	case *starlarkrun.ProgressInfo:
		_, err = fmt.Fprintf(p.w, "[%d/%d] %s\n", l.CurrentStepNumber, l.TotalSteps, strings.Join(l.CurrentStepInfo, " "))
	case *starlarkrun.Error:
		_, err = fmt.Fprintf(p.w, "%s\n", l.Error())
	case *starlarkrun.RunFinishedEvent:
		if !l.IsRunSuccessful {
			_, err = fmt.Fprintln(p.w, "Error encountered running Starlark code.")
			break
		}
		_, err = fmt.Fprintln(p.w, "Starlark code successfully run.")
		if err == nil && l.SerializedOutput != nil && *l.SerializedOutput != "" {
			_, err = fmt.Fprintf(p.w, "Output:\n%s\n", *l.SerializedOutput)
		}
	default:
		_, err = fmt.Fprintf(p.w, "unknown line %s\n", line.Kind())
	}
	return err
}

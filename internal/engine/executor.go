package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"enclaverun/pkg/logger"
	"enclaverun/pkg/starlarkrun"
)

// ExecutionFailure reports the instruction that failed and why.
type ExecutionFailure struct {
	Index   int
	Message string
	Cause   error
}

func (f *ExecutionFailure) Error() string { return f.Message }
func (f *ExecutionFailure) Unwrap() error { return f.Cause }

// Emit hands a line to the consumer; it returns false once the consumer is gone.
type Emit func(starlarkrun.ResponseLine) bool

// Executor applies validated instructions in order and stops at the first failure.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor() *Executor {
	return &Executor{logger: logger.Named("engine.executor")}
}

// Execute streams one Instruction line per instruction. Outside dry runs each
// instruction is preceded by a ProgressInfo line and, once applied, followed
// by its InstructionResult.
func (e *Executor) Execute(ctx context.Context, env *ExecutionEnvironment, dryRun bool, instructions []Instruction, emit Emit) error {
	total := uint32(len(instructions))
	if dryRun {
		for _, instr := range instructions {
			if !emit(instr.Canonical()) {
				return ctx.Err()
			}
		}
		return nil
	}

	if !emit(starlarkrun.NewProgressInfoLine("Starting execution", 0, total)) {
		return ctx.Err()
	}
	for i, instr := range instructions {
		if err := ctx.Err(); err != nil {
			return &ExecutionFailure{Index: i, Message: "run cancelled before instruction " + fmt.Sprint(i+1) + " could start", Cause: err}
		}
		if !emit(starlarkrun.NewProgressInfoLine(instr.String(), uint32(i+1), total)) {
			return ctx.Err()
		}

		started := time.Now()
		result, err := instr.Execute(ctx, env)
		if err != nil {
			e.logger.Warn("指令执行失败",
				slog.Int("index", i+1),
				slog.String("instruction", instr.Name()),
				slog.Any("error", err))
			return &ExecutionFailure{
				Index: i,
				Message: fmt.Sprintf("An error occurred executing instruction (number %d): \n%s\n --- at %s\n --- %s",
					i+1, instr.String(), instr.Position().String(), err.Error()),
				Cause: err,
			}
		}
		e.logger.Debug("指令执行完成",
			slog.Int("index", i+1),
			slog.String("instruction", instr.Name()),
			slog.Duration("elapsed", time.Since(started)))

		if !emit(instr.Canonical()) {
			return ctx.Err()
		}
		if result != "" {
			if !emit(starlarkrun.NewInstructionResultLine(result)) {
				return ctx.Err()
			}
		}
	}
	return nil
}

package starlarkrun

import "fmt"

// ResponseLine is one element of the stream produced by a run. Exactly one of
// the concrete types below is carried per line.
type ResponseLine interface {
	// Kind names the variant for logging and JSON envelopes.
	Kind() LineKind
	isResponseLine()
}

// LineKind names a ResponseLine variant.
type LineKind string

const (
	KindInstruction       LineKind = "instruction"
	KindError             LineKind = "error"
	KindProgressInfo      LineKind = "progress_info"
	KindInstructionResult LineKind = "instruction_result"
	KindRunFinishedEvent  LineKind = "run_finished_event"
)

// Position locates an instruction in its source file.
type Position struct {
	Filename string `json:"filename"`
	Line     int32  `json:"line"`
	Column   int32  `json:"column"`
}

func (p Position) String() string {
	return fmt.Sprintf("[%s:%d:%d]", p.Filename, p.Line, p.Column)
}

// InstructionArg is one argument of an instruction call. ArgName is nil for
// positional arguments.
type InstructionArg struct {
	SerializedValue  string  `json:"serialized_arg_value"`
	ArgName          *string `json:"arg_name,omitempty"`
	IsRepresentative bool    `json:"is_representative"`
}

// NewInstructionArg builds a positional argument.
func NewInstructionArg(serializedValue string, representative bool) InstructionArg {
	return InstructionArg{SerializedValue: serializedValue, IsRepresentative: representative}
}

// NewInstructionKwarg builds a named argument.
func NewInstructionKwarg(serializedValue, name string, representative bool) InstructionArg {
	return InstructionArg{SerializedValue: serializedValue, ArgName: &name, IsRepresentative: representative}
}

// Instruction announces an instruction the engine planned or is executing.
type Instruction struct {
	Position              Position         `json:"position"`
	Name                  string           `json:"instruction_name"`
	Arguments             []InstructionArg `json:"arguments,omitempty"`
	ExecutableInstruction string           `json:"executable_instruction"`
}

// ErrorDetail is one of InterpretationError, ValidationError or
// ExecutionError.
type ErrorDetail interface {
	Phase() Phase
	Message() string
	isErrorDetail()
}

// InterpretationError reports a failure while evaluating the script.
type InterpretationError struct {
	ErrorMessage string
}

// ValidationError reports a plan that cannot be applied to the enclave.
type ValidationError struct {
	ErrorMessage string
}

// ExecutionError reports a failure while applying an instruction.
type ExecutionError struct {
	ErrorMessage string
}

func (e InterpretationError) Phase() Phase    { return PhaseInterpretationError }
func (e InterpretationError) Message() string { return e.ErrorMessage }
func (InterpretationError) isErrorDetail()    {}

func (e ValidationError) Phase() Phase    { return PhaseValidationError }
func (e ValidationError) Message() string { return e.ErrorMessage }
func (ValidationError) isErrorDetail()    {}

func (e ExecutionError) Phase() Phase    { return PhaseExecutionError }
func (e ExecutionError) Message() string { return e.ErrorMessage }
func (ExecutionError) isErrorDetail()    {}

// Error is a terminal failure line.
type Error struct {
	Detail ErrorDetail
}

// Error implements the error interface so a received line can be returned
// as-is by client helpers.
func (e *Error) Error() string {
	if e == nil || e.Detail == nil {
		return "starlark run failed"
	}
	return fmt.Sprintf("%s: %s", e.Detail.Phase(), e.Detail.Message())
}

// ProgressInfo reports how far execution has advanced.
type ProgressInfo struct {
	CurrentStepInfo   []string `json:"current_step_info,omitempty"`
	TotalSteps        uint32   `json:"total_steps"`
	CurrentStepNumber uint32   `json:"current_step_number"`
}

// InstructionResult carries the human readable outcome of the most recently
// announced instruction.
type InstructionResult struct {
	SerializedInstructionResult string `json:"serialized_instruction_result"`
}

// RunFinishedEvent is the last line of every complete stream.
type RunFinishedEvent struct {
	IsRunSuccessful  bool    `json:"is_run_successful"`
	SerializedOutput *string `json:"serialized_output,omitempty"`
}

func (*Instruction) Kind() LineKind       { return KindInstruction }
func (*Error) Kind() LineKind             { return KindError }
func (*ProgressInfo) Kind() LineKind      { return KindProgressInfo }
func (*InstructionResult) Kind() LineKind { return KindInstructionResult }
func (*RunFinishedEvent) Kind() LineKind  { return KindRunFinishedEvent }

func (*Instruction) isResponseLine()       {}
func (*Error) isResponseLine()             {}
func (*ProgressInfo) isResponseLine()      {}
func (*InstructionResult) isResponseLine() {}
func (*RunFinishedEvent) isResponseLine()  {}

// NewInstructionLine wraps an instruction description.
func NewInstructionLine(position Position, name, executable string, args []InstructionArg) *Instruction {
	return &Instruction{
		Position:              position,
		Name:                  name,
		Arguments:             args,
		ExecutableInstruction: executable,
	}
}

// NewInstructionResultLine wraps the result of an executed instruction.
func NewInstructionResultLine(serialized string) *InstructionResult {
	return &InstructionResult{SerializedInstructionResult: serialized}
}

// NewInterpretationErrorLine builds an interpretation failure line.
func NewInterpretationErrorLine(message string) *Error {
	return &Error{Detail: InterpretationError{ErrorMessage: message}}
}

// NewValidationErrorLine builds a validation failure line.
func NewValidationErrorLine(message string) *Error {
	return &Error{Detail: ValidationError{ErrorMessage: message}}
}

// NewExecutionErrorLine builds an execution failure line.
func NewExecutionErrorLine(message string) *Error {
	return &Error{Detail: ExecutionError{ErrorMessage: message}}
}

// NewProgressInfoLine builds a progress line for a single step description.
func NewProgressInfoLine(stepInfo string, currentStep, totalSteps uint32) *ProgressInfo {
	return &ProgressInfo{
		CurrentStepInfo:   []string{stepInfo},
		TotalSteps:        totalSteps,
		CurrentStepNumber: currentStep,
	}
}

// NewRunSuccessLine builds the terminal success event.
func NewRunSuccessLine(serializedOutput string) *RunFinishedEvent {
	return &RunFinishedEvent{IsRunSuccessful: true, SerializedOutput: &serializedOutput}
}

// NewRunFailureLine builds the terminal failure event.
func NewRunFailureLine() *RunFinishedEvent {
	return &RunFinishedEvent{IsRunSuccessful: false}
}

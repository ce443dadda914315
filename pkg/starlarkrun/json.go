package starlarkrun

import (
	"encoding/json"
	"errors"
	"fmt"
)

type lineEnvelope struct {
	Instruction       *Instruction       `json:"instruction,omitempty"`
	Error             *errorEnvelope     `json:"error,omitempty"`
	ProgressInfo      *ProgressInfo      `json:"progress_info,omitempty"`
	InstructionResult *InstructionResult `json:"instruction_result,omitempty"`
	RunFinishedEvent  *RunFinishedEvent  `json:"run_finished_event,omitempty"`
}

type errorEnvelope struct {
	InterpretationError *errorMessage `json:"interpretation_error,omitempty"`
	ValidationError     *errorMessage `json:"validation_error,omitempty"`
	ExecutionError      *errorMessage `json:"execution_error,omitempty"`
}

type errorMessage struct {
	ErrorMessage string `json:"error_message"`
}

// MarshalJSONLine encodes a response line as a single JSON object keyed by
// its variant name, matching the protobuf JSON mapping of the oneof.
func MarshalJSONLine(line ResponseLine) ([]byte, error) {
	var env lineEnvelope
	switch l := line.(type) {
	case *Instruction:
		env.Instruction = l
	case *Error:
		if l.Detail == nil {
			return nil, errors.New("starlark run: error line without detail")
		}
		msg := &errorMessage{ErrorMessage: l.Detail.Message()}
		env.Error = &errorEnvelope{}
		switch l.Detail.(type) {
		case InterpretationError:
			env.Error.InterpretationError = msg
		case ValidationError:
			env.Error.ValidationError = msg
		case ExecutionError:
			env.Error.ExecutionError = msg
		}
	case *ProgressInfo:
		env.ProgressInfo = l
	case *InstructionResult:
		env.InstructionResult = l
	case *RunFinishedEvent:
		env.RunFinishedEvent = l
	case nil:
		return nil, ErrEmptyLine
	default:
		return nil, fmt.Errorf("starlark run: cannot encode %T", line)
	}
	return json.Marshal(env)
}

// UnmarshalJSONLine decodes a line produced by MarshalJSONLine.
func UnmarshalJSONLine(data []byte) (ResponseLine, error) {
	var env lineEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode response line: %w", err)
	}
	var lines []ResponseLine
	if env.Instruction != nil {
		lines = append(lines, env.Instruction)
	}
	if env.Error != nil {
		e, err := env.Error.toLine()
		if err != nil {
			return nil, err
		}
		lines = append(lines, e)
	}
	if env.ProgressInfo != nil {
		lines = append(lines, env.ProgressInfo)
	}
	if env.InstructionResult != nil {
		lines = append(lines, env.InstructionResult)
	}
	if env.RunFinishedEvent != nil {
		lines = append(lines, env.RunFinishedEvent)
	}
	switch len(lines) {
	case 0:
		return nil, ErrEmptyLine
	case 1:
		return lines[0], nil
	default:
		return nil, fmt.Errorf("starlark run: response line carries %d variants", len(lines))
	}
}

func (e *errorEnvelope) toLine() (*Error, error) {
	switch {
	case e.InterpretationError != nil:
		return NewInterpretationErrorLine(e.InterpretationError.ErrorMessage), nil
	case e.ValidationError != nil:
		return NewValidationErrorLine(e.ValidationError.ErrorMessage), nil
	case e.ExecutionError != nil:
		return NewExecutionErrorLine(e.ExecutionError.ErrorMessage), nil
	default:
		return nil, errors.New("starlark run: error line without detail")
	}
}

type scriptArgsJSON struct {
	SerializedScript string `json:"serialized_script"`
	SerializedParams string `json:"serialized_params,omitempty"`
	DryRun           *bool  `json:"dry_run,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (a RunScriptArgs) MarshalJSON() ([]byte, error) {
	return json.Marshal(scriptArgsJSON(a))
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *RunScriptArgs) UnmarshalJSON(data []byte) error {
	var raw scriptArgsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = RunScriptArgs(raw)
	return nil
}

type packageArgsJSON struct {
	PackageID        string  `json:"package_id"`
	Local            *[]byte `json:"local,omitempty"`
	Remote           bool    `json:"remote,omitempty"`
	SerializedParams string  `json:"serialized_params,omitempty"`
	DryRun           *bool   `json:"dry_run,omitempty"`
}

// MarshalJSON implements json.Marshaler. The archive is base64 encoded.
func (a RunPackageArgs) MarshalJSON() ([]byte, error) {
	raw := packageArgsJSON{
		PackageID:        a.PackageID,
		SerializedParams: a.SerializedParams,
		DryRun:           a.DryRun,
	}
	switch content := a.Content.(type) {
	case LocalPackage:
		// An empty archive still marks the content as local.
		archive := content.Archive
		if archive == nil {
			archive = []byte{}
		}
		raw.Local = &archive
	case RemotePackage:
		raw.Remote = true
	}
	return json.Marshal(raw)
}

// UnmarshalJSON implements json.Unmarshaler and rejects bodies naming both
// content variants.
func (a *RunPackageArgs) UnmarshalJSON(data []byte) error {
	var raw packageArgsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Local != nil && raw.Remote {
		return errors.New("starlark run: package content must be either local or remote")
	}
	*a = RunPackageArgs{
		PackageID:        raw.PackageID,
		SerializedParams: raw.SerializedParams,
		DryRun:           raw.DryRun,
	}
	switch {
	case raw.Local != nil:
		a.Content = LocalPackage{Archive: *raw.Local}
	case raw.Remote:
		a.Content = RemotePackage{}
	}
	return nil
}

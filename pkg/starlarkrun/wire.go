package starlarkrun

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the api_container protobuf messages. They are part of the
// wire contract and must never be renumbered.
const (
	fieldScriptSerializedScript protowire.Number = 1
	fieldScriptSerializedParams protowire.Number = 2
	fieldScriptDryRun           protowire.Number = 3

	fieldPackageID               protowire.Number = 1
	fieldPackageLocal            protowire.Number = 3
	fieldPackageRemote           protowire.Number = 4
	fieldPackageSerializedParams protowire.Number = 5
	fieldPackageDryRun           protowire.Number = 6

	fieldLineInstruction       protowire.Number = 1
	fieldLineError             protowire.Number = 2
	fieldLineProgressInfo      protowire.Number = 3
	fieldLineInstructionResult protowire.Number = 4
	fieldLineRunFinishedEvent  protowire.Number = 5

	fieldInstructionPosition   protowire.Number = 1
	fieldInstructionName       protowire.Number = 2
	fieldInstructionArguments  protowire.Number = 3
	fieldInstructionExecutable protowire.Number = 4

	fieldPositionFilename protowire.Number = 1
	fieldPositionLine     protowire.Number = 2
	fieldPositionColumn   protowire.Number = 3

	fieldArgSerializedValue  protowire.Number = 1
	fieldArgName             protowire.Number = 2
	fieldArgIsRepresentative protowire.Number = 3

	fieldErrorInterpretation protowire.Number = 1
	fieldErrorValidation     protowire.Number = 2
	fieldErrorExecution      protowire.Number = 3

	fieldErrorMessage protowire.Number = 1

	fieldProgressCurrentStepInfo   protowire.Number = 1
	fieldProgressTotalSteps        protowire.Number = 2
	fieldProgressCurrentStepNumber protowire.Number = 3

	fieldResultSerialized protowire.Number = 1

	fieldFinishedIsRunSuccessful  protowire.Number = 1
	fieldFinishedSerializedOutput protowire.Number = 2
)

// ErrEmptyLine is returned when a response line carries none of its variants.
var ErrEmptyLine = errors.New("starlark run: response line has no content")

// MarshalRunScriptArgs encodes script arguments in protobuf wire format.
func MarshalRunScriptArgs(args RunScriptArgs) []byte {
	var b []byte
	b = appendString(b, fieldScriptSerializedScript, args.SerializedScript)
	b = appendString(b, fieldScriptSerializedParams, args.SerializedParams)
	if args.DryRun != nil {
		b = appendBoolAlways(b, fieldScriptDryRun, *args.DryRun)
	}
	return b
}

// UnmarshalRunScriptArgs decodes script arguments.
func UnmarshalRunScriptArgs(data []byte) (RunScriptArgs, error) {
	var args RunScriptArgs
	err := parseFields(data, func(f field) error {
		switch f.num {
		case fieldScriptSerializedScript:
			return f.stringInto(&args.SerializedScript)
		case fieldScriptSerializedParams:
			return f.stringInto(&args.SerializedParams)
		case fieldScriptDryRun:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			args.DryRun = boolPtr(protowire.DecodeBool(f.varint))
		}
		return nil
	})
	if err != nil {
		return RunScriptArgs{}, fmt.Errorf("decode RunStarlarkScriptArgs: %w", err)
	}
	return args, nil
}

// MarshalRunPackageArgs encodes package arguments in protobuf wire format.
func MarshalRunPackageArgs(args RunPackageArgs) []byte {
	var b []byte
	b = appendString(b, fieldPackageID, args.PackageID)
	switch content := args.Content.(type) {
	case LocalPackage:
		b = protowire.AppendTag(b, fieldPackageLocal, protowire.BytesType)
		b = protowire.AppendBytes(b, content.Archive)
	case RemotePackage:
		b = appendBoolAlways(b, fieldPackageRemote, true)
	}
	b = appendString(b, fieldPackageSerializedParams, args.SerializedParams)
	if args.DryRun != nil {
		b = appendBoolAlways(b, fieldPackageDryRun, *args.DryRun)
	}
	return b
}

// UnmarshalRunPackageArgs decodes package arguments. When both content
// variants are present the last one on the wire wins.
func UnmarshalRunPackageArgs(data []byte) (RunPackageArgs, error) {
	var args RunPackageArgs
	err := parseFields(data, func(f field) error {
		switch f.num {
		case fieldPackageID:
			return f.stringInto(&args.PackageID)
		case fieldPackageLocal:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			args.Content = LocalPackage{Archive: cloneBytes(f.bytes)}
		case fieldPackageRemote:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			if protowire.DecodeBool(f.varint) {
				args.Content = RemotePackage{}
			}
		case fieldPackageSerializedParams:
			return f.stringInto(&args.SerializedParams)
		case fieldPackageDryRun:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			args.DryRun = boolPtr(protowire.DecodeBool(f.varint))
		}
		return nil
	})
	if err != nil {
		return RunPackageArgs{}, fmt.Errorf("decode RunStarlarkPackageArgs: %w", err)
	}
	return args, nil
}

// MarshalResponseLine encodes a response line in protobuf wire format.
func MarshalResponseLine(line ResponseLine) ([]byte, error) {
	var b []byte
	switch l := line.(type) {
	case *Instruction:
		b = appendMessage(b, fieldLineInstruction, marshalInstruction(l))
	case *Error:
		inner, err := marshalError(l)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, fieldLineError, inner)
	case *ProgressInfo:
		b = appendMessage(b, fieldLineProgressInfo, marshalProgress(l))
	case *InstructionResult:
		b = appendMessage(b, fieldLineInstructionResult, appendString(nil, fieldResultSerialized, l.SerializedInstructionResult))
	case *RunFinishedEvent:
		b = appendMessage(b, fieldLineRunFinishedEvent, marshalFinished(l))
	case nil:
		return nil, ErrEmptyLine
	default:
		return nil, fmt.Errorf("starlark run: cannot encode %T", line)
	}
	return b, nil
}

// UnmarshalResponseLine decodes a response line.
func UnmarshalResponseLine(data []byte) (ResponseLine, error) {
	var line ResponseLine
	err := parseFields(data, func(f field) error {
		var err error
		switch f.num {
		case fieldLineInstruction:
			if err = f.expect(protowire.BytesType); err == nil {
				line, err = unmarshalInstruction(f.bytes)
			}
		case fieldLineError:
			if err = f.expect(protowire.BytesType); err == nil {
				line, err = unmarshalError(f.bytes)
			}
		case fieldLineProgressInfo:
			if err = f.expect(protowire.BytesType); err == nil {
				line, err = unmarshalProgress(f.bytes)
			}
		case fieldLineInstructionResult:
			if err = f.expect(protowire.BytesType); err == nil {
				result := &InstructionResult{}
				err = parseFields(f.bytes, func(inner field) error {
					if inner.num == fieldResultSerialized {
						return inner.stringInto(&result.SerializedInstructionResult)
					}
					return nil
				})
				line = result
			}
		case fieldLineRunFinishedEvent:
			if err = f.expect(protowire.BytesType); err == nil {
				line, err = unmarshalFinished(f.bytes)
			}
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("decode StarlarkRunResponseLine: %w", err)
	}
	if line == nil {
		return nil, ErrEmptyLine
	}
	return line, nil
}

func marshalInstruction(in *Instruction) []byte {
	var b []byte
	var pos []byte
	pos = appendString(pos, fieldPositionFilename, in.Position.Filename)
	pos = appendInt32(pos, fieldPositionLine, in.Position.Line)
	pos = appendInt32(pos, fieldPositionColumn, in.Position.Column)
	b = appendMessage(b, fieldInstructionPosition, pos)
	b = appendString(b, fieldInstructionName, in.Name)
	for _, arg := range in.Arguments {
		var ab []byte
		ab = appendString(ab, fieldArgSerializedValue, arg.SerializedValue)
		if arg.ArgName != nil {
			ab = protowire.AppendTag(ab, fieldArgName, protowire.BytesType)
			ab = protowire.AppendString(ab, *arg.ArgName)
		}
		if arg.IsRepresentative {
			ab = appendBoolAlways(ab, fieldArgIsRepresentative, true)
		}
		b = appendMessage(b, fieldInstructionArguments, ab)
	}
	b = appendString(b, fieldInstructionExecutable, in.ExecutableInstruction)
	return b
}

func unmarshalInstruction(data []byte) (*Instruction, error) {
	in := &Instruction{}
	err := parseFields(data, func(f field) error {
		switch f.num {
		case fieldInstructionPosition:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			return parseFields(f.bytes, func(p field) error {
				switch p.num {
				case fieldPositionFilename:
					return p.stringInto(&in.Position.Filename)
				case fieldPositionLine:
					return p.int32Into(&in.Position.Line)
				case fieldPositionColumn:
					return p.int32Into(&in.Position.Column)
				}
				return nil
			})
		case fieldInstructionName:
			return f.stringInto(&in.Name)
		case fieldInstructionArguments:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			var arg InstructionArg
			err := parseFields(f.bytes, func(a field) error {
				switch a.num {
				case fieldArgSerializedValue:
					return a.stringInto(&arg.SerializedValue)
				case fieldArgName:
					var name string
					if err := a.stringInto(&name); err != nil {
						return err
					}
					arg.ArgName = &name
				case fieldArgIsRepresentative:
					if err := a.expect(protowire.VarintType); err != nil {
						return err
					}
					arg.IsRepresentative = protowire.DecodeBool(a.varint)
				}
				return nil
			})
			if err != nil {
				return err
			}
			in.Arguments = append(in.Arguments, arg)
		case fieldInstructionExecutable:
			return f.stringInto(&in.ExecutableInstruction)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return in, nil
}

func marshalError(e *Error) ([]byte, error) {
	if e.Detail == nil {
		return nil, errors.New("starlark run: error line without detail")
	}
	msg := appendString(nil, fieldErrorMessage, e.Detail.Message())
	switch e.Detail.(type) {
	case InterpretationError:
		return appendMessage(nil, fieldErrorInterpretation, msg), nil
	case ValidationError:
		return appendMessage(nil, fieldErrorValidation, msg), nil
	case ExecutionError:
		return appendMessage(nil, fieldErrorExecution, msg), nil
	default:
		return nil, fmt.Errorf("starlark run: cannot encode error detail %T", e.Detail)
	}
}

func unmarshalError(data []byte) (*Error, error) {
	out := &Error{}
	err := parseFields(data, func(f field) error {
		if f.num != fieldErrorInterpretation && f.num != fieldErrorValidation && f.num != fieldErrorExecution {
			return nil
		}
		if err := f.expect(protowire.BytesType); err != nil {
			return err
		}
		var message string
		if err := parseFields(f.bytes, func(m field) error {
			if m.num == fieldErrorMessage {
				return m.stringInto(&message)
			}
			return nil
		}); err != nil {
			return err
		}
		switch f.num {
		case fieldErrorInterpretation:
			out.Detail = InterpretationError{ErrorMessage: message}
		case fieldErrorValidation:
			out.Detail = ValidationError{ErrorMessage: message}
		case fieldErrorExecution:
			out.Detail = ExecutionError{ErrorMessage: message}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Detail == nil {
		return nil, errors.New("starlark run: error line without detail")
	}
	return out, nil
}

func marshalProgress(p *ProgressInfo) []byte {
	var b []byte
	for _, info := range p.CurrentStepInfo {
		b = protowire.AppendTag(b, fieldProgressCurrentStepInfo, protowire.BytesType)
		b = protowire.AppendString(b, info)
	}
	b = appendUint32(b, fieldProgressTotalSteps, p.TotalSteps)
	b = appendUint32(b, fieldProgressCurrentStepNumber, p.CurrentStepNumber)
	return b
}

func unmarshalProgress(data []byte) (*ProgressInfo, error) {
	p := &ProgressInfo{}
	err := parseFields(data, func(f field) error {
		switch f.num {
		case fieldProgressCurrentStepInfo:
			var info string
			if err := f.stringInto(&info); err != nil {
				return err
			}
			p.CurrentStepInfo = append(p.CurrentStepInfo, info)
		case fieldProgressTotalSteps:
			return f.uint32Into(&p.TotalSteps)
		case fieldProgressCurrentStepNumber:
			return f.uint32Into(&p.CurrentStepNumber)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func marshalFinished(e *RunFinishedEvent) []byte {
	var b []byte
	if e.IsRunSuccessful {
		b = appendBoolAlways(b, fieldFinishedIsRunSuccessful, true)
	}
	if e.SerializedOutput != nil {
		b = protowire.AppendTag(b, fieldFinishedSerializedOutput, protowire.BytesType)
		b = protowire.AppendString(b, *e.SerializedOutput)
	}
	return b
}

func unmarshalFinished(data []byte) (*RunFinishedEvent, error) {
	e := &RunFinishedEvent{}
	err := parseFields(data, func(f field) error {
		switch f.num {
		case fieldFinishedIsRunSuccessful:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			e.IsRunSuccessful = protowire.DecodeBool(f.varint)
		case fieldFinishedSerializedOutput:
			var out string
			if err := f.stringInto(&out); err != nil {
				return err
			}
			e.SerializedOutput = &out
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// proto3 omits scalar defaults; explicit-presence fields use appendBoolAlways.
func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBoolAlways(b []byte, num protowire.Number, v bool) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendUint32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

func (f field) expect(typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("field %d: unexpected wire type %d", f.num, f.typ)
	}
	return nil
}

func (f field) stringInto(dst *string) error {
	if err := f.expect(protowire.BytesType); err != nil {
		return err
	}
	*dst = string(f.bytes)
	return nil
}

func (f field) int32Into(dst *int32) error {
	if err := f.expect(protowire.VarintType); err != nil {
		return err
	}
	*dst = int32(f.varint)
	return nil
}

func (f field) uint32Into(dst *uint32) error {
	if err := f.expect(protowire.VarintType); err != nil {
		return err
	}
	*dst = uint32(f.varint)
	return nil
}

// parseFields walks every field of a message, skipping groups and fixed
// width values nobody in this protocol uses.
func parseFields(data []byte, fn func(field) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(data)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

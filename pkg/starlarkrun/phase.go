package starlarkrun

import (
	"errors"
	"fmt"
)

// Phase is a state of the run state machine.
type Phase string

const (
	PhasePending             Phase = "PENDING"
	PhaseInterpreting        Phase = "INTERPRETING"
	PhaseInterpretationError Phase = "INTERPRETATION_ERROR"
	PhaseValidating          Phase = "VALIDATING"
	PhaseValidationError     Phase = "VALIDATION_ERROR"
	PhaseExecuting           Phase = "EXECUTING"
	PhaseExecutionError      Phase = "EXECUTION_ERROR"
	PhaseCompleted           Phase = "COMPLETED"
)

var transitions = map[Phase][]Phase{
	PhasePending:      {PhaseInterpreting},
	PhaseInterpreting: {PhaseInterpretationError, PhaseValidating},
	// COMPLETED straight from VALIDATING is the dry-run path.
	PhaseValidating: {PhaseValidationError, PhaseExecuting, PhaseCompleted},
	PhaseExecuting:  {PhaseExecutionError, PhaseCompleted},
}

// IsTerminal reports whether no further transition is possible.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseInterpretationError, PhaseValidationError, PhaseExecutionError, PhaseCompleted:
		return true
	default:
		return false
	}
}

// IsFailure reports whether the phase is one of the error phases.
func (p Phase) IsFailure() bool {
	return p == PhaseInterpretationError || p == PhaseValidationError || p == PhaseExecutionError
}

// CanTransition reports whether next directly follows p.
func (p Phase) CanTransition(next Phase) bool {
	for _, candidate := range transitions[p] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Machine enforces the phase ordering on the producing side.
type Machine struct {
	current Phase
	history []Phase
}

// NewMachine returns a machine in PENDING.
func NewMachine() *Machine {
	return &Machine{current: PhasePending, history: []Phase{PhasePending}}
}

// Current returns the active phase.
func (m *Machine) Current() Phase {
	return m.current
}

// History returns every phase visited, in order.
func (m *Machine) History() []Phase {
	out := make([]Phase, len(m.history))
	copy(out, m.history)
	return out
}

// Advance moves to next or fails when the transition is not allowed.
func (m *Machine) Advance(next Phase) error {
	if !m.current.CanTransition(next) {
		return fmt.Errorf("illegal phase transition %s -> %s", m.current, next)
	}
	m.current = next
	m.history = append(m.history, next)
	return nil
}

var (
	// ErrLineAfterFinish means a line arrived after RunFinishedEvent.
	ErrLineAfterFinish = errors.New("starlark run: line received after run finished event")
	// ErrOrphanResult means an InstructionResult arrived with no instruction to attach to.
	ErrOrphanResult = errors.New("starlark run: instruction result without preceding instruction")
	// ErrLineAfterError means a non-terminal line followed an error line.
	ErrLineAfterError = errors.New("starlark run: line received after error")
	// ErrInconsistentFinish means the finished event contradicts an earlier error.
	ErrInconsistentFinish = errors.New("starlark run: successful finish after error")
)

// Tracker follows a response stream on the consuming side, inferring the
// phase from the lines it sees and rejecting orderings the engine never
// produces.
type Tracker struct {
	phase        Phase
	awaiting     bool
	instructions int
	results      int
	failure      *Error
	finished     *RunFinishedEvent
}

// NewTracker returns a tracker in PENDING.
func NewTracker() *Tracker {
	return &Tracker{phase: PhasePending}
}

// Phase returns the phase inferred so far.
func (t *Tracker) Phase() Phase {
	return t.phase
}

// Finished returns the finished event once observed.
func (t *Tracker) Finished() (*RunFinishedEvent, bool) {
	return t.finished, t.finished != nil
}

// Failure returns the error line once observed.
func (t *Tracker) Failure() *Error {
	return t.failure
}

// Observe records the next line.
func (t *Tracker) Observe(line ResponseLine) error {
	if t.finished != nil {
		return ErrLineAfterFinish
	}
	if t.phase == PhasePending {
		t.phase = PhaseInterpreting
	}
	if t.failure != nil {
		if _, ok := line.(*RunFinishedEvent); !ok {
			return ErrLineAfterError
		}
	}

	switch l := line.(type) {
	case *Instruction:
		t.instructions++
		t.awaiting = true
	case *InstructionResult:
		if !t.awaiting {
			return ErrOrphanResult
		}
		t.awaiting = false
		t.results++
		t.phase = PhaseExecuting
	case *ProgressInfo:
		t.phase = PhaseExecuting
	case *Error:
		t.failure = l
		if l.Detail != nil {
			t.phase = l.Detail.Phase()
		}
	case *RunFinishedEvent:
		if l.IsRunSuccessful && t.failure != nil {
			return ErrInconsistentFinish
		}
		t.finished = l
		if l.IsRunSuccessful {
			t.phase = PhaseCompleted
		}
	default:
		return fmt.Errorf("starlark run: unknown response line %T", line)
	}
	return nil
}

package starlarkrun

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrStreamEndedWithoutFinish means the stream closed before RunFinishedEvent.
	// The run must be treated as failed.
	ErrStreamEndedWithoutFinish = errors.New("starlark run: stream ended without run finished event")
	// ErrIdleTimeout means no line arrived within the configured idle window.
	ErrIdleTimeout = errors.New("starlark run: no response line within idle timeout")
)

// Outcome summarises a fully consumed stream.
type Outcome struct {
	Lines        []ResponseLine
	Instructions []*Instruction
	Results      []string
	Progress     *ProgressInfo
	Failure      *Error
	Finished     *RunFinishedEvent
	Phase        Phase
}

// Succeeded reports whether the run finished successfully.
func (o *Outcome) Succeeded() bool {
	return o != nil && o.Finished != nil && o.Finished.IsRunSuccessful
}

// Output returns the serialized output of a successful run.
func (o *Outcome) Output() string {
	if o == nil || o.Finished == nil || o.Finished.SerializedOutput == nil {
		return ""
	}
	return *o.Finished.SerializedOutput
}

// ConsumeOption tunes Consume.
type ConsumeOption func(*consumeOptions)

type consumeOptions struct {
	idle   time.Duration
	handle func(ResponseLine) error
	keep   bool
}

// WithIdleTimeout aborts consumption when no line arrives within d.
func WithIdleTimeout(d time.Duration) ConsumeOption {
	return func(o *consumeOptions) {
		o.idle = d
	}
}

// WithLineHandler is called for every line as it arrives, before it is
// recorded. A handler error stops consumption.
func WithLineHandler(fn func(ResponseLine) error) ConsumeOption {
	return func(o *consumeOptions) {
		o.handle = fn
	}
}

// WithoutLineHistory drops Outcome.Lines to bound memory on long runs.
func WithoutLineHistory() ConsumeOption {
	return func(o *consumeOptions) {
		o.keep = false
	}
}

// Consume reads src to the end, enforcing line ordering. The returned
// Outcome is populated even when an error is returned.
func Consume(ctx context.Context, src LineSource, opts ...ConsumeOption) (*Outcome, error) {
	options := consumeOptions{keep: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	tracker := NewTracker()
	outcome := &Outcome{}
	defer func() { outcome.Phase = tracker.Phase() }()

	for {
		line, err := recvWithin(ctx, src, options.idle)
		if errors.Is(err, io.EOF) {
			if _, ok := tracker.Finished(); !ok {
				return outcome, ErrStreamEndedWithoutFinish
			}
			return outcome, nil
		}
		if err != nil {
			return outcome, err
		}
		if err := tracker.Observe(line); err != nil {
			return outcome, err
		}
		if options.handle != nil {
			if err := options.handle(line); err != nil {
				return outcome, err
			}
		}
		if options.keep {
			outcome.Lines = append(outcome.Lines, line)
		}
		switch l := line.(type) {
		case *Instruction:
			outcome.Instructions = append(outcome.Instructions, l)
		case *InstructionResult:
			outcome.Results = append(outcome.Results, l.SerializedInstructionResult)
		case *ProgressInfo:
			outcome.Progress = l
		case *Error:
			outcome.Failure = l
		case *RunFinishedEvent:
			outcome.Finished = l
		}
	}
}

// Collect is Consume with the default options.
func Collect(ctx context.Context, src LineSource) (*Outcome, error) {
	return Consume(ctx, src)
}

type recvResult struct {
	line ResponseLine
	err  error
}

func recvWithin(ctx context.Context, src LineSource, idle time.Duration) (ResponseLine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if idle <= 0 {
		if _, ok := src.(*ChannelSource); ok {
			return src.Recv()
		}
	}

	done := make(chan recvResult, 1)
	go func() {
		line, err := src.Recv()
		done <- recvResult{line: line, err: err}
	}()

	var timeout <-chan time.Time
	if idle > 0 {
		timer := time.NewTimer(idle)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-done:
		return res.line, res.err
	case <-timeout:
		closeSource(src)
		return nil, ErrIdleTimeout
	case <-ctx.Done():
		closeSource(src)
		return nil, ctx.Err()
	}
}

func closeSource(src LineSource) {
	if c, ok := src.(io.Closer); ok {
		_ = c.Close()
	}
}

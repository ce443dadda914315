package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"enclaverun/internal/enclave"
	xerrors "enclaverun/internal/errors"
	"enclaverun/internal/packages"
	"enclaverun/pkg/logger"
	"enclaverun/pkg/starlarkrun"
)

// RunKind distinguishes script runs from package runs.
type RunKind string

const (
	KindScript  RunKind = "script"
	KindPackage RunKind = "package"
)

const defaultLineBuffer = 64

// Observer receives run lifecycle notifications, typically to record metrics.
type Observer interface {
	ObservePhase(kind RunKind, phase starlarkrun.Phase, elapsed time.Duration)
	ObserveLine(kind RunKind, line starlarkrun.ResponseLine)
	ObserveRun(kind RunKind, final starlarkrun.Phase, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObservePhase(RunKind, starlarkrun.Phase, time.Duration) {}
func (nopObserver) ObserveLine(RunKind, starlarkrun.ResponseLine)          {}
func (nopObserver) ObserveRun(RunKind, starlarkrun.Phase, time.Duration)   {}

type runIDKey struct{}

// ContextWithRunID tags the run started with ctx so its log lines carry id.
func ContextWithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

func runIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// Runner interprets, validates and executes Starlark runs against the
// enclaves of a registry and streams their response lines.
type Runner struct {
	registry    *enclave.Registry
	resolver    *packages.Resolver
	interpreter *Interpreter
	executor    *Executor
	observer    Observer
	buffer      int
	logger      *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithResolver sets the package resolver used by RunPackage.
func WithResolver(resolver *packages.Resolver) Option {
	return func(r *Runner) {
		if resolver != nil {
			r.resolver = resolver
		}
	}
}

// WithObserver registers a lifecycle observer.
func WithObserver(observer Observer) Option {
	return func(r *Runner) {
		if observer != nil {
			r.observer = observer
		}
	}
}

// WithMaxSteps bounds the Starlark computation of a single run.
func WithMaxSteps(steps uint64) Option {
	return func(r *Runner) {
		r.interpreter.MaxSteps = steps
	}
}

// WithLineBuffer sets how many lines may queue ahead of a slow consumer.
func WithLineBuffer(size int) Option {
	return func(r *Runner) {
		if size >= 0 {
			r.buffer = size
		}
	}
}

// NewRunner creates a Runner bound to registry.
func NewRunner(registry *enclave.Registry, opts ...Option) *Runner {
	r := &Runner{
		registry:    registry,
		resolver:    packages.NewResolver(packages.Config{}),
		interpreter: NewInterpreter(),
		executor:    NewExecutor(),
		observer:    nopObserver{},
		buffer:      defaultLineBuffer,
		logger:      logger.Named("engine"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunScript runs a standalone script in enclaveName. The returned channel is
// closed after the RunFinishedEvent, or early when ctx is cancelled.
func (r *Runner) RunScript(ctx context.Context, enclaveName string, args starlarkrun.RunScriptArgs) <-chan starlarkrun.ResponseLine {
	return r.start(ctx, KindScript, enclaveName, args.SerializedParams, args.IsDryRun(), func(context.Context) (Source, error) {
		return Source{Script: args.SerializedScript}, nil
	})
}

// RunPackage resolves the package named by args and runs its main.star.
func (r *Runner) RunPackage(ctx context.Context, enclaveName string, args starlarkrun.RunPackageArgs) <-chan starlarkrun.ResponseLine {
	return r.start(ctx, KindPackage, enclaveName, args.SerializedParams, args.IsDryRun(), func(ctx context.Context) (Source, error) {
		pkg, err := r.resolver.Resolve(ctx, args)
		if err != nil {
			return Source{}, err
		}
		return Source{Package: pkg}, nil
	})
}

type sourceLoader func(ctx context.Context) (Source, error)

func (r *Runner) start(ctx context.Context, kind RunKind, enclaveName, params string, dryRun bool, load sourceLoader) <-chan starlarkrun.ResponseLine {
	out := make(chan starlarkrun.ResponseLine, r.buffer)
	s := &session{
		runner:  r,
		ctx:     ctx,
		kind:    kind,
		out:     out,
		machine: starlarkrun.NewMachine(),
		logger:  logger.WithRun(r.logger, runIDFrom(ctx), enclaveName),
	}
	go func() {
		defer close(out)
		s.run(enclaveName, params, dryRun, load)
	}()
	return out
}

// session is the producing side of a single run.
type session struct {
	runner       *Runner
	ctx          context.Context
	kind         RunKind
	out          chan<- starlarkrun.ResponseLine
	machine      *starlarkrun.Machine
	started      time.Time
	phaseStarted time.Time
	logger       *slog.Logger
}

func (s *session) emit(line starlarkrun.ResponseLine) bool {
	select {
	case s.out <- line:
		s.runner.observer.ObserveLine(s.kind, line)
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) advance(next starlarkrun.Phase) {
	now := time.Now()
	s.runner.observer.ObservePhase(s.kind, s.machine.Current(), now.Sub(s.phaseStarted))
	if err := s.machine.Advance(next); err != nil {
		s.logger.Error("非法的阶段迁移", slog.Any("error", err))
		return
	}
	s.phaseStarted = now
}

func (s *session) finish() {
	final := s.machine.Current()
	s.runner.observer.ObservePhase(s.kind, final, 0)
	s.runner.observer.ObserveRun(s.kind, final, time.Since(s.started))
}

func (s *session) fail(phase starlarkrun.Phase, code xerrors.Code, line *starlarkrun.Error, cause error) {
	s.advance(phase)
	s.logger.Warn("运行失败",
		slog.String("kind", string(s.kind)),
		slog.String("phase", string(phase)),
		slog.String("code", string(code)),
		slog.Any("error", cause))
	if s.emit(line) {
		s.emit(starlarkrun.NewRunFailureLine())
	}
}

func (s *session) run(enclaveName, params string, dryRun bool, load sourceLoader) {
	s.started = time.Now()
	s.phaseStarted = s.started
	defer s.finish()
	ctx := s.ctx

	s.advance(starlarkrun.PhaseInterpreting)
	enc, err := s.runner.registry.Get(enclaveName)
	if err != nil {
		s.failInterpretation(xerrors.CodeEnclaveNotFound, err.Error(), err)
		return
	}
	src, err := load(ctx)
	if err != nil {
		s.failInterpretation(xerrors.CodePackageResolution, err.Error(), err)
		return
	}
	interpretation, failure := s.runner.interpreter.Interpret(ctx, src, params)
	if failure != nil {
		s.failInterpretation(xerrors.CodeInterpretationFailed, failure.Message, failure)
		return
	}

	s.advance(starlarkrun.PhaseValidating)
	if !dryRun {
		release, err := enc.Acquire(ctx)
		if err != nil {
			s.failValidation("run cancelled while waiting for enclave '"+enclaveName+"'", err)
			return
		}
		defer release()
	}
	if err := s.validate(ctx, enc.Backend, interpretation.Instructions); err != nil {
		s.failValidation(err.Error(), err)
		return
	}

	if dryRun {
		if err := s.runner.executor.Execute(ctx, nil, true, interpretation.Instructions, s.emit); err != nil {
			return
		}
		s.advance(starlarkrun.PhaseCompleted)
		s.emit(starlarkrun.NewRunSuccessLine(interpretation.Output))
		return
	}

	s.advance(starlarkrun.PhaseExecuting)
	env := &ExecutionEnvironment{Backend: enc.Backend, Values: NewRuntimeValues()}
	if err := s.runner.executor.Execute(ctx, env, false, interpretation.Instructions, s.emit); err != nil {
		msg := err.Error()
		var failure *ExecutionFailure
		if !errors.As(err, &failure) {
			msg = "run aborted: " + msg
		}
		s.fail(starlarkrun.PhaseExecutionError, xerrors.CodeExecutionFailed, starlarkrun.NewExecutionErrorLine(msg), err)
		return
	}
	output := env.Values.ReplaceInJSON(ctx, enc.Backend, interpretation.Output)
	s.advance(starlarkrun.PhaseCompleted)
	s.logger.Info("运行完成",
		slog.String("kind", string(s.kind)),
		slog.Int("instructions", len(interpretation.Instructions)),
		slog.Duration("elapsed", time.Since(s.started)))
	s.emit(starlarkrun.NewRunSuccessLine(output))
}

func (s *session) failInterpretation(code xerrors.Code, msg string, cause error) {
	s.fail(starlarkrun.PhaseInterpretationError, code, starlarkrun.NewInterpretationErrorLine(msg), cause)
}

func (s *session) failValidation(msg string, cause error) {
	s.fail(starlarkrun.PhaseValidationError, xerrors.CodeValidationFailed, starlarkrun.NewValidationErrorLine(msg), cause)
}

// validate checks every instruction against the current enclave state and
// stops at the first failure.
func (s *session) validate(ctx context.Context, backend enclave.Backend, instructions []Instruction) error {
	services, err := backend.ListServices(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeEnclaveBackend, err, "list enclave services")
	}
	artifacts, err := backend.ListFilesArtifacts(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeEnclaveBackend, err, "list enclave files artifacts")
	}
	names := make([]string, 0, len(services))
	for _, svc := range services {
		names = append(names, svc.Name)
	}
	env := NewValidatorEnvironment(names, artifacts)
	for _, instr := range instructions {
		if err := instr.ValidateAndUpdate(env); err != nil {
			return err
		}
	}
	if images := env.RequiredImages(); len(images) > 0 {
		s.logger.Debug("运行所需镜像", slog.Any("images", images))
	}
	return nil
}

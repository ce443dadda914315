package run

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"enclaverun/internal/enclave"
	"enclaverun/internal/engine"
	xerrors "enclaverun/internal/errors"
	"enclaverun/internal/observability/alerting"
	"enclaverun/pkg/starlarkrun"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) ofType(typ EventType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAlerter) codes() []xerrors.Code {
	a.mu.Lock()
	defer a.mu.Unlock()
	codes := make([]xerrors.Code, 0, len(a.events))
	for _, e := range a.events {
		codes = append(codes, e.Code)
	}
	return codes
}

// abortingEngine closes every stream after one line without a finish event.
type abortingEngine struct {
	calls atomic.Int32
}

func (e *abortingEngine) RunScript(ctx context.Context, _ string, _ starlarkrun.RunScriptArgs) <-chan starlarkrun.ResponseLine {
	e.calls.Add(1)
	ch := make(chan starlarkrun.ResponseLine, 1)
	ch <- starlarkrun.NewProgressInfoLine("Starting execution", 0, 1)
	close(ch)
	return ch
}

func (e *abortingEngine) RunPackage(ctx context.Context, enclave string, _ starlarkrun.RunPackageArgs) <-chan starlarkrun.ResponseLine {
	return e.RunScript(ctx, enclave, starlarkrun.RunScriptArgs{})
}

func newEngine(t *testing.T) *engine.Runner {
	t.Helper()
	backend := enclave.NewMemoryBackend()
	registry := enclave.NewRegistry(func(context.Context, string) (enclave.Backend, error) {
		return backend, nil
	})
	if _, err := registry.Create(context.Background(), "test"); err != nil {
		t.Fatalf("create enclave: %v", err)
	}
	return engine.NewRunner(registry)
}

type harness struct {
	store   *MemoryStore
	queue   *MemoryQueue
	service *Service
	sink    *recordingSink
	alerts  *recordingAlerter
}

func startProcessor(t *testing.T, eng Engine, maxRetries int) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		store:  NewMemoryStore(),
		queue:  NewMemoryQueue(64),
		sink:   &recordingSink{},
		alerts: &recordingAlerter{},
	}
	h.service = NewService(h.store, h.queue, maxRetries)
	processor := NewProcessor(eng, h.store, h.queue, h.queue,
		WithWorkerCount(2),
		WithEventSink(h.sink),
		WithAlertDispatcher(h.alerts),
		WithIdleTimeout(5*time.Second))

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) submitScript(t *testing.T, id, script, params string) *Run {
	t.Helper()
	return submitAndWait(t, h.service, id, starlarkrun.NewRunScriptArgs(script, params, false))
}

func submitAndWait(t *testing.T, svc *Service, id string, args starlarkrun.RunScriptArgs) *Run {
	t.Helper()
	run, err := svc.Submit(context.Background(), SubmitRequest{ID: id, Enclave: "test", Script: &args})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := svc.WaitUntilCompleted(ctx, run.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for %s: %v", id, err)
	}
	return done
}

func TestProcessorRecordsSuccessfulRun(t *testing.T) {
	h := startProcessor(t, newEngine(t), 3)
	script := `def run(name):
    add_service("web", ServiceConfig(image = "nginx"))
    result = exec("web", ["echo", name])
    return {"out": result.output}
`
	run := h.submitScript(t, "ok", script, `{"name": "enclave"}`)
	if run.Status != StatusSucceeded || run.Phase != starlarkrun.PhaseCompleted {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.Output == nil || *run.Output != `{"out":"enclave\n"}` {
		t.Fatalf("unexpected output %v", run.Output)
	}

	lines, err := h.service.Lines(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("lines: %v", err)
	}
	if len(lines) != run.LineCount || len(lines) == 0 {
		t.Fatalf("line count mismatch: stored %d, recorded %d", len(lines), run.LineCount)
	}
	if finished, ok := lines[len(lines)-1].(*starlarkrun.RunFinishedEvent); !ok || !finished.IsRunSuccessful {
		t.Fatalf("last stored line must be the finish event, got %#v", lines[len(lines)-1])
	}

	lineEvents := h.sink.ofType(EventLine)
	if len(lineEvents) != len(lines) {
		t.Fatalf("expected %d line events, got %d", len(lines), len(lineEvents))
	}
	for i, e := range lineEvents {
		if e.Seq != i || e.RunID != "ok" {
			t.Fatalf("unexpected line event %d: %+v", i, e)
		}
	}
	statuses := h.sink.ofType(EventStatus)
	if len(statuses) != 2 || statuses[0].Status != StatusRunning || statuses[1].Status != StatusSucceeded {
		t.Fatalf("unexpected status events %+v", statuses)
	}
}

func TestProcessorDoesNotRetryStarlarkFailures(t *testing.T) {
	h := startProcessor(t, newEngine(t), 3)

	run := h.submitScript(t, "interp", "def run():\n    fail(\"nope\")\n", "")
	if run.Status != StatusFailed || run.Phase != starlarkrun.PhaseInterpretationError {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.ErrorCode != string(xerrors.CodeInterpretationFailed) || !strings.Contains(run.LastError, "nope") {
		t.Fatalf("unexpected failure details %+v", run)
	}
	if run.Attempts != 1 {
		t.Fatalf("starlark failures must not be retried, attempts=%d", run.Attempts)
	}

	exec := h.submitScript(t, "exec", "def run():\n    add_service(\"web\", ServiceConfig(image = \"nginx\"))\n    exec(\"web\", [\"false\"])\n", "")
	if exec.Status != StatusFailed || exec.Phase != starlarkrun.PhaseExecutionError || exec.Attempts != 1 {
		t.Fatalf("unexpected execution failure %+v", exec)
	}
	codes := h.alerts.codes()
	if len(codes) != 1 || codes[0] != xerrors.CodeExecutionFailed {
		t.Fatalf("expected a single execution alert, got %v", codes)
	}
}

func TestProcessorRetriesAbortedStreams(t *testing.T) {
	eng := &abortingEngine{}
	h := startProcessor(t, eng, 3)

	run := submitAndWait(t, h.service, "aborted", starlarkrun.NewRunScriptArgs("def run(): pass", "", true))
	if run.Status != StatusFailed || run.ErrorCode != string(xerrors.CodeStreamAborted) {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.Attempts != 3 || eng.calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got attempts=%d calls=%d", run.Attempts, eng.calls.Load())
	}
	lines, err := h.service.Lines(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("lines: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("lines of earlier attempts must be discarded, got %d", len(lines))
	}
}

func TestProcessorDoesNotRetryAbortedExecution(t *testing.T) {
	eng := &abortingEngine{}
	h := startProcessor(t, eng, 3)

	run := h.submitScript(t, "aborted", "def run(): pass", "")
	if run.Status != StatusFailed || run.ErrorCode != string(xerrors.CodeStreamAborted) || run.Phase != starlarkrun.PhaseExecuting {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.Attempts != 1 || eng.calls.Load() != 1 {
		t.Fatalf("a run that reached execution must not be retried, attempts=%d calls=%d", run.Attempts, eng.calls.Load())
	}
}

// flakyLineStore fails the first attempt to persist an instruction result.
type flakyLineStore struct {
	*MemoryStore
	failed atomic.Bool
}

func (s *flakyLineStore) AppendLine(ctx context.Context, runID string, seq int, line starlarkrun.ResponseLine) error {
	if _, ok := line.(*starlarkrun.InstructionResult); ok && s.failed.CompareAndSwap(false, true) {
		return xerrors.New(xerrors.CodeStorageFailure, "disk full")
	}
	return s.MemoryStore.AppendLine(ctx, runID, seq, line)
}

func TestProcessorKeepsAppliedChangesOnStorageFailure(t *testing.T) {
	backend := enclave.NewMemoryBackend()
	registry := enclave.NewRegistry(func(context.Context, string) (enclave.Backend, error) {
		return backend, nil
	})
	if _, err := registry.Create(context.Background(), "test"); err != nil {
		t.Fatalf("create enclave: %v", err)
	}
	store := &flakyLineStore{MemoryStore: NewMemoryStore()}
	queue := NewMemoryQueue(8)
	svc := NewService(store, queue, 3)
	processor := NewProcessor(engine.NewRunner(registry), store, queue, queue, WithIdleTimeout(5*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = processor.Start(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	script := "def run():\n    add_service(\"web\", ServiceConfig(image = \"nginx\"))\n"
	run := submitAndWait(t, svc, "web", starlarkrun.NewRunScriptArgs(script, "", false))
	if run.Status != StatusFailed || run.ErrorCode != string(xerrors.CodeStreamAborted) {
		t.Fatalf("expected an aborted run, got %+v", run)
	}
	if run.Attempts != 1 || run.Phase != starlarkrun.PhaseExecuting {
		t.Fatalf("applied changes must not be re-run, got attempts=%d phase=%s", run.Attempts, run.Phase)
	}
	if _, err := backend.GetService(context.Background(), "web"); err != nil {
		t.Fatalf("service added by the first attempt should remain: %v", err)
	}
}

func TestProcessorHandlesConcurrentRuns(t *testing.T) {
	h := startProcessor(t, newEngine(t), 3)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const total = 50
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		args := starlarkrun.NewRunScriptArgs("def run(n):\n    return n * 2\n", "", false).WithParams(strconv.Itoa(i))
		run, err := h.service.Submit(ctx, SubmitRequest{Enclave: "test", Script: &args})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids = append(ids, run.ID)
	}
	for i, id := range ids {
		run, err := h.service.WaitUntilCompleted(ctx, id, 5*time.Millisecond)
		if err != nil {
			t.Fatalf("wait %s: %v", id, err)
		}
		if want := strconv.Itoa(i * 2); run.Output == nil || *run.Output != want {
			t.Fatalf("run %d: expected output %s, got %v", i, want, run.Output)
		}
	}
	stats, err := h.service.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Succeeded != total {
		t.Fatalf("expected %d succeeded runs, got %+v", total, stats)
	}
}

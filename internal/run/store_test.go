package run

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	xerrors "enclaverun/internal/errors"
	"enclaverun/pkg/starlarkrun"
)

func newScriptRun(id, enclave string) *Run {
	args := starlarkrun.NewRunScriptArgs("def run():\n    return 1\n", "{}", false)
	return &Run{
		ID:         id,
		Enclave:    enclave,
		Kind:       KindScript,
		Request:    starlarkrun.MarshalRunScriptArgs(args),
		Status:     StatusPending,
		MaxRetries: 2,
	}
}

func newSQLiteTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// storeFactories runs the shared store contract against every backend that
// works without external services.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newSQLiteTestStore(t) },
	}
}

func TestStoreLifecycle(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			run := newScriptRun("r1", "test")
			if err := store.Create(ctx, run); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := store.Create(ctx, newScriptRun("r1", "test")); !errors.Is(err, ErrRunConflict) {
				t.Fatalf("expected conflict on duplicate id, got %v", err)
			}

			got, err := store.Get(ctx, "r1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Phase != starlarkrun.PhasePending || got.Kind != KindScript || got.Output != nil {
				t.Fatalf("unexpected stored run %+v", got)
			}
			args, err := got.ScriptArgs()
			if err != nil || args.SerializedParams != "{}" {
				t.Fatalf("request did not round trip: %+v err=%v", args, err)
			}

			claimed, err := store.Claim(ctx, "r1")
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if claimed.Status != StatusRunning || claimed.Attempts != 1 {
				t.Fatalf("unexpected claimed run %+v", claimed)
			}
			if _, err := store.Claim(ctx, "r1"); !errors.Is(err, ErrRunConflict) {
				t.Fatalf("expected conflict while running, got %v", err)
			}

			if err := store.MarkFailed(ctx, "r1", Failure{Code: CodeRunProcessing, Message: "stream lost", LineCount: 2}); err != nil {
				t.Fatalf("mark failed: %v", err)
			}
			retry, err := store.Get(ctx, "r1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if retry.Status != StatusPending || retry.ErrorCode != string(CodeRunProcessing) || retry.LastError != "stream lost" {
				t.Fatalf("non terminal failure should return to pending: %+v", retry)
			}
			if retry.Phase != starlarkrun.PhasePending {
				t.Fatalf("empty failure phase must keep the stored phase, got %s", retry.Phase)
			}

			if _, err := store.Claim(ctx, "r1"); err != nil {
				t.Fatalf("second claim: %v", err)
			}
			output := `{"answer":42}`
			if err := store.MarkSucceeded(ctx, "r1", Result{Phase: starlarkrun.PhaseCompleted, Output: &output, LineCount: 5}); err != nil {
				t.Fatalf("mark succeeded: %v", err)
			}
			done, err := store.Get(ctx, "r1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if done.Status != StatusSucceeded || done.Output == nil || *done.Output != output || done.LineCount != 5 || done.Attempts != 2 {
				t.Fatalf("unexpected finished run %+v", done)
			}
			if done.LastError != "" || done.ErrorCode != "" {
				t.Fatalf("success must clear the last error: %+v", done)
			}
			if _, err := store.Claim(ctx, "r1"); !errors.Is(err, ErrRunCompleted) {
				t.Fatalf("expected completed, got %v", err)
			}

			if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
			if err := store.MarkSucceeded(ctx, "missing", Result{}); !errors.Is(err, ErrRunNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestStoreClaimStopsAtMaxRetries(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			if err := store.Create(ctx, newScriptRun("r1", "test")); err != nil {
				t.Fatalf("create: %v", err)
			}
			for i := 0; i < 2; i++ {
				if _, err := store.Claim(ctx, "r1"); err != nil {
					t.Fatalf("claim %d: %v", i, err)
				}
				if err := store.MarkFailed(ctx, "r1", Failure{Code: CodeRunProcessing, Message: "retry"}); err != nil {
					t.Fatalf("mark failed: %v", err)
				}
			}
			if _, err := store.Claim(ctx, "r1"); !errors.Is(err, ErrRunExhausted) {
				t.Fatalf("expected exhausted, got %v", err)
			}
			if err := store.MarkFailed(ctx, "r1", Failure{Code: CodeRunExhausted, Phase: starlarkrun.PhaseExecutionError, Message: "gave up", Terminal: true}); err != nil {
				t.Fatalf("mark terminal: %v", err)
			}
			final, _ := store.Get(ctx, "r1")
			if final.Status != StatusFailed || final.Phase != starlarkrun.PhaseExecutionError {
				t.Fatalf("unexpected terminal run %+v", final)
			}
			if _, err := store.Claim(ctx, "r1"); !errors.Is(err, ErrRunCompleted) {
				t.Fatalf("terminal run must not be claimable, got %v", err)
			}
		})
	}
}

func TestStoreLines(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			if err := store.Create(ctx, newScriptRun("r1", "test")); err != nil {
				t.Fatalf("create: %v", err)
			}
			written := []starlarkrun.ResponseLine{
				starlarkrun.NewProgressInfoLine("Starting execution", 0, 1),
				starlarkrun.NewInstructionResultLine("hello"),
				starlarkrun.NewExecutionErrorLine("boom"),
				starlarkrun.NewRunFailureLine(),
			}
			for seq, line := range written {
				if err := store.AppendLine(ctx, "r1", seq, line); err != nil {
					t.Fatalf("append %d: %v", seq, err)
				}
			}
			if err := store.AppendLine(ctx, "r1", 1, starlarkrun.NewInstructionResultLine("dup")); !xerrors.HasCode(err, CodeRunConflict) {
				t.Fatalf("expected conflict for reused seq, got %v", err)
			}

			lines, err := store.Lines(ctx, "r1")
			if err != nil {
				t.Fatalf("lines: %v", err)
			}
			if len(lines) != len(written) {
				t.Fatalf("expected %d lines, got %d", len(written), len(lines))
			}
			if res, ok := lines[1].(*starlarkrun.InstructionResult); !ok || res.SerializedInstructionResult != "hello" {
				t.Fatalf("unexpected second line %#v", lines[1])
			}
			if e, ok := lines[2].(*starlarkrun.Error); !ok || e.Detail.Phase() != starlarkrun.PhaseExecutionError {
				t.Fatalf("unexpected error line %#v", lines[2])
			}

			if err := store.ResetLines(ctx, "r1"); err != nil {
				t.Fatalf("reset: %v", err)
			}
			lines, err = store.Lines(ctx, "r1")
			if err != nil || len(lines) != 0 {
				t.Fatalf("expected no lines after reset, got %d err=%v", len(lines), err)
			}
			if _, err := store.Lines(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().Add(-2 * time.Minute)

	for _, run := range []*Run{newScriptRun("r1", "alpha"), newScriptRun("r2", "alpha"), newScriptRun("r3", "beta")} {
		if err := store.Create(ctx, run); err != nil {
			t.Fatalf("create %s: %v", run.ID, err)
		}
	}
	if err := store.MarkFailed(ctx, "r2", Failure{Code: "EXECUTION_FAILED", Message: "boom", Terminal: true}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	output := "42"
	if err := store.MarkSucceeded(ctx, "r3", Result{Phase: starlarkrun.PhaseCompleted, Output: &output}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.runs["r1"].UpdatedAt = base.Unix()
	store.runs["r2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.runs["r3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "r3" {
		t.Fatalf("expected newest run first, got %+v", all)
	}

	asc, _ := store.List(ctx, BuildListOptions(WithSortOrder(SortByUpdatedAsc), WithLimit(1), WithOffset(1)))
	if len(asc) != 1 || asc[0].ID != "r2" {
		t.Fatalf("unexpected page %+v", asc)
	}

	failed, _ := store.List(ctx, BuildListOptions(WithStatuses(StatusFailed, "bogus")))
	if len(failed) != 1 || failed[0].ID != "r2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	alpha, _ := store.List(ctx, BuildListOptions(WithEnclave("alpha")))
	if len(alpha) != 2 {
		t.Fatalf("expected 2 alpha runs, got %d", len(alpha))
	}

	withOutput, _ := store.List(ctx, BuildListOptions(WithOutputPresence(true)))
	if len(withOutput) != 1 || withOutput[0].ID != "r3" {
		t.Fatalf("unexpected output filter result: %+v", withOutput)
	}

	recent, _ := store.List(ctx, BuildListOptions(WithUpdatedSince(base.Add(20*time.Second))))
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent runs, got %d", len(recent))
	}

	queried, _ := store.List(ctx, BuildListOptions(WithQuery("boom")))
	if len(queried) != 1 || queried[0].ID != "r2" {
		t.Fatalf("unexpected query result: %+v", queried)
	}

	stats, err := store.Stats(ctx, BuildListOptions())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.OldestUpdatedAt != base.Unix() || stats.NewestUpdatedAt != base.Add(60*time.Second).Unix() {
		t.Fatalf("unexpected stats range %+v", stats)
	}
}

func TestSQLStoreListAndStats(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	for _, run := range []*Run{newScriptRun("r1", "alpha"), newScriptRun("r2", "alpha"), newScriptRun("r3", "beta")} {
		if err := store.Create(ctx, run); err != nil {
			t.Fatalf("create %s: %v", run.ID, err)
		}
	}
	if err := store.MarkFailed(ctx, "r2", Failure{Code: "EXECUTION_FAILED", Message: "boom", Terminal: true}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	output := "42"
	if err := store.MarkSucceeded(ctx, "r3", Result{Phase: starlarkrun.PhaseCompleted, Output: &output}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	alpha, err := store.List(ctx, BuildListOptions(WithEnclave("alpha"), WithSortOrder(SortByUpdatedAsc)))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(alpha) != 2 {
		t.Fatalf("expected 2 alpha runs, got %d", len(alpha))
	}

	withOutput, _ := store.List(ctx, BuildListOptions(WithOutputPresence(true)))
	if len(withOutput) != 1 || withOutput[0].ID != "r3" || *withOutput[0].Output != "42" {
		t.Fatalf("unexpected output filter result: %+v", withOutput)
	}
	withoutOutput, _ := store.List(ctx, BuildListOptions(WithOutputPresence(false), WithKind(KindScript)))
	if len(withoutOutput) != 2 {
		t.Fatalf("expected 2 runs without output, got %d", len(withoutOutput))
	}

	queried, _ := store.List(ctx, BuildListOptions(WithQuery("boom")))
	if len(queried) != 1 || queried[0].ID != "r2" {
		t.Fatalf("unexpected query result: %+v", queried)
	}

	page, _ := store.List(ctx, BuildListOptions(WithLimit(2), WithOffset(2)))
	if len(page) != 1 {
		t.Fatalf("expected last page of 1, got %d", len(page))
	}

	stats, err := store.Stats(ctx, BuildListOptions(WithEnclave("alpha")))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	empty, err := store.Stats(ctx, BuildListOptions(WithEnclave("nobody")))
	if err != nil || empty.Total != 0 || empty.NewestUpdatedAt != 0 {
		t.Fatalf("unexpected empty stats %+v err=%v", empty, err)
	}
}

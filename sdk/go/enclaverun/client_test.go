package enclaverun

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"enclaverun/internal/api"
	"enclaverun/internal/enclave"
	"enclaverun/internal/engine"
	"enclaverun/internal/run"
	"enclaverun/pkg/starlarkrun"
)

func newTestAPI(t *testing.T) (*Client, *run.MemoryStore) {
	t.Helper()
	registry := enclave.NewRegistry(nil)
	if _, err := registry.Create(context.Background(), "test"); err != nil {
		t.Fatalf("create enclave: %v", err)
	}
	runner := engine.NewRunner(registry)
	store := run.NewMemoryStore()
	queue := run.NewMemoryQueue(16)
	svc := run.NewService(store, queue, 3)

	ctx, cancel := context.WithCancel(context.Background())
	processor := run.NewProcessor(runner, store, queue, queue, run.WithWorkerCount(1))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = processor.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := httptest.NewServer(api.NewServer(":0", runner, registry, api.WithRunService(svc)).Handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, srv.Client()), store
}

func TestRunScriptStreamsLines(t *testing.T) {
	for _, enc := range []starlarkrun.Encoding{starlarkrun.EncodingNDJSON, starlarkrun.EncodingProtobuf} {
		client, _ := newTestAPI(t)
		client.SetEncoding(enc)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

		stream, err := client.RunScript(ctx, "test", starlarkrun.NewRunScriptArgs("def run(a, b):\n    return a + b\n", `{"a": 1, "b": 2}`, false))
		if err != nil {
			cancel()
			t.Fatalf("%s: run script: %v", enc, err)
		}
		outcome, err := starlarkrun.Collect(ctx, stream)
		_ = stream.Close()
		cancel()
		if err != nil {
			t.Fatalf("%s: collect: %v", enc, err)
		}
		if !outcome.Succeeded() || outcome.Output() != "3" {
			t.Fatalf("%s: unexpected outcome %+v", enc, outcome)
		}
		if stream.RunID() == "" {
			t.Fatalf("%s: run id missing", enc)
		}
	}
}

func TestSubmitRunAndWait(t *testing.T) {
	client, _ := newTestAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	args := starlarkrun.NewRunScriptArgs("def run():\n    print(\"hi\")\n    return \"done\"\n", "", false)
	submitted, err := client.SubmitRun(ctx, RunSubmission{ID: "async-1", Enclave: "test", Script: &args})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.ID != "async-1" || submitted.Kind != "script" {
		t.Fatalf("unexpected run %+v", submitted)
	}
	finished, err := client.WaitForRun(ctx, submitted.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if finished.Status != "succeeded" || finished.Output == nil || *finished.Output != `"done"` {
		t.Fatalf("unexpected finished run %+v", finished)
	}

	lines, err := client.RunLines(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("lines: %v", err)
	}
	if len(lines) != finished.LineCount {
		t.Fatalf("expected %d lines, got %d", finished.LineCount, len(lines))
	}

	runs, err := client.ListRuns(ctx, ListRunsOptions{Statuses: []string{"succeeded"}, Enclave: "test"})
	if err != nil || len(runs) != 1 {
		t.Fatalf("unexpected list %+v err=%v", runs, err)
	}
	stats, err := client.RunStats(ctx)
	if err != nil || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats %+v err=%v", stats, err)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	client, _ := newTestAPI(t)
	ctx := context.Background()

	_, err := client.GetRun(ctx, "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "RUN_NOT_FOUND" {
		t.Fatalf("unexpected error %v", err)
	}
	if _, err := client.SubmitRun(ctx, RunSubmission{Enclave: "test"}); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEnclaves(t *testing.T) {
	client, _ := newTestAPI(t)
	ctx := context.Background()
	if _, err := client.CreateEnclave(ctx, "dev"); err != nil {
		t.Fatalf("create: %v", err)
	}
	enclaves, err := client.ListEnclaves(ctx)
	if err != nil || len(enclaves) != 2 {
		t.Fatalf("unexpected enclaves %+v err=%v", enclaves, err)
	}
}

func TestAccessTokenIsSent(t *testing.T) {
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, `{"total": 0}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	client.SetAccessToken("abc123")
	if _, err := client.RunStats(context.Background()); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if header != "Bearer abc123" {
		t.Fatalf("unexpected authorization header %q", header)
	}
}

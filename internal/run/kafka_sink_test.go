package run

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	kafkago "github.com/segmentio/kafka-go"

	"enclaverun/pkg/starlarkrun"
)

type fakeWriter struct {
	messages []kafkago.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSinkPublishesKeyedEvents(t *testing.T) {
	writer := &fakeWriter{}
	sink := newKafkaSink(writer)
	run := &Run{ID: "run-1", Enclave: "test", Attempts: 1}

	event, err := NewLineEvent(run, 3, starlarkrun.NewInstructionResultLine("done"))
	if err != nil {
		t.Fatalf("line event: %v", err)
	}
	if err := sink.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(writer.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(writer.messages))
	}
	msg := writer.messages[0]
	if string(msg.Key) != "run-1" {
		t.Fatalf("unexpected key %q", msg.Key)
	}
	if len(msg.Headers) != 1 || msg.Headers[0].Key != "type" || string(msg.Headers[0].Value) != "line" {
		t.Fatalf("unexpected headers %+v", msg.Headers)
	}

	var decoded Event
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Seq != 3 || decoded.Attempt != 1 || decoded.Type != EventLine {
		t.Fatalf("unexpected event %+v", decoded)
	}
	line, err := starlarkrun.UnmarshalJSONLine(decoded.Line)
	if err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if result, ok := line.(*starlarkrun.InstructionResult); !ok || result.SerializedInstructionResult != "done" {
		t.Fatalf("unexpected line %#v", line)
	}

	if err := sink.Close(); err != nil || !writer.closed {
		t.Fatalf("close: err=%v closed=%v", err, writer.closed)
	}
}

func TestKafkaSinkWrapsWriterErrors(t *testing.T) {
	writer := &fakeWriter{err: errors.New("leader not available")}
	sink := newKafkaSink(writer)
	err := sink.Publish(context.Background(), NewStatusEvent(&Run{ID: "r"}, StatusRunning, starlarkrun.PhaseInterpreting))
	if err == nil || !errors.Is(err, writer.err) {
		t.Fatalf("expected wrapped writer error, got %v", err)
	}
}

func TestNewKafkaSinkValidatesConfig(t *testing.T) {
	if _, err := NewKafkaSink(KafkaSinkConfig{Topic: "runs"}); err == nil {
		t.Fatalf("expected error without brokers")
	}
	if _, err := NewKafkaSink(KafkaSinkConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatalf("expected error without topic")
	}
}

func TestFanoutSinkJoinsErrors(t *testing.T) {
	good := &recordingSink{}
	bad := newKafkaSink(&fakeWriter{err: errors.New("down")})
	fanout := FanoutSink{good, nil, bad}
	err := fanout.Publish(context.Background(), NewStatusEvent(&Run{ID: "r"}, StatusSucceeded, starlarkrun.PhaseCompleted))
	if err == nil {
		t.Fatalf("expected error from failing sink")
	}
	if len(good.events) != 1 {
		t.Fatalf("healthy sink must still receive the event")
	}
}

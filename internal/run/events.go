package run

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"time"

	"enclaverun/pkg/starlarkrun"
)

// EventType 区分运行事件。
type EventType string

const (
	// EventLine 携带运行产生的一行响应。
	EventLine EventType = "line"
	// EventStatus 携带运行状态的变化。
	EventStatus EventType = "status"
)

// Event 是发布给外部订阅者的运行事件。Line 使用与 NDJSON 流相同的编码。
type Event struct {
	Type       EventType         `json:"type"`
	RunID      string            `json:"run_id"`
	Enclave    string            `json:"enclave"`
	Seq        int               `json:"seq,omitempty"`
	Line       json.RawMessage   `json:"line,omitempty"`
	Status     Status            `json:"status,omitempty"`
	Phase      starlarkrun.Phase `json:"phase,omitempty"`
	Attempt    int               `json:"attempt,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// NewLineEvent 构造响应行事件。
func NewLineEvent(run *Run, seq int, line starlarkrun.ResponseLine) (Event, error) {
	payload, err := starlarkrun.MarshalJSONLine(line)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:       EventLine,
		RunID:      run.ID,
		Enclave:    run.Enclave,
		Seq:        seq,
		Line:       payload,
		Attempt:    run.Attempts,
		OccurredAt: time.Now(),
	}, nil
}

// NewStatusEvent 构造状态事件。
func NewStatusEvent(run *Run, status Status, phase starlarkrun.Phase) Event {
	return Event{
		Type:       EventStatus,
		RunID:      run.ID,
		Enclave:    run.Enclave,
		Status:     status,
		Phase:      phase,
		Attempt:    run.Attempts,
		OccurredAt: time.Now(),
	}
}

// Sink 接收运行事件。实现需要支持并发调用。
type Sink interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// FanoutSink 将事件广播给多个 Sink。
type FanoutSink []Sink

// Publish 实现 Sink 接口。
func (f FanoutSink) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

// Close 关闭所有 Sink。
func (f FanoutSink) Close() error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

// LogSink 将状态事件写入日志，响应行只在 debug 级别输出。
type LogSink struct {
	Logger *slog.Logger
}

// Publish 实现 Sink 接口。
func (s LogSink) Publish(ctx context.Context, event Event) error {
	if s.Logger == nil {
		return nil
	}
	level := slog.LevelInfo
	if event.Type == EventLine {
		level = slog.LevelDebug
	}
	s.Logger.Log(ctx, level, "运行事件",
		slog.String("type", string(event.Type)),
		slog.String("run_id", event.RunID),
		slog.String("enclave", event.Enclave),
		slog.String("status", string(event.Status)),
		slog.String("phase", string(event.Phase)),
		slog.Int("seq", event.Seq))
	return nil
}

// Close 实现 Sink 接口。
func (LogSink) Close() error { return nil }

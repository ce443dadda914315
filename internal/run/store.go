package run

import (
	"context"

	"enclaverun/pkg/starlarkrun"
)

// Store 抽象了运行状态的持久化接口。
type Store interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// Claim 将 pending 状态的运行标记为 running 并增加尝试次数。
	Claim(ctx context.Context, id string) (*Run, error)
	MarkSucceeded(ctx context.Context, id string, result Result) error
	MarkFailed(ctx context.Context, id string, failure Failure) error
	List(ctx context.Context, opts ListOptions) ([]*Run, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	LineStore
	Close() error
}

// LineStore 保存运行产生的响应行，seq 从 0 开始连续递增。
type LineStore interface {
	AppendLine(ctx context.Context, runID string, seq int, line starlarkrun.ResponseLine) error
	Lines(ctx context.Context, runID string) ([]starlarkrun.ResponseLine, error)
	// ResetLines 删除运行已有的响应行，重试前调用。
	ResetLines(ctx context.Context, runID string) error
}

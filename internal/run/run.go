// Package run queues Starlark runs for asynchronous execution and keeps
// their state and response lines in a store.
package run

import (
	stdErrors "errors"
	"fmt"
	"net/http"

	xerrors "enclaverun/internal/errors"
	"enclaverun/pkg/starlarkrun"
)

// Status 表示运行在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Kind 区分脚本运行与包运行。
type Kind string

const (
	KindScript  Kind = "script"
	KindPackage Kind = "package"
)

// Run 描述一次排队执行的 Starlark 运行。
type Run struct {
	ID         string            `json:"id"`
	Enclave    string            `json:"enclave"`
	Kind       Kind              `json:"kind"`
	Request    []byte            `json:"-"`
	DryRun     bool              `json:"dry_run"`
	Status     Status            `json:"status"`
	Phase      starlarkrun.Phase `json:"phase"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	LastError  string            `json:"last_error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Output     *string           `json:"output,omitempty"`
	LineCount  int               `json:"line_count"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

// Finished 报告运行是否已到达终态。
func (r *Run) Finished() bool {
	return r != nil && (r.Status == StatusSucceeded || r.Status == StatusFailed)
}

// ScriptArgs 解码脚本运行的请求。
func (r *Run) ScriptArgs() (starlarkrun.RunScriptArgs, error) {
	if r.Kind != KindScript {
		return starlarkrun.RunScriptArgs{}, fmt.Errorf("run %s is a %s run", r.ID, r.Kind)
	}
	return starlarkrun.UnmarshalRunScriptArgs(r.Request)
}

// PackageArgs 解码包运行的请求。
func (r *Run) PackageArgs() (starlarkrun.RunPackageArgs, error) {
	if r.Kind != KindPackage {
		return starlarkrun.RunPackageArgs{}, fmt.Errorf("run %s is a %s run", r.ID, r.Kind)
	}
	return starlarkrun.UnmarshalRunPackageArgs(r.Request)
}

// Result 是运行成功结束时写回存储的内容。
type Result struct {
	Phase     starlarkrun.Phase
	Output    *string
	LineCount int
}

// Failure 是运行失败时写回存储的内容。Terminal 为 false 时运行回到
// pending 状态等待重试。
type Failure struct {
	Code      xerrors.Code
	Phase     starlarkrun.Phase
	Message   string
	LineCount int
	Terminal  bool
}

var (
	// ErrRunNotFound 表示指定的运行不存在。
	ErrRunNotFound = xerrors.New(CodeRunNotFound, "run not found")
	// ErrRunConflict 表示运行在当前状态下无法进行所请求的操作。
	ErrRunConflict = xerrors.New(CodeRunConflict, "run conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRunCompleted 表示运行已经结束。
	ErrRunCompleted = xerrors.New(CodeRunCompleted, "run already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrRunExhausted 表示运行的重试次数已经耗尽。
	ErrRunExhausted = xerrors.New(CodeRunExhausted, "run retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeRunNotFound   xerrors.Code = "RUN_NOT_FOUND"
	CodeRunConflict   xerrors.Code = "RUN_CONFLICT"
	CodeRunCompleted  xerrors.Code = "RUN_COMPLETED"
	CodeRunExhausted  xerrors.Code = "RUN_RETRIES_EXHAUSTED"
	CodeRunValidation xerrors.Code = "RUN_VALIDATION_FAILED"
	CodeRunPublish    xerrors.Code = "RUN_PUBLISH_FAILED"
	CodeRunProcessing xerrors.Code = "RUN_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeRunNotFound, xerrors.Attributes{
		Message:  "run not found",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusNotFound,
	})
	xerrors.Register(CodeRunConflict, xerrors.Attributes{
		Message:  "run conflict",
		Severity: xerrors.SeverityWarning,
		Status:   http.StatusConflict,
	})
	xerrors.Register(CodeRunCompleted, xerrors.Attributes{
		Message:  "run already completed",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusConflict,
	})
	xerrors.Register(CodeRunExhausted, xerrors.Attributes{
		Message:  "run retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
		Status:   http.StatusInternalServerError,
	})
	xerrors.Register(CodeRunValidation, xerrors.Attributes{
		Message:  "run validation failed",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusBadRequest,
	})
	xerrors.Register(CodeRunPublish, xerrors.Attributes{
		Message:   "failed to publish run",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
		Status:    http.StatusBadGateway,
	})
	xerrors.Register(CodeRunProcessing, xerrors.Attributes{
		Message:   "run processing failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
		Status:    http.StatusInternalServerError,
	})
}

// IsRunError 判断错误是否为指定的运行错误。
func IsRunError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch target {
	case CodeRunNotFound:
		return stdErrors.Is(err, ErrRunNotFound)
	case CodeRunConflict:
		return stdErrors.Is(err, ErrRunConflict)
	case CodeRunCompleted:
		return stdErrors.Is(err, ErrRunCompleted)
	case CodeRunExhausted:
		return stdErrors.Is(err, ErrRunExhausted)
	}
	return xerrors.HasCode(err, target)
}

// IsValidStatus 检查给定的运行状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneRun(r *Run) *Run {
	clone := *r
	if r.Request != nil {
		clone.Request = append([]byte(nil), r.Request...)
	}
	if r.Output != nil {
		out := *r.Output
		clone.Output = &out
	}
	return &clone
}

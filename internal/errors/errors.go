// Package errors 定义带错误码的统一错误类型。错误码的默认行为（严重程度、
// 是否重试、是否告警、HTTP 状态）集中登记，各业务包在 init 中注册自己的错误码。
package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"

	CodeInterpretationFailed Code = "INTERPRETATION_FAILED"
	CodeValidationFailed     Code = "VALIDATION_FAILED"
	CodeExecutionFailed      Code = "EXECUTION_FAILED"
	CodePackageResolution    Code = "PACKAGE_RESOLUTION_FAILED"
	CodeEnclaveNotFound      Code = "ENCLAVE_NOT_FOUND"
	CodeEnclaveBackend       Code = "ENCLAVE_BACKEND_FAILURE"
	CodeStreamAborted        Code = "STREAM_ABORTED"
)

// Attributes 为错误码提供默认行为。Status 为 0 时按 500 处理。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
	Status    int
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {"unknown error", SeverityCritical, false, true, http.StatusInternalServerError},
		CodeInvalidArgument:       {"invalid argument", SeverityInfo, false, false, http.StatusBadRequest},
		CodeInitializationFailure: {"service not initialized", SeverityWarning, true, true, http.StatusServiceUnavailable},
		CodeStorageFailure:        {"storage failure", SeverityCritical, true, true, http.StatusInternalServerError},

		// 引擎阶段失败属于运行结果，不重试。
		CodeInterpretationFailed: {"starlark interpretation failed", SeverityInfo, false, false, http.StatusBadRequest},
		CodeValidationFailed:     {"starlark plan validation failed", SeverityInfo, false, false, http.StatusBadRequest},
		CodeExecutionFailed:      {"starlark instruction execution failed", SeverityWarning, false, true, http.StatusInternalServerError},
		CodePackageResolution:    {"starlark package could not be resolved", SeverityInfo, false, false, http.StatusBadRequest},
		CodeEnclaveNotFound:      {"enclave not found", SeverityInfo, false, false, http.StatusNotFound},

		CodeEnclaveBackend: {"enclave backend failure", SeverityCritical, true, true, http.StatusBadGateway},
		CodeStreamAborted:  {"response stream ended before run finished", SeverityWarning, true, true, http.StatusBadGateway},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息，API 错误响应会原样返回。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖错误码默认的重试策略。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建错误；message 为空时使用错误码登记的描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 使 errors.Is 按错误码比较。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含错误码与原因的描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

func as(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误链中最外层统一错误的错误码。
func CodeOf(err error) Code {
	if e, ok := as(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HasCode 判断 error 链中是否包含指定错误码。
func HasCode(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.code == code {
			return true
		}
		err = stdErrors.Unwrap(err)
	}
	return false
}

// MetadataOf 合并错误链上所有统一错误附带的信息，外层优先。
func MetadataOf(err error) map[string]string {
	var out map[string]string
	for err != nil {
		if e, ok := err.(*Error); ok && len(e.metadata) > 0 {
			if out == nil {
				out = make(map[string]string, len(e.metadata))
			}
			for k, v := range e.metadata {
				if _, exists := out[k]; !exists {
					out[k] = v
				}
			}
		}
		err = stdErrors.Unwrap(err)
	}
	return out
}

// HTTPStatus 返回错误码登记的 HTTP 状态码。
func HTTPStatus(err error) int {
	if status := AttributesOf(CodeOf(err)).Status; status != 0 {
		return status
	}
	return http.StatusInternalServerError
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := as(err); ok {
		return e.Retryable()
	}
	return false
}

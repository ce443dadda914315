// Package rpc serves the Starlark run protocol over gRPC. Messages are
// encoded with the hand written wire functions of pkg/starlarkrun, so no
// generated bindings are involved.
package rpc

import (
	"fmt"

	"enclaverun/pkg/starlarkrun"
)

// responseLine 承载一行响应；ResponseLine 是接口，无法直接作为消息。
type responseLine struct {
	Line starlarkrun.ResponseLine
}

// Codec 使用 starlarkrun 的线格式编解码消息。名称沿用 "proto"，
// 与使用生成代码的客户端保持兼容。
type Codec struct{}

// Name 实现 encoding.Codec。
func (Codec) Name() string { return "proto" }

// Marshal 实现 encoding.Codec。
func (Codec) Marshal(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *starlarkrun.RunScriptArgs:
		return starlarkrun.MarshalRunScriptArgs(*msg), nil
	case *starlarkrun.RunPackageArgs:
		return starlarkrun.MarshalRunPackageArgs(*msg), nil
	case *responseLine:
		return starlarkrun.MarshalResponseLine(msg.Line)
	default:
		return nil, fmt.Errorf("rpc codec: unsupported message type %T", v)
	}
}

// Unmarshal 实现 encoding.Codec。
func (Codec) Unmarshal(data []byte, v any) error {
	var err error
	switch msg := v.(type) {
	case *starlarkrun.RunScriptArgs:
		*msg, err = starlarkrun.UnmarshalRunScriptArgs(data)
	case *starlarkrun.RunPackageArgs:
		*msg, err = starlarkrun.UnmarshalRunPackageArgs(data)
	case *responseLine:
		msg.Line, err = starlarkrun.UnmarshalResponseLine(data)
	default:
		err = fmt.Errorf("rpc codec: unsupported message type %T", v)
	}
	return err
}

package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"enclaverun/internal/auth"
	"enclaverun/pkg/starlarkrun"
)

// Client 调用 ApiContainerService 的流式方法。
type Client struct {
	conn  grpc.ClientConnInterface
	token string
}

// NewClient 基于已有连接创建客户端。token 为空时不携带认证信息。
func NewClient(conn grpc.ClientConnInterface, token string) *Client {
	return &Client{conn: conn, token: token}
}

// RunScript 发起脚本运行，返回的 LineStream 实现 starlarkrun.LineSource。
func (c *Client) RunScript(ctx context.Context, enclave string, args starlarkrun.RunScriptArgs) (*LineStream, error) {
	return c.open(ctx, enclave, 0, &args)
}

// RunPackage 发起包运行。
func (c *Client) RunPackage(ctx context.Context, enclave string, args starlarkrun.RunPackageArgs) (*LineStream, error) {
	return c.open(ctx, enclave, 1, &args)
}

func (c *Client) open(ctx context.Context, enclave string, idx int, req any) (*LineStream, error) {
	desc := &serviceDesc.Streams[idx]
	ctx = metadata.AppendToOutgoingContext(ctx, EnclaveMetadataKey, enclave)
	ctx = auth.BearerMetadata(ctx, c.token)
	stream, err := c.conn.NewStream(ctx, desc, "/"+ServiceName+"/"+desc.StreamName, grpc.ForceCodec(Codec{}))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &LineStream{stream: stream}, nil
}

// LineStream 逐行读取服务端响应，结束时返回 io.EOF。
type LineStream struct {
	stream grpc.ClientStream
}

// Recv 实现 starlarkrun.LineSource。
func (s *LineStream) Recv() (starlarkrun.ResponseLine, error) {
	var msg responseLine
	if err := s.stream.RecvMsg(&msg); err != nil {
		return nil, err
	}
	return msg.Line, nil
}

// RunID 返回服务端分配的运行标识，需在首行到达后调用。
func (s *LineStream) RunID() string {
	md, err := s.stream.Header()
	if err != nil {
		return ""
	}
	if values := md.Get(RunIDMetadataKey); len(values) > 0 {
		return values[0]
	}
	return ""
}

var _ starlarkrun.LineSource = (*LineStream)(nil)

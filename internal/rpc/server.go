package rpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"enclaverun/internal/auth"
	"enclaverun/internal/engine"
	"enclaverun/pkg/logger"
	"enclaverun/pkg/starlarkrun"
)

const (
	// ServiceName 与 Kurtosis API container 的服务名保持一致。
	ServiceName = "api_container_api.ApiContainerService"
	// EnclaveMetadataKey 选择运行所在的 enclave。
	EnclaveMetadataKey = "x-enclave"
	// RunIDMetadataKey 在响应头中返回运行标识。
	RunIDMetadataKey = "x-run-id"

	runScriptMethod  = "RunStarlarkScript"
	runPackageMethod = "RunStarlarkPackage"
)

// Engine 是 gRPC 层执行运行所需的能力。
type Engine interface {
	RunScript(ctx context.Context, enclave string, args starlarkrun.RunScriptArgs) <-chan starlarkrun.ResponseLine
	RunPackage(ctx context.Context, enclave string, args starlarkrun.RunPackageArgs) <-chan starlarkrun.ResponseLine
}

// StarlarkServer 是服务端需要实现的方法集合。
type StarlarkServer interface {
	RunStarlarkScript(args *starlarkrun.RunScriptArgs, stream grpc.ServerStream) error
	RunStarlarkPackage(args *starlarkrun.RunPackageArgs, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StarlarkServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{StreamName: runScriptMethod, Handler: runScriptHandler, ServerStreams: true},
		{StreamName: runPackageMethod, Handler: runPackageHandler, ServerStreams: true},
	},
	Metadata: "api_container_service.proto",
}

func runScriptHandler(srv any, stream grpc.ServerStream) error {
	args := new(starlarkrun.RunScriptArgs)
	if err := stream.RecvMsg(args); err != nil {
		return err
	}
	return srv.(StarlarkServer).RunStarlarkScript(args, stream)
}

func runPackageHandler(srv any, stream grpc.ServerStream) error {
	args := new(starlarkrun.RunPackageArgs)
	if err := stream.RecvMsg(args); err != nil {
		return err
	}
	return srv.(StarlarkServer).RunStarlarkPackage(args, stream)
}

// Service 将引擎适配为 gRPC 服务。
type Service struct {
	engine Engine
	logger *slog.Logger
}

// NewService 创建 Service。
func NewService(engine Engine) *Service {
	return &Service{engine: engine, logger: logger.Named("rpc")}
}

// RunStarlarkScript 实现 StarlarkServer。
func (s *Service) RunStarlarkScript(args *starlarkrun.RunScriptArgs, stream grpc.ServerStream) error {
	return s.stream(stream, func(ctx context.Context, enclave string) <-chan starlarkrun.ResponseLine {
		return s.engine.RunScript(ctx, enclave, *args)
	})
}

// RunStarlarkPackage 实现 StarlarkServer。
func (s *Service) RunStarlarkPackage(args *starlarkrun.RunPackageArgs, stream grpc.ServerStream) error {
	return s.stream(stream, func(ctx context.Context, enclave string) <-chan starlarkrun.ResponseLine {
		return s.engine.RunPackage(ctx, enclave, *args)
	})
}

func (s *Service) stream(stream grpc.ServerStream, start func(ctx context.Context, enclave string) <-chan starlarkrun.ResponseLine) error {
	enclave := enclaveFrom(stream.Context())
	if enclave == "" {
		return status.Error(codes.InvalidArgument, "missing "+EnclaveMetadataKey+" metadata")
	}
	runID := uuid.NewString()
	if err := stream.SetHeader(metadata.Pairs(RunIDMetadataKey, runID)); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(engine.ContextWithRunID(stream.Context(), runID))
	defer cancel()

	lines := start(ctx, enclave)
	sent := 0
	for line := range lines {
		if err := stream.SendMsg(&responseLine{Line: line}); err != nil {
			cancel()
			for range lines {
			}
			s.logger.Warn("响应流中断",
				slog.String("run_id", runID),
				slog.String("enclave", enclave),
				slog.Int("lines", sent),
				slog.Any("error", err))
			return err
		}
		sent++
	}
	if err := stream.Context().Err(); err != nil {
		return status.FromContextError(err).Err()
	}
	return nil
}

func enclaveFrom(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(EnclaveMetadataKey); len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}

// NewServer 构建注册了运行服务的 gRPC 服务器。authSvc 可以为 nil。
func NewServer(engine Engine, authSvc *auth.Service, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ForceServerCodec(Codec{})}, opts...)
	if authSvc != nil {
		opts = append(opts, grpc.ChainStreamInterceptor(authSvc.StreamServerInterceptor(auth.PermissionRunsWrite)))
	}
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&serviceDesc, NewService(engine))
	return srv
}

// Serve 在 addr 上监听直到 ctx 取消，随后优雅停止。
func Serve(ctx context.Context, srv *grpc.Server, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()
	logger.Named("rpc").Info("gRPC 服务已启动", slog.String("address", addr))

	select {
	case <-ctx.Done():
		srv.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

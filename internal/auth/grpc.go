package auth

import (
	"context"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// StreamServerInterceptor 对流式 RPC 执行与 HTTP 中间件相同的认证和授权。
func (s *Service) StreamServerInterceptor(perms ...string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !s.Enabled() {
			return handler(srv, ss)
		}
		var header string
		if md, ok := metadata.FromIncomingContext(ss.Context()); ok {
			if values := md.Get("authorization"); len(values) > 0 {
				header = values[0]
			}
		}
		subject, err := s.AuthenticateRequest(ss.Context(), header)
		if err == nil {
			err = subject.Authorize(perms...)
		}
		if err != nil {
			code := codes.Unauthenticated
			if statusFor(err) == http.StatusForbidden {
				code = codes.PermissionDenied
			}
			s.audit.Warn("access_denied",
				"method", info.FullMethod,
				"code", code.String(),
				"error", err.Error(),
			)
			return status.Error(code, err.Error())
		}
		return handler(srv, &subjectStream{ServerStream: ss, ctx: WithSubject(ss.Context(), subject)})
	}
}

type subjectStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *subjectStream) Context() context.Context { return s.ctx }

// BearerMetadata 生成客户端携带令牌所需的 outgoing metadata。
func BearerMetadata(ctx context.Context, token string) context.Context {
	token = strings.TrimSpace(token)
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

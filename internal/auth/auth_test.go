package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func newTokenService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Mode: ModeToken,
		Tokens: []TokenConfig{
			{Name: "ci", Token: "ci-token", Permissions: []string{PermissionRunsRead, PermissionRunsWrite}},
			{Name: "viewer", Token: "view-token", Permissions: []string{PermissionRunsRead}},
			{Name: "root", Token: "root-token", Permissions: []string{"*"}},
			{Name: "gone", Token: "old-token", Permissions: []string{"*"}, Disabled: true},
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestNewServiceValidatesConfig(t *testing.T) {
	if svc, err := NewService(Config{}); err != nil || svc.Enabled() {
		t.Fatalf("empty config must disable auth, got enabled=%v err=%v", svc.Enabled(), err)
	}
	if _, err := NewService(Config{Mode: ModeToken}); err == nil {
		t.Fatalf("token mode without tokens must fail")
	}
	dup := []TokenConfig{{Name: "a", Token: "x"}, {Name: "b", Token: "x"}}
	if _, err := NewService(Config{Mode: ModeToken, Tokens: dup}); err == nil {
		t.Fatalf("duplicate tokens must fail")
	}
	if _, err := NewService(Config{Mode: "oauth"}); err == nil {
		t.Fatalf("unknown mode must fail")
	}
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTokenService(t)
	ctx := context.Background()

	subject, err := svc.AuthenticateRequest(ctx, "Bearer ci-token")
	if err != nil || subject.Name != "ci" {
		t.Fatalf("unexpected subject %+v err=%v", subject, err)
	}
	if err := subject.Authorize(PermissionRunsWrite); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if err := subject.Authorize(PermissionEnclavesAdmin); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}

	cases := map[string]error{
		"":                 ErrMissingToken,
		"Bearer ":          ErrMissingToken,
		"bearer":           ErrMissingToken,
		"Bearer\t ":        ErrMissingToken,
		"Basic abc":        ErrInvalidToken,
		"Bearer wrong":     ErrInvalidToken,
		"bearer old-token": ErrSubjectRevoked,
	}
	for header, want := range cases {
		if _, err := svc.AuthenticateRequest(ctx, header); !errors.Is(err, want) {
			t.Fatalf("header %q: expected %v, got %v", header, want, err)
		}
	}

	root, err := svc.AuthenticateRequest(ctx, "Bearer root-token")
	if err != nil || !root.HasPermission(PermissionEnclavesAdmin) {
		t.Fatalf("wildcard permission must grant everything, err=%v", err)
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTokenService(t)
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:  {PermissionRunsRead},
			http.MethodPost: {PermissionRunsWrite},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	cases := []struct {
		method string
		token  string
		status int
	}{
		{method: http.MethodGet, token: "", status: http.StatusUnauthorized},
		{method: http.MethodGet, token: "view-token", status: http.StatusAccepted},
		{method: http.MethodPost, token: "view-token", status: http.StatusForbidden},
		{method: http.MethodPost, token: "ci-token", status: http.StatusAccepted},
		{method: http.MethodPost, token: "old-token", status: http.StatusForbidden},
	}
	for _, tc := range cases {
		seen = nil
		req := httptest.NewRequest(tc.method, "/api/v1/runs", nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%s with %q: expected %d, got %d", tc.method, tc.token, tc.status, rec.Code)
		}
		if tc.status == http.StatusAccepted && seen == nil {
			t.Fatalf("subject must be stored in the request context")
		}
	}
}

type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeServerStream) Context() context.Context { return f.ctx }

func TestStreamServerInterceptor(t *testing.T) {
	svc := newTokenService(t)
	interceptor := svc.StreamServerInterceptor(PermissionRunsWrite)
	info := &grpc.StreamServerInfo{FullMethod: "/api_container_api.ApiContainerService/RunStarlarkScript"}

	call := func(token string) (*Subject, error) {
		ctx := context.Background()
		if token != "" {
			ctx = metadata.NewIncomingContext(ctx, metadata.Pairs("authorization", "Bearer "+token))
		}
		var subject *Subject
		err := interceptor(nil, &fakeServerStream{ctx: ctx}, info, func(_ any, stream grpc.ServerStream) error {
			subject = SubjectFromContext(stream.Context())
			return nil
		})
		return subject, err
	}

	if _, err := call(""); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if _, err := call("view-token"); status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected permission denied, got %v", err)
	}
	subject, err := call("ci-token")
	if err != nil || subject == nil || subject.Name != "ci" {
		t.Fatalf("unexpected result subject=%+v err=%v", subject, err)
	}
}

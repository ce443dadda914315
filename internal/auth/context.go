package auth

import "context"

// AnonymousSubject 是鉴权关闭时记录在审计日志中的主体名。
const AnonymousSubject = "anonymous"

type subjectKey struct{}

// WithSubject 把通过鉴权的主体放入 ctx，供处理器与审计日志使用。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 返回 ctx 中的主体，未鉴权时为 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// SubjectName 返回 ctx 中主体的名称，未鉴权时为 AnonymousSubject。
func SubjectName(ctx context.Context) string {
	if subject := SubjectFromContext(ctx); subject != nil && subject.Name != "" {
		return subject.Name
	}
	return AnonymousSubject
}

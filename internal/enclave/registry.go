package enclave

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "enclaverun/internal/errors"
	"enclaverun/pkg/logger"
)

// Factory creates the backend for a newly created enclave.
type Factory func(ctx context.Context, name string) (Backend, error)

// Enclave is a named, isolated environment runs are applied to.
type Enclave struct {
	Name      string    `json:"name"`
	UUID      string    `json:"uuid"`
	CreatedAt time.Time `json:"created_at"`
	Backend   Backend   `json:"-"`

	runLock chan struct{}
}

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,62}$`)

// Registry 管理所有 enclave，并保证同一 enclave 上的变更型运行串行执行。
type Registry struct {
	mu       sync.RWMutex
	enclaves map[string]*Enclave
	factory  Factory
	logger   *slog.Logger
}

// NewRegistry 创建 Registry。
func NewRegistry(factory Factory) *Registry {
	if factory == nil {
		factory = func(context.Context, string) (Backend, error) { return NewMemoryBackend(), nil }
	}
	return &Registry{
		enclaves: make(map[string]*Enclave),
		factory:  factory,
		logger:   logger.Named("enclave"),
	}
}

// Create 创建新的 enclave。
func (r *Registry) Create(ctx context.Context, name string) (*Enclave, error) {
	if !nameRe.MatchString(name) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "invalid enclave name '"+name+"'")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.enclaves[name]; ok {
		return nil, xerrors.New(CodeEnclaveExists, "enclave '"+name+"' already exists")
	}
	backend, err := r.factory(ctx, name)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEnclaveBackend, err, "创建 enclave 后端失败")
	}
	enc := &Enclave{
		Name:      name,
		UUID:      uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Backend:   backend,
		runLock:   make(chan struct{}, 1),
	}
	r.enclaves[name] = enc
	logger.Audit().Info("enclave 已创建", slog.String("enclave", name), slog.String("uuid", enc.UUID))
	return enc, nil
}

// Ensure 返回已存在的 enclave，不存在时创建。
func (r *Registry) Ensure(ctx context.Context, name string) (*Enclave, error) {
	if enc, err := r.Get(name); err == nil {
		return enc, nil
	}
	enc, err := r.Create(ctx, name)
	if xerrors.HasCode(err, CodeEnclaveExists) {
		return r.Get(name)
	}
	return enc, err
}

// Get 按名称查找 enclave。
func (r *Registry) Get(name string) (*Enclave, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	enc, ok := r.enclaves[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeEnclaveNotFound, "enclave '"+name+"' does not exist", xerrors.WithMetadata("enclave", name))
	}
	return enc, nil
}

// List 返回按名称排序的 enclave 列表。
func (r *Registry) List() []*Enclave {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Enclave, 0, len(r.enclaves))
	for _, enc := range r.enclaves {
		out = append(out, enc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Remove 销毁 enclave 并关闭其后端。
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	enc, ok := r.enclaves[name]
	if ok {
		delete(r.enclaves, name)
	}
	r.mu.Unlock()
	if !ok {
		return xerrors.New(xerrors.CodeEnclaveNotFound, "enclave '"+name+"' does not exist")
	}
	logger.Audit().Info("enclave 已删除", slog.String("enclave", name))
	return enc.Backend.Close()
}

// Acquire 获取 enclave 的运行锁，直到上下文取消。
func (e *Enclave) Acquire(ctx context.Context) (func(), error) {
	select {
	case e.runLock <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-e.runLock }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close 关闭所有 enclave 后端。
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, enc := range r.enclaves {
		if err := enc.Backend.Close(); err != nil {
			errs = append(errs, err)
			r.logger.Warn("关闭 enclave 后端失败", slog.String("enclave", name), slog.Any("error", err))
		}
	}
	r.enclaves = make(map[string]*Enclave)
	return errors.Join(errs...)
}

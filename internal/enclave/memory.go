package enclave

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	xerrors "enclaverun/internal/errors"
)

// ExecFunc simulates a command inside a service of the memory backend.
type ExecFunc func(service *Service, cmd []string) (ExecResult, error)

// MemoryBackend 在内存中模拟 enclave，主要用于测试和 dry-run 环境。
type MemoryBackend struct {
	mu        sync.RWMutex
	services  map[string]*Service
	artifacts map[string]*FilesArtifact
	nextIP    int
	exec      ExecFunc
	closed    bool
}

// MemoryOption 定义内存后端的可选配置。
type MemoryOption func(*MemoryBackend)

// WithExecFunc 替换默认的命令模拟逻辑。
func WithExecFunc(fn ExecFunc) MemoryOption {
	return func(m *MemoryBackend) {
		if fn != nil {
			m.exec = fn
		}
	}
}

// NewMemoryBackend 创建内存后端。
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		services:  make(map[string]*Service),
		artifacts: make(map[string]*FilesArtifact),
		nextIP:    2,
		exec:      simulateExec,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// AddService 实现 Backend 接口。
func (m *MemoryBackend) AddService(ctx context.Context, name string, cfg ServiceConfig) (*Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if _, ok := m.services[name]; ok {
		return nil, ServiceExists(name)
	}
	for _, artifact := range cfg.Files {
		if _, ok := m.artifacts[artifact]; !ok {
			return nil, ArtifactNotFound(artifact)
		}
	}
	svc := &Service{
		Name:      name,
		UUID:      strings.ReplaceAll(uuid.NewString(), "-", ""),
		IPAddress: fmt.Sprintf("172.16.0.%d", m.nextIP),
		Hostname:  name,
		Ports:     clonePorts(cfg.Ports),
		Config:    CloneConfig(cfg),
	}
	m.nextIP++
	m.services[name] = svc
	return cloneService(svc), nil
}

// RemoveService 实现 Backend 接口。
func (m *MemoryBackend) RemoveService(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return "", err
	}
	svc, ok := m.services[name]
	if !ok {
		return "", ServiceNotFound(name)
	}
	delete(m.services, name)
	return svc.UUID, nil
}

// Exec 实现 Backend 接口。
func (m *MemoryBackend) Exec(ctx context.Context, serviceName string, cmd []string) (ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return ExecResult{}, err
	}
	m.mu.RLock()
	svc, ok := m.services[serviceName]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ExecResult{}, errClosed
	}
	if !ok {
		return ExecResult{}, ServiceNotFound(serviceName)
	}
	return m.exec(cloneService(svc), append([]string(nil), cmd...))
}

// StoreFilesArtifact 实现 Backend 接口。
func (m *MemoryBackend) StoreFilesArtifact(ctx context.Context, name string, files map[string][]byte) (*FilesArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if _, ok := m.artifacts[name]; ok {
		return nil, xerrors.New(CodeArtifactExists, "files artifact '"+name+"' already exists")
	}
	artifact := &FilesArtifact{Name: name, UUID: strings.ReplaceAll(uuid.NewString(), "-", ""), Files: make(map[string][]byte, len(files))}
	for path, data := range files {
		artifact.Files[path] = append([]byte(nil), data...)
	}
	m.artifacts[name] = artifact
	return &FilesArtifact{Name: artifact.Name, UUID: artifact.UUID}, nil
}

// GetService 实现 Backend 接口。
func (m *MemoryBackend) GetService(_ context.Context, name string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[name]
	if !ok {
		return nil, ServiceNotFound(name)
	}
	return cloneService(svc), nil
}

// ListServices 实现 Backend 接口。
func (m *MemoryBackend) ListServices(context.Context) ([]*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Service, 0, len(m.services))
	for _, svc := range m.services {
		out = append(out, cloneService(svc))
	}
	SortServices(out)
	return out, nil
}

// ListFilesArtifacts 实现 Backend 接口。
func (m *MemoryBackend) ListFilesArtifacts(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.artifacts))
	for name := range m.artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ArtifactFiles 返回内存中保存的文件内容，仅用于测试断言。
func (m *MemoryBackend) ArtifactFiles(name string) (map[string][]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	artifact, ok := m.artifacts[name]
	if !ok {
		return nil, false
	}
	return artifact.Files, true
}

// Close 标记后端已关闭。
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

var errClosed = xerrors.New(xerrors.CodeEnclaveBackend, "enclave backend closed", xerrors.WithRetryable(false))

func (m *MemoryBackend) checkOpen() error {
	if m.closed {
		return errClosed
	}
	return nil
}

func cloneService(svc *Service) *Service {
	out := *svc
	out.Ports = clonePorts(svc.Ports)
	out.Config = CloneConfig(svc.Config)
	return &out
}

// simulateExec understands echo, true, false and "exit N"; anything else
// succeeds silently.
func simulateExec(_ *Service, cmd []string) (ExecResult, error) {
	if len(cmd) == 0 {
		return ExecResult{}, xerrors.New(xerrors.CodeInvalidArgument, "command cannot be empty")
	}
	if len(cmd) >= 3 && (cmd[0] == "sh" || cmd[0] == "/bin/sh") && cmd[1] == "-c" {
		cmd = strings.Fields(cmd[2])
		if len(cmd) == 0 {
			return ExecResult{}, nil
		}
	}
	switch cmd[0] {
	case "echo":
		return ExecResult{ExitCode: 0, Output: strings.Join(cmd[1:], " ") + "\n"}, nil
	case "false":
		return ExecResult{ExitCode: 1}, nil
	case "exit":
		code := 0
		if len(cmd) > 1 {
			if parsed, err := strconv.Atoi(cmd[1]); err == nil {
				code = parsed
			}
		}
		return ExecResult{ExitCode: code}, nil
	default:
		return ExecResult{ExitCode: 0}, nil
	}
}

var _ Backend = (*MemoryBackend)(nil)

package run

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "enclaverun/internal/errors"
	"enclaverun/pkg/starlarkrun"
)

// MemoryStore 以内存方式保存运行状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu    sync.RWMutex
	runs  map[string]*Run
	lines map[string][][]byte
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]*Run),
		lines: make(map[string][][]byte),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, run *Run) error {
	if err := validateNewRun(run); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return ErrRunConflict
	}
	now := time.Now().Unix()
	if run.CreatedAt == 0 {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Phase == "" {
		run.Phase = starlarkrun.PhasePending
	}
	m.runs[run.ID] = cloneRun(run)
	return nil
}

// Get 返回运行记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneRun(run), nil
}

// Claim 将运行状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	switch run.Status {
	case StatusSucceeded, StatusFailed:
		return cloneRun(run), ErrRunCompleted
	case StatusRunning:
		return cloneRun(run), ErrRunConflict
	}
	if run.Attempts >= run.MaxRetries {
		return cloneRun(run), ErrRunExhausted
	}
	run.Status = StatusRunning
	run.Attempts++
	run.LastError = ""
	run.ErrorCode = ""
	run.UpdatedAt = time.Now().Unix()
	return cloneRun(run), nil
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	run.Status = StatusSucceeded
	run.Phase = result.Phase
	run.Output = nil
	if result.Output != nil {
		out := *result.Output
		run.Output = &out
	}
	run.LineCount = result.LineCount
	run.LastError = ""
	run.ErrorCode = ""
	run.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记运行失败；非终态失败使运行回到 pending。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, failure Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	run.Status = failureStatus(failure)
	if failure.Phase != "" {
		run.Phase = failure.Phase
	}
	run.LastError = failure.Message
	run.ErrorCode = string(failure.Code)
	run.LineCount = failure.LineCount
	run.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合条件的运行。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		if !matchesListFilters(run, opts) {
			continue
		}
		results = append(results, cloneRun(run))
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			if a.UpdatedAt == b.UpdatedAt {
				if a.CreatedAt == b.CreatedAt {
					return a.ID < b.ID
				}
				return a.CreatedAt < b.CreatedAt
			}
			return a.UpdatedAt < b.UpdatedAt
		}
		if a.UpdatedAt == b.UpdatedAt {
			if a.CreatedAt == b.CreatedAt {
				return a.ID > b.ID
			}
			return a.CreatedAt > b.CreatedAt
		}
		return a.UpdatedAt > b.UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Run{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的运行数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{}
	for _, run := range m.runs {
		if !matchesListFilters(run, opts) {
			continue
		}
		stats.Total++
		switch run.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
		if run.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = run.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (run.UpdatedAt != 0 && run.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = run.UpdatedAt
		}
	}
	return stats, nil
}

// AppendLine 追加一行响应。
func (m *MemoryStore) AppendLine(_ context.Context, runID string, seq int, line starlarkrun.ResponseLine) error {
	payload, err := starlarkrun.MarshalJSONLine(line)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码响应行失败")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return ErrRunNotFound
	}
	if seq != len(m.lines[runID]) {
		return xerrors.New(CodeRunConflict, "响应行序号不连续")
	}
	m.lines[runID] = append(m.lines[runID], payload)
	return nil
}

// Lines 按顺序返回运行的响应行。
func (m *MemoryStore) Lines(_ context.Context, runID string) ([]starlarkrun.ResponseLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.runs[runID]; !ok {
		return nil, ErrRunNotFound
	}
	stored := m.lines[runID]
	lines := make([]starlarkrun.ResponseLine, 0, len(stored))
	for _, payload := range stored {
		line, err := starlarkrun.UnmarshalJSONLine(payload)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析响应行失败")
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// ResetLines 清空运行的响应行。
func (m *MemoryStore) ResetLines(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lines, runID)
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func validateNewRun(run *Run) error {
	if run == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "run 不能为空")
	}
	if strings.TrimSpace(run.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}
	if len(run.Request) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行请求不能为空")
	}
	return nil
}

func failureStatus(failure Failure) Status {
	if failure.Terminal {
		return StatusFailed
	}
	return StatusPending
}

func matchesListFilters(run *Run, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if run.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Enclave != "" && run.Enclave != opts.Enclave {
		return false
	}
	if opts.Kind != "" && run.Kind != opts.Kind {
		return false
	}
	if opts.UpdatedGTE > 0 && run.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && run.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasOutput != nil && (run.Output != nil) != *opts.HasOutput {
		return false
	}
	if opts.Query != "" && !runMatchesQuery(run, opts.Query) {
		return false
	}
	return true
}

func runMatchesQuery(run *Run, query string) bool {
	fields := []string{run.ID, run.Enclave, run.LastError, run.ErrorCode}
	if run.Output != nil {
		fields = append(fields, *run.Output)
	}
	for _, field := range fields {
		if strings.Contains(field, query) {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)

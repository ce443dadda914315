package run

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "enclaverun/internal/errors"
	"enclaverun/pkg/logger"
	"enclaverun/pkg/starlarkrun"
)

// SubmitRequest 描述一次异步运行请求。Script 与 Package 必须且只能设置一个。
type SubmitRequest struct {
	ID      string                      `json:"id,omitempty"`
	Enclave string                      `json:"enclave"`
	Script  *starlarkrun.RunScriptArgs  `json:"script,omitempty"`
	Package *starlarkrun.RunPackageArgs `json:"package,omitempty"`
}

// Service 负责运行的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造运行服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 创建一个新的运行并推送到队列。相同 ID 的重复提交返回已有记录。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Run, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化")
	}
	run, err := s.newRun(req)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(req.ID) != "" {
		existing, err := s.store.Get(ctx, run.ID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrRunNotFound) {
			return nil, err
		}
	}

	if err := s.store.Create(ctx, run); err != nil {
		if stdErrors.Is(err, ErrRunConflict) {
			existing, getErr := s.store.Get(ctx, run.ID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrRunNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, run.ID); err != nil {
		logger.L().Error("运行入队失败", slog.Any("error", err), slog.String("run_id", run.ID))
		wrapped := xerrors.Wrap(CodeRunPublish, err, "发布运行到队列失败")
		_ = s.store.MarkFailed(ctx, run.ID, Failure{Code: CodeRunPublish, Message: wrapped.Error(), Terminal: true})
		return nil, wrapped
	}
	logger.Audit().Info("运行入队成功",
		slog.String("run_id", run.ID),
		slog.String("enclave", run.Enclave),
		slog.String("kind", string(run.Kind)),
		slog.Bool("dry_run", run.DryRun),
		slog.Int("max_retries", run.MaxRetries),
	)
	return run, nil
}

func (s *Service) newRun(req SubmitRequest) (*Run, error) {
	enclave := strings.TrimSpace(req.Enclave)
	if enclave == "" {
		return nil, xerrors.New(CodeRunValidation, "enclave 不能为空")
	}
	if (req.Script == nil) == (req.Package == nil) {
		return nil, xerrors.New(CodeRunValidation, "必须且只能指定脚本或包之一")
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	run := &Run{
		ID:         id,
		Enclave:    enclave,
		Status:     StatusPending,
		Phase:      starlarkrun.PhasePending,
		MaxRetries: s.maxRetries,
	}
	if req.Script != nil {
		if strings.TrimSpace(req.Script.SerializedScript) == "" {
			return nil, xerrors.New(CodeRunValidation, "脚本不能为空")
		}
		run.Kind = KindScript
		run.DryRun = req.Script.IsDryRun()
		run.Request = starlarkrun.MarshalRunScriptArgs(*req.Script)
	} else {
		if strings.TrimSpace(req.Package.PackageID) == "" {
			return nil, xerrors.New(CodeRunValidation, "包 ID 不能为空")
		}
		run.Kind = KindPackage
		run.DryRun = req.Package.IsDryRun()
		run.Request = starlarkrun.MarshalRunPackageArgs(*req.Package)
	}
	return run, nil
}

// Get 返回指定运行的状态。
func (s *Service) Get(ctx context.Context, id string) (*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的运行列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的运行统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Lines 返回运行已持久化的响应行。
func (s *Service) Lines(ctx context.Context, id string) ([]starlarkrun.ResponseLine, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Lines(ctx, id)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询运行状态直到结束或 ctx 取消。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Finished() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

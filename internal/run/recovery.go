package run

import (
	"context"
	"log/slog"
	"time"

	xerrors "enclaverun/internal/errors"
	"enclaverun/pkg/logger"
	"enclaverun/pkg/starlarkrun"
)

const recoveryPageSize = 100

// Recover 在进程启动时处理上一个进程遗留的运行。超过 staleAfter 未更新的
// running 运行视为被中断：dry run 退回 pending 重新投递；其他运行可能已经
// 修改过 enclave，以 STREAM_ABORTED 终止。pending 运行全部重新投递，
// 重复投递由 Claim 吸收。返回重新投递的数量。
func (s *Service) Recover(ctx context.Context, staleAfter time.Duration) (int, error) {
	if s.store == nil || s.producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化")
	}
	cutoff := time.Now().Add(-staleAfter).Unix()

	var pending []*Run
	for offset := 0; ; offset += recoveryPageSize {
		page, err := s.store.List(ctx, BuildListOptions(
			WithStatuses(StatusPending, StatusRunning),
			WithSortOrder(SortByUpdatedAsc),
			WithLimit(recoveryPageSize),
			WithOffset(offset),
		))
		if err != nil {
			return 0, err
		}
		pending = append(pending, page...)
		if len(page) < recoveryPageSize {
			break
		}
	}

	log := logger.Named("run.recovery")
	requeued := 0
	for _, run := range pending {
		if run.Status == StatusRunning {
			if run.UpdatedAt > cutoff {
				continue
			}
			failure := Failure{
				Code:      CodeRunProcessing,
				Phase:     run.Phase,
				Message:   "上一次执行被中断",
				LineCount: run.LineCount,
			}
			if !run.DryRun {
				failure.Code = xerrors.CodeStreamAborted
				failure.Phase = starlarkrun.PhaseExecuting
				failure.Message = "上一次执行被中断，enclave 状态未知，不再重试"
				failure.Terminal = true
			}
			if err := s.store.MarkFailed(ctx, run.ID, failure); err != nil {
				return requeued, err
			}
			if failure.Terminal {
				log.Warn("中断的运行已终止",
					slog.String("run_id", run.ID),
					slog.String("enclave", run.Enclave),
					slog.Int("attempts", run.Attempts))
				continue
			}
		}
		if err := s.producer.Publish(ctx, run.ID); err != nil {
			return requeued, xerrors.Wrap(CodeRunPublish, err, "重新投递运行失败", xerrors.WithMetadata("run_id", run.ID))
		}
		requeued++
		log.Info("运行已重新投递",
			slog.String("run_id", run.ID),
			slog.String("previous_status", string(run.Status)),
			slog.Int("attempts", run.Attempts))
	}
	return requeued, nil
}

package run

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"enclaverun/internal/engine"
	xerrors "enclaverun/internal/errors"
	"enclaverun/internal/observability/alerting"
	"enclaverun/pkg/logger"
	"enclaverun/pkg/starlarkrun"
)

const requeueTimeout = 5 * time.Second

// Engine 定义了处理器所需的运行能力，由 engine.Runner 实现。
type Engine interface {
	RunScript(ctx context.Context, enclave string, args starlarkrun.RunScriptArgs) <-chan starlarkrun.ResponseLine
	RunPackage(ctx context.Context, enclave string, args starlarkrun.RunPackageArgs) <-chan starlarkrun.ResponseLine
}

// Processor 负责从队列消费运行并交给引擎执行。
type Processor struct {
	engine      Engine
	store       Store
	consumer    Consumer
	producer    Producer
	sink        Sink
	workerCount int
	idleTimeout time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithIdleTimeout 设置两行响应之间允许的最长间隔，超时视为基础设施故障。
func WithIdleTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.idleTimeout = d
	}
}

// WithEventSink 配置运行事件的发布目标。
func WithEventSink(sink Sink) ProcessorOption {
	return func(p *Processor) {
		p.sink = sink
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(engine Engine, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		engine:      engine,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("run.processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动运行处理循环，直到 ctx 取消或队列关闭。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置运行消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, runID string) error {
	if p.store == nil || p.engine == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	run, err := p.store.Claim(ctx, runID)
	if err != nil {
		switch {
		case stdErrors.Is(err, ErrRunNotFound), stdErrors.Is(err, ErrRunCompleted), stdErrors.Is(err, ErrRunConflict):
			p.logger.Debug("跳过运行", slog.String("run_id", runID), slog.String("reason", err.Error()))
			return nil
		case stdErrors.Is(err, ErrRunExhausted):
			return p.finishFailed(ctx, run, Failure{Code: CodeRunExhausted, Phase: run.Phase, Message: run.LastError, LineCount: run.LineCount, Terminal: true}, err)
		}
		p.logger.Error("领取运行失败", slog.Any("error", err), slog.String("run_id", runID))
		p.emitAlert(ctx, &Run{ID: runID}, CodeRunProcessing, "", err, "claim")
		return err
	}
	p.publish(ctx, NewStatusEvent(run, StatusRunning, starlarkrun.PhasePending))

	if err := p.store.ResetLines(ctx, run.ID); err != nil {
		return p.handleInfraFailure(ctx, run, 0, false, err)
	}

	lines, err := p.start(ctx, run)
	if err != nil {
		return p.finishFailed(ctx, run, Failure{Code: CodeRunValidation, Message: err.Error(), Terminal: true}, err)
	}
	defer lines.cancel()

	seq := 0
	// executed 记录流是否已进入 EXECUTING，之后 enclave 可能已被修改。
	executed := false
	outcome, consumeErr := starlarkrun.Consume(lines.ctx, starlarkrun.FromChannel(lines.ctx, lines.ch),
		starlarkrun.WithoutLineHistory(),
		starlarkrun.WithIdleTimeout(p.idleTimeout),
		starlarkrun.WithLineHandler(func(line starlarkrun.ResponseLine) error {
			if !run.DryRun && mutatesEnclave(line) {
				executed = true
			}
			if err := p.store.AppendLine(ctx, run.ID, seq, line); err != nil {
				return err
			}
			if event, err := NewLineEvent(run, seq, line); err == nil {
				p.publish(ctx, event)
			}
			seq++
			return nil
		}))
	lines.cancel()

	if consumeErr != nil {
		return p.handleInfraFailure(ctx, run, seq, executed, consumeErr)
	}
	if outcome.Succeeded() {
		return p.finishSucceeded(ctx, run, outcome, seq, executed)
	}
	failure := Failure{
		Code:      phaseCode(outcome.Phase),
		Phase:     outcome.Phase,
		LineCount: seq,
		Terminal:  true,
	}
	var cause error = starlarkrun.ErrStreamEndedWithoutFinish
	if outcome.Failure != nil && outcome.Failure.Detail != nil {
		failure.Message = outcome.Failure.Detail.Message()
		cause = outcome.Failure
	}
	return p.finishFailed(ctx, run, failure, cause)
}

type lineStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     <-chan starlarkrun.ResponseLine
}

func (p *Processor) start(ctx context.Context, run *Run) (*lineStream, error) {
	runCtx, cancel := context.WithCancel(engine.ContextWithRunID(ctx, run.ID))
	stream := &lineStream{ctx: runCtx, cancel: cancel}
	switch run.Kind {
	case KindScript:
		args, err := run.ScriptArgs()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("解码脚本运行请求失败: %w", err)
		}
		stream.ch = p.engine.RunScript(runCtx, run.Enclave, args)
	case KindPackage:
		args, err := run.PackageArgs()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("解码包运行请求失败: %w", err)
		}
		stream.ch = p.engine.RunPackage(runCtx, run.Enclave, args)
	default:
		cancel()
		return nil, fmt.Errorf("未知的运行类型 %q", run.Kind)
	}
	return stream, nil
}

// mutatesEnclave 判断该行是否说明执行阶段已经开始。
func mutatesEnclave(line starlarkrun.ResponseLine) bool {
	switch line.(type) {
	case *starlarkrun.ProgressInfo, *starlarkrun.InstructionResult:
		return true
	}
	return false
}

func (p *Processor) finishSucceeded(ctx context.Context, run *Run, outcome *starlarkrun.Outcome, lineCount int, executed bool) error {
	result := Result{Phase: outcome.Phase, LineCount: lineCount}
	if out := outcome.Finished.SerializedOutput; out != nil {
		value := *out
		result.Output = &value
	}
	if err := p.store.MarkSucceeded(ctx, run.ID, result); err != nil {
		p.logger.Error("标记运行成功状态失败", slog.Any("error", err), slog.String("run_id", run.ID))
		return p.handleInfraFailure(ctx, run, lineCount, executed, err)
	}
	p.publish(ctx, NewStatusEvent(run, StatusSucceeded, outcome.Phase))
	logger.Audit().Info("运行执行成功",
		slog.String("run_id", run.ID),
		slog.String("enclave", run.Enclave),
		slog.String("kind", string(run.Kind)),
		slog.Int("lines", lineCount),
		slog.Int("attempts", run.Attempts),
	)
	return nil
}

// finishFailed 记录终态失败。Starlark 层面的错误属于运行本身，不会重试。
func (p *Processor) finishFailed(ctx context.Context, run *Run, failure Failure, cause error) error {
	if storeErr := p.store.MarkFailed(ctx, run.ID, failure); storeErr != nil {
		p.logger.Error("标记运行失败状态出错", slog.Any("error", storeErr), slog.String("run_id", run.ID))
		return storeErr
	}
	p.publish(ctx, NewStatusEvent(run, StatusFailed, failure.Phase))
	logger.Audit().Warn("运行执行失败",
		slog.String("run_id", run.ID),
		slog.String("enclave", run.Enclave),
		slog.String("phase", string(failure.Phase)),
		slog.String("error_code", string(failure.Code)),
		slog.String("error", failure.Message),
		slog.Int("attempts", run.Attempts),
	)
	if xerrors.AttributesOf(failure.Code).Alert {
		p.emitAlert(ctx, run, failure.Code, failure.Phase, cause, "terminal")
	}
	return nil
}

// handleInfraFailure 处理流中断、存储故障等与脚本无关的错误，在重试
// 次数内重新入队。服务关闭导致的中断同样会重新入队。
// enclave 变更不会回滚，已进入执行阶段的非 dry run 运行不再重试，
// 以 STREAM_ABORTED 终止。
func (p *Processor) handleInfraFailure(ctx context.Context, run *Run, lineCount int, executed bool, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeRunProcessing
	}
	if stdErrors.Is(cause, starlarkrun.ErrStreamEndedWithoutFinish) || stdErrors.Is(cause, starlarkrun.ErrIdleTimeout) {
		code = xerrors.CodeStreamAborted
	}
	shutdown := ctx.Err() != nil
	retryable := shutdown || xerrors.AttributesOf(code).Retryable
	terminal := !retryable || run.Attempts >= run.MaxRetries
	var phase starlarkrun.Phase
	if executed {
		code = xerrors.CodeStreamAborted
		phase = starlarkrun.PhaseExecuting
		terminal = true
	}

	// ctx 已取消时仍需写回状态，避免运行停留在 running。
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()
	failure := Failure{Code: code, Phase: phase, Message: cause.Error(), LineCount: lineCount, Terminal: terminal}
	if storeErr := p.store.MarkFailed(writeCtx, run.ID, failure); storeErr != nil {
		p.logger.Error("标记运行失败状态出错", slog.Any("error", storeErr), slog.String("run_id", run.ID))
		return storeErr
	}

	stage := "retry"
	if terminal {
		stage = "terminal"
		p.publish(writeCtx, NewStatusEvent(run, StatusFailed, phase))
	}
	logger.Audit().Warn("运行处理中断",
		slog.String("run_id", run.ID),
		slog.Bool("terminal", terminal),
		slog.Bool("shutdown", shutdown),
		slog.Bool("executed", executed),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", run.Attempts),
		slog.Int("max_retries", run.MaxRetries),
	)
	if !shutdown {
		p.emitAlert(writeCtx, run, code, "", cause, stage)
	}

	if terminal || p.producer == nil {
		return nil
	}
	if pubErr := p.producer.Publish(writeCtx, run.ID); pubErr != nil {
		if shutdown {
			p.logger.Warn("关闭期间重投运行失败，运行保持 pending", slog.Any("error", pubErr), slog.String("run_id", run.ID))
			return nil
		}
		return xerrors.Wrap(CodeRunPublish, pubErr, fmt.Sprintf("运行 %s 重投失败", run.ID))
	}
	p.logger.Debug("运行已重新排队", slog.String("run_id", run.ID), slog.Int("attempts", run.Attempts))
	return nil
}

func (p *Processor) publish(ctx context.Context, event Event) {
	if p.sink == nil {
		return
	}
	if err := p.sink.Publish(ctx, event); err != nil {
		p.logger.Warn("发布运行事件失败",
			slog.Any("error", err),
			slog.String("run_id", event.RunID),
			slog.String("type", string(event.Type)))
	}
}

func (p *Processor) emitAlert(ctx context.Context, run *Run, code xerrors.Code, phase starlarkrun.Phase, cause error, stage string) {
	if p == nil || p.alerter == nil || run == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		RunID:      run.ID,
		Enclave:    run.Enclave,
		Phase:      string(phase),
		Attempts:   run.Attempts,
		MaxRetries: run.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("run_id", run.ID),
			slog.String("stage", stage),
		)
	}
}

func phaseCode(phase starlarkrun.Phase) xerrors.Code {
	switch phase {
	case starlarkrun.PhaseInterpretationError:
		return xerrors.CodeInterpretationFailed
	case starlarkrun.PhaseValidationError:
		return xerrors.CodeValidationFailed
	case starlarkrun.PhaseExecutionError:
		return xerrors.CodeExecutionFailed
	default:
		return CodeRunProcessing
	}
}

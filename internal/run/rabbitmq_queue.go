package run

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "enclaverun/internal/errors"
	"enclaverun/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url" json:"url"`
	Queue      string `yaml:"queue" json:"queue"`
	Prefetch   int    `yaml:"prefetch" json:"prefetch"`
	Durable    bool   `yaml:"durable" json:"durable"`
	AutoDelete bool   `yaml:"auto_delete" json:"auto_delete"`
}

// RabbitMQQueue 把运行 ID 投递到 RabbitMQ。发布与消费各用一个 channel，
// 发布端开启 publisher confirm，Publish 返回时 broker 已接收运行。
type RabbitMQQueue struct {
	conn      *amqp.Connection
	pub       *amqp.Channel
	sub       *amqp.Channel
	queue     string
	pubMu     sync.Mutex
	logger    *slog.Logger
	closeOnce sync.Once
}

// NewRabbitMQQueue 连接 broker 并声明运行队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	q := &RabbitMQQueue{queue: cfg.Queue, logger: logger.Named("run.rabbitmq")}
	if q.queue == "" {
		q.queue = "enclaverun.runs"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 RabbitMQ 失败")
	}
	q.conn = conn
	if err := q.setup(cfg); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQQueue) setup(cfg RabbitMQConfig) error {
	var err error
	if q.pub, err = q.conn.Channel(); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 RabbitMQ 发布 channel 失败")
	}
	if err := q.pub.Confirm(false); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "开启 RabbitMQ publisher confirm 失败")
	}
	if _, err := q.pub.QueueDeclare(q.queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "声明 RabbitMQ 队列失败", xerrors.WithMetadata("queue", q.queue))
	}
	if q.sub, err = q.conn.Channel(); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 RabbitMQ 消费 channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := q.sub.Qos(cfg.Prefetch, 0, false); err != nil {
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "设置 RabbitMQ QOS 失败")
		}
	}
	return nil
}

// Publish 投递运行并等待 broker 确认。
func (q *RabbitMQQueue) Publish(ctx context.Context, runID string) error {
	if q == nil || q.pub == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	q.pubMu.Lock()
	confirm, err := q.pub.PublishWithDeferredConfirmWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    runID,
		Body:         []byte(runID),
	})
	q.pubMu.Unlock()
	if err != nil {
		return xerrors.Wrap(CodeRunPublish, err, "RabbitMQ 发布运行失败", xerrors.WithMetadata("run_id", runID))
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return xerrors.Wrap(CodeRunPublish, err, "等待 RabbitMQ 确认失败", xerrors.WithMetadata("run_id", runID))
	}
	if !acked {
		return xerrors.New(CodeRunPublish, "RabbitMQ 拒绝了运行", xerrors.WithMetadata("run_id", runID))
	}
	return nil
}

// Consume 以手动确认模式消费运行，直到 ctx 取消或 channel 关闭。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.sub == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	deliveries, err := q.sub.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "订阅 RabbitMQ 队列失败")
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					q.settle(ctx, d, handler)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// settle 根据处理结果确认消息。首次失败重新入队；重投后仍失败则丢弃消息，
// 运行保持 pending，由下次启动时的 Recover 重新投递。
func (q *RabbitMQQueue) settle(ctx context.Context, d amqp.Delivery, handler Handler) {
	runID := string(d.Body)
	err := handler(ctx, runID)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case ctx.Err() != nil:
		_ = d.Nack(false, true)
	case !d.Redelivered:
		_ = d.Nack(false, true)
	default:
		q.logger.Warn("运行重投后仍处理失败，消息已丢弃",
			slog.String("run_id", runID),
			slog.Any("error", err))
		_ = d.Nack(false, false)
	}
}

// Close 关闭 channel 与连接，可重复调用。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	var err error
	q.closeOnce.Do(func() {
		for _, ch := range []*amqp.Channel{q.sub, q.pub} {
			if ch != nil {
				_ = ch.Close()
			}
		}
		if q.conn != nil {
			err = q.conn.Close()
		}
	})
	return err
}

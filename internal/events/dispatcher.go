package events

import (
	"context"
	"log/slog"

	xerrors "GigaCrew-Agent/internal/errors"
	"GigaCrew-Agent/internal/observability/alerting"
	"GigaCrew-Agent/internal/web3"
	"GigaCrew-Agent/pkg/logger"
)

// EscrowHandler receives escrows opened against the local seller.
type EscrowHandler interface {
	SaveNewOrder(ctx context.Context, escrow *web3.Escrow) error
}

// WorkHandler receives work submitted to the local buyer.
type WorkHandler interface {
	HandleWorkSubmitted(ctx context.Context, work *web3.WorkSubmission) error
}

// Dispatcher 从队列消费事件并路由给买卖双方的处理器。
type Dispatcher struct {
	consumer    Consumer
	seller      EscrowHandler
	buyer       WorkHandler
	workerCount int
	alerter     alerting.Dispatcher
	logger      *slog.Logger
}

// DispatcherOption 定义可选配置。
type DispatcherOption func(*Dispatcher)

// WithSellerHandler 设置 EscrowCreated 事件的处理器。
func WithSellerHandler(h EscrowHandler) DispatcherOption {
	return func(d *Dispatcher) { d.seller = h }
}

// WithBuyerHandler 设置 PoWSubmitted 事件的处理器。
func WithBuyerHandler(h WorkHandler) DispatcherOption {
	return func(d *Dispatcher) { d.buyer = h }
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) DispatcherOption {
	return func(d *Dispatcher) {
		if workers > 0 {
			d.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(alerter alerting.Dispatcher) DispatcherOption {
	return func(d *Dispatcher) { d.alerter = alerter }
}

// NewDispatcher 构造 Dispatcher。
func NewDispatcher(consumer Consumer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{consumer: consumer, workerCount: 1, logger: logger.Named("event_dispatcher")}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Start 启动事件消费循环。
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置事件消费者")
	}
	return d.consumer.Consume(ctx, d.workerCount, d.Handle)
}

// Handle 处理单个事件。只有可重试的错误会返回给队列以便重投。
func (d *Dispatcher) Handle(ctx context.Context, env Envelope) error {
	var (
		err     error
		orderID string
		party   string
	)
	switch env.Event.Kind {
	case web3.EventEscrowCreated:
		if d.seller == nil || env.Event.Escrow == nil {
			return nil
		}
		orderID, party = env.Event.Escrow.OrderID, "seller"
		err = d.seller.SaveNewOrder(ctx, env.Event.Escrow)
	case web3.EventWorkSubmitted:
		if d.buyer == nil || env.Event.Work == nil {
			return nil
		}
		orderID, party = env.Event.Work.OrderID, "buyer"
		err = d.buyer.HandleWorkSubmitted(ctx, env.Event.Work)
	default:
		d.logger.Debug("忽略事件", slog.String("envelope_id", env.ID), slog.String("kind", string(env.Event.Kind)))
		return nil
	}
	if err == nil {
		return nil
	}

	d.logger.Error("处理链上事件失败",
		slog.String("envelope_id", env.ID),
		slog.String("kind", string(env.Event.Kind)),
		slog.String("order_id", orderID),
		slog.Any("error", err),
	)
	if d.alerter != nil && xerrors.ShouldAlert(err) {
		if alertErr := d.alerter.Notify(ctx, alerting.FromError(err, orderID, party, string(env.Event.Kind))); alertErr != nil {
			d.logger.Error("告警通知失败", slog.Any("error", alertErr))
		}
	}
	if xerrors.RetryableError(err) {
		return err
	}
	return nil
}

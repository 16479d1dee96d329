package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	xerrors "GigaCrew-Agent/internal/errors"
	"GigaCrew-Agent/internal/observability/alerting"
	"GigaCrew-Agent/internal/order"
	"GigaCrew-Agent/pkg/logger"
)

// Option customises a Seller or a Buyer.
type Option func(*options)

type options struct {
	now     func() time.Time
	alerter alerting.Dispatcher
	logger  *slog.Logger
}

func newOptions(component string, opts []Option) options {
	o := options{now: time.Now, logger: logger.Named(component)}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(alerter alerting.Dispatcher) Option {
	return func(o *options) { o.alerter = alerter }
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func (o *options) alert(ctx context.Context, err error, orderID string, party order.Party, action string) {
	if o.alerter == nil || !xerrors.ShouldAlert(err) {
		return
	}
	if alertErr := o.alerter.Notify(ctx, alerting.FromError(err, orderID, string(party), action)); alertErr != nil {
		o.logger.Error("告警通知失败", slog.Any("error", alertErr))
	}
}

// storageError 保留已带错误码的错误，其余归为存储失败。
func storageError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, order.ErrOrderNotFound) {
		return xerrors.Wrap(xerrors.CodeNotFound, err, msg)
	}
	if xerrors.CodeOf(err) != xerrors.CodeUnknown {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg)
}

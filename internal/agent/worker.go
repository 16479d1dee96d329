package agent

import (
	"context"
	"log/slog"
	"strings"

	xerrors "GigaCrew-Agent/internal/errors"
	"GigaCrew-Agent/internal/llm"
	"GigaCrew-Agent/internal/order"
	"GigaCrew-Agent/internal/settlement"
	"GigaCrew-Agent/pkg/logger"
)

// WorkProducer 根据订单条款生成交付物。
type WorkProducer struct {
	agent   *Agent
	service llm.ServiceBrief
}

var _ settlement.Worker = (*WorkProducer)(nil)

// Worker 返回卖方服务的交付生成器。
func (a *Agent) Worker(service llm.ServiceBrief) *WorkProducer {
	return &WorkProducer{agent: a, service: service}
}

// Work implements settlement.Worker.
func (w *WorkProducer) Work(ctx context.Context, o order.Order) (string, error) {
	resp, err := w.agent.generate(ctx, llm.Request{
		Mode:    llm.ModeWork,
		Role:    string(order.PartySeller),
		Service: w.service,
		Terms:   o.Terms,
	})
	if err != nil {
		return "", err
	}
	work := strings.TrimSpace(resp.Content)
	if work == "" {
		return "", xerrors.Newf(xerrors.CodeGenerationFailure, "订单 %s 的交付物为空", o.ID)
	}
	logger.Named("worker").Info("交付物已生成", slog.String("order_id", o.ID), slog.Int("length", len(work)))
	return work, nil
}

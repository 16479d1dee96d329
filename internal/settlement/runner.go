package settlement

import (
	"context"
	"log/slog"
	"time"

	"GigaCrew-Agent/internal/observability/metrics"
	"GigaCrew-Agent/pkg/logger"
)

// DefaultInterval 是两次扫描之间的默认间隔。
const DefaultInterval = 2 * time.Second

// Cycle 是一次完整的扫描。
type Cycle func(ctx context.Context) error

// Runner 重复执行 Cycle。下一轮的计时从上一轮结束时开始，因此同一个
// Runner 的两轮扫描永远不会重叠。
type Runner struct {
	name     string
	interval time.Duration
	cycle    Cycle
	logger   *slog.Logger
}

// NewRunner 构造 Runner，interval 非正数时使用 DefaultInterval。
func NewRunner(name string, interval time.Duration, cycle Cycle) *Runner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Runner{
		name:     name,
		interval: interval,
		cycle:    cycle,
		logger:   logger.Named("settlement").With(slog.String("cycle", name)),
	}
}

// Name 返回扫描名称。
func (r *Runner) Name() string { return r.name }

// RunOnce 执行一轮扫描并记录耗时。
func (r *Runner) RunOnce(ctx context.Context) error {
	start := time.Now()
	err := r.cycle(ctx)
	metrics.ObserveCycle(r.name, time.Since(start))
	if err != nil && ctx.Err() == nil {
		r.logger.Error("结算扫描失败", slog.Any("error", err))
	}
	return err
}

// Start 立即执行第一轮，之后按间隔重复，直到上下文取消。
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("结算扫描启动", slog.Duration("interval", r.interval))
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		_ = r.RunOnce(ctx)
		timer.Reset(r.interval)
	}
}

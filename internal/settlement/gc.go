package settlement

import (
	"context"
	"log/slog"

	"GigaCrew-Agent/internal/order"
)

// ProposalCollector 定期清理过期的报价记录。
type ProposalCollector struct {
	store order.Store
	options
}

// NewProposalCollector 构造 ProposalCollector。
func NewProposalCollector(store order.Store, opts ...Option) *ProposalCollector {
	return &ProposalCollector{store: store, options: newOptions("proposal_gc", opts)}
}

// Cycle 删除超过宽限期的报价。
func (c *ProposalCollector) Cycle(ctx context.Context) error {
	removed, err := c.store.DeleteExpiredProposals(ctx, c.now())
	if err != nil {
		return storageError(err, "清理过期报价失败")
	}
	if removed > 0 {
		c.logger.Info("已清理过期报价", slog.Int64("removed", removed))
	}
	return nil
}

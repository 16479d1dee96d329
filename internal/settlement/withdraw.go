package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"GigaCrew-Agent/internal/observability/metrics"
	"GigaCrew-Agent/internal/order"
	"GigaCrew-Agent/internal/web3"
	"GigaCrew-Agent/pkg/logger"
)

// withdrawer 实现买卖双方共用的提现扫描。
type withdrawer struct {
	party  order.Party
	ledger web3.Ledger
	store  order.Store
	*options
}

// lostShare 返回该方在争议中完全败诉时买方获得的份额。
func (w *withdrawer) lostShare() uint8 {
	if w.party == order.PartySeller {
		return 100
	}
	return 0
}

func (w *withdrawer) clearFlags(ctx context.Context, ids []string) error {
	if w.party == order.PartySeller {
		return w.store.SetCanSellerWithdraw(ctx, ids, false)
	}
	return w.store.SetCanBuyerWithdraw(ctx, ids, false)
}

// sweep 逐个处理可提现订单，最后一次性清除已结束订单的提现标记。
func (w *withdrawer) sweep(ctx context.Context, orders []order.Order) error {
	var settled []string
	for _, o := range orders {
		if ctx.Err() != nil {
			break
		}
		if w.settle(ctx, o) {
			settled = append(settled, o.ID)
		}
	}
	if len(settled) == 0 {
		return ctx.Err()
	}
	if err := w.clearFlags(ctx, settled); err != nil {
		return storageError(err, "清除提现标记失败")
	}
	return ctx.Err()
}

// settle 返回 true 表示该订单对本方已经结束，不必再尝试。
func (w *withdrawer) settle(ctx context.Context, o order.Order) bool {
	party := string(w.party)
	share, err := w.ledger.DisputeResult(ctx, o.ID)
	switch {
	case err == nil:
		if share == w.lostShare() {
			metrics.ObserveSettlement(party, "withdraw", "dispute_lost")
			logger.Audit().Info("争议败诉，停止提现",
				slog.String("order_id", o.ID),
				slog.String("party", party),
				slog.Int("buyer_share", int(share)),
			)
			return true
		}
	case errors.Is(err, web3.ErrNoDispute):
	default:
		if pending, ok := web3.AsResolutionPending(err); ok {
			w.recordResolution(ctx, o.ID, pending.Until)
			return false
		}
		metrics.ObserveSettlement(party, "dispute_result", "failed")
		w.logger.Warn("查询争议结果失败", slog.String("order_id", o.ID), slog.Any("error", err))
		return false
	}

	if err := w.ledger.WithdrawFunds(ctx, o.ID); err != nil {
		if pending, ok := web3.AsResolutionPending(err); ok {
			w.recordResolution(ctx, o.ID, pending.Until)
			return false
		}
		metrics.ObserveSettlement(party, "withdraw", "failed")
		w.logger.Error("提现失败", slog.String("order_id", o.ID), slog.Any("error", err))
		w.alert(ctx, err, o.ID, w.party, "withdraw")
		return false
	}

	metrics.ObserveSettlement(party, "withdraw", "ok")
	if err := w.store.MarkWithdrawn(ctx, o.ID, w.party); err != nil {
		w.logger.Error("记录提现状态失败", slog.String("order_id", o.ID), slog.Any("error", err))
	}
	logger.Audit().Info("提现成功",
		slog.String("order_id", o.ID),
		slog.String("party", party),
		slog.String("price", o.Price),
	)
	return true
}

func (w *withdrawer) recordResolution(ctx context.Context, orderID string, until time.Time) {
	metrics.ObserveSettlement(string(w.party), "withdraw", "resolution_pending")
	if err := w.store.SetResolutionPeriod(ctx, orderID, until); err != nil {
		w.logger.Error("记录争议结束时间失败", slog.String("order_id", orderID), slog.Any("error", err))
		return
	}
	w.logger.Info("争议尚未结束，推迟提现",
		slog.String("order_id", orderID),
		slog.Time("resolution_period", until),
	)
}

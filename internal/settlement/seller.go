package settlement

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	xerrors "GigaCrew-Agent/internal/errors"
	"GigaCrew-Agent/internal/observability/metrics"
	"GigaCrew-Agent/internal/order"
	"GigaCrew-Agent/internal/web3"
	"GigaCrew-Agent/pkg/logger"
)

// SellerConfig 描述卖方提供的服务及其交付耗时。
type SellerConfig struct {
	ServiceID string
	// TimePerService 是完成一次服务预计需要的时间。
	TimePerService time.Duration
	// TimeBuffer 是提交交付物上链所预留的时间。
	TimeBuffer time.Duration
}

// Seller reacts to escrows opened for the local service, produces and
// submits work, and withdraws funds once the lock period has passed.
type Seller struct {
	cfg    SellerConfig
	ledger web3.Ledger
	store  order.Store
	worker Worker
	options
	withdrawer withdrawer
}

// NewSeller 构造 Seller。
func NewSeller(cfg SellerConfig, ledger web3.Ledger, store order.Store, worker Worker, opts ...Option) (*Seller, error) {
	cfg.ServiceID = strings.TrimSpace(cfg.ServiceID)
	switch {
	case ledger == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "卖方未配置账本")
	case store == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "卖方未配置订单存储")
	case worker == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "卖方未配置交付生成器")
	case cfg.ServiceID == "":
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "卖方服务 ID 不能为空")
	case cfg.TimePerService < 0 || cfg.TimeBuffer < 0:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "服务耗时不能为负数")
	}
	s := &Seller{
		cfg:     cfg,
		ledger:  ledger,
		store:   store,
		worker:  worker,
		options: newOptions("settlement_seller", opts),
	}
	s.withdrawer = withdrawer{party: order.PartySeller, ledger: ledger, store: store, options: &s.options}
	return s, nil
}

// Filters 返回卖方关心的链上事件。
func (s *Seller) Filters() []web3.EventFilter {
	return []web3.EventFilter{{
		Kind:      web3.EventEscrowCreated,
		ServiceID: s.cfg.ServiceID,
		Seller:    s.ledger.Address(),
	}}
}

// completable 判断在截止时间前是否还来得及完成并提交交付物。
func (s *Seller) completable(deadline time.Time) bool {
	return !s.now().Add(s.cfg.TimePerService + s.cfg.TimeBuffer).After(deadline)
}

// SaveNewOrder 将 EscrowCreated 事件落库。条款从报价记录中还原，
// 来不及完成的订单直接忽略。
func (s *Seller) SaveNewOrder(ctx context.Context, escrow *web3.Escrow) error {
	if escrow == nil {
		return nil
	}
	if escrow.ServiceID != s.cfg.ServiceID {
		s.logger.Debug("忽略其他服务的托管", slog.String("order_id", escrow.OrderID), slog.String("service_id", escrow.ServiceID))
		return nil
	}
	if !s.completable(escrow.Deadline) {
		metrics.ObserveSettlement(string(order.PartySeller), "save_order", "expired")
		s.logger.Warn("订单截止时间过近，跳过",
			slog.String("order_id", escrow.OrderID),
			slog.Time("deadline", escrow.Deadline),
		)
		return nil
	}

	price := "0"
	if escrow.Price != nil {
		price = escrow.Price.String()
	}
	err := s.store.InsertOrder(ctx, order.Order{
		ID:        escrow.OrderID,
		ServiceID: escrow.ServiceID,
		Buyer:     escrow.Buyer.Hex(),
		Seller:    escrow.Seller.Hex(),
		Status:    order.StatusPending,
		Price:     price,
		Deadline:  escrow.Deadline,
	})
	if errors.Is(err, order.ErrProposalNotFound) {
		metrics.ObserveSettlement(string(order.PartySeller), "save_order", "unknown_proposal")
		return xerrors.Wrap(xerrors.CodeNotFound, err, "托管订单没有对应的报价记录",
			xerrors.WithMetadata("order_id", escrow.OrderID))
	}
	if err != nil {
		metrics.ObserveSettlement(string(order.PartySeller), "save_order", "failed")
		return storageError(err, "保存托管订单失败")
	}
	metrics.ObserveSettlement(string(order.PartySeller), "save_order", "ok")
	logger.Audit().Info("收到新订单",
		slog.String("order_id", escrow.OrderID),
		slog.String("service_id", escrow.ServiceID),
		slog.String("buyer", escrow.Buyer.Hex()),
		slog.String("price", price),
		slog.Time("deadline", escrow.Deadline),
	)
	return nil
}

// WorkCycle 为每个待交付订单生成并提交交付物。
func (s *Seller) WorkCycle(ctx context.Context) error {
	orders, err := s.store.ActiveOrdersForSeller(ctx, s.ledger.Address().Hex(), s.cfg.ServiceID, s.now())
	if err != nil {
		return storageError(err, "查询待交付订单失败")
	}
	for _, o := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.completable(o.Deadline) {
			continue
		}
		s.deliver(ctx, o)
	}
	return nil
}

func (s *Seller) deliver(ctx context.Context, o order.Order) {
	seller := string(order.PartySeller)
	work := ""
	if o.HasWork() {
		work = *o.Work
	} else {
		produced, err := s.worker.Work(ctx, o)
		if err == nil && strings.TrimSpace(produced) == "" {
			err = xerrors.New(xerrors.CodeUnknown, "交付物为空")
		}
		if err != nil {
			metrics.ObserveSettlement(seller, "work", "failed")
			s.logger.Error("生成交付物失败", slog.String("order_id", o.ID), slog.Any("error", err))
			s.recordFailure(ctx, o.ID)
			return
		}
		work = produced
		if err := s.store.SetWork(ctx, o.ID, work); err != nil {
			s.logger.Error("保存交付物失败", slog.String("order_id", o.ID), slog.Any("error", err))
			return
		}
	}

	submission, err := s.ledger.SubmitWork(ctx, o.ID, work)
	if err != nil {
		metrics.ObserveSettlement(seller, "submit_work", "failed")
		s.logger.Error("提交交付物失败", slog.String("order_id", o.ID), slog.Any("error", err))
		s.alert(ctx, err, o.ID, order.PartySeller, "submit_work")
		s.recordFailure(ctx, o.ID)
		return
	}
	metrics.ObserveSettlement(seller, "submit_work", "ok")
	if err := s.store.SetLockPeriod(ctx, o.ID, submission.LockPeriod); err != nil {
		s.logger.Error("记录锁定期失败", slog.String("order_id", o.ID), slog.Any("error", err))
		return
	}
	logger.Audit().Info("交付物已上链",
		slog.String("order_id", o.ID),
		slog.String("buyer", o.Buyer),
		slog.Time("lock_period", submission.LockPeriod),
	)
}

func (s *Seller) recordFailure(ctx context.Context, orderID string) {
	if err := s.store.IncrementFailedAttempts(ctx, orderID); err != nil {
		s.logger.Error("记录失败次数失败", slog.String("order_id", orderID), slog.Any("error", err))
	}
}

// WithdrawCycle 对锁定期或争议期已结束的订单提现。
func (s *Seller) WithdrawCycle(ctx context.Context) error {
	orders, err := s.store.WithdrawableOrdersForSeller(ctx, s.ledger.Address().Hex(), s.cfg.ServiceID, s.now())
	if err != nil {
		return storageError(err, "查询卖方可提现订单失败")
	}
	return s.withdrawer.sweep(ctx, orders)
}

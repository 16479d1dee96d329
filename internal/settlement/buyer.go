package settlement

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	xerrors "GigaCrew-Agent/internal/errors"
	"GigaCrew-Agent/internal/negotiation"
	"GigaCrew-Agent/internal/observability/metrics"
	"GigaCrew-Agent/internal/order"
	"GigaCrew-Agent/internal/web3"
	"GigaCrew-Agent/pkg/logger"
)

// MinEscrowDeadline 是提交给托管合约的最短交付期限。
const MinEscrowDeadline = 100 * time.Second

// Buyer opens escrows for accepted proposals, receives work and withdraws
// funds when the seller missed the deadline or lost a dispute.
type Buyer struct {
	ledger  web3.Ledger
	store   order.Store
	waiters *order.Waiters
	options
	withdrawer withdrawer
}

// NewBuyer 构造 Buyer。waiters 为空时使用新的等待表。
func NewBuyer(ledger web3.Ledger, store order.Store, waiters *order.Waiters, opts ...Option) (*Buyer, error) {
	if ledger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "买方未配置账本")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "买方未配置订单存储")
	}
	if waiters == nil {
		waiters = order.NewWaiters()
	}
	b := &Buyer{
		ledger:  ledger,
		store:   store,
		waiters: waiters,
		options: newOptions("settlement_buyer", opts),
	}
	b.withdrawer = withdrawer{party: order.PartyBuyer, ledger: ledger, store: store, options: &b.options}
	return b, nil
}

// Address 返回买方地址。
func (b *Buyer) Address() string { return b.ledger.Address().Hex() }

// Filters 返回买方关心的链上事件。
func (b *Buyer) Filters() []web3.EventFilter {
	return []web3.EventFilter{{
		Kind:  web3.EventWorkSubmitted,
		Buyer: b.ledger.Address(),
	}}
}

// CreateEscrow 将成交结果提交到托管合约，交易确认后才写入订单。
func (b *Buyer) CreateEscrow(ctx context.Context, res *negotiation.Result, callbackData string) (*order.Order, error) {
	if res == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "成交结果不能为空")
	}
	price, ok := new(big.Int).SetString(strings.TrimSpace(res.Price), 10)
	if !ok || price.Sign() < 0 {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "价格格式无效: %q", res.Price)
	}
	if strings.TrimSpace(res.ServiceID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "服务 ID 不能为空")
	}
	deadline := res.Deadline
	if minimum := int64(MinEscrowDeadline / time.Second); deadline < minimum {
		deadline = minimum
	}

	escrow, err := b.ledger.CreateEscrow(ctx, web3.EscrowRequest{
		OrderID:           res.OrderID,
		ServiceID:         res.ServiceID,
		Price:             price,
		ProposalExpiry:    res.ProposalExpiry,
		DeadlineSeconds:   deadline,
		ProposalSignature: res.ProposalSignature,
	})
	if err != nil {
		metrics.ObserveSettlement(string(order.PartyBuyer), "create_escrow", "failed")
		b.alert(ctx, err, res.OrderID, order.PartyBuyer, "create_escrow")
		return nil, err
	}
	metrics.ObserveSettlement(string(order.PartyBuyer), "create_escrow", "ok")

	o := order.Order{
		ID:        escrow.OrderID,
		ServiceID: res.ServiceID,
		Buyer:     b.ledger.Address().Hex(),
		Seller:    escrow.Seller.Hex(),
		Status:    order.StatusPending,
		Terms:     res.Terms,
		Price:     price.String(),
		Deadline:  escrow.Deadline,
	}
	if callbackData != "" {
		o.CallbackData = &callbackData
	}
	if err := b.store.InsertOrder(ctx, o); err != nil {
		wrapped := storageError(err, "托管已创建但订单落库失败")
		b.alert(ctx, wrapped, o.ID, order.PartyBuyer, "create_escrow")
		return nil, wrapped
	}
	logger.Audit().Info("托管已创建",
		slog.String("order_id", o.ID),
		slog.String("service_id", o.ServiceID),
		slog.String("seller", o.Seller),
		slog.String("price", o.Price),
		slog.Time("deadline", o.Deadline),
	)
	stored, err := b.store.GetOrder(ctx, o.ID)
	if err != nil {
		return &o, nil
	}
	return stored, nil
}

// Dispute 对订单发起争议并记录争议结束时间。
func (b *Buyer) Dispute(ctx context.Context, orderID string) (*order.Order, error) {
	o, err := b.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, storageError(err, "查询订单失败")
	}
	if !strings.EqualFold(o.Buyer, b.ledger.Address().Hex()) {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "订单 %s 不属于当前买方", o.ID)
	}
	if o.Status != order.StatusPending {
		return nil, xerrors.Newf(xerrors.CodeConflict, "订单 %s 当前状态为 %s，无法发起争议", o.ID, o.Status)
	}

	dispute, err := b.ledger.SubmitDispute(ctx, o.ID)
	if err != nil {
		metrics.ObserveSettlement(string(order.PartyBuyer), "dispute", "failed")
		b.alert(ctx, err, o.ID, order.PartyBuyer, "dispute")
		return nil, err
	}
	metrics.ObserveSettlement(string(order.PartyBuyer), "dispute", "ok")
	if err := b.store.SetStatus(ctx, o.ID, order.StatusDisputed); err != nil {
		return nil, storageError(err, "记录争议状态失败")
	}
	if err := b.store.SetResolutionPeriod(ctx, o.ID, dispute.ResolutionPeriod); err != nil {
		return nil, storageError(err, "记录争议结束时间失败")
	}
	logger.Audit().Warn("已发起争议",
		slog.String("order_id", o.ID),
		slog.String("seller", o.Seller),
		slog.Time("resolution_period", dispute.ResolutionPeriod),
	)
	return b.store.GetOrder(ctx, o.ID)
}

// HandleWorkSubmitted 记录卖方提交的交付物并唤醒等待者。
func (b *Buyer) HandleWorkSubmitted(ctx context.Context, work *web3.WorkSubmission) error {
	if work == nil {
		return nil
	}
	o, err := b.store.SetWorkAndLockPeriod(ctx, work.OrderID, work.Work, work.LockPeriod)
	resolved := b.waiters.Resolve(work.OrderID, work.Work)
	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		b.logger.Warn("收到未知订单的交付物", slog.String("order_id", work.OrderID), slog.Bool("waiter", resolved))
		return nil
	case err != nil:
		return storageError(err, "保存交付物失败")
	}
	attrs := []any{
		slog.String("order_id", o.ID),
		slog.String("seller", work.Seller.Hex()),
		slog.Time("lock_period", work.LockPeriod),
		slog.Bool("waiter", resolved),
	}
	if o.CallbackData != nil {
		attrs = append(attrs, slog.String("callback_data", *o.CallbackData))
	}
	logger.Audit().Info("收到交付物", attrs...)
	return nil
}

// WaitForWork 返回订单的交付物，必要时阻塞等待。
func (b *Buyer) WaitForWork(ctx context.Context, orderID string, timeout time.Duration) (string, error) {
	return order.WaitForWork(ctx, b.store, b.waiters, orderID, timeout)
}

// WithdrawCycle 对超时未交付或争议胜诉的订单取回资金。
func (b *Buyer) WithdrawCycle(ctx context.Context) error {
	orders, err := b.store.WithdrawableOrdersForBuyer(ctx, b.ledger.Address().Hex(), b.now())
	if err != nil {
		return storageError(err, "查询买方可提现订单失败")
	}
	return b.withdrawer.sweep(ctx, orders)
}

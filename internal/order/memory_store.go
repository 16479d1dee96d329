package order

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	xerrors "GigaCrew-Agent/internal/errors"
)

// MemoryStore 以内存方式保存订单与报价，主要用于测试和单机调试。
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[string]*Order
	proposals map[string]*Proposal
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*Order),
		proposals: make(map[string]*Proposal),
	}
}

// InsertOrder 实现 Store 接口。
func (m *MemoryStore) InsertOrder(_ context.Context, o Order) error {
	o.ID = NormalizeID(o.ID)
	if o.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "订单号不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.orders[o.ID]; ok {
		if existing.CallbackData == nil && o.CallbackData != nil {
			cb := *o.CallbackData
			existing.CallbackData = &cb
		}
		return nil
	}

	if o.Terms == "" {
		proposal, ok := m.proposals[o.ID]
		if !ok || proposal.ServiceID != o.ServiceID {
			return fmt.Errorf("%w: order %s service %s", ErrProposalNotFound, o.ID, o.ServiceID)
		}
		o.Terms = proposal.Terms
		delete(m.proposals, o.ID)
	}

	o.Buyer = NormalizeAddress(o.Buyer)
	o.Seller = NormalizeAddress(o.Seller)
	o.CanBuyerWithdraw = true
	o.CanSellerWithdraw = true
	clone := o.Clone()
	m.orders[o.ID] = &clone
	return nil
}

// GetOrder 返回订单副本。
func (m *MemoryStore) GetOrder(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[NormalizeID(id)]
	if !ok {
		return nil, ErrOrderNotFound
	}
	clone := o.Clone()
	return &clone, nil
}

// ListOrders 按订单号排序分页返回。
func (m *MemoryStore) ListOrders(_ context.Context, opts ListOptions) ([]Order, error) {
	opts.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[Status]struct{}, len(opts.Statuses))
	for _, s := range opts.Statuses {
		wanted[s] = struct{}{}
	}
	var matched []Order
	for _, o := range m.orders {
		if len(wanted) > 0 {
			if _, ok := wanted[o.Status]; !ok {
				continue
			}
		}
		if opts.Address != "" {
			switch opts.Party {
			case PartyBuyer:
				if o.Buyer != opts.Address {
					continue
				}
			case PartySeller:
				if o.Seller != opts.Address {
					continue
				}
			default:
				if o.Buyer != opts.Address && o.Seller != opts.Address {
					continue
				}
			}
		}
		matched = append(matched, o.Clone())
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	if opts.Offset >= len(matched) {
		return []Order{}, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// DeleteOrders 删除指定订单。
func (m *MemoryStore) DeleteOrders(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.orders, NormalizeID(id))
	}
	return nil
}

func (m *MemoryStore) update(id string, fn func(o *Order)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[NormalizeID(id)]
	if !ok {
		return ErrOrderNotFound
	}
	fn(o)
	return nil
}

// SetWork 记录交付物。
func (m *MemoryStore) SetWork(_ context.Context, id, work string) error {
	return m.update(id, func(o *Order) { o.Work = &work })
}

// SetWorkAndLockPeriod 同时记录交付物与锁定期，并返回更新后的订单。
func (m *MemoryStore) SetWorkAndLockPeriod(_ context.Context, id, work string, lock time.Time) (*Order, error) {
	var out Order
	err := m.update(id, func(o *Order) {
		o.Work = &work
		o.LockPeriod = &lock
		out = o.Clone()
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SetLockPeriod 记录锁定期。
func (m *MemoryStore) SetLockPeriod(_ context.Context, id string, lock time.Time) error {
	return m.update(id, func(o *Order) { o.LockPeriod = &lock })
}

// SetResolutionPeriod 记录争议结束时间。
func (m *MemoryStore) SetResolutionPeriod(_ context.Context, id string, until time.Time) error {
	return m.update(id, func(o *Order) { o.ResolutionPeriod = &until })
}

// SetStatus 更新订单状态。
func (m *MemoryStore) SetStatus(_ context.Context, id string, status Status) error {
	return m.update(id, func(o *Order) { o.Status = status })
}

// IncrementFailedAttempts 累加失败次数。
func (m *MemoryStore) IncrementFailedAttempts(_ context.Context, id string) error {
	return m.update(id, func(o *Order) { o.FailedAttempts++ })
}

// SetCanSellerWithdraw 批量设置卖方提现标记，不存在的订单会被忽略。
func (m *MemoryStore) SetCanSellerWithdraw(_ context.Context, ids []string, allowed bool) error {
	m.setFlags(ids, func(o *Order) { o.CanSellerWithdraw = allowed })
	return nil
}

// SetCanBuyerWithdraw 批量设置买方提现标记，不存在的订单会被忽略。
func (m *MemoryStore) SetCanBuyerWithdraw(_ context.Context, ids []string, allowed bool) error {
	m.setFlags(ids, func(o *Order) { o.CanBuyerWithdraw = allowed })
	return nil
}

func (m *MemoryStore) setFlags(ids []string, fn func(o *Order)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if o, ok := m.orders[NormalizeID(id)]; ok {
			fn(o)
		}
	}
}

// MarkWithdrawn 在同一把锁内推进状态并清除标记。
func (m *MemoryStore) MarkWithdrawn(_ context.Context, id string, party Party) error {
	return m.update(id, func(o *Order) {
		o.Status = NextStatusAfterWithdraw(o.Status, party)
		if party == PartySeller {
			o.CanSellerWithdraw = false
		} else {
			o.CanBuyerWithdraw = false
		}
	})
}

// InsertProposal 记录报价；重复的报价号覆盖旧值。
func (m *MemoryStore) InsertProposal(_ context.Context, p Proposal) error {
	p.ID = NormalizeID(p.ID)
	if p.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "报价号不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposals[p.ID] = &p
	return nil
}

// GetProposal 返回报价记录。
func (m *MemoryStore) GetProposal(_ context.Context, id string) (*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[NormalizeID(id)]
	if !ok {
		return nil, ErrProposalNotFound
	}
	clone := *p
	return &clone, nil
}

// DeleteExpiredProposals 清理超过宽限期的报价。
func (m *MemoryStore) DeleteExpiredProposals(_ context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-ProposalGracePeriod)
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, p := range m.proposals {
		if p.Expiry.Before(cutoff) {
			delete(m.proposals, id)
			removed++
		}
	}
	return removed, nil
}

// ActiveOrdersForSeller 返回待交付订单，按截止时间升序。
func (m *MemoryStore) ActiveOrdersForSeller(_ context.Context, seller, serviceID string, now time.Time) ([]Order, error) {
	seller = NormalizeAddress(seller)
	return m.selectOrders(func(o *Order) bool {
		return o.Status == StatusPending &&
			o.FailedAttempts < MaxFailedAttempts &&
			o.Seller == seller &&
			o.ServiceID == serviceID &&
			o.Deadline.After(now) &&
			o.LockPeriod == nil
	}), nil
}

// WithdrawableOrdersForSeller 返回卖方可提现订单。
func (m *MemoryStore) WithdrawableOrdersForSeller(_ context.Context, seller, serviceID string, now time.Time) ([]Order, error) {
	seller = NormalizeAddress(seller)
	return m.selectOrders(func(o *Order) bool {
		return o.Seller == seller && o.ServiceID == serviceID && SellerWithdrawable(o, now)
	}), nil
}

// WithdrawableOrdersForBuyer 返回买方可提现订单。
func (m *MemoryStore) WithdrawableOrdersForBuyer(_ context.Context, buyer string, now time.Time) ([]Order, error) {
	buyer = NormalizeAddress(buyer)
	return m.selectOrders(func(o *Order) bool {
		return o.Buyer == buyer && BuyerWithdrawable(o, now)
	}), nil
}

func (m *MemoryStore) selectOrders(match func(o *Order) bool) []Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Order
	for _, o := range m.orders {
		if match(o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].ID < out[j].ID
		}
		return out[i].Deadline.Before(out[j].Deadline)
	})
	return out
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

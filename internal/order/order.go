package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status mirrors the escrow status codes persisted with every order.
type Status int

const (
	StatusPending Status = iota
	StatusDisputed
	StatusBuyerWithdrawn
	StatusSellerWithdrawn
	StatusWithdrawn
)

var statusNames = map[Status]string{
	StatusPending:         "pending",
	StatusDisputed:        "disputed",
	StatusBuyerWithdrawn:  "buyer_withdrawn",
	StatusSellerWithdrawn: "seller_withdrawn",
	StatusWithdrawn:       "withdrawn",
}

// String 返回状态的可读名称。
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus 支持名称或数字形式。
func ParseStatus(raw string) (Status, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for status, name := range statusNames {
		if raw == name || raw == fmt.Sprint(int(status)) {
			return status, nil
		}
	}
	return 0, fmt.Errorf("未知的订单状态: %s", raw)
}

// Party identifies one side of an escrow.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
)

// MaxFailedAttempts excludes an order from the work cycle once reached.
const MaxFailedAttempts = 3

// ProposalGracePeriod keeps expired proposals around for late escrow events.
const ProposalGracePeriod = 5 * time.Minute

var (
	// ErrOrderNotFound 表示订单不存在。
	ErrOrderNotFound = errors.New("order not found")
	// ErrProposalNotFound 表示无法从报价记录中还原订单条款。
	ErrProposalNotFound = errors.New("proposal not found")
)

// Order 是托管结算的持久化单元。
type Order struct {
	ID                string     `json:"order_id"`
	ServiceID         string     `json:"service_id"`
	Buyer             string     `json:"buyer_address"`
	Seller            string     `json:"seller_address"`
	Status            Status     `json:"status"`
	Terms             string     `json:"terms"`
	Price             string     `json:"price"`
	Work              *string    `json:"work,omitempty"`
	Deadline          time.Time  `json:"deadline"`
	LockPeriod        *time.Time `json:"lock_period,omitempty"`
	ResolutionPeriod  *time.Time `json:"resolution_period,omitempty"`
	CallbackData      *string    `json:"callback_data,omitempty"`
	FailedAttempts    int        `json:"failed_attempts"`
	CanSellerWithdraw bool       `json:"can_seller_withdraw"`
	CanBuyerWithdraw  bool       `json:"can_buyer_withdraw"`
}

// HasWork reports whether a deliverable has been recorded.
func (o *Order) HasWork() bool {
	return o != nil && o.Work != nil
}

// Clone returns a deep copy so callers never share the nullable fields.
func (o Order) Clone() Order {
	if o.Work != nil {
		work := *o.Work
		o.Work = &work
	}
	if o.LockPeriod != nil {
		lock := *o.LockPeriod
		o.LockPeriod = &lock
	}
	if o.ResolutionPeriod != nil {
		res := *o.ResolutionPeriod
		o.ResolutionPeriod = &res
	}
	if o.CallbackData != nil {
		cb := *o.CallbackData
		o.CallbackData = &cb
	}
	return o
}

// Proposal 是订单生成前的报价记录，ID 即报价消息对应的 trail。
type Proposal struct {
	ID        string    `json:"proposal_id"`
	ServiceID string    `json:"service_id"`
	Terms     string    `json:"terms"`
	Expiry    time.Time `json:"proposal_expiry"`
}

// ListOptions 控制订单列表查询。
type ListOptions struct {
	Limit    int
	Offset   int
	Party    Party
	Address  string
	Statuses []Status
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Address = NormalizeAddress(opts.Address)
}

// Normalize 返回已校正默认值的查询参数副本。
func (opts ListOptions) Normalize() ListOptions {
	opts.applyDefaults()
	return opts
}

// Store 是订单与报价记录的唯一持久化入口，必须支持并发访问。
type Store interface {
	// InsertOrder 幂等写入订单；已存在时补齐 callback_data。Terms 为空时从报价记录还原。
	InsertOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrders(ctx context.Context, opts ListOptions) ([]Order, error)
	DeleteOrders(ctx context.Context, ids []string) error

	SetWork(ctx context.Context, id, work string) error
	SetWorkAndLockPeriod(ctx context.Context, id, work string, lock time.Time) (*Order, error)
	SetLockPeriod(ctx context.Context, id string, lock time.Time) error
	SetResolutionPeriod(ctx context.Context, id string, until time.Time) error
	SetStatus(ctx context.Context, id string, status Status) error
	IncrementFailedAttempts(ctx context.Context, id string) error
	SetCanSellerWithdraw(ctx context.Context, ids []string, allowed bool) error
	SetCanBuyerWithdraw(ctx context.Context, ids []string, allowed bool) error
	// MarkWithdrawn 原子地推进状态并清除该方的提现标记。
	MarkWithdrawn(ctx context.Context, id string, party Party) error

	InsertProposal(ctx context.Context, p Proposal) error
	GetProposal(ctx context.Context, id string) (*Proposal, error)
	DeleteExpiredProposals(ctx context.Context, now time.Time) (int64, error)

	ActiveOrdersForSeller(ctx context.Context, seller, serviceID string, now time.Time) ([]Order, error)
	WithdrawableOrdersForSeller(ctx context.Context, seller, serviceID string, now time.Time) ([]Order, error)
	WithdrawableOrdersForBuyer(ctx context.Context, buyer string, now time.Time) ([]Order, error)

	Close() error
}

// NormalizeAddress 统一地址大小写，便于比较。
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// NormalizeID 统一订单号格式：小写十六进制，无 0x 前缀。
func NormalizeID(id string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(id)), "0x")
}

// NextStatusAfterWithdraw 计算某一方提现成功后的状态。
func NextStatusAfterWithdraw(current Status, party Party) Status {
	switch party {
	case PartySeller:
		if current == StatusBuyerWithdrawn {
			return StatusWithdrawn
		}
		return StatusSellerWithdrawn
	default:
		if current == StatusSellerWithdrawn {
			return StatusWithdrawn
		}
		return StatusBuyerWithdrawn
	}
}

// SellerWithdrawable 判断订单是否满足卖方提现条件。
func SellerWithdrawable(o *Order, now time.Time) bool {
	if o == nil || !o.CanSellerWithdraw {
		return false
	}
	switch o.Status {
	case StatusPending, StatusDisputed, StatusBuyerWithdrawn:
	default:
		return false
	}
	return before(o.LockPeriod, now) || before(o.ResolutionPeriod, now)
}

// BuyerWithdrawable 判断订单是否满足买方提现条件。
func BuyerWithdrawable(o *Order, now time.Time) bool {
	if o == nil || !o.CanBuyerWithdraw {
		return false
	}
	switch o.Status {
	case StatusPending, StatusDisputed, StatusSellerWithdrawn:
	default:
		return false
	}
	if o.LockPeriod == nil && o.Deadline.Before(now) {
		return true
	}
	return before(o.ResolutionPeriod, now)
}

func before(ts *time.Time, now time.Time) bool {
	return ts != nil && ts.Before(now)
}

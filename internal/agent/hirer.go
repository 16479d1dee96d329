package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xerrors "GigaCrew-Agent/internal/errors"
	"GigaCrew-Agent/internal/negotiation"
	"GigaCrew-Agent/internal/order"
	"GigaCrew-Agent/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// EscrowBuyer 是 Hirer 需要的买方结算能力。
type EscrowBuyer interface {
	CreateEscrow(ctx context.Context, res *negotiation.Result, callbackData string) (*order.Order, error)
	WaitForWork(ctx context.Context, orderID string, timeout time.Duration) (string, error)
}

// Dialer 打开到卖方协商端点的连接。
type Dialer func(ctx context.Context, endpoint string) (negotiation.Conn, error)

// HireRequest 描述一次雇佣。
type HireRequest struct {
	Query string `json:"query"`
	// ServiceID 指定要雇佣的服务，为空时使用搜索结果的第一项。
	ServiceID string `json:"service_id,omitempty"`
	// Brief 是交给卖方的工作说明。
	Brief        string `json:"brief"`
	CallbackData string `json:"callback_data,omitempty"`
	// WaitTimeout 大于零时在返回前等待交付物。
	WaitTimeout time.Duration `json:"-"`
}

// HireResult 汇总一次雇佣的结果。
type HireResult struct {
	Service Service      `json:"service"`
	Order   *order.Order `json:"order"`
	Work    string       `json:"work,omitempty"`
}

// Hirer 串联搜索、协商、托管与等待交付。
type Hirer struct {
	agent           *Agent
	searcher        Searcher
	buyer           EscrowBuyer
	signer          *negotiation.Signer
	dial            Dialer
	defaultEndpoint string
	sessionOpts     []negotiation.Option
	logger          *slog.Logger
}

// HirerOption 定义可选配置。
type HirerOption func(*Hirer)

// WithDialer 替换协商连接方式，主要用于测试。
func WithDialer(dial Dialer) HirerOption {
	return func(h *Hirer) {
		if dial != nil {
			h.dial = dial
		}
	}
}

// WithDefaultEndpoint 设置索引未提供端点时使用的卖方地址。
func WithDefaultEndpoint(endpoint string) HirerOption {
	return func(h *Hirer) { h.defaultEndpoint = strings.TrimSpace(endpoint) }
}

// WithSessionOptions 追加买方会话的选项。
func WithSessionOptions(opts ...negotiation.Option) HirerOption {
	return func(h *Hirer) { h.sessionOpts = append(h.sessionOpts, opts...) }
}

// NewHirer 构造 Hirer。
func NewHirer(ag *Agent, searcher Searcher, buyer EscrowBuyer, signer *negotiation.Signer, opts ...HirerOption) *Hirer {
	h := &Hirer{
		agent:    ag,
		searcher: searcher,
		buyer:    buyer,
		signer:   signer,
		dial: func(ctx context.Context, endpoint string) (negotiation.Conn, error) {
			return negotiation.Dial(ctx, endpoint, nil)
		},
		logger: logger.Named("hirer"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Hire 搜索服务、与卖方协商、创建托管，并按需等待交付物。
func (h *Hirer) Hire(ctx context.Context, req HireRequest) (*HireResult, error) {
	if h.searcher == nil || h.buyer == nil || h.signer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "买方组件未初始化")
	}
	if strings.TrimSpace(req.Brief) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "工作说明不能为空")
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		query = req.Brief
	}

	services, err := h.searcher.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	service, ok := chooseService(services, req.ServiceID)
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeNotFound, "没有找到匹配 %q 的服务", query)
	}
	endpoint := strings.TrimSpace(service.CommunicationEndpoint)
	if endpoint == "" {
		endpoint = h.defaultEndpoint
	}
	if endpoint == "" {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "服务 %s 没有协商端点", service.ServiceID)
	}

	conn, err := h.dial(ctx, endpoint)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "连接卖方失败")
	}
	opts := append([]negotiation.Option{negotiation.WithServiceID(service.ServiceID)}, h.sessionOpts...)
	if common.IsHexAddress(service.Seller) {
		opts = append(opts, negotiation.WithExpectedCounterparty(common.HexToAddress(service.Seller)))
	}
	session := negotiation.NewSession(negotiation.RoleBuyer, conn, h.signer, h.agent.Negotiator(service.Brief(), req.Brief), opts...)
	h.logger.Info("开始与卖方协商",
		slog.String("session_id", session.ID()),
		slog.String("service_id", service.ServiceID),
		slog.String("endpoint", endpoint),
	)

	res, err := session.Run(ctx)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, xerrors.Newf(xerrors.CodeConflict, "未与服务 %s 达成协议 (%s)", service.ServiceID, session.State())
	}

	o, err := h.buyer.CreateEscrow(ctx, res, req.CallbackData)
	if err != nil {
		return nil, err
	}
	result := &HireResult{Service: service, Order: o}
	if req.WaitTimeout > 0 {
		work, err := h.buyer.WaitForWork(ctx, o.ID, req.WaitTimeout)
		if err != nil {
			return result, err
		}
		result.Work = work
	}
	return result, nil
}

func chooseService(services []Service, serviceID string) (Service, bool) {
	serviceID = strings.TrimSpace(serviceID)
	for _, s := range services {
		if serviceID == "" || s.ServiceID == serviceID {
			return s, true
		}
	}
	return Service{}, false
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"GigaCrew-Agent/internal/agent"
	"GigaCrew-Agent/internal/auth"
	xerrors "GigaCrew-Agent/internal/errors"
	"GigaCrew-Agent/internal/observability/metrics"
	"GigaCrew-Agent/internal/order"
	"GigaCrew-Agent/internal/web3"
	"GigaCrew-Agent/pkg/logger"
)

const (
	defaultWorkWait = 30 * time.Second
	maxWorkWait     = 10 * time.Minute
	maxListLimit    = 200
)

// OrderReader 是 API 需要的订单查询能力。
type OrderReader interface {
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	ListOrders(ctx context.Context, opts order.ListOptions) ([]order.Order, error)
}

// BuyerService 暴露买方的争议与等待交付。
type BuyerService interface {
	Dispute(ctx context.Context, orderID string) (*order.Order, error)
	WaitForWork(ctx context.Context, orderID string, timeout time.Duration) (string, error)
}

// HireService 执行一次完整的雇佣流程。
type HireService interface {
	Hire(ctx context.Context, req agent.HireRequest) (*agent.HireResult, error)
}

// ChainProber 提供健康检查所需的链上概况。
type ChainProber interface {
	FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error)
}

// Options 汇总 API 服务的依赖。买方相关依赖为空时对应接口返回 503。
type Options struct {
	Address       string
	Orders        OrderReader
	Buyer         BuyerService
	Hirer         HireService
	Searcher      agent.Searcher
	Auth          *auth.Service
	Chain         ChainProber
	BuyerAddress  string
	SellerAddress string
	RateLimit     float64
	RateBurst     int
}

// Server 负责暴露订单查询、争议与雇佣接口。
type Server struct {
	opts    Options
	limiter *ipLimiter
	logger  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(opts Options) *Server {
	return &Server{
		opts:    opts,
		limiter: newIPLimiter(opts.RateLimit, opts.RateBurst),
		logger:  logger.Named("api"),
	}
}

// Handler 返回完整的路由与中间件链。
func (s *Server) Handler() http.Handler {
	read := s.protect(auth.PermissionOrdersRead, "orders")
	write := s.protect(auth.PermissionOrdersWrite, "orders")
	hire := s.protect(auth.PermissionHire, "hire")

	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/orders", read(http.HandlerFunc(s.handleListOrders)))
	mux.Handle("GET /api/v1/orders/{id}", read(http.HandlerFunc(s.handleGetOrder)))
	mux.Handle("GET /api/v1/orders/{id}/work", read(http.HandlerFunc(s.handleWaitForWork)))
	mux.Handle("POST /api/v1/orders/{id}/dispute", write(http.HandlerFunc(s.handleDispute)))
	mux.Handle("POST /api/v1/hire", hire(http.HandlerFunc(s.handleHire)))
	mux.Handle("GET /api/v1/services", read(http.HandlerFunc(s.handleSearchServices)))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	return withRequestID(s.observe(s.limiter.middleware(mux)))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Address,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.opts.Address))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

func (s *Server) protect(permission, event string) func(http.Handler) http.Handler {
	return s.opts.Auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {permission}},
		AuditEvent:          event,
	})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	if s.opts.Orders == nil {
		writeUnavailable(w, "订单存储未初始化")
		return
	}
	query := r.URL.Query()
	opts := order.ListOptions{Limit: 20}
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, xerrors.Newf(xerrors.CodeInvalidArgument, "limit 无效: %q", raw))
			return
		}
		opts.Limit = min(parsed, maxListLimit)
	}
	if raw := query.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, xerrors.Newf(xerrors.CodeInvalidArgument, "offset 无效: %q", raw))
			return
		}
		opts.Offset = parsed
	}
	switch role := strings.ToLower(strings.TrimSpace(query.Get("role"))); role {
	case "":
	case string(order.PartyBuyer):
		if s.opts.BuyerAddress == "" {
			writeJSON(w, http.StatusOK, []order.Order{})
			return
		}
		opts.Party, opts.Address = order.PartyBuyer, order.NormalizeAddress(s.opts.BuyerAddress)
	case string(order.PartySeller):
		if s.opts.SellerAddress == "" {
			writeJSON(w, http.StatusOK, []order.Order{})
			return
		}
		opts.Party, opts.Address = order.PartySeller, order.NormalizeAddress(s.opts.SellerAddress)
	default:
		writeError(w, xerrors.Newf(xerrors.CodeInvalidArgument, "role 只能是 buyer 或 seller: %q", role))
		return
	}
	for _, raw := range query["status"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, err := order.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "status 无效"))
				return
			}
			opts.Statuses = append(opts.Statuses, status)
		}
	}

	orders, err := s.opts.Orders.ListOrders(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if orders == nil {
		orders = []order.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	if s.opts.Orders == nil {
		writeUnavailable(w, "订单存储未初始化")
		return
	}
	o, err := s.opts.Orders.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	if s.opts.Buyer == nil {
		writeUnavailable(w, "未启用买方角色")
		return
	}
	o, err := s.opts.Buyer.Dispute(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleWaitForWork(w http.ResponseWriter, r *http.Request) {
	if s.opts.Buyer == nil {
		writeUnavailable(w, "未启用买方角色")
		return
	}
	timeout, err := parseSeconds(r.URL.Query().Get("timeout"), defaultWorkWait)
	if err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	work, err := s.opts.Buyer.WaitForWork(r.Context(), id, timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": id, "work": work})
}

type hireRequest struct {
	agent.HireRequest
	WaitSeconds int `json:"wait_seconds"`
}

func (s *Server) handleHire(w http.ResponseWriter, r *http.Request) {
	if s.opts.Hirer == nil {
		writeUnavailable(w, "未启用买方角色")
		return
	}
	var req hireRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if req.WaitSeconds < 0 || time.Duration(req.WaitSeconds)*time.Second > maxWorkWait {
		writeError(w, xerrors.Newf(xerrors.CodeInvalidArgument, "wait_seconds 超出范围: %d", req.WaitSeconds))
		return
	}
	req.HireRequest.WaitTimeout = time.Duration(req.WaitSeconds) * time.Second

	result, err := s.opts.Hirer.Hire(r.Context(), req.HireRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleSearchServices(w http.ResponseWriter, r *http.Request) {
	if s.opts.Searcher == nil {
		writeUnavailable(w, "未配置服务索引")
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "query 不能为空"))
		return
	}
	services, err := s.opts.Searcher.Search(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	if services == nil {
		services = []agent.Service{}
	}
	writeJSON(w, http.StatusOK, services)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "ok",
		"buyer":  s.opts.BuyerAddress,
		"seller": s.opts.SellerAddress,
	}
	status := http.StatusOK
	if s.opts.Chain != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		snapshot, err := s.opts.Chain.FetchChainSnapshot(ctx)
		if err != nil {
			s.logger.Warn("获取链上概况失败", slog.Any("error", err))
			body["status"] = "degraded"
			body["chain_error"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			body["chain"] = snapshot
		}
	}
	writeJSON(w, status, body)
}

func parseSeconds(raw string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, xerrors.Newf(xerrors.CodeInvalidArgument, "timeout 无效: %q", raw)
	}
	d := time.Duration(n) * time.Second
	if d > maxWorkWait {
		d = maxWorkWait
	}
	return d, nil
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

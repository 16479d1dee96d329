package negotiation

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"GigaCrew-Agent/pkg/logger"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// ServerConfig 描述卖方协商端点的监听参数。
type ServerConfig struct {
	Address        string
	Path           string
	MaxSessions    int
	AcceptRate     float64
	AcceptBurst    int
	SessionTimeout time.Duration
}

// SessionFactory builds a seller session for an accepted connection.
type SessionFactory func(conn Conn) *Session

// ResultHandler receives sessions that ended in StateAccepted.
type ResultHandler func(ctx context.Context, res *Result)

// Server accepts buyer connections and runs one session per connection.
type Server struct {
	cfg      ServerConfig
	factory  SessionFactory
	onResult ResultHandler
	limiter  *rate.Limiter
	slots    chan struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewServer 创建协商服务端。
func NewServer(cfg ServerConfig, factory SessionFactory, onResult ResultHandler) *Server {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 64
	}
	if cfg.AcceptRate <= 0 {
		cfg.AcceptRate = 5
	}
	if cfg.AcceptBurst <= 0 {
		cfg.AcceptBurst = 10
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 10 * time.Minute
	}
	return &Server{
		cfg:      cfg,
		factory:  factory,
		onResult: onResult,
		limiter:  rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst),
		slots:    make(chan struct{}, cfg.MaxSessions),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger.Named("negotiation_server"),
		baseCtx: context.Background(),
	}
}

// Handler upgrades requests and runs a session on the hijacked connection.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		select {
		case s.slots <- struct{}{}:
		default:
			http.Error(w, "协商会话已满", http.StatusServiceUnavailable)
			return
		}
		defer func() { <-s.slots }()

		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("升级 websocket 失败", slog.Any("error", err), slog.String("remote", r.RemoteAddr))
			return
		}

		s.mu.Lock()
		base := s.baseCtx
		s.wg.Add(1)
		s.mu.Unlock()
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(base, s.cfg.SessionTimeout)
		defer cancel()

		session := s.factory(NewWebsocketConn(ws))
		s.logger.Info("协商会话开始", slog.String("session_id", session.ID()), slog.String("remote", r.RemoteAddr))
		res, err := session.Run(ctx)
		if err != nil {
			s.logger.Info("协商会话结束", slog.String("session_id", session.ID()), slog.String("state", session.State().String()), slog.Any("error", err))
			return
		}
		if res != nil && s.onResult != nil {
			s.onResult(ctx, res)
		}
	})
}

// Start 启动监听，直到上下文取消。
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s.Handler())
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("协商端点已启动", slog.String("address", s.cfg.Address), slog.String("path", s.cfg.Path))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		s.wg.Wait()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"GigaCrew-Agent/internal/agent"
	"GigaCrew-Agent/internal/api"
	"GigaCrew-Agent/internal/auth"
	"GigaCrew-Agent/internal/config"
	"GigaCrew-Agent/internal/events"
	"GigaCrew-Agent/internal/llm"
	"GigaCrew-Agent/internal/llm/openai"
	"GigaCrew-Agent/internal/llm/pythonbridge"
	"GigaCrew-Agent/internal/negotiation"
	"GigaCrew-Agent/internal/observability/alerting"
	"GigaCrew-Agent/internal/observability/metrics"
	"GigaCrew-Agent/internal/order"
	"GigaCrew-Agent/internal/settlement"
	"GigaCrew-Agent/internal/storage/mysql"
	"GigaCrew-Agent/internal/storage/redis"
	"GigaCrew-Agent/internal/web3"
	"GigaCrew-Agent/internal/web3/provider"
	"GigaCrew-Agent/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// main 是 GigaCrew 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("gigacrewd 运行失败: %v", err)
	}
}

// stores 汇总订单存储与协商记录。
type stores struct {
	orders      order.Store
	transcripts negotiation.Transcript
	close       func()
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := logger.Init(loggerConfig(cfg.Log)); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("gigacrewd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	registry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer registry.Close()

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}
	ag := agent.New(llmClient,
		agent.WithMemoryDepth(cfg.LLM.MemoryDepth),
		agent.WithLLMTimeout(time.Duration(cfg.LLM.TimeoutSeconds)*time.Second),
	)

	alerter := alerting.NewFanout(alertNotifiers(cfg.Alerting)...)
	settleOpts := []settlement.Option{settlement.WithAlertDispatcher(alerter)}
	interval := time.Duration(cfg.Settlement.IntervalMillis) * time.Millisecond

	group, gctx := errgroup.WithContext(ctx)
	var (
		filters []web3.EventFilter
		source  events.Source
		runners []*settlement.Runner
		apiOpts = api.Options{
			Address:   cfg.Server.Address,
			Orders:    st.orders,
			RateLimit: cfg.Server.RateLimit,
			RateBurst: cfg.Server.RateBurst,
		}
		dispatchOpts = []events.DispatcherOption{
			events.WithWorkerCount(cfg.Events.Workers),
			events.WithAlertDispatcher(alerter),
		}
	)

	if cfg.SellerEnabled() {
		signer, err := negotiation.ParseSigner(cfg.Seller.PrivateKey)
		if err != nil {
			return fmt.Errorf("卖方私钥无效: %w", err)
		}
		ledger, err := registry.DefaultLedger(signer.Key())
		if err != nil {
			return err
		}
		service := llm.ServiceBrief{
			ID:          cfg.Seller.ServiceID,
			Title:       cfg.Seller.Title,
			Description: cfg.Seller.Description,
			Price:       cfg.Seller.Price,
		}
		seller, err := settlement.NewSeller(settlement.SellerConfig{
			ServiceID:      cfg.Seller.ServiceID,
			TimePerService: time.Duration(cfg.Seller.TimePerServiceSeconds) * time.Second,
			TimeBuffer:     time.Duration(cfg.Seller.TimeBufferSeconds) * time.Second,
		}, ledger, st.orders, ag.Worker(service), settleOpts...)
		if err != nil {
			return err
		}
		filters = append(filters, seller.Filters()...)
		source = ledger
		dispatchOpts = append(dispatchOpts, events.WithSellerHandler(seller))
		apiOpts.SellerAddress = ledger.Address().Hex()
		runners = append(runners,
			settlement.NewRunner("seller_work", interval, seller.WorkCycle),
			settlement.NewRunner("seller_withdraw", interval, seller.WithdrawCycle),
		)

		wsServer := negotiation.NewServer(negotiation.ServerConfig{
			Address:        fmt.Sprintf(":%d", cfg.Negotiation.Port),
			Path:           cfg.Negotiation.Path,
			MaxSessions:    cfg.Negotiation.MaxSessions,
			AcceptRate:     cfg.Negotiation.AcceptRate,
			AcceptBurst:    cfg.Negotiation.AcceptBurst,
			SessionTimeout: time.Duration(cfg.Negotiation.SessionTimeoutSeconds) * time.Second,
		}, func(conn negotiation.Conn) *negotiation.Session {
			return negotiation.NewSession(negotiation.RoleSeller, conn, signer, ag.Negotiator(service, ""),
				negotiation.WithServiceID(cfg.Seller.ServiceID),
				negotiation.WithProposalStore(st.orders),
				negotiation.WithTranscript(st.transcripts),
				negotiation.WithTTL(time.Duration(cfg.Negotiation.MessageTTLSeconds)*time.Second),
				negotiation.WithMinDeadline(cfg.Negotiation.MinDeadlineMinutes),
			)
		}, func(_ context.Context, res *negotiation.Result) {
			logger.Audit().Info("卖方协商成交",
				slog.String("session_id", res.SessionID),
				slog.String("order_id", res.OrderID),
				slog.String("buyer", res.Counterparty.Hex()),
				slog.String("price", res.Price),
			)
		})
		group.Go(func() error { return wsServer.Start(gctx) })
		lg.Info("卖方角色已启用", slog.String("address", apiOpts.SellerAddress), slog.String("service_id", cfg.Seller.ServiceID))
	}

	if cfg.BuyerEnabled() {
		signer, err := negotiation.ParseSigner(cfg.Buyer.PrivateKey)
		if err != nil {
			return fmt.Errorf("买方私钥无效: %w", err)
		}
		ledger, err := registry.DefaultLedger(signer.Key())
		if err != nil {
			return err
		}
		buyer, err := settlement.NewBuyer(ledger, st.orders, order.NewWaiters(), settleOpts...)
		if err != nil {
			return err
		}
		filters = append(filters, buyer.Filters()...)
		if source == nil {
			source = ledger
		}
		dispatchOpts = append(dispatchOpts, events.WithBuyerHandler(buyer))
		apiOpts.Buyer = buyer
		apiOpts.BuyerAddress = buyer.Address()
		runners = append(runners, settlement.NewRunner("buyer_withdraw", interval, buyer.WithdrawCycle))

		if strings.TrimSpace(cfg.Indexer.URL) != "" {
			indexer, err := agent.NewIndexerClient(cfg.Indexer.URL, time.Duration(cfg.Indexer.TimeoutSeconds)*time.Second)
			if err != nil {
				return err
			}
			apiOpts.Searcher = indexer
			apiOpts.Hirer = agent.NewHirer(ag, indexer, buyer, signer,
				agent.WithDefaultEndpoint(cfg.Buyer.DefaultEndpoint),
				agent.WithSessionOptions(
					negotiation.WithTranscript(st.transcripts),
					negotiation.WithTTL(time.Duration(cfg.Negotiation.MessageTTLSeconds)*time.Second),
					negotiation.WithMinDeadline(cfg.Negotiation.MinDeadlineMinutes),
				),
			)
		} else {
			lg.Warn("未配置服务索引，雇佣接口不可用")
		}
		lg.Info("买方角色已启用", slog.String("address", apiOpts.BuyerAddress))
	}

	collector := settlement.NewProposalCollector(st.orders, settleOpts...)
	runners = append(runners, settlement.NewRunner("proposal_gc", time.Minute, collector.Cycle))

	queue, err := openQueue(ctx, cfg.Events.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			lg.Warn("关闭事件队列失败", slog.Any("error", err))
		}
	}()
	cursor, err := openCursor(ctx, cfg.Events.Cursor)
	if err != nil {
		return err
	}
	if closer, ok := cursor.(io.Closer); ok {
		defer closer.Close()
	}

	listener := events.NewListener(source, cursor, queue, events.ListenerConfig{
		FromBlock:      cfg.Events.FromBlock,
		ForceFromBlock: cfg.Events.ForceFromBlock,
		PollInterval:   time.Duration(cfg.Events.PollIntervalSeconds) * time.Second,
	}, filters...)
	dispatcher := events.NewDispatcher(queue, dispatchOpts...)

	authSvc, err := auth.NewService(authTokens(cfg.Server.AuthTokens))
	if err != nil {
		return err
	}
	apiOpts.Auth = authSvc
	if chain, err := registry.DefaultClient(); err == nil {
		apiOpts.Chain = chain
	}
	server := api.NewServer(apiOpts)

	group.Go(func() error { return listener.Start(gctx) })
	group.Go(func() error { return dispatcher.Start(gctx) })
	for _, runner := range runners {
		group.Go(func() error { return runner.Start(gctx) })
	}
	group.Go(func() error { return server.Start(gctx) })
	if cfg.Server.MetricsAddr != "" {
		group.Go(func() error { return metrics.StartServer(gctx, cfg.Server.MetricsAddr) })
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("gigacrewd 已退出")
	return nil
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.Storage.Driver {
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.MySQL.ConnMaxIdleTimeSeconds) * time.Second,
			AutoMigrate:     cfg.Storage.MySQL.AutoMigrate,
		})
		if err != nil {
			return nil, err
		}
		repo := mysql.NewOrderRepositoryWithDB(db)
		return &stores{
			orders:      repo,
			transcripts: mysql.NewSQLTranscriptRepository(db),
			close:       func() { _ = repo.Close() },
		}, nil
	default:
		transcripts, err := mysql.NewMemoryTranscriptRepository(cfg.Runtime.DataDir)
		if err != nil {
			return nil, err
		}
		store := order.NewMemoryStore()
		return &stores{
			orders:      store,
			transcripts: transcripts,
			close:       func() { _ = store.Close() },
		}, nil
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (events.Queue, error) {
	switch cfg.Driver {
	case "redis":
		return events.NewRedisQueue(ctx, events.RedisQueueConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Key,
		})
	case "rabbitmq":
		return events.NewRabbitMQQueue(events.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
	case "", "memory":
		return events.NewMemoryQueue(cfg.Size), nil
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func openCursor(ctx context.Context, cfg config.CursorConfig) (events.Cursor, error) {
	switch cfg.Driver {
	case "redis":
		return redis.NewCursor(ctx, redis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
	case "", "memory":
		return events.NewMemoryCursor(), nil
	default:
		return nil, fmt.Errorf("未知的游标驱动: %s", cfg.Driver)
	}
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir)
	case "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" && cfg.LLM.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.LLM.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: time.Duration(cfg.LLM.OpenAI.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func alertNotifiers(cfg config.AlertingConfig) []alerting.Notifier {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL})
	}
	return notifiers
}

func authTokens(tokens []config.AuthToken) []auth.Token {
	out := make([]auth.Token, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, auth.Token{Name: tok.Name, Secret: tok.Token, Permissions: tok.Permissions})
	}
	return out
}

func loggerConfig(cfg config.LogConfig) logger.Config {
	rotation := logger.RotationConfig{
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.OutputPaths,
		Rotation:    rotation,
		Audit: logger.AuditConfig{
			Enabled:        cfg.AuditPath != "",
			Path:           cfg.AuditPath,
			RotationConfig: rotation,
		},
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"NUMA-Market/internal/account"
	"NUMA-Market/internal/agent"
	"NUMA-Market/internal/api"
	"NUMA-Market/internal/auth"
	"NUMA-Market/internal/catalog"
	"NUMA-Market/internal/config"
	"NUMA-Market/internal/executor"
	"NUMA-Market/internal/matching"
	"NUMA-Market/internal/observability/alerting"
	"NUMA-Market/internal/observability/metrics"
	"NUMA-Market/internal/payment"
	"NUMA-Market/internal/relay"
	"NUMA-Market/internal/reputation"
	"NUMA-Market/internal/settlement"
	"NUMA-Market/internal/storage/mysql"
	"NUMA-Market/internal/storage/pebble"
	"NUMA-Market/internal/task"
	"NUMA-Market/internal/web3/provider"
	"NUMA-Market/pkg/logger"
)

// main 是 NUMA 市场守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("numad 运行失败: %v", err)
	}
}

// stores 汇总各组件的持久化后端，内存模式下全部为空。
type stores struct {
	catalog    catalog.Store
	accounts   account.Store
	reputation reputation.Store
	records    settlement.RecordLog
	reader     settlement.RecordReader
	jobs       task.Store
	close      func()
}

func run(ctx context.Context) error {
	// .env 不存在时忽略。
	_ = godotenv.Load()

	configPath := os.Getenv("NUMA_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "numa.json")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("numad")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	alerts := buildAlerting(cfg.Alerting)

	ledger := reputation.NewLedger(
		reputation.WithRule(reputation.EMARule{Alpha: cfg.Reputation.Alpha}),
		reputation.WithInitialScore(cfg.Reputation.InitialScore),
		reputation.WithStore(st.reputation),
	)
	registry := account.NewRegistry(account.WithStore(st.accounts))
	cat := catalog.New(catalog.WithScoreSource(ledger), catalog.WithStore(st.catalog))
	for _, load := range []func(context.Context) error{ledger.Load, registry.Load, cat.Load} {
		if err := load(ctx); err != nil {
			return err
		}
	}

	engine := matching.NewEngine(cat,
		matching.WithDefaultStrategy(matching.Strategy(cfg.Matching.DefaultStrategy)),
		matching.WithStrictStrategy(cfg.Matching.StrictStrategy),
	)

	pay, closePayment, err := buildPayment(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePayment()

	exec, err := buildExecutor(cfg.Executor)
	if err != nil {
		return err
	}

	recordLogs := []settlement.RecordLog{st.records}
	reader := st.reader
	var outbox *pebble.Outbox
	if cfg.Outbox.Enabled {
		outbox, err = pebble.Open(cfg.Outbox.Dir)
		if err != nil {
			return err
		}
		defer outbox.Close()
		recordLogs = append(recordLogs, outbox)
		if reader == nil {
			reader = outbox
		}
	}

	coordinator := settlement.NewCoordinator(registry, pay, exec,
		settlement.WithReputation(ledger),
		settlement.WithCallStats(cat),
		settlement.WithRecordLog(recordLogs...),
		settlement.WithAlerts(alerts),
		settlement.WithPaymentTimeout(cfg.Settlement.PaymentTimeout()),
		settlement.WithCallTimeout(cfg.Settlement.CallTimeout()),
		settlement.WithRecordRetries(cfg.Settlement.RecordRetries),
	)
	orchestrator := agent.New(registry, cat, engine, coordinator,
		agent.WithSeeder(ledger),
		agent.WithInitialReputation(cfg.Reputation.InitialScore),
	)

	if cfg.Catalog.SeedFile != "" {
		if err := seedCatalog(ctx, orchestrator, cfg.Catalog.SeedFile); err != nil {
			return err
		}
	}

	queue, err := buildQueue(cfg.TaskQueue)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			lg.Warn("关闭任务队列失败", slog.Any("error", err))
		}
	}()

	jobs := task.NewService(st.jobs, queue, cfg.Storage.Retries)
	processor := task.NewProcessor(orchestrator, st.jobs, queue, queue,
		task.WithWorkerCount(cfg.TaskQueue.Worker),
		task.WithAlertDispatcher(alerts),
	)

	background, cancel := context.WithCancel(ctx)
	defer cancel()

	goBackground(background, lg, "任务处理器", processor.Start)
	goBackground(background, lg, "待定付款复查", func(ctx context.Context) error {
		coordinator.RunResolver(ctx, cfg.Settlement.ResolveInterval())
		return nil
	})
	if cfg.Reputation.Decay.Enabled {
		decay := reputation.NewDecayScheduler(ledger, reputation.DecayConfig{
			Interval:            time.Duration(cfg.Reputation.Decay.IntervalSeconds) * time.Second,
			InactivityThreshold: time.Duration(cfg.Reputation.Decay.InactivityHours) * time.Hour,
			Rate:                cfg.Reputation.Decay.Rate,
			Floor:               cfg.Reputation.Decay.Floor,
		})
		goBackground(background, lg, "信誉衰减", decay.Run)
	}
	if outbox != nil {
		publisher, err := relay.NewPublisher(cfg.Outbox.KafkaDriver, cfg.Outbox.Brokers, cfg.Outbox.Topic)
		if err != nil {
			return err
		}
		defer publisher.Close()
		broadcaster := relay.New(outbox, publisher,
			relay.WithInterval(time.Duration(cfg.Outbox.IntervalMS)*time.Millisecond),
			relay.WithBatchSize(cfg.Outbox.BatchSize),
			relay.WithAlerts(alerts),
		)
		goBackground(background, lg, "结算转发", broadcaster.Start)
	}
	if cfg.Metrics.Address != "" {
		addr := cfg.Metrics.Address
		goBackground(background, lg, "指标服务", func(ctx context.Context) error {
			return metrics.StartServer(ctx, addr)
		})
	}

	guard, err := auth.NewService(auth.Config{
		Mode:      auth.Mode(cfg.Auth.Mode),
		Secret:    cfg.Auth.Secret(),
		Issuer:    cfg.Auth.Issuer,
		AccessTTL: time.Duration(cfg.Auth.AccessTTLSeconds) * time.Second,
		Clients:   cfg.Auth.Clients,
	})
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, api.Deps{
		Market:   orchestrator,
		Agents:   registry,
		Listings: cat,
		Matcher:  engine,
		Jobs:     jobs,
		Records:  reader,
		Auth:     guard,
	})
	lg.Info("NUMA 市场已启动",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.TaskQueue.Driver),
		slog.String("payment", cfg.Payment.Driver),
		slog.String("auth", cfg.Auth.Mode),
		slog.Bool("outbox", cfg.Outbox.Enabled))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func goBackground(ctx context.Context, lg *slog.Logger, name string, fn func(context.Context) error) {
	go func() {
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error(name+"异常退出", slog.Any("error", err))
		}
	}()
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.Storage.Driver {
	case "memory":
		records := settlement.NewMemoryLog()
		return &stores{
			records: records,
			reader:  records,
			jobs:    task.NewMemoryStore(),
			close:   func() {},
		}, nil
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.ResolveDSN(),
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		store := mysql.NewStore(db)
		return &stores{
			catalog:    store,
			accounts:   store,
			reputation: store,
			records:    store,
			reader:     store,
			jobs:       task.NewMySQLStore(db),
			close:      func() { _ = db.Close() },
		}, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func buildPayment(ctx context.Context, cfg *config.Config) (payment.Payment, func(), error) {
	closers := []func(){}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var base payment.Payment
	switch cfg.Payment.Driver {
	case "ledger":
		base = payment.NewLedger()
	case "chain":
		chains, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, chains.Close)
		client, err := chains.DefaultClient()
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		base = payment.NewChain(client)
	default:
		return nil, nil, fmt.Errorf("未知的支付驱动: %s", cfg.Payment.Driver)
	}

	idem := cfg.Payment.Idempotency
	ttl := payment.WithTTL(time.Duration(idem.TTLSeconds) * time.Second)
	switch idem.Store {
	case "none":
		return base, closeAll, nil
	case "memory":
		return payment.WithIdempotency(base, ttl, payment.WithStore(payment.NewMemoryIdempotencyStore())), closeAll, nil
	case "redis":
		store, err := payment.NewRedisStore(payment.RedisStoreConfig{
			Address:  idem.Redis.Address,
			Password: idem.Redis.Password,
			DB:       idem.Redis.DB,
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = store.Close() })
		return payment.WithIdempotency(base, ttl, payment.WithStore(store)), closeAll, nil
	default:
		closeAll()
		return nil, nil, fmt.Errorf("未知的幂等存储: %s", idem.Store)
	}
}

func buildExecutor(cfg config.ExecutorConfig) (*executor.X402, error) {
	var signer *executor.Signer
	if key := strings.TrimSpace(os.Getenv(cfg.SigningKeyEnv)); key != "" {
		s, err := executor.NewSigner(key)
		if err != nil {
			return nil, fmt.Errorf("加载调用签名私钥失败: %w", err)
		}
		signer = s
	}
	return executor.NewX402(executor.X402Config{
		Signer:           signer,
		Breakers:         executor.NewBreakers(cfg.BreakerThreshold, time.Duration(cfg.BreakerCooldownS)*time.Second),
		MaxResponseBytes: cfg.MaxResponseBytes,
	}), nil
}

func buildQueue(cfg config.TaskQueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "memory":
		return task.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func buildAlerting(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alert")}}
	if cfg.Email.Enabled {
		notifiers = append(notifiers, &alerting.EmailNotifier{
			Sender:        &alerting.SMTPSender{Server: cfg.Email.SMTPServer, From: cfg.Email.From},
			To:            cfg.Email.To,
			SubjectPrefix: cfg.Email.Subject,
		})
	}
	if cfg.DingTalk.Enabled {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{Sender: alerting.NewWebhookSender(cfg.DingTalk.Webhook)})
	}
	if cfg.Slack.Enabled {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewWebhookSender(cfg.Slack.Webhook).SlackSender(),
			ChannelID: "#numa-alerts",
		})
	}
	return alerting.NewFanout(notifiers...)
}

func seedCatalog(ctx context.Context, orchestrator *agent.Orchestrator, path string) error {
	listings, err := catalog.LoadSeed(path)
	if err != nil {
		return err
	}
	for _, l := range listings {
		if _, err := orchestrator.RegisterListing(ctx, l); err != nil {
			return fmt.Errorf("载入服务 %s 失败: %w", l.ID(), err)
		}
	}
	return nil
}

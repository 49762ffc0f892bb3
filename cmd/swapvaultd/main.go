package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"AISwap-Executor/internal/agent"
	"AISwap-Executor/internal/api"
	"AISwap-Executor/internal/auth"
	"AISwap-Executor/internal/config"
	"AISwap-Executor/internal/observability/alerting"
	"AISwap-Executor/internal/observability/metrics"
	"AISwap-Executor/internal/storage/sqlstore"
	"AISwap-Executor/internal/trigger"
	"AISwap-Executor/internal/vault"
	"AISwap-Executor/internal/web3"
	"AISwap-Executor/pkg/logger"
)

// main 是金库守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("swapvaultd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("swapvaultd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	tokens, err := web3.LoadTokens(cfg.Web3.TokenConfig)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	exchange, err := buildExchange(ctx, cfg, tokens)
	if err != nil {
		return err
	}
	defer exchange.Close()

	recorder := vault.NewRecorder(cfg.Vault.EventBuffer)
	admin := common.HexToAddress(cfg.Vault.Admin)
	v, err := vault.New(admin, store, exchange.custody, exchange.router,
		vault.WithEmitter(vault.MultiEmitter{vault.AuditEmitter{}, recorder}),
		vault.WithLogger(logger.Named("vault")),
	)
	if err != nil {
		return err
	}
	if err := bootstrapAgents(ctx, v, cfg); err != nil {
		return err
	}

	authService, err := auth.NewService(auth.Config{
		Mode:    auth.Mode(cfg.Auth.Mode),
		MaxSkew: cfg.Auth.MaxSkew.Std(),
	})
	if err != nil {
		return err
	}

	serverOpts := []api.Option{
		api.WithAuth(authService),
		api.WithTokens(tokens),
		api.WithRecorder(recorder),
		api.WithRateLimit(cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst, cfg.Server.RateLimit.TrustedProxies...),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout.Std()),
		api.WithMetricsEndpoint(cfg.Metrics.Enabled && cfg.Metrics.Address == ""),
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	if cfg.Agent.Enabled {
		ag, err := newAgent(v, exchange.quoter, cfg.Agent, tokens)
		if err != nil {
			return err
		}
		queue, err := openQueue(ctx, cfg.TriggerQueue)
		if err != nil {
			return err
		}
		defer func() {
			if err := queue.Close(); err != nil {
				lg.Warn("关闭触发队列失败", slog.Any("error", err))
			}
		}()

		jobs := trigger.NewMemoryStore()
		triggers := trigger.NewService(jobs, queue, cfg.TriggerQueue.MaxRetries, trigger.WithOrderReader(v))
		defer triggers.Close()

		processor := trigger.NewProcessor(trigger.AgentExecutor{Agent: ag}, jobs, queue, queue,
			trigger.WithWorkerCount(cfg.TriggerQueue.Workers),
			trigger.WithProcessorLogger(logger.Named("trigger")),
			trigger.WithAlertDispatcher(buildAlerting(cfg.Alerting)),
		)
		processorCtx, processorCancel := context.WithCancel(ctx)
		defer processorCancel()
		go func() {
			if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("触发处理器异常退出", slog.Any("error", err))
			}
		}()
		serverOpts = append(serverOpts, api.WithTriggers(triggers))
	}

	lg.Info("金库服务启动",
		slog.String("admin", admin.Hex()),
		slog.String("router", v.Router().Hex()),
		slog.String("custody", v.Custody().Hex()),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("exchange", cfg.Exchange.Driver),
		slog.String("queue", cfg.TriggerQueue.Driver),
		slog.String("auth", cfg.Auth.Mode),
	)

	server := api.NewServer(cfg.Server.Address, v, serverOpts...)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (vault.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return vault.NewMemoryStore(), nil
	case "mysql", "sqlite", "sqlite3":
		return sqlstore.Open(ctx, sqlstore.Config{
			Driver:          cfg.Driver,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime.Std(),
			ConnMaxIdleTime: cfg.ConnMaxIdleTime.Std(),
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (trigger.Queue, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return trigger.NewMemoryQueue(cfg.Size), nil
	case "redis":
		queue, err := trigger.NewRedisQueue(trigger.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: cfg.Redis.BlockWait.Std(),
		})
		if err != nil {
			return nil, err
		}
		if n, err := queue.Requeue(ctx); err != nil {
			logger.L().Warn("恢复处理中的触发任务失败", slog.Any("error", err))
		} else if n > 0 {
			logger.L().Info("已恢复处理中的触发任务", slog.Int("count", n))
		}
		return queue, nil
	case "rabbitmq":
		return trigger.NewRabbitMQQueue(trigger.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

// bootstrapAgents 由管理员批准配置中的代理地址。
func bootstrapAgents(ctx context.Context, v *vault.Vault, cfg *config.Config) error {
	agents := append([]string(nil), cfg.Vault.Agents...)
	if cfg.Agent.Enabled {
		agents = append(agents, cfg.Agent.Address)
	}
	seen := make(map[common.Address]bool, len(agents))
	for _, raw := range agents {
		addr := common.HexToAddress(raw)
		if seen[addr] {
			continue
		}
		seen[addr] = true
		if err := v.SetAgent(ctx, v.Admin(), addr, true); err != nil {
			return fmt.Errorf("批准代理 %s 失败: %w", addr.Hex(), err)
		}
	}
	return nil
}

func newAgent(v *vault.Vault, quoter vault.Quoter, cfg config.AgentConfig, tokens web3.TokenSet) (*agent.Agent, error) {
	policy := agent.Config{
		Address:     common.HexToAddress(cfg.Address),
		SlippageBps: cfg.SlippageBps,
		Deadline:    cfg.Deadline.Std(),
		FeeTiers:    cfg.FeeTiers,
	}
	if raw := strings.TrimSpace(cfg.MaxAmountIn); raw != "" {
		limit, ok := new(big.Int).SetString(raw, 10)
		if !ok || limit.Sign() <= 0 {
			return nil, fmt.Errorf("agent.max_amount_in 无效: %q", raw)
		}
		policy.MaxAmountIn = limit
	}
	for _, ref := range cfg.FallbackTokens {
		tok, ok := tokens.Lookup(ref)
		if !ok && !common.IsHexAddress(ref) {
			return nil, fmt.Errorf("未知的备选代币: %s", ref)
		}
		policy.FallbackTokens = append(policy.FallbackTokens, tok.Address)
	}
	return agent.New(v, quoter, policy, agent.WithLogger(logger.Named("agent")))
}

func buildAlerting(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alert")}}
	if strings.TrimSpace(cfg.WebhookURL) != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL, Headers: cfg.Headers})
	}
	return alerting.NewFanout(notifiers...)
}

package api

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AISwap-Executor/internal/auth"
	"AISwap-Executor/internal/observability/metrics"
	"AISwap-Executor/internal/trigger"
	"AISwap-Executor/internal/vault"
	"AISwap-Executor/internal/web3"
	"AISwap-Executor/pkg/logger"
)

// Vault 是 API 依赖的金库操作集合，*vault.Vault 实现了该接口。
type Vault interface {
	Admin() common.Address
	Router() common.Address
	Custody() common.Address

	RegisterUser(ctx context.Context, user common.Address) error
	SetAgent(ctx context.Context, admin, agent common.Address, approved bool) error
	IsAgent(ctx context.Context, addr common.Address) (bool, error)
	IsRegistered(ctx context.Context, addr common.Address) (bool, error)

	Deposit(ctx context.Context, user, token common.Address, amount *big.Int) error
	Withdraw(ctx context.Context, user, token common.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, user, token common.Address) (*big.Int, error)
	CheckSolvency(ctx context.Context, token common.Address) (vault.SolvencyReport, error)

	SetPriceThreshold(ctx context.Context, owner common.Address, params vault.ThresholdParams) (common.Hash, error)
	CancelPriceThreshold(ctx context.Context, owner common.Address, id common.Hash) error
	Order(ctx context.Context, id common.Hash) (*vault.ThresholdOrder, error)
	Orders(ctx context.Context, filter vault.OrderFilter) ([]*vault.ThresholdOrder, error)

	ExecuteSwap(ctx context.Context, agent, user common.Address, req vault.SwapRequest) (*big.Int, error)
	ExecuteMultiHopSwap(ctx context.Context, agent, user common.Address, req vault.MultiHopRequest) (*big.Int, error)
}

var _ Vault = (*vault.Vault)(nil)

// Server 负责暴露 REST 接口，供用户、代理与价格监控方访问金库。
type Server struct {
	addr            string
	vault           Vault
	triggers        *trigger.Service
	recorder        *vault.Recorder
	auth            *auth.Service
	tokens          web3.TokenSet
	limiter         *rateLimiter
	serveMetrics    bool
	shutdownTimeout time.Duration
	log             *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithTriggers 启用触发任务接口。
func WithTriggers(svc *trigger.Service) Option {
	return func(s *Server) { s.triggers = svc }
}

// WithRecorder 启用最近事件查询接口。
func WithRecorder(r *vault.Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithAuth 指定身份认证服务，缺省时从 X-Caller-Address 读取调用者。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithTokens 允许请求中使用代币符号代替地址。
func WithTokens(tokens web3.TokenSet) Option {
	return func(s *Server) { s.tokens = tokens }
}

// WithRateLimit 按客户端限制请求速率，rps<=0 表示不限流。trustedProxies 为
// 可信反向代理的 IP 或 CIDR，只有来自它们的转发头会被用来识别客户端。
func WithRateLimit(rps float64, burst int, trustedProxies ...string) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = newRateLimiter(rps, burst, trustedProxies...)
		}
	}
}

// WithMetricsEndpoint 在 API 服务上挂载 /metrics。
func WithMetricsEndpoint(enabled bool) Option {
	return func(s *Server) { s.serveMetrics = enabled }
}

// WithShutdownTimeout 设置优雅退出的最长等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithLogger 指定服务日志。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, v Vault, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		vault:           v,
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.log == nil {
		s.log = logger.Named("api")
	}
	if s.auth == nil {
		s.auth, _ = auth.NewService(auth.Config{Mode: auth.ModeDisabled})
	}
	return s
}

// Handler 返回包含全部路由与中间件的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /healthz", s.handleHealth)
	if s.serveMetrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	s.route(mux, "POST /api/v1/users", s.handleRegister)
	s.route(mux, "GET /api/v1/users/{address}", s.handleIsRegistered)
	s.route(mux, "PUT /api/v1/agents/{address}", s.handleSetAgent)
	s.route(mux, "GET /api/v1/agents/{address}", s.handleIsAgent)

	s.route(mux, "POST /api/v1/deposits", s.handleDeposit)
	s.route(mux, "POST /api/v1/withdrawals", s.handleWithdraw)
	s.route(mux, "GET /api/v1/balances/{user}/{token}", s.handleBalance)
	s.route(mux, "GET /api/v1/solvency", s.handleSolvency)

	s.route(mux, "POST /api/v1/thresholds", s.handleSetThreshold)
	s.route(mux, "GET /api/v1/thresholds", s.handleListThresholds)
	s.route(mux, "GET /api/v1/thresholds/{id}", s.handleGetThreshold)
	s.route(mux, "DELETE /api/v1/thresholds/{id}", s.handleCancelThreshold)

	s.route(mux, "POST /api/v1/swaps", s.handleSwap)
	s.route(mux, "POST /api/v1/swaps/multihop", s.handleMultiHopSwap)

	s.route(mux, "POST /api/v1/triggers", s.handleSubmitTrigger)
	s.route(mux, "GET /api/v1/triggers", s.handleListTriggers)
	s.route(mux, "GET /api/v1/triggers/{id}", s.handleGetTrigger)

	s.route(mux, "GET /api/v1/vault", s.handleVaultInfo)
	s.route(mux, "GET /api/v1/events", s.handleEvents)

	var handler http.Handler = s.auth.Middleware(auth.MiddlewareConfig{
		Public: map[string]bool{"/healthz": true, "/metrics": true},
		// 只读接口允许匿名访问。
		Anonymous: func(r *http.Request) bool { return r.Method == http.MethodGet },
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			writeErrorStatus(w, http.StatusUnauthorized, err)
		},
	})(mux)
	if s.limiter != nil {
		handler = s.limiter.middleware(handler)
	}
	return handler
}

// route 注册处理器并记录请求指标。
func (s *Server) route(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		fn(sw, r)
		metrics.ObserveHTTPRequest(pattern, r.Method, sw.status, time.Since(start))
	}))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
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
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
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

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

package api

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"NUMA-Market/internal/account"
	"NUMA-Market/internal/agent"
	"NUMA-Market/internal/auth"
	"NUMA-Market/internal/catalog"
	"NUMA-Market/internal/matching"
	"NUMA-Market/internal/observability/metrics"
	"NUMA-Market/internal/settlement"
	"NUMA-Market/internal/task"
	"NUMA-Market/pkg/logger"
)

// Market 是注册与购买的编排入口。
type Market interface {
	RegisterAgent(ctx context.Context, profile account.Profile, initial *big.Int) (account.State, error)
	RegisterListing(ctx context.Context, listing catalog.Listing) (catalog.Listing, error)
	Discover(ctx context.Context, agentID, category string, budget *big.Int) ([]catalog.Listing, matching.Strategy, error)
	Execute(ctx context.Context, req agent.PurchaseRequest) (*agent.PurchaseResult, error)
}

// Agents 提供账户查询与充值。
type Agents interface {
	Get(agentID string) (*account.Agent, error)
	Credit(ctx context.Context, agentID string, amount *big.Int) (*big.Int, error)
}

// Listings 是服务目录的只读视图与下架操作。
type Listings interface {
	Deactivate(ctx context.Context, providerID, apiID string) error
	Query(category string, maxPrice *big.Int, minReputation float64) []catalog.Listing
	Snapshot() (uint64, []catalog.Listing)
	ProviderAnalytics(providerID string) (catalog.Analytics, error)
}

// Matcher 用于撮合预览。
type Matcher interface {
	Select(ctx context.Context, req matching.Request) (matching.Match, error)
}

// Jobs 管理异步购买任务。
type Jobs interface {
	Submit(ctx context.Context, req agent.PurchaseRequest) (*task.Job, error)
	Get(ctx context.Context, id string) (*task.Job, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Job, error)
}

// Deps 汇总 API 依赖的组件。Jobs 与 Records 可以为空，对应接口返回 503；
// Auth 为空时不做认证。
type Deps struct {
	Market   Market
	Agents   Agents
	Listings Listings
	Matcher  Matcher
	Jobs     Jobs
	Records  settlement.RecordReader
	Auth     *auth.Service
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr   string
	deps   Deps
	logger *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Deps) *Server {
	return &Server{addr: addr, deps: deps, logger: logger.Named("api")}
}

// Router 返回注册了全部路由的处理器。
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(instrument)

	r.HandleFunc("/api/v1/auth/token", s.handleToken).Methods(http.MethodPost)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.deps.Auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: auth.DefaultPermissions()}))
	v1.HandleFunc("/agents", s.handleRegisterAgent).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{id}", s.handleGetAgent).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{id}/credit", s.handleCredit).Methods(http.MethodPost)

	v1.HandleFunc("/listings", s.handleRegisterListing).Methods(http.MethodPost)
	v1.HandleFunc("/listings", s.handleListListings).Methods(http.MethodGet)
	v1.HandleFunc("/listings/{provider}/{api}", s.handleDeactivateListing).Methods(http.MethodDelete)

	v1.HandleFunc("/match", s.handleMatch).Methods(http.MethodPost)
	v1.HandleFunc("/purchases", s.handlePurchase).Methods(http.MethodPost)

	v1.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)

	v1.HandleFunc("/settlements", s.handleListSettlements).Methods(http.MethodGet)
	v1.HandleFunc("/providers/{id}/analytics", s.handleProviderAnalytics).Methods(http.MethodGet)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Router()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API 服务启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 按路由模板记录请求计数与耗时。
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.ObserveHTTPRequest(route, r.Method, rec.status, time.Since(start))
	})
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	nativecommon "creditswap/native/common"
	"creditswap/native/creditswap"
	"creditswap/native/redemption"
	"creditswap/observability"
	"creditswap/services/creditswapd/storage"
)

// Engine is the swap engine surface served over HTTP.
type Engine interface {
	Swap(ctx context.Context, req creditswap.SwapRequest) (*creditswap.SwapResult, error)
	Quote(ctx context.Context, req creditswap.SwapRequest) (*creditswap.Quote, error)
	DepositLP(ctx context.Context, provider, asset common.Address, amount *big.Int) (*big.Int, error)
	WithdrawLP(ctx context.Context, provider, asset common.Address, shares *big.Int) (*big.Int, error)
	Token(ctx context.Context, asset common.Address) (*creditswap.TokenState, error)
	Position(ctx context.Context, asset, provider common.Address) (*creditswap.LPPosition, error)
	TotalAssets(ctx context.Context, asset common.Address) (*big.Int, error)
	LPValue(ctx context.Context, asset, provider common.Address) (*big.Int, error)
	PairStatus(ctx context.Context, tokenIn, tokenOut common.Address) (*creditswap.PairStatus, error)
	AvailableLiquidity(ctx context.Context, asset common.Address) (*creditswap.Liquidity, error)

	Pause(ctx context.Context, caller common.Address) error
	Unpause(ctx context.Context, caller common.Address) error
	SetAllocations(ctx context.Context, caller common.Address, supply, repay, liquidity uint64) error
	WhitelistPair(ctx context.Context, caller, tokenIn, tokenOut common.Address) error
	DelistPair(ctx context.Context, caller, tokenIn, tokenOut common.Address) error
	SetPairOracle(ctx context.Context, caller, tokenIn, tokenOut common.Address, oracle creditswap.PriceOracle) error
	WhitelistMarket(ctx context.Context, caller, asset common.Address, market creditswap.MarketID) error
	RemoveMarket(ctx context.Context, caller, asset common.Address, market creditswap.MarketID) error
	WithdrawProtocolFees(ctx context.Context, caller, asset, recipient common.Address) (*big.Int, error)
	Config() creditswap.Config
}

// Desk is the redemption desk surface. It is optional.
type Desk interface {
	Redeem(ctx context.Context, req redemption.Request) (*redemption.Settlement, error)
	Settle(ctx context.Context, id string) (*redemption.Settlement, error)
	Abort(ctx context.Context, id, reason string) (*redemption.Settlement, error)
	Get(id string) (*redemption.Settlement, error)
	Pending() ([]*redemption.Settlement, error)
}

// EventStore lists journaled engine events.
type EventStore interface {
	ListEvents(ctx context.Context, filter storage.EventFilter) ([]creditswap.Event, error)
}

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	RateLimit     RateLimit
	Quota         nativecommon.Quota
	// Oracle is attached to pairs whitelisted through the admin API.
	Oracle creditswap.PriceOracle
}

// Server hosts the public swap API, the admin API and health endpoints.
type Server struct {
	cfg     Config
	engine  Engine
	desk    Desk
	events  EventStore
	hub     *EventHub
	auth    *Authenticator
	limiter *RateLimiter
	quota   *nativecommon.QuotaTracker
	logger  *slog.Logger
}

// Option customises a Server.
type Option func(*Server)

// WithDesk enables the redemption endpoints.
func WithDesk(desk Desk) Option {
	return func(s *Server) { s.desk = desk }
}

// WithEventStore enables the admin event listing.
func WithEventStore(store EventStore) Option {
	return func(s *Server) { s.events = store }
}

// WithEventHub enables the websocket event stream.
func WithEventHub(hub *EventHub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithLogger installs a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithQuotaClock overrides the clock of the per-caller quota.
func WithQuotaClock(clock func() time.Time) Option {
	return func(s *Server) { s.quota = nativecommon.NewQuotaTracker(s.cfg.Quota, clock) }
}

// New constructs a new HTTP server.
func New(cfg Config, engine Engine, auth *Authenticator, opts ...Option) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if auth == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	srv := &Server{
		cfg:     cfg,
		engine:  engine,
		auth:    auth,
		limiter: NewRateLimiter(cfg.RateLimit),
		quota:   nativecommon.NewQuotaTracker(cfg.Quota, nil),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(srv)
		}
	}
	return srv, nil
}

// Handler builds the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.limiter.Middleware("public"))
		v1.With(s.observe("quote")).Post("/quote", s.handleQuote)
		v1.With(s.observe("asset")).Get("/assets/{asset}", s.handleAsset)
		v1.With(s.observe("position")).Get("/assets/{asset}/lp/{lp}", s.handlePosition)
		v1.With(s.observe("liquidity")).Get("/assets/{asset}/liquidity", s.handleLiquidity)
		v1.With(s.observe("pair")).Get("/pairs/{in}/{out}", s.handlePair)
		// The stream hijacks the connection, so it bypasses the status recorder.
		v1.Get("/events/stream", s.handleEventStream)

		v1.Group(func(trade chi.Router) {
			trade.Use(s.auth.Middleware(ScopeTrade))
			trade.With(s.observe("swap")).Post("/swap", s.handleSwap)
			trade.With(s.observe("lp_deposit")).Post("/lp/deposit", s.handleDeposit)
			trade.With(s.observe("lp_withdraw")).Post("/lp/withdraw", s.handleWithdraw)
			trade.With(s.observe("redeem")).Post("/redeem", s.handleRedeem)
			trade.With(s.observe("redemption")).Get("/redemptions/{id}", s.handleRedemption)
		})
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.auth.Middleware(ScopeAdmin))
		admin.With(s.observe("admin_pause")).Post("/pause", s.handlePause)
		admin.With(s.observe("admin_unpause")).Post("/unpause", s.handleUnpause)
		admin.With(s.observe("admin_pairs")).Post("/pairs", s.handlePairs)
		admin.With(s.observe("admin_markets")).Post("/markets", s.handleMarkets)
		admin.With(s.observe("admin_allocations")).Post("/allocations", s.handleAllocations)
		admin.With(s.observe("admin_fees")).Post("/fees/withdraw", s.handleWithdrawFees)
		admin.With(s.observe("admin_config")).Get("/config", s.handleConfig)
		admin.With(s.observe("admin_events")).Get("/events", s.handleEvents)
		admin.With(s.observe("admin_redemptions")).Get("/redemptions", s.handlePendingRedemptions)
		admin.With(s.observe("admin_settle")).Post("/redemptions/{id}/settle", s.handleSettle)
		admin.With(s.observe("admin_abort")).Post("/redemptions/{id}/abort", s.handleAbort)
	})

	return otelhttp.NewHandler(r, "creditswapd")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{Addr: s.cfg.ListenAddress, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("creditswapd http server listening", "addr", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) observe(method string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			observability.ModuleMetrics().Observe("creditswap", method, recorder.status, time.Since(start))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// statusFor maps domain failures onto HTTP status codes by error class.
func statusFor(err error) int {
	switch {
	case errors.Is(err, creditswap.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, nativecommon.ErrQuotaRequestsExceeded), errors.Is(err, nativecommon.ErrQuotaVolumeExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, redemption.ErrUnknownSettlement):
		return http.StatusNotFound
	case errors.Is(err, redemption.ErrNotPending):
		return http.StatusConflict
	case errors.Is(err, redemption.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, redemption.ErrAmountTooSmall):
		return http.StatusUnprocessableEntity
	}
	switch creditswap.Classify(err) {
	case creditswap.ClassConfiguration:
		return http.StatusBadRequest
	case creditswap.ClassLiquidity:
		return http.StatusConflict
	case creditswap.ClassEconomic:
		return http.StatusUnprocessableEntity
	case creditswap.ClassIntegrity:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("creditswapd request failed", "operation", op, "error", err)
		writeError(w, status, "internal error")
		return
	}
	s.logger.Info("creditswapd request rejected", "operation", op, "status", status,
		"kind", creditswap.Classify(err).String(), "error", err)
	writeError(w, status, err.Error())
}

func principal(r *http.Request) common.Address {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		return common.Address{}
	}
	return p.Address
}

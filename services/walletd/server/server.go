package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nutwallet/cashu"
	"nutwallet/mpp"
	"nutwallet/paymentreq"
	"nutwallet/publisher"
	"nutwallet/quotes"
	"nutwallet/sweep"
	"nutwallet/transfer"
	"nutwallet/wallet"
)

// Wallet is the wallet surface exposed over the admin API.
type Wallet interface {
	Unit() string
	PublicKey() string
	Balances() map[cashu.IssuerURL]uint64
	Receive(ctx context.Context, issuer cashu.IssuerURL, amount uint64) (cashu.MintQuote, error)
	Claim(ctx context.Context, quoteID string) (cashu.Proofs, error)
	ReceiveProofs(ctx context.Context, issuer cashu.IssuerURL, proofs cashu.Proofs) (wallet.Received, error)
	PayInvoice(ctx context.Context, issuer cashu.IssuerURL, invoice string) (quotes.MeltOutcome, error)
	PlanSplit(ctx context.Context, invoice string, amount uint64) (mpp.Plan, error)
	SplitPay(ctx context.Context, invoice string, amount uint64) (mpp.Plan, mpp.Result, error)
	Transfer(ctx context.Context, req transfer.Request) (transfer.Result, error)
	Resume(ctx context.Context, id string) (transfer.Result, error)
	PendingTransfers() []transfer.Record
	PayRequest(ctx context.Context, req paymentreq.Request, issuer cashu.IssuerURL, amount uint64, memo string) (wallet.PaidRequest, error)
	Restore(ctx context.Context) (wallet.RestoreReport, error)
}

// RetryQueue exposes the publish retry queue.
type RetryQueue interface {
	Queue() []publisher.Entry
	Abandoned() []publisher.Entry
	Drain(ctx context.Context, force bool) (int, error)
	Requeue(ctx context.Context, id string) (publisher.Entry, error)
}

// Sweeper runs an on-demand recovery sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (sweep.Report, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	ListenAddress string
	Wallet        Wallet
	Queue         RetryQueue
	Sweeper       Sweeper
	Auth          AuthConfig
	RateLimit     RateLimit
	// Mints restricts the issuers requests may name. Empty allows any.
	Mints  []string
	Logger *slog.Logger
}

// Server is the walletd admin API.
type Server struct {
	cfg     Config
	wallet  Wallet
	queue   RetryQueue
	sweeper Sweeper
	auth    *Authenticator
	limiter *RateLimiter
	allowed map[cashu.IssuerURL]struct{}
	logger  *slog.Logger

	router http.Handler
}

// New validates cfg and builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Wallet == nil {
		return nil, fmt.Errorf("server: wallet required")
	}
	if cfg.Queue == nil || cfg.Sweeper == nil {
		return nil, fmt.Errorf("server: retry queue and sweeper required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[cashu.IssuerURL]struct{}, len(cfg.Mints))
	for _, raw := range cfg.Mints {
		u, err := cashu.ParseIssuerURL(raw)
		if err != nil {
			return nil, fmt.Errorf("server: mint %q: %w", raw, err)
		}
		allowed[u] = struct{}{}
	}
	srv := &Server{
		cfg:     cfg,
		wallet:  cfg.Wallet,
		queue:   cfg.Queue,
		sweeper: cfg.Sweeper,
		auth:    NewAuthenticator(cfg.Auth, logger),
		limiter: NewRateLimiter(cfg.RateLimit),
		allowed: allowed,
		logger:  logger,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		route := func(name string, scopes ...string) chi.Router {
			return api.With(observe(name), s.limiter.Middleware(name), s.auth.Middleware(name, scopes...))
		}
		route("balances", ScopeRead).Get("/balances", s.handleBalances)

		route("mint_quotes", ScopeSpend).Post("/mint-quotes", s.handleCreateMintQuote)
		route("mint_quotes_claim", ScopeSpend).Post("/mint-quotes/{id}/claim", s.handleClaim)

		route("melt", ScopeSpend).Post("/melt", s.handleMelt)
		route("melt_plan", ScopeRead).Post("/melt/plan", s.handleMeltPlan)

		route("transfers", ScopeRead).Get("/transfers", s.handlePendingTransfers)
		route("transfers", ScopeSpend).Post("/transfers", s.handleTransfer)
		route("transfers_resume", ScopeSpend).Post("/transfers/{id}/resume", s.handleResume)

		route("payment_requests_decode", ScopeRead).Post("/payment-requests/decode", s.handleDecodeRequest)
		route("payment_requests_pay", ScopeSpend).Post("/payment-requests/pay", s.handlePayRequest)

		route("tokens_receive", ScopeSpend).Post("/tokens/receive", s.handleReceiveTokens)

		route("retry", ScopeAdmin).Get("/retry", s.handleRetryQueue)
		route("retry_drain", ScopeAdmin).Post("/retry/drain", s.handleDrain)
		route("retry_requeue", ScopeAdmin).Post("/retry/{id}/requeue", s.handleRequeue)

		route("sweep", ScopeAdmin).Post("/sweep", s.handleSweep)
		route("restore", ScopeAdmin).Post("/restore", s.handleRestore)
	})
	return r
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(s.router, "walletd"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("walletd http server listening", slog.String("address", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "pubkey": s.wallet.PublicKey()})
}

// issuer parses raw and enforces the configured mint allow-list.
func (s *Server) issuer(raw string) (cashu.IssuerURL, error) {
	u, err := cashu.ParseIssuerURL(raw)
	if err != nil {
		return "", err
	}
	if len(s.allowed) > 0 {
		if _, ok := s.allowed[u]; !ok {
			return "", errMintNotAllowed
		}
	}
	return u, nil
}

// Package wallet wires the ledger, issuer coordinator, quote manager, transfer
// saga, split-payment executor, publisher and recovery sweep into one wallet
// and exposes the operations callers use.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"nutwallet/cashu"
	"nutwallet/eventlog"
	"nutwallet/identity"
	"nutwallet/issuer"
	"nutwallet/ledger"
	"nutwallet/mpp"
	"nutwallet/observability"
	"nutwallet/publisher"
	"nutwallet/quotes"
	"nutwallet/sweep"
	"nutwallet/transfer"
)

// Options configures New. Client, Log and Identity are required; everything
// else falls back to the component defaults.
type Options struct {
	Client   issuer.Client
	Log      eventlog.Log
	Identity identity.Identity

	KeysetStore   *issuer.KeysetStore
	QuoteStore    quotes.Store
	TransferStore transfer.Store
	QueueStore    publisher.Store

	Unit            string
	CacheTTL        time.Duration
	Wait            quotes.WaitOptions
	TransferPoll    time.Duration
	TransferTimeout time.Duration
	PublishPolicy   publisher.Policy
	SweepInterval   time.Duration
	SweepGrace      time.Duration

	// HTTPClient delivers payment request payloads to post transports.
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *observability.WalletMetrics
	Tracer     trace.Tracer
	Clock      func() time.Time
}

// Wallet is the application root.
type Wallet struct {
	ledger    *ledger.Ledger
	coord     *issuer.Coordinator
	quotes    *quotes.Manager
	saga      *transfer.Saga
	split     *mpp.Executor
	publisher *publisher.Publisher
	sweeper   *sweep.Sweeper

	id      identity.Identity
	log     eventlog.Log
	unit    string
	http    *http.Client
	logger  *slog.Logger
	metrics *observability.WalletMetrics
	now     func() time.Time

	runMu   sync.Mutex
	running bool
}

// New builds a wallet with an empty ledger. Call Run to restore persisted
// state and start the background loops.
func New(opts Options) (*Wallet, error) {
	if opts.Client == nil {
		return nil, errors.New("wallet: issuer client required")
	}
	if opts.Log == nil {
		return nil, errors.New("wallet: event log required")
	}
	if opts.Identity == nil {
		return nil, errors.New("wallet: identity required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	unit := opts.Unit
	if unit == "" {
		unit = cashu.DefaultUnit
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	w := &Wallet{
		id:      opts.Identity,
		log:     opts.Log,
		unit:    unit,
		http:    httpClient,
		logger:  logger,
		metrics: opts.Metrics,
		now:     now,
	}
	w.ledger = ledger.New(ledger.WithClock(now), ledger.WithListener(w.trackBalance))

	coordOpts := []issuer.Option{
		issuer.WithUnit(unit),
		issuer.WithCacheTTL(opts.CacheTTL),
		issuer.WithClock(now),
		issuer.WithLogger(logger.With(slog.String("component", "issuer"))),
		issuer.WithMetrics(opts.Metrics),
	}
	if opts.KeysetStore != nil {
		coordOpts = append(coordOpts, issuer.WithKeysetStore(opts.KeysetStore))
	}
	w.coord = issuer.NewCoordinator(opts.Client, w.ledger, coordOpts...)

	quoteOpts := []quotes.Option{
		quotes.WithWaitOptions(opts.Wait),
		quotes.WithClock(now),
		quotes.WithLogger(logger.With(slog.String("component", "quotes"))),
		quotes.WithMetrics(opts.Metrics),
	}
	if opts.QuoteStore != nil {
		quoteOpts = append(quoteOpts, quotes.WithStore(opts.QuoteStore))
	}
	w.quotes = quotes.NewManager(w.coord, quoteOpts...)

	pubOpts := []publisher.Option{
		publisher.WithPolicy(opts.PublishPolicy),
		publisher.WithClock(now),
		publisher.WithLogger(logger.With(slog.String("component", "publisher"))),
		publisher.WithMetrics(opts.Metrics),
	}
	if opts.QueueStore != nil {
		pubOpts = append(pubOpts, publisher.WithStore(opts.QueueStore))
	}
	w.publisher = publisher.New(w.ledger, opts.Log, opts.Identity, pubOpts...)
	w.ledger.Subscribe(w.publisher.Listener())

	sagaOpts := []transfer.Option{
		transfer.WithPublisher(w.publisher),
		transfer.WithPolling(opts.TransferPoll, opts.TransferTimeout),
		transfer.WithClock(now),
		transfer.WithLogger(logger.With(slog.String("component", "transfer"))),
		transfer.WithMetrics(opts.Metrics),
	}
	if opts.TransferStore != nil {
		sagaOpts = append(sagaOpts, transfer.WithStore(opts.TransferStore))
	}
	if opts.Tracer != nil {
		sagaOpts = append(sagaOpts, transfer.WithTracer(opts.Tracer))
	}
	w.saga = transfer.New(w.coord, w.quotes, sagaOpts...)

	w.split = mpp.New(w.coord, w.quotes,
		mpp.WithPublisher(w.publisher),
		mpp.WithClock(now),
		mpp.WithLogger(logger.With(slog.String("component", "mpp"))),
		mpp.WithMetrics(opts.Metrics),
	)

	w.sweeper = sweep.New(w.coord,
		sweep.WithGrace(opts.SweepGrace),
		sweep.WithInterval(opts.SweepInterval),
		sweep.WithPublisher(w.publisher),
		sweep.WithMeltIndex(w.quotes),
		sweep.WithClock(now),
		sweep.WithLogger(logger.With(slog.String("component", "sweep"))),
		sweep.WithMetrics(opts.Metrics),
	)
	return w, nil
}

func (w *Wallet) trackBalance(d ledger.Delta) {
	if w.metrics == nil || w.ledger == nil {
		return
	}
	w.metrics.SetBalance(d.Issuer.String(), w.ledger.Balance(d.Issuer))
}

// Ledger exposes the proof ledger.
func (w *Wallet) Ledger() *ledger.Ledger { return w.ledger }

// Coordinator exposes the issuer coordinator.
func (w *Wallet) Coordinator() *issuer.Coordinator { return w.coord }

// Quotes exposes the quote manager.
func (w *Wallet) Quotes() *quotes.Manager { return w.quotes }

// Publisher exposes the state publisher and its retry queue.
func (w *Wallet) Publisher() *publisher.Publisher { return w.publisher }

// Sweeper exposes the recovery sweep.
func (w *Wallet) Sweeper() *sweep.Sweeper { return w.sweeper }

// PublicKey is the wallet owner's public key.
func (w *Wallet) PublicKey() string { return w.id.PublicKey() }

// Unit is the currency unit the wallet holds.
func (w *Wallet) Unit() string { return w.unit }

// Balances returns the spendable balance per issuer.
func (w *Wallet) Balances() map[cashu.IssuerURL]uint64 { return w.ledger.Balances() }

// Balance returns the spendable balance at one issuer.
func (w *Wallet) Balance(issuer cashu.IssuerURL) uint64 { return w.ledger.Balance(issuer) }

// Run reloads the retry queue and pending transfers, then runs the publisher,
// the recovery sweep and the quote watcher until ctx is cancelled. The
// watcher reloads tracked quotes itself.
func (w *Wallet) Run(ctx context.Context) error {
	w.runMu.Lock()
	if w.running {
		w.runMu.Unlock()
		return errors.New("wallet: already running")
	}
	w.running = true
	w.runMu.Unlock()
	defer func() {
		w.runMu.Lock()
		w.running = false
		w.runMu.Unlock()
	}()

	if err := w.publisher.LoadQueue(ctx); err != nil {
		return fmt.Errorf("wallet: %w", err)
	}
	if err := w.saga.Restore(ctx); err != nil {
		w.logger.Warn("restore pending transfers failed", slog.Any("error", err))
	}
	w.logger.Info("wallet running",
		slog.String("pubkey", w.id.PublicKey()),
		slog.Int("pending_transfers", len(w.saga.Pending())),
		slog.Int("retry_queue", len(w.publisher.Queue())))

	loops := map[string]func(context.Context) error{
		"publisher": w.publisher.Run,
		"sweep":     w.sweeper.Run,
		"quotes":    w.quotes.Watch,
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(loops))
	for name, loop := range loops {
		wg.Add(1)
		go func(name string, loop func(context.Context) error) {
			defer wg.Done()
			if err := loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("wallet: %s loop: %w", name, err)
			}
		}(name, loop)
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// publish writes the issuers' records to the log. Failures are queued by the
// publisher and never fail the calling operation.
func (w *Wallet) publish(ctx context.Context, issuers ...cashu.IssuerURL) {
	seen := make(map[cashu.IssuerURL]struct{}, len(issuers))
	for _, u := range issuers {
		if _, dup := seen[u]; dup || u == "" {
			continue
		}
		seen[u] = struct{}{}
		if err := w.publisher.PublishIssuer(ctx, u); err != nil {
			w.logger.Warn("state publication deferred",
				slog.String("issuer", u.String()),
				slog.Any("error", err))
		}
	}
}

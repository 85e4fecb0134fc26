// Package mpp settles one invoice from several issuers at once using NUT-15
// partial melt quotes.
package mpp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sort"
	"sync"
	"time"

	"nutwallet/cashu"
	"nutwallet/issuer"
	"nutwallet/ledger"
	"nutwallet/observability"
	"nutwallet/quotes"
)

// Allocation is one issuer's share of a split payment.
type Allocation struct {
	Issuer cashu.IssuerURL
	Amount uint64
}

// Allocate splits target across issuers proportionally to their balances.
// Only issuers for which supportsMPP returns true take part. Shares are capped
// by balance and the rounding remainder goes to the issuers with the most
// spare balance. The allocations sum to exactly target.
func Allocate(target uint64, balances map[cashu.IssuerURL]uint64, supportsMPP func(cashu.IssuerURL) bool) ([]Allocation, error) {
	if target == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", cashu.ErrInvalidInput)
	}
	eligible := make([]cashu.IssuerURL, 0, len(balances))
	var total uint64
	for issuer, balance := range balances {
		if balance == 0 || (supportsMPP != nil && !supportsMPP(issuer)) {
			continue
		}
		eligible = append(eligible, issuer)
		total += balance
	}
	if total < target {
		return nil, fmt.Errorf("%w: split payment needs %d, eligible issuers hold %d", cashu.ErrInsufficientFunds, target, total)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i] < eligible[j] })

	shares := make([]uint64, len(eligible))
	var allocated uint64
	for i, issuer := range eligible {
		hi, lo := bits.Mul64(target, balances[issuer])
		shares[i], _ = bits.Div64(hi, lo, total)
		allocated += shares[i]
	}
	for remainder := target - allocated; remainder > 0; remainder-- {
		best := -1
		var bestSpare uint64
		for i, issuer := range eligible {
			spare := balances[issuer] - shares[i]
			if spare > bestSpare {
				best, bestSpare = i, spare
			}
		}
		if best < 0 {
			return nil, fmt.Errorf("%w: cannot place remainder of split payment", cashu.ErrInsufficientFunds)
		}
		shares[best]++
	}

	out := make([]Allocation, 0, len(eligible))
	for i, issuer := range eligible {
		if shares[i] > 0 {
			out = append(out, Allocation{Issuer: issuer, Amount: shares[i]})
		}
	}
	return out, nil
}

// Part is one quoted leg of a plan.
type Part struct {
	Issuer cashu.IssuerURL
	Amount uint64
	Quote  cashu.MeltQuote
}

// Plan is a fully quoted split payment, ready for display and execution.
type Plan struct {
	Invoice         string
	Total           uint64
	TotalFeeReserve uint64
	Parts           []Part
}

// PartResult is the settlement outcome of one leg.
type PartResult struct {
	Issuer  cashu.IssuerURL
	Amount  uint64
	Paid    bool
	FeePaid uint64
	Change  uint64
	Err     error
}

// Result aggregates a split payment.
type Result struct {
	Paid     bool
	FeesPaid uint64
	Parts    []PartResult
}

// Publisher pushes an issuer's records to the event log.
type Publisher interface {
	PublishIssuer(ctx context.Context, issuer cashu.IssuerURL) error
}

// Option customises the executor.
type Option func(*Executor)

// WithPublisher publishes every touched issuer after execution.
func WithPublisher(p Publisher) Option {
	return func(e *Executor) { e.publisher = p }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records split payment latency.
func WithMetrics(m *observability.WalletMetrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) {
		if clock != nil {
			e.now = clock
		}
	}
}

// Executor prepares and runs split payments.
type Executor struct {
	coord     *issuer.Coordinator
	ledger    *ledger.Ledger
	quotes    *quotes.Manager
	publisher Publisher
	logger    *slog.Logger
	metrics   *observability.WalletMetrics
	now       func() time.Time
}

// New constructs an executor.
func New(coord *issuer.Coordinator, qm *quotes.Manager, opts ...Option) *Executor {
	e := &Executor{
		coord:  coord,
		ledger: coord.Ledger(),
		quotes: qm,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Prepare allocates amount across MPP capable issuers and requests a partial
// melt quote from each concurrently. Any failed quote aborts the plan; nothing
// has been settled at that point.
func (e *Executor) Prepare(ctx context.Context, invoice string, amount uint64) (Plan, error) {
	if invoice == "" {
		return Plan{}, fmt.Errorf("%w: invoice is required", cashu.ErrInvalidInput)
	}
	balances := e.ledger.Balances()
	handles := make(map[cashu.IssuerURL]*issuer.Handle, len(balances))
	for url, balance := range balances {
		if balance == 0 {
			continue
		}
		h, err := e.coord.Client(ctx, url)
		if err != nil {
			e.logger.Warn("issuer unavailable for split payment", slog.String("issuer", url.String()), slog.Any("error", err))
			continue
		}
		handles[url] = h
	}
	allocations, err := Allocate(amount, balances, func(url cashu.IssuerURL) bool {
		h, ok := handles[url]
		return ok && h.Info.MPP
	})
	if err != nil {
		return Plan{}, err
	}

	parts := make([]Part, len(allocations))
	errs := make([]error, len(allocations))
	var wg sync.WaitGroup
	for i, alloc := range allocations {
		wg.Add(1)
		go func(i int, alloc Allocation) {
			defer wg.Done()
			h := handles[alloc.Issuer]
			quote, err := h.Client.CreateMeltQuote(ctx, alloc.Issuer, cashu.MeltQuoteRequest{
				Request:       invoice,
				Unit:          e.coord.Unit(),
				PartialAmount: alloc.Amount,
			})
			if err == nil && quote.Amount != alloc.Amount {
				err = fmt.Errorf("%w: partial quote for %d, asked %d", cashu.ErrInvalidInput, quote.Amount, alloc.Amount)
			}
			parts[i] = Part{Issuer: alloc.Issuer, Amount: alloc.Amount, Quote: quote}
			errs[i] = err
		}(i, alloc)
	}
	wg.Wait()

	plan := Plan{Invoice: invoice}
	for i, part := range parts {
		if errs[i] != nil {
			return Plan{}, fmt.Errorf("split payment quote at %s: %w", part.Issuer, errs[i])
		}
		if need := part.Quote.Total(); need > balances[part.Issuer] {
			return Plan{}, fmt.Errorf("%w: %s needs %d including fee reserve, holds %d",
				cashu.ErrInsufficientFunds, part.Issuer, need, balances[part.Issuer])
		}
		plan.Total += part.Amount
		plan.TotalFeeReserve += part.Quote.FeeReserve
		plan.Parts = append(plan.Parts, part)
	}
	return plan, nil
}

// Execute settles a prepared plan. It holds every participating issuer lock,
// reserves proofs for all parts before any melt is sent, then melts
// concurrently.
func (e *Executor) Execute(ctx context.Context, plan Plan) (Result, error) {
	if len(plan.Parts) == 0 {
		return Result{}, fmt.Errorf("%w: empty plan", cashu.ErrInvalidInput)
	}
	issuers := make([]cashu.IssuerURL, 0, len(plan.Parts))
	for _, part := range plan.Parts {
		issuers = append(issuers, part.Issuer)
	}
	guards, err := e.coord.Locks().TryAcquireAll("mpp", issuers...)
	if err != nil {
		return Result{}, err
	}
	defer guards.Release()
	start := e.now()

	for _, issuer := range issuers {
		if _, err := e.coord.EnsureCurrentKeysets(ctx, guards.For(issuer)); err != nil {
			e.logger.Warn("keyset rotation skipped", slog.String("issuer", issuer.String()), slog.Any("error", err))
		}
	}

	selections := make([]ledger.Selection, len(plan.Parts))
	for i, part := range plan.Parts {
		h, err := e.coord.Client(ctx, part.Issuer)
		if err == nil {
			selections[i], err = e.coord.SelectCovering(h, part.Quote.Total())
		}
		if err != nil {
			for _, sel := range selections[:i] {
				e.ledger.Release(sel)
			}
			return Result{}, fmt.Errorf("reserve split payment at %s: %w", part.Issuer, err)
		}
	}

	results := make([]PartResult, len(plan.Parts))
	var wg sync.WaitGroup
	for i, part := range plan.Parts {
		wg.Add(1)
		go func(i int, part Part) {
			defer wg.Done()
			out, err := e.quotes.Melt(ctx, guards.For(part.Issuer), part.Quote, selections[i], "")
			results[i] = PartResult{
				Issuer:  part.Issuer,
				Amount:  part.Amount,
				Paid:    out.Paid,
				FeePaid: out.FeePaid,
				Change:  out.Change.Amount(),
				Err:     err,
			}
		}(i, part)
	}
	wg.Wait()

	res := Result{Paid: true, Parts: results}
	var failures []error
	paid := 0
	for _, r := range results {
		res.FeesPaid += r.FeePaid
		if r.Paid {
			paid++
			continue
		}
		res.Paid = false
		failures = append(failures, fmt.Errorf("%s: %w", r.Issuer, r.Err))
	}
	for _, issuer := range issuers {
		if e.publisher == nil {
			break
		}
		if err := e.publisher.PublishIssuer(ctx, issuer); err != nil {
			e.logger.Warn("publish after split payment failed", slog.String("issuer", issuer.String()), slog.Any("error", err))
		}
	}
	var execErr error
	switch {
	case len(failures) == 0:
	case paid > 0:
		execErr = fmt.Errorf("%w: %d of %d parts settled: %v", cashu.ErrSettlementAmbiguous, paid, len(results), errors.Join(failures...))
	default:
		execErr = fmt.Errorf("%w: %v", cashu.ErrSettlementFailed, errors.Join(failures...))
	}
	e.metrics.Observe("mpp", e.now().Sub(start), execErr)
	e.logger.Info("split payment finished",
		slog.Int("parts", len(results)),
		slog.Int("paid", paid),
		slog.Uint64("total", plan.Total),
		slog.Uint64("fees_paid", res.FeesPaid))
	return res, execErr
}

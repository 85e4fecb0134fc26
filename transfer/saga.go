// Package transfer moves value from one issuer to another over the payment
// rail: a melt at the source pays a mint quote created at the target.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nutwallet/cashu"
	"nutwallet/issuer"
	"nutwallet/ledger"
	"nutwallet/observability"
	"nutwallet/quotes"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultTimeout      = 2 * time.Minute
)

// Step names a saga stage.
type Step string

const (
	StepValidating           Step = "validating"
	StepLocking              Step = "locking"
	StepCreatingMintQuote    Step = "creating_mint_quote"
	StepCreatingMeltQuote    Step = "creating_melt_quote"
	StepQuotesReady          Step = "quotes_ready"
	StepMelting              Step = "melting"
	StepWaitingForSettlement Step = "waiting_for_settlement"
	StepMinting              Step = "minting"
	StepCompleted            Step = "completed"
	StepFailed               Step = "failed"
)

// Request asks for Amount to move from Source to Target.
type Request struct {
	Source cashu.IssuerURL
	Target cashu.IssuerURL
	Amount uint64
}

// Result summarises a completed transfer.
type Result struct {
	ID             string
	AmountSent     uint64
	AmountReceived uint64
	FeesPaid       uint64
	SourceBalance  uint64
	TargetBalance  uint64
}

// Record is the persisted state of a transfer that reached settlement. It is
// deleted once the target issued its proofs.
type Record struct {
	ID          string
	Source      cashu.IssuerURL
	Target      cashu.IssuerURL
	Amount      uint64
	MintQuote   cashu.MintQuote
	MeltQuoteID string
	MeltPaid    bool
	// Spent is what the source consumed net of change.
	Spent     uint64
	FeePaid   uint64
	Step      Step
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists pending transfers.
type Store interface {
	SaveTransfer(ctx context.Context, rec Record) error
	DeleteTransfer(ctx context.Context, id string) error
	LoadTransfers(ctx context.Context) ([]Record, error)
}

// Publisher pushes an issuer's records to the event log.
type Publisher interface {
	PublishIssuer(ctx context.Context, issuer cashu.IssuerURL) error
}

// Option customises the saga.
type Option func(*Saga)

// WithStore persists pending transfers.
func WithStore(store Store) Option {
	return func(s *Saga) { s.store = store }
}

// WithPublisher publishes both issuers after a transfer.
func WithPublisher(p Publisher) Option {
	return func(s *Saga) { s.publisher = p }
}

// WithPolling overrides the target quote poll interval and total timeout.
func WithPolling(interval, timeout time.Duration) Option {
	return func(s *Saga) {
		if interval > 0 {
			s.pollInterval = interval
		}
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithProgress registers a callback invoked on every step change.
func WithProgress(fn func(id string, step Step)) Option {
	return func(s *Saga) { s.progress = fn }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Saga) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Saga) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records saga outcomes.
func WithMetrics(m *observability.WalletMetrics) Option {
	return func(s *Saga) { s.metrics = m }
}

// WithTracer overrides the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Saga) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// Saga runs transfers.
type Saga struct {
	coord        *issuer.Coordinator
	ledger       *ledger.Ledger
	quotes       *quotes.Manager
	store        Store
	publisher    Publisher
	pollInterval time.Duration
	timeout      time.Duration
	progress     func(string, Step)
	now          func() time.Time
	logger       *slog.Logger
	metrics      *observability.WalletMetrics
	tracer       trace.Tracer

	mu      sync.Mutex
	pending map[string]Record
}

// New constructs a saga runner.
func New(coord *issuer.Coordinator, qm *quotes.Manager, opts ...Option) *Saga {
	s := &Saga{
		coord:        coord,
		ledger:       coord.Ledger(),
		quotes:       qm,
		pollInterval: DefaultPollInterval,
		timeout:      DefaultTimeout,
		now:          time.Now,
		logger:       slog.Default(),
		tracer:       otel.Tracer("nutwallet/transfer"),
		pending:      make(map[string]Record),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore reloads pending transfers from the store.
func (s *Saga) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	records, err := s.store.LoadTransfers(ctx)
	if err != nil {
		return fmt.Errorf("load transfers: %w", err)
	}
	s.mu.Lock()
	for _, rec := range records {
		s.pending[rec.ID] = rec
	}
	s.mu.Unlock()
	return nil
}

// Pending lists transfers awaiting completion, oldest first.
func (s *Saga) Pending() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.pending))
	for _, rec := range s.pending {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Saga) validate(req Request) error {
	if req.Source == "" || req.Target == "" {
		return fmt.Errorf("%w: source and target issuers are required", cashu.ErrInvalidInput)
	}
	if req.Source == req.Target {
		return fmt.Errorf("%w: source and target issuer are the same", cashu.ErrInvalidInput)
	}
	if req.Amount == 0 {
		return fmt.Errorf("%w: amount must be positive", cashu.ErrInvalidInput)
	}
	if balance := s.ledger.Balance(req.Source); balance < req.Amount {
		return fmt.Errorf("%w: %s holds %d, transfer needs %d", cashu.ErrInsufficientFunds, req.Source, balance, req.Amount)
	}
	return nil
}

// Run executes a transfer. Failures are returned as *StepError; when value left
// the source but the target did not issue, the wrapped error is an
// *AmbiguousError and the transfer can be completed with Resume.
func (s *Saga) Run(ctx context.Context, req Request) (Result, error) {
	if err := s.validate(req); err != nil {
		return Result{}, &StepError{Step: StepValidating, Err: err}
	}
	guards, err := s.coord.Locks().TryAcquireAll("transfer", req.Source, req.Target)
	if err != nil {
		return Result{}, &StepError{Step: StepLocking, Err: err}
	}
	defer guards.Release()

	start := s.now()
	rec := &Record{
		ID:        uuid.NewString(),
		Source:    req.Source,
		Target:    req.Target,
		Amount:    req.Amount,
		CreatedAt: start,
	}
	ctx, span := s.tracer.Start(ctx, "transfer.run", trace.WithAttributes(
		attribute.String("transfer.id", rec.ID),
		attribute.String("transfer.source", req.Source.String()),
		attribute.String("transfer.target", req.Target.String()),
		attribute.Int64("transfer.amount", int64(req.Amount))))
	defer span.End()

	res, err := s.run(ctx, guards, rec)
	s.metrics.Observe("transfer", s.now().Sub(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetStatus(codes.Ok, "transfer completed")
	return res, nil
}

func (s *Saga) run(ctx context.Context, guards issuer.Guards, rec *Record) (Result, error) {
	s.advance(ctx, rec, StepCreatingMintQuote)
	target, err := s.coord.Client(ctx, rec.Target)
	if err != nil {
		return Result{}, s.fail(ctx, rec, err)
	}
	mintQuote, err := target.Client.CreateMintQuote(ctx, rec.Target, rec.Amount, s.coord.Unit())
	if err != nil {
		return Result{}, s.fail(ctx, rec, fmt.Errorf("create mint quote: %w", err))
	}
	rec.MintQuote = mintQuote
	s.quotes.TrackMint(ctx, mintQuote, rec.ID)

	s.advance(ctx, rec, StepCreatingMeltQuote)
	source, err := s.coord.Client(ctx, rec.Source)
	if err != nil {
		return Result{}, s.fail(ctx, rec, err)
	}
	if _, err := s.coord.EnsureCurrentKeysets(ctx, guards.For(rec.Source)); err != nil {
		return Result{}, s.fail(ctx, rec, err)
	}
	meltQuote, err := source.Client.CreateMeltQuote(ctx, rec.Source, cashu.MeltQuoteRequest{Request: mintQuote.Request, Unit: s.coord.Unit()})
	if err != nil {
		return Result{}, s.fail(ctx, rec, fmt.Errorf("create melt quote: %w", err))
	}
	if meltQuote.Amount != rec.Amount {
		return Result{}, s.fail(ctx, rec, fmt.Errorf("%w: melt quote for %d, transfer is %d", cashu.ErrInvalidInput, meltQuote.Amount, rec.Amount))
	}
	rec.MeltQuoteID = meltQuote.ID
	sel, err := s.coord.SelectCovering(source, meltQuote.Total())
	if err != nil {
		return Result{}, s.fail(ctx, rec, err)
	}

	s.advance(ctx, rec, StepQuotesReady)
	s.advance(ctx, rec, StepMelting)
	s.save(ctx, rec)
	outcome, err := s.quotes.Melt(ctx, guards.For(rec.Source), meltQuote, sel, rec.ID)
	if err != nil {
		if errors.Is(err, cashu.ErrSettlementFailed) {
			s.publish(ctx, rec.Source)
			return Result{}, s.fail(ctx, rec, err)
		}
		return Result{}, s.ambiguous(ctx, rec, sel.Amount(), err)
	}
	rec.MeltPaid = true
	rec.Spent = outcome.Spent - outcome.Change.Amount()
	rec.FeePaid = outcome.FeePaid

	s.advance(ctx, rec, StepWaitingForSettlement)
	s.save(ctx, rec)
	return s.complete(ctx, guards.For(rec.Target), rec)
}

// complete runs the target side: wait for the mint quote to be paid, issue
// and publish. It is shared by Run and Resume.
func (s *Saga) complete(ctx context.Context, guard *issuer.Guard, rec *Record) (Result, error) {
	opts := quotes.WaitOptions{PollOnly: true, PollInterval: s.pollInterval, MaxPolls: s.maxPolls()}
	quote, err := s.quotes.WaitMintWith(ctx, rec.MintQuote, opts)
	if err == nil && quote.State == cashu.MintQuoteExpired {
		err = fmt.Errorf("%w: mint quote %s", cashu.ErrQuoteExpired, quote.ID)
	}
	if err != nil {
		return Result{}, s.ambiguous(ctx, rec, rec.Spent, err)
	}
	rec.MintQuote = quote

	s.advance(ctx, rec, StepMinting)
	received := rec.Amount
	proofs, err := s.quotes.IssueHeld(ctx, guard, quote.ID)
	switch {
	case err == nil:
		received = proofs.Amount()
	case errors.Is(err, quotes.ErrAlreadyIssued):
		s.logger.Info("transfer target already issued", slog.String("transfer", rec.ID))
	default:
		return Result{}, s.ambiguous(ctx, rec, rec.Spent, err)
	}

	s.publish(ctx, rec.Source)
	s.publish(ctx, rec.Target)
	s.drop(ctx, rec.ID)
	s.advance(ctx, rec, StepCompleted)
	s.metrics.RecordSaga("completed", "")
	res := Result{
		ID:             rec.ID,
		AmountSent:     rec.Amount + rec.FeePaid,
		AmountReceived: received,
		FeesPaid:       rec.FeePaid,
		SourceBalance:  s.ledger.Balance(rec.Source),
		TargetBalance:  s.ledger.Balance(rec.Target),
	}
	s.metrics.SetBalance(rec.Source.String(), res.SourceBalance)
	s.metrics.SetBalance(rec.Target.String(), res.TargetBalance)
	s.logger.Info("transfer completed",
		slog.String("transfer", rec.ID),
		slog.String("source", rec.Source.String()),
		slog.String("target", rec.Target.String()),
		slog.Uint64("amount_sent", res.AmountSent),
		slog.Uint64("amount_received", res.AmountReceived),
		slog.Uint64("fees_paid", res.FeesPaid))
	return res, nil
}

// Resume completes a pending transfer. Settlement is never retried as a fresh
// payment: an unresolved melt is only re-checked, and issuance happens at most
// once per settlement.
func (s *Saga) Resume(ctx context.Context, id string) (Result, error) {
	s.mu.Lock()
	stored, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrTransferNotFound, id)
	}
	rec := &stored
	issuers := []cashu.IssuerURL{rec.Target}
	if !rec.MeltPaid {
		issuers = append(issuers, rec.Source)
	}
	guards, err := s.coord.Locks().TryAcquireAll("transfer-resume", issuers...)
	if err != nil {
		return Result{}, &StepError{Step: StepLocking, Err: err}
	}
	defer guards.Release()

	ctx, span := s.tracer.Start(ctx, "transfer.resume", trace.WithAttributes(
		attribute.String("transfer.id", rec.ID),
		attribute.String("transfer.step", string(rec.Step))))
	defer span.End()

	if !rec.MeltPaid {
		if err := s.recheckMelt(ctx, rec); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Result{}, err
		}
	}
	if _, tracked := s.quotes.MintQuote(rec.MintQuote.ID); !tracked {
		s.quotes.TrackMint(ctx, rec.MintQuote, rec.ID)
	}
	s.advance(ctx, rec, StepWaitingForSettlement)
	res, err := s.complete(ctx, guards.For(rec.Target), rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetStatus(codes.Ok, "transfer resumed")
	return res, nil
}

// recheckMelt asks the source for the state of a melt whose outcome was not
// observed. Its inputs are left to the recovery sweep.
func (s *Saga) recheckMelt(ctx context.Context, rec *Record) error {
	h, err := s.coord.Client(ctx, rec.Source)
	if err != nil {
		return s.ambiguous(ctx, rec, rec.Spent, err)
	}
	quote, err := h.Client.MeltQuoteState(ctx, rec.Source, rec.MeltQuoteID)
	if err != nil {
		return s.ambiguous(ctx, rec, rec.Spent, fmt.Errorf("melt quote state: %w", err))
	}
	switch quote.State {
	case cashu.MeltQuotePaid:
		rec.MeltPaid = true
		return nil
	case cashu.MeltQuoteUnpaid, cashu.MeltQuoteFailed:
		return s.fail(ctx, rec, fmt.Errorf("%w: melt %s at %s", cashu.ErrSettlementFailed, rec.MeltQuoteID, rec.Source))
	default:
		return s.ambiguous(ctx, rec, rec.Spent, fmt.Errorf("melt %s still %s", rec.MeltQuoteID, quote.State))
	}
}

func (s *Saga) maxPolls() int {
	n := int(s.timeout / s.pollInterval)
	if n < 1 {
		n = 1
	}
	return n
}

func (s *Saga) advance(ctx context.Context, rec *Record, step Step) {
	rec.Step = step
	rec.UpdatedAt = s.now()
	trace.SpanFromContext(ctx).AddEvent("transfer.step", trace.WithAttributes(attribute.String("step", string(step))))
	if s.progress != nil {
		s.progress(rec.ID, step)
	}
}

func (s *Saga) save(ctx context.Context, rec *Record) {
	s.mu.Lock()
	s.pending[rec.ID] = *rec
	s.mu.Unlock()
	if s.store == nil {
		return
	}
	if err := s.store.SaveTransfer(ctx, *rec); err != nil {
		s.logger.Warn("persist transfer failed", slog.String("transfer", rec.ID), slog.Any("error", err))
	}
}

func (s *Saga) drop(ctx context.Context, id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
	if s.store == nil {
		return
	}
	if err := s.store.DeleteTransfer(ctx, id); err != nil {
		s.logger.Warn("delete transfer failed", slog.String("transfer", id), slog.Any("error", err))
	}
}

func (s *Saga) publish(ctx context.Context, issuer cashu.IssuerURL) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishIssuer(ctx, issuer); err != nil {
		s.logger.Warn("publish after transfer failed, queued for retry",
			slog.String("issuer", issuer.String()),
			slog.Any("error", err))
	}
}

func (s *Saga) fail(ctx context.Context, rec *Record, err error) error {
	step := rec.Step
	if rec.MintQuote.ID != "" {
		s.quotes.Untrack(ctx, rec.MintQuote.ID)
	}
	s.drop(ctx, rec.ID)
	s.metrics.RecordSaga("failed", string(step))
	s.logger.Warn("transfer failed",
		slog.String("transfer", rec.ID),
		slog.String("step", string(step)),
		slog.Any("error", err))
	s.advance(ctx, rec, StepFailed)
	return &StepError{Step: step, Err: err}
}

func (s *Saga) ambiguous(ctx context.Context, rec *Record, atRisk uint64, err error) error {
	step := rec.Step
	rec.Error = err.Error()
	s.save(ctx, rec)
	s.publish(ctx, rec.Source)
	s.metrics.RecordSaga("ambiguous", string(step))
	s.logger.Error("transfer settlement ambiguous",
		slog.String("transfer", rec.ID),
		slog.String("step", string(step)),
		slog.Uint64("amount_at_risk", atRisk),
		slog.Any("error", err))
	return &StepError{Step: step, Err: &AmbiguousError{
		TransferID: rec.ID,
		Source:     rec.Source,
		Target:     rec.Target,
		Amount:     atRisk,
		QuoteID:    rec.MintQuote.ID,
		Err:        err,
	}}
}

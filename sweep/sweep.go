// Package sweep resolves proofs left Reserved or PendingSpent by operations
// that never reached a final outcome.
package sweep

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"nutwallet/cashu"
	"nutwallet/issuer"
	"nutwallet/ledger"
	"nutwallet/observability"
	"nutwallet/quotes"
)

const (
	DefaultGrace    = 5 * time.Minute
	DefaultInterval = 3 * time.Minute
)

// Publisher pushes an issuer's records to the event log.
type Publisher interface {
	PublishIssuer(ctx context.Context, issuer cashu.IssuerURL) error
}

// MeltIndex finds the tracked melt that handed a proof to its issuer.
type MeltIndex interface {
	MeltFor(secret string) (quotes.Record, bool)
}

// IssuerReport is the sweep outcome for one issuer.
type IssuerReport struct {
	Issuer   cashu.IssuerURL
	Spent    int
	Reverted int
	Pending  int
	Kept     int
	Busy     bool
	Err      error
}

// Report summarises one sweep.
type Report struct {
	Issuers []IssuerReport
}

// Touched reports whether the sweep changed any proof state.
func (r Report) Touched() bool {
	for _, ir := range r.Issuers {
		if ir.Spent > 0 || ir.Reverted > 0 {
			return true
		}
	}
	return false
}

// Option customises the sweeper.
type Option func(*Sweeper)

// WithGrace sets how long a proof may stay held before it is swept.
func WithGrace(grace time.Duration) Option {
	return func(s *Sweeper) {
		if grace > 0 {
			s.grace = grace
		}
	}
}

// WithInterval sets how often Run sweeps.
func WithInterval(interval time.Duration) Option {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithPublisher publishes issuers whose proofs changed.
func WithPublisher(p Publisher) Option {
	return func(s *Sweeper) { s.publisher = p }
}

// WithMeltIndex protects proofs of pending melts while their issuer is
// unreachable.
func WithMeltIndex(idx MeltIndex) Option {
	return func(s *Sweeper) { s.melts = idx }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Sweeper) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics counts swept proofs.
func WithMetrics(m *observability.WalletMetrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// Sweeper periodically reconciles stuck proofs with their issuers.
type Sweeper struct {
	coord     *issuer.Coordinator
	ledger    *ledger.Ledger
	publisher Publisher
	melts     MeltIndex
	grace     time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   *observability.WalletMetrics
}

// New constructs a sweeper over the coordinator's ledger.
func New(coord *issuer.Coordinator, opts ...Option) *Sweeper {
	s := &Sweeper{
		coord:    coord,
		ledger:   coord.Ledger(),
		grace:    DefaultGrace,
		interval: DefaultInterval,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep resolves every proof held longer than the grace window. Issuers with
// an operation in flight are skipped until the next sweep.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	byIssuer := make(map[cashu.IssuerURL][]ledger.Entry)
	for _, e := range s.ledger.Stale(s.now().Add(-s.grace)) {
		byIssuer[e.Issuer] = append(byIssuer[e.Issuer], e)
	}
	issuers := make([]cashu.IssuerURL, 0, len(byIssuer))
	for u := range byIssuer {
		issuers = append(issuers, u)
	}
	sort.Slice(issuers, func(i, j int) bool { return issuers[i] < issuers[j] })

	var report Report
	for _, u := range issuers {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		ir := s.sweepIssuer(ctx, u, byIssuer[u])
		report.Issuers = append(report.Issuers, ir)
		if ir.Spent > 0 || ir.Reverted > 0 {
			s.publish(ctx, u)
		}
	}
	return report, nil
}

func (s *Sweeper) sweepIssuer(ctx context.Context, u cashu.IssuerURL, stale []ledger.Entry) IssuerReport {
	ir := IssuerReport{Issuer: u}
	guard, err := s.coord.TryAcquire(u, "sweep")
	if err != nil {
		ir.Busy = true
		return ir
	}
	defer guard.Release()

	// Entries may have moved on while the lock was contended.
	proofs := make(cashu.Proofs, 0, len(stale))
	for _, e := range stale {
		current, ok := s.ledger.Lookup(e.Proof.Secret)
		if !ok || current.State == ledger.Unspent || current.State == ledger.Spent {
			continue
		}
		proofs = append(proofs, current.Proof)
	}
	if len(proofs) == 0 {
		return ir
	}

	states, err := s.coord.CheckState(ctx, u, proofs)
	if err != nil {
		ir.Err = err
		if !issuer.Unreachable(err) {
			s.logger.Warn("sweep: check state failed", "issuer", u.String(), "error", err)
			return ir
		}
		var revert []string
		for _, p := range proofs {
			if s.melts != nil {
				if _, held := s.melts.MeltFor(p.Secret); held {
					ir.Kept++
					continue
				}
			}
			revert = append(revert, p.Secret)
		}
		ir.Reverted = s.ledger.Revert(u, revert)
		s.record(ir)
		s.logger.Info("sweep: issuer unreachable, released unreferenced proofs",
			"issuer", u.String(), "reverted", ir.Reverted, "kept", ir.Kept)
		return ir
	}

	spent, pending, unspent := cashu.PartitionStates(proofs, states)
	s.ledger.ReconcileSpent(u, spent.Secrets())
	ir.Spent = len(spent)
	ir.Pending = len(pending)
	ir.Reverted = s.ledger.Revert(u, unspent.Secrets())
	s.record(ir)
	s.logger.Info("sweep: reconciled held proofs",
		"issuer", u.String(), "spent", ir.Spent, "reverted", ir.Reverted, "pending", ir.Pending)
	return ir
}

func (s *Sweeper) record(ir IssuerReport) {
	s.metrics.RecordSweep(ir.Issuer.String(), "spent", ir.Spent)
	s.metrics.RecordSweep(ir.Issuer.String(), "reverted", ir.Reverted)
	s.metrics.RecordSweep(ir.Issuer.String(), "pending", ir.Pending)
	s.metrics.RecordSweep(ir.Issuer.String(), "kept", ir.Kept)
	s.metrics.SetBalance(ir.Issuer.String(), s.ledger.Balance(ir.Issuer))
}

func (s *Sweeper) publish(ctx context.Context, u cashu.IssuerURL) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishIssuer(ctx, u); err != nil {
		s.logger.Warn("sweep: publish deferred to retry queue", "issuer", u.String(), "error", err)
	}
}

// Run sweeps once immediately and then every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("sweep: run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

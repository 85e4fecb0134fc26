// Package quotes tracks mint and melt quotes from creation to a final state,
// issues proofs for paid mint quotes exactly once and settles melts.
package quotes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"nutwallet/cashu"
	"nutwallet/issuer"
	"nutwallet/ledger"
	"nutwallet/observability"
)

var (
	ErrQuoteNotTracked = errors.New("quotes: quote not tracked")
	ErrAlreadyIssued   = errors.New("quotes: quote already issued")
	ErrWaitTimeout     = errors.New("quotes: wait timed out")
)

// Kind distinguishes mint and melt records.
type Kind string

const (
	KindMint Kind = "mint"
	KindMelt Kind = "melt"
)

// Record is the persisted form of a tracked quote.
type Record struct {
	Kind       Kind
	Mint       *cashu.MintQuote
	Melt       *cashu.MeltQuote
	TransferID string
	// Inputs lists the proof secrets handed to the issuer for a melt.
	Inputs    []string
	UpdatedAt time.Time
}

// ID returns the quote id.
func (r Record) ID() string {
	if r.Mint != nil {
		return r.Mint.ID
	}
	if r.Melt != nil {
		return r.Melt.ID
	}
	return ""
}

// Issuer returns the quote's issuer.
func (r Record) Issuer() cashu.IssuerURL {
	if r.Mint != nil {
		return r.Mint.Issuer
	}
	if r.Melt != nil {
		return r.Melt.Issuer
	}
	return ""
}

// Store persists tracked quotes across restarts.
type Store interface {
	SaveQuote(ctx context.Context, rec Record) error
	DeleteQuote(ctx context.Context, quoteID string) error
	LoadQuotes(ctx context.Context) ([]Record, error)
}

// WaitOptions bounds how long quote waits run.
type WaitOptions struct {
	PollInterval time.Duration
	MaxPolls     int
	// Inactivity is how long a silent subscription is trusted before a
	// point-in-time poll.
	Inactivity time.Duration
	// PollOnly skips the push subscription.
	PollOnly bool
}

// DefaultWaitOptions polls every 2s for up to 300 attempts.
func DefaultWaitOptions() WaitOptions {
	return WaitOptions{PollInterval: 2 * time.Second, MaxPolls: 300, Inactivity: 30 * time.Second}
}

// budget is the longest a wait may run.
func (o WaitOptions) budget() time.Duration {
	return time.Duration(o.MaxPolls) * o.PollInterval
}

func (o WaitOptions) normalised() WaitOptions {
	def := DefaultWaitOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.MaxPolls <= 0 {
		o.MaxPolls = def.MaxPolls
	}
	if o.Inactivity <= 0 {
		o.Inactivity = def.Inactivity
	}
	return o
}

type trackedMint struct {
	rec     Record
	issuing bool
	issued  bool
}

// Option customises the manager.
type Option func(*Manager)

// WithStore persists tracked quotes.
func WithStore(store Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithWaitOptions overrides DefaultWaitOptions.
func WithWaitOptions(opts WaitOptions) Option {
	return func(m *Manager) { m.wait = opts.normalised() }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records resolved quotes.
func WithMetrics(metrics *observability.WalletMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// Manager owns every tracked quote.
type Manager struct {
	coord   *issuer.Coordinator
	ledger  *ledger.Ledger
	store   Store
	wait    WaitOptions
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.WalletMetrics

	mu       sync.Mutex
	mints    map[string]*trackedMint
	melts    map[string]Record
	watchCtx context.Context
	watchers sync.WaitGroup
}

// NewManager constructs a manager over the coordinator's ledger.
func NewManager(coord *issuer.Coordinator, opts ...Option) *Manager {
	m := &Manager{
		coord:  coord,
		ledger: coord.Ledger(),
		wait:   DefaultWaitOptions(),
		now:    time.Now,
		logger: slog.Default(),
		mints:  make(map[string]*trackedMint),
		melts:  make(map[string]Record),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WaitOptions returns the configured wait bounds.
func (m *Manager) WaitOptions() WaitOptions { return m.wait }

// Restore reloads tracked quotes from the store.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	records, err := m.store.LoadQuotes(ctx)
	if err != nil {
		return fmt.Errorf("load quotes: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		switch rec.Kind {
		case KindMint:
			if rec.Mint != nil {
				if _, ok := m.mints[rec.Mint.ID]; !ok {
					m.mints[rec.Mint.ID] = &trackedMint{rec: rec}
				}
			}
		case KindMelt:
			if rec.Melt != nil {
				m.melts[rec.Melt.ID] = rec
			}
		}
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, rec Record) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveQuote(ctx, rec); err != nil {
		m.logger.Warn("persist quote failed", slog.String("quote", rec.ID()), slog.Any("error", err))
	}
}

func (m *Manager) forget(ctx context.Context, quoteID string) {
	if m.store == nil {
		return
	}
	if err := m.store.DeleteQuote(ctx, quoteID); err != nil {
		m.logger.Warn("delete quote failed", slog.String("quote", quoteID), slog.Any("error", err))
	}
}

// TrackMint starts tracking a mint quote. Quotes without a transfer are issued
// automatically while Watch runs.
func (m *Manager) TrackMint(ctx context.Context, quote cashu.MintQuote, transferID string) {
	q := quote
	rec := Record{Kind: KindMint, Mint: &q, TransferID: transferID, UpdatedAt: m.now()}
	m.mu.Lock()
	m.mints[quote.ID] = &trackedMint{rec: rec}
	watchCtx := m.watchCtx
	m.mu.Unlock()
	m.persist(ctx, rec)
	if watchCtx != nil && transferID == "" {
		m.spawn(watchCtx, quote.ID)
	}
}

// TrackMelt records a melt about to be sent with the given inputs.
func (m *Manager) TrackMelt(ctx context.Context, quote cashu.MeltQuote, inputs cashu.Proofs, transferID string) {
	q := quote
	rec := Record{Kind: KindMelt, Melt: &q, TransferID: transferID, Inputs: inputs.Secrets(), UpdatedAt: m.now()}
	m.mu.Lock()
	m.melts[quote.ID] = rec
	m.mu.Unlock()
	m.persist(ctx, rec)
}

// Untrack stops tracking a quote of either kind.
func (m *Manager) Untrack(ctx context.Context, quoteID string) {
	m.mu.Lock()
	delete(m.mints, quoteID)
	delete(m.melts, quoteID)
	m.mu.Unlock()
	m.forget(ctx, quoteID)
}

// Tracked lists every tracked quote that has not been issued.
func (m *Manager) Tracked() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.mints)+len(m.melts))
	for _, t := range m.mints {
		if !t.issued {
			out = append(out, cloneRecord(t.rec))
		}
	}
	for _, rec := range m.melts {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// MintQuote returns a tracked mint quote.
func (m *Manager) MintQuote(quoteID string) (cashu.MintQuote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.mints[quoteID]
	if !ok {
		return cashu.MintQuote{}, false
	}
	return *t.rec.Mint, true
}

// MeltFor returns the tracked melt whose inputs include secret.
func (m *Manager) MeltFor(secret string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.melts {
		for _, s := range rec.Inputs {
			if s == secret {
				return cloneRecord(rec), true
			}
		}
	}
	return Record{}, false
}

func (m *Manager) updateMint(ctx context.Context, q cashu.MintQuote) {
	m.mu.Lock()
	t, ok := m.mints[q.ID]
	if !ok || t.issued {
		m.mu.Unlock()
		return
	}
	if t.rec.Mint.State == q.State {
		m.mu.Unlock()
		return
	}
	updated := q
	t.rec.Mint = &updated
	t.rec.UpdatedAt = m.now()
	rec := cloneRecord(t.rec)
	m.mu.Unlock()
	m.persist(ctx, rec)
}

// MarkExpired records that a mint quote can no longer be paid. It is never
// issued afterwards.
func (m *Manager) MarkExpired(ctx context.Context, quoteID string) {
	m.mu.Lock()
	t, ok := m.mints[quoteID]
	if !ok {
		m.mu.Unlock()
		return
	}
	expired := *t.rec.Mint
	expired.State = cashu.MintQuoteExpired
	m.mu.Unlock()
	m.updateMint(ctx, expired)
	m.metrics.RecordQuote(string(KindMint), string(cashu.MintQuoteExpired))
}

// Issue pulls the signed proofs for a paid mint quote and ingests them. It
// takes the issuer lock itself.
func (m *Manager) Issue(ctx context.Context, quoteID string) (cashu.Proofs, error) {
	m.mu.Lock()
	t, ok := m.mints[quoteID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQuoteNotTracked, quoteID)
	}
	guard, err := m.coord.TryAcquire(t.rec.Mint.Issuer, "mint")
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	return m.IssueHeld(ctx, guard, quoteID)
}

// IssueHeld is Issue for callers already holding the issuer lock. A second
// call for the same quote returns ErrAlreadyIssued.
func (m *Manager) IssueHeld(ctx context.Context, guard *issuer.Guard, quoteID string) (cashu.Proofs, error) {
	m.mu.Lock()
	t, ok := m.mints[quoteID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrQuoteNotTracked, quoteID)
	}
	if t.issued || t.issuing {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyIssued, quoteID)
	}
	quote := *t.rec.Mint
	if quote.State == cashu.MintQuoteExpired || quote.Expired(m.now()) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: mint quote %s", cashu.ErrQuoteExpired, quoteID)
	}
	if quote.Issuer != guard.Issuer() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: quote %s belongs to %s", cashu.ErrInvalidInput, quoteID, quote.Issuer)
	}
	t.issuing = true
	m.mu.Unlock()

	proofs, err := m.mint(ctx, quote)

	m.mu.Lock()
	t.issuing = false
	if err == nil {
		t.issued = true
		issued := quote
		issued.State = cashu.MintQuoteIssued
		t.rec.Mint = &issued
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.forget(ctx, quoteID)
	m.metrics.RecordQuote(string(KindMint), string(cashu.MintQuoteIssued))
	return proofs, nil
}

func (m *Manager) mint(ctx context.Context, quote cashu.MintQuote) (cashu.Proofs, error) {
	h, err := m.coord.Client(ctx, quote.Issuer)
	if err != nil {
		return nil, err
	}
	start := m.now()
	proofs, err := h.Client.Mint(ctx, quote.Issuer, quote.ID, quote.Amount, h.Active)
	m.metrics.Observe("mint", m.now().Sub(start), err)
	if err != nil {
		return nil, fmt.Errorf("mint %s at %s: %w", quote.ID, quote.Issuer, err)
	}
	if _, err := m.ledger.Ingest(quote.Issuer, proofs, ""); err != nil {
		return nil, fmt.Errorf("ingest minted proofs: %w", err)
	}
	m.logger.Info("minted proofs",
		slog.String("issuer", quote.Issuer.String()),
		slog.String("quote", quote.ID),
		slog.Uint64("amount", proofs.Amount()))
	return proofs, nil
}

func cloneRecord(rec Record) Record {
	out := rec
	if rec.Mint != nil {
		q := *rec.Mint
		out.Mint = &q
	}
	if rec.Melt != nil {
		q := *rec.Melt
		out.Melt = &q
	}
	out.Inputs = append([]string(nil), rec.Inputs...)
	return out
}

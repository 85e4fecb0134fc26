package issuer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nutwallet/cashu"
	"nutwallet/ledger"
	"nutwallet/observability"
)

// DefaultCacheTTL bounds how long discovered issuer metadata is reused.
const DefaultCacheTTL = 10 * time.Minute

// Handle is the cached view of one issuer.
type Handle struct {
	Issuer    cashu.IssuerURL
	Info      cashu.Info
	Keysets   []cashu.Keyset
	Active    cashu.Keyset
	FetchedAt time.Time
	Client    Client
}

// InputFee returns the NUT-02 fee for spending proofs at this issuer.
func (h *Handle) InputFee(proofs cashu.Proofs) uint64 {
	return cashu.InputFee(proofs, h.Keysets)
}

// IsActive reports whether keysetID is one the issuer still honours.
func (h *Handle) IsActive(keysetID string) bool {
	for _, ks := range h.Keysets {
		if ks.ID == keysetID {
			return ks.Active
		}
	}
	return false
}

// Known reports whether keysetID was ever published by the issuer, active or
// not.
func (h *Handle) Known(keysetID string) bool {
	for _, ks := range h.Keysets {
		if ks.ID == keysetID {
			return true
		}
	}
	return false
}

// Option customises the coordinator.
type Option func(*Coordinator)

// WithKeysetStore persists discovered keysets.
func WithKeysetStore(store *KeysetStore) Option {
	return func(c *Coordinator) { c.store = store }
}

// WithCacheTTL overrides DefaultCacheTTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithUnit selects the unit keysets are chosen for.
func WithUnit(unit string) Option {
	return func(c *Coordinator) {
		if unit != "" {
			c.unit = unit
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.now = clock
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records lock contention and issuer calls.
func WithMetrics(m *observability.WalletMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator owns the issuer locks and protocol handles.
type Coordinator struct {
	client  Client
	ledger  *ledger.Ledger
	store   *KeysetStore
	locks   *Locks
	ttl     time.Duration
	unit    string
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.WalletMetrics

	mu      sync.Mutex
	handles map[cashu.IssuerURL]*Handle
}

// NewCoordinator wires a coordinator over the shared ledger.
func NewCoordinator(client Client, l *ledger.Ledger, opts ...Option) *Coordinator {
	c := &Coordinator{
		client:  client,
		ledger:  l,
		ttl:     DefaultCacheTTL,
		unit:    cashu.DefaultUnit,
		now:     time.Now,
		logger:  slog.Default(),
		handles: make(map[cashu.IssuerURL]*Handle),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.locks = NewLocks(c.metrics)
	return c
}

// Locks exposes the lock table.
func (c *Coordinator) Locks() *Locks { return c.locks }

// Ledger exposes the shared ledger.
func (c *Coordinator) Ledger() *ledger.Ledger { return c.ledger }

// Unit is the unit the wallet transacts in.
func (c *Coordinator) Unit() string { return c.unit }

// TryAcquire takes the issuer lock without blocking.
func (c *Coordinator) TryAcquire(issuer cashu.IssuerURL, op string) (*Guard, error) {
	return c.locks.TryAcquire(issuer, op)
}

// Client returns the cached handle for issuer, running discovery when the
// cache is cold or older than the TTL. A stale handle is served when refresh
// fails.
func (c *Coordinator) Client(ctx context.Context, issuer cashu.IssuerURL) (*Handle, error) {
	c.mu.Lock()
	cached, ok := c.handles[issuer]
	c.mu.Unlock()
	if ok && c.now().Sub(cached.FetchedAt) < c.ttl {
		return cached, nil
	}
	handle, err := c.discover(ctx, issuer)
	if err != nil {
		if ok {
			c.logger.Warn("issuer refresh failed, using cached handle",
				slog.String("issuer", issuer.String()),
				slog.Any("error", err))
			return cached, nil
		}
		return nil, err
	}
	c.mu.Lock()
	c.handles[issuer] = handle
	c.mu.Unlock()
	return handle, nil
}

// Invalidate drops the cached handle so the next call rediscovers.
func (c *Coordinator) Invalidate(issuer cashu.IssuerURL) {
	c.mu.Lock()
	delete(c.handles, issuer)
	c.mu.Unlock()
}

func (c *Coordinator) discover(ctx context.Context, issuer cashu.IssuerURL) (*Handle, error) {
	start := c.now()
	info, err := c.client.Info(ctx, issuer)
	if err != nil {
		// Info is advisory; keysets are what operations depend on.
		c.logger.Debug("issuer info unavailable", slog.String("issuer", issuer.String()), slog.Any("error", err))
	}
	listed, err := c.client.Keysets(ctx, issuer)
	c.metrics.Observe("keysets", c.now().Sub(start), err)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", issuer, err)
	}
	cached, err := c.store.Load(issuer)
	if err != nil {
		c.logger.Warn("keyset cache unreadable", slog.String("issuer", issuer.String()), slog.Any("error", err))
	}
	keysets := mergeKeys(listed, cached)
	active, ok := cashu.ActiveKeyset(keysets, c.unit)
	if !ok {
		return nil, fmt.Errorf("%w: issuer %s has no active %s keyset", cashu.ErrInvalidInput, issuer, c.unit)
	}
	if len(active.Keys) == 0 {
		withKeys, err := c.client.Keys(ctx, issuer, active.ID)
		if err != nil {
			return nil, fmt.Errorf("fetch keys %s/%s: %w", issuer, active.ID, err)
		}
		active.Keys = withKeys.Keys
		for i := range keysets {
			if keysets[i].ID == active.ID {
				keysets[i].Keys = withKeys.Keys
			}
		}
	}
	if err := c.store.Save(issuer, keysets); err != nil {
		c.logger.Warn("keyset cache write failed", slog.String("issuer", issuer.String()), slog.Any("error", err))
	}
	return &Handle{
		Issuer:    issuer,
		Info:      info,
		Keysets:   keysets,
		Active:    active,
		FetchedAt: c.now(),
		Client:    c.client,
	}, nil
}

// Keyset returns keysetID of issuer with its public keys, fetching them when
// they are not cached.
func (c *Coordinator) Keyset(ctx context.Context, issuer cashu.IssuerURL, keysetID string) (cashu.Keyset, error) {
	h, err := c.Client(ctx, issuer)
	if err != nil {
		return cashu.Keyset{}, err
	}
	for _, ks := range h.Keysets {
		if ks.ID == keysetID && len(ks.Keys) > 0 {
			return ks, nil
		}
	}
	ks, err := c.client.Keys(ctx, issuer, keysetID)
	if err != nil {
		return cashu.Keyset{}, fmt.Errorf("fetch keys %s/%s: %w", issuer, keysetID, err)
	}
	return ks, nil
}

// EnsureCurrentKeysets swaps every unspent proof held under a retired keyset
// for proofs under the active keyset. The caller must hold the issuer lock.
// It returns the amount rotated.
func (c *Coordinator) EnsureCurrentKeysets(ctx context.Context, guard *Guard) (uint64, error) {
	issuer := guard.Issuer()
	h, err := c.Client(ctx, issuer)
	if err != nil {
		return 0, err
	}
	sel := c.ledger.SelectKeysets(issuer, func(keysetID string) bool { return !h.IsActive(keysetID) })
	if sel.Empty() {
		return 0, nil
	}
	fee := h.InputFee(sel.Proofs)
	if sel.Amount() <= fee {
		c.ledger.Release(sel)
		return 0, nil
	}
	fresh, err := c.Swap(ctx, guard, sel, cashu.SplitAmount(sel.Amount()-fee))
	if err != nil {
		return 0, fmt.Errorf("rotate keysets: %w", err)
	}
	if _, err := c.ledger.Ingest(issuer, fresh, ""); err != nil {
		return 0, fmt.Errorf("ingest rotated proofs: %w", err)
	}
	c.logger.Info("rotated proofs to active keyset",
		slog.String("issuer", issuer.String()),
		slog.String("keyset", h.Active.ID),
		slog.Uint64("amount", fresh.Amount()))
	return sel.Amount(), nil
}

// SelectCovering reserves proofs covering amount plus the input fee of the
// proofs chosen.
func (c *Coordinator) SelectCovering(h *Handle, amount uint64) (ledger.Selection, error) {
	target := amount
	for i := 0; i < 4; i++ {
		sel, err := c.ledger.Select(h.Issuer, target)
		if err != nil {
			return ledger.Selection{}, err
		}
		need := amount + h.InputFee(sel.Proofs)
		if sel.Amount() >= need {
			return sel, nil
		}
		c.ledger.Release(sel)
		target = need
	}
	return ledger.Selection{}, fmt.Errorf("%w: input fees at %s", cashu.ErrInsufficientFunds, h.Issuer)
}

// Swap spends a reserved selection for fresh proofs of the given amounts under
// the active keyset. The fresh proofs are returned, not ingested. On failure
// the selection is reconciled against the issuer's reported proof states.
func (c *Coordinator) Swap(ctx context.Context, guard *Guard, sel ledger.Selection, amounts []uint64) (cashu.Proofs, error) {
	issuer := guard.Issuer()
	if sel.Issuer != issuer {
		return nil, fmt.Errorf("%w: selection belongs to %s", cashu.ErrInvalidInput, sel.Issuer)
	}
	h, err := c.Client(ctx, issuer)
	if err != nil {
		c.ledger.Release(sel)
		return nil, err
	}
	if err := c.ledger.MarkPending(sel); err != nil {
		return nil, err
	}
	start := c.now()
	fresh, err := h.Client.Swap(ctx, issuer, sel.Proofs, amounts, h.Active)
	c.metrics.Observe("swap", c.now().Sub(start), err)
	if err != nil {
		if _, rerr := c.Reconcile(ctx, sel); rerr != nil {
			c.logger.Warn("swap reconciliation deferred to sweep",
				slog.String("issuer", issuer.String()),
				slog.Any("error", rerr))
		}
		return nil, fmt.Errorf("swap at %s: %w", issuer, err)
	}
	c.ledger.CommitSpend(sel)
	return fresh, nil
}

// Reconciliation is the outcome of checking a selection against the issuer.
type Reconciliation struct {
	Spent    cashu.Proofs
	Pending  cashu.Proofs
	Released cashu.Proofs
}

// Reconcile asks the issuer which proofs of sel it consumed. Spent proofs are
// marked spent, unspent ones are released and pending ones are left for the
// recovery sweep. When the issuer cannot be asked nothing changes.
func (c *Coordinator) Reconcile(ctx context.Context, sel ledger.Selection) (Reconciliation, error) {
	if sel.Empty() {
		return Reconciliation{}, nil
	}
	states, err := c.CheckState(ctx, sel.Issuer, sel.Proofs)
	if err != nil {
		return Reconciliation{}, err
	}
	spent, pending, unspent := cashu.PartitionStates(sel.Proofs, states)
	c.ledger.ReconcileSpent(sel.Issuer, spent.Secrets())
	if len(unspent) > 0 {
		c.ledger.Release(ledger.Selection{ID: sel.ID, Issuer: sel.Issuer, Proofs: unspent})
	}
	return Reconciliation{Spent: spent, Pending: pending, Released: unspent}, nil
}

// CheckState asks the issuer for the NUT-07 state of proofs.
func (c *Coordinator) CheckState(ctx context.Context, issuer cashu.IssuerURL, proofs cashu.Proofs) ([]cashu.ProofState, error) {
	start := c.now()
	states, err := c.client.CheckState(ctx, issuer, proofs)
	c.metrics.Observe("checkstate", c.now().Sub(start), err)
	if err != nil {
		return nil, fmt.Errorf("check state at %s: %w", issuer, err)
	}
	return states, nil
}

// Unreachable reports whether err means the issuer could not be contacted.
func Unreachable(err error) bool {
	return errors.Is(err, cashu.ErrIssuerUnreachable) || errors.Is(err, context.DeadlineExceeded)
}

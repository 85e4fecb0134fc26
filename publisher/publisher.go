// Package publisher writes the wallet's proof records to the event log as
// encrypted token events, deletes superseded ones and retries failed writes.
package publisher

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"nutwallet/cashu"
	"nutwallet/eventlog"
	"nutwallet/identity"
	"nutwallet/ledger"
	"nutwallet/observability"
)

const (
	DefaultTick         = 5 * time.Second
	DefaultFetchTimeout = 10 * time.Second
)

// ErrEntryNotFound is returned when a queue entry id is unknown.
var ErrEntryNotFound = errors.New("publisher: queue entry not found")

// tokenPayload is the decrypted content of a token event.
type tokenPayload struct {
	Mint   string       `json:"mint"`
	Unit   string       `json:"unit,omitempty"`
	Proofs cashu.Proofs `json:"proofs"`
	Del    []string     `json:"del,omitempty"`
}

// Option customises the publisher.
type Option func(*Publisher)

// WithStore persists the retry queue.
func WithStore(store Store) Option {
	return func(p *Publisher) { p.queue.store = store }
}

// WithPolicy overrides DefaultPolicy.
func WithPolicy(policy Policy) Option {
	return func(p *Publisher) { p.queue.policy = policy.normalised() }
}

// WithTick sets how often Run drains the retry queue.
func WithTick(interval time.Duration) Option {
	return func(p *Publisher) {
		if interval > 0 {
			p.tick = interval
		}
	}
}

// WithFetchTimeout bounds log fetches during Restore.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(p *Publisher) {
		if timeout > 0 {
			p.fetchTimeout = timeout
		}
	}
}

// WithVerifier replaces the signature check applied to fetched events.
func WithVerifier(verify func(eventlog.Event) error) Option {
	return func(p *Publisher) {
		if verify != nil {
			p.verify = verify
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(p *Publisher) {
		if clock != nil {
			p.now = clock
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics reports the retry queue gauges.
func WithMetrics(m *observability.WalletMetrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// Publisher owns every write to the event log.
type Publisher struct {
	ledger       *ledger.Ledger
	log          eventlog.Log
	id           identity.Identity
	queue        *queue
	tick         time.Duration
	fetchTimeout time.Duration
	verify       func(eventlog.Event) error
	now          func() time.Time
	logger       *slog.Logger
	metrics      *observability.WalletMetrics

	mu       sync.Mutex
	locks    map[cashu.IssuerURL]*sync.Mutex
	notified map[cashu.IssuerURL]struct{}
	wake     chan struct{}
}

// New constructs a publisher writing l's records to log as id.
func New(l *ledger.Ledger, log eventlog.Log, id identity.Identity, opts ...Option) *Publisher {
	p := &Publisher{
		ledger:       l,
		log:          log,
		id:           id,
		tick:         DefaultTick,
		fetchTimeout: DefaultFetchTimeout,
		verify:       identity.Verify,
		now:          time.Now,
		logger:       slog.Default(),
		locks:        make(map[cashu.IssuerURL]*sync.Mutex),
		notified:     make(map[cashu.IssuerURL]struct{}),
		wake:         make(chan struct{}, 1),
	}
	p.queue = newQueue(DefaultPolicy(), func() time.Time { return p.now() })
	for _, opt := range opts {
		opt(p)
	}
	p.queue.logf = p.logger.Warn
	p.queue.report = func(depth, abandoned int) { p.metrics.SetQueue(depth, abandoned) }
	return p
}

func (p *Publisher) issuerLock(issuer cashu.IssuerURL) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	mu, ok := p.locks[issuer]
	if !ok {
		mu = &sync.Mutex{}
		p.locks[issuer] = mu
	}
	return mu
}

// PublishIssuer writes the issuer's unpublished proofs as one token event and
// deletes the events it superseded. Failed writes are queued for retry and
// reported as ErrPublishFailed; ledger balances never depend on the outcome.
func (p *Publisher) PublishIssuer(ctx context.Context, issuer cashu.IssuerURL) error {
	mu := p.issuerLock(issuer)
	mu.Lock()
	var errs []error
	if err := p.publishTokens(ctx, issuer); err != nil {
		errs = append(errs, err)
	}
	if err := p.publishDeletions(ctx, issuer); err != nil {
		errs = append(errs, err)
	}
	mu.Unlock()
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if p.queue.size() > 0 {
		if _, err := p.Drain(ctx, true); err != nil {
			p.logger.Debug("publisher: opportunistic drain incomplete", "error", err)
		}
	}
	return nil
}

func (p *Publisher) publishTokens(ctx context.Context, issuer cashu.IssuerURL) error {
	pending := p.ledger.PendingPublication(issuer)
	if len(pending.Proofs) == 0 {
		p.queue.drop(ctx, issuer, eventlog.KindToken)
		return nil
	}
	plain, err := json.Marshal(tokenPayload{
		Mint:   issuer.String(),
		Unit:   cashu.DefaultUnit,
		Proofs: pending.Proofs,
		Del:    pending.Obsolete,
	})
	if err != nil {
		return fmt.Errorf("encode token payload: %w", err)
	}
	ev, err := p.tokenEvent(ctx, string(plain))
	if err != nil {
		return fmt.Errorf("%w: build token event: %v", cashu.ErrPublishFailed, err)
	}
	secrets := pending.Proofs.Secrets()
	id, err := p.write(ctx, ev)
	if err != nil {
		entry := p.queue.fail(ctx, Entry{
			Issuer:  issuer,
			Kind:    eventlog.KindToken,
			Event:   ev,
			Secrets: secrets,
			Digest:  digest(plain),
		}, err)
		p.logger.Warn("publisher: token event queued", "issuer", issuer.String(), "entry", entry.ID, "attempts", entry.Attempts, "error", err)
		return fmt.Errorf("%w: token event for %s: %v", cashu.ErrPublishFailed, issuer, err)
	}
	rec := p.ledger.Bind(issuer, secrets, id)
	p.queue.drop(ctx, issuer, eventlog.KindToken)
	p.logger.Info("publisher: token event published",
		"issuer", issuer.String(),
		"event", id,
		"proofs", len(rec.Proofs),
		"amount", rec.Proofs.Amount(),
		"replaces", len(pending.Obsolete))
	return nil
}

func (p *Publisher) publishDeletions(ctx context.Context, issuer cashu.IssuerURL) error {
	ids := p.ledger.Superseded(issuer)
	if queued, ok := p.queue.find(issuer, eventlog.KindDeletion); ok {
		ids = union(ids, queued.Forget)
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	ev := eventlog.Event{
		CreatedAt: p.now().Unix(),
		Kind:      eventlog.KindDeletion,
		Tags:      deletionTags(ids),
	}
	if err := p.id.Sign(ctx, &ev); err != nil {
		return fmt.Errorf("%w: sign deletion: %v", cashu.ErrPublishFailed, err)
	}
	if _, err := p.write(ctx, ev); err != nil {
		entry := p.queue.fail(ctx, Entry{
			Issuer: issuer,
			Kind:   eventlog.KindDeletion,
			Event:  ev,
			Forget: ids,
			Digest: digest([]byte(strings.Join(ids, ","))),
		}, err)
		p.logger.Warn("publisher: deletion queued", "issuer", issuer.String(), "entry", entry.ID, "events", len(ids), "error", err)
		return fmt.Errorf("%w: deletion for %s: %v", cashu.ErrPublishFailed, issuer, err)
	}
	p.ledger.Forget(ids...)
	p.queue.drop(ctx, issuer, eventlog.KindDeletion)
	p.logger.Info("publisher: superseded events deleted", "issuer", issuer.String(), "events", len(ids))
	return nil
}

func (p *Publisher) tokenEvent(ctx context.Context, plaintext string) (eventlog.Event, error) {
	content, err := p.id.Encrypt(ctx, p.id.PublicKey(), plaintext)
	if err != nil {
		return eventlog.Event{}, err
	}
	ev := eventlog.Event{
		CreatedAt: p.now().Unix(),
		Kind:      eventlog.KindToken,
		Tags:      [][]string{},
		Content:   content,
	}
	if err := p.id.Sign(ctx, &ev); err != nil {
		return eventlog.Event{}, err
	}
	return ev, nil
}

func (p *Publisher) write(ctx context.Context, ev eventlog.Event) (string, error) {
	id, err := p.log.Publish(ctx, ev)
	observability.Events().RecordPublish(ev.Kind, err)
	if err != nil {
		return "", err
	}
	if id == "" {
		id = ev.ID
	}
	return id, nil
}

// Drain republishes queued entries whose backoff elapsed, or every live entry
// when force is set. It returns how many entries were written.
func (p *Publisher) Drain(ctx context.Context, force bool) (int, error) {
	var (
		written int
		errs    []error
	)
	for _, entry := range p.queue.due(force) {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		ok, err := p.drainEntry(ctx, entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			written++
		}
	}
	if len(errs) > 0 {
		return written, fmt.Errorf("%w: %v", cashu.ErrPublishFailed, errors.Join(errs...))
	}
	return written, nil
}

func (p *Publisher) drainEntry(ctx context.Context, entry Entry) (bool, error) {
	mu := p.issuerLock(entry.Issuer)
	mu.Lock()
	defer mu.Unlock()
	current, ok := p.queue.get(entry.ID)
	if !ok || current.Digest != entry.Digest || current.Abandoned {
		return false, nil
	}
	id, err := p.write(ctx, current.Event)
	if err != nil {
		p.queue.retryFailed(ctx, current.ID, err)
		return false, fmt.Errorf("entry %s: %w", current.ID, err)
	}
	switch current.Kind {
	case eventlog.KindToken:
		rec := p.ledger.Bind(current.Issuer, current.Secrets, id)
		if rec.Superseded {
			p.Notify(current.Issuer)
		}
	case eventlog.KindDeletion:
		p.ledger.Forget(current.Forget...)
	}
	p.queue.remove(ctx, current.ID)
	p.logger.Info("publisher: queued write delivered", "issuer", current.Issuer.String(), "kind", current.Kind, "event", id, "attempts", current.Attempts+1)
	return true, nil
}

// Queue lists every queued entry, abandoned ones included.
func (p *Publisher) Queue() []Entry { return p.queue.list(false) }

// Abandoned lists entries that exhausted their retry budget.
func (p *Publisher) Abandoned() []Entry { return p.queue.list(true) }

// Requeue gives an abandoned entry a fresh retry budget.
func (p *Publisher) Requeue(ctx context.Context, id string) (Entry, error) {
	entry, ok := p.queue.requeue(ctx, id)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return entry, nil
}

// Unsaved reports whether any wallet state is not yet on the log.
func (p *Publisher) Unsaved() bool {
	return len(p.ledger.Dirty()) > 0 || p.queue.size() > 0
}

// Notify schedules an asynchronous publication of issuer for Run.
func (p *Publisher) Notify(issuer cashu.IssuerURL) {
	if issuer == "" {
		return
	}
	p.mu.Lock()
	p.notified[issuer] = struct{}{}
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Listener adapts Notify to ledger mutations.
func (p *Publisher) Listener() ledger.Listener {
	return func(d ledger.Delta) { p.Notify(d.Issuer) }
}

func (p *Publisher) takeNotified() []cashu.IssuerURL {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]cashu.IssuerURL, 0, len(p.notified))
	for issuer := range p.notified {
		out = append(out, issuer)
	}
	p.notified = make(map[cashu.IssuerURL]struct{})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Run publishes dirty issuers, then serves notifications and periodic queue
// drains until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for _, issuer := range p.ledger.Dirty() {
		p.Notify(issuer)
	}
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
			for _, issuer := range p.takeNotified() {
				if err := p.PublishIssuer(ctx, issuer); err != nil && ctx.Err() == nil {
					p.logger.Warn("publisher: publish failed", "issuer", issuer.String(), "error", err)
				}
			}
		case <-ticker.C:
			if n, err := p.Drain(ctx, false); err != nil && ctx.Err() == nil {
				p.logger.Warn("publisher: drain incomplete", "delivered", n, "error", err)
			}
		}
	}
}

// LoadQueue restores persisted queue entries and re-ingests the proofs of
// queued token events, which exist nowhere else until published.
func (p *Publisher) LoadQueue(ctx context.Context) error {
	entries, err := p.queue.load(ctx)
	if err != nil {
		return fmt.Errorf("load retry queue: %w", err)
	}
	for _, entry := range entries {
		if entry.Kind != eventlog.KindToken {
			continue
		}
		payload, err := p.open(ctx, entry.Event)
		if err != nil {
			p.logger.Warn("publisher: unreadable queue entry", "entry", entry.ID, "error", err)
			continue
		}
		if _, err := p.ledger.Ingest(entry.Issuer, payload.Proofs, ""); err != nil {
			p.logger.Warn("publisher: queued proofs rejected", "entry", entry.ID, "error", err)
		}
	}
	return nil
}

func (p *Publisher) open(ctx context.Context, ev eventlog.Event) (tokenPayload, error) {
	plain, err := p.id.Decrypt(ctx, ev.PubKey, ev.Content)
	if err != nil {
		return tokenPayload{}, err
	}
	var payload tokenPayload
	if err := json.Unmarshal([]byte(plain), &payload); err != nil {
		return tokenPayload{}, fmt.Errorf("%w: token payload: %v", eventlog.ErrInvalidEvent, err)
	}
	return payload, nil
}

// RestoreSummary describes what Restore rebuilt.
type RestoreSummary struct {
	Events  int
	Deleted int
	Invalid int
	Proofs  int
	Amount  uint64
	Issuers []cashu.IssuerURL
}

// Restore rebuilds the ledger from the owner's token events on the log,
// skipping events deleted by a deletion event or replaced by a newer token
// event.
func (p *Publisher) Restore(ctx context.Context) (RestoreSummary, error) {
	var summary RestoreSummary
	events, err := p.log.Fetch(ctx, eventlog.Filter{
		Authors: []string{p.id.PublicKey()},
		Kinds:   []int{eventlog.KindToken, eventlog.KindDeletion},
	}, p.fetchTimeout)
	if err != nil {
		return summary, fmt.Errorf("fetch wallet events: %w", err)
	}

	deleted := make(map[string]struct{})
	var tokens []eventlog.Event
	type opened struct {
		ev      eventlog.Event
		payload tokenPayload
	}
	var readable []opened
	for _, ev := range events {
		if ev.PubKey != p.id.PublicKey() {
			continue
		}
		if err := p.verify(ev); err != nil {
			summary.Invalid++
			p.logger.Warn("publisher: rejected log event", "event", ev.ID, "error", err)
			continue
		}
		switch ev.Kind {
		case eventlog.KindDeletion:
			for _, id := range ev.TagValues("e") {
				deleted[id] = struct{}{}
			}
		case eventlog.KindToken:
			tokens = append(tokens, ev)
		}
	}
	for _, ev := range tokens {
		payload, err := p.open(ctx, ev)
		if err != nil {
			summary.Invalid++
			p.logger.Warn("publisher: unreadable token event", "event", ev.ID, "error", err)
			continue
		}
		for _, id := range payload.Del {
			deleted[id] = struct{}{}
		}
		readable = append(readable, opened{ev: ev, payload: payload})
	}
	sort.Slice(readable, func(i, j int) bool {
		if readable[i].ev.CreatedAt != readable[j].ev.CreatedAt {
			return readable[i].ev.CreatedAt > readable[j].ev.CreatedAt
		}
		return readable[i].ev.ID < readable[j].ev.ID
	})

	seen := make(map[cashu.IssuerURL]struct{})
	for _, item := range readable {
		if _, gone := deleted[item.ev.ID]; gone {
			summary.Deleted++
			continue
		}
		issuer, err := cashu.ParseIssuerURL(item.payload.Mint)
		if err != nil {
			summary.Invalid++
			continue
		}
		if item.payload.Unit != "" && item.payload.Unit != cashu.DefaultUnit {
			continue
		}
		rec, err := p.ledger.Ingest(issuer, item.payload.Proofs, item.ev.ID)
		if err != nil {
			summary.Invalid++
			p.logger.Warn("publisher: token event rejected", "event", item.ev.ID, "error", err)
			continue
		}
		summary.Events++
		summary.Proofs += len(rec.Proofs)
		summary.Amount += rec.Proofs.Amount()
		if _, ok := seen[issuer]; !ok {
			seen[issuer] = struct{}{}
			summary.Issuers = append(summary.Issuers, issuer)
		}
	}
	sort.Slice(summary.Issuers, func(i, j int) bool { return summary.Issuers[i] < summary.Issuers[j] })
	p.logger.Info("publisher: wallet restored from log",
		"events", summary.Events,
		"deleted", summary.Deleted,
		"invalid", summary.Invalid,
		"amount", summary.Amount)
	return summary, nil
}

func deletionTags(ids []string) [][]string {
	tags := make([][]string, 0, len(ids)+1)
	for _, id := range ids {
		tags = append(tags, []string{"e", id})
	}
	return append(tags, []string{"k", fmt.Sprint(eventlog.KindToken)})
}

func union(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

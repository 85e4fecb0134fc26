// Package relay implements the broadcast event log over a pool of NIP-01
// websocket relays.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nutwallet/eventlog"
)

const (
	DefaultDialTimeout    = 10 * time.Second
	DefaultPublishTimeout = 10 * time.Second
	DefaultFetchTimeout   = 15 * time.Second
)

var (
	// ErrNoRelays is returned when the pool is configured without relays.
	ErrNoRelays = errors.New("relay: no relays configured")
	// ErrRejected is returned when a relay answers OK false.
	ErrRejected = errors.New("relay: event rejected")
	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = errors.New("relay: pool closed")
)

// Config lists the relays and the time budgets of each operation.
type Config struct {
	Relays         []string
	DialTimeout    time.Duration
	PublishTimeout time.Duration
	FetchTimeout   time.Duration
}

// Option customises a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

type relayState struct {
	mu   sync.Mutex
	conn *conn
}

// Pool fans every operation out to all configured relays. Connections are
// dialled lazily and redialled after they drop.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	relays map[string]*relayState
	closed bool
}

var _ eventlog.Log = (*Pool)(nil)

// New validates cfg and returns an idle pool.
func New(cfg Config, opts ...Option) (*Pool, error) {
	if len(cfg.Relays) == 0 {
		return nil, ErrNoRelays
	}
	seen := make(map[string]struct{}, len(cfg.Relays))
	urls := make([]string, 0, len(cfg.Relays))
	for _, raw := range cfg.Relays {
		normalised, err := normaliseURL(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[normalised]; dup {
			continue
		}
		seen[normalised] = struct{}{}
		urls = append(urls, normalised)
	}
	cfg.Relays = urls
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	p := &Pool{
		cfg:    cfg,
		logger: slog.Default(),
		relays: make(map[string]*relayState, len(urls)),
	}
	for _, u := range urls {
		p.relays[u] = &relayState{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

func normaliseURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("relay: parse %q: %w", raw, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", fmt.Errorf("relay: %q must use ws or wss", raw)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("relay: %q missing host", raw)
	}
	parsed.Scheme = scheme
	parsed.Host = strings.ToLower(parsed.Host)
	return strings.TrimRight(parsed.String(), "/"), nil
}

// Relays lists the normalised relay URLs.
func (p *Pool) Relays() []string {
	return append([]string(nil), p.cfg.Relays...)
}

func (p *Pool) connect(ctx context.Context, u string) (*conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	st := p.relays[u]
	p.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.conn != nil && st.conn.alive() {
		return st.conn, nil
	}
	c, err := dial(ctx, u, p.cfg.DialTimeout, p.logger)
	if err != nil {
		return nil, err
	}
	st.conn = c
	return c, nil
}

// Publish sends ev to every relay and returns once one accepts it. The
// remaining relays keep their own time budget.
func (p *Pool) Publish(ctx context.Context, ev eventlog.Event) (string, error) {
	if ev.ID == "" {
		return "", fmt.Errorf("%w: unsigned event", eventlog.ErrInvalidEvent)
	}
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PublishTimeout)
	results := make(chan error, len(p.cfg.Relays))
	var wg sync.WaitGroup
	for _, u := range p.cfg.Relays {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			results <- p.publishOne(opCtx, u, ev)
		}(u)
	}
	go func() {
		wg.Wait()
		cancel()
	}()

	var errs []error
	for range p.cfg.Relays {
		select {
		case err := <-results:
			if err == nil {
				return ev.ID, nil
			}
			errs = append(errs, err)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("relay: publish %s: %w", ev.ID, errors.Join(errs...))
}

func (p *Pool) publishOne(ctx context.Context, u string, ev eventlog.Event) error {
	c, err := p.connect(ctx, u)
	if err != nil {
		return err
	}
	res, err := c.publish(ctx, ev)
	if err != nil {
		return fmt.Errorf("%s: %w", u, err)
	}
	if !res.accepted && !strings.HasPrefix(res.message, "duplicate:") {
		p.logger.Warn("relay rejected event",
			slog.String("relay", u),
			slog.String("event", ev.ID),
			slog.String("reason", res.message))
		return fmt.Errorf("%w by %s: %s", ErrRejected, u, res.message)
	}
	return nil
}

// Fetch collects stored events matching filter from every relay until each
// signals end of stored events or timeout elapses. Results are deduplicated
// and sorted newest first. Partial results are returned when at least one
// relay answered.
func (p *Pool) Fetch(ctx context.Context, filter eventlog.Filter, timeout time.Duration) ([]eventlog.Event, error) {
	if timeout <= 0 {
		timeout = p.cfg.FetchTimeout
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		events []eventlog.Event
		err    error
	}
	results := make(chan result, len(p.cfg.Relays))
	for _, u := range p.cfg.Relays {
		go func(u string) {
			events, err := p.fetchOne(fetchCtx, u, filter)
			results <- result{events: events, err: err}
		}(u)
	}

	byID := make(map[string]eventlog.Event)
	var errs []error
	answered := 0
	for range p.cfg.Relays {
		r := <-results
		if r.err != nil {
			errs = append(errs, r.err)
		} else {
			answered++
		}
		for _, ev := range r.events {
			byID[ev.ID] = ev
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if answered == 0 && len(byID) == 0 {
		return nil, fmt.Errorf("relay: fetch: %w", errors.Join(errs...))
	}
	for _, err := range errs {
		p.logger.Debug("relay fetch incomplete", slog.Any("error", err))
	}

	out := make([]eventlog.Event, 0, len(byID))
	for _, ev := range byID {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (p *Pool) fetchOne(ctx context.Context, u string, filter eventlog.Filter) ([]eventlog.Event, error) {
	c, err := p.connect(ctx, u)
	if err != nil {
		return nil, err
	}
	subID := uuid.NewString()
	sub, err := c.req(ctx, subID, filter)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", u, err)
	}
	defer c.unsubscribe(subID)

	var events []eventlog.Event
	for {
		select {
		case ev := <-sub.events:
			if filter.Matches(ev) {
				events = append(events, ev)
			}
		case <-sub.eose:
			return append(events, drain(sub.events, filter)...), nil
		case <-sub.closed:
			return events, fmt.Errorf("%s: subscription closed: %s", u, sub.reason)
		case <-ctx.Done():
			// Timed out before EOSE: what arrived is still usable.
			return events, nil
		}
	}
}

func drain(ch <-chan eventlog.Event, filter eventlog.Filter) []eventlog.Event {
	var out []eventlog.Event
	for {
		select {
		case ev := <-ch:
			if filter.Matches(ev) {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

// Subscribe streams events matching filter from every relay that accepts the
// subscription, deduplicated by id. The returned cancel func closes the
// channel; cancelling ctx does the same.
func (p *Pool) Subscribe(ctx context.Context, filter eventlog.Filter) (<-chan eventlog.Event, func(), error) {
	type live struct {
		conn *conn
		sub  *subscription
	}
	subID := uuid.NewString()
	var (
		subs []live
		errs []error
	)
	for _, u := range p.cfg.Relays {
		c, err := p.connect(ctx, u)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sub, err := c.req(ctx, subID, filter)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
			continue
		}
		subs = append(subs, live{conn: c, sub: sub})
	}
	if len(subs) == 0 {
		return nil, func() {}, fmt.Errorf("relay: subscribe: %w", errors.Join(errs...))
	}

	out := make(chan eventlog.Event, 64)
	stop := make(chan struct{})
	var (
		seenMu sync.Mutex
		seen   = make(map[string]struct{})
		wg     sync.WaitGroup
	)
	for _, l := range subs {
		wg.Add(1)
		go func(l live) {
			defer wg.Done()
			for {
				select {
				case ev := <-l.sub.events:
					if !filter.Matches(ev) {
						continue
					}
					seenMu.Lock()
					_, dup := seen[ev.ID]
					seen[ev.ID] = struct{}{}
					seenMu.Unlock()
					if dup {
						continue
					}
					select {
					case out <- ev:
					case <-stop:
						return
					}
				case <-l.sub.closed:
					return
				case <-stop:
					return
				}
			}
		}(l)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			for _, l := range subs {
				l.conn.unsubscribe(subID)
			}
			wg.Wait()
			close(out)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()
	// Every relay dropped the subscription.
	go func() {
		wg.Wait()
		cancel()
	}()
	return out, cancel, nil
}

// Close drops every relay connection. Further operations fail with
// ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	states := make([]*relayState, 0, len(p.relays))
	for _, st := range p.relays {
		states = append(states, st)
	}
	p.mu.Unlock()
	for _, st := range states {
		st.mu.Lock()
		if st.conn != nil {
			st.conn.close()
		}
		st.mu.Unlock()
	}
	return nil
}

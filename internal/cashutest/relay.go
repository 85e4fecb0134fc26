package cashutest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"nutwallet/eventlog"
)

// ErrRelayDown is returned by a Relay whose publishing is disabled.
var ErrRelayDown = errors.New("cashutest: relay rejected event")

// Relay is an in-memory broadcast log. Deletion events remove the referenced
// events of the same author, like a NIP-09 compliant relay.
type Relay struct {
	mu        sync.Mutex
	events    []eventlog.Event
	failNext  int
	failAll   bool
	published int
	subs      []relaySub
}

type relaySub struct {
	filter eventlog.Filter
	ch     chan eventlog.Event
}

// NewRelay constructs an empty relay.
func NewRelay() *Relay { return &Relay{} }

// FailNext rejects the next n publishes.
func (r *Relay) FailNext(n int) {
	r.mu.Lock()
	r.failNext = n
	r.mu.Unlock()
}

// SetDown rejects every publish until cleared.
func (r *Relay) SetDown(down bool) {
	r.mu.Lock()
	r.failAll = down
	r.mu.Unlock()
}

// Published counts accepted events.
func (r *Relay) Published() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.published
}

// Events returns stored events matching filter.
func (r *Relay) Events(filter eventlog.Filter) []eventlog.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventlog.Event
	for _, ev := range r.events {
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Relay) Publish(_ context.Context, ev eventlog.Event) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll {
		return "", ErrRelayDown
	}
	if r.failNext > 0 {
		r.failNext--
		return "", ErrRelayDown
	}
	if ev.ID == "" {
		id, err := ev.ComputeID()
		if err != nil {
			return "", err
		}
		ev.ID = id
	}
	if ev.Kind == eventlog.KindDeletion {
		deleted := make(map[string]struct{})
		for _, id := range ev.TagValues("e") {
			deleted[id] = struct{}{}
		}
		kept := r.events[:0]
		for _, existing := range r.events {
			if _, gone := deleted[existing.ID]; gone && existing.PubKey == ev.PubKey {
				continue
			}
			kept = append(kept, existing)
		}
		r.events = kept
	}
	r.events = append(r.events, ev)
	r.published++
	for _, sub := range r.subs {
		if sub.filter.Matches(ev) {
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
	return ev.ID, nil
}

func (r *Relay) Subscribe(ctx context.Context, filter eventlog.Filter) (<-chan eventlog.Event, func(), error) {
	ch := make(chan eventlog.Event, 16)
	r.mu.Lock()
	r.subs = append(r.subs, relaySub{filter: filter, ch: ch})
	r.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, sub := range r.subs {
				if sub.ch == ch {
					r.subs = append(r.subs[:i], r.subs[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}

func (r *Relay) Fetch(_ context.Context, filter eventlog.Filter, _ time.Duration) ([]eventlog.Event, error) {
	out := r.Events(filter)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

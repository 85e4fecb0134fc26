package publisher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"nutwallet/cashu"
	"nutwallet/eventlog"
)

// Policy bounds how long failed log writes are retried.
type Policy struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
	MaxAge      time.Duration
}

// DefaultPolicy retries with 5s doubling backoff capped at 10m, at most 12
// times within 24h.
func DefaultPolicy() Policy {
	return Policy{
		BaseBackoff: 5 * time.Second,
		MaxBackoff:  10 * time.Minute,
		MaxAttempts: 12,
		MaxAge:      24 * time.Hour,
	}
}

func (p Policy) normalised() Policy {
	def := DefaultPolicy()
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = def.BaseBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = p.BaseBackoff
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.MaxAge <= 0 {
		p.MaxAge = def.MaxAge
	}
	return p
}

// Backoff returns the delay before retry number attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return p.BaseBackoff
	}
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// Entry is a signed log write waiting for retry. Token entries carry the
// secrets the event binds; deletion entries carry the record ids it removes.
type Entry struct {
	ID          string          `json:"id"`
	Issuer      cashu.IssuerURL `json:"issuer"`
	Kind        int             `json:"kind"`
	Event       eventlog.Event  `json:"event"`
	Secrets     []string        `json:"secrets,omitempty"`
	Forget      []string        `json:"forget,omitempty"`
	Digest      string          `json:"digest"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	NextAttempt time.Time       `json:"next_attempt"`
	LastError   string          `json:"last_error,omitempty"`
	Abandoned   bool            `json:"abandoned"`
}

func (e Entry) clone() Entry {
	e.Secrets = append([]string(nil), e.Secrets...)
	e.Forget = append([]string(nil), e.Forget...)
	return e
}

// Store persists retry queue entries across restarts.
type Store interface {
	SaveEntry(ctx context.Context, entry Entry) error
	DeleteEntry(ctx context.Context, id string) error
	LoadEntries(ctx context.Context) ([]Entry, error)
}

type queueKey struct {
	issuer cashu.IssuerURL
	kind   int
}

// queue holds at most one entry per issuer and event kind: a newer payload
// replaces the older one and an identical payload only counts another attempt.
type queue struct {
	policy Policy
	store  Store
	now    func() time.Time
	report func(depth, abandoned int)
	logf   func(msg string, args ...any)

	mu      sync.Mutex
	entries map[queueKey]*Entry
}

func newQueue(policy Policy, now func() time.Time) *queue {
	return &queue{
		policy:  policy.normalised(),
		now:     now,
		report:  func(int, int) {},
		logf:    func(string, ...any) {},
		entries: make(map[queueKey]*Entry),
	}
}

func keyOf(e *Entry) queueKey { return queueKey{issuer: e.Issuer, kind: e.Kind} }

func (q *queue) load(ctx context.Context) ([]Entry, error) {
	if q.store == nil {
		return nil, nil
	}
	loaded, err := q.store.LoadEntries(ctx)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	for i := range loaded {
		e := loaded[i].clone()
		key := keyOf(&e)
		if existing, ok := q.entries[key]; ok && !existing.CreatedAt.Before(e.CreatedAt) {
			continue
		}
		q.entries[key] = &e
	}
	q.mu.Unlock()
	q.publishGauges()
	return loaded, nil
}

// fail records a failed publish of e, merging it with any queued entry of the
// same issuer and kind.
func (q *queue) fail(ctx context.Context, e Entry, cause error) Entry {
	q.mu.Lock()
	now := q.now()
	key := keyOf(&e)
	current, ok := q.entries[key]
	switch {
	case ok && current.Digest == e.Digest:
	case ok:
		e = e.clone()
		e.ID = current.ID
		e.CreatedAt = now
		e.Attempts = 0
		current = &e
		q.entries[key] = current
	default:
		e = e.clone()
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.CreatedAt = now
		e.Attempts = 0
		current = &e
		q.entries[key] = current
	}
	q.markFailureLocked(current, cause, now)
	out := current.clone()
	q.mu.Unlock()
	q.persist(ctx, out)
	q.publishGauges()
	return out
}

// retryFailed records another failed attempt of a queued entry. It is a no-op
// when the entry was replaced meanwhile.
func (q *queue) retryFailed(ctx context.Context, id string, cause error) {
	q.mu.Lock()
	var current *Entry
	for _, e := range q.entries {
		if e.ID == id {
			current = e
			break
		}
	}
	if current == nil {
		q.mu.Unlock()
		return
	}
	q.markFailureLocked(current, cause, q.now())
	out := current.clone()
	q.mu.Unlock()
	q.persist(ctx, out)
	q.publishGauges()
}

func (q *queue) markFailureLocked(e *Entry, cause error, now time.Time) {
	e.Attempts++
	if cause != nil {
		e.LastError = cause.Error()
	}
	e.NextAttempt = now.Add(q.policy.Backoff(e.Attempts))
	if e.Attempts >= q.policy.MaxAttempts || now.Sub(e.CreatedAt) >= q.policy.MaxAge {
		if !e.Abandoned {
			q.logf("publisher: abandoning log write", "entry", e.ID, "issuer", e.Issuer.String(), "kind", e.Kind, "attempts", e.Attempts)
		}
		e.Abandoned = true
	}
}

func (q *queue) persist(ctx context.Context, e Entry) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveEntry(ctx, e); err != nil {
		q.logf("publisher: persist queue entry failed", "entry", e.ID, "error", err)
	}
}

// drop removes the entry for issuer and kind, if any.
func (q *queue) drop(ctx context.Context, issuer cashu.IssuerURL, kind int) {
	q.mu.Lock()
	key := queueKey{issuer: issuer, kind: kind}
	e, ok := q.entries[key]
	if ok {
		delete(q.entries, key)
	}
	q.mu.Unlock()
	if !ok {
		return
	}
	q.forget(ctx, e.ID)
}

// remove deletes the entry with id if it is still queued.
func (q *queue) remove(ctx context.Context, id string) bool {
	q.mu.Lock()
	found := false
	for key, e := range q.entries {
		if e.ID == id {
			delete(q.entries, key)
			found = true
			break
		}
	}
	q.mu.Unlock()
	if found {
		q.forget(ctx, id)
	}
	return found
}

func (q *queue) forget(ctx context.Context, id string) {
	if q.store != nil {
		if err := q.store.DeleteEntry(ctx, id); err != nil {
			q.logf("publisher: delete queue entry failed", "entry", id, "error", err)
		}
	}
	q.publishGauges()
}

func (q *queue) find(issuer cashu.IssuerURL, kind int) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[queueKey{issuer: issuer, kind: kind}]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

func (q *queue) get(id string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.ID == id {
			return e.clone(), true
		}
	}
	return Entry{}, false
}

// due lists live entries whose backoff elapsed, oldest first. force ignores
// backoff but never abandonment.
func (q *queue) due(force bool) []Entry {
	q.mu.Lock()
	now := q.now()
	var out []Entry
	for _, e := range q.entries {
		if e.Abandoned {
			continue
		}
		if !force && e.NextAttempt.After(now) {
			continue
		}
		out = append(out, e.clone())
	}
	q.mu.Unlock()
	sortEntries(out)
	return out
}

func (q *queue) list(abandonedOnly bool) []Entry {
	q.mu.Lock()
	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		if abandonedOnly && !e.Abandoned {
			continue
		}
		out = append(out, e.clone())
	}
	q.mu.Unlock()
	sortEntries(out)
	return out
}

// requeue revives an abandoned entry with a fresh attempt budget.
func (q *queue) requeue(ctx context.Context, id string) (Entry, bool) {
	q.mu.Lock()
	var current *Entry
	for _, e := range q.entries {
		if e.ID == id {
			current = e
			break
		}
	}
	if current == nil {
		q.mu.Unlock()
		return Entry{}, false
	}
	now := q.now()
	current.Abandoned = false
	current.Attempts = 0
	current.CreatedAt = now
	current.NextAttempt = now
	out := current.clone()
	q.mu.Unlock()
	q.persist(ctx, out)
	q.publishGauges()
	return out, true
}

func (q *queue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *queue) publishGauges() {
	q.mu.Lock()
	depth, abandoned := 0, 0
	for _, e := range q.entries {
		if e.Abandoned {
			abandoned++
			continue
		}
		depth++
	}
	q.mu.Unlock()
	q.report(depth, abandoned)
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}

package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nutwallet/cashu"
	"nutwallet/eventlog"
	"nutwallet/identity"
	"nutwallet/internal/cashutest"
	"nutwallet/ledger"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func newMemStore() *memStore { return &memStore{entries: make(map[string]Entry)} }

func (s *memStore) SaveEntry(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = e.clone()
	return nil
}

func (s *memStore) DeleteEntry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *memStore) LoadEntries(context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.clone())
	}
	return out, nil
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type fixture struct {
	clock  *testClock
	relay  *cashutest.Relay
	mint   *cashutest.Mint
	key    *identity.LocalKey
	store  *memStore
	ledger *ledger.Ledger
	pub    *Publisher
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	key, err := identity.GenerateLocalKey()
	require.NoError(t, err)
	f := &fixture{
		clock: &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		relay: cashutest.NewRelay(),
		mint:  cashutest.NewNetwork().AddMint("https://a.example.com"),
		key:   key,
		store: newMemStore(),
	}
	f.reopen(opts...)
	return f
}

// reopen starts a fresh ledger and publisher over the same key, relay and
// store, as a restarted process would.
func (f *fixture) reopen(opts ...Option) {
	f.ledger = ledger.New(ledger.WithClock(f.clock.Now))
	base := []Option{WithClock(f.clock.Now), WithStore(f.store)}
	f.pub = New(f.ledger, f.relay, f.key, append(base, opts...)...)
}

func (f *fixture) ingest(t *testing.T, amounts ...uint64) cashu.Proofs {
	t.Helper()
	proofs := f.mint.Issue(amounts...)
	_, err := f.ledger.Ingest(f.mint.URL, proofs, "")
	require.NoError(t, err)
	return proofs
}

func (f *fixture) tokenEvents() []eventlog.Event {
	return f.relay.Events(eventlog.Filter{Kinds: []int{eventlog.KindToken}})
}

func TestPublishBindsProofsToEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingest(t, 32, 16)
	require.True(t, f.pub.Unsaved())

	require.NoError(t, f.pub.PublishIssuer(ctx, f.mint.URL))
	events := f.tokenEvents()
	require.Len(t, events, 1)
	require.NoError(t, identity.Verify(events[0]))

	recs := f.ledger.Records(f.mint.URL)
	require.Len(t, recs, 1)
	require.Equal(t, events[0].ID, recs[0].ID)
	require.True(t, recs[0].Published)
	require.False(t, f.pub.Unsaved())

	payload, err := f.pub.open(ctx, events[0])
	require.NoError(t, err)
	require.Equal(t, f.mint.URL.String(), payload.Mint)
	require.Equal(t, cashu.DefaultUnit, payload.Unit)
	require.Equal(t, uint64(48), payload.Proofs.Amount())
	require.NotContains(t, events[0].Content, payload.Proofs[0].Secret)

	require.NoError(t, f.pub.PublishIssuer(ctx, f.mint.URL))
	require.Equal(t, 1, f.relay.Published())
}

func TestSpendSupersedesAndDeletesOldEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingest(t, 32, 16, 8)
	require.NoError(t, f.pub.PublishIssuer(ctx, f.mint.URL))
	first := f.tokenEvents()[0].ID

	f.clock.Advance(time.Second)
	sel, err := f.ledger.Select(f.mint.URL, 8)
	require.NoError(t, err)
	f.ledger.CommitSpend(sel)
	require.True(t, f.pub.Unsaved())

	require.NoError(t, f.pub.PublishIssuer(ctx, f.mint.URL))
	tokens := f.tokenEvents()
	require.Len(t, tokens, 1)
	require.NotEqual(t, first, tokens[0].ID)

	payload, err := f.pub.open(ctx, tokens[0])
	require.NoError(t, err)
	require.Equal(t, []string{first}, payload.Del)
	require.Equal(t, uint64(48), payload.Proofs.Amount())

	deletions := f.relay.Events(eventlog.Filter{Kinds: []int{eventlog.KindDeletion}})
	require.Len(t, deletions, 1)
	require.Equal(t, []string{first}, deletions[0].TagValues("e"))
	require.Equal(t, []string{"7375"}, deletions[0].TagValues("k"))

	recs := f.ledger.Records(f.mint.URL)
	require.Len(t, recs, 1)
	require.Equal(t, tokens[0].ID, recs[0].ID)
	require.False(t, f.pub.Unsaved())
}

func TestFailedPublishIsQueuedAndRetriedAfterBackoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingest(t, 8, 4)
	f.relay.FailNext(1)

	err := f.pub.PublishIssuer(ctx, f.mint.URL)
	require.True(t, errors.Is(err, cashu.ErrPublishFailed))
	require.Equal(t, uint64(12), f.ledger.Balance(f.mint.URL))
	require.True(t, f.pub.Unsaved())

	queued := f.pub.Queue()
	require.Len(t, queued, 1)
	require.Equal(t, 1, queued[0].Attempts)
	require.Equal(t, eventlog.KindToken, queued[0].Kind)
	require.Equal(t, 1, f.store.len())

	n, err := f.pub.Drain(ctx, false)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Advance(5 * time.Second)
	n, err = f.pub.Drain(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, f.pub.Queue())
	require.Zero(t, f.store.len())
	require.False(t, f.pub.Unsaved())
	require.Equal(t, queued[0].Event.ID, f.ledger.Records(f.mint.URL)[0].ID)
}

func TestQueueCoalescesIdenticalPayloads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingest(t, 8)
	f.relay.SetDown(true)

	require.Error(t, f.pub.PublishIssuer(ctx, f.mint.URL))
	require.Error(t, f.pub.PublishIssuer(ctx, f.mint.URL))
	queued := f.pub.Queue()
	require.Len(t, queued, 1)
	require.Equal(t, 2, queued[0].Attempts)

	f.ingest(t, 4)
	require.Error(t, f.pub.PublishIssuer(ctx, f.mint.URL))
	replaced := f.pub.Queue()
	require.Len(t, replaced, 1)
	require.Equal(t, queued[0].ID, replaced[0].ID)
	require.NotEqual(t, queued[0].Digest, replaced[0].Digest)
	require.Len(t, replaced[0].Secrets, 2)
	require.Equal(t, 1, replaced[0].Attempts)
}

func TestExhaustedEntriesAreAbandonedUntilRequeued(t *testing.T) {
	f := newFixture(t, WithPolicy(Policy{BaseBackoff: time.Second, MaxBackoff: 4 * time.Second, MaxAttempts: 3, MaxAge: time.Hour}))
	ctx := context.Background()
	f.ingest(t, 16)
	f.relay.SetDown(true)

	require.Error(t, f.pub.PublishIssuer(ctx, f.mint.URL))
	for i := 0; i < 2; i++ {
		f.clock.Advance(time.Minute)
		_, err := f.pub.Drain(ctx, false)
		require.Error(t, err)
	}
	abandoned := f.pub.Abandoned()
	require.Len(t, abandoned, 1)
	require.Equal(t, 3, abandoned[0].Attempts)

	f.relay.SetDown(false)
	n, err := f.pub.Drain(ctx, true)
	require.NoError(t, err)
	require.Zero(t, n)
	require.True(t, f.pub.Unsaved())

	_, err = f.pub.Requeue(ctx, "missing")
	require.True(t, errors.Is(err, ErrEntryNotFound))
	_, err = f.pub.Requeue(ctx, abandoned[0].ID)
	require.NoError(t, err)
	n, err = f.pub.Drain(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, f.pub.Unsaved())
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	p := DefaultPolicy()
	require.Equal(t, 5*time.Second, p.Backoff(1))
	require.Equal(t, 10*time.Second, p.Backoff(2))
	require.Equal(t, 40*time.Second, p.Backoff(4))
	require.Equal(t, 10*time.Minute, p.Backoff(12))
}

func TestSuccessfulPublishDrainsOtherIssuers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := cashutest.NewNetwork().AddMint("https://b.example.com")
	_, err := f.ledger.Ingest(other.URL, other.Issue(4), "")
	require.NoError(t, err)
	f.relay.FailNext(1)
	require.Error(t, f.pub.PublishIssuer(ctx, other.URL))
	require.Len(t, f.pub.Queue(), 1)

	f.ingest(t, 2)
	require.NoError(t, f.pub.PublishIssuer(ctx, f.mint.URL))
	require.Empty(t, f.pub.Queue())
	require.False(t, f.pub.Unsaved())
	require.Len(t, f.tokenEvents(), 2)
}

func TestRestoreRebuildsLedgerFromLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingest(t, 32, 16, 8)
	require.NoError(t, f.pub.PublishIssuer(ctx, f.mint.URL))

	f.clock.Advance(time.Second)
	sel, err := f.ledger.Select(f.mint.URL, 8)
	require.NoError(t, err)
	f.ledger.CommitSpend(sel)
	// Token event lands, deletion of the replaced event does not.
	f.pub.log = &failKind{Log: f.relay, kind: eventlog.KindDeletion}
	require.Error(t, f.pub.PublishIssuer(ctx, f.mint.URL))
	require.Len(t, f.tokenEvents(), 2)

	f.reopen()
	summary, err := f.pub.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Events)
	require.Equal(t, 1, summary.Deleted)
	require.Equal(t, uint64(48), summary.Amount)
	require.Equal(t, []cashu.IssuerURL{f.mint.URL}, summary.Issuers)
	require.Equal(t, uint64(48), f.ledger.Balance(f.mint.URL))
	require.Empty(t, f.ledger.Dirty())
}

func TestRestoreRejectsForgedEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingest(t, 4)
	require.NoError(t, f.pub.PublishIssuer(ctx, f.mint.URL))

	forged := f.tokenEvents()[0]
	forged.CreatedAt++
	forged.ID, _ = forged.ComputeID()
	_, err := f.relay.Publish(ctx, forged)
	require.NoError(t, err)

	f.reopen()
	summary, err := f.pub.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Invalid)
	require.Equal(t, uint64(4), f.ledger.Balance(f.mint.URL))
}

func TestLoadQueueRecoversUnpublishedProofs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingest(t, 16, 2)
	f.relay.SetDown(true)
	require.Error(t, f.pub.PublishIssuer(ctx, f.mint.URL))

	f.reopen()
	require.Zero(t, f.ledger.Balance(f.mint.URL))
	require.NoError(t, f.pub.LoadQueue(ctx))
	require.Equal(t, uint64(18), f.ledger.Balance(f.mint.URL))
	require.True(t, f.pub.Unsaved())

	f.relay.SetDown(false)
	n, err := f.pub.Drain(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, f.pub.Unsaved())
	require.Equal(t, uint64(18), f.ledger.Balance(f.mint.URL))
}

func TestRunPublishesNotifiedIssuers(t *testing.T) {
	f := newFixture(t, WithTick(time.Millisecond))
	f.ledger.Subscribe(f.pub.Listener())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pub.Run(ctx) }()

	f.ingest(t, 8)
	require.Eventually(t, func() bool { return !f.pub.Unsaved() }, time.Second, time.Millisecond)
	require.Len(t, f.tokenEvents(), 1)

	cancel()
	require.True(t, errors.Is(<-done, context.Canceled))
}

// failKind rejects publishes of one event kind.
type failKind struct {
	eventlog.Log
	kind int
}

func (f *failKind) Publish(ctx context.Context, ev eventlog.Event) (string, error) {
	if ev.Kind == f.kind {
		return "", cashutest.ErrRelayDown
	}
	return f.Log.Publish(ctx, ev)
}

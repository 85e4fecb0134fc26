package ledger

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nutwallet/cashu"
)

var issuerA = cashu.MustIssuerURL("https://a.example.com")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(base time.Time) *testClock { return &testClock{now: base} }

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

func makeProofs(prefix string, amounts ...uint64) cashu.Proofs {
	out := make(cashu.Proofs, 0, len(amounts))
	for i, amount := range amounts {
		out = append(out, cashu.Proof{
			Amount:   amount,
			KeysetID: "00ks",
			Secret:   fmt.Sprintf("%s-%d", prefix, i),
			C:        "02c0ffee",
		})
	}
	return out
}

func TestSelectPrefersSmallestCover(t *testing.T) {
	l := New()
	_, err := l.Ingest(issuerA, makeProofs("p", 1, 2, 4, 8, 16), "")
	require.NoError(t, err)

	sel, err := l.Select(issuerA, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(6), sel.Amount())
	require.Equal(t, uint64(25), l.Balance(issuerA))
	l.Release(sel)

	sel, err = l.Select(issuerA, 7)
	require.NoError(t, err)
	require.Equal(t, uint64(7), sel.Amount())
	l.Release(sel)

	sel, err = l.Select(issuerA, 8)
	require.NoError(t, err)
	require.Len(t, sel.Proofs, 1)
	l.Release(sel)

	sel, err = l.Select(issuerA, 28)
	require.NoError(t, err)
	require.Equal(t, uint64(28), sel.Amount())
	require.Len(t, sel.Proofs, 3)
}

func TestSelectInsufficientFunds(t *testing.T) {
	l := New()
	_, err := l.Ingest(issuerA, makeProofs("p", 4, 4), "")
	require.NoError(t, err)
	_, err = l.Select(issuerA, 9)
	require.True(t, errors.Is(err, cashu.ErrInsufficientFunds))
	_, err = l.Select(issuerA, 0)
	require.True(t, errors.Is(err, cashu.ErrInvalidInput))

	sel, err := l.Select(issuerA, 8)
	require.NoError(t, err)
	_, err = l.Select(issuerA, 1)
	require.True(t, errors.Is(err, cashu.ErrInsufficientFunds))
	l.Release(sel)
	require.Equal(t, uint64(8), l.Balance(issuerA))
}

func TestIngestSelectCommitRoundTrip(t *testing.T) {
	l := New()
	_, err := l.Ingest(issuerA, makeProofs("base", 64), "")
	require.NoError(t, err)
	before := l.Balance(issuerA)

	_, err = l.Ingest(issuerA, makeProofs("in", 8, 2), "")
	require.NoError(t, err)
	require.Equal(t, before+10, l.Balance(issuerA))

	sel, err := l.Select(issuerA, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(10), sel.Amount())
	require.NoError(t, l.MarkPending(sel))
	l.CommitSpend(sel)
	require.Equal(t, before, l.Balance(issuerA))

	cancelled, err := l.Select(issuerA, 64)
	require.NoError(t, err)
	l.Release(cancelled)
	l.Release(cancelled)
	require.Equal(t, before, l.Balance(issuerA))
	require.Empty(t, l.Stale(time.Now().Add(time.Hour)))
}

func TestBalanceInvariantUnderRandomOperations(t *testing.T) {
	l := New()
	rng := rand.New(rand.NewSource(7))
	var expected uint64
	for i := 0; i < 20; i++ {
		amount := uint64(rng.Intn(64) + 1)
		_, err := l.Ingest(issuerA, makeProofs(fmt.Sprintf("r%d", i), amount), "")
		require.NoError(t, err)
		expected += amount
	}
	var open []Selection
	for step := 0; step < 500; step++ {
		switch rng.Intn(3) {
		case 0:
			sel, err := l.Select(issuerA, uint64(rng.Intn(40)+1))
			if err != nil {
				require.True(t, errors.Is(err, cashu.ErrInsufficientFunds))
				break
			}
			expected -= sel.Amount()
			open = append(open, sel)
		case 1:
			if len(open) == 0 {
				break
			}
			idx := rng.Intn(len(open))
			l.CommitSpend(open[idx])
			open = append(open[:idx], open[idx+1:]...)
		case 2:
			if len(open) == 0 {
				break
			}
			idx := rng.Intn(len(open))
			expected += open[idx].Amount()
			l.Release(open[idx])
			open = append(open[:idx], open[idx+1:]...)
		}
		require.Equal(t, expected, l.Balance(issuerA))
		require.Equal(t, l.Unspent(issuerA).Amount(), l.Balance(issuerA))
	}
}

func TestConcurrentSelectionsNeverOverlap(t *testing.T) {
	l := New()
	amounts := make([]uint64, 50)
	for i := range amounts {
		amounts[i] = 1
	}
	_, err := l.Ingest(issuerA, makeProofs("c", amounts...), "")
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sel, err := l.Select(issuerA, 1)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, p := range sel.Proofs {
				_, dup := seen[p.Secret]
				require.False(t, dup)
				seen[p.Secret] = struct{}{}
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 50)
	require.Zero(t, l.Balance(issuerA))
}

func TestIngestSkipsKnownAndSpent(t *testing.T) {
	l := New()
	proofs := makeProofs("s", 4, 8)
	_, err := l.Ingest(issuerA, proofs, "evt1")
	require.NoError(t, err)
	rec, err := l.Ingest(issuerA, proofs, "evt1")
	require.NoError(t, err)
	require.Empty(t, rec.Proofs)
	require.Equal(t, uint64(12), l.Balance(issuerA))

	l.ReconcileSpent(issuerA, []string{proofs[0].Secret})
	require.Equal(t, uint64(8), l.Balance(issuerA))
	l.Forget("evt1")
	rec, err = l.Ingest(issuerA, proofs[:1], "evt-old")
	require.NoError(t, err)
	require.Empty(t, rec.Proofs)
	require.Equal(t, uint64(8), l.Balance(issuerA))

	_, err = l.Ingest(issuerA, cashu.Proofs{{Amount: 0, Secret: "z", C: "02"}}, "")
	require.True(t, errors.Is(err, cashu.ErrInvalidInput))
}

func TestPublicationRollover(t *testing.T) {
	l := New()
	_, err := l.Ingest(issuerA, makeProofs("pub", 1, 2, 4), "")
	require.NoError(t, err)
	require.Equal(t, []cashu.IssuerURL{issuerA}, l.Dirty())

	pending := l.PendingPublication(issuerA)
	require.Len(t, pending.Proofs, 3)
	require.Empty(t, pending.Obsolete)
	l.Bind(issuerA, pending.Proofs.Secrets(), "evt1")
	require.Empty(t, l.Dirty())
	require.True(t, l.PendingPublication(issuerA).Empty())

	sel, err := l.Select(issuerA, 4)
	require.NoError(t, err)
	l.CommitSpend(sel)
	pending = l.PendingPublication(issuerA)
	require.Equal(t, uint64(3), pending.Proofs.Amount())
	require.Equal(t, []string{"evt1"}, pending.Obsolete)
	require.Empty(t, l.Superseded(issuerA))

	rec := l.Bind(issuerA, pending.Proofs.Secrets(), "evt2")
	require.False(t, rec.Superseded)
	require.Equal(t, []string{"evt1"}, l.Superseded(issuerA))
	l.Forget("evt1")
	require.Empty(t, l.Superseded(issuerA))
	records := l.Records(issuerA)
	require.Len(t, records, 1)
	require.Equal(t, "evt2", records[0].ID)
	require.Equal(t, uint64(3), records[0].Proofs.Amount())
}

func TestSpendingLocalRecordDropsIt(t *testing.T) {
	l := New()
	_, err := l.Ingest(issuerA, makeProofs("loc", 8), "")
	require.NoError(t, err)
	sel, err := l.Select(issuerA, 8)
	require.NoError(t, err)
	l.CommitSpend(sel)
	require.Empty(t, l.Dirty())
	require.Empty(t, l.Records(issuerA))
}

func TestStaleAndRevert(t *testing.T) {
	clock := newTestClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(WithClock(clock.Now))
	_, err := l.Ingest(issuerA, makeProofs("st", 2, 8), "")
	require.NoError(t, err)
	sel, err := l.Select(issuerA, 8)
	require.NoError(t, err)
	require.NoError(t, l.MarkPending(sel))

	require.Empty(t, l.Stale(clock.Now().Add(-time.Minute)))
	clock.Advance(10 * time.Minute)
	stale := l.Stale(clock.Now().Add(-5 * time.Minute))
	require.Len(t, stale, 1)
	require.Equal(t, PendingSpent, stale[0].State)
	require.Equal(t, sel.ID, stale[0].Op)

	require.Equal(t, 1, l.Revert(issuerA, []string{stale[0].Proof.Secret}))
	require.Equal(t, uint64(10), l.Balance(issuerA))
	require.True(t, errors.Is(l.MarkPending(sel), ErrUnknownSelection))
}

func TestListenerReceivesDeltas(t *testing.T) {
	var deltas []Delta
	l := New(WithListener(func(d Delta) { deltas = append(deltas, d) }))
	_, err := l.Ingest(issuerA, makeProofs("d", 4), "")
	require.NoError(t, err)
	sel, err := l.Select(issuerA, 4)
	require.NoError(t, err)
	l.CommitSpend(sel)
	require.Len(t, deltas, 2)
	require.Equal(t, uint64(4), deltas[0].Added)
	require.Equal(t, issuerA, deltas[1].Issuer)
}

func TestSnapshot(t *testing.T) {
	l := New()
	_, err := l.Ingest(issuerA, makeProofs("snap", 2, 4), "")
	require.NoError(t, err)
	_, err = l.Select(issuerA, 4)
	require.NoError(t, err)
	snaps := l.Snapshot()
	require.Len(t, snaps, 1)
	require.Equal(t, uint64(2), snaps[0].Balance)
	require.Equal(t, uint64(4), snaps[0].Reserved)
	require.True(t, snaps[0].Unsaved)
}

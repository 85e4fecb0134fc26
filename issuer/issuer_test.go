package issuer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nutwallet/cashu"
	"nutwallet/internal/cashutest"
	"nutwallet/ledger"
	"nutwallet/storage"
)

func TestTryAcquireIsExclusive(t *testing.T) {
	locks := NewLocks(nil)
	issuer := cashu.MustIssuerURL("https://a.example.com")

	var (
		wg      sync.WaitGroup
		success int32
		busy    int32
		start   = make(chan struct{})
		guards  = make(chan *Guard, 2)
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			g, err := locks.TryAcquire(issuer, "test")
			if err != nil {
				require.True(t, errors.Is(err, cashu.ErrIssuerBusy))
				atomic.AddInt32(&busy, 1)
				return
			}
			atomic.AddInt32(&success, 1)
			guards <- g
		}()
	}
	close(start)
	wg.Wait()
	require.Equal(t, int32(1), success)
	require.Equal(t, int32(1), busy)

	g := <-guards
	g.Release()
	g.Release()
	again, err := locks.TryAcquire(issuer, "again")
	require.NoError(t, err)
	again.Release()
}

func TestBusyErrorMessage(t *testing.T) {
	locks := NewLocks(nil)
	issuer := cashu.MustIssuerURL("https://a.example.com")
	g, err := locks.TryAcquire(issuer, "melt")
	require.NoError(t, err)
	defer g.Release()

	_, err = locks.TryAcquire(issuer, "swap")
	var busy *BusyError
	require.True(t, errors.As(err, &busy))
	require.Equal(t, "melt", busy.Op)
	require.Equal(t, "operation in progress for issuer https://a.example.com", err.Error())
}

func TestTryAcquireAllIsAllOrNothing(t *testing.T) {
	locks := NewLocks(nil)
	a := cashu.MustIssuerURL("https://a.example.com")
	b := cashu.MustIssuerURL("https://b.example.com")
	held, err := locks.TryAcquire(b, "other")
	require.NoError(t, err)

	_, err = locks.TryAcquireAll("transfer", a, b)
	require.True(t, errors.Is(err, cashu.ErrIssuerBusy))
	_, locked := locks.Held(a)
	require.False(t, locked)

	held.Release()
	guards, err := locks.TryAcquireAll("transfer", a, b)
	require.NoError(t, err)
	require.NotNil(t, guards.For(a))
	guards.Release()
	_, locked = locks.Held(b)
	require.False(t, locked)
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestClientCachesDiscovery(t *testing.T) {
	net := cashutest.NewNetwork()
	mint := net.AddMint("https://a.example.com", cashutest.WithInputFee(100))
	clock := &fixedClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	db := storage.NewMemDB()
	coord := NewCoordinator(net.Client(), ledger.New(),
		WithClock(clock.Now),
		WithCacheTTL(time.Minute),
		WithKeysetStore(NewKeysetStore(db)))

	ctx := context.Background()
	h, err := coord.Client(ctx, mint.URL)
	require.NoError(t, err)
	require.Equal(t, mint.ActiveKeysetID(), h.Active.ID)
	require.NotEmpty(t, h.Active.Keys)
	require.True(t, h.Info.MPP)
	require.Equal(t, 1, mint.Calls("keys"))

	_, err = coord.Client(ctx, mint.URL)
	require.NoError(t, err)
	require.Equal(t, 1, mint.Calls("keysets"))

	clock.Advance(2 * time.Minute)
	_, err = coord.Client(ctx, mint.URL)
	require.NoError(t, err)
	require.Equal(t, 2, mint.Calls("keysets"))
	require.Equal(t, 1, mint.Calls("keys"), "cached keys are reused")

	stored, err := NewKeysetStore(db).Load(mint.URL)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.NotEmpty(t, stored[0].Keys)

	clock.Advance(2 * time.Minute)
	mint.SetUnreachable(true)
	stale, err := coord.Client(ctx, mint.URL)
	require.NoError(t, err)
	require.Equal(t, h.Active.ID, stale.Active.ID)

	_, err = coord.Client(ctx, cashu.MustIssuerURL("https://unknown.example.com"))
	require.True(t, errors.Is(err, cashu.ErrIssuerUnreachable))
}

func TestEnsureCurrentKeysetsSwapsRetiredProofs(t *testing.T) {
	net := cashutest.NewNetwork()
	mint := net.AddMint("https://a.example.com")
	l := ledger.New()
	coord := NewCoordinator(net.Client(), l)
	ctx := context.Background()

	old := mint.Fund(100)
	_, err := l.Ingest(mint.URL, old, "")
	require.NoError(t, err)
	mint.Rotate()
	coord.Invalidate(mint.URL)

	guard, err := coord.TryAcquire(mint.URL, "rotate")
	require.NoError(t, err)
	defer guard.Release()
	rotated, err := coord.EnsureCurrentKeysets(ctx, guard)
	require.NoError(t, err)
	require.Equal(t, uint64(100), rotated)
	require.Equal(t, uint64(100), l.Balance(mint.URL))
	for _, p := range l.Unspent(mint.URL) {
		require.Equal(t, mint.ActiveKeysetID(), p.KeysetID)
	}
	for _, p := range old {
		require.True(t, mint.Spent(p.Secret))
	}

	rotated, err = coord.EnsureCurrentKeysets(ctx, guard)
	require.NoError(t, err)
	require.Zero(t, rotated)
}

// truncatingClient drops the last proof state from every CheckState reply.
type truncatingClient struct {
	*cashutest.Client
}

func (c truncatingClient) CheckState(ctx context.Context, issuer cashu.IssuerURL, proofs cashu.Proofs) ([]cashu.ProofState, error) {
	states, err := c.Client.CheckState(ctx, issuer, proofs)
	if err != nil || len(states) == 0 {
		return states, err
	}
	return states[:len(states)-1], nil
}

func TestReconcileHoldsProofsMissingFromReply(t *testing.T) {
	net := cashutest.NewNetwork()
	mint := net.AddMint("https://a.example.com")
	l := ledger.New()
	coord := NewCoordinator(truncatingClient{net.Client()}, l)
	ctx := context.Background()

	_, err := l.Ingest(mint.URL, mint.Issue(32, 16), "")
	require.NoError(t, err)
	sel, err := l.Select(mint.URL, 48)
	require.NoError(t, err)
	require.Len(t, sel.Proofs, 2)

	result, err := coord.Reconcile(ctx, sel)
	require.NoError(t, err)
	require.Len(t, result.Released, 1)
	require.Len(t, result.Pending, 1)
	missing := result.Pending[0]
	entry, ok := l.Lookup(missing.Secret)
	require.True(t, ok)
	require.NotEqual(t, ledger.Unspent, entry.State)
	require.Equal(t, result.Released.Amount(), l.Balance(mint.URL))
}

func TestSwapFailureReconcilesAgainstIssuer(t *testing.T) {
	net := cashutest.NewNetwork()
	mint := net.AddMint("https://a.example.com")
	l := ledger.New()
	coord := NewCoordinator(net.Client(), l)
	ctx := context.Background()

	_, err := l.Ingest(mint.URL, mint.Fund(64), "")
	require.NoError(t, err)
	guard, err := coord.TryAcquire(mint.URL, "swap")
	require.NoError(t, err)
	defer guard.Release()

	sel, err := l.Select(mint.URL, 64)
	require.NoError(t, err)
	mint.Fail("swap", errors.New("boom"))
	_, err = coord.Swap(ctx, guard, sel, []uint64{32, 32})
	require.Error(t, err)
	require.Equal(t, uint64(64), l.Balance(mint.URL), "unspent inputs are released")

	mint.Fail("swap", nil)
	sel, err = l.Select(mint.URL, 64)
	require.NoError(t, err)
	fresh, err := coord.Swap(ctx, guard, sel, []uint64{32, 32})
	require.NoError(t, err)
	require.Equal(t, uint64(64), fresh.Amount())
	require.Zero(t, l.Balance(mint.URL))
}

func TestReconcileMarksSpentAndReleasesRest(t *testing.T) {
	net := cashutest.NewNetwork()
	mint := net.AddMint("https://a.example.com")
	l := ledger.New()
	coord := NewCoordinator(net.Client(), l)
	ctx := context.Background()

	proofs := mint.Issue(8, 4)
	_, err := l.Ingest(mint.URL, proofs, "")
	require.NoError(t, err)
	sel, err := l.Select(mint.URL, 12)
	require.NoError(t, err)
	require.NoError(t, l.MarkPending(sel))

	// Spend one proof behind the wallet's back.
	_, err = net.Client().Swap(ctx, mint.URL, proofs[:1], []uint64{8}, cashu.Keyset{ID: mint.ActiveKeysetID()})
	require.NoError(t, err)

	result, err := coord.Reconcile(ctx, sel)
	require.NoError(t, err)
	require.Len(t, result.Spent, 1)
	require.Len(t, result.Released, 1)
	require.Equal(t, uint64(4), l.Balance(mint.URL))

	mint.SetUnreachable(true)
	sel, err = l.Select(mint.URL, 4)
	require.NoError(t, err)
	_, err = coord.Reconcile(ctx, sel)
	require.True(t, Unreachable(err))
	require.Zero(t, l.Balance(mint.URL))
}

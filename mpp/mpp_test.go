package mpp

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"nutwallet/cashu"
	"nutwallet/internal/cashutest"
	"nutwallet/issuer"
	"nutwallet/ledger"
	"nutwallet/quotes"
)

func TestAllocateSplitsProportionally(t *testing.T) {
	x := cashu.MustIssuerURL("https://x.example.com")
	y := cashu.MustIssuerURL("https://y.example.com")
	allocs, err := Allocate(1000, map[cashu.IssuerURL]uint64{x: 600, y: 500}, nil)
	require.NoError(t, err)
	require.Equal(t, []Allocation{{Issuer: x, Amount: 546}, {Issuer: y, Amount: 454}}, allocs)
}

func TestAllocateSkipsIssuersWithoutMPP(t *testing.T) {
	x := cashu.MustIssuerURL("https://x.example.com")
	y := cashu.MustIssuerURL("https://y.example.com")
	balances := map[cashu.IssuerURL]uint64{x: 600, y: 500}
	onlyX := func(u cashu.IssuerURL) bool { return u == x }

	allocs, err := Allocate(600, balances, onlyX)
	require.NoError(t, err)
	require.Equal(t, []Allocation{{Issuer: x, Amount: 600}}, allocs)

	_, err = Allocate(601, balances, onlyX)
	require.True(t, errors.Is(err, cashu.ErrInsufficientFunds))
	_, err = Allocate(0, balances, nil)
	require.True(t, errors.Is(err, cashu.ErrInvalidInput))
}

func TestAllocateSumsExactlyAndRespectsBalances(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	issuers := []cashu.IssuerURL{
		cashu.MustIssuerURL("https://a.example.com"),
		cashu.MustIssuerURL("https://b.example.com"),
		cashu.MustIssuerURL("https://c.example.com"),
		cashu.MustIssuerURL("https://d.example.com"),
	}
	for i := 0; i < 300; i++ {
		balances := make(map[cashu.IssuerURL]uint64)
		var total uint64
		for _, u := range issuers {
			b := uint64(rng.Intn(10000))
			balances[u] = b
			total += b
		}
		if total == 0 {
			continue
		}
		target := uint64(rng.Int63n(int64(total))) + 1
		allocs, err := Allocate(target, balances, nil)
		require.NoError(t, err)
		var sum uint64
		for _, a := range allocs {
			require.LessOrEqual(t, a.Amount, balances[a.Issuer])
			require.NotZero(t, a.Amount)
			sum += a.Amount
		}
		require.Equal(t, target, sum)
	}
}

type fixture struct {
	net    *cashutest.Network
	x, y   *cashutest.Mint
	ledger *ledger.Ledger
	exec   *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{net: cashutest.NewNetwork(), ledger: ledger.New()}
	f.x = f.net.AddMint("https://x.example.com")
	f.y = f.net.AddMint("https://y.example.com")
	coord := issuer.NewCoordinator(f.net.Client(), f.ledger)
	f.exec = New(coord, quotes.NewManager(coord))
	_, err := f.ledger.Ingest(f.x.URL, f.x.Fund(600), "")
	require.NoError(t, err)
	_, err = f.ledger.Ingest(f.y.URL, f.y.Fund(500), "")
	require.NoError(t, err)
	return f
}

func TestSplitPaymentSettlesAcrossIssuers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoice := f.net.Invoice(1000)

	plan, err := f.exec.Prepare(ctx, invoice, 1000)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), plan.Total)
	require.Len(t, plan.Parts, 2)
	require.Zero(t, f.x.Calls("melt"))

	res, err := f.exec.Execute(ctx, plan)
	require.NoError(t, err)
	require.True(t, res.Paid)
	require.Equal(t, uint64(1000), f.net.Paid(invoice))
	require.Equal(t, uint64(54), f.ledger.Balance(f.x.URL))
	require.Equal(t, uint64(46), f.ledger.Balance(f.y.URL))
}

func TestExecuteRotatesRetiredKeysetsBeforeMelting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	retired := map[string]bool{}
	for _, u := range []cashu.IssuerURL{f.x.URL, f.y.URL} {
		for _, p := range f.ledger.Unspent(u) {
			retired[p.KeysetID] = true
		}
	}
	f.x.Rotate()
	f.y.Rotate()

	plan, err := f.exec.Prepare(ctx, f.net.Invoice(1000), 1000)
	require.NoError(t, err)
	res, err := f.exec.Execute(ctx, plan)
	require.NoError(t, err)
	require.True(t, res.Paid)

	for _, m := range []*cashutest.Mint{f.x, f.y} {
		require.Equal(t, 1, m.Calls("swap"))
		for _, p := range f.ledger.Unspent(m.URL) {
			require.False(t, retired[p.KeysetID])
			require.Equal(t, m.ActiveKeysetID(), p.KeysetID)
		}
	}
	require.Equal(t, uint64(54), f.ledger.Balance(f.x.URL))
	require.Equal(t, uint64(46), f.ledger.Balance(f.y.URL))
}

func TestQuoteFailureAbortsBeforeSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.y.Fail("createmeltquote", errors.New("quote service down"))

	_, err := f.exec.Prepare(ctx, f.net.Invoice(1000), 1000)
	require.Error(t, err)
	require.Equal(t, 1, f.x.Calls("createmeltquote"))
	require.Zero(t, f.x.Calls("melt"))
	require.Zero(t, f.y.Calls("melt"))
	require.Equal(t, uint64(600), f.ledger.Balance(f.x.URL))
	require.Equal(t, uint64(500), f.ledger.Balance(f.y.URL))
}

func TestSplitPaymentExcludesIssuersWithoutMPP(t *testing.T) {
	net := cashutest.NewNetwork()
	x := net.AddMint("https://x.example.com")
	y := net.AddMint("https://y.example.com", cashutest.WithoutMPP())
	l := ledger.New()
	coord := issuer.NewCoordinator(net.Client(), l)
	exec := New(coord, quotes.NewManager(coord))
	_, err := l.Ingest(x.URL, x.Fund(600), "")
	require.NoError(t, err)
	_, err = l.Ingest(y.URL, y.Fund(500), "")
	require.NoError(t, err)

	_, err = exec.Prepare(context.Background(), net.Invoice(1000), 1000)
	require.True(t, errors.Is(err, cashu.ErrInsufficientFunds))

	plan, err := exec.Prepare(context.Background(), net.Invoice(300), 300)
	require.NoError(t, err)
	require.Len(t, plan.Parts, 1)
	require.Equal(t, x.URL, plan.Parts[0].Issuer)
}

func TestExecuteRefusesBusyIssuer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan, err := f.exec.Prepare(ctx, f.net.Invoice(1000), 1000)
	require.NoError(t, err)

	guard, err := f.exec.coord.TryAcquire(f.y.URL, "swap")
	require.NoError(t, err)
	_, err = f.exec.Execute(ctx, plan)
	guard.Release()
	require.True(t, errors.Is(err, cashu.ErrIssuerBusy))
	require.Zero(t, f.x.Calls("melt"))
	require.Equal(t, uint64(600), f.ledger.Balance(f.x.URL))
}

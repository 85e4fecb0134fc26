// Package cashutest provides an in-memory issuer network for tests: fake mints
// sharing a simulated payment rail, and a client that dispatches to them.
package cashutest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"nutwallet/cashu"
)

// ErrNoSubscriptions is returned by mints created without websocket support.
var ErrNoSubscriptions = errors.New("cashutest: subscriptions unsupported")

// MeltOutcome selects how a fake mint settles melts.
type MeltOutcome int

const (
	MeltPaid MeltOutcome = iota
	MeltFailed
	// MeltFailedPartial consumes the first input and then reports failure.
	MeltFailedPartial
	// MeltPending leaves the payment in flight until SettlePending is called.
	MeltPending
)

type invoice struct {
	issuer  cashu.IssuerURL
	quoteID string
	amount  uint64
	paid    uint64
}

// Network is a set of fake mints sharing one payment rail.
type Network struct {
	mu       sync.Mutex
	mints    map[cashu.IssuerURL]*Mint
	invoices map[string]*invoice
	seq      int
}

// NewNetwork constructs an empty network.
func NewNetwork() *Network {
	return &Network{
		mints:    make(map[cashu.IssuerURL]*Mint),
		invoices: make(map[string]*invoice),
	}
}

func (n *Network) next() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	return n.seq
}

// Invoice registers an external invoice not owned by any mint.
func (n *Network) Invoice(amount uint64) string {
	request := fmt.Sprintf("lnbc%dn1external%d", amount, n.next())
	n.mu.Lock()
	n.invoices[request] = &invoice{amount: amount}
	n.mu.Unlock()
	return request
}

// Paid returns how much of an invoice has been settled.
func (n *Network) Paid(request string) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if inv, ok := n.invoices[request]; ok {
		return inv.paid
	}
	return 0
}

func (n *Network) lookup(request string) (invoice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	inv, ok := n.invoices[request]
	if !ok {
		return invoice{}, false
	}
	return *inv, true
}

func (n *Network) pay(request string, amount uint64) {
	n.mu.Lock()
	inv, ok := n.invoices[request]
	var target *Mint
	settled := false
	if ok {
		inv.paid += amount
		settled = inv.paid >= inv.amount
		if inv.issuer != "" {
			target = n.mints[inv.issuer]
		}
	}
	n.mu.Unlock()
	if settled && target != nil {
		target.Pay(inv.quoteID)
	}
}

func (n *Network) mint(issuer cashu.IssuerURL) (*Mint, error) {
	n.mu.Lock()
	m, ok := n.mints[issuer]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown issuer %s", cashu.ErrIssuerUnreachable, issuer)
	}
	if m.isUnreachable() {
		return nil, fmt.Errorf("%w: %s offline", cashu.ErrIssuerUnreachable, issuer)
	}
	return m, nil
}

// MintOption configures a fake mint.
type MintOption func(*Mint)

// WithFeeReserve sets the fee reserve quoted on melts.
func WithFeeReserve(reserve uint64) MintOption {
	return func(m *Mint) { m.feeReserve = reserve }
}

// WithFeePaid sets the routing fee actually charged on melts.
func WithFeePaid(fee uint64) MintOption {
	return func(m *Mint) { m.feePaid = fee }
}

// WithInputFee sets input_fee_ppk on the active keyset.
func WithInputFee(ppk uint64) MintOption {
	return func(m *Mint) { m.keysets[0].InputFeePPK = ppk }
}

// WithSubscriptions enables NUT-17 style quote subscriptions.
func WithSubscriptions() MintOption {
	return func(m *Mint) { m.subscriptions = true }
}

// WithoutMPP disables multi-path payment support in the mint info.
func WithoutMPP() MintOption {
	return func(m *Mint) { m.mpp = false }
}

// WithQuoteTTL sets how long mint quotes remain payable.
func WithQuoteTTL(ttl time.Duration) MintOption {
	return func(m *Mint) { m.quoteTTL = ttl }
}

// WithMintClock sets the mint's clock.
func WithMintClock(clock func() time.Time) MintOption {
	return func(m *Mint) { m.now = clock }
}

// Mint is a fake issuer.
type Mint struct {
	URL cashu.IssuerURL
	net *Network

	mu            sync.Mutex
	now           func() time.Time
	keysets       []cashu.Keyset
	feeReserve    uint64
	feePaid       uint64
	quoteTTL      time.Duration
	subscriptions bool
	mpp           bool
	unreachable   bool
	outcome       MeltOutcome
	failures      map[string]error
	calls         map[string]int
	mintQuotes    map[string]*cashu.MintQuote
	meltQuotes    map[string]*cashu.MeltQuote
	meltInputs    map[string]cashu.Proofs
	spent         map[string]bool
	pending       map[string]bool
	mintSubs      map[string][]chan cashu.MintQuote
	meltSubs      map[string][]chan cashu.MeltQuote
}

// AddMint registers a fake mint at rawURL.
func (n *Network) AddMint(rawURL string, opts ...MintOption) *Mint {
	url := cashu.MustIssuerURL(rawURL)
	m := &Mint{
		URL:        url,
		net:        n,
		now:        time.Now,
		quoteTTL:   time.Hour,
		mpp:        true,
		keysets:    []cashu.Keyset{newKeyset(url, 1)},
		failures:   make(map[string]error),
		calls:      make(map[string]int),
		mintQuotes: make(map[string]*cashu.MintQuote),
		meltQuotes: make(map[string]*cashu.MeltQuote),
		meltInputs: make(map[string]cashu.Proofs),
		spent:      make(map[string]bool),
		pending:    make(map[string]bool),
		mintSubs:   make(map[string][]chan cashu.MintQuote),
		meltSubs:   make(map[string][]chan cashu.MeltQuote),
	}
	for _, opt := range opts {
		opt(m)
	}
	n.mu.Lock()
	n.mints[url] = m
	n.mu.Unlock()
	return m
}

func newKeyset(url cashu.IssuerURL, version int) cashu.Keyset {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s#%d", url, version)))
	keys := make(map[uint64]string)
	for bit := 0; bit < 32; bit++ {
		keys[uint64(1)<<bit] = "02" + hex.EncodeToString(sum[:])
	}
	return cashu.Keyset{ID: "00" + hex.EncodeToString(sum[:7]), Unit: cashu.DefaultUnit, Active: true, Keys: keys}
}

// Fail makes the next calls of op return err until cleared with a nil err.
// Ops are the Client method names in lower case; "melt-after" fails after the
// melt took effect, simulating a lost response.
func (m *Mint) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// SetMeltOutcome selects how subsequent melts settle.
func (m *Mint) SetMeltOutcome(outcome MeltOutcome) {
	m.mu.Lock()
	m.outcome = outcome
	m.mu.Unlock()
}

// SetUnreachable takes the mint offline.
func (m *Mint) SetUnreachable(down bool) {
	m.mu.Lock()
	m.unreachable = down
	m.mu.Unlock()
}

func (m *Mint) isUnreachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unreachable
}

// Calls counts invocations of op.
func (m *Mint) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Rotate retires the active keyset and activates a new one.
func (m *Mint) Rotate() cashu.Keyset {
	m.mu.Lock()
	defer m.mu.Unlock()
	fee := m.keysets[len(m.keysets)-1].InputFeePPK
	for i := range m.keysets {
		m.keysets[i].Active = false
	}
	ks := newKeyset(m.URL, len(m.keysets)+1)
	ks.InputFeePPK = fee
	m.keysets = append(m.keysets, ks)
	return withoutKeys(ks)
}

// ActiveKeysetID returns the current keyset id.
func (m *Mint) ActiveKeysetID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keysets[len(m.keysets)-1].ID
}

// Issue creates valid unspent proofs at this mint under the active keyset.
func (m *Mint) Issue(amounts ...uint64) cashu.Proofs {
	return m.newProofs(m.ActiveKeysetID(), amounts)
}

// Fund issues proofs totalling amount split into powers of two.
func (m *Mint) Fund(amount uint64) cashu.Proofs {
	return m.Issue(cashu.SplitAmount(amount)...)
}

// Pay marks a mint quote paid, as if its invoice was settled externally.
func (m *Mint) Pay(quoteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.mintQuotes[quoteID]
	if !ok || q.State != cashu.MintQuoteUnpaid {
		return
	}
	q.State = cashu.MintQuotePaid
	for _, ch := range m.mintSubs[quoteID] {
		select {
		case ch <- *q:
		default:
		}
	}
}

// MintQuote returns the mint's view of a quote.
func (m *Mint) MintQuote(quoteID string) (cashu.MintQuote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.mintQuotes[quoteID]
	if !ok {
		return cashu.MintQuote{}, false
	}
	return *q, true
}

// SettlePending resolves an in-flight melt.
func (m *Mint) SettlePending(quoteID string, paid bool) {
	m.mu.Lock()
	q, ok := m.meltQuotes[quoteID]
	if !ok || q.State != cashu.MeltQuotePending {
		m.mu.Unlock()
		return
	}
	for _, p := range m.meltInputs[quoteID] {
		delete(m.pending, p.Secret)
		if paid {
			m.spent[p.Secret] = true
		}
	}
	if paid {
		q.State = cashu.MeltQuotePaid
	} else {
		q.State = cashu.MeltQuoteFailed
	}
	for _, ch := range m.meltSubs[quoteID] {
		select {
		case ch <- *q:
		default:
		}
	}
	request, amount := q.Request, q.Amount
	m.mu.Unlock()
	if paid {
		m.net.pay(request, amount)
	}
}

// Spent reports whether the mint considers a secret spent.
func (m *Mint) Spent(secret string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spent[secret]
}

func (m *Mint) newProofs(keysetID string, amounts []uint64) cashu.Proofs {
	out := make(cashu.Proofs, 0, len(amounts))
	for _, amount := range amounts {
		secret := fmt.Sprintf("%s/%d", strings.TrimPrefix(m.URL.String(), "https://"), m.net.next())
		sum := sha256.Sum256([]byte(secret))
		out = append(out, cashu.Proof{
			Amount:   amount,
			KeysetID: keysetID,
			Secret:   secret,
			C:        "02" + hex.EncodeToString(sum[:]),
		})
	}
	return out
}

// enter records a call and returns an injected failure.
func (m *Mint) enter(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	return m.failures[op]
}

func withoutKeys(ks cashu.Keyset) cashu.Keyset {
	ks.Keys = nil
	return ks
}

func (m *Mint) inputFeeLocked(proofs cashu.Proofs) uint64 {
	return cashu.InputFee(proofs, m.keysets)
}

func (m *Mint) checkInputsLocked(inputs cashu.Proofs) error {
	if len(inputs) == 0 {
		return fmt.Errorf("%w: no inputs", cashu.ErrInvalidInput)
	}
	for _, p := range inputs {
		if m.spent[p.Secret] {
			return fmt.Errorf("cashutest: proof %s already spent", p.Secret)
		}
		if m.pending[p.Secret] {
			return fmt.Errorf("cashutest: proof %s pending", p.Secret)
		}
		known := false
		for _, ks := range m.keysets {
			if ks.ID == p.KeysetID {
				known = true
			}
		}
		if !known {
			return fmt.Errorf("cashutest: unknown keyset %s", p.KeysetID)
		}
	}
	return nil
}

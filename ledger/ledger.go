// Package ledger tracks every proof the wallet holds and the log records that
// persisted them. All operations are synchronous and never perform I/O; the
// issuer lock held by the caller serialises mutating flows per issuer while the
// ledger mutex keeps each individual transition atomic.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"nutwallet/cashu"
)

// ErrUnknownSelection is returned when a selection no longer holds any proofs.
var ErrUnknownSelection = errors.New("ledger: unknown selection")

// State is the wallet-side lifecycle of a proof.
type State int

const (
	Unspent State = iota
	Reserved
	PendingSpent
	Spent
)

func (s State) String() string {
	switch s {
	case Unspent:
		return "unspent"
	case Reserved:
		return "reserved"
	case PendingSpent:
		return "pending"
	case Spent:
		return "spent"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// live reports whether the proof still counts towards wallet holdings.
func (s State) live() bool { return s != Spent }

// Entry is a proof together with its ledger bookkeeping.
type Entry struct {
	Proof    cashu.Proof
	Issuer   cashu.IssuerURL
	State    State
	Changed  time.Time
	RecordID string
	// Op is the selection currently holding a Reserved or PendingSpent proof.
	Op string
}

// Selection is a set of proofs reserved for one operation.
type Selection struct {
	ID     string
	Issuer cashu.IssuerURL
	Proofs cashu.Proofs
}

// Amount sums the selected proofs.
func (s Selection) Amount() uint64 { return s.Proofs.Amount() }

// Empty reports whether nothing was selected.
func (s Selection) Empty() bool { return len(s.Proofs) == 0 }

// Delta describes the balance effect of one mutation.
type Delta struct {
	Issuer  cashu.IssuerURL
	Added   uint64
	Removed uint64
}

// Listener observes ledger mutations. It is invoked after the ledger mutex is
// released.
type Listener func(Delta)

// Option customises the ledger.
type Option func(*Ledger)

// WithClock sets the function used to stamp transitions.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.now = clock
		}
	}
}

// WithListener registers a mutation observer.
func WithListener(fn Listener) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.listeners = append(l.listeners, fn)
		}
	}
}

// Ledger is the in-memory proof store owned by the application root.
type Ledger struct {
	now       func() time.Time
	listeners []Listener

	mu      sync.Mutex
	entries map[string]*Entry
	records map[string]*TokenRecord
	spent   map[string]struct{}
}

// New constructs an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		now:     time.Now,
		entries: make(map[string]*Entry),
		records: make(map[string]*TokenRecord),
		spent:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Subscribe registers an additional listener after construction.
func (l *Ledger) Subscribe(fn Listener) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

func (l *Ledger) notify(d Delta) {
	l.mu.Lock()
	listeners := append([]Listener(nil), l.listeners...)
	l.mu.Unlock()
	for _, fn := range listeners {
		fn(d)
	}
}

// Select reserves unspent proofs of issuer covering at least amount.
func (l *Ledger) Select(issuer cashu.IssuerURL, amount uint64) (Selection, error) {
	if amount == 0 {
		return Selection{}, fmt.Errorf("%w: amount must be positive", cashu.ErrInvalidInput)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	candidates := l.unspentLocked(issuer)
	var available uint64
	for _, e := range candidates {
		available += e.Proof.Amount
	}
	if available < amount {
		return Selection{}, fmt.Errorf("%w: issuer %s holds %d, need %d", cashu.ErrInsufficientFunds, issuer, available, amount)
	}
	chosen := pickProofs(candidates, amount)
	return l.reserveLocked(issuer, chosen), nil
}

// SelectKeysets reserves every unspent proof of issuer whose keyset matches.
// The returned selection is empty when nothing matched.
func (l *Ledger) SelectKeysets(issuer cashu.IssuerURL, match func(keysetID string) bool) Selection {
	l.mu.Lock()
	defer l.mu.Unlock()
	var chosen []*Entry
	for _, e := range l.unspentLocked(issuer) {
		if match(e.Proof.KeysetID) {
			chosen = append(chosen, e)
		}
	}
	if len(chosen) == 0 {
		return Selection{Issuer: issuer}
	}
	return l.reserveLocked(issuer, chosen)
}

func (l *Ledger) reserveLocked(issuer cashu.IssuerURL, chosen []*Entry) Selection {
	sel := Selection{ID: uuid.NewString(), Issuer: issuer, Proofs: make(cashu.Proofs, 0, len(chosen))}
	now := l.now()
	for _, e := range chosen {
		e.State = Reserved
		e.Op = sel.ID
		e.Changed = now
		sel.Proofs = append(sel.Proofs, e.Proof)
	}
	return sel
}

// unspentLocked returns unspent entries ordered by amount descending, ties by
// secret so selection is deterministic.
func (l *Ledger) unspentLocked(issuer cashu.IssuerURL) []*Entry {
	out := make([]*Entry, 0)
	for _, e := range l.entries {
		if e.Issuer == issuer && e.State == Unspent {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Proof.Amount != out[j].Proof.Amount {
			return out[i].Proof.Amount > out[j].Proof.Amount
		}
		return out[i].Proof.Secret < out[j].Proof.Secret
	})
	return out
}

// pickProofs chooses between the smallest single proof covering amount and a
// largest-first accumulation of smaller proofs trimmed of surplus, preferring
// the smaller total and then fewer proofs. sorted must cover amount.
func pickProofs(sorted []*Entry, amount uint64) []*Entry {
	var single *Entry
	var small []*Entry
	for _, e := range sorted {
		if e.Proof.Amount >= amount {
			single = e
			continue
		}
		small = append(small, e)
	}

	var greedy []*Entry
	var total uint64
	for _, e := range small {
		if total >= amount {
			break
		}
		greedy = append(greedy, e)
		total += e.Proof.Amount
	}
	if total < amount {
		return []*Entry{single}
	}
	for i := len(greedy) - 1; i >= 0; i-- {
		if total-greedy[i].Proof.Amount >= amount {
			total -= greedy[i].Proof.Amount
			greedy = append(greedy[:i], greedy[i+1:]...)
		}
	}

	if single != nil && (single.Proof.Amount < total || (single.Proof.Amount == total && len(greedy) > 1)) {
		return []*Entry{single}
	}
	return greedy
}

// MarkPending moves the selection's reserved proofs to PendingSpent, recording
// that they were handed to the issuer.
func (l *Ledger) MarkPending(sel Selection) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	held := l.heldLocked(sel)
	if len(held) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSelection, sel.ID)
	}
	now := l.now()
	for _, e := range held {
		if e.State == Reserved {
			e.State = PendingSpent
			e.Changed = now
		}
	}
	return nil
}

// CommitSpend marks every proof of the selection spent. The issuer's
// confirmation is authoritative, so proofs reverted meanwhile are spent too.
func (l *Ledger) CommitSpend(sel Selection) {
	removed := l.markSpent(sel.Issuer, sel.Proofs.Secrets())
	l.notify(Delta{Issuer: sel.Issuer, Removed: removed})
}

// ReconcileSpent marks the listed proofs spent regardless of prior state.
func (l *Ledger) ReconcileSpent(issuer cashu.IssuerURL, secrets []string) {
	if len(secrets) == 0 {
		return
	}
	removed := l.markSpent(issuer, secrets)
	l.notify(Delta{Issuer: issuer, Removed: removed})
}

func (l *Ledger) markSpent(issuer cashu.IssuerURL, secrets []string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	var removed uint64
	touched := make(map[string]struct{})
	for _, secret := range secrets {
		l.spent[secret] = struct{}{}
		e, ok := l.entries[secret]
		if !ok || e.Issuer != issuer || e.State == Spent {
			continue
		}
		if e.State == Unspent {
			removed += e.Proof.Amount
		}
		e.State = Spent
		e.Op = ""
		e.Changed = now
		if rec, ok := l.records[e.RecordID]; ok {
			rec.Superseded = true
			touched[rec.ID] = struct{}{}
		}
	}
	// A local record whose proofs are all gone never needs publishing.
	for id := range touched {
		if rec := l.records[id]; !rec.Published && !l.hasLiveLocked(id) {
			l.dropLocked(id)
		}
	}
	return removed
}

// Release returns the selection's proofs to Unspent. Releasing twice is a
// no-op.
func (l *Ledger) Release(sel Selection) {
	l.mu.Lock()
	held := l.heldLocked(sel)
	now := l.now()
	for _, e := range held {
		e.State = Unspent
		e.Op = ""
		e.Changed = now
	}
	l.mu.Unlock()
	if len(held) > 0 {
		l.notify(Delta{Issuer: sel.Issuer})
	}
}

// Revert returns the listed Reserved or PendingSpent proofs to Unspent. It is
// used by the recovery sweep only.
func (l *Ledger) Revert(issuer cashu.IssuerURL, secrets []string) int {
	l.mu.Lock()
	now := l.now()
	reverted := 0
	for _, secret := range secrets {
		e, ok := l.entries[secret]
		if !ok || e.Issuer != issuer {
			continue
		}
		if e.State != Reserved && e.State != PendingSpent {
			continue
		}
		e.State = Unspent
		e.Op = ""
		e.Changed = now
		reverted++
	}
	l.mu.Unlock()
	if reverted > 0 {
		l.notify(Delta{Issuer: issuer})
	}
	return reverted
}

func (l *Ledger) heldLocked(sel Selection) []*Entry {
	out := make([]*Entry, 0, len(sel.Proofs))
	for _, p := range sel.Proofs {
		e, ok := l.entries[p.Secret]
		if !ok || e.Op != sel.ID {
			continue
		}
		if e.State == Reserved || e.State == PendingSpent {
			out = append(out, e)
		}
	}
	return out
}

// Ingest adds unspent proofs under a record. An empty sourceEventID creates a
// local record awaiting publication. Proofs already known or already spent are
// skipped; the returned record lists only what was added.
func (l *Ledger) Ingest(issuer cashu.IssuerURL, proofs cashu.Proofs, sourceEventID string) (TokenRecord, error) {
	if issuer == "" {
		return TokenRecord{}, fmt.Errorf("%w: issuer required", cashu.ErrInvalidInput)
	}
	if err := proofs.Validate(); err != nil {
		return TokenRecord{}, err
	}
	l.mu.Lock()
	now := l.now()
	rec, ok := l.records[sourceEventID]
	if sourceEventID == "" || !ok {
		id := sourceEventID
		published := true
		if id == "" {
			id = localRecordPrefix + uuid.NewString()
			published = false
		}
		rec = &TokenRecord{ID: id, Issuer: issuer, CreatedAt: now, Published: published}
		l.records[id] = rec
	}
	var added uint64
	accepted := make(cashu.Proofs, 0, len(proofs))
	for _, p := range proofs {
		if _, dup := l.entries[p.Secret]; dup {
			continue
		}
		if _, spent := l.spent[p.Secret]; spent {
			continue
		}
		l.entries[p.Secret] = &Entry{Proof: p, Issuer: issuer, State: Unspent, Changed: now, RecordID: rec.ID}
		accepted = append(accepted, p)
		added += p.Amount
	}
	if len(accepted) == 0 && len(l.proofsOfLocked(rec.ID)) == 0 {
		delete(l.records, rec.ID)
	}
	out := rec.snapshot(accepted)
	l.mu.Unlock()
	if added > 0 {
		l.notify(Delta{Issuer: issuer, Added: added})
	}
	return out, nil
}

// Balance recomputes the unspent total for issuer.
func (l *Ledger) Balance(issuer cashu.IssuerURL) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total uint64
	for _, e := range l.entries {
		if e.Issuer == issuer && e.State == Unspent {
			total += e.Proof.Amount
		}
	}
	return total
}

// Balances returns the unspent total of every issuer with live proofs.
func (l *Ledger) Balances() map[cashu.IssuerURL]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[cashu.IssuerURL]uint64)
	for _, e := range l.entries {
		if !e.State.live() {
			continue
		}
		if _, ok := out[e.Issuer]; !ok {
			out[e.Issuer] = 0
		}
		if e.State == Unspent {
			out[e.Issuer] += e.Proof.Amount
		}
	}
	return out
}

// Unspent returns a copy of the issuer's spendable proofs.
func (l *Ledger) Unspent(issuer cashu.IssuerURL) cashu.Proofs {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.unspentLocked(issuer)
	out := make(cashu.Proofs, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Proof)
	}
	return out
}

// Stale lists Reserved and PendingSpent entries whose last transition happened
// before cutoff.
func (l *Ledger) Stale(cutoff time.Time) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.State != Reserved && e.State != PendingSpent {
			continue
		}
		if e.Changed.Before(cutoff) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Proof.Secret < out[j].Proof.Secret })
	return out
}

// Lookup returns the entry for a proof secret.
func (l *Ledger) Lookup(secret string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[secret]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Issuers lists every issuer the ledger holds live proofs for.
func (l *Ledger) Issuers() []cashu.IssuerURL {
	balances := l.Balances()
	out := make([]cashu.IssuerURL, 0, len(balances))
	for issuer := range balances {
		out = append(out, issuer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot is display state for one issuer.
type Snapshot struct {
	Issuer   cashu.IssuerURL `json:"issuer"`
	Balance  uint64          `json:"balance"`
	Reserved uint64          `json:"reserved"`
	Pending  uint64          `json:"pending"`
	Proofs   int             `json:"proofs"`
	Records  int             `json:"records"`
	Unsaved  bool            `json:"unsaved"`
}

// Snapshot summarises every issuer.
func (l *Ledger) Snapshot() []Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	byIssuer := make(map[cashu.IssuerURL]*Snapshot)
	get := func(issuer cashu.IssuerURL) *Snapshot {
		s, ok := byIssuer[issuer]
		if !ok {
			s = &Snapshot{Issuer: issuer}
			byIssuer[issuer] = s
		}
		return s
	}
	for _, e := range l.entries {
		if !e.State.live() {
			continue
		}
		s := get(e.Issuer)
		s.Proofs++
		switch e.State {
		case Unspent:
			s.Balance += e.Proof.Amount
		case Reserved:
			s.Reserved += e.Proof.Amount
		case PendingSpent:
			s.Pending += e.Proof.Amount
		}
	}
	for _, rec := range l.records {
		s, ok := byIssuer[rec.Issuer]
		if !ok {
			continue
		}
		s.Records++
		if rec.dirty() {
			s.Unsaved = true
		}
	}
	out := make([]Snapshot, 0, len(byIssuer))
	for _, s := range byIssuer {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Issuer < out[j].Issuer })
	return out
}

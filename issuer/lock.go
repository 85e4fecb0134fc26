package issuer

import (
	"fmt"
	"sort"
	"sync"

	"nutwallet/cashu"
	"nutwallet/observability"
)

// BusyError reports that another operation holds the issuer lock.
type BusyError struct {
	Issuer cashu.IssuerURL
	// Op names the operation currently holding the lock.
	Op string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("operation in progress for issuer %s", e.Issuer)
}

// Is lets callers match with errors.Is(err, cashu.ErrIssuerBusy).
func (e *BusyError) Is(target error) bool { return target == cashu.ErrIssuerBusy }

// Locks hands out one exclusive, non-blocking lock per issuer.
type Locks struct {
	metrics *observability.WalletMetrics

	mu   sync.Mutex
	held map[cashu.IssuerURL]string
}

// NewLocks constructs an empty lock table. metrics may be nil.
func NewLocks(metrics *observability.WalletMetrics) *Locks {
	return &Locks{metrics: metrics, held: make(map[cashu.IssuerURL]string)}
}

// TryAcquire takes the issuer lock for op or fails immediately with a
// *BusyError.
func (l *Locks) TryAcquire(issuer cashu.IssuerURL, op string) (*Guard, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, busy := l.held[issuer]; busy {
		l.metrics.RecordContention(issuer.String())
		return nil, &BusyError{Issuer: issuer, Op: current}
	}
	l.held[issuer] = op
	return &Guard{locks: l, issuer: issuer, op: op}, nil
}

// TryAcquireAll takes every issuer lock or none of them.
func (l *Locks) TryAcquireAll(op string, issuers ...cashu.IssuerURL) (Guards, error) {
	ordered := append([]cashu.IssuerURL(nil), issuers...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	guards := make(Guards, 0, len(ordered))
	for _, issuer := range ordered {
		g, err := l.TryAcquire(issuer, op)
		if err != nil {
			guards.Release()
			return nil, err
		}
		guards = append(guards, g)
	}
	return guards, nil
}

// Held reports which operation holds the issuer lock.
func (l *Locks) Held(issuer cashu.IssuerURL) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	op, ok := l.held[issuer]
	return op, ok
}

func (l *Locks) release(issuer cashu.IssuerURL) {
	l.mu.Lock()
	delete(l.held, issuer)
	l.mu.Unlock()
}

// Guard is a held issuer lock.
type Guard struct {
	locks  *Locks
	issuer cashu.IssuerURL
	op     string
	once   sync.Once
}

// Issuer returns the locked issuer.
func (g *Guard) Issuer() cashu.IssuerURL { return g.issuer }

// Op returns the operation name the lock was taken for.
func (g *Guard) Op() string { return g.op }

// Release frees the lock. Calling it more than once is safe.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() { g.locks.release(g.issuer) })
}

// Guards is a set of held locks.
type Guards []*Guard

// For returns the guard for issuer.
func (gs Guards) For(issuer cashu.IssuerURL) *Guard {
	for _, g := range gs {
		if g.issuer == issuer {
			return g
		}
	}
	return nil
}

// Release frees every lock.
func (gs Guards) Release() {
	for _, g := range gs {
		g.Release()
	}
}

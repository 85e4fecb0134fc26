package cashutest

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"nutwallet/cashu"
)

// Client implements the issuer protocol against the fake network.
type Client struct {
	net *Network
}

// Client returns a protocol client for the network.
func (n *Network) Client() *Client { return &Client{net: n} }

func (c *Client) Info(_ context.Context, issuer cashu.IssuerURL) (cashu.Info, error) {
	m, err := c.net.mint(issuer)
	if err != nil {
		return cashu.Info{}, err
	}
	if err := m.enter("info"); err != nil {
		return cashu.Info{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return cashu.Info{Name: m.URL.String(), Version: "cashutest/1", MPP: m.mpp, WebSockets: m.subscriptions}, nil
}

func (c *Client) Keysets(_ context.Context, issuer cashu.IssuerURL) ([]cashu.Keyset, error) {
	m, err := c.net.mint(issuer)
	if err != nil {
		return nil, err
	}
	if err := m.enter("keysets"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]cashu.Keyset, 0, len(m.keysets))
	for _, ks := range m.keysets {
		out = append(out, withoutKeys(ks))
	}
	return out, nil
}

func (c *Client) Keys(_ context.Context, issuer cashu.IssuerURL, keysetID string) (cashu.Keyset, error) {
	m, err := c.net.mint(issuer)
	if err != nil {
		return cashu.Keyset{}, err
	}
	if err := m.enter("keys"); err != nil {
		return cashu.Keyset{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ks := range m.keysets {
		if ks.ID == keysetID {
			return ks, nil
		}
	}
	return cashu.Keyset{}, fmt.Errorf("cashutest: unknown keyset %s", keysetID)
}

func (c *Client) CreateMintQuote(_ context.Context, issuer cashu.IssuerURL, amount uint64, unit string) (cashu.MintQuote, error) {
	m, err := c.net.mint(issuer)
	if err != nil {
		return cashu.MintQuote{}, err
	}
	if err := m.enter("createmintquote"); err != nil {
		return cashu.MintQuote{}, err
	}
	id := uuid.NewString()
	request := fmt.Sprintf("lnbc%dn1%s", amount, id)
	m.mu.Lock()
	now := m.now()
	q := &cashu.MintQuote{
		ID:        id,
		Issuer:    issuer,
		Request:   request,
		Amount:    amount,
		Unit:      unit,
		State:     cashu.MintQuoteUnpaid,
		CreatedAt: now,
		Expiry:    now.Add(m.quoteTTL),
	}
	m.mintQuotes[id] = q
	out := *q
	m.mu.Unlock()

	c.net.mu.Lock()
	c.net.invoices[request] = &invoice{issuer: issuer, quoteID: id, amount: amount}
	c.net.mu.Unlock()
	return out, nil
}

func (c *Client) MintQuoteState(_ context.Context, issuer cashu.IssuerURL, quoteID string) (cashu.MintQuote, error) {
	m, err := c.net.mint(issuer)
	if err != nil {
		return cashu.MintQuote{}, err
	}
	if err := m.enter("mintquotestate"); err != nil {
		return cashu.MintQuote{}, err
	}
	q, ok := m.MintQuote(quoteID)
	if !ok {
		return cashu.MintQuote{}, fmt.Errorf("cashutest: unknown mint quote %s", quoteID)
	}
	return q, nil
}

func (c *Client) Mint(_ context.Context, issuer cashu.IssuerURL, quoteID string, amount uint64, keyset cashu.Keyset) (cashu.Proofs, error) {
	m, err := c.net.mint(issuer)
	if err != nil {
		return nil, err
	}
	if err := m.enter("mint"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	q, ok := m.mintQuotes[quoteID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("cashutest: unknown mint quote %s", quoteID)
	}
	switch {
	case q.State == cashu.MintQuoteIssued:
		m.mu.Unlock()
		return nil, fmt.Errorf("cashutest: quote %s already issued", quoteID)
	case q.State == cashu.MintQuoteUnpaid && m.now().After(q.Expiry):
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", cashu.ErrQuoteExpired, quoteID)
	case q.State != cashu.MintQuotePaid:
		m.mu.Unlock()
		return nil, fmt.Errorf("cashutest: quote %s not paid", quoteID)
	case amount != q.Amount:
		m.mu.Unlock()
		return nil, fmt.Errorf("cashutest: amount %d does not match quote %d", amount, q.Amount)
	}
	q.State = cashu.MintQuoteIssued
	m.mu.Unlock()
	return m.newProofs(keyset.ID, cashu.SplitAmount(amount)), nil
}

func (c *Client) CreateMeltQuote(_ context.Context, issuer cashu.IssuerURL, req cashu.MeltQuoteRequest) (cashu.MeltQuote, error) {
	m, err := c.net.mint(issuer)
	if err != nil {
		return cashu.MeltQuote{}, err
	}
	if err := m.enter("createmeltquote"); err != nil {
		return cashu.MeltQuote{}, err
	}
	inv, ok := c.net.lookup(req.Request)
	if !ok {
		return cashu.MeltQuote{}, fmt.Errorf("%w: unknown invoice", cashu.ErrInvalidInput)
	}
	amount := inv.amount
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.PartialAmount > 0 {
		if !m.mpp {
			return cashu.MeltQuote{}, fmt.Errorf("cashutest: %s does not support mpp", issuer)
		}
		amount = req.PartialAmount
	}
	now := m.now()
	q := &cashu.MeltQuote{
		ID:         uuid.NewString(),
		Issuer:     issuer,
		Request:    req.Request,
		Amount:     amount,
		FeeReserve: m.feeReserve,
		State:      cashu.MeltQuoteUnpaid,
		CreatedAt:  now,
		Expiry:     now.Add(m.quoteTTL),
	}
	m.meltQuotes[q.ID] = q
	return *q, nil
}

func (c *Client) MeltQuoteState(_ context.Context, issuer cashu.IssuerURL, quoteID string) (cashu.MeltQuote, error) {
	m, err := c.net.mint(issuer)
	if err != nil {
		return cashu.MeltQuote{}, err
	}
	if err := m.enter("meltquotestate"); err != nil {
		return cashu.MeltQuote{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.meltQuotes[quoteID]
	if !ok {
		return cashu.MeltQuote{}, fmt.Errorf("cashutest: unknown melt quote %s", quoteID)
	}
	return *q, nil
}

func (c *Client) Melt(_ context.Context, issuer cashu.IssuerURL, quote cashu.MeltQuote, inputs cashu.Proofs, keyset cashu.Keyset) (cashu.MeltResult, error) {
	m, err := c.net.mint(issuer)
	if err != nil {
		return cashu.MeltResult{}, err
	}
	if err := m.enter("melt"); err != nil {
		return cashu.MeltResult{}, err
	}
	m.mu.Lock()
	q, ok := m.meltQuotes[quote.ID]
	if !ok {
		m.mu.Unlock()
		return cashu.MeltResult{}, fmt.Errorf("cashutest: unknown melt quote %s", quote.ID)
	}
	if q.State != cashu.MeltQuoteUnpaid {
		m.mu.Unlock()
		return cashu.MeltResult{}, fmt.Errorf("cashutest: melt quote %s is %s", quote.ID, q.State)
	}
	if err := m.checkInputsLocked(inputs); err != nil {
		m.mu.Unlock()
		return cashu.MeltResult{}, err
	}
	total := inputs.Amount()
	fee := m.inputFeeLocked(inputs)
	if total < q.Amount+q.FeeReserve+fee {
		m.mu.Unlock()
		return cashu.MeltResult{}, fmt.Errorf("cashutest: inputs %d below %d", total, q.Amount+q.FeeReserve+fee)
	}
	lost := m.failures["melt-after"]
	switch m.outcome {
	case MeltFailed:
		q.State = cashu.MeltQuoteUnpaid
		m.mu.Unlock()
		return cashu.MeltResult{State: cashu.MeltQuoteFailed}, lost
	case MeltFailedPartial:
		m.spent[inputs[0].Secret] = true
		m.mu.Unlock()
		return cashu.MeltResult{State: cashu.MeltQuoteFailed}, lost
	case MeltPending:
		for _, p := range inputs {
			m.pending[p.Secret] = true
		}
		q.State = cashu.MeltQuotePending
		m.meltInputs[q.ID] = inputs.Clone()
		m.mu.Unlock()
		return cashu.MeltResult{State: cashu.MeltQuotePending}, lost
	}
	for _, p := range inputs {
		m.spent[p.Secret] = true
	}
	q.State = cashu.MeltQuotePaid
	change := total - q.Amount - m.feePaid - fee
	request, amount := q.Request, q.Amount
	m.mu.Unlock()

	c.net.pay(request, amount)
	result := cashu.MeltResult{State: cashu.MeltQuotePaid, Preimage: "00" + quote.ID}
	if change > 0 {
		result.Change = m.newProofs(keyset.ID, cashu.SplitAmount(change))
	}
	if lost != nil {
		return cashu.MeltResult{}, lost
	}
	return result, nil
}

func (c *Client) Swap(_ context.Context, issuer cashu.IssuerURL, inputs cashu.Proofs, amounts []uint64, keyset cashu.Keyset) (cashu.Proofs, error) {
	m, err := c.net.mint(issuer)
	if err != nil {
		return nil, err
	}
	if err := m.enter("swap"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if err := m.checkInputsLocked(inputs); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	var out uint64
	for _, a := range amounts {
		out += a
	}
	fee := m.inputFeeLocked(inputs)
	if out+fee > inputs.Amount() {
		m.mu.Unlock()
		return nil, fmt.Errorf("cashutest: outputs %d plus fee %d exceed inputs %d", out, fee, inputs.Amount())
	}
	for _, p := range inputs {
		m.spent[p.Secret] = true
	}
	m.mu.Unlock()
	return m.newProofs(keyset.ID, amounts), nil
}

func (c *Client) CheckState(_ context.Context, issuer cashu.IssuerURL, proofs cashu.Proofs) ([]cashu.ProofState, error) {
	m, err := c.net.mint(issuer)
	if err != nil {
		return nil, err
	}
	if err := m.enter("checkstate"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]cashu.ProofState, 0, len(proofs))
	for _, p := range proofs {
		state := cashu.ProofStateUnspent
		switch {
		case m.spent[p.Secret]:
			state = cashu.ProofStateSpent
		case m.pending[p.Secret]:
			state = cashu.ProofStatePending
		}
		out = append(out, cashu.ProofState{Secret: p.Secret, State: state})
	}
	return out, nil
}

func (c *Client) SubscribeMintQuote(ctx context.Context, issuer cashu.IssuerURL, quoteID string) (<-chan cashu.MintQuote, error) {
	m, err := c.net.mint(issuer)
	if err != nil {
		return nil, err
	}
	if err := m.enter("subscribemintquote"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if !m.subscriptions {
		m.mu.Unlock()
		return nil, ErrNoSubscriptions
	}
	ch := make(chan cashu.MintQuote, 8)
	if q, ok := m.mintQuotes[quoteID]; ok {
		ch <- *q
	}
	m.mintSubs[quoteID] = append(m.mintSubs[quoteID], ch)
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.mintSubs[quoteID]
		for i, existing := range subs {
			if existing == ch {
				m.mintSubs[quoteID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (c *Client) SubscribeMeltQuote(ctx context.Context, issuer cashu.IssuerURL, quoteID string) (<-chan cashu.MeltQuote, error) {
	m, err := c.net.mint(issuer)
	if err != nil {
		return nil, err
	}
	if err := m.enter("subscribemeltquote"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if !m.subscriptions {
		m.mu.Unlock()
		return nil, ErrNoSubscriptions
	}
	ch := make(chan cashu.MeltQuote, 8)
	if q, ok := m.meltQuotes[quoteID]; ok {
		ch <- *q
	}
	m.meltSubs[quoteID] = append(m.meltSubs[quoteID], ch)
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.meltSubs[quoteID]
		for i, existing := range subs {
			if existing == ch {
				m.meltSubs[quoteID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

package quotes

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"nutwallet/cashu"
)

// WaitMint blocks until quote is paid, issued or expired, using the configured
// wait options.
func (m *Manager) WaitMint(ctx context.Context, quote cashu.MintQuote) (cashu.MintQuote, error) {
	return m.WaitMintWith(ctx, quote, m.wait)
}

// WaitMintWith is WaitMint with explicit bounds. Expiry resolves the wait with
// state Expired and a nil error; exhausting the poll budget returns
// ErrWaitTimeout. A live subscription spends the same budget: every
// inactivity poll counts as an attempt and the wait never outlasts
// MaxPolls*PollInterval.
func (m *Manager) WaitMintWith(ctx context.Context, quote cashu.MintQuote, opts WaitOptions) (cashu.MintQuote, error) {
	opts = opts.normalised()
	switch quote.State {
	case cashu.MintQuotePaid, cashu.MintQuoteIssued, cashu.MintQuoteExpired:
		return m.finishMint(ctx, quote), nil
	}
	h, err := m.coord.Client(ctx, quote.Issuer)
	if err != nil {
		return quote, err
	}
	polls := 0
	poll := func() bool {
		current, err := h.Client.MintQuoteState(ctx, quote.Issuer, quote.ID)
		if err != nil {
			m.logger.Debug("mint quote poll failed", slog.String("quote", quote.ID), slog.Any("error", err))
			return false
		}
		quote = mergeMint(quote, current)
		return true
	}

	if !opts.PollOnly {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		updates, err := h.Client.SubscribeMintQuote(subCtx, quote.Issuer, quote.ID)
		if err == nil {
			inactivity := time.NewTimer(opts.Inactivity)
			defer inactivity.Stop()
			budget := time.NewTimer(opts.budget())
			defer budget.Stop()
		follow:
			for {
				fresh := true
				spent := false
				select {
				case <-ctx.Done():
					return quote, ctx.Err()
				case update, ok := <-updates:
					if !ok {
						break follow
					}
					quote = mergeMint(quote, update)
				case <-inactivity.C:
					fresh = poll()
					polls++
					spent = polls >= opts.MaxPolls
				case <-budget.C:
					fresh = poll()
					spent = true
				}
				if fresh && m.mintResolved(&quote) {
					return m.finishMint(ctx, quote), nil
				}
				if spent {
					m.updateMint(ctx, quote)
					return quote, ErrWaitTimeout
				}
				resetTimer(inactivity, opts.Inactivity)
			}
			m.logger.Debug("mint quote subscription closed, polling", slog.String("quote", quote.ID))
		} else {
			m.logger.Debug("mint quote subscription unavailable", slog.String("quote", quote.ID), slog.Any("error", err))
		}
	}

	for ; polls < opts.MaxPolls; polls++ {
		if poll() && m.mintResolved(&quote) {
			return m.finishMint(ctx, quote), nil
		}
		if err := sleep(ctx, opts.PollInterval); err != nil {
			return quote, err
		}
	}
	m.updateMint(ctx, quote)
	return quote, ErrWaitTimeout
}

// mintResolved reports whether waiting can stop, converting an unpaid quote
// past its expiry to Expired. It is only consulted after the issuer answered,
// so a quote paid before its expiry is never expired locally.
func (m *Manager) mintResolved(q *cashu.MintQuote) bool {
	switch q.State {
	case cashu.MintQuotePaid, cashu.MintQuoteIssued, cashu.MintQuoteExpired:
		return true
	}
	if q.Expired(m.now()) {
		q.State = cashu.MintQuoteExpired
		return true
	}
	return false
}

func (m *Manager) finishMint(ctx context.Context, q cashu.MintQuote) cashu.MintQuote {
	if q.State == cashu.MintQuoteExpired {
		m.MarkExpired(ctx, q.ID)
		return q
	}
	m.updateMint(ctx, q)
	return q
}

func mergeMint(base, update cashu.MintQuote) cashu.MintQuote {
	if update.State != "" {
		base.State = update.State
	}
	if !update.Expiry.IsZero() {
		base.Expiry = update.Expiry
	}
	if base.Request == "" {
		base.Request = update.Request
	}
	return base
}

// WaitMelt blocks until a melt quote is paid or failed.
func (m *Manager) WaitMelt(ctx context.Context, quote cashu.MeltQuote) (cashu.MeltQuote, error) {
	return m.WaitMeltWith(ctx, quote, m.wait)
}

// WaitMeltWith is WaitMelt with explicit bounds, spent the same way as
// WaitMintWith.
func (m *Manager) WaitMeltWith(ctx context.Context, quote cashu.MeltQuote, opts WaitOptions) (cashu.MeltQuote, error) {
	opts = opts.normalised()
	if quote.State.Terminal() {
		return quote, nil
	}
	h, err := m.coord.Client(ctx, quote.Issuer)
	if err != nil {
		return quote, err
	}
	polls := 0
	poll := func() {
		current, err := h.Client.MeltQuoteState(ctx, quote.Issuer, quote.ID)
		if err != nil {
			m.logger.Debug("melt quote poll failed", slog.String("quote", quote.ID), slog.Any("error", err))
			return
		}
		quote = mergeMelt(quote, current)
	}

	if !opts.PollOnly {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		updates, err := h.Client.SubscribeMeltQuote(subCtx, quote.Issuer, quote.ID)
		if err == nil {
			inactivity := time.NewTimer(opts.Inactivity)
			defer inactivity.Stop()
			budget := time.NewTimer(opts.budget())
			defer budget.Stop()
		follow:
			for {
				spent := false
				select {
				case <-ctx.Done():
					return quote, ctx.Err()
				case update, ok := <-updates:
					if !ok {
						break follow
					}
					quote = mergeMelt(quote, update)
				case <-inactivity.C:
					poll()
					polls++
					spent = polls >= opts.MaxPolls
				case <-budget.C:
					poll()
					spent = true
				}
				if quote.State.Terminal() {
					return quote, nil
				}
				if spent {
					return quote, ErrWaitTimeout
				}
				resetTimer(inactivity, opts.Inactivity)
			}
		}
	}

	for ; polls < opts.MaxPolls; polls++ {
		poll()
		if quote.State.Terminal() {
			return quote, nil
		}
		if err := sleep(ctx, opts.PollInterval); err != nil {
			return quote, err
		}
	}
	return quote, ErrWaitTimeout
}

func mergeMelt(base, update cashu.MeltQuote) cashu.MeltQuote {
	if update.State != "" {
		base.State = update.State
	}
	if update.FeeReserve != 0 {
		base.FeeReserve = update.FeeReserve
	}
	return base
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Watch resumes waiting on every tracked mint quote not owned by a transfer
// and issues them once paid. It returns when ctx is cancelled.
func (m *Manager) Watch(ctx context.Context) error {
	if err := m.Restore(ctx); err != nil {
		m.logger.Warn("restore tracked quotes failed", slog.Any("error", err))
	}
	m.mu.Lock()
	m.watchCtx = ctx
	var pending []string
	for id, t := range m.mints {
		if !t.issued && t.rec.TransferID == "" && t.rec.Mint.State != cashu.MintQuoteExpired {
			pending = append(pending, id)
		}
	}
	m.mu.Unlock()
	for _, id := range pending {
		m.spawn(ctx, id)
	}
	<-ctx.Done()
	m.mu.Lock()
	m.watchCtx = nil
	m.mu.Unlock()
	m.watchers.Wait()
	return nil
}

func (m *Manager) spawn(ctx context.Context, quoteID string) {
	m.watchers.Add(1)
	go func() {
		defer m.watchers.Done()
		m.autoIssue(ctx, quoteID)
	}()
}

func (m *Manager) autoIssue(ctx context.Context, quoteID string) {
	quote, ok := m.MintQuote(quoteID)
	if !ok {
		return
	}
	final, err := m.WaitMint(ctx, quote)
	switch {
	case errors.Is(err, ErrWaitTimeout):
		m.MarkExpired(ctx, quoteID)
		return
	case err != nil:
		if ctx.Err() == nil {
			m.logger.Warn("mint quote wait failed", slog.String("quote", quoteID), slog.Any("error", err))
		}
		return
	case final.State != cashu.MintQuotePaid:
		return
	}
	for {
		_, err := m.Issue(ctx, quoteID)
		if err == nil || !errors.Is(err, cashu.ErrIssuerBusy) {
			if err != nil && !errors.Is(err, ErrAlreadyIssued) {
				m.logger.Warn("auto issue failed", slog.String("quote", quoteID), slog.Any("error", err))
			}
			return
		}
		if sleep(ctx, m.wait.PollInterval) != nil {
			return
		}
	}
}

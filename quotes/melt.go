package quotes

import (
	"context"
	"fmt"
	"log/slog"

	"nutwallet/cashu"
	"nutwallet/issuer"
	"nutwallet/ledger"
)

// MeltOutcome is the settled result of a melt.
type MeltOutcome struct {
	Quote    cashu.MeltQuote
	Paid     bool
	Preimage string
	// FeePaid is everything the inputs covered beyond the quote amount and
	// the returned change: routing fee plus input fees.
	FeePaid uint64
	Change  cashu.Proofs
	// Spent is the input amount the issuer consumed.
	Spent uint64
}

// Melt pays quote with the reserved selection. The caller holds the issuer
// lock. On failure the selection is reconciled against the issuer's reported
// proof states rather than assumed untouched; proofs whose fate cannot be
// established stay PendingSpent for the recovery sweep.
func (m *Manager) Melt(ctx context.Context, guard *issuer.Guard, quote cashu.MeltQuote, sel ledger.Selection, transferID string) (MeltOutcome, error) {
	out := MeltOutcome{Quote: quote}
	if sel.Issuer != guard.Issuer() || quote.Issuer != guard.Issuer() {
		m.ledger.Release(sel)
		return out, fmt.Errorf("%w: melt guard, quote and selection issuers differ", cashu.ErrInvalidInput)
	}
	h, err := m.coord.Client(ctx, quote.Issuer)
	if err != nil {
		m.ledger.Release(sel)
		return out, err
	}
	m.TrackMelt(ctx, quote, sel.Proofs, transferID)
	if err := m.ledger.MarkPending(sel); err != nil {
		m.Untrack(ctx, quote.ID)
		return out, err
	}

	start := m.now()
	result, err := h.Client.Melt(ctx, quote.Issuer, quote, sel.Proofs, h.Active)
	m.metrics.Observe("melt", m.now().Sub(start), err)
	if err != nil {
		state, serr := h.Client.MeltQuoteState(ctx, quote.Issuer, quote.ID)
		if serr != nil {
			m.logger.Warn("melt outcome unknown, deferring to sweep",
				slog.String("issuer", quote.Issuer.String()),
				slog.String("quote", quote.ID),
				slog.Any("error", err))
			return out, fmt.Errorf("melt %s at %s: %w", quote.ID, quote.Issuer, err)
		}
		result = cashu.MeltResult{State: state.State}
		if state.State == cashu.MeltQuoteUnpaid {
			result.State = cashu.MeltQuoteFailed
		}
	}

	if result.State == cashu.MeltQuotePending {
		settled, werr := m.WaitMelt(ctx, quote)
		if werr != nil {
			return out, fmt.Errorf("%w: melt %s still pending: %v", cashu.ErrSettlementAmbiguous, quote.ID, werr)
		}
		result.State = settled.State
	}

	out.Quote.State = result.State
	if !result.Paid() {
		rec, rerr := m.coord.Reconcile(ctx, sel)
		if rerr != nil {
			m.logger.Warn("melt reconciliation deferred to sweep",
				slog.String("quote", quote.ID),
				slog.Any("error", rerr))
		} else {
			m.Untrack(ctx, quote.ID)
			out.Spent = rec.Spent.Amount()
		}
		m.metrics.RecordQuote(string(KindMelt), string(cashu.MeltQuoteFailed))
		return out, fmt.Errorf("%w: melt %s at %s", cashu.ErrSettlementFailed, quote.ID, quote.Issuer)
	}

	m.ledger.CommitSpend(sel)
	out.Paid = true
	out.Preimage = result.Preimage
	out.Spent = sel.Amount()
	if len(result.Change) > 0 {
		if _, err := m.ledger.Ingest(quote.Issuer, result.Change, ""); err != nil {
			m.logger.Error("ingest melt change failed", slog.String("quote", quote.ID), slog.Any("error", err))
		} else {
			out.Change = result.Change
		}
	}
	change := out.Change.Amount()
	if spent := sel.Amount(); spent >= quote.Amount+change {
		out.FeePaid = spent - quote.Amount - change
	}
	m.Untrack(ctx, quote.ID)
	m.metrics.RecordQuote(string(KindMelt), string(cashu.MeltQuotePaid))
	m.logger.Info("melt settled",
		slog.String("issuer", quote.Issuer.String()),
		slog.String("quote", quote.ID),
		slog.Uint64("amount", quote.Amount),
		slog.Uint64("fee_paid", out.FeePaid))
	return out, nil
}


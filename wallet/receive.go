package wallet

import (
	"context"
	"fmt"
	"log/slog"

	"nutwallet/cashu"
	"nutwallet/observability/logging"
)

// Receive asks issuer for a mint quote over amount and tracks it. The returned
// quote carries the invoice to pay; while Run is active the proofs are issued
// and published as soon as the issuer reports the quote paid.
func (w *Wallet) Receive(ctx context.Context, issuer cashu.IssuerURL, amount uint64) (cashu.MintQuote, error) {
	if amount == 0 {
		return cashu.MintQuote{}, fmt.Errorf("%w: amount must be positive", cashu.ErrInvalidInput)
	}
	h, err := w.coord.Client(ctx, issuer)
	if err != nil {
		return cashu.MintQuote{}, err
	}
	quote, err := h.Client.CreateMintQuote(ctx, issuer, amount, w.unit)
	if err != nil {
		return cashu.MintQuote{}, fmt.Errorf("mint quote at %s: %w", issuer, err)
	}
	if quote.Issuer == "" {
		quote.Issuer = issuer
	}
	w.quotes.TrackMint(ctx, quote, "")
	w.logger.Info("mint quote created",
		slog.String("issuer", issuer.String()),
		slog.String("quote", quote.ID),
		slog.Uint64("amount", quote.Amount))
	return quote, nil
}

// Claim issues a tracked mint quote now instead of waiting for the watcher.
// The quote must already be paid.
func (w *Wallet) Claim(ctx context.Context, quoteID string) (cashu.Proofs, error) {
	quote, ok := w.quotes.MintQuote(quoteID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown mint quote %s", cashu.ErrInvalidInput, quoteID)
	}
	h, err := w.coord.Client(ctx, quote.Issuer)
	if err != nil {
		return nil, err
	}
	current, err := h.Client.MintQuoteState(ctx, quote.Issuer, quoteID)
	if err != nil {
		return nil, fmt.Errorf("mint quote state at %s: %w", quote.Issuer, err)
	}
	if current.State != cashu.MintQuotePaid {
		return nil, fmt.Errorf("%w: mint quote %s is %s", cashu.ErrInvalidInput, quoteID, current.State)
	}
	proofs, err := w.quotes.Issue(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	w.publish(ctx, quote.Issuer)
	return proofs, nil
}

// Received is the outcome of ReceiveProofs.
type Received struct {
	Issuer cashu.IssuerURL
	Amount uint64
	Fee    uint64
}

// ReceiveProofs takes ownership of proofs someone else produced by swapping
// them at issuer for fresh ones only this wallet knows. The sender can no
// longer spend what was received.
func (w *Wallet) ReceiveProofs(ctx context.Context, issuer cashu.IssuerURL, proofs cashu.Proofs) (Received, error) {
	out := Received{Issuer: issuer}
	if err := proofs.Validate(); err != nil {
		return out, err
	}
	if len(proofs) == 0 {
		return out, fmt.Errorf("%w: no proofs", cashu.ErrInvalidInput)
	}
	for _, p := range proofs {
		if _, held := w.ledger.Lookup(p.Secret); held {
			return out, fmt.Errorf("%w: proof %s already in wallet", cashu.ErrInvalidInput, logging.Fingerprint(p.Secret))
		}
	}

	guard, err := w.coord.TryAcquire(issuer, "receive")
	if err != nil {
		return out, err
	}
	defer guard.Release()
	h, err := w.coord.Client(ctx, issuer)
	if err != nil {
		return out, err
	}
	for _, p := range proofs {
		if !h.Known(p.KeysetID) {
			return out, fmt.Errorf("%w: keyset %s is not issued by %s", cashu.ErrInvalidInput, p.KeysetID, issuer)
		}
	}
	fee := h.InputFee(proofs)
	total := proofs.Amount()
	if total <= fee {
		return out, fmt.Errorf("%w: proofs worth %d do not cover the input fee %d", cashu.ErrInsufficientFunds, total, fee)
	}

	start := w.now()
	fresh, err := h.Client.Swap(ctx, issuer, proofs, cashu.SplitAmount(total-fee), h.Active)
	w.metrics.Observe("receive", w.now().Sub(start), err)
	if err != nil {
		return out, fmt.Errorf("receive at %s: %w", issuer, err)
	}
	rec, err := w.ledger.Ingest(issuer, fresh, "")
	if err != nil {
		return out, fmt.Errorf("ingest received proofs: %w", err)
	}
	out.Amount = rec.Proofs.Amount()
	out.Fee = fee
	w.logger.Info("proofs received",
		slog.String("issuer", issuer.String()),
		slog.Uint64("amount", out.Amount),
		slog.Uint64("fee", fee))
	w.publish(ctx, issuer)
	return out, nil
}

package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"nutwallet/cashu"
	"nutwallet/mpp"
	"nutwallet/quotes"
	"nutwallet/transfer"
)

// PayInvoice pays invoice from the balance held at issuer. Unused fee reserve
// comes back as change; a failed payment reconciles the inputs against the
// issuer before anything is released.
func (w *Wallet) PayInvoice(ctx context.Context, issuer cashu.IssuerURL, invoice string) (quotes.MeltOutcome, error) {
	invoice = strings.TrimSpace(invoice)
	if invoice == "" {
		return quotes.MeltOutcome{}, fmt.Errorf("%w: invoice is required", cashu.ErrInvalidInput)
	}
	guard, err := w.coord.TryAcquire(issuer, "melt")
	if err != nil {
		return quotes.MeltOutcome{}, err
	}
	defer guard.Release()

	if _, err := w.coord.EnsureCurrentKeysets(ctx, guard); err != nil {
		w.logger.Warn("keyset rotation skipped", slog.String("issuer", issuer.String()), slog.Any("error", err))
	}
	h, err := w.coord.Client(ctx, issuer)
	if err != nil {
		return quotes.MeltOutcome{}, err
	}
	quote, err := h.Client.CreateMeltQuote(ctx, issuer, cashu.MeltQuoteRequest{Request: invoice, Unit: w.unit})
	if err != nil {
		return quotes.MeltOutcome{}, fmt.Errorf("melt quote at %s: %w", issuer, err)
	}
	if quote.Issuer == "" {
		quote.Issuer = issuer
	}
	sel, err := w.coord.SelectCovering(h, quote.Total())
	if err != nil {
		return quotes.MeltOutcome{Quote: quote}, err
	}
	out, err := w.quotes.Melt(ctx, guard, quote, sel, "")
	w.publish(ctx, issuer)
	return out, err
}

// Transfer moves value between two issuers over the payment rail.
func (w *Wallet) Transfer(ctx context.Context, req transfer.Request) (transfer.Result, error) {
	return w.saga.Run(ctx, req)
}

// Resume retries a transfer whose settlement was ambiguous.
func (w *Wallet) Resume(ctx context.Context, id string) (transfer.Result, error) {
	return w.saga.Resume(ctx, id)
}

// PendingTransfers lists transfers awaiting resumption.
func (w *Wallet) PendingTransfers() []transfer.Record { return w.saga.Pending() }

// PlanSplit quotes a payment of amount split across every issuer that supports
// multi-path payments. Nothing is reserved until ExecuteSplit.
func (w *Wallet) PlanSplit(ctx context.Context, invoice string, amount uint64) (mpp.Plan, error) {
	return w.split.Prepare(ctx, invoice, amount)
}

// ExecuteSplit settles a plan returned by PlanSplit.
func (w *Wallet) ExecuteSplit(ctx context.Context, plan mpp.Plan) (mpp.Result, error) {
	return w.split.Execute(ctx, plan)
}

// SplitPay plans and settles a split payment in one call.
func (w *Wallet) SplitPay(ctx context.Context, invoice string, amount uint64) (mpp.Plan, mpp.Result, error) {
	plan, err := w.split.Prepare(ctx, invoice, amount)
	if err != nil {
		return mpp.Plan{}, mpp.Result{}, err
	}
	res, err := w.split.Execute(ctx, plan)
	return plan, res, err
}

package wallet

import (
	"context"
	"fmt"
	"log/slog"

	"nutwallet/cashu"
	"nutwallet/publisher"
)

// RestoreReport describes a restore from the event log.
type RestoreReport struct {
	publisher.RestoreSummary
	// Spent is the value the log still listed but the issuers report spent.
	Spent uint64
	// Unchecked lists issuers that could not be asked about proof states.
	Unchecked []cashu.IssuerURL
}

// Restore rebuilds the ledger from the owner's token events, then asks every
// issuer which of the restored proofs it already consumed. Issuers whose
// proofs turned out spent are republished so the log stops listing them.
func (w *Wallet) Restore(ctx context.Context) (RestoreReport, error) {
	summary, err := w.publisher.Restore(ctx)
	if err != nil {
		return RestoreReport{}, fmt.Errorf("wallet: %w", err)
	}
	report := RestoreReport{RestoreSummary: summary}
	var stale []cashu.IssuerURL
	for _, u := range summary.Issuers {
		spent, err := w.checkRestored(ctx, u)
		if err != nil {
			w.logger.Warn("restored proofs not checked",
				slog.String("issuer", u.String()),
				slog.Any("error", err))
			report.Unchecked = append(report.Unchecked, u)
			continue
		}
		if spent > 0 {
			report.Spent += spent
			stale = append(stale, u)
		}
	}
	w.publish(ctx, stale...)
	w.logger.Info("wallet restore complete",
		slog.Uint64("amount", summary.Amount),
		slog.Uint64("spent", report.Spent),
		slog.Int("unchecked", len(report.Unchecked)))
	return report, nil
}

// checkRestored marks the issuer's unspent proofs it reports spent, holding
// the issuer lock. It returns the amount marked.
func (w *Wallet) checkRestored(ctx context.Context, u cashu.IssuerURL) (uint64, error) {
	guard, err := w.coord.TryAcquire(u, "restore")
	if err != nil {
		return 0, err
	}
	defer guard.Release()
	proofs := w.ledger.Unspent(u)
	if len(proofs) == 0 {
		return 0, nil
	}
	states, err := w.coord.CheckState(ctx, u, proofs)
	if err != nil {
		return 0, err
	}
	spent, _, _ := cashu.PartitionStates(proofs, states)
	if len(spent) == 0 {
		return 0, nil
	}
	w.ledger.ReconcileSpent(u, spent.Secrets())
	return spent.Amount(), nil
}

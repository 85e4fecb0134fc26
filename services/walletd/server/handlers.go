package server

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"nutwallet/cashu"
	"nutwallet/mpp"
	"nutwallet/paymentreq"
	"nutwallet/publisher"
	"nutwallet/transfer"
)

type issuerBalance struct {
	Mint    string `json:"mint"`
	Balance uint64 `json:"balance"`
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	balances := s.wallet.Balances()
	out := struct {
		Unit    string          `json:"unit"`
		Total   uint64          `json:"total"`
		Issuers []issuerBalance `json:"issuers"`
	}{Unit: s.wallet.Unit(), Issuers: make([]issuerBalance, 0, len(balances))}
	for u, amount := range balances {
		out.Total += amount
		out.Issuers = append(out.Issuers, issuerBalance{Mint: u.String(), Balance: amount})
	}
	sort.Slice(out.Issuers, func(i, j int) bool { return out.Issuers[i].Mint < out.Issuers[j].Mint })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateMintQuote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mint   string `json:"mint"`
		Amount uint64 `json:"amount"`
	}
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	u, err := s.issuer(req.Mint)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	quote, err := s.wallet.Receive(r.Context(), u, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, quote)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	proofs, err := s.wallet.Claim(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{
		"amount": proofs.Amount(),
		"proofs": uint64(len(proofs)),
	})
}

type meltRequest struct {
	Mint    string `json:"mint,omitempty"`
	Invoice string `json:"invoice"`
	// Amount is required for split payments of amountless invoices.
	Amount uint64 `json:"amount,omitempty"`
	Split  bool   `json:"split,omitempty"`
}

type partView struct {
	Mint       string `json:"mint"`
	Amount     uint64 `json:"amount"`
	Quote      string `json:"quote,omitempty"`
	FeeReserve uint64 `json:"fee_reserve,omitempty"`
	Paid       bool   `json:"paid"`
	FeePaid    uint64 `json:"fee_paid,omitempty"`
	Change     uint64 `json:"change,omitempty"`
	Error      string `json:"error,omitempty"`
}

type splitView struct {
	Total           uint64     `json:"total"`
	TotalFeeReserve uint64     `json:"total_fee_reserve"`
	Paid            bool       `json:"paid"`
	FeesPaid        uint64     `json:"fees_paid"`
	Parts           []partView `json:"parts"`
}

func planView(plan mpp.Plan) splitView {
	out := splitView{Total: plan.Total, TotalFeeReserve: plan.TotalFeeReserve, Parts: make([]partView, 0, len(plan.Parts))}
	for _, p := range plan.Parts {
		out.Parts = append(out.Parts, partView{
			Mint:       p.Issuer.String(),
			Amount:     p.Amount,
			Quote:      p.Quote.ID,
			FeeReserve: p.Quote.FeeReserve,
		})
	}
	return out
}

func resultView(plan mpp.Plan, res mpp.Result) splitView {
	out := planView(plan)
	out.Paid = res.Paid
	out.FeesPaid = res.FeesPaid
	for i, pr := range res.Parts {
		if i >= len(out.Parts) {
			break
		}
		out.Parts[i].Paid = pr.Paid
		out.Parts[i].FeePaid = pr.FeePaid
		out.Parts[i].Change = pr.Change
		if pr.Err != nil {
			out.Parts[i].Error = pr.Err.Error()
		}
	}
	return out
}

func (s *Server) handleMelt(w http.ResponseWriter, r *http.Request) {
	var req meltRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Invoice) == "" {
		s.fail(w, r, fmt.Errorf("%w: invoice required", cashu.ErrInvalidInput))
		return
	}
	if req.Split {
		plan, res, err := s.wallet.SplitPay(r.Context(), req.Invoice, req.Amount)
		if err != nil && len(plan.Parts) == 0 {
			s.fail(w, r, err)
			return
		}
		out := resultView(plan, res)
		if err != nil {
			writeJSON(w, statusFor(err), struct {
				splitView
				Error string `json:"error"`
			}{out, err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	u, err := s.issuer(req.Mint)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	outcome, err := s.wallet.PayInvoice(r.Context(), u, req.Invoice)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Quote    string `json:"quote"`
		Paid     bool   `json:"paid"`
		Preimage string `json:"preimage,omitempty"`
		FeePaid  uint64 `json:"fee_paid"`
		Change   uint64 `json:"change"`
		Spent    uint64 `json:"spent"`
	}{outcome.Quote.ID, outcome.Paid, outcome.Preimage, outcome.FeePaid, outcome.Change.Amount(), outcome.Spent})
}

func (s *Server) handleMeltPlan(w http.ResponseWriter, r *http.Request) {
	var req meltRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	plan, err := s.wallet.PlanSplit(r.Context(), req.Invoice, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, planView(plan))
}

type transferView struct {
	ID             string `json:"id"`
	AmountSent     uint64 `json:"amount_sent"`
	AmountReceived uint64 `json:"amount_received"`
	FeesPaid       uint64 `json:"fees_paid"`
	SourceBalance  uint64 `json:"source_balance"`
	TargetBalance  uint64 `json:"target_balance"`
}

func viewTransfer(res transfer.Result) transferView {
	return transferView{
		ID:             res.ID,
		AmountSent:     res.AmountSent,
		AmountReceived: res.AmountReceived,
		FeesPaid:       res.FeesPaid,
		SourceBalance:  res.SourceBalance,
		TargetBalance:  res.TargetBalance,
	}
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
		Target string `json:"target"`
		Amount uint64 `json:"amount"`
	}
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	source, err := s.issuer(req.Source)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	target, err := s.issuer(req.Target)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.wallet.Transfer(r.Context(), transfer.Request{Source: source, Target: target, Amount: req.Amount})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewTransfer(res))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	res, err := s.wallet.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewTransfer(res))
}

func (s *Server) handlePendingTransfers(w http.ResponseWriter, r *http.Request) {
	type pending struct {
		ID        string    `json:"id"`
		Source    string    `json:"source"`
		Target    string    `json:"target"`
		Amount    uint64    `json:"amount"`
		Step      string    `json:"step"`
		MeltPaid  bool      `json:"melt_paid"`
		Error     string    `json:"error,omitempty"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}
	records := s.wallet.PendingTransfers()
	out := make([]pending, 0, len(records))
	for _, rec := range records {
		out = append(out, pending{
			ID:        rec.ID,
			Source:    rec.Source.String(),
			Target:    rec.Target.String(),
			Amount:    rec.Amount,
			Step:      string(rec.Step),
			MeltPaid:  rec.MeltPaid,
			Error:     rec.Error,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"transfers": out})
}

func (s *Server) handleDecodeRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Request string `json:"request"`
	}
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	decoded, err := paymentreq.Decode(req.Request)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decoded)
}

func (s *Server) handlePayRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Request string `json:"request"`
		Mint    string `json:"mint"`
		Amount  uint64 `json:"amount,omitempty"`
		Memo    string `json:"memo,omitempty"`
	}
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	decoded, err := paymentreq.Decode(req.Request)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	u, err := s.issuer(req.Mint)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	paid, err := s.wallet.PayRequest(r.Context(), decoded, u, req.Amount, req.Memo)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := struct {
		ID        string              `json:"id,omitempty"`
		Amount    uint64              `json:"amount"`
		Transport string              `json:"transport,omitempty"`
		EventID   string              `json:"event_id,omitempty"`
		Payload   *paymentreq.Payload `json:"payload,omitempty"`
	}{ID: paid.Payload.ID, Amount: paid.Payload.Proofs.Amount(), Transport: paid.Transport, EventID: paid.EventID}
	if paid.Transport == "" {
		out.Payload = &paid.Payload
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReceiveTokens(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mint   string       `json:"mint"`
		Proofs cashu.Proofs `json:"proofs"`
	}
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	u, err := s.issuer(req.Mint)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	received, err := s.wallet.ReceiveProofs(r.Context(), u, req.Proofs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Mint   string `json:"mint"`
		Amount uint64 `json:"amount"`
		Fee    uint64 `json:"fee"`
	}{received.Issuer.String(), received.Amount, received.Fee})
}

type entryView struct {
	ID          string    `json:"id"`
	Mint        string    `json:"mint"`
	Kind        int       `json:"kind"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
	NextAttempt time.Time `json:"next_attempt"`
	LastError   string    `json:"last_error,omitempty"`
	Abandoned   bool      `json:"abandoned"`
}

func viewEntries(entries []publisher.Entry) []entryView {
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, viewEntry(e))
	}
	return out
}

func viewEntry(e publisher.Entry) entryView {
	return entryView{
		ID:          e.ID,
		Mint:        e.Issuer.String(),
		Kind:        e.Kind,
		Attempts:    e.Attempts,
		CreatedAt:   e.CreatedAt,
		NextAttempt: e.NextAttempt,
		LastError:   e.LastError,
		Abandoned:   e.Abandoned,
	}
}

func (s *Server) handleRetryQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]entryView{
		"pending":   viewEntries(s.queue.Queue()),
		"abandoned": viewEntries(s.queue.Abandoned()),
	})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Force bool `json:"force"`
	}
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	published, err := s.queue.Drain(r.Context(), req.Force)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"published": published,
		"remaining": len(s.queue.Queue()),
	})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	entry, err := s.queue.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewEntry(entry))
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	type issuerView struct {
		Mint     string `json:"mint"`
		Spent    int    `json:"spent"`
		Reverted int    `json:"reverted"`
		Pending  int    `json:"pending"`
		Kept     int    `json:"kept"`
		Busy     bool   `json:"busy,omitempty"`
		Error    string `json:"error,omitempty"`
	}
	report, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]issuerView, 0, len(report.Issuers))
	for _, ir := range report.Issuers {
		v := issuerView{Mint: ir.Issuer.String(), Spent: ir.Spent, Reverted: ir.Reverted, Pending: ir.Pending, Kept: ir.Kept, Busy: ir.Busy}
		if ir.Err != nil {
			v.Error = ir.Err.Error()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"issuers": out})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	report, err := s.wallet.Restore(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	unchecked := make([]string, 0, len(report.Unchecked))
	for _, u := range report.Unchecked {
		unchecked = append(unchecked, u.String())
	}
	writeJSON(w, http.StatusOK, struct {
		Events    int      `json:"events"`
		Deleted   int      `json:"deleted"`
		Invalid   int      `json:"invalid"`
		Proofs    int      `json:"proofs"`
		Amount    uint64   `json:"amount"`
		Spent     uint64   `json:"spent"`
		Unchecked []string `json:"unchecked"`
	}{report.Events, report.Deleted, report.Invalid, report.Proofs, report.Amount, report.Spent, unchecked})
}

package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"nutwallet/cashu"
	"nutwallet/eventlog"
	"nutwallet/issuer"
	"nutwallet/paymentreq"
)

// maxPostResponse caps how much of a post transport reply is read.
const maxPostResponse = 64 << 10

// PaidRequest is the outcome of PayRequest.
type PaidRequest struct {
	Payload paymentreq.Payload
	// Transport is the type the payload went out on, empty when the caller
	// delivers it.
	Transport string
	// EventID is set for nostr deliveries.
	EventID string
}

// PayRequest answers a payment request with proofs of issuer worth amount.
// A request that names its amount fixes it; amount must then be zero or
// equal. The proofs are split off the balance by a swap when no exact subset
// exists. When the request names a nostr or post transport the payload is
// delivered there and the proofs are spent only once delivery succeeded;
// without a transport the payload is returned for out of band delivery.
func (w *Wallet) PayRequest(ctx context.Context, req paymentreq.Request, issuer cashu.IssuerURL, amount uint64, memo string) (PaidRequest, error) {
	var out PaidRequest
	if err := req.Validate(); err != nil {
		return out, err
	}
	switch {
	case req.Amount > 0 && amount == 0:
		amount = req.Amount
	case req.Amount > 0 && amount != req.Amount:
		return out, fmt.Errorf("%w: request asks for %d, not %d", cashu.ErrInvalidInput, req.Amount, amount)
	case amount == 0:
		return out, fmt.Errorf("%w: amount must be positive", cashu.ErrInvalidInput)
	}
	if req.Unit != "" && req.Unit != w.unit {
		return out, fmt.Errorf("%w: request unit %q", cashu.ErrInvalidInput, req.Unit)
	}
	if !req.AcceptsMint(issuer) {
		return out, fmt.Errorf("%w: request does not accept %s", cashu.ErrInvalidInput, issuer)
	}
	transport, hasTransport := req.Transport(paymentreq.TransportNostr)
	if !hasTransport {
		transport, hasTransport = req.Transport(paymentreq.TransportPost)
	}

	guard, err := w.coord.TryAcquire(issuer, "send")
	if err != nil {
		return out, err
	}
	defer guard.Release()
	if _, err := w.coord.EnsureCurrentKeysets(ctx, guard); err != nil {
		w.logger.Warn("keyset rotation skipped", slog.String("issuer", issuer.String()), slog.Any("error", err))
	}
	h, err := w.coord.Client(ctx, issuer)
	if err != nil {
		return out, err
	}
	send, err := w.splitOff(ctx, guard, h, amount)
	if err != nil {
		return out, err
	}

	out.Payload = paymentreq.Payload{
		ID:     req.ID,
		Memo:   memo,
		Mint:   issuer.String(),
		Unit:   w.unit,
		Proofs: send.proofs,
	}
	if hasTransport {
		out.Transport = transport.Type
		out.EventID, err = w.deliver(ctx, transport, out.Payload)
		if err != nil {
			send.abort()
			w.publish(ctx, issuer)
			return PaidRequest{}, fmt.Errorf("deliver payment request %s: %w", req.ID, err)
		}
	}
	send.commit()
	w.logger.Info("payment request paid",
		slog.String("issuer", issuer.String()),
		slog.String("request", req.ID),
		slog.String("transport", out.Transport),
		slog.Uint64("amount", amount))
	w.publish(ctx, issuer)
	return out, nil
}

// outgoing holds proofs on their way to someone else until delivery settles.
type outgoing struct {
	proofs cashu.Proofs
	commit func()
	abort  func()
}

// splitOff produces proofs worth exactly amount. An exact selection is held
// PendingSpent; otherwise the covering selection is swapped, the change is
// ingested and the outgoing proofs stay outside the ledger unless delivery
// fails.
func (w *Wallet) splitOff(ctx context.Context, guard *issuer.Guard, h *issuer.Handle, amount uint64) (outgoing, error) {
	sel, err := w.ledger.Select(h.Issuer, amount)
	if err != nil {
		return outgoing{}, err
	}
	if sel.Amount() == amount {
		if err := w.ledger.MarkPending(sel); err != nil {
			return outgoing{}, err
		}
		return outgoing{
			proofs: sel.Proofs.Clone(),
			commit: func() { w.ledger.CommitSpend(sel) },
			abort:  func() { w.ledger.Release(sel) },
		}, nil
	}
	w.ledger.Release(sel)

	sel, err = w.coord.SelectCovering(h, amount)
	if err != nil {
		return outgoing{}, err
	}
	fee := h.InputFee(sel.Proofs)
	sendAmounts := cashu.SplitAmount(amount)
	amounts := append(append([]uint64(nil), sendAmounts...), cashu.SplitAmount(sel.Amount()-amount-fee)...)
	fresh, err := w.coord.Swap(ctx, guard, sel, amounts)
	if err != nil {
		return outgoing{}, err
	}
	if len(fresh) != len(amounts) {
		if _, ierr := w.ledger.Ingest(h.Issuer, fresh, ""); ierr != nil {
			w.logger.Error("ingest swapped proofs failed", slog.String("issuer", h.Issuer.String()), slog.Any("error", ierr))
		}
		return outgoing{}, fmt.Errorf("%w: swap returned %d proofs for %d outputs", cashu.ErrInvalidInput, len(fresh), len(amounts))
	}
	send, keep := fresh[:len(sendAmounts)], fresh[len(sendAmounts):]
	if len(keep) > 0 {
		if _, err := w.ledger.Ingest(h.Issuer, keep, ""); err != nil {
			w.logger.Error("ingest swap change failed", slog.String("issuer", h.Issuer.String()), slog.Any("error", err))
		}
	}
	return outgoing{
		proofs: send.Clone(),
		commit: func() {},
		abort: func() {
			if _, err := w.ledger.Ingest(h.Issuer, send, ""); err != nil {
				w.logger.Error("reclaim undelivered proofs failed", slog.String("issuer", h.Issuer.String()), slog.Any("error", err))
			}
		},
	}, nil
}

func (w *Wallet) deliver(ctx context.Context, t paymentreq.Transport, payload paymentreq.Payload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	switch t.Type {
	case paymentreq.TransportNostr:
		return w.deliverNostr(ctx, t.Target, string(body))
	case paymentreq.TransportPost:
		return "", w.deliverPost(ctx, t.Target, body)
	default:
		return "", fmt.Errorf("%w: unsupported transport %q", cashu.ErrInvalidInput, t.Type)
	}
}

// deliverNostr sends the payload as an encrypted direct message to the
// profile's key on the wallet's relays.
func (w *Wallet) deliverNostr(ctx context.Context, target, body string) (string, error) {
	profile, err := paymentreq.DecodeProfile(target)
	if err != nil {
		return "", err
	}
	content, err := w.id.Encrypt(ctx, profile.PubKey, body)
	if err != nil {
		return "", fmt.Errorf("encrypt payload: %w", err)
	}
	ev := eventlog.Event{
		CreatedAt: w.now().Unix(),
		Kind:      eventlog.KindDirectMessage,
		Tags:      [][]string{{"p", profile.PubKey}},
		Content:   content,
	}
	if err := w.id.Sign(ctx, &ev); err != nil {
		return "", fmt.Errorf("sign payload event: %w", err)
	}
	id, err := w.log.Publish(ctx, ev)
	if err != nil {
		return "", fmt.Errorf("%w: %v", cashu.ErrPublishFailed, err)
	}
	return id, nil
}

func (w *Wallet) deliverPost(ctx context.Context, target string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", cashu.ErrInvalidInput, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("post payload: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPostResponse))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post payload: %s answered %d", target, resp.StatusCode)
	}
	return nil
}

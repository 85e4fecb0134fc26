package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"nutwallet/cashu"
	"nutwallet/paymentreq"
	"nutwallet/publisher"
	"nutwallet/quotes"
	"nutwallet/transfer"
)

const maxBodyBytes = 1 << 20

var errMintNotAllowed = errors.New("mint not allowed")

// statusFor maps wallet failures onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errMintNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, cashu.ErrInvalidInput),
		errors.Is(err, paymentreq.ErrInvalidRequest),
		errors.Is(err, paymentreq.ErrInvalidProfile):
		return http.StatusBadRequest
	case errors.Is(err, quotes.ErrQuoteNotTracked),
		errors.Is(err, transfer.ErrTransferNotFound),
		errors.Is(err, publisher.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, cashu.ErrIssuerBusy),
		errors.Is(err, quotes.ErrAlreadyIssued):
		return http.StatusConflict
	case errors.Is(err, cashu.ErrQuoteExpired):
		return http.StatusGone
	case errors.Is(err, cashu.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, cashu.ErrIssuerUnreachable),
		errors.Is(err, cashu.ErrSettlementFailed),
		errors.Is(err, cashu.ErrPublishFailed):
		return http.StatusBadGateway
	case errors.Is(err, cashu.ErrSettlementAmbiguous),
		errors.Is(err, quotes.ErrWaitTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("admin request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err)
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decode reads a JSON body. An empty body leaves dst untouched.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", cashu.ErrInvalidInput, err)
	}
	return nil
}

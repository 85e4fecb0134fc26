package cashu

import (
	"strings"
	"time"
)

// MintQuoteState tracks a receive quote (NUT-04).
type MintQuoteState string

const (
	MintQuoteUnpaid  MintQuoteState = "UNPAID"
	MintQuotePaid    MintQuoteState = "PAID"
	MintQuoteIssued  MintQuoteState = "ISSUED"
	MintQuoteExpired MintQuoteState = "EXPIRED"
)

// ParseMintQuoteState maps issuer strings onto known states, defaulting to
// unpaid for anything unrecognised.
func ParseMintQuoteState(raw string) MintQuoteState {
	switch MintQuoteState(strings.ToUpper(strings.TrimSpace(raw))) {
	case MintQuotePaid:
		return MintQuotePaid
	case MintQuoteIssued:
		return MintQuoteIssued
	case MintQuoteExpired:
		return MintQuoteExpired
	default:
		return MintQuoteUnpaid
	}
}

// Terminal reports whether no further transition is possible.
func (s MintQuoteState) Terminal() bool {
	return s == MintQuoteIssued || s == MintQuoteExpired
}

// MeltQuoteState tracks a pay quote (NUT-05).
type MeltQuoteState string

const (
	MeltQuoteUnpaid  MeltQuoteState = "UNPAID"
	MeltQuotePending MeltQuoteState = "PENDING"
	MeltQuotePaid    MeltQuoteState = "PAID"
	MeltQuoteFailed  MeltQuoteState = "FAILED"
)

// ParseMeltQuoteState maps issuer strings onto known states.
func ParseMeltQuoteState(raw string) MeltQuoteState {
	switch MeltQuoteState(strings.ToUpper(strings.TrimSpace(raw))) {
	case MeltQuotePending:
		return MeltQuotePending
	case MeltQuotePaid:
		return MeltQuotePaid
	case MeltQuoteFailed:
		return MeltQuoteFailed
	default:
		return MeltQuoteUnpaid
	}
}

// Terminal reports whether no further transition is possible.
func (s MeltQuoteState) Terminal() bool {
	return s == MeltQuotePaid || s == MeltQuoteFailed
}

// MintQuote is a contract to receive Amount by paying Request.
type MintQuote struct {
	ID        string         `json:"quote"`
	Issuer    IssuerURL      `json:"issuer"`
	Request   string         `json:"request"`
	Amount    uint64         `json:"amount"`
	Unit      string         `json:"unit"`
	State     MintQuoteState `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
	Expiry    time.Time      `json:"expiry"`
}

// Expired reports whether an unpaid quote passed its expiry at now.
func (q MintQuote) Expired(now time.Time) bool {
	if q.State == MintQuoteExpired {
		return true
	}
	return q.State == MintQuoteUnpaid && !q.Expiry.IsZero() && now.After(q.Expiry)
}

// MeltQuoteRequest asks an issuer to quote paying an invoice. PartialAmount is
// set for NUT-15 multi-path payments.
type MeltQuoteRequest struct {
	Request       string
	Unit          string
	PartialAmount uint64
}

// MeltQuote is a contract to pay Request for Amount plus up to FeeReserve.
type MeltQuote struct {
	ID         string         `json:"quote"`
	Issuer     IssuerURL      `json:"issuer"`
	Request    string         `json:"request"`
	Amount     uint64         `json:"amount"`
	FeeReserve uint64         `json:"fee_reserve"`
	State      MeltQuoteState `json:"state"`
	CreatedAt  time.Time      `json:"created_at"`
	Expiry     time.Time      `json:"expiry"`
}

// Total is the amount that must be covered by inputs before input fees.
func (q MeltQuote) Total() uint64 { return q.Amount + q.FeeReserve }

// MeltResult is the issuer response to a melt request.
type MeltResult struct {
	State    MeltQuoteState
	Preimage string
	Change   Proofs
}

// Paid reports whether the payment settled.
func (r MeltResult) Paid() bool { return r.State == MeltQuotePaid }

package mintapi

import (
	"encoding/json"
	"time"

	"nutwallet/cashu"
)

// Wire shapes of the issuer HTTP API (NUT-01 to NUT-07, NUT-15).

type infoResponse struct {
	Name    string                     `json:"name"`
	Version string                     `json:"version"`
	Nuts    map[string]nutCapabilities `json:"nuts"`
}

type nutCapabilities struct {
	Disabled  bool            `json:"disabled"`
	Supported json.RawMessage `json:"supported,omitempty"`
	Methods   []methodSetting `json:"methods,omitempty"`
}

// enabled interprets the loosely typed "supported" field: NUT-07 style
// booleans and NUT-17 style method lists both count.
func (n nutCapabilities) enabled() bool {
	if n.Disabled {
		return false
	}
	if len(n.Methods) > 0 {
		return true
	}
	var flag bool
	if err := json.Unmarshal(n.Supported, &flag); err == nil {
		return flag
	}
	var list []json.RawMessage
	if err := json.Unmarshal(n.Supported, &list); err == nil {
		return len(list) > 0
	}
	return false
}

type methodSetting struct {
	Method string `json:"method"`
	Unit   string `json:"unit"`
}

type keysetsResponse struct {
	Keysets []keysetEntry `json:"keysets"`
}

type keysetEntry struct {
	ID          string            `json:"id"`
	Unit        string            `json:"unit"`
	Active      *bool             `json:"active,omitempty"`
	InputFeePPK uint64            `json:"input_fee_ppk"`
	Keys        map[uint64]string `json:"keys,omitempty"`
}

func (k keysetEntry) keyset() cashu.Keyset {
	active := true
	if k.Active != nil {
		active = *k.Active
	}
	return cashu.Keyset{ID: k.ID, Unit: k.Unit, Active: active, InputFeePPK: k.InputFeePPK, Keys: k.Keys}
}

type mintQuoteRequest struct {
	Amount uint64 `json:"amount"`
	Unit   string `json:"unit"`
}

type mintQuoteResponse struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
	Amount  uint64 `json:"amount,omitempty"`
	Unit    string `json:"unit,omitempty"`
	State   string `json:"state"`
	Paid    *bool  `json:"paid,omitempty"`
	Expiry  int64  `json:"expiry"`
}

func (r mintQuoteResponse) quote(issuer cashu.IssuerURL, amount uint64, unit string, now time.Time) cashu.MintQuote {
	state := cashu.ParseMintQuoteState(r.State)
	if r.State == "" && r.Paid != nil && *r.Paid {
		state = cashu.MintQuotePaid
	}
	q := cashu.MintQuote{
		ID:        r.Quote,
		Issuer:    issuer,
		Request:   r.Request,
		Amount:    amount,
		Unit:      unit,
		State:     state,
		CreatedAt: now,
	}
	if r.Amount > 0 {
		q.Amount = r.Amount
	}
	if r.Unit != "" {
		q.Unit = r.Unit
	}
	if r.Expiry > 0 {
		q.Expiry = time.Unix(r.Expiry, 0).UTC()
	}
	return q
}

type mintRequest struct {
	Quote   string                 `json:"quote"`
	Outputs []cashu.BlindedMessage `json:"outputs"`
}

type signaturesResponse struct {
	Signatures []cashu.BlindedSignature `json:"signatures"`
}

type meltQuoteRequest struct {
	Request string       `json:"request"`
	Unit    string       `json:"unit"`
	Options *meltOptions `json:"options,omitempty"`
}

type meltOptions struct {
	MPP *mppOption `json:"mpp,omitempty"`
}

type mppOption struct {
	Amount uint64 `json:"amount"`
}

type meltQuoteResponse struct {
	Quote      string                   `json:"quote"`
	Request    string                   `json:"request,omitempty"`
	Amount     uint64                   `json:"amount"`
	FeeReserve uint64                   `json:"fee_reserve"`
	State      string                   `json:"state"`
	Paid       *bool                    `json:"paid,omitempty"`
	Expiry     int64                    `json:"expiry"`
	Preimage   string                   `json:"payment_preimage,omitempty"`
	Change     []cashu.BlindedSignature `json:"change,omitempty"`
}

func (r meltQuoteResponse) meltState() cashu.MeltQuoteState {
	if r.State == "" && r.Paid != nil {
		if *r.Paid {
			return cashu.MeltQuotePaid
		}
		return cashu.MeltQuoteUnpaid
	}
	return cashu.ParseMeltQuoteState(r.State)
}

func (r meltQuoteResponse) quote(issuer cashu.IssuerURL, request string, now time.Time) cashu.MeltQuote {
	q := cashu.MeltQuote{
		ID:         r.Quote,
		Issuer:     issuer,
		Request:    request,
		Amount:     r.Amount,
		FeeReserve: r.FeeReserve,
		State:      r.meltState(),
		CreatedAt:  now,
	}
	if r.Request != "" {
		q.Request = r.Request
	}
	if r.Expiry > 0 {
		q.Expiry = time.Unix(r.Expiry, 0).UTC()
	}
	return q
}

type meltRequest struct {
	Quote   string                 `json:"quote"`
	Inputs  cashu.Proofs           `json:"inputs"`
	Outputs []cashu.BlindedMessage `json:"outputs,omitempty"`
}

type swapRequest struct {
	Inputs  cashu.Proofs           `json:"inputs"`
	Outputs []cashu.BlindedMessage `json:"outputs"`
}

type checkStateRequest struct {
	Ys []string `json:"Ys"`
}

type checkStateResponse struct {
	States []struct {
		Y     string `json:"Y"`
		State string `json:"state"`
	} `json:"states"`
}

type errorResponse struct {
	Detail string `json:"detail"`
	Code   int    `json:"code"`
}

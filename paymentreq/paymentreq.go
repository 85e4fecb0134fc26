// Package paymentreq encodes and decodes NUT-18 payment requests and the
// payloads that answer them.
package paymentreq

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"nutwallet/cashu"
)

// Prefix marks version A requests: "creq" followed by the version letter.
const Prefix = "creqA"

// Transport types.
const (
	TransportNostr = "nostr"
	TransportPost  = "post"
)

// ErrInvalidRequest flags malformed payment requests.
var ErrInvalidRequest = errors.New("paymentreq: invalid request")

// Transport says where the payer delivers the payload.
type Transport struct {
	Type   string     `cbor:"t" json:"type"`
	Target string     `cbor:"a" json:"target"`
	Tags   [][]string `cbor:"g,omitempty" json:"tags,omitempty"`
}

// Request is a NUT-18 payment request. A zero Amount lets the payer choose.
type Request struct {
	ID          string      `cbor:"i,omitempty" json:"id,omitempty"`
	Amount      uint64      `cbor:"a,omitempty" json:"amount,omitempty"`
	Unit        string      `cbor:"u,omitempty" json:"unit,omitempty"`
	SingleUse   bool        `cbor:"s,omitempty" json:"single_use,omitempty"`
	Mints       []string    `cbor:"m,omitempty" json:"mints,omitempty"`
	Description string      `cbor:"d,omitempty" json:"description,omitempty"`
	Transports  []Transport `cbor:"t,omitempty" json:"transports,omitempty"`
}

// Payload answers a request with proofs of one mint.
type Payload struct {
	ID     string       `json:"id,omitempty"`
	Memo   string       `json:"memo,omitempty"`
	Mint   string       `json:"mint"`
	Unit   string       `json:"unit"`
	Proofs cashu.Proofs `json:"proofs"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("paymentreq: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("paymentreq: CBOR decoder initialization failed: " + err.Error())
	}
}

// Validate checks the request carries what a payer needs.
func (r Request) Validate() error {
	for i, t := range r.Transports {
		switch t.Type {
		case TransportNostr:
			if _, err := DecodeProfile(t.Target); err != nil {
				return fmt.Errorf("%w: transport %d: %v", ErrInvalidRequest, i, err)
			}
		case TransportPost:
			if !strings.HasPrefix(t.Target, "https://") && !strings.HasPrefix(t.Target, "http://") {
				return fmt.Errorf("%w: transport %d: post target must be an http url", ErrInvalidRequest, i)
			}
		case "":
			return fmt.Errorf("%w: transport %d has no type", ErrInvalidRequest, i)
		}
	}
	for _, m := range r.Mints {
		if _, err := cashu.ParseIssuerURL(m); err != nil {
			return fmt.Errorf("%w: mint %q: %v", ErrInvalidRequest, m, err)
		}
	}
	return nil
}

// AcceptsMint reports whether proofs of issuer satisfy the request. A request
// without a mint list accepts any issuer.
func (r Request) AcceptsMint(issuer cashu.IssuerURL) bool {
	if len(r.Mints) == 0 {
		return true
	}
	for _, m := range r.Mints {
		parsed, err := cashu.ParseIssuerURL(m)
		if err == nil && parsed == issuer {
			return true
		}
	}
	return false
}

// Transport returns the first transport of the given type.
func (r Request) Transport(kind string) (Transport, bool) {
	for _, t := range r.Transports {
		if t.Type == kind {
			return t, true
		}
	}
	return Transport{}, false
}

// Encode renders the request as creqA followed by base64url CBOR.
func Encode(r Request) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	raw, err := encMode.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode payment request: %w", err)
	}
	return Prefix + base64.URLEncoding.EncodeToString(raw), nil
}

// Decode parses an encoded request. Padded, unpadded and standard base64 are
// all accepted.
func Decode(encoded string) (Request, error) {
	encoded = strings.TrimSpace(encoded)
	if !strings.HasPrefix(encoded, Prefix) {
		return Request{}, fmt.Errorf("%w: missing %s prefix", ErrInvalidRequest, Prefix)
	}
	raw, err := decodeBase64(strings.TrimPrefix(encoded, Prefix))
	if err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	var r Request
	if err := decMode.Unmarshal(raw, &r); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := r.Validate(); err != nil {
		return Request{}, err
	}
	return r, nil
}

func decodeBase64(s string) ([]byte, error) {
	trimmed := strings.TrimRight(s, "=")
	if raw, err := base64.RawURLEncoding.DecodeString(trimmed); err == nil {
		return raw, nil
	}
	return base64.RawStdEncoding.DecodeString(trimmed)
}

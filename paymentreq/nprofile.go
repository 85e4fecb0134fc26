package paymentreq

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

const profileHRP = "nprofile"

// NIP-19 TLV types.
const (
	tlvSpecial = 0
	tlvRelay   = 1
)

// ErrInvalidProfile flags malformed nprofile strings.
var ErrInvalidProfile = errors.New("paymentreq: invalid nprofile")

// Profile is a public key with the relays it reads from.
type Profile struct {
	PubKey string
	Relays []string
}

// EncodeProfile renders p as a NIP-19 nprofile.
func EncodeProfile(p Profile) (string, error) {
	pub, err := hex.DecodeString(p.PubKey)
	if err != nil || len(pub) != 32 {
		return "", fmt.Errorf("%w: public key must be 32 hex bytes", ErrInvalidProfile)
	}
	tlv := make([]byte, 0, 34+len(p.Relays)*32)
	tlv = append(tlv, tlvSpecial, byte(len(pub)))
	tlv = append(tlv, pub...)
	for _, relay := range p.Relays {
		if len(relay) == 0 || len(relay) > 255 {
			return "", fmt.Errorf("%w: relay url length %d", ErrInvalidProfile, len(relay))
		}
		tlv = append(tlv, tlvRelay, byte(len(relay)))
		tlv = append(tlv, relay...)
	}
	conv, err := bech32.ConvertBits(tlv, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	return bech32.Encode(profileHRP, conv)
}

// DecodeProfile parses a NIP-19 nprofile. Unknown TLV types are skipped.
func DecodeProfile(encoded string) (Profile, error) {
	hrp, data, err := bech32.DecodeNoLimit(encoded)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if hrp != profileHRP {
		return Profile{}, fmt.Errorf("%w: unexpected prefix %q", ErrInvalidProfile, hrp)
	}
	tlv, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	var p Profile
	for len(tlv) > 0 {
		if len(tlv) < 2 {
			return Profile{}, fmt.Errorf("%w: truncated tlv", ErrInvalidProfile)
		}
		typ, size := tlv[0], int(tlv[1])
		if len(tlv) < 2+size {
			return Profile{}, fmt.Errorf("%w: truncated tlv value", ErrInvalidProfile)
		}
		value := tlv[2 : 2+size]
		switch typ {
		case tlvSpecial:
			if size != 32 {
				return Profile{}, fmt.Errorf("%w: public key length %d", ErrInvalidProfile, size)
			}
			p.PubKey = hex.EncodeToString(value)
		case tlvRelay:
			p.Relays = append(p.Relays, string(value))
		}
		tlv = tlv[2+size:]
	}
	if p.PubKey == "" {
		return Profile{}, fmt.Errorf("%w: missing public key", ErrInvalidProfile)
	}
	return p, nil
}

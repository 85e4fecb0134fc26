package cashu

import (
	"sort"
	"strings"
)

// DefaultUnit is the only unit the wallet transacts in.
const DefaultUnit = "sat"

// Keyset is a versioned set of issuer signing keys (NUT-01/NUT-02).
type Keyset struct {
	ID          string            `json:"id"`
	Unit        string            `json:"unit"`
	Active      bool              `json:"active"`
	InputFeePPK uint64            `json:"input_fee_ppk"`
	Keys        map[uint64]string `json:"keys,omitempty"`
}

// Info is the subset of issuer metadata the wallet relies on (NUT-06).
type Info struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	MPP        bool   `json:"mpp"`
	WebSockets bool   `json:"websockets"`
}

// ActiveKeyset picks the active keyset for unit, preferring the lowest input
// fee when an issuer advertises several.
func ActiveKeyset(keysets []Keyset, unit string) (Keyset, bool) {
	candidates := make([]Keyset, 0, len(keysets))
	for _, ks := range keysets {
		if !ks.Active {
			continue
		}
		if unit != "" && !strings.EqualFold(ks.Unit, unit) {
			continue
		}
		candidates = append(candidates, ks)
	}
	if len(candidates) == 0 {
		return Keyset{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].InputFeePPK != candidates[j].InputFeePPK {
			return candidates[i].InputFeePPK < candidates[j].InputFeePPK
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], true
}

// InputFee computes the NUT-02 fee for spending proofs: the per-proof ppk of
// each proof's keyset, summed and rounded up to a whole unit.
func InputFee(proofs Proofs, keysets []Keyset) uint64 {
	fees := make(map[string]uint64, len(keysets))
	for _, ks := range keysets {
		fees[ks.ID] = ks.InputFeePPK
	}
	var ppk uint64
	for _, p := range proofs {
		ppk += fees[p.KeysetID]
	}
	return (ppk + 999) / 1000
}

// SplitAmount decomposes amount into powers of two, ascending.
func SplitAmount(amount uint64) []uint64 {
	out := make([]uint64, 0, 8)
	for bit := uint64(1); amount > 0; bit <<= 1 {
		if amount&bit != 0 {
			out = append(out, bit)
			amount &^= bit
		}
	}
	return out
}

// BlankOutputCount is the number of NUT-08 blank outputs needed to receive up to
// feeReserve in change.
func BlankOutputCount(feeReserve uint64) int {
	if feeReserve == 0 {
		return 0
	}
	count := 0
	for v := feeReserve - 1; v > 0; v >>= 1 {
		count++
	}
	if count == 0 {
		count = 1
	}
	return count
}

package cashu

import (
	"encoding/hex"
	"fmt"
)

// Proof is a single bearer token signed by one keyset of an issuer.
type Proof struct {
	Amount   uint64 `json:"amount"`
	KeysetID string `json:"id"`
	Secret   string `json:"secret"`
	C        string `json:"C"`
	Witness  string `json:"witness,omitempty"`
}

// Y returns the hex encoded hash_to_curve(secret) point issuers use to index
// proof state (NUT-07).
func (p Proof) Y() (string, error) {
	point, err := HashToCurve([]byte(p.Secret))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(point.Compressed()), nil
}

// Proofs is an ordered collection of proofs.
type Proofs []Proof

// Amount sums the proof amounts.
func (ps Proofs) Amount() uint64 {
	var total uint64
	for _, p := range ps {
		total += p.Amount
	}
	return total
}

// Secrets lists the proof secrets in order.
func (ps Proofs) Secrets() []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Secret)
	}
	return out
}

// Clone returns an independent copy.
func (ps Proofs) Clone() Proofs {
	if ps == nil {
		return nil
	}
	out := make(Proofs, len(ps))
	copy(out, ps)
	return out
}

// Validate rejects proofs that could never be honoured by an issuer.
func (ps Proofs) Validate() error {
	seen := make(map[string]struct{}, len(ps))
	for i, p := range ps {
		if p.Amount == 0 {
			return fmt.Errorf("%w: proof %d has zero amount", ErrInvalidInput, i)
		}
		if p.Secret == "" || p.C == "" {
			return fmt.Errorf("%w: proof %d missing secret or signature", ErrInvalidInput, i)
		}
		if _, dup := seen[p.Secret]; dup {
			return fmt.Errorf("%w: duplicate proof secret", ErrInvalidInput)
		}
		seen[p.Secret] = struct{}{}
	}
	return nil
}

// ProofSpendState is the issuer-side state of a proof (NUT-07).
type ProofSpendState string

const (
	ProofStateUnspent ProofSpendState = "UNSPENT"
	ProofStatePending ProofSpendState = "PENDING"
	ProofStateSpent   ProofSpendState = "SPENT"
)

// ProofState pairs a proof secret with the state its issuer reports.
type ProofState struct {
	Secret string
	Y      string
	State  ProofSpendState
}

// PartitionStates splits proofs by the states reported for them. Only an
// explicit UNSPENT makes a proof unspent; proofs the issuer left out of its
// reply, or reported in an unknown state, count as pending.
func PartitionStates(proofs Proofs, states []ProofState) (spent, pending, unspent Proofs) {
	bySecret := make(map[string]ProofSpendState, len(states))
	for _, st := range states {
		bySecret[st.Secret] = st.State
	}
	for _, p := range proofs {
		switch bySecret[p.Secret] {
		case ProofStateSpent:
			spent = append(spent, p)
		case ProofStateUnspent:
			unspent = append(unspent, p)
		default:
			pending = append(pending, p)
		}
	}
	return spent, pending, unspent
}

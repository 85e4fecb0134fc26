package cashu

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestParseIssuerURLNormalises(t *testing.T) {
	cases := map[string]string{
		"https://Mint.Example.com/":        "https://mint.example.com",
		"mint.example.com":                 "https://mint.example.com",
		"https://mint.example.com:443/v1/": "https://mint.example.com/v1",
		"http://localhost:3338":            "http://localhost:3338",
		"HTTP://LOCALHOST:80":              "http://localhost",
	}
	for raw, want := range cases {
		got, err := ParseIssuerURL(raw)
		require.NoError(t, err, raw)
		require.Equal(t, IssuerURL(want), got, raw)
	}
	a := MustIssuerURL("https://mint.example.com/")
	b := MustIssuerURL("HTTPS://MINT.EXAMPLE.COM")
	require.Equal(t, a, b)
}

func TestParseIssuerURLRejects(t *testing.T) {
	for _, raw := range []string{"", "   ", "ftp://mint.example.com", "https://"} {
		_, err := ParseIssuerURL(raw)
		require.Error(t, err, raw)
		require.True(t, errors.Is(err, ErrInvalidInput), raw)
	}
}

func TestSplitAmount(t *testing.T) {
	require.Equal(t, []uint64{1, 4, 8}, SplitAmount(13))
	require.Equal(t, []uint64{1024}, SplitAmount(1024))
	require.Empty(t, SplitAmount(0))
	var sum uint64
	for _, v := range SplitAmount(3990) {
		sum += v
	}
	require.Equal(t, uint64(3990), sum)
}

func TestBlankOutputCount(t *testing.T) {
	require.Equal(t, 0, BlankOutputCount(0))
	require.Equal(t, 1, BlankOutputCount(1))
	require.Equal(t, 1, BlankOutputCount(2))
	require.Equal(t, 2, BlankOutputCount(3))
	require.Equal(t, 4, BlankOutputCount(10))
	require.Equal(t, 10, BlankOutputCount(1000))
}

func TestInputFeeRoundsUp(t *testing.T) {
	keysets := []Keyset{{ID: "a", InputFeePPK: 100}, {ID: "b", InputFeePPK: 0}}
	proofs := Proofs{{KeysetID: "a"}, {KeysetID: "a"}, {KeysetID: "b"}}
	require.Equal(t, uint64(1), InputFee(proofs, keysets))
	many := make(Proofs, 11)
	for i := range many {
		many[i].KeysetID = "a"
	}
	require.Equal(t, uint64(2), InputFee(many, keysets))
	require.Equal(t, uint64(0), InputFee(proofs[2:], keysets))
}

func TestActiveKeysetPrefersCheapest(t *testing.T) {
	ks, ok := ActiveKeyset([]Keyset{
		{ID: "old", Unit: "sat", Active: false},
		{ID: "pricey", Unit: "sat", Active: true, InputFeePPK: 200},
		{ID: "cheap", Unit: "sat", Active: true, InputFeePPK: 100},
		{ID: "usd", Unit: "usd", Active: true},
	}, "sat")
	require.True(t, ok)
	require.Equal(t, "cheap", ks.ID)
	_, ok = ActiveKeyset([]Keyset{{ID: "old", Unit: "sat"}}, "sat")
	require.False(t, ok)
}

func TestHashToCurveVectors(t *testing.T) {
	vectors := map[string]string{
		"0000000000000000000000000000000000000000000000000000000000000000": "024cce997d3b518f739663b757deaec95bcd9473c30a14ac2fd04023a739d1a725",
		"0000000000000000000000000000000000000000000000000000000000000001": "022e7158e11c9506f1aa4248bf531298daa7febd6194f003edcd9b93ade6253acf",
	}
	for msgHex, want := range vectors {
		msg, err := hex.DecodeString(msgHex)
		require.NoError(t, err)
		point, err := HashToCurve(msg)
		require.NoError(t, err)
		require.Equal(t, want, hex.EncodeToString(point.Compressed()))
	}
}

func TestBlindSignUnblindRoundTrip(t *testing.T) {
	curve := crypto.S256()
	mintKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyset := Keyset{
		ID:   "00aa",
		Unit: "sat",
		Keys: map[uint64]string{
			8: hex.EncodeToString(crypto.CompressPubkey(&mintKey.PublicKey)),
			2: hex.EncodeToString(crypto.CompressPubkey(&mintKey.PublicKey)),
		},
	}
	outputs, factors, err := NewOutputs(keyset.ID, []uint64{2, 8})
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	signatures := make([]BlindedSignature, 0, len(outputs))
	for _, out := range outputs {
		b, err := ParsePoint(out.B)
		require.NoError(t, err)
		cx, cy := curve.ScalarMult(b.X, b.Y, mintKey.D.Bytes())
		signatures = append(signatures, BlindedSignature{
			Amount:   out.Amount,
			KeysetID: out.KeysetID,
			C:        hex.EncodeToString(Point{X: cx, Y: cy}.Compressed()),
		})
	}

	proofs, err := Unblind(signatures, factors, keyset)
	require.NoError(t, err)
	require.Len(t, proofs, 2)
	require.Equal(t, uint64(10), proofs.Amount())
	for _, proof := range proofs {
		y, err := HashToCurve([]byte(proof.Secret))
		require.NoError(t, err)
		ex, ey := curve.ScalarMult(y.X, y.Y, mintKey.D.Bytes())
		require.Equal(t, hex.EncodeToString(Point{X: ex, Y: ey}.Compressed()), proof.C)
	}
}

func TestPartitionStates(t *testing.T) {
	proofs := Proofs{{Secret: "a"}, {Secret: "b"}, {Secret: "c"}, {Secret: "d"}, {Secret: "e"}}
	spent, pending, unspent := PartitionStates(proofs, []ProofState{
		{Secret: "a", State: ProofStateSpent},
		{Secret: "b", State: ProofStatePending},
		{Secret: "c", State: ProofStateUnspent},
		{Secret: "e", State: "BURNT"},
	})
	require.Equal(t, []string{"a"}, spent.Secrets())
	require.Equal(t, []string{"b", "d", "e"}, pending.Secrets())
	require.Equal(t, []string{"c"}, unspent.Secrets())
}

func TestMintQuoteExpired(t *testing.T) {
	q := MintQuote{State: MintQuoteUnpaid}
	require.False(t, q.Expired(q.CreatedAt))
	q.Expiry = q.CreatedAt.Add(1)
	require.True(t, q.Expired(q.CreatedAt.Add(2)))
	q.State = MintQuotePaid
	require.False(t, q.Expired(q.CreatedAt.Add(2)))
}

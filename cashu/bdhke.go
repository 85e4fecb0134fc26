package cashu

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

// hashToCurveDomain is the NUT-00 domain separator.
var hashToCurveDomain = []byte("Secp256k1_HashToCurve_Cashu_")

// ErrNoCurvePoint is returned when hash_to_curve exhausts its counter space.
var ErrNoCurvePoint = errors.New("cashu: no valid curve point found")

// Point is an affine secp256k1 point.
type Point struct {
	X *big.Int
	Y *big.Int
}

// Compressed returns the 33 byte SEC1 encoding.
func (p Point) Compressed() []byte {
	return crypto.CompressPubkey(&ecdsa.PublicKey{Curve: crypto.S256(), X: p.X, Y: p.Y})
}

// ParsePoint decodes a hex SEC1 compressed point.
func ParsePoint(encoded string) (Point, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return Point{}, fmt.Errorf("decode point: %w", err)
	}
	pub, err := crypto.DecompressPubkey(raw)
	if err != nil {
		return Point{}, fmt.Errorf("decompress point: %w", err)
	}
	return Point{X: pub.X, Y: pub.Y}, nil
}

// HashToCurve maps a message deterministically onto the curve (NUT-00).
func HashToCurve(message []byte) (Point, error) {
	prefixed := make([]byte, 0, len(hashToCurveDomain)+len(message))
	prefixed = append(prefixed, hashToCurveDomain...)
	prefixed = append(prefixed, message...)
	msgHash := sha256.Sum256(prefixed)

	buf := make([]byte, 36)
	copy(buf, msgHash[:])
	candidate := make([]byte, 33)
	candidate[0] = 0x02
	for counter := uint32(0); counter < 1<<16; counter++ {
		binary.LittleEndian.PutUint32(buf[32:], counter)
		digest := sha256.Sum256(buf)
		copy(candidate[1:], digest[:])
		pub, err := crypto.DecompressPubkey(candidate)
		if err == nil {
			return Point{X: pub.X, Y: pub.Y}, nil
		}
	}
	return Point{}, ErrNoCurvePoint
}

// BlindedMessage is an output sent to the issuer for signing.
type BlindedMessage struct {
	Amount   uint64 `json:"amount"`
	KeysetID string `json:"id"`
	B        string `json:"B_"`
}

// BlindedSignature is the issuer's signature over a BlindedMessage.
type BlindedSignature struct {
	Amount   uint64 `json:"amount"`
	KeysetID string `json:"id"`
	C        string `json:"C_"`
}

// BlindingFactor is the wallet-side secret material for one output.
type BlindingFactor struct {
	Secret   string
	R        *big.Int
	Amount   uint64
	KeysetID string
}

// NewOutputs blinds fresh random secrets for each amount.
func NewOutputs(keysetID string, amounts []uint64) ([]BlindedMessage, []BlindingFactor, error) {
	curve := crypto.S256()
	messages := make([]BlindedMessage, 0, len(amounts))
	factors := make([]BlindingFactor, 0, len(amounts))
	for _, amount := range amounts {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return nil, nil, fmt.Errorf("generate secret: %w", err)
		}
		secret := hex.EncodeToString(secretBytes)
		y, err := HashToCurve([]byte(secret))
		if err != nil {
			return nil, nil, err
		}
		r, err := crypto.GenerateKey()
		if err != nil {
			return nil, nil, fmt.Errorf("generate blinding factor: %w", err)
		}
		bx, by := curve.Add(y.X, y.Y, r.PublicKey.X, r.PublicKey.Y)
		messages = append(messages, BlindedMessage{
			Amount:   amount,
			KeysetID: keysetID,
			B:        hex.EncodeToString(Point{X: bx, Y: by}.Compressed()),
		})
		factors = append(factors, BlindingFactor{Secret: secret, R: r.D, Amount: amount, KeysetID: keysetID})
	}
	return messages, factors, nil
}

// Unblind turns issuer signatures into proofs. Signatures are matched to
// factors by position; surplus factors (unused blank outputs) are ignored.
func Unblind(signatures []BlindedSignature, factors []BlindingFactor, keyset Keyset) (Proofs, error) {
	if len(signatures) > len(factors) {
		return nil, fmt.Errorf("cashu: %d signatures for %d outputs", len(signatures), len(factors))
	}
	curve := crypto.S256()
	proofs := make(Proofs, 0, len(signatures))
	for i, sig := range signatures {
		keyHex, ok := keyset.Keys[sig.Amount]
		if !ok {
			return nil, fmt.Errorf("cashu: keyset %s has no key for amount %d", keyset.ID, sig.Amount)
		}
		key, err := ParsePoint(keyHex)
		if err != nil {
			return nil, fmt.Errorf("keyset %s amount %d: %w", keyset.ID, sig.Amount, err)
		}
		blinded, err := ParsePoint(sig.C)
		if err != nil {
			return nil, fmt.Errorf("signature %d: %w", i, err)
		}
		rkx, rky := curve.ScalarMult(key.X, key.Y, factors[i].R.Bytes())
		negY := new(big.Int).Sub(curve.Params().P, rky)
		cx, cy := curve.Add(blinded.X, blinded.Y, rkx, negY)
		keysetID := sig.KeysetID
		if keysetID == "" {
			keysetID = factors[i].KeysetID
		}
		proofs = append(proofs, Proof{
			Amount:   sig.Amount,
			KeysetID: keysetID,
			Secret:   factors[i].Secret,
			C:        hex.EncodeToString(Point{X: cx, Y: cy}.Compressed()),
		})
	}
	return proofs, nil
}

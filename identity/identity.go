// Package identity signs and encrypts wallet events for the owning key.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nutwallet/eventlog"
)

var (
	ErrInvalidKey       = errors.New("identity: invalid key")
	ErrInvalidSignature = errors.New("identity: invalid signature")
)

// Identity is the signing and encryption capability of the wallet owner.
type Identity interface {
	PublicKey() string
	Sign(ctx context.Context, ev *eventlog.Event) error
	Encrypt(ctx context.Context, recipientPub, plaintext string) (string, error)
	Decrypt(ctx context.Context, senderPub, ciphertext string) (string, error)
}

// LocalKey is an Identity backed by an in-process secp256k1 key.
type LocalKey struct {
	priv *btcec.PrivateKey
	pub  string
}

// NewLocalKey wraps a 32 byte secret key.
func NewLocalKey(secret []byte) (*LocalKey, error) {
	if len(secret) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: secret key must be %d bytes", ErrInvalidKey, btcec.PrivKeyBytesLen)
	}
	priv, _ := btcec.PrivKeyFromBytes(secret)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("%w: zero secret key", ErrInvalidKey)
	}
	return &LocalKey{priv: priv, pub: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))}, nil
}

// ParseLocalKey accepts a hex encoded secret key.
func ParseLocalKey(secretHex string) (*LocalKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(secretHex))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return NewLocalKey(raw)
}

// GenerateLocalKey creates a fresh random key.
func GenerateLocalKey() (*LocalKey, error) {
	secret := make([]byte, btcec.PrivKeyBytesLen)
	for {
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		if key, err := NewLocalKey(secret); err == nil {
			return key, nil
		}
	}
}

// PublicKey returns the x-only public key in hex.
func (k *LocalKey) PublicKey() string { return k.pub }

// SecretBytes returns a copy of the secret key.
func (k *LocalKey) SecretBytes() []byte { return k.priv.Serialize() }

// Sign sets the event's pubkey, id and BIP-340 signature.
func (k *LocalKey) Sign(_ context.Context, ev *eventlog.Event) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", eventlog.ErrInvalidEvent)
	}
	ev.PubKey = k.pub
	id, err := ev.ComputeID()
	if err != nil {
		return err
	}
	digest, err := hex.DecodeString(id)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(k.priv, digest)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	ev.ID = id
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Encrypt seals plaintext for recipientPub with NIP-44 v2.
func (k *LocalKey) Encrypt(_ context.Context, recipientPub, plaintext string) (string, error) {
	key, err := k.conversationKey(recipientPub)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return encrypt(key, []byte(plaintext), nonce)
}

// Decrypt opens a NIP-44 v2 payload sent by senderPub.
func (k *LocalKey) Decrypt(_ context.Context, senderPub, ciphertext string) (string, error) {
	key, err := k.conversationKey(senderPub)
	if err != nil {
		return "", err
	}
	plaintext, err := decrypt(key, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (k *LocalKey) conversationKey(peerHex string) ([]byte, error) {
	pub, err := parsePubKey(peerHex)
	if err != nil {
		return nil, err
	}
	return conversationKey(btcec.GenerateSharedSecret(k.priv, pub)), nil
}

func parsePubKey(pubHex string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrInvalidKey, err)
	}
	pub, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrInvalidKey, err)
	}
	return pub, nil
}

// Verify checks an event's id and signature.
func Verify(ev eventlog.Event) error {
	id, err := ev.ComputeID()
	if err != nil {
		return err
	}
	if id != ev.ID {
		return fmt.Errorf("%w: id mismatch", ErrInvalidSignature)
	}
	pub, err := parsePubKey(ev.PubKey)
	if err != nil {
		return err
	}
	rawSig, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	sig, err := schnorr.ParseSignature(rawSig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	digest, _ := hex.DecodeString(id)
	if !sig.Verify(digest, pub) {
		return ErrInvalidSignature
	}
	return nil
}

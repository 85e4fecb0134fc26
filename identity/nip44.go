package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// NIP-44 version 2 payload layout: version byte, 32 byte nonce, ciphertext,
// 32 byte HMAC.
const (
	nip44Version = 2
	nonceSize    = 32
	macSize      = 32
	minPlaintext = 1
	maxPlaintext = 65535
)

var ErrDecrypt = errors.New("identity: decryption failed")

var nip44Salt = []byte("nip44-v2")

func conversationKey(sharedX []byte) []byte {
	return hkdf.Extract(sha256.New, sharedX, nip44Salt)
}

func messageKeys(convKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	out := make([]byte, 76)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, convKey, nonce), out); err != nil {
		return nil, nil, nil, err
	}
	return out[:32], out[32:44], out[44:], nil
}

func paddedLen(n int) int {
	if n <= 32 {
		return 32
	}
	nextPower := 1 << bits.Len(uint(n-1))
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((n-1)/chunk + 1)
}

func pad(plaintext []byte) ([]byte, error) {
	n := len(plaintext)
	if n < minPlaintext || n > maxPlaintext {
		return nil, fmt.Errorf("identity: plaintext length %d out of range", n)
	}
	out := make([]byte, 2+paddedLen(n))
	binary.BigEndian.PutUint16(out, uint16(n))
	copy(out[2:], plaintext)
	return out, nil
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, ErrDecrypt
	}
	n := int(binary.BigEndian.Uint16(padded))
	if n < minPlaintext || 2+n > len(padded) || len(padded) != 2+paddedLen(n) {
		return nil, fmt.Errorf("%w: invalid padding", ErrDecrypt)
	}
	return padded[2 : 2+n], nil
}

func mac(hmacKey, nonce, ciphertext []byte) []byte {
	h := hmac.New(sha256.New, hmacKey)
	h.Write(nonce)
	h.Write(ciphertext)
	return h.Sum(nil)
}

func encrypt(convKey, plaintext, nonce []byte) (string, error) {
	if len(nonce) != nonceSize {
		return "", fmt.Errorf("identity: nonce must be %d bytes", nonceSize)
	}
	chachaKey, chachaNonce, hmacKey, err := messageKeys(convKey, nonce)
	if err != nil {
		return "", err
	}
	padded, err := pad(plaintext)
	if err != nil {
		return "", err
	}
	cipher, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	cipher.XORKeyStream(ciphertext, padded)

	payload := make([]byte, 0, 1+nonceSize+len(ciphertext)+macSize)
	payload = append(payload, nip44Version)
	payload = append(payload, nonce...)
	payload = append(payload, ciphertext...)
	payload = append(payload, mac(hmacKey, nonce, ciphertext)...)
	return base64.StdEncoding.EncodeToString(payload), nil
}

func decrypt(convKey []byte, payload string) ([]byte, error) {
	if payload == "" || payload[0] == '#' {
		return nil, fmt.Errorf("%w: unsupported encoding", ErrDecrypt)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(raw) < 1+nonceSize+2+32+macSize {
		return nil, fmt.Errorf("%w: payload too short", ErrDecrypt)
	}
	if raw[0] != nip44Version {
		return nil, fmt.Errorf("%w: unknown version %d", ErrDecrypt, raw[0])
	}
	nonce := raw[1 : 1+nonceSize]
	ciphertext := raw[1+nonceSize : len(raw)-macSize]
	tag := raw[len(raw)-macSize:]
	chachaKey, chachaNonce, hmacKey, err := messageKeys(convKey, nonce)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(tag, mac(hmacKey, nonce, ciphertext)) {
		return nil, fmt.Errorf("%w: bad mac", ErrDecrypt)
	}
	cipher, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return nil, err
	}
	padded := make([]byte, len(ciphertext))
	cipher.XORKeyStream(padded, ciphertext)
	return unpad(padded)
}

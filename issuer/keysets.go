package issuer

import (
	"encoding/json"
	"errors"
	"fmt"

	"nutwallet/cashu"
	"nutwallet/storage"
)

const keysetPrefix = "keysets/"

// KeysetStore caches issuer keysets, including their public keys, across
// restarts.
type KeysetStore struct {
	db storage.Database
}

// NewKeysetStore wraps a key-value database.
func NewKeysetStore(db storage.Database) *KeysetStore {
	return &KeysetStore{db: db}
}

func keysetKey(issuer cashu.IssuerURL) []byte {
	return []byte(keysetPrefix + issuer.String())
}

// Load returns the cached keysets of issuer, or nil when none are stored.
func (s *KeysetStore) Load(issuer cashu.IssuerURL) ([]cashu.Keyset, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	raw, err := s.db.Get(keysetKey(issuer))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load keysets for %s: %w", issuer, err)
	}
	var keysets []cashu.Keyset
	if err := json.Unmarshal(raw, &keysets); err != nil {
		return nil, fmt.Errorf("decode keysets for %s: %w", issuer, err)
	}
	return keysets, nil
}

// Save replaces the cached keysets of issuer.
func (s *KeysetStore) Save(issuer cashu.IssuerURL, keysets []cashu.Keyset) error {
	if s == nil || s.db == nil {
		return nil
	}
	raw, err := json.Marshal(keysets)
	if err != nil {
		return fmt.Errorf("encode keysets: %w", err)
	}
	return s.db.Put(keysetKey(issuer), raw)
}

// mergeKeys carries cached public keys over to a freshly listed keyset set.
func mergeKeys(listed, cached []cashu.Keyset) []cashu.Keyset {
	keys := make(map[string]map[uint64]string, len(cached))
	for _, ks := range cached {
		if len(ks.Keys) > 0 {
			keys[ks.ID] = ks.Keys
		}
	}
	out := make([]cashu.Keyset, 0, len(listed))
	for _, ks := range listed {
		if len(ks.Keys) == 0 {
			ks.Keys = keys[ks.ID]
		}
		out = append(out, ks)
	}
	return out
}

package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// KeystoreParams selects the scrypt cost of key files.
type KeystoreParams struct {
	ScryptN int
	ScryptP int
}

// StandardKeystore is the cost used for key files on disk.
var StandardKeystore = KeystoreParams{ScryptN: keystore.StandardScryptN, ScryptP: keystore.StandardScryptP}

// LightKeystore trades strength for speed; meant for tests.
var LightKeystore = KeystoreParams{ScryptN: keystore.LightScryptN, ScryptP: keystore.LightScryptP}

// SaveKeystore writes key to path as a passphrase sealed v3 keystore file. The
// parent directory is created with 0700 permissions.
func SaveKeystore(path string, key *LocalKey, passphrase string, params KeystoreParams) error {
	if key == nil {
		return errors.New("identity: nil key")
	}
	if path == "" {
		return errors.New("identity: empty keystore path")
	}
	priv, err := crypto.ToECDSA(key.SecretBytes())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	sealed, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(priv.PublicKey),
		PrivateKey: priv,
	}, passphrase, params.ScryptN, params.ScryptP)
	if err != nil {
		return fmt.Errorf("seal key: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadKeystore opens a key file written by SaveKeystore.
func LoadKeystore(path, passphrase string) (*LocalKey, error) {
	if path == "" {
		return nil, errors.New("identity: empty keystore path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(raw, passphrase)
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	return NewLocalKey(crypto.FromECDSA(decrypted.PrivateKey))
}

// LoadOrCreateKeystore opens path, generating and sealing a new key when the
// file does not exist yet.
func LoadOrCreateKeystore(path, passphrase string, params KeystoreParams) (*LocalKey, bool, error) {
	key, err := LoadKeystore(path, passphrase)
	if err == nil {
		return key, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	key, err = GenerateLocalKey()
	if err != nil {
		return nil, false, err
	}
	if err := SaveKeystore(path, key, passphrase, params); err != nil {
		return nil, false, err
	}
	return key, true, nil
}

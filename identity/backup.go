package identity

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// maxBackupSize caps how much of a backup is read back.
const maxBackupSize = 4 << 10

// BackupOptions selects how an exported key is sealed. A passphrase and
// recipients are mutually exclusive.
type BackupOptions struct {
	Passphrase string
	// Recipients are age X25519 public keys (age1...).
	Recipients []string
	// WorkFactor is the scrypt log2 cost. Zero uses the age default.
	WorkFactor int
}

// ExportBackup writes key as an ASCII armored age file.
func ExportBackup(w io.Writer, key *LocalKey, opts BackupOptions) error {
	if key == nil {
		return errors.New("identity: nil key")
	}
	recipients, err := backupRecipients(opts)
	if err != nil {
		return err
	}
	armored := armor.NewWriter(w)
	sealed, err := age.Encrypt(armored, recipients...)
	if err != nil {
		return fmt.Errorf("seal backup: %w", err)
	}
	if _, err := io.WriteString(sealed, hex.EncodeToString(key.SecretBytes())+"\n"); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	if err := sealed.Close(); err != nil {
		return fmt.Errorf("finalize backup: %w", err)
	}
	return armored.Close()
}

func backupRecipients(opts BackupOptions) ([]age.Recipient, error) {
	if opts.Passphrase != "" && len(opts.Recipients) > 0 {
		return nil, errors.New("identity: backup takes a passphrase or recipients, not both")
	}
	if opts.Passphrase != "" {
		r, err := age.NewScryptRecipient(opts.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("backup passphrase: %w", err)
		}
		if opts.WorkFactor > 0 {
			r.SetWorkFactor(opts.WorkFactor)
		}
		return []age.Recipient{r}, nil
	}
	if len(opts.Recipients) == 0 {
		return nil, errors.New("identity: backup needs a passphrase or recipients")
	}
	out := make([]age.Recipient, 0, len(opts.Recipients))
	for _, raw := range opts.Recipients {
		r, err := age.ParseX25519Recipient(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", raw, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ImportBackup opens a backup written by ExportBackup with either the
// passphrase or one of the age secret keys (AGE-SECRET-KEY-1...).
func ImportBackup(r io.Reader, passphrase string, secretKeys ...string) (*LocalKey, error) {
	var identities []age.Identity
	if passphrase != "" {
		id, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, fmt.Errorf("backup passphrase: %w", err)
		}
		identities = append(identities, id)
	}
	for _, raw := range secretKeys {
		id, err := age.ParseX25519Identity(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}
		identities = append(identities, id)
	}
	if len(identities) == 0 {
		return nil, errors.New("identity: backup needs a passphrase or secret key")
	}
	plain, err := age.Decrypt(armor.NewReader(r), identities...)
	if err != nil {
		return nil, fmt.Errorf("open backup: %w", err)
	}
	raw, err := io.ReadAll(io.LimitReader(plain, maxBackupSize))
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	defer clear(raw)
	return ParseLocalKey(string(bytes.TrimSpace(raw)))
}

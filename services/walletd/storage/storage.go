package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"nutwallet/publisher"
	"nutwallet/quotes"
	"nutwallet/transfer"
)

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("walletd storage path must be configured")
	// ErrCorrupt is returned when a stored payload no longer matches its
	// checksum.
	ErrCorrupt = errors.New("walletd storage: payload checksum mismatch")
)

// QuoteRow persists a tracked quote.
type QuoteRow struct {
	ID         string `gorm:"primaryKey;size:128"`
	Kind       string `gorm:"size:8;index"`
	Issuer     string `gorm:"size:255;index"`
	TransferID string `gorm:"size:64;index"`
	Payload    string `gorm:"type:text"`
	Checksum   string `gorm:"size:64"`
	UpdatedAt  time.Time
}

// TransferRow persists a transfer awaiting settlement.
type TransferRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	Source    string `gorm:"size:255;index"`
	Target    string `gorm:"size:255;index"`
	Step      string `gorm:"size:32"`
	Payload   string `gorm:"type:text"`
	Checksum  string `gorm:"size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// QueueRow persists an entry of the publish retry queue.
type QueueRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	Issuer      string `gorm:"size:255;index"`
	Kind        int    `gorm:"index"`
	Abandoned   bool   `gorm:"index"`
	NextAttempt time.Time
	Payload     string `gorm:"type:text"`
	Checksum    string `gorm:"size:64"`
	CreatedAt   time.Time
}

// Storage keeps quotes, transfers and queued publications in a SQL database.
type Storage struct {
	db *gorm.DB
}

// Open connects to driver ("sqlite" or "postgres") and migrates the schema.
// Plain sqlite paths are converted with FileDSN.
func Open(driver, dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		if !strings.HasPrefix(trimmed, "file:") {
			var err error
			if trimmed, err = FileDSN(trimmed); err != nil {
				return nil, err
			}
		}
		dialector = sqlite.Open(trimmed)
	case "postgres":
		dialector = postgres.Open(trimmed)
	default:
		return nil, fmt.Errorf("walletd storage: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db)
}

// New wraps an open connection and migrates the schema.
func New(db *gorm.DB) (*Storage, error) {
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// AutoMigrate performs all schema migrations for the store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&QuoteRow{},
		&TransferRow{},
		&QueueRow{},
	)
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveQuote upserts a quote record.
func (s *Storage) SaveQuote(ctx context.Context, rec quotes.Record) error {
	id := rec.ID()
	if id == "" {
		return fmt.Errorf("save quote: missing id")
	}
	payload, sum, err := seal(rec)
	if err != nil {
		return fmt.Errorf("save quote %s: %w", id, err)
	}
	row := QuoteRow{
		ID:         id,
		Kind:       string(rec.Kind),
		Issuer:     rec.Issuer().String(),
		TransferID: rec.TransferID,
		Payload:    payload,
		Checksum:   sum,
		UpdatedAt:  rec.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save quote %s: %w", id, err)
	}
	return nil
}

// DeleteQuote removes a quote record. Missing records are ignored.
func (s *Storage) DeleteQuote(ctx context.Context, quoteID string) error {
	if err := s.db.WithContext(ctx).Delete(&QuoteRow{}, "id = ?", quoteID).Error; err != nil {
		return fmt.Errorf("delete quote %s: %w", quoteID, err)
	}
	return nil
}

// LoadQuotes returns every stored quote record, oldest update first.
func (s *Storage) LoadQuotes(ctx context.Context) ([]quotes.Record, error) {
	var rows []QuoteRow
	if err := s.db.WithContext(ctx).Order("updated_at asc, id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load quotes: %w", err)
	}
	out := make([]quotes.Record, 0, len(rows))
	for _, row := range rows {
		var rec quotes.Record
		if err := open(row.Payload, row.Checksum, &rec); err != nil {
			return nil, fmt.Errorf("load quote %s: %w", row.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// SaveTransfer upserts a transfer record.
func (s *Storage) SaveTransfer(ctx context.Context, rec transfer.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("save transfer: missing id")
	}
	payload, sum, err := seal(rec)
	if err != nil {
		return fmt.Errorf("save transfer %s: %w", rec.ID, err)
	}
	row := TransferRow{
		ID:        rec.ID,
		Source:    rec.Source.String(),
		Target:    rec.Target.String(),
		Step:      string(rec.Step),
		Payload:   payload,
		Checksum:  sum,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save transfer %s: %w", rec.ID, err)
	}
	return nil
}

// DeleteTransfer removes a transfer record. Missing records are ignored.
func (s *Storage) DeleteTransfer(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&TransferRow{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete transfer %s: %w", id, err)
	}
	return nil
}

// LoadTransfers returns every stored transfer, oldest first.
func (s *Storage) LoadTransfers(ctx context.Context) ([]transfer.Record, error) {
	var rows []TransferRow
	if err := s.db.WithContext(ctx).Order("created_at asc, id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load transfers: %w", err)
	}
	out := make([]transfer.Record, 0, len(rows))
	for _, row := range rows {
		var rec transfer.Record
		if err := open(row.Payload, row.Checksum, &rec); err != nil {
			return nil, fmt.Errorf("load transfer %s: %w", row.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// SaveEntry upserts a retry queue entry.
func (s *Storage) SaveEntry(ctx context.Context, entry publisher.Entry) error {
	if entry.ID == "" {
		return fmt.Errorf("save queue entry: missing id")
	}
	payload, sum, err := seal(entry)
	if err != nil {
		return fmt.Errorf("save queue entry %s: %w", entry.ID, err)
	}
	row := QueueRow{
		ID:          entry.ID,
		Issuer:      entry.Issuer.String(),
		Kind:        entry.Kind,
		Abandoned:   entry.Abandoned,
		NextAttempt: entry.NextAttempt,
		Payload:     payload,
		Checksum:    sum,
		CreatedAt:   entry.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save queue entry %s: %w", entry.ID, err)
	}
	return nil
}

// DeleteEntry removes a retry queue entry. Missing entries are ignored.
func (s *Storage) DeleteEntry(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&QueueRow{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete queue entry %s: %w", id, err)
	}
	return nil
}

// LoadEntries returns the retry queue in creation order.
func (s *Storage) LoadEntries(ctx context.Context) ([]publisher.Entry, error) {
	var rows []QueueRow
	if err := s.db.WithContext(ctx).Order("created_at asc, id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	out := make([]publisher.Entry, 0, len(rows))
	for _, row := range rows {
		var entry publisher.Entry
		if err := open(row.Payload, row.Checksum, &entry); err != nil {
			return nil, fmt.Errorf("load queue entry %s: %w", row.ID, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func seal(v any) (string, string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", "", fmt.Errorf("encode payload: %w", err)
	}
	return string(data), checksum(data), nil
}

func open(payload, sum string, v any) error {
	if checksum([]byte(payload)) != sum {
		return ErrCorrupt
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"nutwallet/cashu"
	"nutwallet/eventlog"
	"nutwallet/publisher"
	"nutwallet/quotes"
	"nutwallet/transfer"
)

func openTestDB(t *testing.T) *Storage {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	store, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var ts = time.Unix(1700000000, 0).UTC()

func TestQuotesUpsertAndDelete(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	rec := quotes.Record{
		Kind: quotes.KindMint,
		Mint: &cashu.MintQuote{
			ID:      "q1",
			Issuer:  "https://mint.example.com",
			Request: "lnbc1",
			Amount:  100,
			Unit:    "sat",
			State:   cashu.MintQuoteUnpaid,
		},
		TransferID: "t1",
		UpdatedAt:  ts,
	}
	require.NoError(t, store.SaveQuote(ctx, rec))
	rec.Mint.State = cashu.MintQuotePaid
	require.NoError(t, store.SaveQuote(ctx, rec))

	loaded, err := store.LoadQuotes(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "q1", loaded[0].ID())
	require.Equal(t, cashu.MintQuotePaid, loaded[0].Mint.State)
	require.Equal(t, "t1", loaded[0].TransferID)
	require.Nil(t, loaded[0].Melt)

	require.NoError(t, store.DeleteQuote(ctx, "q1"))
	require.NoError(t, store.DeleteQuote(ctx, "q1"))
	loaded, err = store.LoadQuotes(ctx)
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestSaveQuoteRequiresID(t *testing.T) {
	store := openTestDB(t)
	require.Error(t, store.SaveQuote(context.Background(), quotes.Record{Kind: quotes.KindMelt}))
}

func TestTransfersRoundTripInOrder(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	for i, id := range []string{"b", "a"} {
		require.NoError(t, store.SaveTransfer(ctx, transfer.Record{
			ID:          id,
			Source:      "https://a.example.com",
			Target:      "https://b.example.com",
			Amount:      50,
			MeltQuoteID: "melt-" + id,
			MeltPaid:    true,
			Step:        transfer.StepWaitingForSettlement,
			CreatedAt:   ts.Add(time.Duration(i) * time.Minute),
			UpdatedAt:   ts,
		}))
	}
	loaded, err := store.LoadTransfers(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, "b", loaded[0].ID)
	require.Equal(t, "a", loaded[1].ID)
	require.True(t, loaded[0].MeltPaid)
	require.Equal(t, transfer.StepWaitingForSettlement, loaded[0].Step)

	require.NoError(t, store.DeleteTransfer(ctx, "b"))
	loaded, err = store.LoadTransfers(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "melt-a", loaded[0].MeltQuoteID)
}

func TestQueueEntriesPersistAbandonedFlag(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	entry := publisher.Entry{
		ID:        "e1",
		Issuer:    "https://mint.example.com",
		Kind:      eventlog.KindToken,
		Event:     eventlog.Event{ID: "ev1", Kind: eventlog.KindToken, Content: "sealed"},
		Secrets:   []string{"s1", "s2"},
		Digest:    "d",
		Attempts:  3,
		CreatedAt: ts,
	}
	require.NoError(t, store.SaveEntry(ctx, entry))
	entry.Abandoned = true
	entry.LastError = "relay down"
	require.NoError(t, store.SaveEntry(ctx, entry))

	loaded, err := store.LoadEntries(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.True(t, loaded[0].Abandoned)
	require.Equal(t, "relay down", loaded[0].LastError)
	require.Equal(t, []string{"s1", "s2"}, loaded[0].Secrets)
	require.Equal(t, "ev1", loaded[0].Event.ID)

	var row QueueRow
	require.NoError(t, store.db.First(&row, "id = ?", "e1").Error)
	require.True(t, row.Abandoned)

	require.NoError(t, store.DeleteEntry(ctx, "e1"))
	loaded, err = store.LoadEntries(ctx)
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestLoadRejectsTamperedPayload(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, store.SaveTransfer(ctx, transfer.Record{ID: "t1", Amount: 10, CreatedAt: ts}))
	require.NoError(t, store.db.Model(&TransferRow{}).Where("id = ?", "t1").
		Update("payload", `{"ID":"t1","Amount":1000}`).Error)

	_, err := store.LoadTransfers(ctx)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestOpenSQLiteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walletd.sqlite")
	store, err := Open("sqlite", path)
	require.NoError(t, err)
	require.NoError(t, store.SaveQuote(context.Background(), quotes.Record{
		Kind: quotes.KindMelt,
		Melt: &cashu.MeltQuote{ID: "m1", Issuer: "https://mint.example.com"},
	}))
	require.NoError(t, store.Close())

	store, err = Open("sqlite", path)
	require.NoError(t, err)
	defer store.Close()
	loaded, err := store.LoadQuotes(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "m1", loaded[0].ID())
}

func TestOpenRejectsBadInput(t *testing.T) {
	_, err := Open("sqlite", " ")
	require.ErrorIs(t, err, ErrPathRequired)
	_, err = Open("mysql", "wallet.db")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "unsupported driver"))
}

func TestFileDSN(t *testing.T) {
	dsn, err := FileDSN("data/wallet.sqlite")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(dsn, "file:/"))
	require.Contains(t, dsn, "wallet.sqlite?mode=rwc")
	_, err = FileDSN("")
	require.ErrorIs(t, err, ErrPathRequired)
}

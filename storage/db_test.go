package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()
	_, err := db.Get([]byte("missing"))
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, db.Put([]byte("keysets/b"), []byte("2")))
	require.NoError(t, db.Put([]byte("keysets/a"), []byte("1")))
	require.NoError(t, db.Put([]byte("other"), []byte("x")))

	value, err := db.Get([]byte("keysets/a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), value)

	keys, err := db.Keys([]byte("keysets/"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("keysets/a"), []byte("keysets/b")}, keys)

	require.NoError(t, db.Delete([]byte("keysets/a")))
	require.NoError(t, db.Delete([]byte("keysets/a")))
	_, err = db.Get([]byte("keysets/a"))
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	defer db.Close()
	exerciseDatabase(t, db)
}

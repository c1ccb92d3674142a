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

	require.NoError(t, db.Put([]byte("a:1"), []byte("one")))
	require.NoError(t, db.Put([]byte("a:2"), []byte("two")))
	require.NoError(t, db.Put([]byte("b:1"), []byte("other")))

	got, err := db.Get([]byte("a:1"))
	require.NoError(t, err)
	require.Equal(t, []byte("one"), got)

	ok, err := db.Has([]byte("a:2"))
	require.NoError(t, err)
	require.True(t, ok)

	var keys []string
	require.NoError(t, db.Iterate([]byte("a:"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	require.Equal(t, []string{"a:1", "a:2"}, keys)

	batch := db.NewBatch()
	batch.Put([]byte("a:3"), []byte("three"))
	batch.Delete([]byte("a:1"))
	require.Equal(t, 2, batch.Len())

	// Nothing is visible until the batch is written.
	ok, err = db.Has([]byte("a:3"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, batch.Write())
	ok, err = db.Has([]byte("a:1"))
	require.NoError(t, err)
	require.False(t, ok)
	got, err = db.Get([]byte("a:3"))
	require.NoError(t, err)
	require.Equal(t, []byte("three"), got)

	require.NoError(t, db.Delete([]byte("a:3")))
	ok, err = db.Has([]byte("a:3"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestLevelDBPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db1, err := NewLevelDB(dir)
	require.NoError(t, err)
	batch := db1.NewBatch()
	batch.Put([]byte("key"), []byte("value"))
	require.NoError(t, batch.Write())
	require.NoError(t, db1.Close())

	db2, err := NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()

	got, err := db2.Get([]byte("key"))
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got)
}

func TestBoltDB(t *testing.T) {
	db, err := NewBoltDB(filepath.Join(t.TempDir(), "ledger.bolt"))
	require.NoError(t, err)
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestOpenSelectsBackend(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(BackendBolt, dir)
	require.NoError(t, err)
	_, ok := db.(*BoltDB)
	require.True(t, ok)
	require.NoError(t, db.Close())

	_, err = Open("rocksdb", dir)
	require.Error(t, err)
}

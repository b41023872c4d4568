package kv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "pristine"), 1<<20, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGetRoundTrip(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *Tx) error {
		b, err := tx.Bucket("contents")
		require.NoError(t, err)
		return b.Put([]byte("k1"), []byte("v1"))
	})
	require.NoError(t, err)

	err = db.View(func(tx *Tx) error {
		b, err := tx.Bucket("contents")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), b.Get([]byte("k1")))
		return nil
	})
	require.NoError(t, err)
}

func TestNestedBucketPath(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *Tx) error {
		b, err := tx.Bucket("branches", "master", "nodes")
		require.NoError(t, err)
		return b.Put([]byte("a"), []byte("edge"))
	})
	require.NoError(t, err)

	err = db.View(func(tx *Tx) error {
		b, err := tx.Bucket("branches", "master", "nodes")
		require.NoError(t, err)
		require.NotNil(t, b)
		assert.Equal(t, []byte("edge"), b.Get([]byte("a")))

		missing, err := tx.Bucket("branches", "nope", "nodes")
		require.NoError(t, err)
		assert.Nil(t, missing)
		return nil
	})
	require.NoError(t, err)
}

func TestPutIfAbsent(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *Tx) error {
		b, err := tx.Bucket("patches")
		require.NoError(t, err)

		inserted, err := b.PutIfAbsent([]byte("p1"), []byte("t1"))
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = b.PutIfAbsent([]byte("p1"), []byte("t2"))
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, []byte("t1"), b.Get([]byte("p1")))
		return nil
	})
	require.NoError(t, err)
}

func TestRangeTakeWhile(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *Tx) error {
		b, err := tx.Bucket("nodes")
		require.NoError(t, err)
		require.NoError(t, b.Put([]byte("key1-a"), []byte("1")))
		require.NoError(t, b.Put([]byte("key1-b"), []byte("2")))
		require.NoError(t, b.Put([]byte("key2-a"), []byte("3")))
		return nil
	})
	require.NoError(t, err)

	var seen []string
	err = db.View(func(tx *Tx) error {
		b, err := tx.Bucket("nodes")
		require.NoError(t, err)
		return b.Range([]byte("key1-"), func(k, v []byte) (bool, error) {
			if len(k) < 5 || string(k[:5]) != "key1-" {
				return false, nil
			}
			seen = append(seen, string(k))
			return true, nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"key1-a", "key1-b"}, seen)
}

func TestNestedBucketNamesEnumeratesBranches(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *Tx) error {
		top, err := tx.Bucket("branches")
		require.NoError(t, err)
		_ = top
		if _, err := tx.Bucket("branches", "master"); err != nil {
			return err
		}
		if _, err := tx.Bucket("branches", "dev"); err != nil {
			return err
		}
		return nil
	})
	require.NoError(t, err)

	err = db.View(func(tx *Tx) error {
		b, err := tx.Bucket("branches")
		require.NoError(t, err)
		names := b.NestedBucketNames()
		assert.ElementsMatch(t, []string{"master", "dev"}, names)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteBucket(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *Tx) error {
		_, err := tx.Bucket("branches", "feature")
		return err
	})
	require.NoError(t, err)

	err = db.Update(func(tx *Tx) error {
		return tx.DeleteBucket("branches", "feature")
	})
	require.NoError(t, err)

	err = db.View(func(tx *Tx) error {
		b, err := tx.Bucket("branches")
		require.NoError(t, err)
		assert.NotContains(t, b.NestedBucketNames(), "feature")
		return nil
	})
	require.NoError(t, err)
}

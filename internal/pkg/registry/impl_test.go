package registry_test

import (
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/speedduel/internal/pkg/common"
	"github.com/vreid/speedduel/internal/pkg/registry"
	bolt "go.etcd.io/bbolt"
)

func newTestDB(t *testing.T) *bolt.DB {
	t.Helper()

	database, err := common.Open(path.Join(t.TempDir(), "registry_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = database.Shutdown()
	})

	return database.DB
}

func seed(t *testing.T, db *bolt.DB, ids ...uint64) {
	t.Helper()

	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		for _, id := range ids {
			err := registry.Insert(tx, id)
			if err != nil {
				return err
			}
		}

		return nil
	}))
}

func list(t *testing.T, db *bolt.DB, limit, offset int, stillOpen func(uint64) bool) []uint64 {
	t.Helper()

	var result []uint64

	require.NoError(t, db.View(func(tx *bolt.Tx) error {
		var err error
		result, err = registry.List(tx, limit, offset, stillOpen)

		return err
	}))

	return result
}

func TestListIsInCreationOrder(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	seed(t, db, 3, 1, 2, 300, 256)

	assert.Equal(t, []uint64{1, 2, 3, 256, 300}, list(t, db, 10, 0, nil))
}

func TestListPagination(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	seed(t, db, 1, 2, 3, 4, 5)

	assert.Equal(t, []uint64{1, 2}, list(t, db, 2, 0, nil))
	assert.Equal(t, []uint64{3, 4}, list(t, db, 2, 2, nil))
	assert.Equal(t, []uint64{5}, list(t, db, 2, 4, nil))
	assert.Empty(t, list(t, db, 2, 5, nil))
}

func TestListFilterDoesNotConsumePagination(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	seed(t, db, 1, 2, 3, 4, 5, 6)

	odd := func(id uint64) bool { return id%2 == 1 }

	assert.Equal(t, []uint64{1, 3}, list(t, db, 2, 0, odd))
	assert.Equal(t, []uint64{5}, list(t, db, 2, 2, odd), "filtered ids must not count toward offset")
}

func TestRemove(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	seed(t, db, 1, 2, 3)

	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		err := registry.Remove(tx, 2)
		if err != nil {
			return err
		}

		// removing an absent id is fine
		return registry.Remove(tx, 42)
	}))

	assert.Equal(t, []uint64{1, 3}, list(t, db, 10, 0, nil))
}

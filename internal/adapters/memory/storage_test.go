package memory

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/weave/internal/ports"
)

func TestStorageBasicOperations(t *testing.T) {
	s := NewStorage(nil)

	require.NoError(t, s.Put("a:2", []byte("two")))
	require.NoError(t, s.Put("a:1", []byte("one")))
	require.NoError(t, s.Put("b:1", []byte("other")))

	value, ok, err := s.Get("a:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("one"), value)

	list, err := s.ListByPrefix("a:")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a:1", list[0].Key)
	assert.Equal(t, "a:2", list[1].Key)

	require.NoError(t, s.Delete("a:1"))
	_, ok, err = s.Get("a:1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorageReturnsCopies(t *testing.T) {
	s := NewStorage(nil)
	value := []byte("abc")
	require.NoError(t, s.Put("k", value))
	value[0] = 'z'

	got, _, _ := s.Get("k")
	assert.Equal(t, []byte("abc"), got)
}

func TestTransactionCommitAndRollback(t *testing.T) {
	s := NewStorage(nil)
	require.NoError(t, s.Put("keep", []byte("1")))

	err := s.RunInTransaction(func(tx ports.Transaction) error {
		require.NoError(t, tx.Put("new", []byte("2")))
		require.NoError(t, tx.Delete("keep"))

		_, ok, _ := tx.Get("keep")
		assert.False(t, ok, "transaction sees its own delete")
		v, ok, _ := tx.Get("new")
		assert.True(t, ok)
		assert.Equal(t, []byte("2"), v)
		return errors.New("abort")
	})
	require.Error(t, err)

	_, ok, _ := s.Get("keep")
	assert.True(t, ok, "rollback keeps original data")
	_, ok, _ = s.Get("new")
	assert.False(t, ok)

	require.NoError(t, s.RunInTransaction(func(tx ports.Transaction) error {
		return tx.Put("new", []byte("3"))
	}))
	v, ok, _ := s.Get("new")
	assert.True(t, ok)
	assert.Equal(t, []byte("3"), v)
}

func TestTransactionListSeesOverlay(t *testing.T) {
	s := NewStorage(nil)
	require.NoError(t, s.Put("p:1", []byte("a")))
	require.NoError(t, s.Put("p:3", []byte("c")))

	require.NoError(t, s.RunInTransaction(func(tx ports.Transaction) error {
		_ = tx.Put("p:2", []byte("b"))
		_ = tx.Delete("p:3")
		list, err := tx.ListByPrefix("p:")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "p:1", list[0].Key)
		assert.Equal(t, "p:2", list[1].Key)
		return nil
	}))
}

func TestConcurrentTransactionsSerialize(t *testing.T) {
	s := NewStorage(nil)
	require.NoError(t, s.Put("counter", []byte("0")))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.RunInTransaction(func(tx ports.Transaction) error {
				v, _, _ := tx.Get("counter")
				var n int
				fmt.Sscanf(string(v), "%d", &n)
				return tx.Put("counter", []byte(fmt.Sprintf("%d", n+1)))
			})
		}()
	}
	wg.Wait()

	v, _, _ := s.Get("counter")
	assert.Equal(t, "50", string(v))
}

func TestClosedStorageRejectsCalls(t *testing.T) {
	s := NewStorage(nil)
	require.NoError(t, s.Close())

	assert.Error(t, s.Put("k", []byte("v")))
	_, _, err := s.Get("k")
	assert.Error(t, err)
}

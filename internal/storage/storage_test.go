package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeContract exercises the revision semantics every Store implementation must share.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	it, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, it.Exists())
	assert.Empty(t, it.Value)

	rev, err := s.Put(ctx, "k", []byte(`[1]`), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)

	_, err = s.Put(ctx, "k", []byte(`[2]`), 0)
	assert.ErrorIs(t, err, ErrRevisionMismatch, "create over an existing key")

	rev, err = s.Put(ctx, "k", []byte(`[1,2]`), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rev)

	_, err = s.Put(ctx, "k", []byte(`[3]`), 1)
	assert.ErrorIs(t, err, ErrRevisionMismatch, "stale revision")

	it, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(it.Value))
	assert.Equal(t, int64(2), it.Revision)

	require.NoError(t, s.Ping(ctx))
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQL(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "state", "tsoam.db"))
	require.NoError(t, err)
	defer s.Close()
	storeContract(t, s)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TSOAM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TSOAM_TEST_POSTGRES_DSN not set")
	}
	for _, driver := range []string{DriverPostgres, DriverPgx} {
		t.Run(driver, func(t *testing.T) {
			s, err := OpenSQL(context.Background(), driver, dsn)
			require.NoError(t, err)
			defer s.Close()
			_, _ = s.db.Exec(`DELETE FROM state`)
			storeContract(t, s)
		})
	}
}

func TestSealedStore(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	inner := NewMemory()
	s, err := NewSealed(inner, key)
	require.NoError(t, err)
	storeContract(t, s)

	raw, err := inner.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.NotContains(t, string(raw.Value), "[1,2]", "payload must not be stored in the clear")

	t.Run("tampered value fails to open", func(t *testing.T) {
		tampered := append([]byte(nil), raw.Value...)
		tampered[len(tampered)-1] ^= 0xff
		inner.Raw("k", tampered)
		_, err := s.Get(context.Background(), "k")
		assert.ErrorIs(t, err, ErrSealBroken)
	})

	t.Run("payload is bound to its key", func(t *testing.T) {
		_, err := s.Put(context.Background(), "a", []byte("secret"), 0)
		require.NoError(t, err)
		a, _ := inner.Get(context.Background(), "a")
		inner.Raw("b", a.Value)
		_, err = s.Get(context.Background(), "b")
		assert.ErrorIs(t, err, ErrSealBroken)
	})

	t.Run("wrong key length", func(t *testing.T) {
		_, err := NewSealed(inner, []byte("short"))
		assert.Error(t, err)
	})
}

type countingDiag struct {
	mu                       sync.Mutex
	reads, writes, conflicts int
}

func (d *countingDiag) ReadFailed(string, error)  { d.mu.Lock(); d.reads++; d.mu.Unlock() }
func (d *countingDiag) WriteFailed(string, error) { d.mu.Lock(); d.writes++; d.mu.Unlock() }
func (d *countingDiag) Conflict(string)           { d.mu.Lock(); d.conflicts++; d.mu.Unlock() }

// racyStore injects one concurrent write before the first Put.
type racyStore struct {
	*Memory
	once sync.Once
}

func (r *racyStore) Put(ctx context.Context, key string, value []byte, rev int64) (int64, error) {
	r.once.Do(func() {
		it, _ := r.Memory.Get(ctx, key)
		_, _ = r.Memory.Put(ctx, key, []byte("other"), it.Revision)
	})
	return r.Memory.Put(ctx, key, value, rev)
}

func TestMutate(t *testing.T) {
	ctx := context.Background()

	t.Run("retries after a concurrent write", func(t *testing.T) {
		s := &racyStore{Memory: NewMemory()}
		diag := &countingDiag{}
		var seen []string
		err := Mutate(ctx, s, "k", diag, func(cur []byte) ([]byte, error) {
			seen = append(seen, string(cur))
			return append(cur, '!'), nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"", "other"}, seen)
		assert.Equal(t, 1, diag.conflicts)
		it, _ := s.Get(ctx, "k")
		assert.Equal(t, "other!", string(it.Value))
	})

	t.Run("write failure is unavailable", func(t *testing.T) {
		s := NewMemory().FailWrites(errors.New("disk full"))
		diag := &countingDiag{}
		err := Mutate(ctx, s, "k", diag, func([]byte) ([]byte, error) { return []byte("x"), nil })
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Equal(t, 1, diag.writes)
	})

	t.Run("read failure is unavailable", func(t *testing.T) {
		s := NewMemory().FailReads(errors.New("io"))
		err := Mutate(ctx, s, "k", nil, func([]byte) ([]byte, error) { return []byte("x"), nil })
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("callback error passes through", func(t *testing.T) {
		boom := errors.New("boom")
		err := Mutate(ctx, NewMemory(), "k", nil, func([]byte) ([]byte, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)
	})
}

func TestOpen(t *testing.T) {
	s, err := Open(context.Background(), Options{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	_, err = Open(context.Background(), Options{Driver: "cassandra"})
	assert.Error(t, err)
}

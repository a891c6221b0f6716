package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SetNXAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	m := NewMemoryStore()
	m.now = func() time.Time { return now }

	ok, err := m.SetNX(ctx, "k", []byte("first"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, "k", []byte("second"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), val)

	now = now.Add(time.Minute)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	ok, err = m.SetNX(ctx, "k", []byte("third"), 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_SetOverwritesAndDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	require.NoError(t, m.Set(ctx, "k", []byte("a"), time.Hour))
	require.NoError(t, m.Set(ctx, "k", []byte("b"), time.Hour))
	val, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), val)

	require.NoError(t, m.Delete(ctx, "k"))
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.Set(ctx, "k", []byte("abc"), 0))

	val, _ := m.Get(ctx, "k")
	val[0] = 'z'

	again, _ := m.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), again)
}

func TestRedisStore_Get(t *testing.T) {
	t.Run("Hit", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		s := NewRedisStore(db, "idem:")
		mock.ExpectGet("idem:k").SetVal("cached")

		val, err := s.Get(context.Background(), "k")

		require.NoError(t, err)
		assert.Equal(t, []byte("cached"), val)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Miss", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		s := NewRedisStore(db, "idem:")
		mock.ExpectGet("idem:k").RedisNil()

		_, err := s.Get(context.Background(), "k")

		assert.ErrorIs(t, err, ErrMiss)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Error", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		s := NewRedisStore(db, "idem:")
		mock.ExpectGet("idem:k").SetErr(errors.New("connection refused"))

		_, err := s.Get(context.Background(), "k")

		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrMiss)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRedisStore_SetNX(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewRedisStore(db, "idem:")
	value := []byte("pending")
	mock.ExpectSetNX("idem:k", value, time.Minute).SetVal(true)
	mock.ExpectSetNX("idem:k", value, time.Minute).SetVal(false)

	ok, err := s.SetNX(context.Background(), "k", value, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(context.Background(), "k", value, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_SetAndDelete(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewRedisStore(db, "idem:")
	value := []byte(`{"status":201}`)
	mock.ExpectSet("idem:k", value, time.Hour).SetVal("OK")
	mock.ExpectDel("idem:k").SetVal(1)
	mock.ExpectSet("idem:x", value, time.Hour).SetErr(redis.ErrClosed)

	require.NoError(t, s.Set(context.Background(), "k", value, time.Hour))
	require.NoError(t, s.Delete(context.Background(), "k"))
	assert.Error(t, s.Set(context.Background(), "x", value, time.Hour))
	assert.NoError(t, mock.ExpectationsWereMet())
}

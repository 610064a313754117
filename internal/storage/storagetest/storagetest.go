package storagetest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/mixcore/internal/storage"
)

// Run checks the behaviour every Storage implementation must share
// newStorage must return empty storage on every call
func Run(t *testing.T, newStorage func(t *testing.T) storage.Storage) {
	t.Run("get absent key", func(t *testing.T) {
		s := newStorage(t)

		_, err := s.Get(t.Context(), "accessToken")

		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("set and get", func(t *testing.T) {
		s := newStorage(t)

		err := s.SetMany(t.Context(), map[string]string{
			"accessToken":  "a",
			"refreshToken": "r",
		})
		require.NoError(t, err)

		v, err := s.Get(t.Context(), "accessToken")
		require.NoError(t, err)
		require.Equal(t, "a", v)

		values, err := s.GetMany(t.Context(), "accessToken", "refreshToken", "userId")
		require.NoError(t, err)
		require.Equal(t, map[string]string{"accessToken": "a", "refreshToken": "r"}, values, "absent keys must be skipped")
	})

	t.Run("overwrite", func(t *testing.T) {
		s := newStorage(t)

		require.NoError(t, s.SetMany(t.Context(), map[string]string{"culture": "en-us"}))
		require.NoError(t, s.SetMany(t.Context(), map[string]string{"culture": "fr-fr"}))

		v, err := s.Get(t.Context(), "culture")
		require.NoError(t, err)
		require.Equal(t, "fr-fr", v)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStorage(t)
		require.NoError(t, s.SetMany(t.Context(), map[string]string{"a": "1", "b": "2", "c": "3"}))

		err := s.Delete(t.Context(), "a", "b", "not-existed")
		require.NoError(t, err)

		values, err := s.GetMany(t.Context(), "a", "b", "c")
		require.NoError(t, err)
		require.Equal(t, map[string]string{"c": "3"}, values)
	})

	t.Run("empty operations", func(t *testing.T) {
		s := newStorage(t)

		require.NoError(t, s.SetMany(t.Context(), map[string]string{}))
		require.NoError(t, s.Delete(t.Context()))

		values, err := s.GetMany(t.Context())
		require.NoError(t, err)
		require.Empty(t, values)
	})
}

package tokenstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/mixcore/internal/apperrors"
	"github.com/nkiryanov/mixcore/internal/codec"
	"github.com/nkiryanov/mixcore/internal/models"
	"github.com/nkiryanov/mixcore/internal/storage/memory"
)

func testSession() models.Session {
	return models.Session{
		AccessToken:  "access",
		RefreshToken: "refresh",
		UserID:       "u-1",
		Roles:        []string{"admin", "editor"},
		Permissions:  []string{"post.read"},
		ExpiresIn:    3600,
	}
}

func newCodec(t *testing.T) *codec.Codec {
	t.Helper()

	c, err := codec.New(codec.Options{AllowDefaultKey: true})
	require.NoError(t, err)
	return c
}

func TestStore_New(t *testing.T) {
	_, err := New(Config{}, nil)

	require.Error(t, err)
}

func TestStore_SaveLoad(t *testing.T) {
	configs := map[string]func(t *testing.T) Config{
		"blob plain": func(t *testing.T) Config {
			return Config{Mode: ModeBlob}
		},
		"blob encrypted": func(t *testing.T) Config {
			return Config{Mode: ModeBlob, Codec: newCodec(t)}
		},
		"keys": func(t *testing.T) Config {
			return Config{Mode: ModeKeys}
		},
	}

	for name, newConfig := range configs {
		t.Run(name, func(t *testing.T) {
			t.Run("round trip", func(t *testing.T) {
				store, err := New(newConfig(t), memory.New())
				require.NoError(t, err)

				err = store.Save(t.Context(), testSession())
				require.NoError(t, err)

				got, err := store.Load(t.Context())
				require.NoError(t, err)
				require.NotNil(t, got)
				require.Equal(t, testSession(), *got)
				require.True(t, store.HasSession(t.Context()))
			})

			t.Run("empty storage", func(t *testing.T) {
				store, err := New(newConfig(t), memory.New())
				require.NoError(t, err)

				got, err := store.Load(t.Context())

				require.NoError(t, err)
				require.Nil(t, got)
				require.False(t, store.HasSession(t.Context()))
			})

			t.Run("clear", func(t *testing.T) {
				s := memory.New()
				store, err := New(newConfig(t), s)
				require.NoError(t, err)
				require.NoError(t, store.Save(t.Context(), testSession()))

				err = store.Clear(t.Context())

				require.NoError(t, err)
				require.Empty(t, s.Snapshot())
				require.False(t, store.HasSession(t.Context()))
			})

			t.Run("clear empty storage", func(t *testing.T) {
				store, err := New(newConfig(t), memory.New())
				require.NoError(t, err)

				require.NoError(t, store.Clear(t.Context()))
			})

			t.Run("save overwrites", func(t *testing.T) {
				store, err := New(newConfig(t), memory.New())
				require.NoError(t, err)
				require.NoError(t, store.Save(t.Context(), testSession()))

				renewed := testSession()
				renewed.AccessToken = "access-2"
				renewed.Roles = nil
				require.NoError(t, store.Save(t.Context(), renewed))

				got, err := store.Load(t.Context())
				require.NoError(t, err)
				require.Equal(t, "access-2", got.AccessToken)
				require.Empty(t, got.Roles)
			})
		})
	}
}

func TestStore_Save(t *testing.T) {
	t.Run("incomplete session rejected", func(t *testing.T) {
		s := memory.New()
		store, err := New(Config{}, s)
		require.NoError(t, err)

		session := testSession()
		session.RefreshToken = ""
		err = store.Save(t.Context(), session)

		require.ErrorIs(t, err, apperrors.ErrValidation)
		require.Empty(t, s.Snapshot())
	})

	t.Run("blob encrypted is not readable", func(t *testing.T) {
		s := memory.New()
		store, err := New(Config{Codec: newCodec(t)}, s)
		require.NoError(t, err)

		require.NoError(t, store.Save(t.Context(), testSession()))

		raw := s.Snapshot()[KeyAuthorizationData]
		require.NotEmpty(t, raw)
		require.NotContains(t, raw, "access")
	})

	t.Run("keys layout", func(t *testing.T) {
		s := memory.New()
		store, err := New(Config{Mode: ModeKeys}, s)
		require.NoError(t, err)

		require.NoError(t, store.Save(t.Context(), testSession()))

		require.Equal(t, map[string]string{
			KeyAccessToken:  "access",
			KeyRefreshToken: "refresh",
			KeyUserID:       "u-1",
			KeyRoles:        `["admin","editor"]`,
			KeyPermissions:  `["post.read"]`,
			KeyExpiresIn:    "3600",
		}, s.Snapshot())
	})
}

func TestStore_Load(t *testing.T) {
	t.Run("corrupt blob is cleared", func(t *testing.T) {
		s := memory.New()
		require.NoError(t, s.SetMany(t.Context(), map[string]string{KeyAuthorizationData: "{not json"}))
		store, err := New(Config{}, s)
		require.NoError(t, err)

		got, err := store.Load(t.Context())

		require.NoError(t, err)
		require.Nil(t, got)
		require.Empty(t, s.Snapshot())
	})

	t.Run("undecryptable blob is cleared", func(t *testing.T) {
		s := memory.New()
		require.NoError(t, s.SetMany(t.Context(), map[string]string{KeyAuthorizationData: `{"accessToken":"a","refreshToken":"r"}`}))
		store, err := New(Config{Codec: newCodec(t)}, s)
		require.NoError(t, err)

		got, err := store.Load(t.Context())

		require.NoError(t, err)
		require.Nil(t, got)
		require.Empty(t, s.Snapshot())
	})

	t.Run("blob without refresh token is no session", func(t *testing.T) {
		s := memory.New()
		require.NoError(t, s.SetMany(t.Context(), map[string]string{KeyAuthorizationData: `{"accessToken":"a"}`}))
		store, err := New(Config{}, s)
		require.NoError(t, err)

		got, err := store.Load(t.Context())

		require.NoError(t, err)
		require.Nil(t, got)
	})

	t.Run("keys with missing field", func(t *testing.T) {
		s := memory.New()
		store, err := New(Config{Mode: ModeKeys}, s)
		require.NoError(t, err)
		require.NoError(t, store.Save(t.Context(), testSession()))
		require.NoError(t, s.Delete(t.Context(), KeyUserID))

		got, err := store.Load(t.Context())

		require.NoError(t, err)
		require.Nil(t, got)
	})

	t.Run("keys with corrupt field", func(t *testing.T) {
		tests := []struct {
			key   string
			value string
		}{
			{KeyRoles, "admin"},
			{KeyPermissions, "{"},
			{KeyExpiresIn, "soon"},
		}

		for _, tt := range tests {
			t.Run(tt.key, func(t *testing.T) {
				s := memory.New()
				store, err := New(Config{Mode: ModeKeys}, s)
				require.NoError(t, err)
				require.NoError(t, store.Save(t.Context(), testSession()))
				require.NoError(t, s.SetMany(t.Context(), map[string]string{tt.key: tt.value}))

				got, err := store.Load(t.Context())

				require.NoError(t, err)
				assert.Nil(t, got)
				assert.Empty(t, s.Snapshot())
			})
		}
	})
}

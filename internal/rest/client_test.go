package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/mixcore/internal/apperrors"
	"github.com/nkiryanov/mixcore/internal/codec"
	"github.com/nkiryanov/mixcore/internal/metrics"
	"github.com/nkiryanov/mixcore/internal/models"
	"github.com/nkiryanov/mixcore/internal/storage/memory"
	"github.com/nkiryanov/mixcore/internal/testutil"
	"github.com/nkiryanov/mixcore/internal/tokenstore"
)

type fakeSession struct {
	mu        sync.Mutex
	refreshes int
	logouts   int
	forbidden int

	refresh func(ctx context.Context) error
}

func (f *fakeSession) Refresh(ctx context.Context) (models.Session, error) {
	f.mu.Lock()
	f.refreshes++
	refresh := f.refresh
	f.mu.Unlock()

	if refresh == nil {
		return models.Session{}, nil
	}
	return models.Session{}, refresh(ctx)
}

func (f *fakeSession) Logout(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeSession) Forbidden(_ context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forbidden++
}

func (f *fakeSession) counts() (refreshes, logouts, forbidden int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes, f.logouts, f.forbidden
}

type fakeWatcher struct {
	seen chan models.Timestamp
}

func (f *fakeWatcher) ObserveLastUpdate(_ context.Context, ts models.Timestamp) {
	f.seen <- ts
}

type fixture struct {
	client  *Client
	tokens  *tokenstore.Store
	session *fakeSession
}

func devCodec(t *testing.T) *codec.Codec {
	t.Helper()

	c, err := codec.New(codec.Options{AllowDefaultKey: true})
	require.NoError(t, err)
	return c
}

func newFixture(t *testing.T, handler http.Handler, cfg Config) fixture {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tokens, err := tokenstore.New(tokenstore.Config{}, memory.New())
	require.NoError(t, err)
	require.NoError(t, tokens.Save(t.Context(), models.Session{AccessToken: "access-1", RefreshToken: "refresh-1"}))

	cfg.BaseURL = srv.URL
	client, err := New(cfg, tokens, devCodec(t), nil, metrics.New(prometheus.NewRegistry()))
	require.NoError(t, err)

	session := &fakeSession{}
	client.SetSessionHandler(session)

	return fixture{client: client, tokens: tokens, session: session}
}

func writeJSON(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, body)
}

func TestClient_New(t *testing.T) {
	tokens, err := tokenstore.New(tokenstore.Config{}, memory.New())
	require.NoError(t, err)

	tests := []struct {
		name    string
		baseURL string
	}{
		{"empty", ""},
		{"no scheme", "localhost:5000"},
		{"garbage", "://"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{BaseURL: tt.baseURL}, tokens, nil, nil, nil)

			require.Error(t, err)
		})
	}

	t.Run("no token source", func(t *testing.T) {
		_, err := New(Config{BaseURL: "http://localhost"}, nil, nil, nil, nil)

		require.Error(t, err)
	})
}

func TestClient_Send(t *testing.T) {
	t.Run("request headers", func(t *testing.T) {
		var got http.Header
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r.Header.Clone()
			writeJSON(w, http.StatusOK, `{"isSucceed": true, "data": null}`)
		}), Config{})

		_, err := f.client.Post(t.Context(), "/rest/posts", map[string]string{"title": "hi"})

		require.NoError(t, err)
		require.Equal(t, "Bearer access-1", got.Get("Authorization"))
		require.Equal(t, "application/json", got.Get("Content-Type"))
		_, err = uuid.Parse(got.Get(HeaderRequestID))
		require.NoError(t, err, "request id must be uuid")
	})

	t.Run("skip authorize drops bearer", func(t *testing.T) {
		var got http.Header
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r.Header.Clone()
			writeJSON(w, http.StatusOK, `{"isSucceed": true}`)
		}), Config{})

		_, err := f.client.Send(t.Context(), models.Request{Method: http.MethodGet, Path: "/rest/shared/get-shared-settings", SkipAuthorize: true})

		require.NoError(t, err)
		require.Empty(t, got.Get("Authorization"))
		require.Empty(t, got.Get("Content-Type"), "no body, no content type")
	})

	t.Run("envelope variants", func(t *testing.T) {
		tests := []struct {
			name     string
			body     string
			wantData string
		}{
			{"isSucceed", `{"isSucceed": true, "data": {"id": 1}}`, `{"id": 1}`},
			{"success", `{"success": true, "data": {"id": 1}}`, `{"id": 1}`},
			{"bare payload", `{"id": 1}`, `{"id": 1}`},
			{"bare array", `[1, 2]`, `[1, 2]`},
			{"capitalized flag", `{"IsSucceed": true, "Data": {"id": 1}}`, `{"id": 1}`},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					writeJSON(w, http.StatusOK, tt.body)
				}), Config{})

				env, err := f.client.Get(t.Context(), "/rest/posts/1")

				require.NoError(t, err)
				require.True(t, env.Success)
				require.Equal(t, http.StatusOK, env.Status)
				require.JSONEq(t, tt.wantData, string(env.Data))
			})
		}
	})

	t.Run("no content", func(t *testing.T) {
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}), Config{})

		env, err := f.client.Delete(t.Context(), "/rest/posts/1")

		require.NoError(t, err)
		require.True(t, env.Success)
		require.Empty(t, env.Data)
	})

	t.Run("failed envelope", func(t *testing.T) {
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, `{"success": false, "errors": ["Title is required", "Slug is taken"]}`)
		}), Config{})

		env, err := f.client.Put(t.Context(), "/rest/posts/1", map[string]string{})

		require.ErrorIs(t, err, apperrors.ErrRequestFailed)
		require.False(t, env.Success)
		require.Equal(t, []string{"Title is required", "Slug is taken"}, env.Errors)

		var restErr *Error
		require.ErrorAs(t, err, &restErr)
		require.Equal(t, "PUT /rest/posts/1", restErr.Op)
	})

	t.Run("failed envelope without errors", func(t *testing.T) {
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, `{"isSucceed": false}`)
		}), Config{})

		env, err := f.client.Patch(t.Context(), "/rest/posts/1", nil)

		require.ErrorIs(t, err, apperrors.ErrRequestFailed)
		require.NotEmpty(t, env.Errors)
	})

	t.Run("unexpected status", func(t *testing.T) {
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusInternalServerError, `{"isSucceed": false, "errors": ["boom"]}`)
		}), Config{})

		env, err := f.client.Get(t.Context(), "/rest/posts")

		require.ErrorIs(t, err, apperrors.ErrHTTP)
		require.False(t, env.Success)
		require.Equal(t, http.StatusInternalServerError, env.Status)
		require.Equal(t, []string{"500 Internal Server Error", "boom"}, env.Errors)

		var restErr *Error
		require.ErrorAs(t, err, &restErr)
		require.Equal(t, http.StatusInternalServerError, restErr.StatusCode)
	})

	t.Run("forbidden", func(t *testing.T) {
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}), Config{})

		env, err := f.client.Get(t.Context(), "/rest/tenants")

		require.ErrorIs(t, err, apperrors.ErrForbidden)
		require.True(t, apperrors.IsAuthError(err))
		require.Equal(t, []string{"Forbidden"}, env.Errors)
		refreshes, logouts, forbidden := f.session.counts()
		require.Equal(t, 0, refreshes)
		require.Equal(t, 0, logouts)
		require.Equal(t, 1, forbidden)
	})

	t.Run("network error", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		tokens, err := tokenstore.New(tokenstore.Config{}, memory.New())
		require.NoError(t, err)
		client, err := New(Config{BaseURL: srv.URL}, tokens, nil, nil, nil)
		require.NoError(t, err)

		env, err := client.Get(t.Context(), "/rest/posts")

		require.ErrorIs(t, err, apperrors.ErrNetwork)
		require.False(t, env.Success)
		require.Len(t, env.Errors, 1)
		require.Equal(t, 0, env.Status)
	})

	t.Run("timeout", func(t *testing.T) {
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}), Config{Timeout: 50 * time.Millisecond})

		start := time.Now()
		env, err := f.client.Get(t.Context(), "/rest/slow")

		require.ErrorIs(t, err, apperrors.ErrTimeout)
		require.False(t, env.Success)
		require.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("cancelled context", func(t *testing.T) {
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, `{"isSucceed": true}`)
		}), Config{})
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		_, err := f.client.Get(ctx, "/rest/posts")

		require.ErrorIs(t, err, apperrors.ErrNetwork)
	})

	t.Run("rate limited", func(t *testing.T) {
		var mu sync.Mutex
		calls := 0
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			mu.Lock()
			calls++
			mu.Unlock()
			writeJSON(w, http.StatusOK, `{"isSucceed": true}`)
		}), Config{RateLimit: 0.1, Burst: 1})

		_, err := f.client.Get(t.Context(), "/rest/posts")
		require.NoError(t, err, "burst allows first call")

		ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
		defer cancel()
		_, err = f.client.Get(ctx, "/rest/posts")

		require.ErrorIs(t, err, apperrors.ErrTimeout)
		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, 1, calls, "second call never reaches server")
	})
}

func TestClient_Unauthorized(t *testing.T) {
	t.Run("refresh and retry once", func(t *testing.T) {
		var calls atomic.Int32
		var bearers []string
		var mu sync.Mutex

		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			bearers = append(bearers, r.Header.Get("Authorization"))
			mu.Unlock()

			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			writeJSON(w, http.StatusOK, `{"isSucceed": true, "data": "ok"}`)
		}), Config{})
		f.session.refresh = func(ctx context.Context) error {
			return f.tokens.Save(ctx, models.Session{AccessToken: "access-2", RefreshToken: "refresh-2"})
		}

		env, err := f.client.Get(t.Context(), "/rest/posts")

		require.NoError(t, err)
		require.True(t, env.Success)
		require.JSONEq(t, `"ok"`, string(env.Data))
		require.Equal(t, int32(2), calls.Load(), "transport must be called exactly twice")
		require.Equal(t, []string{"Bearer access-1", "Bearer access-2"}, bearers)

		refreshes, logouts, _ := f.session.counts()
		require.Equal(t, 1, refreshes)
		require.Equal(t, 0, logouts)
	})

	t.Run("retry exhausted logs out once", func(t *testing.T) {
		var calls atomic.Int32
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		}), Config{})

		env, err := f.client.Get(t.Context(), "/rest/posts")

		require.ErrorIs(t, err, apperrors.ErrUnauthorized)
		require.False(t, env.Success)
		require.Equal(t, []string{"Unauthorized"}, env.Errors)
		require.Equal(t, int32(2), calls.Load())

		refreshes, logouts, _ := f.session.counts()
		require.Equal(t, 1, refreshes)
		require.Equal(t, 1, logouts)
	})

	t.Run("failed refresh is not retried", func(t *testing.T) {
		var calls atomic.Int32
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		}), Config{})
		f.session.refresh = func(context.Context) error {
			return apperrors.ErrNoTokens
		}

		_, err := f.client.Get(t.Context(), "/rest/posts")

		require.ErrorIs(t, err, apperrors.ErrUnauthorized)
		require.Equal(t, int32(1), calls.Load())
		refreshes, logouts, _ := f.session.counts()
		require.Equal(t, 1, refreshes)
		require.Equal(t, 0, logouts, "refresh path drops the session itself")
	})

	t.Run("retry not allowed", func(t *testing.T) {
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}), Config{})

		_, err := f.client.Send(t.Context(), models.Request{Method: http.MethodGet, Path: "/rest/posts"})

		require.ErrorIs(t, err, apperrors.ErrUnauthorized)
		refreshes, logouts, _ := f.session.counts()
		require.Equal(t, 0, refreshes)
		require.Equal(t, 1, logouts)
	})

	t.Run("anonymous request does not touch session", func(t *testing.T) {
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}), Config{})

		_, err := f.client.Send(t.Context(), models.Request{
			Method:        http.MethodPost,
			Path:          "/rest/auth/user/renew-token",
			SkipAuthorize: true,
			RetryAllowed:  true,
		})

		require.ErrorIs(t, err, apperrors.ErrUnauthorized)
		refreshes, logouts, _ := f.session.counts()
		require.Equal(t, 0, refreshes)
		require.Equal(t, 0, logouts)
	})
}

func TestClient_Encryption(t *testing.T) {
	t.Run("encrypted body", func(t *testing.T) {
		var got map[string]string
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Message string `json:"message"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			plain, err := devCodec(t).Decrypt(body.Message)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.Unmarshal([]byte(plain), &got)
			writeJSON(w, http.StatusOK, `{"isSucceed": true}`)
		}), Config{})

		_, err := f.client.Send(t.Context(), models.Request{
			Method:  http.MethodPost,
			Path:    "/rest/auth/user/login",
			Body:    map[string]string{"UserName": "alice"},
			Encrypt: true,
		})

		require.NoError(t, err)
		require.Equal(t, map[string]string{"UserName": "alice"}, got)
	})

	t.Run("decrypted response", func(t *testing.T) {
		ciphertext, err := devCodec(t).Encrypt(map[string]string{"accessToken": "a"})
		require.NoError(t, err)

		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, fmt.Sprintf(`{"isSucceed": true, "data": %q}`, ciphertext))
		}), Config{})

		env, err := f.client.Send(t.Context(), models.Request{Method: http.MethodGet, Path: "/rest/secret", DecryptResponse: true})

		require.NoError(t, err)
		require.JSONEq(t, `{"accessToken": "a"}`, string(env.Data))
	})

	t.Run("undecryptable response fails", func(t *testing.T) {
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, `{"isSucceed": true, "data": "not a ciphertext"}`)
		}), Config{})

		env, err := f.client.Send(t.Context(), models.Request{Method: http.MethodGet, Path: "/rest/secret", DecryptResponse: true})

		require.ErrorIs(t, err, apperrors.ErrDecryption)
		require.False(t, env.Success)
		require.NotContains(t, string(env.Data), "not a ciphertext")
	})

	t.Run("plaintext object response is kept", func(t *testing.T) {
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, `{"isSucceed": true, "data": {"accessToken": "a"}}`)
		}), Config{})

		env, err := f.client.Send(t.Context(), models.Request{Method: http.MethodGet, Path: "/rest/secret", DecryptResponse: true})

		require.NoError(t, err)
		require.JSONEq(t, `{"accessToken": "a"}`, string(env.Data))
	})

	t.Run("no codec", func(t *testing.T) {
		tokens, err := tokenstore.New(tokenstore.Config{}, memory.New())
		require.NoError(t, err)
		client, err := New(Config{BaseURL: "http://127.0.0.1:1"}, tokens, nil, nil, nil)
		require.NoError(t, err)

		_, err = client.Send(t.Context(), models.Request{Method: http.MethodPost, Path: "/x", Body: "x", Encrypt: true})

		require.ErrorIs(t, err, apperrors.ErrNoEncryptionKey)
	})
}

func TestClient_ConfigWatcher(t *testing.T) {
	body := `{"isSucceed": true, "data": null, "lastUpdateConfiguration": "2025-03-01T10:00:00.1234567"}`

	t.Run("reports server timestamp", func(t *testing.T) {
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, body)
		}), Config{})
		watcher := &fakeWatcher{seen: make(chan models.Timestamp, 1)}
		f.client.SetConfigWatcher(watcher)

		_, err := f.client.Get(t.Context(), "/rest/posts")
		require.NoError(t, err)

		select {
		case ts := <-watcher.seen:
			require.True(t, ts.Equal(time.Date(2025, 3, 1, 10, 0, 0, 123456700, time.UTC)), "got %s", ts)
		case <-time.After(time.Second):
			t.Fatal("watcher was not notified")
		}
	})

	t.Run("skipped for settings requests", func(t *testing.T) {
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, body)
		}), Config{})
		watcher := &fakeWatcher{seen: make(chan models.Timestamp, 1)}
		f.client.SetConfigWatcher(watcher)

		_, err := f.client.Send(t.Context(), models.Request{Method: http.MethodGet, Path: "/rest/shared/get-shared-settings", SkipConfigCheck: true})
		require.NoError(t, err)

		select {
		case <-watcher.seen:
			t.Fatal("watcher must not be notified")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("absent timestamp", func(t *testing.T) {
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, `{"isSucceed": true, "lastUpdateConfiguration": "yesterday"}`)
		}), Config{})
		watcher := &fakeWatcher{seen: make(chan models.Timestamp, 1)}
		f.client.SetConfigWatcher(watcher)

		env, err := f.client.Get(t.Context(), "/rest/posts")

		require.NoError(t, err, "broken timestamp must not break response")
		require.True(t, env.Success)
		require.Nil(t, env.LastUpdateConfiguration)
	})
}

func TestClient_FakeServer(t *testing.T) {
	for _, field := range []string{"isSucceed", "success"} {
		t.Run(field, func(t *testing.T) {
			srv := testutil.NewServer(t)
			srv.SuccessField = field
			srv.AddUser("alice", testutil.User{Password: "secret"})

			tokens, err := tokenstore.New(tokenstore.Config{}, memory.New())
			require.NoError(t, err)
			client, err := New(Config{BaseURL: srv.URL}, tokens, devCodec(t), nil, nil)
			require.NoError(t, err)

			env, err := client.Send(t.Context(), models.Request{
				Method:        http.MethodPost,
				Path:          "/rest/auth/user/login",
				Body:          map[string]any{"UserName": "alice", "Password": "secret"},
				Encrypt:       true,
				SkipAuthorize: true,
			})
			require.NoError(t, err)

			data, err := DecodeData[models.Session](env)
			require.NoError(t, err)
			require.True(t, data.Valid())

			env, err = client.Send(t.Context(), models.Request{
				Method:        http.MethodPost,
				Path:          "/rest/auth/user/login",
				Body:          map[string]any{"UserName": "alice", "Password": "wrong"},
				Encrypt:       true,
				SkipAuthorize: true,
			})
			require.ErrorIs(t, err, apperrors.ErrRequestFailed)
			require.Equal(t, []string{"Login failed"}, env.Errors)
		})
	}
}

func TestDecodeData(t *testing.T) {
	t.Run("payload", func(t *testing.T) {
		got, err := DecodeData[map[string]int](models.Envelope{Data: json.RawMessage(`{"a": 1}`)})

		require.NoError(t, err)
		require.Equal(t, map[string]int{"a": 1}, got)
	})

	t.Run("empty payload", func(t *testing.T) {
		got, err := DecodeData[*models.Session](models.Envelope{Data: json.RawMessage(`null`)})

		require.NoError(t, err)
		require.Nil(t, got)
	})

	t.Run("wrong shape", func(t *testing.T) {
		_, err := DecodeData[int](models.Envelope{Data: json.RawMessage(`"x"`)})

		require.Error(t, err)
	})
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"absent", ``, nil},
		{"null", `null`, nil},
		{"list", `["a", "b"]`, []string{"a", "b"}},
		{"single", `"a"`, []string{"a"}},
		{"objects", `[{"message": "a"}, {"description": "b"}]`, []string{"a", "b"}},
		{"unknown", `{"x": 1}`, []string{`{"x": 1}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseErrors(json.RawMessage(tt.raw))

			assert.Equal(t, tt.want, got)
		})
	}
}

func TestError(t *testing.T) {
	err := &Error{Op: "GET /x", StatusCode: 401, Err: apperrors.ErrUnauthorized}

	require.Equal(t, "GET /x: status=401: unauthorized", err.Error())
	require.True(t, errors.Is(err, apperrors.ErrUnauthorized))
	require.True(t, strings.HasPrefix((&Error{Op: "GET /x"}).Error(), "GET /x"))
}

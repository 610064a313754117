package rest

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/mixcore/internal/apperrors"
)

func TestClient_Upload(t *testing.T) {
	t.Run("multipart body with progress", func(t *testing.T) {
		type received struct {
			contentType string
			folder      string
			fileName    string
			content     string
		}
		got := make(chan received, 1)

		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var rec received
			rec.contentType = r.Header.Get("Content-Type")
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			rec.folder = r.FormValue("folder")
			file, header, err := r.FormFile("file")
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			defer file.Close() // nolint:errcheck
			b, _ := io.ReadAll(file)
			rec.fileName = header.Filename
			rec.content = string(b)
			got <- rec

			writeJSON(w, http.StatusOK, `{"isSucceed": true, "data": {"fileName": "logo.png"}}`)
		}), Config{})

		var mu sync.Mutex
		var reported []int
		content := strings.Repeat("x", 256<<10)

		env, err := f.client.Upload(t.Context(), "/rest/mix-portal/media/upload", UploadRequest{
			Fields: map[string]string{"folder": "images"},
			Files:  []File{{Name: "logo.png", Content: strings.NewReader(content)}},
			OnProgress: func(percent int) {
				mu.Lock()
				defer mu.Unlock()
				reported = append(reported, percent)
			},
		})

		require.NoError(t, err)
		require.True(t, env.Success)

		rec := <-got
		require.True(t, strings.HasPrefix(rec.contentType, "multipart/form-data; boundary="), "transport boundary expected, got %q", rec.contentType)
		require.Equal(t, "images", rec.folder)
		require.Equal(t, "logo.png", rec.fileName)
		require.Equal(t, content, rec.content)

		mu.Lock()
		defer mu.Unlock()
		require.NotEmpty(t, reported)
		require.Equal(t, 0, reported[0])
		require.Equal(t, 100, reported[len(reported)-1])
		for i := 1; i < len(reported); i++ {
			require.Greater(t, reported[i], reported[i-1], "progress must grow")
		}
	})

	t.Run("nothing to upload", func(t *testing.T) {
		f := newFixture(t, http.NotFoundHandler(), Config{})

		env, err := f.client.Upload(t.Context(), "/rest/upload", UploadRequest{})

		require.Error(t, err)
		require.False(t, env.Success)
	})

	t.Run("unauthorized upload is retried", func(t *testing.T) {
		var mu sync.Mutex
		calls := 0
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.Copy(io.Discard, r.Body)

			mu.Lock()
			calls++
			n := calls
			mu.Unlock()

			if n == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			writeJSON(w, http.StatusOK, `{"isSucceed": true}`)
		}), Config{})

		_, err := f.client.Upload(t.Context(), "/rest/upload", UploadRequest{
			Files: []File{{Name: "a.txt", Content: strings.NewReader("abc")}},
		})

		require.NoError(t, err)
		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, 2, calls)
	})

	t.Run("forbidden upload", func(t *testing.T) {
		f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}), Config{})

		_, err := f.client.Upload(t.Context(), "/rest/upload", UploadRequest{
			Files: []File{{Name: "a.txt", Content: strings.NewReader("abc")}},
		})

		require.ErrorIs(t, err, apperrors.ErrForbidden)
	})
}

func TestPercentReporter(t *testing.T) {
	var got []int
	report := percentReporter(func(p int) { got = append(got, p) })

	report(0, 1000)
	report(5, 1000)
	report(9, 1000)
	report(500, 1000)
	report(999, 1000)
	report(1000, 1000)
	report(1000, 1000)

	require.Equal(t, []int{0, 50, 99, 100}, got, "repeated values are dropped, 100 only at the end")
}

package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"

	"github.com/nkiryanov/mixcore/internal/models"
)

type File struct {
	Field   string
	Name    string
	Content io.Reader
}

type UploadRequest struct {
	Fields map[string]string
	Files  []File

	// Called with percent of body sent. 100 is reported once, when the whole body is sent
	OnProgress func(percent int)
}

// Upload posts multipart form
// Content-Type with boundary is set from the encoded form, never the JSON default
func (c *Client) Upload(ctx context.Context, path string, up UploadRequest) (models.Envelope, error) {
	body, err := encodeMultipart(up)
	if err != nil {
		return models.FailedEnvelope(0, err.Error()), c.fail(models.Request{Method: http.MethodPost, Path: path}, 0, err)
	}

	req := models.Request{
		Method:       http.MethodPost,
		Path:         path,
		Body:         body,
		RetryAllowed: true,
	}

	var progress func(loaded, total int64)
	if up.OnProgress != nil {
		progress = percentReporter(up.OnProgress)
	}
	return c.send(ctx, req, progress)
}

func encodeMultipart(up UploadRequest) (*models.MultipartBody, error) {
	if len(up.Files) == 0 {
		return nil, errors.New("nothing to upload")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for name, value := range up.Fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("error while writing field %q. Err: %w", name, err)
		}
	}
	for _, f := range up.Files {
		field := f.Field
		if field == "" {
			field = "file"
		}
		part, err := w.CreateFormFile(field, f.Name)
		if err != nil {
			return nil, fmt.Errorf("error while creating form file %q. Err: %w", f.Name, err)
		}
		if _, err := io.Copy(part, f.Content); err != nil {
			return nil, fmt.Errorf("error while reading file %q. Err: %w", f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("error while closing multipart body. Err: %w", err)
	}

	return &models.MultipartBody{ContentType: w.FormDataContentType(), Data: buf.Bytes()}, nil
}

// percentReporter converts byte counts to percents and drops repeated values
func percentReporter(report func(percent int)) func(loaded, total int64) {
	var mu sync.Mutex
	last := -1

	return func(loaded, total int64) {
		if total <= 0 {
			return
		}

		// Floor never reaches 100 before loaded == total
		percent := int(min(loaded, total) * 100 / total)

		mu.Lock()
		defer mu.Unlock()
		if percent <= last {
			return
		}
		last = percent
		report(percent)
	}
}

type progressReader struct {
	r        io.Reader
	total    int64
	loaded   int64
	progress func(loaded, total int64)
}

func newProgressReader(r io.Reader, total int64, progress func(loaded, total int64)) *progressReader {
	progress(0, total)
	return &progressReader{r: r, total: total, progress: progress}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.loaded += int64(n)
		p.progress(p.loaded, p.total)
	}
	return n, err
}

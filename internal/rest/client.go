package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nkiryanov/mixcore/internal/apperrors"
	"github.com/nkiryanov/mixcore/internal/logger"
	"github.com/nkiryanov/mixcore/internal/metrics"
	"github.com/nkiryanov/mixcore/internal/models"
)

const (
	DefaultTimeout = 30 * time.Second

	HeaderRequestID = "X-Request-Id"

	maxResponseBytes = 10 << 20
	tracerName       = "github.com/nkiryanov/mixcore/internal/rest"
)

// Source of the bearer token
type TokenSource interface {
	Load(ctx context.Context) (*models.Session, error)
}

type Codec interface {
	Encrypt(plain any, packedKey ...string) (string, error)
	Decrypt(ciphertext string, packedKey ...string) (string, error)
}

// SessionHandler reacts to auth failures of authorized requests
type SessionHandler interface {
	// Renew tokens. Concurrent callers must share one renewal
	// On failure the handler is expected to drop the session itself
	Refresh(ctx context.Context) (models.Session, error)

	Logout(ctx context.Context) error
	Forbidden(ctx context.Context)
}

// ConfigWatcher is told about configuration timestamp reported by server
type ConfigWatcher interface {
	ObserveLastUpdate(ctx context.Context, ts models.Timestamp)
}

type Config struct {
	BaseURL string

	// Per attempt timeout, DefaultTimeout if zero
	Timeout time.Duration

	// Optional, http.Client without timeout is used by default
	HTTPClient *http.Client

	// Requests per second sent to server, unlimited if zero
	RateLimit float64
	Burst     int
}

type Client struct {
	baseURL string
	timeout time.Duration

	client  *http.Client
	limiter *rate.Limiter
	tokens  TokenSource
	codec   Codec
	logger  logger.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	// Set during wiring, before the first request
	session SessionHandler
	watcher ConfigWatcher
}

// New creates REST client
// Codec may be nil when no call encrypts. Metrics may be nil
func New(cfg Config, tokens TokenSource, codec Codec, log logger.Logger, m *metrics.Metrics) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("error while parsing api url. Err: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid api url %q", baseURL)
	}
	if tokens == nil {
		return nil, errors.New("token source must not be nil")
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.Burst, 1))
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: cfg.Timeout,
		client:  cfg.HTTPClient,
		limiter: limiter,
		tokens:  tokens,
		codec:   codec,
		logger:  log,
		metrics: m,
		tracer:  otel.Tracer(tracerName),
	}, nil
}

func (c *Client) SetSessionHandler(h SessionHandler) {
	c.session = h
}

func (c *Client) SetConfigWatcher(w ConfigWatcher) {
	c.watcher = w
}

func (c *Client) Get(ctx context.Context, path string) (models.Envelope, error) {
	return c.Send(ctx, models.Request{Method: http.MethodGet, Path: path, RetryAllowed: true})
}

func (c *Client) Post(ctx context.Context, path string, body any) (models.Envelope, error) {
	return c.Send(ctx, models.Request{Method: http.MethodPost, Path: path, Body: body, RetryAllowed: true})
}

func (c *Client) Put(ctx context.Context, path string, body any) (models.Envelope, error) {
	return c.Send(ctx, models.Request{Method: http.MethodPut, Path: path, Body: body, RetryAllowed: true})
}

func (c *Client) Patch(ctx context.Context, path string, body any) (models.Envelope, error) {
	return c.Send(ctx, models.Request{Method: http.MethodPatch, Path: path, Body: body, RetryAllowed: true})
}

func (c *Client) Delete(ctx context.Context, path string) (models.Envelope, error) {
	return c.Send(ctx, models.Request{Method: http.MethodDelete, Path: path, RetryAllowed: true})
}

// Send performs request and normalizes response into envelope
// Failed call still returns envelope with Success=false and the failure message
func (c *Client) Send(ctx context.Context, req models.Request) (models.Envelope, error) {
	return c.send(ctx, req, nil)
}

func (c *Client) send(ctx context.Context, req models.Request, progress func(loaded, total int64)) (models.Envelope, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	ctx, span := c.tracer.Start(ctx, "mixcore "+req.Method+" "+req.Path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("mixcore.path", req.Path),
			attribute.Bool("mixcore.retry_allowed", req.RetryAllowed),
		),
	)
	defer span.End()

	env, err := c.attempt(ctx, req, progress)
	span.SetAttributes(attribute.Int("http.status_code", env.Status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if !req.SkipConfigCheck && env.LastUpdateConfiguration != nil && c.watcher != nil {
		go c.watcher.ObserveLastUpdate(context.WithoutCancel(ctx), *env.LastUpdateConfiguration)
	}

	return env, err
}

func (c *Client) attempt(ctx context.Context, req models.Request, progress func(loaded, total int64)) (models.Envelope, error) {
	status, body, err := c.do(ctx, req, progress)
	if err != nil {
		c.logger.Warn("Request failed", "method", req.Method, "path", req.Path, "error", err)
		return models.FailedEnvelope(status, err.Error()), c.fail(req, status, err)
	}

	switch {
	case status >= 200 && status < 300:
		return c.decode(req, status, body)

	case status == http.StatusUnauthorized:
		return c.unauthorized(ctx, req, progress)

	case status == http.StatusForbidden:
		c.logger.Warn("Request forbidden", "method", req.Method, "path", req.Path)
		if c.session != nil && !req.SkipAuthorize {
			c.session.Forbidden(ctx)
		}
		return models.FailedEnvelope(status, "Forbidden"), c.fail(req, status, apperrors.ErrForbidden)

	default:
		msg := fmt.Sprintf("%d %s", status, http.StatusText(status))
		c.logger.Warn("Unexpected response status", "method", req.Method, "path", req.Path, "status", status)
		env := models.FailedEnvelope(status, msg)
		env.Errors = append(env.Errors, serverErrors(body)...)
		return env, c.fail(req, status, fmt.Errorf("%w: %s", apperrors.ErrHTTP, msg))
	}
}

// unauthorized resends request once after refresh
// Only authorized requests touch the session: 401 for login or renewal is just a failed call
func (c *Client) unauthorized(ctx context.Context, req models.Request, progress func(loaded, total int64)) (models.Envelope, error) {
	status := http.StatusUnauthorized
	failed := models.FailedEnvelope(status, "Unauthorized")

	if req.SkipAuthorize || c.session == nil {
		return failed, c.fail(req, status, apperrors.ErrUnauthorized)
	}

	if !req.RetryAllowed {
		c.logger.Info("Request unauthorized after retry, logging out", "method", req.Method, "path", req.Path)
		if err := c.session.Logout(ctx); err != nil {
			c.logger.Warn("Logout failed", "error", err)
		}
		return failed, c.fail(req, status, apperrors.ErrUnauthorized)
	}

	if _, err := c.session.Refresh(ctx); err != nil {
		c.logger.Info("Token refresh failed", "method", req.Method, "path", req.Path, "error", err)
		return failed, c.fail(req, status, fmt.Errorf("%w: refresh failed: %v", apperrors.ErrUnauthorized, err))
	}

	req.RetryAllowed = false
	return c.attempt(ctx, req, progress)
}

func (c *Client) decode(req models.Request, status int, body []byte) (models.Envelope, error) {
	env := parseEnvelope(status, body)

	if !env.Success {
		if len(env.Errors) == 0 {
			env.Errors = []string{"request failed"}
		}
		return env, c.fail(req, status, fmt.Errorf("%w: %s", apperrors.ErrRequestFailed, env.Error()))
	}

	if req.DecryptResponse && len(env.Data) > 0 {
		ciphertext, err := decodeStringPayload(env.Data)
		if err != nil {
			// Server answered in plaintext
			return env, nil
		}
		if c.codec == nil {
			return models.FailedEnvelope(status, apperrors.ErrNoEncryptionKey.Error()), c.fail(req, status, apperrors.ErrNoEncryptionKey)
		}
		plain, err := c.codec.Decrypt(ciphertext)
		if err != nil {
			failed := models.FailedEnvelope(status, err.Error())
			failed.LastUpdateConfiguration = env.LastUpdateConfiguration
			return failed, c.fail(req, status, err)
		}
		env.Data = plainToData(plain)
	}

	return env, nil
}

// do performs single HTTP attempt and returns status and body
func (c *Client) do(ctx context.Context, req models.Request, progress func(loaded, total int64)) (int, []byte, error) {
	if c.limiter != nil {
		// Wait fails early when the deadline comes before the next token
		if err := c.limiter.Wait(ctx); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return 0, nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
			}
			return 0, nil, fmt.Errorf("%w: %v", apperrors.ErrTimeout, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := c.newRequest(ctx, req, progress)
	if err != nil {
		return 0, nil, err
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.metrics.ObserveRequest(req.Method, 0, time.Since(start))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, nil, fmt.Errorf("%w: no response in %s", apperrors.ErrTimeout, c.timeout)
		}
		return 0, nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	defer resp.Body.Close() // nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.ObserveRequest(req.Method, resp.StatusCode, time.Since(start))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return resp.StatusCode, nil, fmt.Errorf("%w: response body not received in %s", apperrors.ErrTimeout, c.timeout)
		}
		return resp.StatusCode, nil, fmt.Errorf("%w: error while reading response. Err: %v", apperrors.ErrNetwork, err)
	}

	c.logger.Debug("Response received", "method", req.Method, "path", req.Path, "status", resp.StatusCode, "request_id", httpReq.Header.Get(HeaderRequestID))
	return resp.StatusCode, body, nil
}

func (c *Client) newRequest(ctx context.Context, req models.Request, progress func(loaded, total int64)) (*http.Request, error) {
	var payload []byte
	var contentType string

	switch body := req.Body.(type) {
	case nil:
	case *models.MultipartBody:
		payload = body.Data
		contentType = body.ContentType
	default:
		var err error
		if payload, err = c.encodeJSON(req); err != nil {
			return nil, err
		}
		contentType = "application/json"
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
		if progress != nil {
			reader = newProgressReader(reader, int64(len(payload)), progress)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.url(req.Path), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		httpReq.ContentLength = int64(len(payload))
	}

	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(HeaderRequestID, uuid.NewString())

	if !req.SkipAuthorize {
		session, err := c.tokens.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("error while loading session. Err: %w", err)
		}
		if session != nil {
			httpReq.Header.Set("Authorization", "Bearer "+session.AccessToken)
		}
	}

	return httpReq, nil
}

func (c *Client) encodeJSON(req models.Request) ([]byte, error) {
	if !req.Encrypt {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("error while encoding request body. Err: %w", err)
		}
		return payload, nil
	}

	if c.codec == nil {
		return nil, apperrors.ErrNoEncryptionKey
	}
	message, err := c.codec.Encrypt(req.Body)
	if err != nil {
		return nil, fmt.Errorf("error while encrypting request body. Err: %w", err)
	}
	return json.Marshal(map[string]string{"message": message})
}

func (c *Client) url(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func (c *Client) fail(req models.Request, status int, err error) error {
	return &Error{
		Op:         req.Method + " " + req.Path,
		StatusCode: status,
		Err:        err,
	}
}

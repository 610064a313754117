package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	goredis "github.com/redis/go-redis/v9"

	"github.com/nkiryanov/mixcore/internal/codec"
	"github.com/nkiryanov/mixcore/internal/logger"
	"github.com/nkiryanov/mixcore/internal/metrics"
	"github.com/nkiryanov/mixcore/internal/rest"
	"github.com/nkiryanov/mixcore/internal/service/auth"
	"github.com/nkiryanov/mixcore/internal/settings"
	"github.com/nkiryanov/mixcore/internal/storage"
	"github.com/nkiryanov/mixcore/internal/storage/file"
	"github.com/nkiryanov/mixcore/internal/storage/redis"
	"github.com/nkiryanov/mixcore/internal/tokenstore"
)

type App struct {
	Logger   logger.Logger
	Codec    *codec.Codec
	Tokens   *tokenstore.Store
	Client   *rest.Client
	Settings *settings.Cache
	Auth     *auth.Manager

	registry *prometheus.Registry
	closers  []func() error
}

// Tells user the session is gone
type cliNavigator struct {
	out io.Writer
}

func (n cliNavigator) RedirectToLogin(_ context.Context) {
	_, _ = fmt.Fprintln(n.out, "Session ended, run 'mixcore login' to sign in again")
}

func NewApp(ctx context.Context, c *Config, stderr io.Writer) (*App, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	// Initialize logger
	log, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	app := &App{Logger: log, registry: prometheus.NewRegistry()}

	store, err := app.openStorage(ctx, c)
	if err != nil {
		return nil, errors.Join(err, app.Close())
	}

	// Settings cache appears after the codec, key source reads it lazily
	var cache *settings.Cache
	app.Codec, err = codec.New(codec.Options{
		ConfiguredKey: c.EncryptKey,
		SettingsKey: func() string {
			if cache == nil {
				return ""
			}
			return cache.EncryptKey()
		},
		AllowDefaultKey: c.AllowDefaultKey(),
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("error while creating codec. Err: %w", err), app.Close())
	}

	mode := tokenstore.ModeBlob
	if c.StorageMode == storageModeKeys {
		mode = tokenstore.ModeKeys
	}
	tokensCfg := tokenstore.Config{Mode: mode, Logger: log}
	// Only a configured key is stable enough to encrypt the stored session
	if c.EncryptKey != "" {
		tokensCfg.Codec = app.Codec
	}
	app.Tokens, err = tokenstore.New(tokensCfg, store)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("error while creating token store. Err: %w", err), app.Close())
	}

	m := metrics.New(app.registry)

	app.Client, err = rest.New(rest.Config{BaseURL: c.APIURL, Timeout: c.Timeout, RateLimit: c.RateLimit}, app.Tokens, app.Codec, log, m)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("error while creating rest client. Err: %w", err), app.Close())
	}

	cache, err = settings.New(settings.Config{Culture: c.Culture, Logger: log, Metrics: m}, app.Client, store)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("error while creating settings cache. Err: %w", err), app.Close())
	}
	app.Settings = cache

	app.Auth, err = auth.New(auth.Config{Secure: c.Secure, Logger: log, Metrics: m}, app.Client, app.Tokens, cache, cliNavigator{out: stderr})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("error while creating auth manager. Err: %w", err), app.Close())
	}

	app.Client.SetSessionHandler(app.Auth)
	app.Client.SetConfigWatcher(cache)

	if _, err := app.Auth.Restore(ctx); err != nil {
		log.Warn("Session restore failed", "error", err)
	}
	return app, nil
}

func (a *App) openStorage(ctx context.Context, c *Config) (storage.Storage, error) {
	if c.RedisAddr == "" {
		s, err := file.New(c.StorageFile)
		if err != nil {
			return nil, fmt.Errorf("error while opening session file. Err: %w", err)
		}
		return s, nil
	}

	client := goredis.NewClient(&goredis.Options{Addr: c.RedisAddr})
	a.closers = append(a.closers, client.Close)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("error while connecting to redis. Err: %w", err)
	}
	return redis.New(client, c.RedisPrefix)
}

// WriteMetrics prints collected metrics in text exposition format
func (a *App) WriteMetrics(w io.Writer) error {
	families, err := a.registry.Gather()
	if err != nil {
		return fmt.Errorf("error while gathering metrics. Err: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) Close() error {
	var errs []error
	for _, closeFn := range a.closers {
		errs = append(errs, closeFn())
	}
	return errors.Join(errs...)
}

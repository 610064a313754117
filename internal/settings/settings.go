package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nkiryanov/mixcore/internal/logger"
	"github.com/nkiryanov/mixcore/internal/metrics"
	"github.com/nkiryanov/mixcore/internal/models"
	"github.com/nkiryanov/mixcore/internal/rest"
	"github.com/nkiryanov/mixcore/internal/storage"
)

const DefaultStaleAfter = 20 * time.Minute

// Storage keys
const (
	KeyLocalizeSettings = "localizeSettings"
	KeyGlobalSettings   = "globalSettings"
	KeyTranslator       = "translator"
	KeyCulture          = "culture"
	KeyLastSync         = "lastSync"
)

var allKeys = []string{KeyLocalizeSettings, KeyGlobalSettings, KeyTranslator, KeyCulture, KeyLastSync}

type Sender interface {
	Send(ctx context.Context, req models.Request) (models.Envelope, error)
}

type Config struct {
	// Culture used when none requested and nothing cached yet. Empty means server default
	Culture string

	// Age of last sync after which settings are refetched without asking server
	StaleAfter time.Duration

	Now     func() time.Time
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Cache keeps shared settings of Mixcore for one culture
// Three sections are stored and dropped together
type Cache struct {
	client  Sender
	storage storage.Storage

	defaultCulture string
	staleAfter     time.Duration
	now            func() time.Time
	logger         logger.Logger
	metrics        *metrics.Metrics

	group singleflight.Group

	mu          sync.RWMutex
	current     *models.Settings
	subscribers map[int]func(models.Settings)
	nextID      int
}

func New(cfg Config, client Sender, s storage.Storage) (*Cache, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if s == nil {
		return nil, errors.New("storage must not be nil")
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoOpLogger()
	}

	return &Cache{
		client:         client,
		storage:        s,
		defaultCulture: cfg.Culture,
		staleAfter:     cfg.StaleAfter,
		now:            cfg.Now,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		subscribers:    make(map[int]func(models.Settings)),
	}, nil
}

// Get returns cached settings if they were fetched for the culture, otherwise fetches them
// Empty culture accepts whatever is cached
func (c *Cache) Get(ctx context.Context, culture string) (models.Settings, error) {
	cached, ok, err := c.load(ctx)
	if err != nil {
		return models.Settings{}, err
	}
	if ok && (culture == "" || culture == cached.Culture) {
		c.metrics.ObserveSettings(metrics.SettingsHit)
		c.set(cached)
		return cached, nil
	}

	if culture == "" {
		culture = c.defaultCulture
	}
	return c.fetch(ctx, culture)
}

// Invalidate drops stored and in-memory settings
func (c *Cache) Invalidate(ctx context.Context) error {
	if err := c.storage.Delete(ctx, allKeys...); err != nil {
		return fmt.Errorf("error while invalidating settings. Err: %w", err)
	}

	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()

	return nil
}

// Renew refetches settings for the current culture
// Settings in use stay in place until the new ones are stored
func (c *Cache) Renew(ctx context.Context) error {
	_, err := c.fetch(ctx, c.culture(ctx))
	return err
}

// CheckStaleness decides whether settings synced at lastSync must be refetched
// Fresh enough settings are confirmed by server before being trusted
func (c *Cache) CheckStaleness(ctx context.Context, lastSync *time.Time) error {
	if lastSync == nil || lastSync.IsZero() {
		c.logger.Debug("Settings were never synced, renewing")
		return c.Renew(ctx)
	}
	if c.now().After(lastSync.Add(c.staleAfter)) {
		c.logger.Debug("Settings are stale, renewing", "last_sync", lastSync)
		return c.Renew(ctx)
	}

	changed, err := c.configChanged(ctx, *lastSync)
	if err != nil {
		return err
	}
	if changed {
		c.logger.Info("Server configuration changed, renewing settings", "last_sync", lastSync)
		return c.Renew(ctx)
	}

	_, err = c.Restore(ctx)
	return err
}

// Restore loads stored settings into memory without network calls
// Reports false if nothing complete is stored
func (c *Cache) Restore(ctx context.Context) (bool, error) {
	cached, ok, err := c.load(ctx)
	if err != nil || !ok {
		return false, err
	}
	c.set(cached)
	return true, nil
}

// LastSync returns time of last successful fetch, nil if unknown
func (c *Cache) LastSync(ctx context.Context) (*time.Time, error) {
	value, err := c.storage.Get(ctx, KeyLastSync)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("error while loading last sync. Err: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, nil
	}
	return &t, nil
}

// ObserveLastUpdate renews settings if server reports configuration newer than cached one
// Concurrent triggers share one renewal
func (c *Cache) ObserveLastUpdate(ctx context.Context, ts models.Timestamp) {
	_, err, _ := c.group.Do("renew", func() (any, error) {
		if !c.outdated(ctx, ts) {
			return nil, nil
		}
		c.logger.Info("Server configuration updated, renewing settings", "last_update", ts.Time)
		return nil, c.Renew(ctx)
	})
	if err != nil {
		c.logger.Warn("Failed to renew settings", "error", err)
	}
}

// outdated reports whether ts is newer than configuration of cached settings
func (c *Cache) outdated(ctx context.Context, ts models.Timestamp) bool {
	current, ok := c.Current()
	if !ok {
		if restored, err := c.Restore(ctx); err == nil && restored {
			current, ok = c.Current()
		}
	}

	var cached *models.Timestamp
	if ok {
		cached = current.GlobalSettings.LastUpdateConfiguration
	}
	return ts.NewerThan(cached)
}

// Current returns in-memory settings
func (c *Cache) Current() (models.Settings, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.current == nil {
		return models.Settings{}, false
	}
	return *c.current, true
}

// EncryptKey returns packed key distributed within global settings, empty if none
func (c *Cache) EncryptKey() string {
	current, ok := c.Current()
	if !ok {
		return ""
	}
	return current.GlobalSettings.APIEncryptKey
}

// Subscribe registers fn to be called with settings fetched from server
func (c *Cache) Subscribe(fn func(models.Settings)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.subscribers[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

// fetch shares one request per culture between callers
// A caller going away stops waiting but does not abort the others
func (c *Cache) fetch(ctx context.Context, culture string) (models.Settings, error) {
	flightCtx := context.WithoutCancel(ctx)

	ch := c.group.DoChan("fetch:"+culture, func() (any, error) {
		return c.doFetch(flightCtx, culture)
	})

	select {
	case <-ctx.Done():
		c.metrics.ObserveSettings(metrics.SettingsError)
		return models.Settings{}, fmt.Errorf("error while fetching settings. Err: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			c.metrics.ObserveSettings(metrics.SettingsError)
			return models.Settings{}, res.Err
		}
		return res.Val.(models.Settings), nil
	}
}

func (c *Cache) doFetch(ctx context.Context, culture string) (models.Settings, error) {
	path := "/rest/shared/get-shared-settings"
	if culture != "" {
		path = "/rest/shared/" + url.PathEscape(culture) + "/get-shared-settings"
	}

	env, err := c.client.Send(ctx, models.Request{
		Method:          http.MethodGet,
		Path:            path,
		SkipAuthorize:   true,
		SkipConfigCheck: true,
	})
	if err != nil {
		return models.Settings{}, fmt.Errorf("error while fetching settings. Err: %w", err)
	}

	raw, err := rest.DecodeData[rawSettings](env)
	if err != nil {
		return models.Settings{}, err
	}
	raw.Culture = culture
	raw.LastSync = c.now().UTC().Format(time.RFC3339Nano)

	settings, err := raw.decode()
	if err != nil {
		return models.Settings{}, err
	}
	if err := c.storage.SetMany(ctx, raw.values()); err != nil {
		return models.Settings{}, fmt.Errorf("error while saving settings. Err: %w", err)
	}

	c.metrics.ObserveSettings(metrics.SettingsFetch)
	c.logger.Debug("Settings fetched", "culture", culture)
	c.set(settings)
	c.publish(settings)
	return settings, nil
}

// load reads stored settings; ok is false unless all three sections are present
func (c *Cache) load(ctx context.Context) (models.Settings, bool, error) {
	values, err := c.storage.GetMany(ctx, allKeys...)
	if err != nil {
		return models.Settings{}, false, fmt.Errorf("error while loading settings. Err: %w", err)
	}

	raw := rawSettings{
		LocalizeSettings: json.RawMessage(values[KeyLocalizeSettings]),
		GlobalSettings:   json.RawMessage(values[KeyGlobalSettings]),
		Translator:       json.RawMessage(values[KeyTranslator]),
		Culture:          values[KeyCulture],
		LastSync:         values[KeyLastSync],
	}
	if absent(raw.LocalizeSettings) || absent(raw.GlobalSettings) || absent(raw.Translator) {
		return models.Settings{}, false, nil
	}

	settings, err := raw.decode()
	if err != nil {
		c.logger.Warn("Stored settings are corrupted, dropping them", "error", err)
		return models.Settings{}, false, c.Invalidate(ctx)
	}
	return settings, true, nil
}

// culture returns culture of settings in use
func (c *Cache) culture(ctx context.Context) string {
	if current, ok := c.Current(); ok {
		return current.Culture
	}
	if value, err := c.storage.Get(ctx, KeyCulture); err == nil {
		return value
	}
	return c.defaultCulture
}

func (c *Cache) set(settings models.Settings) {
	c.mu.Lock()
	c.current = &settings
	c.mu.Unlock()
}

// publish tells subscribers about settings fetched from server
func (c *Cache) publish(settings models.Settings) {
	c.mu.RLock()
	subscribers := make([]func(models.Settings), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subscribers = append(subscribers, fn)
	}
	c.mu.RUnlock()

	for _, fn := range subscribers {
		fn(settings)
	}
}

func (c *Cache) configChanged(ctx context.Context, lastSync time.Time) (bool, error) {
	env, err := c.client.Send(ctx, models.Request{
		Method:          http.MethodGet,
		Path:            "/rest/shared/check-config/" + url.PathEscape(lastSync.UTC().Format(time.RFC3339)),
		SkipAuthorize:   true,
		SkipConfigCheck: true,
	})
	if err != nil {
		return false, fmt.Errorf("error while checking configuration. Err: %w", err)
	}
	return truthy(env.Data), nil
}

// truthy accepts true, "true", non-zero numbers
func truthy(data json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return false
	}
	switch v := v.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	default:
		return false
	}
}

// Sections are kept raw, so fields unknown to the client survive the round trip through storage
type rawSettings struct {
	LocalizeSettings json.RawMessage `json:"localizeSettings"`
	GlobalSettings   json.RawMessage `json:"globalSettings"`
	Translator       json.RawMessage `json:"translator"`

	Culture  string `json:"-"`
	LastSync string `json:"-"`
}

func (r rawSettings) decode() (models.Settings, error) {
	settings := models.Settings{
		Culture:          r.Culture,
		LocalizeSettings: orNull(r.LocalizeSettings),
		Translator:       orNull(r.Translator),
	}
	if err := json.Unmarshal(orNull(r.GlobalSettings), &settings.GlobalSettings); err != nil {
		return settings, fmt.Errorf("error while decoding global settings. Err: %w", err)
	}
	return settings, nil
}

func (r rawSettings) values() map[string]string {
	return map[string]string{
		KeyLocalizeSettings: string(orNull(r.LocalizeSettings)),
		KeyGlobalSettings:   string(orNull(r.GlobalSettings)),
		KeyTranslator:       string(orNull(r.Translator)),
		KeyCulture:          r.Culture,
		KeyLastSync:         r.LastSync,
	}
}

// absent reports section the server never sent; it is stored as null
func absent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

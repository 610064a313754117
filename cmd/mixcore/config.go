package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/nkiryanov/mixcore/internal/codec"
	"github.com/nkiryanov/mixcore/internal/logger"
	"github.com/nkiryanov/mixcore/internal/rest"
)

const (
	defaultAPIURL       = "http://localhost:5000"
	defaultLoggingLevel = logger.LevelWarn
	defaultEnvironment  = logger.EnvProduction
	defaultStorageMode  = storageModeBlob
	defaultStorageFile  = ".mixcore/session.json"
	defaultConfigFile   = "mixcore.yaml"

	storageModeBlob = "blob"
	storageModeKeys = "keys"
)

type Config struct {
	// Mixcore instance, e.g. https://cms.example.com
	APIURL string

	// Packed "<iv>,<key>" used to encrypt credentials
	// May stay empty when server distributes the key within global settings
	EncryptKey string

	// Encrypt credentials and use secure login endpoint
	Secure bool

	// Per request timeout
	Timeout time.Duration

	// Requests per second, unlimited if zero
	RateLimit float64

	// Culture for shared settings, server default if empty
	Culture string

	// Session storage: redis when RedisAddr is set, file otherwise
	StorageFile string
	RedisAddr   string
	RedisPrefix string

	// Session layout: single blob or key per field
	StorageMode string

	// Print collected metrics after the command
	PrintMetrics bool

	LogLevel    string
	Environment string
}

func NewConfig() *Config {
	return &Config{
		APIURL:      defaultAPIURL,
		Secure:      true,
		Timeout:     rest.DefaultTimeout,
		StorageFile: defaultStorageFile,
		StorageMode: defaultStorageMode,
		LogLevel:    defaultLoggingLevel,
		Environment: defaultEnvironment,
	}
}

type fileConfig struct {
	APIURL     string        `yaml:"api_url"`
	EncryptKey string        `yaml:"encrypt_key"`
	Secure     *bool         `yaml:"secure"`
	Timeout    time.Duration `yaml:"timeout"`
	RateLimit  float64       `yaml:"rate_limit"`
	Culture    string        `yaml:"culture"`
	Env        string        `yaml:"env"`
	Storage    struct {
		File  string `yaml:"file"`
		Mode  string `yaml:"mode"`
		Redis struct {
			Addr   string `yaml:"addr"`
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"storage"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// LoadFile reads yaml config. Missing file is fine unless required
func (c *Config) LoadFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("error while parsing %s. Err: %w", path, err)
	}

	setString := func(o *string, value string) {
		if value != "" {
			*o = value
		}
	}
	setString(&c.APIURL, fc.APIURL)
	setString(&c.EncryptKey, fc.EncryptKey)
	setString(&c.Culture, fc.Culture)
	setString(&c.Environment, fc.Env)
	setString(&c.StorageFile, fc.Storage.File)
	setString(&c.StorageMode, fc.Storage.Mode)
	setString(&c.RedisAddr, fc.Storage.Redis.Addr)
	setString(&c.RedisPrefix, fc.Storage.Redis.Prefix)
	setString(&c.LogLevel, fc.Log.Level)

	if fc.Secure != nil {
		c.Secure = *fc.Secure
	}
	if fc.Timeout != 0 {
		c.Timeout = fc.Timeout
	}
	if fc.RateLimit != 0 {
		c.RateLimit = fc.RateLimit
	}
	return nil
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}
	setBool := func(o *bool) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			b, err := strconv.ParseBool(value)
			if err != nil {
				return err
			}
			*o = b
			return nil
		}
	}
	setFloat := func(o *float64) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return err
			}
			*o = f
			return nil
		}
	}
	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			*o = d
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"MIXCORE_API_URL":      setString(&c.APIURL),
		"MIXCORE_ENCRYPT_KEY":  setString(&c.EncryptKey),
		"MIXCORE_SECURE":       setBool(&c.Secure),
		"MIXCORE_TIMEOUT":      setDuration(&c.Timeout),
		"MIXCORE_RATE_LIMIT":   setFloat(&c.RateLimit),
		"MIXCORE_CULTURE":      setString(&c.Culture),
		"MIXCORE_STORAGE_FILE": setString(&c.StorageFile),
		"MIXCORE_STORAGE_MODE": setString(&c.StorageMode),
		"REDIS_ADDR":           setString(&c.RedisAddr),
		"REDIS_PREFIX":         setString(&c.RedisPrefix),
		"LOG_LEVEL":            setString(&c.LogLevel),
		"ENVIRONMENT":          setString(&c.Environment),
	}

	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			return fmt.Errorf("invalid %s. Err: %w", key, err)
		}
	}
	return nil
}

// RegisterFlags binds options to flag set, current values are defaults
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.APIURL, "api-url", "u", c.APIURL, "Mixcore API base url")
	fs.StringVarP(&c.EncryptKey, "encrypt-key", "k", c.EncryptKey, "Packed encryption key '<iv>,<key>'")
	fs.BoolVar(&c.Secure, "secure", c.Secure, "Encrypt credentials")
	fs.DurationVarP(&c.Timeout, "timeout", "t", c.Timeout, "Request timeout")
	fs.Float64Var(&c.RateLimit, "rate-limit", c.RateLimit, "Requests per second, unlimited if zero")
	fs.StringVarP(&c.Culture, "culture", "c", c.Culture, "Culture for shared settings")
	fs.StringVarP(&c.StorageFile, "storage-file", "f", c.StorageFile, "Session file")
	fs.StringVar(&c.StorageMode, "storage-mode", c.StorageMode, "Session layout (blob, keys)")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Keep session in redis at address")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", c.RedisPrefix, "Redis key prefix")
	fs.BoolVar(&c.PrintMetrics, "metrics", c.PrintMetrics, "Print collected metrics")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("mixcore", pflag.ContinueOnError)
	c.RegisterFlags(fs)
	return fs.Parse(args)
}

// Development environment may fall back to the well known key
func (c *Config) AllowDefaultKey() bool {
	return c.Environment == logger.EnvDevelopment
}

// Validate checks options before anything is wired
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid api url %q", c.APIURL)
	}

	if c.EncryptKey != "" {
		if _, err := codec.ParseKeys(c.EncryptKey); err != nil {
			return fmt.Errorf("invalid encrypt key. Err: %w", err)
		}
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative, got %v", c.RateLimit)
	}

	switch c.StorageMode {
	case storageModeBlob, storageModeKeys:
	default:
		return fmt.Errorf("unknown storage mode %q", c.StorageMode)
	}

	if c.RedisAddr == "" && c.StorageFile == "" {
		return errors.New("either storage file or redis address must be set")
	}
	return nil
}

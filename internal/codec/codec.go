package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nkiryanov/mixcore/internal/apperrors"
	"github.com/nkiryanov/mixcore/internal/models"
)

const (
	ivLen  = aes.BlockSize
	keyLen = 32
)

// Dev-only key material
// Never used unless the codec is built with AllowDefaultKey
var (
	DefaultIV        = base64.StdEncoding.EncodeToString([]byte("mixcore-dev-iv!!"))
	DefaultKey       = base64.StdEncoding.EncodeToString([]byte("mixcore-dev-key-0123456789abcdef"))
	DefaultPackedKey = base64.StdEncoding.EncodeToString([]byte(DefaultIV + "," + DefaultKey))
)

// KeySource returns packed key or empty string if it has none
type KeySource func() string

type Options struct {
	// Packed key configured for deployment (env or flag)
	ConfiguredKey string

	// Key distributed by server within global settings
	// Consulted on every call, so it may appear after startup
	SettingsKey KeySource

	// Use DefaultPackedKey when no other key is available
	// Local development only
	AllowDefaultKey bool
}

// Codec encrypts payloads with AES-256-CBC using legacy packed keys
type Codec struct {
	configured   string
	settingsKey  KeySource
	allowDefault bool
}

// New validates key configuration at startup
// Without configured key and without dev defaults it fails, so no call path silently uses the default key
func New(opts Options) (*Codec, error) {
	opts.ConfiguredKey = strings.TrimSpace(opts.ConfiguredKey)

	if opts.ConfiguredKey != "" {
		if _, err := ParseKeys(opts.ConfiguredKey); err != nil {
			return nil, fmt.Errorf("configured key rejected: %w", err)
		}
	}
	if opts.ConfiguredKey == "" && opts.SettingsKey == nil && !opts.AllowDefaultKey {
		return nil, apperrors.ErrNoEncryptionKey
	}

	return &Codec{
		configured:   opts.ConfiguredKey,
		settingsKey:  opts.SettingsKey,
		allowDefault: opts.AllowDefaultKey,
	}, nil
}

// Encrypt serializes plain (JSON for non-string values) and returns base64 ciphertext
// Optional packedKey takes precedence over configured sources
func (c *Codec) Encrypt(plain any, packedKey ...string) (string, error) {
	km, err := c.keys(packedKey)
	if err != nil {
		return "", err
	}
	return Encrypt(plain, km)
}

// Decrypt returns UTF-8 plaintext of base64 ciphertext
func (c *Codec) Decrypt(ciphertext string, packedKey ...string) (string, error) {
	km, err := c.keys(packedKey)
	if err != nil {
		return "", err
	}
	return Decrypt(ciphertext, km)
}

// Resolve returns packed key by precedence: explicit, configured, settings, dev default
func (c *Codec) Resolve(explicit ...string) (string, error) {
	for _, k := range explicit {
		if k = strings.TrimSpace(k); k != "" {
			return k, nil
		}
	}
	if c.configured != "" {
		return c.configured, nil
	}
	if c.settingsKey != nil {
		if k := strings.TrimSpace(c.settingsKey()); k != "" {
			return k, nil
		}
	}
	if c.allowDefault {
		return DefaultPackedKey, nil
	}
	return "", apperrors.ErrNoEncryptionKey
}

func (c *Codec) keys(explicit []string) (models.KeyMaterial, error) {
	packed, err := c.Resolve(explicit...)
	if err != nil {
		return models.KeyMaterial{}, err
	}
	return ParseKeys(packed)
}

// ParseKeys decodes packed key: base64 of "<ivBase64>,<keyBase64>"
func ParseKeys(packed string) (models.KeyMaterial, error) {
	var km models.KeyMaterial

	text, err := base64.StdEncoding.DecodeString(strings.TrimSpace(packed))
	if err != nil {
		return km, fmt.Errorf("%w: packed key is not base64", apperrors.ErrKeyFormat)
	}

	parts := strings.Split(string(text), ",")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return km, fmt.Errorf("%w: expected \"<iv>,<key>\"", apperrors.ErrKeyFormat)
	}

	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(iv) != ivLen {
		return km, fmt.Errorf("%w: iv must be %d base64 encoded bytes", apperrors.ErrKeyFormat, ivLen)
	}
	key, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(key) != keyLen {
		return km, fmt.Errorf("%w: key must be %d base64 encoded bytes", apperrors.ErrKeyFormat, keyLen)
	}

	return models.KeyMaterial{IV: iv, Key: key}, nil
}

// PackKeys is inverse of ParseKeys
func PackKeys(km models.KeyMaterial) string {
	text := base64.StdEncoding.EncodeToString(km.IV) + "," + base64.StdEncoding.EncodeToString(km.Key)
	return base64.StdEncoding.EncodeToString([]byte(text))
}

// GenerateKeyMaterial returns random IV and key
func GenerateKeyMaterial() (models.KeyMaterial, error) {
	km := models.KeyMaterial{
		IV:  make([]byte, ivLen),
		Key: make([]byte, keyLen),
	}
	if _, err := rand.Read(km.IV); err != nil {
		return km, fmt.Errorf("error while generating iv. Err: %w", err)
	}
	if _, err := rand.Read(km.Key); err != nil {
		return km, fmt.Errorf("error while generating key. Err: %w", err)
	}
	return km, nil
}

// Encrypt with explicit key material
// The IV is not prepended: receiver derives it from the same packed key
func Encrypt(plain any, km models.KeyMaterial) (string, error) {
	var text []byte
	switch v := plain.(type) {
	case string:
		text = []byte(v)
	case []byte:
		text = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("error while serializing plaintext. Err: %w", err)
		}
		text = b
	}

	block, err := aes.NewCipher(km.Key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrKeyFormat, err)
	}
	if len(km.IV) != ivLen {
		return "", fmt.Errorf("%w: iv must be %d bytes", apperrors.ErrKeyFormat, ivLen)
	}

	padded := pad(text, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, km.IV).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt with explicit key material
func Decrypt(ciphertext string, km models.KeyMaterial) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext is not base64", apperrors.ErrDecryption)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext is not a multiple of block size", apperrors.ErrDecryption)
	}

	block, err := aes.NewCipher(km.Key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrKeyFormat, err)
	}
	if len(km.IV) != ivLen {
		return "", fmt.Errorf("%w: iv must be %d bytes", apperrors.ErrKeyFormat, ivLen)
	}

	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, km.IV).CryptBlocks(out, raw)

	text, err := unpad(out, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrDecryption, err)
	}
	if !utf8.Valid(text) {
		return "", fmt.Errorf("%w: plaintext is not valid utf-8", apperrors.ErrDecryption)
	}

	return string(text), nil
}

// PKCS7
func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty input")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}

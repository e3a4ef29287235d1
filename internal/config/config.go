// Package config reads the engine's settings from environment variables.
// Everything except the API origin has a default; durations come in as
// milliseconds to match the dashboard's existing deployment manifests.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	defaultExpiryBuffer = 5 * time.Minute
	defaultRenewTimeout = 10 * time.Second
	defaultHTTPTimeout  = 30 * time.Second
)

// Config is the resolved runtime configuration.
type Config struct {
	// APIURL is the API origin, e.g. https://api.finbridge.org.
	APIURL string
	// ExpiryBuffer widens token expiry checks so renewal happens early.
	ExpiryBuffer time.Duration
	// RenewTimeout bounds one silent-renewal call.
	RenewTimeout time.Duration
	// HTTPTimeout bounds ordinary API calls end to end.
	HTTPTimeout time.Duration

	// CredFile, when set, selects the file-backed credential store. CredKeyHex
	// must then carry a hex-encoded 32-byte sealing key.
	CredFile   string
	CredKeyHex string

	// Redis settings select the redis-backed credential store when RedisAddr
	// is set. Namespace keeps multiple apps on one instance apart.
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisNamespace string

	// PGDSN, when set, enables loading the permission catalog from Postgres.
	PGDSN string
}

// Load resolves configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		APIURL:         os.Getenv("FINBRIDGE_API_URL"),
		CredFile:       os.Getenv("FINBRIDGE_CRED_FILE"),
		CredKeyHex:     os.Getenv("FINBRIDGE_CRED_KEY"),
		RedisAddr:      os.Getenv("FINBRIDGE_REDIS_ADDR"),
		RedisPassword:  os.Getenv("FINBRIDGE_REDIS_PASSWORD"),
		RedisNamespace: os.Getenv("FINBRIDGE_REDIS_NAMESPACE"),
		PGDSN:          os.Getenv("FINBRIDGE_PG_DSN"),
	}
	if cfg.APIURL == "" {
		return Config{}, errors.New("config: FINBRIDGE_API_URL is required")
	}

	var err error
	if cfg.ExpiryBuffer, err = envMillis("FINBRIDGE_EXPIRY_BUFFER_MS", defaultExpiryBuffer); err != nil {
		return Config{}, err
	}
	if cfg.RenewTimeout, err = envMillis("FINBRIDGE_RENEW_TIMEOUT_MS", defaultRenewTimeout); err != nil {
		return Config{}, err
	}
	if cfg.HTTPTimeout, err = envMillis("FINBRIDGE_HTTP_TIMEOUT_MS", defaultHTTPTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RedisDB, err = envInt("FINBRIDGE_REDIS_DB", 0); err != nil {
		return Config{}, err
	}

	if cfg.CredFile != "" {
		if _, err := cfg.CredKey(); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// CredKey decodes the file-store sealing key.
func (c Config) CredKey() ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(c.CredKeyHex)
	if err != nil {
		return key, fmt.Errorf("config: FINBRIDGE_CRED_KEY is not hex: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("config: FINBRIDGE_CRED_KEY must be %d bytes, got %d", len(key), len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

func envMillis(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("config: %s must be a non-negative integer, got %q", key, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q", key, v)
	}
	return n, nil
}

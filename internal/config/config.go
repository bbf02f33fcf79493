package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port         int
	MasterSecret string
	GinMode      string
	TLSCertFile  string
	TLSKeyFile   string
	TokenExpiry  time.Duration

	DatabasePath string

	// Per-instance consumer identity for the presence stream worker.
	InstanceID string

	PresenceStreamEnabled bool
	PresenceStreamMaxLen  int64

	// When set, emitting a push update without an attached transport is a
	// configuration error instead of a silent drop.
	SocketRoomsOnly bool

	ChangeCleanupEnabled  bool
	ChangeCleanupInterval time.Duration
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:                  3000,
		GinMode:               "release",
		TokenExpiry:           7 * 24 * time.Hour,
		DatabasePath:          "relaysync.db",
		PresenceStreamMaxLen:  100000,
		ChangeCleanupInterval: 6 * time.Hour,
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")

	if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
		}
		cfg.TokenExpiry = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("DATABASE_PATH"); raw != "" {
		cfg.DatabasePath = raw
	}

	cfg.InstanceID = env.Getenv("INSTANCE_ID")
	cfg.PresenceStreamEnabled = isTruthy(env.Getenv("PRESENCE_STREAM_ENABLED"))

	if raw := env.Getenv("PRESENCE_STREAM_MAXLEN"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid PRESENCE_STREAM_MAXLEN")
		}
		cfg.PresenceStreamMaxLen = n
	}

	cfg.SocketRoomsOnly = isTruthy(env.Getenv("SOCKET_ROOMS_ONLY"))
	cfg.ChangeCleanupEnabled = isTruthy(env.Getenv("CHANGE_CLEANUP"))

	if raw := env.Getenv("CHANGE_CLEANUP_INTERVAL_MS"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 10000 {
			return Config{}, fmt.Errorf("invalid CHANGE_CLEANUP_INTERVAL_MS")
		}
		cfg.ChangeCleanupInterval = time.Duration(ms) * time.Millisecond
	}

	return cfg, nil
}

func isTruthy(raw string) bool {
	return raw == "1" || raw == "true"
}

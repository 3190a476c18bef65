package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string

	NATSURL           string
	RegistryBucket    string
	RPCTimeout        time.Duration
	RPCConnectTimeout time.Duration

	HTTPAddr    string
	CORSOrigins []string
	MetricsAddr string

	LogLevel string
	LogFile  string

	// push path
	FeedsFile string

	// authority node
	NodeID       string
	NodeAddress  string
	NodeChateaus []string
	NodeFeeds    map[string]string // feedID -> chateau
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		sslmode := getenvDefault("PGSSLMODE", "disable")
		switch {
		case db == "":
			// only the departures server needs one, see RequireDatabase
		case pass != "":
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		default:
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")

	// JetStream key-value bucket holding authority and feed assignments
	cfg.RegistryBucket = getenvDefault("REGISTRY_BUCKET", "AUTHORITY")

	var err error
	if cfg.RPCTimeout, err = millis("RPC_TIMEOUT_MS", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.RPCConnectTimeout, err = millis("RPC_CONNECT_TIMEOUT_MS", time.Second); err != nil {
		return nil, err
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	cfg.CORSOrigins = list(getenvDefault("CORS_ORIGINS", "*"))

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")
	cfg.LogFile = os.Getenv("LOG_FILE")

	cfg.FeedsFile = getenvDefault("FEEDS_FILE", "feeds.yml")

	cfg.NodeID = firstNonEmpty(os.Getenv("NODE_ID"), hostname())
	cfg.NodeAddress = getenvDefault("NODE_ADDRESS", cfg.NATSURL)
	cfg.NodeChateaus = list(os.Getenv("NODE_CHATEAUS"))
	if cfg.NodeFeeds, err = pairs("NODE_FEEDS"); err != nil {
		return nil, err
	}

	return cfg, nil
}

var errNoDatabase = errors.New("PGDATABASE or DATABASE_URL must be set")

// RequireDatabase reports whether a database DSN was configured.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return errNoDatabase
	}
	return nil
}

// millis reads a positive millisecond duration from k.
func millis(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// list splits a comma separated value, dropping blanks.
func list(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// pairs parses k=v entries from a comma separated value, e.g.
// NODE_FEEDS=f-metro=metro,f-uk-rail=uk-rail.
func pairs(k string) (map[string]string, error) {
	out := make(map[string]string)
	for _, p := range list(os.Getenv(k)) {
		key, val, ok := strings.Cut(p, "=")
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		if !ok || key == "" || val == "" {
			return nil, fmt.Errorf("invalid %s entry: %q", k, p)
		}
		out[key] = val
	}
	return out, nil
}

func hostname() string {
	h, _ := os.Hostname()
	return h
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}

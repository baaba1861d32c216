/*
Package config loads runtime configuration and builds the logger.

PURPOSE:
  Settings come from the process environment, optionally seeded from a
  .env file in the working directory. Command-line flags in cmd/ override
  the values returned here.

VARIABLES:
  PORT                 HTTP port (default 8080)
  DB_PATH              SQLite path, ":memory:" for a throwaway database
                       (default "budget.db")
  LOG_LEVEL            logrus level (default "info")
  LOG_FORMAT           "json" or "text" (default "text")
  REDIS_ADDRESS        enables the Redis locker when set
  REDIS_PASSWORD, REDIS_DB
  LOCK_TTL, LOCK_WAIT  Go durations (defaults 30s, 5s)
  SMTP_HOST, SMTP_PORT, SMTP_USER, SMTP_PASS, SMTP_FROM,
  SMTP_SKIP_TLS_VERIFY ("1" to skip)
  ADMIN_EMAIL, OFFICER_EMAIL
                       recipients of pending-decision notifications
  RECONCILE_INTERVAL   Go duration; 0 disables the scheduler (default 0)
  RECONCILE_AUTOFIX    "true" to apply corrections from the scheduler
  CORS_ORIGINS         comma-separated allowed origins (default "*")
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/warp/budget-ledger/lock"
	"github.com/warp/budget-ledger/notify"
)

// Config is the full runtime configuration.
type Config struct {
	Port   int
	DBPath string

	LogLevel  string
	LogFormat string

	RedisAddress  string
	RedisPassword string
	RedisDB       int
	Lock          lock.RedisOptions

	SMTP         notify.SMTPConfig
	AdminEmail   string
	OfficerEmail string

	ReconcileInterval time.Duration
	ReconcileAutoFix  bool

	CORSOrigins []string
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit env file. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	p := parser{}
	cfg := &Config{
		Port:          p.int("PORT", 8080),
		DBPath:        p.string("DB_PATH", "budget.db"),
		LogLevel:      p.string("LOG_LEVEL", "info"),
		LogFormat:     p.string("LOG_FORMAT", "text"),
		RedisAddress:  p.string("REDIS_ADDRESS", ""),
		RedisPassword: p.string("REDIS_PASSWORD", ""),
		RedisDB:       p.int("REDIS_DB", 0),
		Lock: lock.RedisOptions{
			TTL:  p.duration("LOCK_TTL", 30*time.Second),
			Wait: p.duration("LOCK_WAIT", 5*time.Second),
		},
		SMTP: notify.SMTPConfig{
			Host:          p.string("SMTP_HOST", ""),
			Port:          p.int("SMTP_PORT", 587),
			User:          p.string("SMTP_USER", ""),
			Password:      p.string("SMTP_PASS", ""),
			From:          p.string("SMTP_FROM", ""),
			SkipTLSVerify: p.string("SMTP_SKIP_TLS_VERIFY", "") == "1",
		},
		AdminEmail:        p.string("ADMIN_EMAIL", ""),
		OfficerEmail:      p.string("OFFICER_EMAIL", ""),
		ReconcileInterval: p.duration("RECONCILE_INTERVAL", 0),
		ReconcileAutoFix:  p.bool("RECONCILE_AUTOFIX", false),
		CORSOrigins:       p.list("CORS_ORIGINS", []string{"*"}),
	}
	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("LOG_FORMAT must be json or text, got %q", cfg.LogFormat)
	}
	return cfg, nil
}

// parser collects every malformed variable instead of stopping at the first.
type parser struct {
	errs []error
}

func (p *parser) string(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (p *parser) int(key string, def int) int {
	v := p.string(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (p *parser) bool(key string, def bool) bool {
	v := p.string(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.string(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func (p *parser) list(key string, def []string) []string {
	v := p.string(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package server

import (
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultMaxFileSizeMB     = 10
	defaultTempPath          = "./uploads"
	defaultValidityPeriod    = 7 * 24 * time.Hour
	defaultFallbackExtension = ".dat"
	defaultSweepInterval     = 24 * time.Hour
	defaultMaxFileAge        = 7 * 24 * time.Hour
)

// UploadConfig is the upload policy shared by the handler and the sweeper.
// It is built once at startup and never mutated.
type UploadConfig struct {
	MaxFileSizeMB      int
	TempPath           string
	ValidityPeriod     time.Duration
	ExtensionBlacklist map[string]struct{}
	FallbackExtension  string
	// PublicPort replaces the request port in download URLs when the stored
	// files are served from a different listener. Zero keeps the request host.
	PublicPort int
	BodyMode   BodyMode
}

// MaxFileSizeBytes is the exact byte threshold derived from MaxFileSizeMB.
func (c UploadConfig) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

// Blocked reports whether ext (lower-case, with leading dot) is blacklisted.
func (c UploadConfig) Blocked(ext string) bool {
	if len(c.ExtensionBlacklist) == 0 {
		return false
	}
	_, ok := c.ExtensionBlacklist[strings.ToLower(ext)]
	return ok
}

// SweepConfig controls the retention sweeper.
type SweepConfig struct {
	Interval time.Duration
	MaxAge   time.Duration
}

// S3Config points at the optional mirror bucket.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

// Enabled reports whether every mirror setting is present.
func (c S3Config) Enabled() bool {
	return c.Endpoint != "" && c.AccessKey != "" && c.SecretKey != "" && c.Bucket != ""
}

// BuildInfo is reported by the health endpoint.
type BuildInfo struct {
	Version string
	Commit  string
}

// Config is the full process configuration.
type Config struct {
	Addr      string // e.g. ":8080"
	FilesAddr string // optional listener serving stored files

	Upload UploadConfig
	Sweep  SweepConfig

	RateLimitPerMinute int
	// TrustedProxies are the peers whose X-Forwarded-For and X-Real-IP
	// headers name the client. Empty means forwarding headers are ignored.
	TrustedProxies []netip.Prefix

	DatabaseURL string
	S3          S3Config
	NATSURL     string
	Webhook     WebhookConfig

	Build BuildInfo
}

// yamlKeys maps config file keys onto the environment variable that
// overrides them.
var yamlKeys = map[string]string{
	"addr":                    "FTU_ADDR",
	"files_addr":              "FTU_FILES_ADDR",
	"maximum_file_size_in_mb": "FTU_MAX_FILE_SIZE_MB",
	"tmp_path":                "FTU_TMP_PATH",
	"validity_period":         "FTU_VALIDITY_PERIOD",
	"validity_period_days":    "FTU_VALIDITY_PERIOD_DAYS",
	"validity_period_seconds": "FTU_VALIDITY_PERIOD_SECONDS",
	"extension_blacklist":     "FTU_EXTENSION_BLACKLIST",
	"extension_fallback":      "FTU_EXTENSION_FALLBACK",
	"public_port":             "FTU_PUBLIC_PORT",
	"body_mode":               "FTU_BODY_MODE",
	"sweep_interval":          "FTU_SWEEP_INTERVAL",
	"max_file_age":            "FTU_MAX_FILE_AGE",
	"rate_limit_per_minute":   "FTU_RATE_LIMIT_PER_MINUTE",
	"trusted_proxies":         "FTU_TRUSTED_PROXIES",
	"database_url":            "DATABASE_URL",
	"nats_url":                "NATS_URL",
	"s3.endpoint":             "FTU_S3_ENDPOINT",
	"s3.access_key":           "FTU_S3_ACCESS_KEY",
	"s3.secret_key":           "FTU_S3_SECRET_KEY",
	"s3.bucket":               "FTU_BUCKET",
	"webhook.url":             "FTU_WEBHOOK_URL",
	"webhook.secret":          "FTU_WEBHOOK_SECRET",
}

// settings resolves a key from the environment first, then the config file.
type settings struct {
	file   map[string]string
	getenv func(string) string
}

func (s settings) get(key string) string {
	if v := strings.TrimSpace(s.getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(s.file[key])
}

func (s settings) getDefault(key, def string) string {
	if v := s.get(key); v != "" {
		return v
	}
	return def
}

// LoadConfig reads the optional .env file and YAML config file, applies
// environment overrides and validates the result.
func LoadConfig(configFile, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	file := map[string]string{}
	if configFile != "" {
		raw, err := os.ReadFile(configFile)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		file, err = parseConfigFile(raw)
		if err != nil {
			return Config{}, err
		}
	}

	return buildConfig(settings{file: file, getenv: os.Getenv})
}

// parseConfigFile flattens a YAML document into environment keys.
func parseConfigFile(raw []byte) (map[string]string, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	out := make(map[string]string)
	var unknown []string
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, val := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if nested, ok := val.(map[string]any); ok {
				walk(key, nested)
				continue
			}
			envKey, ok := yamlKeys[key]
			if !ok {
				unknown = append(unknown, key)
				continue
			}
			out[envKey] = yamlScalar(val)
		}
	}
	walk("", doc)

	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("parse config file: unknown keys: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

func yamlScalar(val any) string {
	switch t := val.(type) {
	case nil:
		return ""
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(t)
	}
}

func buildConfig(s settings) (Config, error) {
	v := NewConfigValidator()

	cfg := Config{
		Addr:      s.getDefault("FTU_ADDR", ":8080"),
		FilesAddr: s.get("FTU_FILES_ADDR"),
		Build: BuildInfo{
			Version: s.getDefault("FTU_VERSION", "dev"),
			Commit:  s.getDefault("FTU_COMMIT", "unknown"),
		},
		DatabaseURL: s.get("DATABASE_URL"),
		NATSURL:     s.get("NATS_URL"),
		S3: S3Config{
			Endpoint:  s.get("FTU_S3_ENDPOINT"),
			AccessKey: s.get("FTU_S3_ACCESS_KEY"),
			SecretKey: s.get("FTU_S3_SECRET_KEY"),
			Bucket:    s.get("FTU_BUCKET"),
		},
		Webhook: WebhookConfig{
			URL:    s.get("FTU_WEBHOOK_URL"),
			Secret: s.get("FTU_WEBHOOK_SECRET"),
		},
	}

	up := UploadConfig{
		MaxFileSizeMB:     v.PositiveInt("FTU_MAX_FILE_SIZE_MB", s.get("FTU_MAX_FILE_SIZE_MB"), defaultMaxFileSizeMB),
		TempPath:          s.getDefault("FTU_TMP_PATH", defaultTempPath),
		ValidityPeriod:    validityPeriod(v, s),
		FallbackExtension: normaliseExtension(s.getDefault("FTU_EXTENSION_FALLBACK", defaultFallbackExtension)),
		PublicPort:        v.Port("FTU_PUBLIC_PORT", s.get("FTU_PUBLIC_PORT")),
		BodyMode:          BodyMode(s.getDefault("FTU_BODY_MODE", string(BodyModeAuto))),
	}
	v.Enum("FTU_BODY_MODE", string(up.BodyMode), []string{string(BodyModeAuto), string(BodyModeMultipart), string(BodyModeRaw)})
	v.WritableDir("FTU_TMP_PATH", up.TempPath)

	if raw := s.get("FTU_EXTENSION_BLACKLIST"); raw != "" {
		up.ExtensionBlacklist = make(map[string]struct{})
		for _, ext := range strings.Split(raw, ",") {
			if ext = normaliseExtension(ext); ext != "" {
				up.ExtensionBlacklist[ext] = struct{}{}
			}
		}
	}
	if up.FallbackExtension == "" {
		v.AddError("FTU_EXTENSION_FALLBACK", "must not be empty")
	}
	cfg.Upload = up

	cfg.Sweep = SweepConfig{
		Interval: v.PositiveDuration("FTU_SWEEP_INTERVAL", s.get("FTU_SWEEP_INTERVAL"), defaultSweepInterval),
		MaxAge:   v.PositiveDuration("FTU_MAX_FILE_AGE", s.get("FTU_MAX_FILE_AGE"), defaultMaxFileAge),
	}
	cfg.RateLimitPerMinute = v.NonNegativeInt("FTU_RATE_LIMIT_PER_MINUTE", s.get("FTU_RATE_LIMIT_PER_MINUTE"), 0)
	cfg.TrustedProxies = v.Prefixes("FTU_TRUSTED_PROXIES", s.get("FTU_TRUSTED_PROXIES"))

	if cfg.DatabaseURL != "" &&
		!strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		v.AddError("DATABASE_URL", "must be a valid PostgreSQL connection string")
	}
	if u := cfg.Webhook.URL; u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		v.AddError("FTU_WEBHOOK_URL", "must be an http:// or https:// URL")
	}
	if cfg.S3 != (S3Config{}) && !cfg.S3.Enabled() {
		v.AddError("FTU_S3_ENDPOINT", "mirror needs FTU_S3_ENDPOINT, FTU_S3_ACCESS_KEY, FTU_S3_SECRET_KEY and FTU_BUCKET")
	}

	if err := v.Err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validityPeriod accepts exactly one of the three unit-explicit keys.
func validityPeriod(v *ConfigValidator, s settings) time.Duration {
	dur := s.get("FTU_VALIDITY_PERIOD")
	days := s.get("FTU_VALIDITY_PERIOD_DAYS")
	secs := s.get("FTU_VALIDITY_PERIOD_SECONDS")

	set := 0
	for _, raw := range []string{dur, days, secs} {
		if raw != "" {
			set++
		}
	}
	if set > 1 {
		v.AddError("FTU_VALIDITY_PERIOD", "set only one of FTU_VALIDITY_PERIOD, FTU_VALIDITY_PERIOD_DAYS, FTU_VALIDITY_PERIOD_SECONDS")
		return defaultValidityPeriod
	}

	switch {
	case dur != "":
		return v.PositiveDuration("FTU_VALIDITY_PERIOD", dur, defaultValidityPeriod)
	case days != "":
		return time.Duration(v.PositiveInt("FTU_VALIDITY_PERIOD_DAYS", days, 7)) * 24 * time.Hour
	case secs != "":
		return time.Duration(v.PositiveInt("FTU_VALIDITY_PERIOD_SECONDS", secs, 1)) * time.Second
	default:
		return defaultValidityPeriod
	}
}

func normaliseExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, relative to the working directory.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	LogsDir  string `yaml:"logsDir"`

	StoreURL             string `yaml:"storeURL"`
	StoreCredentialsPath string `yaml:"storeCredentialsPath"`
	StoreKeyPrefix       string `yaml:"storeKeyPrefix"`
	StorePingInterval    string `yaml:"storePingInterval"`
	StoreOpTimeout       string `yaml:"storeOpTimeout"`

	BusURL    string `yaml:"busURL"`
	BusPrefix string `yaml:"busPrefix"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	JWTSecret           string `yaml:"jwtSecret"`
	JWTPrivateKeyPath   string `yaml:"jwtPrivateKeyPath"`
	JWTPublicKeyPath    string `yaml:"jwtPublicKeyPath"`
	JWTKeyID            string `yaml:"jwtKeyId"`
	JWTVerifyPublicKeys string `yaml:"jwtVerifyPublicKeys"`
	JWTIssuer           string `yaml:"jwtIssuer"`
	JWTAudience         string `yaml:"jwtAudience"`
	JWTLeeway           string `yaml:"jwtLeeway"`
	SessionTTL          string `yaml:"sessionTTL"`

	SignupRateLimitPerMinute int `yaml:"signupRateLimitPerMinute"`
	LoginRateLimitPerMinute  int `yaml:"loginRateLimitPerMinute"`

	IdleTimeout       string `yaml:"idleTimeout"`
	IdleSweepInterval string `yaml:"idleSweepInterval"`

	ReconnectMaxRetries int    `yaml:"reconnectMaxRetries"`
	ReconnectBackoff    string `yaml:"reconnectBackoff"`
	SeedMaxAttempts     int    `yaml:"seedMaxAttempts"`
	SeedRetryDelay      string `yaml:"seedRetryDelay"`
	SeedTimeout         string `yaml:"seedTimeout"`

	AllowedOrigins []string `yaml:"allowedOrigins"`
	TrustedProxies []string `yaml:"trustedProxies"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	strs := map[string]*string{
		"CHAT_PORT":                   &cfg.Port,
		"CHAT_LOG_LEVEL":              &cfg.LogLevel,
		"CHAT_LOGS_DIR":               &cfg.LogsDir,
		"CHAT_STORE_URL":              &cfg.StoreURL,
		"CHAT_STORE_CREDENTIALS_PATH": &cfg.StoreCredentialsPath,
		"CHAT_STORE_KEY_PREFIX":       &cfg.StoreKeyPrefix,
		"CHAT_BUS_URL":                &cfg.BusURL,
		"CHAT_IDLE_TIMEOUT":           &cfg.IdleTimeout,
		"REDIS_ADDR":                  &cfg.RedisAddr,
		"REDIS_PASSWORD":              &cfg.RedisPassword,
		"JWT_SECRET":                  &cfg.JWTSecret,
		"JWT_PRIVATE_KEY_PATH":        &cfg.JWTPrivateKeyPath,
		"JWT_PUBLIC_KEY_PATH":         &cfg.JWTPublicKeyPath,
		"JWT_KEY_ID":                  &cfg.JWTKeyID,
		"JWT_VERIFY_PUBLIC_KEYS":      &cfg.JWTVerifyPublicKeys,
		"JWT_ISSUER":                  &cfg.JWTIssuer,
		"JWT_AUDIENCE":                &cfg.JWTAudience,
		"JWT_LEEWAY":                  &cfg.JWTLeeway,
		"CHAT_SESSION_TTL":            &cfg.SessionTTL,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"CHAT_SIGNUP_RATE_LIMIT_PER_MINUTE": &cfg.SignupRateLimitPerMinute,
		"CHAT_LOGIN_RATE_LIMIT_PER_MINUTE":  &cfg.LoginRateLimitPerMinute,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	if v := os.Getenv("CHAT_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("CHAT_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitList(v)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.StoreURL) == "" {
		return errors.New("config: storeURL is required (set in config.yaml or CHAT_STORE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for token revocation and rate limiting")
	}
	if cfg.JWTSecret == "" && cfg.JWTPrivateKeyPath == "" {
		return errors.New("config: jwtSecret or jwtPrivateKeyPath is required (set JWT_SECRET)")
	}
	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < 32 {
		return errors.New("config: jwtSecret must be at least 32 bytes")
	}
	if cfg.JWTPrivateKeyPath == "" && cfg.JWTPublicKeyPath != "" {
		return errors.New("config: jwtPublicKeyPath requires jwtPrivateKeyPath")
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.ReconnectMaxRetries < 0 || cfg.SeedMaxAttempts < 0 {
		return errors.New("config: retry counts must be >= 0")
	}
	for name, raw := range map[string]string{
		"storePingInterval": cfg.StorePingInterval,
		"storeOpTimeout":    cfg.StoreOpTimeout,
		"jwtLeeway":         cfg.JWTLeeway,
		"sessionTTL":        cfg.SessionTTL,
		"idleTimeout":       cfg.IdleTimeout,
		"idleSweepInterval": cfg.IdleSweepInterval,
		"reconnectBackoff":  cfg.ReconnectBackoff,
		"seedRetryDelay":    cfg.SeedRetryDelay,
		"seedTimeout":       cfg.SeedTimeout,
	} {
		if _, err := ParseDuration(name, raw); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// ParseDuration parses an optional duration field. Empty means zero so
// callers can apply their own default.
func ParseDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", field, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must be >= 0", field)
	}
	return dur, nil
}

// ParseSessionTTL parses optional session TTL duration string.
func ParseSessionTTL(ttlStr string) (time.Duration, error) {
	return ParseDuration("sessionTTL", ttlStr)
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	return ParseDuration("jwtLeeway", leewayStr)
}

// ParseVerifyPublicKeys parses "kid=path,kid2=path2" into a map.
func ParseVerifyPublicKeys(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kid, path, ok := strings.Cut(pair, "=")
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if !ok || kid == "" || path == "" {
			return nil, fmt.Errorf("invalid jwtVerifyPublicKeys entry %q", pair)
		}
		out[kid] = path
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

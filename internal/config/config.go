package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Auth modes.
const (
	AuthDevelopment = "development"
	AuthExternal    = "external" // RS256 via JWKS / OIDC discovery
	AuthShared      = "shared"   // HS256 with AUTH_SIGNING_KEY
)

// Blob backends.
const (
	BlobPostgres = "postgres"
	BlobLevelDB  = "leveldb"
	BlobMemory   = "memory"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultClinic  string        `mapstructure:"DEFAULT_CLINIC"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	TLSEnabled     bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string        `mapstructure:"TLS_KEY_FILE"`

	PublicBaseURL string `mapstructure:"PUBLIC_BASE_URL"`
	BrandName     string `mapstructure:"BRAND_NAME"`
	BrandAddress  string `mapstructure:"BRAND_ADDRESS"`
	BrandFooter   string `mapstructure:"BRAND_FOOTER"`

	BlobBackend     string `mapstructure:"BLOB_BACKEND"`
	BlobLevelDBPath string `mapstructure:"BLOB_LEVELDB_PATH"`

	RemoteSignerURL     string        `mapstructure:"REMOTE_SIGNER_URL"`
	RemoteSignerToken   string        `mapstructure:"REMOTE_SIGNER_TOKEN"`
	RemoteSignerTimeout time.Duration `mapstructure:"REMOTE_SIGNER_TIMEOUT"`

	NotifyWorkers   int `mapstructure:"NOTIFY_WORKERS"`
	NotifyQueueSize int `mapstructure:"NOTIFY_QUEUE_SIZE"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "DEFAULT_CLINIC",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"PUBLIC_BASE_URL", "BRAND_NAME", "BRAND_ADDRESS", "BRAND_FOOTER",
	"BLOB_BACKEND", "BLOB_LEVELDB_PATH",
	"REMOTE_SIGNER_URL", "REMOTE_SIGNER_TOKEN", "REMOTE_SIGNER_TIMEOUT",
	"NOTIFY_WORKERS", "NOTIFY_QUEUE_SIZE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_CLINIC", "00000000-0000-4000-8000-000000000001")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "2M")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8000")
	v.SetDefault("BRAND_NAME", "Prontivus")
	v.SetDefault("BRAND_FOOTER", "Documento assinado digitalmente")
	v.SetDefault("BLOB_BACKEND", BlobPostgres)
	v.SetDefault("BLOB_LEVELDB_PATH", "data/documents")
	v.SetDefault("REMOTE_SIGNER_TIMEOUT", "10s")
	v.SetDefault("NOTIFY_WORKERS", 2)
	v.SetDefault("NOTIFY_QUEUE_SIZE", 100)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development runs
// without authentication, a configured signing key selects shared-secret
// tokens, and anything else expects an external issuer.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthDevelopment
	}
	if c.AuthSigningKey != "" {
		return AuthShared
	}
	return AuthExternal
}

// Validate rejects configurations that are unsafe or cannot start.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case AuthDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE %q is not allowed in production", mode)
		}
	case AuthExternal:
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf(
				"AUTH_ISSUER or AUTH_JWKS_URL must be set when AUTH_MODE is %q (current ENV=%q)", mode, c.Env)
		}
	case AuthShared:
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes when AUTH_MODE is %q", mode)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q, %q or %q, got %q", AuthDevelopment, AuthExternal, AuthShared, mode)
	}

	if _, err := uuid.Parse(c.DefaultClinic); c.DefaultClinic != "" && err != nil {
		return fmt.Errorf("DEFAULT_CLINIC must be a UUID: %w", err)
	}

	u, err := url.Parse(c.PublicBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("PUBLIC_BASE_URL must be an absolute http(s) URL, got %q", c.PublicBaseURL)
	}
	if c.IsProduction() && u.Scheme != "https" {
		return fmt.Errorf("PUBLIC_BASE_URL must use https in production")
	}

	switch c.BlobBackend {
	case BlobPostgres, BlobMemory:
	case BlobLevelDB:
		if c.BlobLevelDBPath == "" {
			return fmt.Errorf("BLOB_LEVELDB_PATH is required when BLOB_BACKEND is %q", BlobLevelDB)
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be %q, %q or %q, got %q", BlobPostgres, BlobLevelDB, BlobMemory, c.BlobBackend)
	}
	if c.IsProduction() && c.BlobBackend == BlobMemory {
		return fmt.Errorf("BLOB_BACKEND %q would lose signed documents on restart", BlobMemory)
	}

	if c.RemoteSignerURL != "" {
		if u, err := url.Parse(c.RemoteSignerURL); err != nil || u.Host == "" {
			return fmt.Errorf("REMOTE_SIGNER_URL is not a valid URL: %q", c.RemoteSignerURL)
		}
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}

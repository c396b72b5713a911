package claimd

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML, TOML and environment values accept
// human readable strings such as "300s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML and env.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for claimd.
type Config struct {
	Environment string            `yaml:"environment" toml:"environment" env:"ENV"`
	Listen      string            `yaml:"listen" toml:"listen" env:"LISTEN"`
	Storage     StorageConfig     `yaml:"storage" toml:"storage" envPrefix:"STORAGE_"`
	Token       TokenConfig       `yaml:"token" toml:"token" envPrefix:"TOKEN_"`
	Reservation ReservationConfig `yaml:"reservation" toml:"reservation" envPrefix:"RESERVATION_"`
	Pool        PoolConfig        `yaml:"pool" toml:"pool" envPrefix:"POOL_"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth" envPrefix:"AUTH_"`
	Signer      SignerConfig      `yaml:"signer" toml:"signer" envPrefix:"SIGNER_"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" toml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging" envPrefix:"LOG_"`
}

// StorageConfig selects and configures the ledger backend.
type StorageConfig struct {
	Driver     string `yaml:"driver" toml:"driver" env:"DRIVER"`
	Addr       string `yaml:"addr" toml:"addr" env:"ADDR"`
	Username   string `yaml:"username" toml:"username" env:"USERNAME"`
	Password   string `yaml:"password" toml:"password" env:"PASSWORD"`
	DB         int    `yaml:"db" toml:"db" env:"DB"`
	Path       string `yaml:"path" toml:"path" env:"PATH"`
	SQLDriver  string `yaml:"sql_driver" toml:"sql_driver" env:"SQL_DRIVER"`
	DSN        string `yaml:"dsn" toml:"dsn" env:"DSN"`
	KeyPrefix  string `yaml:"key_prefix" toml:"key_prefix" env:"KEY_PREFIX"`
	MaxRetries int    `yaml:"max_retries" toml:"max_retries" env:"MAX_RETRIES"`
}

// TokenConfig describes the reward token.
type TokenConfig struct {
	// Decimals is a pointer so an explicit 0 is kept.
	Decimals *int `yaml:"decimals" toml:"decimals" env:"DECIMALS"`
}

// ReservationConfig tunes ledger holds.
type ReservationConfig struct {
	TTL     Duration `yaml:"ttl" toml:"ttl" env:"TTL"`
	MaxLive *int     `yaml:"max_live" toml:"max_live" env:"MAX_LIVE"`
}

// PoolConfig points at the on-chain reward pool. An empty RPC endpoint
// disables balance capping.
type PoolConfig struct {
	RPCEndpoint  string   `yaml:"rpc_endpoint" toml:"rpc_endpoint" env:"RPC_ENDPOINT"`
	TokenAddress string   `yaml:"token_address" toml:"token_address" env:"TOKEN_ADDRESS"`
	PoolAddress  string   `yaml:"pool_address" toml:"pool_address" env:"ADDRESS"`
	CacheTTL     Duration `yaml:"cache_ttl" toml:"cache_ttl" env:"CACHE_TTL"`
}

// AuthConfig configures sign-in and sessions.
type AuthConfig struct {
	NonceMode         string   `yaml:"nonce_mode" toml:"nonce_mode" env:"NONCE_MODE"`
	NonceTTL          Duration `yaml:"nonce_ttl" toml:"nonce_ttl" env:"NONCE_TTL"`
	SessionSecret     string   `yaml:"session_secret" toml:"session_secret" env:"SESSION_SECRET"`
	SessionSecretEnv  string   `yaml:"session_secret_env" toml:"session_secret_env"`
	SessionSecretFile string   `yaml:"session_secret_file" toml:"session_secret_file" env:"SESSION_SECRET_FILE"`
	CookieName        string   `yaml:"cookie_name" toml:"cookie_name" env:"COOKIE_NAME"`
	CookieMaxAge      Duration `yaml:"cookie_max_age" toml:"cookie_max_age" env:"COOKIE_MAX_AGE"`
	CookieSecure      bool     `yaml:"cookie_secure" toml:"cookie_secure" env:"COOKIE_SECURE"`
	Domain            string   `yaml:"domain" toml:"domain" env:"DOMAIN"`
	ChainID           int64    `yaml:"chain_id" toml:"chain_id" env:"CHAIN_ID"`
}

// SignerConfig configures EIP-712 claim authorizations.
type SignerConfig struct {
	PrivateKey        string `yaml:"private_key" toml:"private_key" env:"PRIVATE_KEY"`
	PrivateKeyEnv     string `yaml:"private_key_env" toml:"private_key_env"`
	PrivateKeyFile    string `yaml:"private_key_file" toml:"private_key_file" env:"PRIVATE_KEY_FILE"`
	DomainName        string `yaml:"domain_name" toml:"domain_name" env:"DOMAIN_NAME"`
	DomainVersion     string `yaml:"domain_version" toml:"domain_version" env:"DOMAIN_VERSION"`
	ChainID           int64  `yaml:"chain_id" toml:"chain_id" env:"CHAIN_ID"`
	VerifyingContract string `yaml:"verifying_contract" toml:"verifying_contract" env:"VERIFYING_CONTRACT"`
	CampaignID        string `yaml:"campaign_id" toml:"campaign_id" env:"CAMPAIGN_ID"`

	campaign *big.Int
}

// Campaign returns the parsed campaign id; zero before LoadConfig has run.
func (s SignerConfig) Campaign() *big.Int {
	if s.campaign == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(s.campaign)
}

// RateLimitConfig throttles claim issuance per session address.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute" env:"RPM"`
	Burst             int     `yaml:"burst" toml:"burst" env:"BURST"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level" env:"LEVEL"`
	File       string `yaml:"file" toml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups" env:"MAX_BACKUPS"`
}

// LoadConfig reads the file at path (YAML, or TOML when the extension is
// .toml), applies CLAIMD_* environment overrides and defaults, and validates
// the result. An empty path loads from the environment alone.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "CLAIMD_"}); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := cfg.Signer.normalise(); err != nil {
		return cfg, fmt.Errorf("signer: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8787"
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Storage.SQLDriver == "" {
		cfg.Storage.SQLDriver = "sqlite"
	}
	if cfg.Token.Decimals == nil {
		decimals := DefaultTokenDecimals
		cfg.Token.Decimals = &decimals
	}
	if cfg.Reservation.TTL.Duration == 0 {
		cfg.Reservation.TTL.Duration = DefaultReserveTTL
	}
	if cfg.Reservation.MaxLive == nil {
		limit := 3
		cfg.Reservation.MaxLive = &limit
	}
	if cfg.Pool.CacheTTL.Duration == 0 {
		cfg.Pool.CacheTTL.Duration = DefaultPoolCacheTTL
	}
	cfg.Auth.NonceMode = strings.ToLower(strings.TrimSpace(cfg.Auth.NonceMode))
	if cfg.Auth.NonceMode == "" {
		cfg.Auth.NonceMode = "stateless"
	}
	if cfg.Auth.NonceTTL.Duration == 0 {
		cfg.Auth.NonceTTL.Duration = 10 * time.Minute
	}
	if cfg.Auth.CookieMaxAge.Duration == 0 {
		cfg.Auth.CookieMaxAge.Duration = 7 * 24 * time.Hour
	}
	if cfg.Signer.DomainName == "" {
		cfg.Signer.DomainName = "RewardPool"
	}
	if cfg.Signer.DomainVersion == "" {
		cfg.Signer.DomainVersion = "1"
	}
	if cfg.Signer.CampaignID == "" {
		cfg.Signer.CampaignID = "0"
	}
	if cfg.Auth.ChainID == 0 {
		cfg.Auth.ChainID = cfg.Signer.ChainID
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 6
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 3
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validateConfig(cfg Config) error {
	switch cfg.Storage.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(cfg.Storage.Addr) == "" {
			return fmt.Errorf("storage.addr must be configured for redis")
		}
	case "leveldb":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path must be configured for leveldb")
		}
	case "sql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn must be configured for sql")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
	if *cfg.Token.Decimals < 0 || *cfg.Token.Decimals > 36 {
		return fmt.Errorf("token.decimals must be between 0 and 36")
	}
	if *cfg.Reservation.MaxLive < 0 {
		return fmt.Errorf("reservation.max_live must not be negative")
	}
	switch cfg.Auth.NonceMode {
	case "stateless", "stored":
	default:
		return fmt.Errorf("auth.nonce_mode must be stateless or stored")
	}
	if cfg.Pool.RPCEndpoint != "" {
		if cfg.Pool.TokenAddress == "" || cfg.Pool.PoolAddress == "" {
			return fmt.Errorf("pool.token_address and pool.pool_address are required with pool.rpc_endpoint")
		}
	}
	if cfg.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must not be negative")
	}
	return nil
}

// normalise resolves the session secret from env or file indirections. A
// missing secret is not an error here; the auth endpoints report it as 503.
func (a *AuthConfig) normalise() error {
	secret, err := resolveSecret(a.SessionSecret, a.SessionSecretEnv, a.SessionSecretFile, "session_secret")
	if err != nil {
		return err
	}
	a.SessionSecret = secret
	return nil
}

func (s *SignerConfig) normalise() error {
	key, err := resolveSecret(s.PrivateKey, s.PrivateKeyEnv, s.PrivateKeyFile, "private_key")
	if err != nil {
		return err
	}
	s.PrivateKey = key
	s.VerifyingContract = strings.TrimSpace(s.VerifyingContract)
	campaign, ok := new(big.Int).SetString(strings.TrimSpace(s.CampaignID), 10)
	if !ok || campaign.Sign() < 0 {
		return fmt.Errorf("campaign_id must be a non-negative decimal integer")
	}
	s.campaign = campaign
	if s.PrivateKey != "" {
		if s.ChainID <= 0 {
			return fmt.Errorf("chain_id must be configured with a signing key")
		}
		if s.VerifyingContract == "" {
			return fmt.Errorf("verifying_contract must be configured with a signing key")
		}
	}
	return nil
}

func resolveSecret(value, envName, file, field string) (string, error) {
	value = strings.TrimSpace(value)
	if value != "" {
		return value, nil
	}
	envName = strings.TrimSpace(envName)
	file = strings.TrimSpace(file)
	switch {
	case envName != "":
		v := strings.TrimSpace(os.Getenv(envName))
		if v == "" {
			return "", fmt.Errorf("%s_env %s is empty", field, envName)
		}
		return v, nil
	case file != "":
		contents, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s_file: %w", field, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}

package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// ErrConfigMissing is matched by every *MissingError.
var ErrConfigMissing = errors.New("required configuration missing")

// MissingError lists the environment variables that must be set before the
// service can handle requests.
type MissingError struct {
	Vars []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", strings.Join(e.Vars, ", "))
}

func (e *MissingError) Is(target error) bool {
	return target == ErrConfigMissing
}

const (
	StoreDriverScylla = "scylla"
	StoreDriverMemory = "memory"
)

// Config holds all configuration for the faucet service. It is built once by
// Load and passed by pointer to every component; nothing mutates it afterwards.
type Config struct {
	Environment string

	Server      ServerConfig
	Logging     LoggingConfig
	Faucet      FaucetConfig
	Eligibility EligibilityConfig
	Captcha     CaptchaConfig
	Solana      SolanaConfig
	Store       StoreConfig
	Scylla      ScyllaConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Clickhouse  ClickhouseConfig
	KMS         KMSConfig
	Bucketing   BucketingConfig
	Sweep       SweepConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	AllowedOrigins []string
	// TrustedProxies are the IPs or CIDRs whose X-Forwarded-For and
	// X-Real-IP headers are believed.
	TrustedProxies []string

	EnableTLS   bool
	AutoCert    bool
	Domain      string
	Email       string
	CertFile    string
	KeyFile     string
	AutoCertDir string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// FaucetConfig describes the distinguished funded account payouts are drawn from.
type FaucetConfig struct {
	Address          string
	PublicKey        string
	PrivateKey       string
	Percent          decimal.Decimal
	WalletExpiration time.Duration
	LockTTL          time.Duration
}

type EligibilityConfig struct {
	ThrottleDuration time.Duration
	InvokeLimit      int
	ResetWindow      time.Duration
	RetentionWindow  time.Duration
}

type CaptchaConfig struct {
	Secret    string
	VerifyURL string
	Timeout   time.Duration
}

type SolanaConfig struct {
	RPCEndpoint         string
	Timeout             time.Duration
	FeeLamports         uint64
	ReceiveLookback     int
	ReceivePollInterval time.Duration
}

type StoreConfig struct {
	Driver string
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
	Timeout  time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int

	// TLS files are read only for rediss:// URLs.
	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
	CAFile   string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type BucketingConfig struct {
	WalletBuckets int
}

type SweepConfig struct {
	Interval    time.Duration
	Concurrency int
	ExpiredOnly bool
	LockTTL     time.Duration
	Timeout     time.Duration
}

// Load reads an optional .env file followed by the process environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	return FromEnv()
}

// FromEnv builds a Config from the environment with defaults applied. It does
// not check required values; see Validate.
func FromEnv() (*Config, error) {
	percent, err := decimal.NewFromString(getEnv("FAUCET_PERCENT", "0.00015"))
	if err != nil {
		return nil, fmt.Errorf("invalid FAUCET_PERCENT: %w", err)
	}
	if percent.IsNegative() || percent.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("invalid FAUCET_PERCENT: %s must be within [0, 1]", percent)
	}

	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getIntEnv("SERVER_PORT", 8080),
			ReadTimeout:    getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:   getDurationEnv("SERVER_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:    getDurationEnv("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout: getDurationEnv("SERVER_REQUEST_TIMEOUT", 45*time.Second),
			AllowedOrigins: getStringSliceEnv("CORS_ALLOWED_ORIGINS", []string{"*"}),
			TrustedProxies: getStringSliceEnv("SERVER_TRUSTED_PROXIES", nil),
			EnableTLS:      getBoolEnv("SERVER_ENABLE_TLS", false),
			AutoCert:       getBoolEnv("SERVER_AUTO_CERT", false),
			Domain:         getEnv("SERVER_DOMAIN", ""),
			Email:          getEnv("SERVER_ACME_EMAIL", ""),
			CertFile:       getEnv("SERVER_CERT_FILE", ""),
			KeyFile:        getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:    getEnv("SERVER_AUTO_CERT_DIR", "./certs"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Faucet: FaucetConfig{
			Address:          getEnv("FAUCET_ADDRESS", ""),
			PublicKey:        getEnv("FAUCET_PUBLIC_KEY", ""),
			PrivateKey:       getEnv("FAUCET_PRIVATE_KEY", ""),
			Percent:          percent,
			WalletExpiration: getDurationEnv("WALLET_EXPIRATION", 72*time.Hour),
			LockTTL:          getDurationEnv("FAUCET_IP_LOCK_TTL", 30*time.Second),
		},
		Eligibility: EligibilityConfig{
			ThrottleDuration: getDurationEnv("THROTTLE_DURATION", 600*time.Second),
			InvokeLimit:      getIntEnv("INVOKE_LIMIT", 10),
			ResetWindow:      getDurationEnv("RESET_WINDOW", 24*time.Hour),
			RetentionWindow:  getDurationEnv("RETENTION_WINDOW", 48*time.Hour),
		},
		Captcha: CaptchaConfig{
			Secret:    getEnv("RECAPTCHA_SECRET", ""),
			VerifyURL: getEnv("RECAPTCHA_VERIFY_URL", "https://www.google.com/recaptcha/api/siteverify"),
			Timeout:   getDurationEnv("RECAPTCHA_TIMEOUT", 5*time.Second),
		},
		Solana: SolanaConfig{
			RPCEndpoint:         getEnv("SOLANA_RPC_ENDPOINT", ""),
			Timeout:             getDurationEnv("SOLANA_RPC_TIMEOUT", 20*time.Second),
			FeeLamports:         getUint64Env("SOLANA_FEE_LAMPORTS", 5000),
			ReceiveLookback:     getIntEnv("SOLANA_RECEIVE_LOOKBACK", 25),
			ReceivePollInterval: getDurationEnv("SOLANA_RECEIVE_POLL_INTERVAL", 2*time.Second),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(getEnv("STORE_DRIVER", StoreDriverScylla)),
		},
		Scylla: ScyllaConfig{
			Nodes:    getStringSliceEnv("SCYLLA_NODES", nil),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "faucet"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
			Timeout:  getDurationEnv("SCYLLA_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
			PoolSize: getIntEnv("REDIS_POOL_SIZE", 20),

			TLSCAFile:   getEnv("REDIS_TLS_CA_FILE", ""),
			TLSCertFile: getEnv("REDIS_TLS_CERT_FILE", ""),
			TLSKeyFile:  getEnv("REDIS_TLS_KEY_FILE", ""),
		},
		Kafka: KafkaConfig{
			Brokers: getStringSliceEnv("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_TOPIC", "faucet-events"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", ""),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "faucet"),
			CAFile:   getEnv("CLICKHOUSE_CA_FILE", ""),
		},
		KMS: KMSConfig{
			Enabled: getBoolEnv("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "us-east-1"),
		},
		Bucketing: BucketingConfig{
			WalletBuckets: getIntEnv("WALLET_BUCKETS", 16),
		},
		Sweep: SweepConfig{
			Interval:    getDurationEnv("SWEEP_INTERVAL", 0),
			Concurrency: getIntEnv("SWEEP_CONCURRENCY", 8),
			ExpiredOnly: getBoolEnv("SWEEP_EXPIRED_ONLY", true),
			LockTTL:     getDurationEnv("SWEEP_LOCK_TTL", 15*time.Minute),
			Timeout:     getDurationEnv("SWEEP_TIMEOUT", 10*time.Minute),
		},
	}

	if cfg.Faucet.PublicKey == "" {
		cfg.Faucet.PublicKey = cfg.Faucet.Address
	}

	return cfg, nil
}

// Validate reports every missing required variable at once.
func (c *Config) Validate() error {
	var missing []string
	if c.Faucet.Address == "" {
		missing = append(missing, "FAUCET_ADDRESS")
	}
	if c.Faucet.PrivateKey == "" {
		missing = append(missing, "FAUCET_PRIVATE_KEY")
	}
	if c.Captcha.Secret == "" {
		missing = append(missing, "RECAPTCHA_SECRET")
	}
	if c.Solana.RPCEndpoint == "" {
		missing = append(missing, "SOLANA_RPC_ENDPOINT")
	}
	if c.Store.Driver == StoreDriverScylla && len(c.Scylla.Nodes) == 0 {
		missing = append(missing, "SCYLLA_NODES")
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		missing = append(missing, "KMS_KEY_ID")
	}
	if len(missing) > 0 {
		return &MissingError{Vars: missing}
	}

	if c.Store.Driver != StoreDriverScylla && c.Store.Driver != StoreDriverMemory {
		return fmt.Errorf("invalid STORE_DRIVER: %s (must be %s or %s)", c.Store.Driver, StoreDriverScylla, StoreDriverMemory)
	}
	if c.Eligibility.InvokeLimit < 1 {
		return fmt.Errorf("INVOKE_LIMIT must be at least 1")
	}
	if c.Sweep.Concurrency < 1 {
		return fmt.Errorf("SWEEP_CONCURRENCY must be at least 1")
	}
	if c.Bucketing.WalletBuckets < 1 {
		return fmt.Errorf("WALLET_BUCKETS must be at least 1")
	}
	if _, err := c.Server.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a single-host prefix.
func (s ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, entry := range s.TrustedProxies {
		if !strings.Contains(entry, "/") {
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid SERVER_TRUSTED_PROXIES entry %q: %w", entry, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid SERVER_TRUSTED_PROXIES entry %q: %w", entry, err)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return prefixes, nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getUint64Env(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if uint64Value, err := strconv.ParseUint(value, 10, 64); err == nil {
			return uint64Value
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

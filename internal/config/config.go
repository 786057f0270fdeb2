package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	commoncfg "securordo/internal/common/config"
)

// Config securordo-server 配置
type Config struct {
	HTTP struct {
		Addr string
	}
	DBEnabled    bool
	Database     commoncfg.DatabaseConfig
	RedisEnabled bool
	Redis        commoncfg.RedisConfig
	MQTTEnabled  bool
	MQTT         commoncfg.MQTTConfig
	Fraud        FraudConfig
	Auth         struct {
		JWTSecret string
	}
	Crypto       CryptoConfig
	Prescription PrescriptionConfig
	Log          struct {
		Level  string
		Format string
	}
}

// FraudConfig alert persistence and fan-out
type FraudConfig struct {
	AlertTimeout time.Duration // bounds the alert write and each notification
	Stream       string        // Redis stream, used when Redis is enabled
	StreamMaxLen int64
	MQTTTopic    string // base topic, used when MQTT is enabled
}

// CryptoConfig key material sources
type CryptoConfig struct {
	Engine          string // "p256"
	KeyringPath     string // JSON keyring with prescriber signing keys
	KeyDirectoryURL string // optional remote public key directory
	NonceCacheTTL   time.Duration
}

// PrescriptionConfig issuance and redemption rules
type PrescriptionConfig struct {
	NonceTTL           time.Duration
	ValidityDays       int
	DispensationPolicy string
	RedeemTimeout      time.Duration
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	// without a database the server runs on the in-memory store
	cfg.DBEnabled = getEnv("DB_ENABLED", "false") == "true"
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "securordo")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = parseInt(getEnv("DB_MAX_CONNS", "20"), 20)
	cfg.Database.MaxIdle = parseInt(getEnv("DB_MAX_IDLE", "5"), 5)
	cfg.Database.AppName = "securordo"

	cfg.RedisEnabled = getEnv("REDIS_ENABLED", "false") == "true"
	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = parseInt(getEnv("REDIS_DB", "0"), 0)

	cfg.MQTTEnabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "securordo-server")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(parseInt(getEnv("MQTT_QOS", "1"), 1))

	cfg.Fraud.Stream = getEnv("FRAUD_STREAM", "securordo:fraud-alerts")
	cfg.Fraud.StreamMaxLen = int64(parseInt(getEnv("FRAUD_STREAM_MAXLEN", "100000"), 100000))
	cfg.Fraud.MQTTTopic = getEnv("MQTT_FRAUD_TOPIC", "securordo/fraud-alerts")

	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", "")

	cfg.Crypto.Engine = getEnv("CRYPTO_ENGINE", "p256")
	cfg.Crypto.KeyringPath = getEnv("KEYRING_PATH", "keyring.json")
	cfg.Crypto.KeyDirectoryURL = getEnv("KEY_DIRECTORY_URL", "")

	cfg.Prescription.ValidityDays = parseInt(getEnv("PRESCRIPTION_VALIDITY_DAYS", "365"), 365)
	cfg.Prescription.DispensationPolicy = getEnv("DISPENSATION_POLICY", "full_only")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	var err error
	if cfg.Prescription.NonceTTL, err = parseDuration("NONCE_TTL", "24h"); err != nil {
		return nil, err
	}
	if cfg.Prescription.RedeemTimeout, err = parseDuration("REDEEM_TIMEOUT", "10s"); err != nil {
		return nil, err
	}
	if cfg.Fraud.AlertTimeout, err = parseDuration("FRAUD_ALERT_TIMEOUT", "3s"); err != nil {
		return nil, err
	}
	// a consumed nonce only needs caching while it could still be presented
	if cfg.Crypto.NonceCacheTTL, err = parseDuration("NONCE_CACHE_TTL", cfg.Prescription.NonceTTL.String()); err != nil {
		return nil, err
	}
	if cfg.Prescription.ValidityDays <= 0 {
		return nil, fmt.Errorf("PRESCRIPTION_VALIDITY_DAYS must be positive, got %d", cfg.Prescription.ValidityDays)
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

// parseDuration unlike parseInt, a malformed duration is a startup error.
func parseDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

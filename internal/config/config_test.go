package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	os.Clearenv()
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.False(t, cfg.DBEnabled)
	assert.Equal(t, "securordo", cfg.Database.Database)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 20, cfg.Database.MaxConns)
	assert.False(t, cfg.RedisEnabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.False(t, cfg.MQTTEnabled)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)

	assert.Equal(t, "securordo:fraud-alerts", cfg.Fraud.Stream)
	assert.Equal(t, "securordo/fraud-alerts", cfg.Fraud.MQTTTopic)
	assert.Equal(t, 3*time.Second, cfg.Fraud.AlertTimeout)

	assert.Equal(t, "p256", cfg.Crypto.Engine)
	assert.Equal(t, "keyring.json", cfg.Crypto.KeyringPath)
	assert.Empty(t, cfg.Crypto.KeyDirectoryURL)
	assert.Equal(t, 24*time.Hour, cfg.Crypto.NonceCacheTTL)

	assert.Equal(t, 24*time.Hour, cfg.Prescription.NonceTTL)
	assert.Equal(t, 365, cfg.Prescription.ValidityDays)
	assert.Equal(t, "full_only", cfg.Prescription.DispensationPolicy)
	assert.Equal(t, 10*time.Second, cfg.Prescription.RedeemTimeout)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	chdir(t, t.TempDir())
	t.Setenv("DB_ENABLED", "true")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("MQTT_ENABLED", "true")
	t.Setenv("MQTT_FRAUD_TOPIC", "ops/fraud")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("NONCE_TTL", "2h")
	t.Setenv("PRESCRIPTION_VALIDITY_DAYS", "90")
	t.Setenv("DISPENSATION_POLICY", "consume_on_final_fill")
	t.Setenv("REDEEM_TIMEOUT", "2s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.DBEnabled)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.True(t, cfg.RedisEnabled)
	assert.True(t, cfg.MQTTEnabled)
	assert.Equal(t, "ops/fraud", cfg.Fraud.MQTTTopic)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, 2*time.Hour, cfg.Prescription.NonceTTL)
	assert.Equal(t, 2*time.Hour, cfg.Crypto.NonceCacheTTL)
	assert.Equal(t, 90, cfg.Prescription.ValidityDays)
	assert.Equal(t, "consume_on_final_fill", cfg.Prescription.DispensationPolicy)
	assert.Equal(t, 2*time.Second, cfg.Prescription.RedeemTimeout)
}

func TestLoad_DotEnvFile(t *testing.T) {
	os.Clearenv()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("JWT_SECRET=from-file\nHTTP_ADDR=:9090\n"), 0o600))
	chdir(t, dir)
	t.Setenv("HTTP_ADDR", ":7070")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	// the process environment wins over .env
	assert.Equal(t, ":7070", cfg.HTTP.Addr)
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"NONCE_TTL":                  "tomorrow",
		"REDEEM_TIMEOUT":             "-1s",
		"FRAUD_ALERT_TIMEOUT":        "0s",
		"PRESCRIPTION_VALIDITY_DAYS": "-3",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			os.Clearenv()
			chdir(t, t.TempDir())
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

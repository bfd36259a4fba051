package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Broker.TypingTTL)
	assert.Equal(t, 256, cfg.Broker.SubscriberBuffer)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, "chat-broker", cfg.Service.Name)
	assert.Equal(t, int64(10<<20), cfg.Blob.MaxBytes.Int64())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TYPING_TTL", "5s")
	t.Setenv("PORT", "9090")
	t.Setenv("CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("SUBSCRIBER_BUFFER", "0")
	t.Setenv("MAX_BLOB_BYTES", "2MB")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Broker.TypingTTL)
	assert.Equal(t, ":9090", cfg.Addr())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Origins())
	assert.Equal(t, 256, cfg.Broker.SubscriberBuffer)
	assert.Equal(t, int64(2_000_000), cfg.Blob.MaxBytes.Int64())
}

func TestSizeBytes_SetValue(t *testing.T) {
	var s SizeBytes
	require.NoError(t, s.SetValue("64KiB"))
	assert.Equal(t, int64(64<<10), s.Int64())
	require.NoError(t, s.SetValue("1024"))
	assert.Equal(t, int64(1024), s.Int64())
	assert.Error(t, s.SetValue("lots"))
}

func TestLoad_RejectsNonPositiveTTL(t *testing.T) {
	t.Setenv("TYPING_TTL", "0s")

	_, err := Load()
	require.Error(t, err)
}

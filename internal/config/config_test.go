package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MAX_DISCOVERED_URLS", "")
	t.Setenv("CONFIG_FILE", "")
	cfg := Load()

	assert.Equal(t, 0, cfg.MaxDiscoveredURLs, "discovery is unbounded by default")
	assert.Equal(t, 0, cfg.MaxImagesPerSource)
	assert.Equal(t, 5*time.Second, cfg.CancelGracePeriod)
	assert.Equal(t, 5*time.Minute, cfg.CredentialTimeout)
	assert.Equal(t, 5, cfg.GeoBatchSize)
	assert.True(t, cfg.DiscoveryRenderJS)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "9")
	t.Setenv("IMAGE_RETRY_DELAY", "2s")
	t.Setenv("DISCOVERY_RENDER_JS", "false")
	t.Setenv("GEO_BATCH_SIZE", "not-a-number")
	cfg := Load()

	assert.Equal(t, 9, cfg.WorkerConcurrency)
	assert.Equal(t, 2*time.Second, cfg.ImageRetryDelay)
	assert.False(t, cfg.DiscoveryRenderJS)
	assert.Equal(t, 5, cfg.GeoBatchSize, "bad values fall back to the default")
}

func TestOverlayKeepsUnsetKeys(t *testing.T) {
	cfg := Config{RedisAddr: "redis:6379", WorkerConcurrency: 4, GeoBatchSize: 5, ImageRetryAttempts: 3, SessionStore: "file"}
	err := cfg.overlayBytes([]byte("worker_concurrency: 12\ncredential_timeout: 90s\nmax_images_per_source: 40\n"))
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.WorkerConcurrency)
	assert.Equal(t, 90*time.Second, cfg.CredentialTimeout)
	assert.Equal(t, 40, cfg.MaxImagesPerSource)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	require.NoError(t, cfg.Validate())
}

func TestOverlayRejectsBadYAML(t *testing.T) {
	cfg := Config{}
	assert.Error(t, cfg.overlayBytes([]byte("worker_concurrency: [")))
}

func TestValidate(t *testing.T) {
	base := Config{RedisAddr: "x", WorkerConcurrency: 1, GeoBatchSize: 1, ImageRetryAttempts: 1, SessionStore: "redis"}
	require.NoError(t, base.Validate())

	bad := base
	bad.MaxDiscoveredURLs = -1
	assert.Error(t, bad.Validate())

	bad = base
	bad.SessionStore = "vault"
	assert.Error(t, bad.Validate())

	bad = base
	bad.WorkerConcurrency = 0
	assert.Error(t, bad.Validate())
}

func TestHasStaticCredentials(t *testing.T) {
	assert.False(t, Config{FacebookEmail: "a@b.test"}.HasStaticCredentials())
	assert.True(t, Config{FacebookEmail: "a@b.test", FacebookPassword: "pw"}.HasStaticCredentials())
}

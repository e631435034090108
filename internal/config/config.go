package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AppEnv        string `yaml:"app_env"`
	HTTPAddr      string `yaml:"http_addr"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	DataDir       string `yaml:"data_dir"`
	DatabaseURL   string `yaml:"database_url"`

	SupabaseURL        string `yaml:"supabase_url"`
	SupabaseServiceKey string `yaml:"supabase_service_key"`
	SupabaseBucket     string `yaml:"supabase_bucket"`

	LLMProvider     string `yaml:"llm_provider"`
	GeminiAPIKey    string `yaml:"gemini_api_key"`
	DefaultLLMModel string `yaml:"default_llm_model"`

	WorkerConcurrency int `yaml:"worker_concurrency"`
	TaskMaxRetries    int `yaml:"task_max_retries"`

	CancelGracePeriod time.Duration `yaml:"cancel_grace_period"`
	CredentialTimeout time.Duration `yaml:"credential_timeout"`
	DiscoveryTimeout  time.Duration `yaml:"discovery_timeout"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	RunTimeout        time.Duration `yaml:"run_timeout"`
	DiscoveryRenderJS bool          `yaml:"discovery_render_js"`

	// Zero means unbounded for both caps.
	MaxDiscoveredURLs  int `yaml:"max_discovered_urls"`
	MaxImagesPerSource int `yaml:"max_images_per_source"`

	ImageRetryAttempts int           `yaml:"image_retry_attempts"`
	ImageRetryDelay    time.Duration `yaml:"image_retry_delay"`
	GeoBatchSize       int           `yaml:"geo_batch_size"`
	ScrollIterations   int           `yaml:"scroll_iterations"`

	SessionStore     string `yaml:"session_store"`
	SessionFile      string `yaml:"session_file"`
	FacebookEmail    string `yaml:"facebook_email"`
	FacebookPassword string `yaml:"facebook_password"`
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func Load() Config {
	cfg := Config{
		AppEnv:        getenv("APP_ENV", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8081"),
		RedisAddr:     getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		DataDir:       getenv("DATA_DIR", "./data"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),

		SupabaseURL:        os.Getenv("SUPABASE_URL"),
		SupabaseServiceKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:     getenv("SUPABASE_STORAGE_BUCKET", "schedule-artifacts"),

		LLMProvider:     getenv("LLM_PROVIDER", "gemini"),
		GeminiAPIKey:    os.Getenv("GEMINI_API_KEY"),
		DefaultLLMModel: getenv("DEFAULT_LLM_MODEL", "gemini-2.0-flash"),

		WorkerConcurrency: getenvInt("WORKER_CONCURRENCY", 4),
		TaskMaxRetries:    getenvInt("TASK_MAX_RETRIES", 2),

		CancelGracePeriod: getenvDuration("CANCEL_GRACE_PERIOD", 5*time.Second),
		CredentialTimeout: getenvDuration("CREDENTIAL_TIMEOUT", 5*time.Minute),
		DiscoveryTimeout:  getenvDuration("DISCOVERY_TIMEOUT", 45*time.Second),
		NavigationTimeout: getenvDuration("NAVIGATION_TIMEOUT", 30*time.Second),
		RunTimeout:        getenvDuration("RUN_TIMEOUT", 30*time.Minute),
		DiscoveryRenderJS: getenvBool("DISCOVERY_RENDER_JS", true),

		MaxDiscoveredURLs:  getenvInt("MAX_DISCOVERED_URLS", 0),
		MaxImagesPerSource: getenvInt("MAX_IMAGES_PER_SOURCE", 0),

		ImageRetryAttempts: getenvInt("IMAGE_RETRY_ATTEMPTS", 3),
		ImageRetryDelay:    getenvDuration("IMAGE_RETRY_DELAY", 750*time.Millisecond),
		GeoBatchSize:       getenvInt("GEO_BATCH_SIZE", 5),
		ScrollIterations:   getenvInt("SCROLL_ITERATIONS", 5),

		SessionStore:     getenv("SESSION_STORE", "file"),
		SessionFile:      getenv("SESSION_FILE", "./data/facebook-session.json"),
		FacebookEmail:    os.Getenv("FACEBOOK_EMAIL"),
		FacebookPassword: os.Getenv("FACEBOOK_PASSWORD"),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlay(path); err != nil {
			panic(err)
		}
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

// overlay applies non-zero values from a YAML file on top of the
// environment-derived configuration.
func (c *Config) overlay(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return c.overlayBytes(raw)
}

func (c *Config) overlayBytes(raw []byte) error {
	// Decode into a copy so keys absent from the file keep their env values.
	next := *c
	if err := yaml.Unmarshal(raw, &next); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	*c = next
	return nil
}

func (c Config) Validate() error {
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.GeoBatchSize < 1 {
		return fmt.Errorf("GEO_BATCH_SIZE must be at least 1, got %d", c.GeoBatchSize)
	}
	if c.ImageRetryAttempts < 1 {
		return fmt.Errorf("IMAGE_RETRY_ATTEMPTS must be at least 1, got %d", c.ImageRetryAttempts)
	}
	if c.MaxDiscoveredURLs < 0 || c.MaxImagesPerSource < 0 {
		return fmt.Errorf("caps must be >= 0 (0 means unbounded)")
	}
	switch strings.ToLower(c.SessionStore) {
	case "file", "redis":
	default:
		return fmt.Errorf("SESSION_STORE must be file or redis, got %q", c.SessionStore)
	}
	return nil
}

// HasStaticCredentials reports whether the gated source can be logged into
// without a human in the loop.
func (c Config) HasStaticCredentials() bool {
	return c.FacebookEmail != "" && c.FacebookPassword != ""
}

func (c Config) IsProduction() bool { return c.AppEnv == "production" }

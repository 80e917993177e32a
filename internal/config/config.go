package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// maxPipelineStages bounds the stage count of any pipeline (all text targets
// plus extract, brief, visuals, shorts-video, review). The default stuck-job
// threshold is derived from it.
const maxPipelineStages = 12

// Config is the immutable configuration value object built once at process
// start and passed explicitly to every component. Core logic never reads the
// environment directly.
type Config struct {
	ListenAddr string `env:"CF_LISTEN_ADDR" envDefault:":8080"`
	DBPath     string `env:"CF_DB_PATH" envDefault:"contentforged.db"`
	OutputRoot string `env:"CF_OUTPUT_ROOT" envDefault:"outputs"`

	RetentionDays int           `env:"CF_RETENTION_DAYS" envDefault:"7"`
	MaxJobs       int           `env:"CF_MAX_JOBS" envDefault:"200"`
	SweepInterval time.Duration `env:"CF_SWEEP_INTERVAL" envDefault:"10m"`

	PollInterval     time.Duration `env:"CF_POLL_INTERVAL" envDefault:"500ms"`
	Concurrency      int           `env:"CF_CONCURRENCY" envDefault:"1"`
	StageTimeout     time.Duration `env:"CF_STAGE_TIMEOUT" envDefault:"120s"`
	StuckAfter       time.Duration `env:"CF_STUCK_AFTER"` // 0 = derive from StageTimeout
	MaxClaimAttempts int           `env:"CF_MAX_CLAIM_ATTEMPTS" envDefault:"3"`

	DefaultLanguage string   `env:"CF_DEFAULT_LANGUAGE" envDefault:"ko"`
	DefaultTone     string   `env:"CF_DEFAULT_TONE" envDefault:"친근하고 실용적"`
	DefaultTargets  []string `env:"CF_DEFAULT_TARGETS" envSeparator:"," envDefault:"newsletter,blog,linkedin,threads,youtube-script,shorts-scripts,visuals"`

	// Provider credentials. All optional: absent credentials degrade to the
	// deterministic mock backends, they never crash the poller.
	OpenAIAPIKey    string `env:"CF_OPENAI_API_KEY"`
	OpenAIModel     string `env:"CF_OPENAI_MODEL" envDefault:"gpt-4.1-mini"`
	AnthropicAPIKey string `env:"CF_ANTHROPIC_API_KEY"`
	AnthropicModel  string `env:"CF_ANTHROPIC_MODEL" envDefault:"claude-3-5-sonnet-latest"`
	ImageAPIURL     string `env:"CF_IMAGE_API_URL"`
	ImageAPIKey     string `env:"CF_IMAGE_API_KEY"`
	ImageModel      string `env:"CF_IMAGE_MODEL" envDefault:"gemini-3-pro-image-preview"`

	YtDlpPath   string `env:"CF_YTDLP_PATH" envDefault:"yt-dlp"`
	FfmpegPath  string `env:"CF_FFMPEG_PATH" envDefault:"ffmpeg"`
	WhisperPath string `env:"CF_WHISPER_PATH"`

	RequestTimeout time.Duration `env:"CF_REQUEST_TIMEOUT" envDefault:"120s"`

	// HTTP surface. Empty CF_API_KEYS disables authentication; a zero
	// CF_RATE_LIMIT_RPS disables submission throttling.
	APIKeys        []string `env:"CF_API_KEYS" envSeparator:","`
	CORSOrigins    []string `env:"CF_CORS_ORIGINS" envSeparator:","`
	RateLimitRPS   int      `env:"CF_RATE_LIMIT_RPS" envDefault:"5"`
	RateLimitBurst int      `env:"CF_RATE_LIMIT_BURST" envDefault:"10"`
}

// Load reads an optional .env file, parses the environment and validates the
// result.
func Load() (*Config, error) {
	// A missing .env file is fine; explicit environment always wins.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.StuckAfter == 0 {
		cfg.StuckAfter = cfg.StageTimeout * maxPipelineStages
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RetentionDays < 1 {
		return errors.New("CF_RETENTION_DAYS must be >= 1")
	}
	if c.MaxJobs < 1 {
		return errors.New("CF_MAX_JOBS must be >= 1")
	}
	if c.Concurrency < 1 {
		return errors.New("CF_CONCURRENCY must be >= 1")
	}
	if c.PollInterval <= 0 {
		return errors.New("CF_POLL_INTERVAL must be positive")
	}
	if c.StageTimeout <= 0 {
		return errors.New("CF_STAGE_TIMEOUT must be positive")
	}
	if c.StuckAfter < 0 {
		return errors.New("CF_STUCK_AFTER must not be negative")
	}
	if c.MaxClaimAttempts < 1 {
		return errors.New("CF_MAX_CLAIM_ATTEMPTS must be >= 1")
	}
	if c.OutputRoot == "" {
		return errors.New("CF_OUTPUT_ROOT must not be empty")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return errors.New("CF_RATE_LIMIT_BURST must be >= 1 when rate limiting is enabled")
	}
	return nil
}

// RetentionWindow returns the age cutoff as a duration.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

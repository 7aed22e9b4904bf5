package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/kelseyhightower/envconfig"

	"github.com/agri-vision/leafscan-api/internal/intake"
)

// Config is read once at process start and treated as fixed afterwards.
type Config struct {
	Port           string   `envconfig:"PORT" default:"5001"`
	AllowOrigins   []string `envconfig:"ALLOW_ORIGINS" default:"*"`
	ImageSize      int      `envconfig:"IMAGE_SIZE" default:"150"`
	MaxUploadBytes int64    `envconfig:"MAX_UPLOAD_BYTES" default:"16777216"`
	UploadDir      string   `envconfig:"UPLOAD_DIR" default:"uploads"`
	ModelPath      string   `envconfig:"MODEL_PATH" default:"models/rice_leaf_disease.onnx"`
	MetadataPath   string   `envconfig:"METADATA_PATH" default:"models/model_metadata.json"`
	OrtLibrary     string   `envconfig:"ONNXRUNTIME_LIB"`
	NamingScheme   string   `envconfig:"NAMING_SCHEME" default:"sequential"`
	EagerLoad      bool     `envconfig:"EAGER_LOAD" default:"true"`
	ServiceName    string   `envconfig:"SERVICE_NAME" default:"leafscan-api"`
	PublicBaseURL  string   `envconfig:"PUBLIC_BASE_URL"`
	LogLevel       string   `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("failed to read config from env: %w", err)
	}
	c.AllowOrigins = cleanOrigins(c.AllowOrigins)
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.ImageSize <= 0 {
		return fmt.Errorf("IMAGE_SIZE must be positive, got %d", c.ImageSize)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	switch c.NamingScheme {
	case intake.NamingSequential, intake.NamingUUID:
	default:
		return fmt.Errorf("unknown NAMING_SCHEME %q", c.NamingScheme)
	}
	if c.UploadDir == "" {
		return fmt.Errorf("UPLOAD_DIR must not be empty")
	}
	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func cleanOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Package config loads the engine configuration from defaults, an optional
// config/.env.<env> file and OMR_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/optimark/omr-engine/internal/ocr"
	"github.com/optimark/omr-engine/internal/omr"
	"github.com/optimark/omr-engine/internal/pipeline"
)

// EnvPrefix prefixes every environment variable, e.g. OMR_ALIGN_MIN_FIT.
const EnvPrefix = "OMR"

// Config is the complete runtime configuration.
type Config struct {
	// Env is dev (default), test, qa or prod.
	Env      string `mapstructure:"env" validate:"oneof=dev test qa prod"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info"`

	DatabasePath string `mapstructure:"database_path" validate:"notblank"`
	// SourceDir is the root that job source keys resolve against.
	SourceDir string `mapstructure:"source_dir" validate:"notblank"`

	Workers      int           `mapstructure:"workers" validate:"gte=0,lte=64"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"gte=1,lte=10"`

	// StaleAfter is how long a job may stay processing before a starting
	// pool assumes its worker died and releases it.
	StaleAfter time.Duration `mapstructure:"stale_after" validate:"gt=0"`

	Pipeline pipeline.Options `mapstructure:"pipeline"`

	OCREnabled bool        `mapstructure:"ocr_enabled"`
	OCR        ocr.Options `mapstructure:"ocr"`
}

// Debug reports whether debug logging is on.
func (c *Config) Debug() bool {
	return c.LogLevel == "debug"
}

func setDefaults(v *viper.Viper) {
	v.SetTypeByDefaultValue(true)
	v.SetDefault("log_level", "info")
	v.SetDefault("database_path", "omr.db")
	v.SetDefault("source_dir", ".")
	v.SetDefault("workers", 2)
	v.SetDefault("poll_interval", time.Second)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("stale_after", 10*time.Minute)

	p := pipeline.DefaultOptions
	v.SetDefault("pipeline.min_confidence", p.MinConfidence)
	v.SetDefault("pipeline.ocr_min_confidence", p.OCRMinConfidence)
	v.SetDefault("pipeline.profile", "")

	v.SetDefault("pipeline.preprocess.min_input_side", p.Preprocess.MinInputSide)
	v.SetDefault("pipeline.preprocess.min_long_side", p.Preprocess.MinLongSide)
	v.SetDefault("pipeline.preprocess.max_long_side", p.Preprocess.MaxLongSide)
	v.SetDefault("pipeline.preprocess.min_gradient", p.Preprocess.MinGradient)

	v.SetDefault("pipeline.align.search_window", p.Align.SearchWindow)
	v.SetDefault("pipeline.align.min_marker_fraction", p.Align.MinMarkerFraction)
	v.SetDefault("pipeline.align.max_marker_fraction", p.Align.MaxMarkerFraction)
	v.SetDefault("pipeline.align.binarize_window", p.Align.BinarizeWindow)
	v.SetDefault("pipeline.align.binarize_t", p.Align.BinarizeT)
	v.SetDefault("pipeline.align.ink_ceiling", p.Align.InkCeiling)
	v.SetDefault("pipeline.align.min_fit", p.Align.MinFit)
	v.SetDefault("pipeline.align.tie_margin", p.Align.TieMargin)
	v.SetDefault("pipeline.align.recovery_penalty", p.Align.RecoveryPenalty)
	v.SetDefault("pipeline.align.max_reprojection", p.Align.MaxReprojection)

	v.SetDefault("pipeline.bubble.sample_radius", p.Bubble.SampleRadius)
	v.SetDefault("pipeline.bubble.ring_inner", p.Bubble.RingInner)
	v.SetDefault("pipeline.bubble.ring_outer", p.Bubble.RingOuter)
	v.SetDefault("pipeline.bubble.paper_percentile", p.Bubble.PaperPercentile)
	v.SetDefault("pipeline.bubble.dark_delta", p.Bubble.DarkDelta)
	v.SetDefault("pipeline.bubble.filled_min", p.Bubble.FilledMin)
	v.SetDefault("pipeline.bubble.empty_max", p.Bubble.EmptyMax)
	v.SetDefault("pipeline.bubble.separation_margin", p.Bubble.SeparationMargin)

	v.SetDefault("ocr_enabled", false)
	v.SetDefault("ocr.language", ocr.DefaultOptions.Language)
	v.SetDefault("ocr.tessdata_prefix", "")
	v.SetDefault("ocr.target_height", ocr.DefaultOptions.TargetHeight)
	v.SetDefault("ocr.padding", ocr.DefaultOptions.Padding)
}

// Load reads the configuration. dir is the directory holding config/; the
// environment is taken from OMR_ENV.
func Load(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	env := strings.ToLower(os.Getenv(EnvPrefix + "_ENV"))
	if env == "" {
		env = "dev"
	}
	v.SetDefault("env", env)

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(dir, "config", ".env."+env)
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			return nil, fmt.Errorf("config.godotenv(%s): %w", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config.os.Stat(%s): %w", dotEnvPath, err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// OMR_ENV was normalized above; keep AutomaticEnv from reading it raw.
	v.Set("env", env)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := omr.Validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %s", omr.ValidationMessage(err))
	}
	return &cfg, nil
}

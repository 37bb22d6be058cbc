//nolint:lll
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MeKo-Tech/tally/internal/broker"
	"github.com/MeKo-Tech/tally/internal/consistency"
	"github.com/MeKo-Tech/tally/internal/extract"
	"github.com/MeKo-Tech/tally/internal/fallback"
	"github.com/MeKo-Tech/tally/internal/pipeline"
	"github.com/MeKo-Tech/tally/internal/preprocess"
	"github.com/MeKo-Tech/tally/internal/results"
	"github.com/MeKo-Tech/tally/internal/roi"
	"github.com/MeKo-Tech/tally/internal/server"
	"github.com/MeKo-Tech/tally/internal/validator"
)

// Broker drivers.
const (
	BrokerRedis  = "redis"
	BrokerMemory = "memory"
)

// Result stores.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config represents the complete configuration of the tally pipeline.
// It is shared by all commands (worker, serve, submit, replay, validate,
// export) and is loaded from a configuration file, environment variables
// and command-line flags.
type Config struct {
	// Global settings
	LogLevel string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	Preprocess  PreprocessConfig  `mapstructure:"preprocess" yaml:"preprocess" json:"preprocess"`
	Validator   ValidatorConfig   `mapstructure:"validator" yaml:"validator" json:"validator"`
	Template    TemplateConfig    `mapstructure:"template" yaml:"template" json:"template"`
	Extractor   ExtractorConfig   `mapstructure:"extractor" yaml:"extractor" json:"extractor"`
	Consistency ConsistencyConfig `mapstructure:"consistency" yaml:"consistency" json:"consistency"`
	Fallback    FallbackConfig    `mapstructure:"fallback" yaml:"fallback" json:"fallback"`

	// Queueing and storage
	Broker  BrokerConfig  `mapstructure:"broker" yaml:"broker" json:"broker"`
	Worker  WorkerConfig  `mapstructure:"worker" yaml:"worker" json:"worker"`
	Results ResultsConfig `mapstructure:"results" yaml:"results" json:"results"`

	// Server configuration (for serve command)
	Server server.Config `mapstructure:"server" yaml:"server" json:"server"`
}

// PreprocessConfig contains image normalization settings.
type PreprocessConfig struct {
	MinSide       int     `mapstructure:"min_side" yaml:"min_side" json:"min_side"`
	MaxSide       int     `mapstructure:"max_side" yaml:"max_side" json:"max_side"`
	ApproxEpsilon float64 `mapstructure:"approx_epsilon" yaml:"approx_epsilon" json:"approx_epsilon"`
	DenoiseSigma  float64 `mapstructure:"denoise_sigma" yaml:"denoise_sigma" json:"denoise_sigma"`
	CLAHEClip     float64 `mapstructure:"clahe_clip" yaml:"clahe_clip" json:"clahe_clip"`
	CLAHETiles    int     `mapstructure:"clahe_tiles" yaml:"clahe_tiles" json:"clahe_tiles"`
	AdaptiveBlock int     `mapstructure:"adaptive_block" yaml:"adaptive_block" json:"adaptive_block"`
	AdaptiveC     float64 `mapstructure:"adaptive_c" yaml:"adaptive_c" json:"adaptive_c"`
}

// ValidatorConfig contains the tally sheet validation settings.
type ValidatorConfig struct {
	// Quick filter
	MinAspect float64 `mapstructure:"min_aspect" yaml:"min_aspect" json:"min_aspect"`
	MaxAspect float64 `mapstructure:"max_aspect" yaml:"max_aspect" json:"max_aspect"`
	MinLines  int     `mapstructure:"min_lines" yaml:"min_lines" json:"min_lines"`
	MinInk    float64 `mapstructure:"min_ink" yaml:"min_ink" json:"min_ink"`
	MaxInk    float64 `mapstructure:"max_ink" yaml:"max_ink" json:"max_ink"`

	// Detailed checks
	MinRectangularity float64           `mapstructure:"min_rectangularity" yaml:"min_rectangularity" json:"min_rectangularity"`
	MinHorizontal     int               `mapstructure:"min_horizontal" yaml:"min_horizontal" json:"min_horizontal"`
	MinVertical       int               `mapstructure:"min_vertical" yaml:"min_vertical" json:"min_vertical"`
	ElectoralPass     float64           `mapstructure:"electoral_pass" yaml:"electoral_pass" json:"electoral_pass"`
	AllPassFloor      float64           `mapstructure:"all_pass_floor" yaml:"all_pass_floor" json:"all_pass_floor"`
	PartialFloor      float64           `mapstructure:"partial_floor" yaml:"partial_floor" json:"partial_floor"`
	Weights           validator.Weights `mapstructure:"weights" yaml:"weights" json:"weights"`

	// Feature detectors
	LogoRegion  float64 `mapstructure:"logo_region" yaml:"logo_region" json:"logo_region"`
	LogoShape   bool    `mapstructure:"logo_shape" yaml:"logo_shape" json:"logo_shape"`
	LogoColor   bool    `mapstructure:"logo_color" yaml:"logo_color" json:"logo_color"`
	LogoDensity bool    `mapstructure:"logo_density" yaml:"logo_density" json:"logo_density"`
	LogoCircles bool    `mapstructure:"logo_circles" yaml:"logo_circles" json:"logo_circles"`
}

// TemplateConfig selects the ROI template.
type TemplateConfig struct {
	Name string `mapstructure:"name" yaml:"name" json:"name"`
	Path string `mapstructure:"path" yaml:"path" json:"path"` // optional YAML template file
	Dir  string `mapstructure:"dir" yaml:"dir" json:"dir"`    // optional directory of YAML templates
}

// ExtractorConfig contains field OCR settings.
type ExtractorConfig struct {
	Languages         []string `mapstructure:"languages" yaml:"languages" json:"languages"`
	DigitUpscale      float64  `mapstructure:"digit_upscale" yaml:"digit_upscale" json:"digit_upscale"`
	Passes            []string `mapstructure:"passes" yaml:"passes" json:"passes"`
	TessdataPrefix    string   `mapstructure:"tessdata_prefix" yaml:"tessdata_prefix" json:"tessdata_prefix"`
	GazetteerDistance int      `mapstructure:"gazetteer_distance" yaml:"gazetteer_distance" json:"gazetteer_distance"`
	Barcode           bool     `mapstructure:"barcode" yaml:"barcode" json:"barcode"` // read the table code barcode
}

// ConsistencyConfig contains the confidence aggregation settings.
type ConsistencyConfig struct {
	Threshold          float64 `mapstructure:"threshold" yaml:"threshold" json:"threshold"`
	Tolerance          float64 `mapstructure:"tolerance" yaml:"tolerance" json:"tolerance"`
	MaxPenalty         float64 `mapstructure:"max_penalty" yaml:"max_penalty" json:"max_penalty"`
	TableNumberPenalty float64 `mapstructure:"table_number_penalty" yaml:"table_number_penalty" json:"table_number_penalty"`
}

// FallbackConfig contains the remote extraction settings.
type FallbackConfig struct {
	Enabled         bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	fallback.Config `mapstructure:",squash" yaml:",inline"`
}

// BrokerConfig contains the queueing settings.
type BrokerConfig struct {
	Driver      string             `mapstructure:"driver" yaml:"driver" json:"driver"`
	Redis       broker.RedisConfig `mapstructure:"redis" yaml:"redis" json:"redis"`
	PollTimeout time.Duration      `mapstructure:"poll_timeout" yaml:"poll_timeout" json:"poll_timeout"`
	Queues      broker.Queues      `mapstructure:"queues" yaml:"queues" json:"queues"`
}

// WorkerConfig contains the queue consumer settings.
type WorkerConfig struct {
	Concurrency     int  `mapstructure:"concurrency" yaml:"concurrency" json:"concurrency"`
	RecoverInFlight bool `mapstructure:"recover_inflight" yaml:"recover_inflight" json:"recover_inflight"`
	Sequential      bool `mapstructure:"sequential" yaml:"sequential" json:"sequential"`
}

// ResultsConfig contains the terminal record store settings.
type ResultsConfig struct {
	Store      string                 `mapstructure:"store" yaml:"store" json:"store"`
	Postgres   results.PostgresConfig `mapstructure:"postgres" yaml:"postgres" json:"postgres"`
	ExportPath string                 `mapstructure:"export_path" yaml:"export_path" json:"export_path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	pre := preprocess.DefaultConfig()
	val := validator.DefaultConfig()
	ext := extract.DefaultConfig()
	con := consistency.DefaultConfig()
	wrk := pipeline.DefaultWorkerConfig()

	return Config{
		LogLevel: "info",
		Verbose:  false,
		Preprocess: PreprocessConfig{
			MinSide:       pre.MinSide,
			MaxSide:       pre.MaxSide,
			ApproxEpsilon: pre.ApproxEpsilon,
			DenoiseSigma:  pre.DenoiseSigma,
			CLAHEClip:     pre.CLAHEClip,
			CLAHETiles:    pre.CLAHETiles,
			AdaptiveBlock: pre.AdaptiveBlock,
			AdaptiveC:     pre.AdaptiveC,
		},
		Validator: ValidatorConfig{
			MinAspect:         val.MinAspect,
			MaxAspect:         val.MaxAspect,
			MinLines:          val.MinLines,
			MinInk:            val.MinInk,
			MaxInk:            val.MaxInk,
			MinRectangularity: val.MinRectangularity,
			MinHorizontal:     val.MinHorizontal,
			MinVertical:       val.MinVertical,
			ElectoralPass:     val.ElectoralPass,
			AllPassFloor:      val.AllPassFloor,
			PartialFloor:      val.PartialFloor,
			Weights:           val.Weights,
			LogoRegion:        val.Features.LogoRegion,
			LogoShape:         val.Features.LogoShape,
			LogoColor:         val.Features.LogoColor,
			LogoDensity:       val.Features.LogoDensity,
			LogoCircles:       val.Features.LogoCircles,
		},
		Template: TemplateConfig{Name: roi.DefaultTemplateName},
		Extractor: ExtractorConfig{
			Languages:         ext.Languages,
			DigitUpscale:      ext.DigitUpscale,
			Passes:            ext.Passes,
			GazetteerDistance: ext.GazetteerDistance,
			Barcode:           true,
		},
		Consistency: ConsistencyConfig{
			Threshold:          con.Threshold,
			Tolerance:          con.Tolerance,
			MaxPenalty:         con.MaxPenalty,
			TableNumberPenalty: con.TableNumberPenalty,
		},
		Fallback: FallbackConfig{Enabled: true, Config: fallback.DefaultConfig()},
		Broker: BrokerConfig{
			Driver:      BrokerRedis,
			Redis:       broker.RedisConfig{Addr: "localhost:6379", KeyPrefix: "tally", Lease: broker.DefaultLease},
			PollTimeout: wrk.PollTimeout,
			Queues:      broker.DefaultQueues(),
		},
		Worker: WorkerConfig{
			Concurrency:     wrk.Concurrency,
			RecoverInFlight: wrk.RecoverInFlight,
			Sequential:      wrk.Sequential,
		},
		Results: ResultsConfig{
			Store:      StoreRedis,
			Postgres:   results.PostgresConfig{MaxConns: 4, DialTimeout: 5 * time.Second},
			ExportPath: "results.xlsx",
		},
		Server: server.DefaultConfig(),
	}
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	for name, v := range map[string]float64{
		"validator.min_ink":                c.Validator.MinInk,
		"validator.max_ink":                c.Validator.MaxInk,
		"validator.min_rectangularity":     c.Validator.MinRectangularity,
		"validator.electoral_pass":         c.Validator.ElectoralPass,
		"validator.all_pass_floor":         c.Validator.AllPassFloor,
		"validator.partial_floor":          c.Validator.PartialFloor,
		"consistency.threshold":            c.Consistency.Threshold,
		"consistency.tolerance":            c.Consistency.Tolerance,
		"consistency.max_penalty":          c.Consistency.MaxPenalty,
		"consistency.table_number_penalty": c.Consistency.TableNumberPenalty,
		"fallback.threshold":               c.Fallback.Threshold,
	} {
		if err := validateThreshold(v, name); err != nil {
			return err
		}
	}
	if c.Validator.LogoRegion <= 0 || c.Validator.LogoRegion > 0.25 {
		return fmt.Errorf("invalid validator.logo_region: %.2f (must be in (0, 0.25])", c.Validator.LogoRegion)
	}
	if c.Validator.MinAspect <= 0 || c.Validator.MinAspect >= c.Validator.MaxAspect {
		return fmt.Errorf("invalid aspect bounds: %.2f..%.2f", c.Validator.MinAspect, c.Validator.MaxAspect)
	}
	if c.Validator.MinInk >= c.Validator.MaxInk {
		return fmt.Errorf("invalid ink bounds: %.2f..%.2f", c.Validator.MinInk, c.Validator.MaxInk)
	}

	if c.Preprocess.MinSide <= 0 || c.Preprocess.MaxSide < c.Preprocess.MinSide {
		return fmt.Errorf("invalid preprocess band: %d..%d", c.Preprocess.MinSide, c.Preprocess.MaxSide)
	}
	if c.Preprocess.AdaptiveBlock < 3 || c.Preprocess.AdaptiveBlock%2 == 0 {
		return fmt.Errorf("invalid preprocess.adaptive_block: %d (must be odd and at least 3)", c.Preprocess.AdaptiveBlock)
	}
	for _, p := range c.Extractor.Passes {
		if !slices.Contains(extract.PassNames, p) {
			return fmt.Errorf("invalid extractor pass: %s (must be one of: %s)", p, strings.Join(extract.PassNames, ", "))
		}
	}

	if c.Fallback.Enabled && c.Fallback.MaxTokens <= 0 {
		return fmt.Errorf("invalid fallback.max_tokens: %d (must be positive)", c.Fallback.MaxTokens)
	}

	validDrivers := []string{BrokerRedis, BrokerMemory}
	if !slices.Contains(validDrivers, c.Broker.Driver) {
		return fmt.Errorf("invalid broker driver: %s (must be one of: %s)", c.Broker.Driver, strings.Join(validDrivers, ", "))
	}
	if c.Broker.Driver == BrokerRedis && c.Broker.Redis.Addr == "" {
		return fmt.Errorf("broker.redis.addr is required for the redis driver")
	}
	if c.Broker.Redis.Lease < 0 {
		return fmt.Errorf("invalid broker.redis.lease: %s (must not be negative)", c.Broker.Redis.Lease)
	}
	q := c.Broker.Queues
	seen := map[string]bool{}
	for _, name := range q.All() {
		if name == "" {
			return fmt.Errorf("queue names must not be empty")
		}
		if broker.IsDLQ(name) {
			return fmt.Errorf("invalid queue name %s: the %s suffix is reserved", name, broker.DLQSuffix)
		}
		if seen[name] {
			return fmt.Errorf("duplicate queue name: %s", name)
		}
		seen[name] = true
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("invalid worker concurrency: %d (must be positive)", c.Worker.Concurrency)
	}

	validStores := []string{StoreMemory, StoreRedis, StorePostgres}
	if !slices.Contains(validStores, c.Results.Store) {
		return fmt.Errorf("invalid results store: %s (must be one of: %s)", c.Results.Store, strings.Join(validStores, ", "))
	}
	if c.Results.Store == StorePostgres && c.Results.Postgres.DSN == "" {
		return fmt.Errorf("results.postgres.dsn is required for the postgres store")
	}
	if c.Results.Store == StoreRedis && c.Broker.Redis.Addr == "" {
		return fmt.Errorf("broker.redis.addr is required for the redis store")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max upload size: %d (must be positive)", c.Server.MaxUploadMB)
	}
	if c.Server.TimeoutSec <= 0 {
		return fmt.Errorf("invalid timeout: %d (must be positive)", c.Server.TimeoutSec)
	}
	return nil
}

// ToPreprocessConfig converts to preprocess.Config.
func (c *Config) ToPreprocessConfig() preprocess.Config {
	cfg := preprocess.DefaultConfig()
	p := c.Preprocess
	cfg.MinSide = p.MinSide
	cfg.MaxSide = p.MaxSide
	cfg.ApproxEpsilon = p.ApproxEpsilon
	cfg.DenoiseSigma = p.DenoiseSigma
	cfg.CLAHEClip = p.CLAHEClip
	cfg.CLAHETiles = p.CLAHETiles
	cfg.AdaptiveBlock = p.AdaptiveBlock
	cfg.AdaptiveC = p.AdaptiveC
	return cfg
}

// ToValidatorConfig converts to validator.Config.
func (c *Config) ToValidatorConfig() validator.Config {
	cfg := validator.DefaultConfig()
	v := c.Validator
	cfg.MinAspect = v.MinAspect
	cfg.MaxAspect = v.MaxAspect
	cfg.MinLines = v.MinLines
	cfg.MinInk = v.MinInk
	cfg.MaxInk = v.MaxInk
	cfg.MinRectangularity = v.MinRectangularity
	cfg.MinHorizontal = v.MinHorizontal
	cfg.MinVertical = v.MinVertical
	cfg.ElectoralPass = v.ElectoralPass
	cfg.AllPassFloor = v.AllPassFloor
	cfg.PartialFloor = v.PartialFloor
	cfg.Weights = v.Weights
	cfg.Features.LogoRegion = v.LogoRegion
	cfg.Features.LogoShape = v.LogoShape
	cfg.Features.LogoColor = v.LogoColor
	cfg.Features.LogoDensity = v.LogoDensity
	cfg.Features.LogoCircles = v.LogoCircles
	return cfg
}

// ToExtractConfig converts to extract.Config.
func (c *Config) ToExtractConfig() extract.Config {
	cfg := extract.DefaultConfig()
	if len(c.Extractor.Languages) > 0 {
		cfg.Languages = c.Extractor.Languages
	}
	if c.Extractor.DigitUpscale > 0 {
		cfg.DigitUpscale = c.Extractor.DigitUpscale
	}
	if len(c.Extractor.Passes) > 0 {
		cfg.Passes = c.Extractor.Passes
	}
	cfg.GazetteerDistance = c.Extractor.GazetteerDistance
	return cfg
}

// ToConsistencyConfig converts to consistency.Config.
func (c *Config) ToConsistencyConfig() consistency.Config {
	cfg := consistency.DefaultConfig()
	cfg.Threshold = c.Consistency.Threshold
	cfg.Tolerance = c.Consistency.Tolerance
	cfg.MaxPenalty = c.Consistency.MaxPenalty
	cfg.TableNumberPenalty = c.Consistency.TableNumberPenalty
	return cfg
}

// ToPipelineConfig converts to pipeline.Config. The local confidence gate is
// the consistency threshold.
func (c *Config) ToPipelineConfig() pipeline.Config {
	return pipeline.Config{Queues: c.Broker.Queues, Threshold: c.Consistency.Threshold}
}

// ToWorkerConfig converts to pipeline.WorkerConfig.
func (c *Config) ToWorkerConfig() pipeline.WorkerConfig {
	cfg := pipeline.DefaultWorkerConfig()
	cfg.Concurrency = c.Worker.Concurrency
	cfg.RecoverInFlight = c.Worker.RecoverInFlight
	cfg.Sequential = c.Worker.Sequential
	if c.Broker.PollTimeout > 0 {
		cfg.PollTimeout = c.Broker.PollTimeout
	}
	return cfg
}

// validateThreshold validates that a value is between 0.0 and 1.0.
func validateThreshold(value float64, name string) error {
	if value < 0.0 || value > 1.0 {
		return fmt.Errorf("invalid %s: %.2f (must be between 0.0 and 1.0)", name, value)
	}
	return nil
}

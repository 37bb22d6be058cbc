package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the base name for configuration files (without extension).
	ConfigFileName = "tally"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "TALLY"
)

// Loader handles loading configuration from various sources.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader on the global viper instance, so flags bound
// by the root command take part in the lookup.
func NewLoader() *Loader {
	return &Loader{v: viper.GetViper()}
}

// NewLoaderWithViper creates a loader on v.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v}
}

// Load reads the configuration from the search paths, environment variables
// and defaults, then validates it.
func (l *Loader) Load() (*Config, error) {
	return l.load("", true)
}

// LoadWithoutValidation is Load without the final Validate.
func (l *Loader) LoadWithoutValidation() (*Config, error) {
	return l.load("", false)
}

// LoadWithFile loads configuration from a specific file path. An empty path
// behaves like Load.
func (l *Loader) LoadWithFile(configFile string) (*Config, error) {
	return l.load(configFile, true)
}

func (l *Loader) load(configFile string, validate bool) (*Config, error) {
	if configFile != "" {
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", configFile)
		}
		l.v.SetConfigFile(configFile)
	} else {
		l.v.SetConfigName(ConfigFileName)
		l.v.SetConfigType("yaml")
		l.addConfigPaths()
	}

	l.setupEnvironmentVariables()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		// A missing file in the search paths is fine; defaults and env apply.
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if validate {
		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}
	return &config, nil
}

// Set sets a value in the configuration.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

// GetConfigFileUsed returns the path of the config file used.
func (l *Loader) GetConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// GetViper returns the underlying viper instance.
func (l *Loader) GetViper() *viper.Viper {
	return l.v
}

func (l *Loader) addConfigPaths() {
	for _, p := range GetConfigSearchPaths() {
		l.v.AddConfigPath(p)
	}
}

func (l *Loader) setupEnvironmentVariables() {
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.AutomaticEnv()
	// TALLY_BROKER_REDIS_ADDR -> broker.redis.addr
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

// setDefaults registers every key, which also makes it resolvable from the
// environment.
func (l *Loader) setDefaults() {
	d := DefaultConfig()

	l.v.SetDefault("log_level", d.LogLevel)
	l.v.SetDefault("verbose", d.Verbose)

	l.v.SetDefault("preprocess.min_side", d.Preprocess.MinSide)
	l.v.SetDefault("preprocess.max_side", d.Preprocess.MaxSide)
	l.v.SetDefault("preprocess.approx_epsilon", d.Preprocess.ApproxEpsilon)
	l.v.SetDefault("preprocess.denoise_sigma", d.Preprocess.DenoiseSigma)
	l.v.SetDefault("preprocess.clahe_clip", d.Preprocess.CLAHEClip)
	l.v.SetDefault("preprocess.clahe_tiles", d.Preprocess.CLAHETiles)
	l.v.SetDefault("preprocess.adaptive_block", d.Preprocess.AdaptiveBlock)
	l.v.SetDefault("preprocess.adaptive_c", d.Preprocess.AdaptiveC)

	l.v.SetDefault("validator.min_aspect", d.Validator.MinAspect)
	l.v.SetDefault("validator.max_aspect", d.Validator.MaxAspect)
	l.v.SetDefault("validator.min_lines", d.Validator.MinLines)
	l.v.SetDefault("validator.min_ink", d.Validator.MinInk)
	l.v.SetDefault("validator.max_ink", d.Validator.MaxInk)
	l.v.SetDefault("validator.min_rectangularity", d.Validator.MinRectangularity)
	l.v.SetDefault("validator.min_horizontal", d.Validator.MinHorizontal)
	l.v.SetDefault("validator.min_vertical", d.Validator.MinVertical)
	l.v.SetDefault("validator.electoral_pass", d.Validator.ElectoralPass)
	l.v.SetDefault("validator.all_pass_floor", d.Validator.AllPassFloor)
	l.v.SetDefault("validator.partial_floor", d.Validator.PartialFloor)
	l.v.SetDefault("validator.weights.logo", d.Validator.Weights.Logo)
	l.v.SetDefault("validator.weights.voting_grid", d.Validator.Weights.VotingGrid)
	l.v.SetDefault("validator.weights.barcode", d.Validator.Weights.Barcode)
	l.v.SetDefault("validator.weights.title", d.Validator.Weights.Title)
	l.v.SetDefault("validator.weights.text_pattern", d.Validator.Weights.TextPattern)
	l.v.SetDefault("validator.weights.key_text", d.Validator.Weights.KeyText)
	l.v.SetDefault("validator.logo_region", d.Validator.LogoRegion)
	l.v.SetDefault("validator.logo_shape", d.Validator.LogoShape)
	l.v.SetDefault("validator.logo_color", d.Validator.LogoColor)
	l.v.SetDefault("validator.logo_density", d.Validator.LogoDensity)
	l.v.SetDefault("validator.logo_circles", d.Validator.LogoCircles)

	l.v.SetDefault("template.name", d.Template.Name)
	l.v.SetDefault("template.path", d.Template.Path)
	l.v.SetDefault("template.dir", d.Template.Dir)

	l.v.SetDefault("extractor.languages", d.Extractor.Languages)
	l.v.SetDefault("extractor.digit_upscale", d.Extractor.DigitUpscale)
	l.v.SetDefault("extractor.passes", d.Extractor.Passes)
	l.v.SetDefault("extractor.tessdata_prefix", d.Extractor.TessdataPrefix)
	l.v.SetDefault("extractor.gazetteer_distance", d.Extractor.GazetteerDistance)
	l.v.SetDefault("extractor.barcode", d.Extractor.Barcode)

	l.v.SetDefault("consistency.threshold", d.Consistency.Threshold)
	l.v.SetDefault("consistency.tolerance", d.Consistency.Tolerance)
	l.v.SetDefault("consistency.max_penalty", d.Consistency.MaxPenalty)
	l.v.SetDefault("consistency.table_number_penalty", d.Consistency.TableNumberPenalty)

	l.v.SetDefault("fallback.enabled", d.Fallback.Enabled)
	l.v.SetDefault("fallback.api_key", d.Fallback.APIKey)
	l.v.SetDefault("fallback.base_url", d.Fallback.BaseURL)
	l.v.SetDefault("fallback.model", d.Fallback.Model)
	l.v.SetDefault("fallback.max_tokens", d.Fallback.MaxTokens)
	l.v.SetDefault("fallback.timeout", d.Fallback.Timeout)
	l.v.SetDefault("fallback.threshold", d.Fallback.Threshold)
	l.v.SetDefault("fallback.validate_schema", d.Fallback.ValidateSchema)

	l.v.SetDefault("broker.driver", d.Broker.Driver)
	l.v.SetDefault("broker.redis.addr", d.Broker.Redis.Addr)
	l.v.SetDefault("broker.redis.password", d.Broker.Redis.Password)
	l.v.SetDefault("broker.redis.db", d.Broker.Redis.DB)
	l.v.SetDefault("broker.redis.key_prefix", d.Broker.Redis.KeyPrefix)
	l.v.SetDefault("broker.redis.lease", d.Broker.Redis.Lease)
	l.v.SetDefault("broker.poll_timeout", d.Broker.PollTimeout)
	l.v.SetDefault("broker.queues.validation", d.Broker.Queues.Validation)
	l.v.SetDefault("broker.queues.ocr", d.Broker.Queues.OCR)
	l.v.SetDefault("broker.queues.fallback", d.Broker.Queues.Fallback)
	l.v.SetDefault("broker.queues.results", d.Broker.Queues.Results)

	l.v.SetDefault("worker.concurrency", d.Worker.Concurrency)
	l.v.SetDefault("worker.recover_inflight", d.Worker.RecoverInFlight)
	l.v.SetDefault("worker.sequential", d.Worker.Sequential)

	l.v.SetDefault("results.store", d.Results.Store)
	l.v.SetDefault("results.postgres.dsn", d.Results.Postgres.DSN)
	l.v.SetDefault("results.postgres.max_conns", d.Results.Postgres.MaxConns)
	l.v.SetDefault("results.postgres.dial_timeout", d.Results.Postgres.DialTimeout)
	l.v.SetDefault("results.export_path", d.Results.ExportPath)

	l.v.SetDefault("server.host", d.Server.Host)
	l.v.SetDefault("server.port", d.Server.Port)
	l.v.SetDefault("server.cors_origin", d.Server.CORSOrigin)
	l.v.SetDefault("server.max_upload_mb", d.Server.MaxUploadMB)
	l.v.SetDefault("server.timeout_sec", d.Server.TimeoutSec)
	l.v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	l.v.SetDefault("server.rate_limit.enabled", d.Server.RateLimit.Enabled)
	l.v.SetDefault("server.rate_limit.requests_per_minute", d.Server.RateLimit.RequestsPerMinute)
	l.v.SetDefault("server.rate_limit.requests_per_hour", d.Server.RateLimit.RequestsPerHour)
	l.v.SetDefault("server.rate_limit.max_requests_per_day", d.Server.RateLimit.MaxRequestsPerDay)
	l.v.SetDefault("server.rate_limit.max_data_per_day", d.Server.RateLimit.MaxDataPerDay)
}

// GenerateDefaultConfigFile writes the default configuration to filename
// (tally.yaml when empty).
func GenerateDefaultConfigFile(filename string) error {
	l := NewLoaderWithViper(viper.New())
	l.setDefaults()
	if filename == "" {
		filename = ConfigFileName + ".yaml"
	}
	return l.v.WriteConfigAs(filename)
}

// GetConfigSearchPaths returns the paths where configuration files are searched.
func GetConfigSearchPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, home)
	}
	paths = append(paths, "/etc/tally")
	if configDir, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		paths = append(paths, filepath.Join(configDir, "tally"))
	} else if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tally"))
	}
	return paths
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/MeKo-Tech/tally/internal/barcode"
	"github.com/MeKo-Tech/tally/internal/broker"
	"github.com/MeKo-Tech/tally/internal/config"
	"github.com/MeKo-Tech/tally/internal/consistency"
	"github.com/MeKo-Tech/tally/internal/extract"
	"github.com/MeKo-Tech/tally/internal/fallback"
	"github.com/MeKo-Tech/tally/internal/ocr"
	"github.com/MeKo-Tech/tally/internal/ocr/tesseract"
	"github.com/MeKo-Tech/tally/internal/pipeline"
	"github.com/MeKo-Tech/tally/internal/preprocess"
	"github.com/MeKo-Tech/tally/internal/results"
	"github.com/MeKo-Tech/tally/internal/roi"
	"github.com/MeKo-Tech/tally/internal/validator"
	"github.com/redis/go-redis/v9"
)

// app holds the long-lived collaborators shared by the commands.
type app struct {
	cfg    *config.Config
	broker broker.Broker
	rdb    *redis.Client // nil unless something uses Redis
	store  results.Store
	hub    *results.Hub
}

// appOptions selects which collaborators newApp builds.
type appOptions struct {
	broker bool
	store  bool
	hub    bool
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}
	if opts.broker {
		if err := a.openBroker(ctx); err != nil {
			return nil, err
		}
	}
	if opts.store {
		if err := a.openStore(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	if opts.hub {
		a.hub = results.NewHub(64)
	}
	return a, nil
}

func (a *app) openBroker(ctx context.Context) error {
	switch a.cfg.Broker.Driver {
	case config.BrokerMemory:
		slog.Warn("Using the in-memory broker; queued ballots are lost when the process exits")
		a.broker = broker.NewMemory()
	case config.BrokerRedis:
		rb, err := broker.NewRedis(ctx, a.cfg.Broker.Redis)
		if err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		a.broker = rb
		a.rdb = rb.Client()
	default:
		return fmt.Errorf("unknown broker driver: %s", a.cfg.Broker.Driver)
	}
	slog.Info("Broker ready", "driver", a.cfg.Broker.Driver)
	return nil
}

func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.rdb != nil {
		return a.rdb, nil
	}
	r := a.cfg.Broker.Redis
	rdb := redis.NewClient(&redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", r.Addr, err)
	}
	a.rdb = rdb
	return rdb, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Results.Store {
	case config.StoreMemory:
		a.store = results.NewMemoryStore()
	case config.StoreRedis:
		rdb, err := a.redisClient(ctx)
		if err != nil {
			return fmt.Errorf("open result store: %w", err)
		}
		a.store = results.NewRedisStore(rdb, a.cfg.Broker.Redis.KeyPrefix)
	case config.StorePostgres:
		ps, err := results.NewPostgresStore(ctx, a.cfg.Results.Postgres)
		if err != nil {
			return fmt.Errorf("open result store: %w", err)
		}
		a.store = ps
	default:
		return fmt.Errorf("unknown results store: %s", a.cfg.Results.Store)
	}
	slog.Info("Result store ready", "store", a.cfg.Results.Store)
	return nil
}

// Close releases every opened connection.
func (a *app) Close() {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.broker != nil {
		errs = append(errs, a.broker.Close())
	}
	// A Redis broker owns the client it shares with the store.
	if _, owned := a.broker.(*broker.RedisBroker); a.rdb != nil && !owned {
		errs = append(errs, a.rdb.Close())
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("Error closing resources", "error", err)
	}
}

func buildInspector(cfg *config.Config) *pipeline.Inspector {
	return pipeline.NewInspector(
		preprocess.New(cfg.ToPreprocessConfig()),
		validator.New(cfg.ToValidatorConfig()),
	)
}

// loadTemplate resolves the configured ROI template: an explicit file wins,
// otherwise the named template from the built-ins and template.dir.
func loadTemplate(cfg *config.Config) (*roi.Template, error) {
	reg := roi.NewRegistry()
	if cfg.Template.Dir != "" {
		if err := reg.LoadDir(cfg.Template.Dir); err != nil {
			return nil, fmt.Errorf("load templates: %w", err)
		}
	}
	if cfg.Template.Path != "" {
		return reg.LoadFile(cfg.Template.Path)
	}
	return reg.Get(cfg.Template.Name)
}

// tesseractConfig maps the extractor settings onto the Tesseract engine.
func tesseractConfig(cfg *config.Config) tesseract.Config {
	tc := tesseract.DefaultConfig()
	if len(cfg.Extractor.Languages) > 0 {
		tc.Languages = cfg.Extractor.Languages
	}
	tc.TessdataPrefix = cfg.Extractor.TessdataPrefix
	return tc
}

func buildReader(cfg *config.Config, engine ocr.Engine) (*pipeline.LocalReader, error) {
	tpl, err := loadTemplate(cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("Using ROI template", "template", tpl.Name, "engine", engine.Name())
	var opts []pipeline.ReaderOption
	if cfg.Extractor.Barcode {
		opts = append(opts, pipeline.WithBarcode(barcode.NewReader()))
	}
	return pipeline.NewLocalReader(
		tpl,
		extract.New(cfg.ToExtractConfig(), engine),
		consistency.New(cfg.ToConsistencyConfig()),
		opts...,
	), nil
}

// buildFallback returns nil when the fallback is disabled.
func buildFallback(cfg *config.Config) (*fallback.Extractor, error) {
	if !cfg.Fallback.Enabled {
		return nil, nil
	}
	fb, err := fallback.New(cfg.Fallback.Config)
	if err != nil {
		return nil, fmt.Errorf("create fallback extractor: %w", err)
	}
	if cfg.Fallback.APIKey == "" && os.Getenv("ANTHROPIC_API_KEY") == "" {
		slog.Warn("Fallback enabled without an API key; fallback requests will fail")
	}
	return fb, nil
}

// buildPipeline wires every stage. Passing a nil engine builds a pipeline
// that can only submit and replay.
func (a *app) buildPipeline(engine ocr.Engine, sink pipeline.Sink) (*pipeline.Pipeline, error) {
	inspector := buildInspector(a.cfg)
	if engine == nil {
		return pipeline.New(a.cfg.ToPipelineConfig(), a.broker, inspector, nil), nil
	}
	reader, err := buildReader(a.cfg, engine)
	if err != nil {
		return nil, err
	}
	var opts []pipeline.Option
	fb, err := buildFallback(a.cfg)
	if err != nil {
		return nil, err
	}
	if fb != nil {
		opts = append(opts, pipeline.WithFallback(fb))
	}
	if sink != nil {
		opts = append(opts, pipeline.WithSink(sink))
	}
	return pipeline.New(a.cfg.ToPipelineConfig(), a.broker, inspector, reader, opts...), nil
}

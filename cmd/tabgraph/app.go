package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/OFFIS-RIT/tabgraph/internal/backends"
	"github.com/OFFIS-RIT/tabgraph/internal/queue"
	"github.com/OFFIS-RIT/tabgraph/internal/storage"
	"github.com/OFFIS-RIT/tabgraph/pkg/config"
	"github.com/OFFIS-RIT/tabgraph/pkg/flow"
	"github.com/OFFIS-RIT/tabgraph/pkg/logger"
	"github.com/OFFIS-RIT/tabgraph/pkg/pipeline"
	"github.com/OFFIS-RIT/tabgraph/pkg/source"
	"github.com/OFFIS-RIT/tabgraph/pkg/store"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type app struct {
	settings config.Settings
	stdin    io.Reader
	stdout   io.Writer
	registry *pipeline.Registry
}

func newApp(settings config.Settings, stdin io.Reader, stdout io.Writer) *app {
	return &app{
		settings: settings,
		stdin:    stdin,
		stdout:   stdout,
		registry: pipeline.NewRegistry(),
	}
}

// session is one recipe bound to its backends.
type session struct {
	pc       *pipeline.Context
	handlers pipeline.Handlers
	closers  []func() error
}

func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Warn("Failed to close backend", "err", err)
		}
	}
}

func (a *app) loadRecipe(path string, opts config.Options) (config.Config, error) {
	cfg, err := config.Load(path, a.settings)
	if err != nil {
		return config.Config{}, err
	}
	return cfg.WithOptions(opts), nil
}

// open loads the recipe at path and connects its cache, store and S3
// client.
func (a *app) open(ctx context.Context, path string, opts config.Options) (*session, error) {
	cfg, err := a.loadRecipe(path, opts)
	if err != nil {
		return nil, err
	}
	handlers, err := a.registry.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	s := &session{handlers: handlers}
	fail := func(err error) (*session, error) {
		s.Close()
		return nil, err
	}

	s3Client, err := storage.NewS3Client(ctx, a.settings.S3)
	if err != nil {
		return fail(err)
	}

	c, err := backends.OpenCache(ctx, a.settings.CacheURI, a.settings.CachePrefix)
	if err != nil {
		return fail(fmt.Errorf("failed to open cache: %w", err))
	}
	s.closers = append(s.closers, c.Close)

	var st store.FragmentStore
	if uri := pipeline.StoreURI(cfg); uri != "" {
		st, err = backends.OpenStore(ctx, uri)
		if err != nil {
			return fail(fmt.Errorf("failed to open fragment store: %w", err))
		}
		s.closers = append(s.closers, st.Close)
	}

	runID, err := gonanoid.New()
	if err != nil {
		return fail(err)
	}

	s.pc, err = pipeline.NewContext(pipeline.ContextParams{
		Config:   cfg,
		Settings: a.settings,
		Cache:    c,
		Sources:  source.Options{S3: s3Client},
		Store:    st,
		RunID:    runID,
	})
	if err != nil {
		return fail(err)
	}
	return s, nil
}

// notifier connects to RabbitMQ when AMQP_URL is set. A broker that cannot
// be reached only disables notifications.
func (a *app) notifier() (flow.Notifier, func()) {
	if a.settings.AMQPURL == "" {
		return nil, func() {}
	}
	client, err := queue.Dial(a.settings.AMQPURL, a.settings.AMQPExchange)
	if err != nil {
		logger.Warn("Notifications disabled", "err", err)
		return nil, func() {}
	}
	return client, func() { _ = client.Close() }
}

// runRecipe runs the whole flow of the recipe at path.
func (a *app) runRecipe(ctx context.Context, path string, opts config.Options, n flow.Notifier) (*flow.Result, error) {
	s, err := a.open(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	var runOpts []flow.RunnerOption
	if n != nil {
		runOpts = append(runOpts, flow.WithNotifier(n))
	}
	return flow.NewRunner(s.pc, s.handlers, runOpts...).Run(ctx)
}

func printResult(w io.Writer, result *flow.Result) {
	fmt.Fprintf(w, "dataset:   %s\n", result.Dataset)
	fmt.Fprintf(w, "run:       %s\n", result.RunID)
	fmt.Fprintf(w, "state:     %s\n", result.State)
	fmt.Fprintf(w, "sources:   %d (%d failed)\n", len(result.Branches), len(result.Failed()))
	fmt.Fprintf(w, "fragments: %d\n", result.Fragments)
	fmt.Fprintf(w, "entities:  %d\n", result.Stats.EntityCount)
	fmt.Fprintf(w, "index:     %s\n", result.IndexURI)
	for _, b := range result.Failed() {
		var se *pipeline.StageError
		if errors.As(b.Err, &se) {
			fmt.Fprintf(w, "  failed %s in %s: %v\n", b.Source, se.Stage, se.Err)
			continue
		}
		fmt.Fprintf(w, "  failed %s: %v\n", b.Source, b.Err)
	}
}

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/cellar/internal/config"
	"github.com/roach88/cellar/internal/engine"
	"github.com/roach88/cellar/internal/ir"
	"github.com/roach88/cellar/internal/store"
)

// app is the per-command wiring of config, store and engine.
type app struct {
	cfg    config.Config
	store  *store.Store
	engine *engine.Engine
	logger *slog.Logger
	out    *OutputFormatter
}

// loadConfig layers flags over the config file and environment.
func loadConfig(opts *RootOptions) (config.Config, error) {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg, err := config.Load(opts.ConfigPath, getenv)
	if err != nil {
		return config.Config{}, err
	}
	for _, f := range []struct {
		flag string
		dst  *string
	}{
		{opts.Root, &cfg.Root},
		{opts.Cache, &cfg.Cache},
		{opts.DB, &cfg.DB},
		{opts.Recipes, &cfg.Recipes},
	} {
		if f.flag != "" {
			*f.dst = f.flag
		}
	}
	if err := cfg.Resolve(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}

func newLogger(opts *RootOptions, cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// openApp loads config, opens the receipt database and builds the engine.
// The caller must Close the returned app.
func openApp(opts *RootOptions, cmd *cobra.Command) (*app, error) {
	out := newFormatter(opts, cmd)
	cfg, err := loadConfig(opts)
	if err != nil {
		_ = out.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := newLogger(opts, cmd)

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		_ = out.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to create root", err)
	}
	logger.Debug("opening database", "path", cfg.DB)
	st, err := store.Open(cfg.DB)
	if err != nil {
		_ = out.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	engineOpts := []engine.EngineOption{
		engine.WithCacheDir(cfg.Cache),
		engine.WithJobs(cfg.Jobs),
		engine.WithReadLimit(cfg.Verify.ReadLimit),
		engine.WithCheckTimeout(cfg.Verify.Timeout),
		engine.WithFetchTimeout(cfg.Fetch.Timeout),
		engine.WithMaxFuzz(cfg.Patch.MaxFuzz),
		engine.WithRecorder(st),
		engine.WithLogger(logger),
	}
	if opts.Verbose {
		engineOpts = append(engineOpts, engine.WithOutput(cmd.ErrOrStderr()))
	}
	engineOpts = append(engineOpts, opts.EngineOptions...)

	return &app{
		cfg:    cfg,
		store:  st,
		engine: engine.New(engine.Layout{Root: cfg.Root}, engineOpts...),
		logger: logger,
		out:    out,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// loadRecipes compiles the configured recipes directory.
func (a *app) loadRecipes() (*LoadResult, error) {
	return loadRecipesDir(a.out, a.cfg.Recipes)
}

func loadRecipesDir(out *OutputFormatter, dir string) (*LoadResult, error) {
	result, errs := LoadRecipes(dir, LoadModeFailFast)
	if len(errs) > 0 {
		code, msg := ErrCodeGeneric, errs[0].Error()
		if le, ok := errs[0].(*LoadError); ok {
			code = le.Code
		}
		_ = out.Error(code, msg, nil)
		return nil, WrapExitError(ExitCommandError, "failed to load recipes", errs[0])
	}
	out.VerboseLog("Loaded %d recipe(s) from %d CUE file(s) in %s", len(result.Recipes), result.FileCount, dir)
	return result, nil
}

// lookup returns the named recipe or a command error.
func (a *app) lookup(recipes *LoadResult, name string) (*ir.Recipe, error) {
	r, ok := recipes.Recipes[name]
	if !ok {
		msg := fmt.Sprintf("no recipe named %q in %s", name, a.cfg.Recipes)
		_ = a.out.Error(ErrCodeNoRecipe, msg, nil)
		return nil, NewExitError(ExitCommandError, msg)
	}
	return r, nil
}

// commandContext returns a context cancelled on SIGINT/SIGTERM so a running
// build step's process group is killed rather than orphaned.
func commandContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, func()) {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Warn("received signal, stopping", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

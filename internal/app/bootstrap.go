package app

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dshills/modshell/internal/bridge"
	"github.com/dshills/modshell/internal/config"
	"github.com/dshills/modshell/internal/core"
	"github.com/dshills/modshell/internal/installer"
	"github.com/dshills/modshell/internal/logging"
	"github.com/dshills/modshell/internal/plugin"
	"github.com/dshills/modshell/internal/plugin/native"
	"github.com/dshills/modshell/internal/plugin/script"
	"github.com/dshills/modshell/internal/shell"
)

// bootstrapper handles component initialization with proper cleanup on failure.
type bootstrapper struct {
	app       *Application
	opts      Options
	initOrder []string
}

func newBootstrapper(app *Application, opts Options) *bootstrapper {
	return &bootstrapper{
		app:       app,
		opts:      opts,
		initOrder: make([]string, 0, 8),
	}
}

// bootstrap initializes all components in dependency order.
// On failure, it cleans up already-initialized components.
func (b *bootstrapper) bootstrap() error {
	steps := []func() error{
		b.initConfig,
		b.initLogger,
		b.initDirectories,
		b.initBridge,
		b.initRuntime,
		b.initPackages,
		b.initShell,
		b.initWatchers,
		b.initHandler,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			b.cleanup()
			return err
		}
	}
	return nil
}

func (b *bootstrapper) initConfig() error {
	cfg := b.opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(b.opts.ConfigPath); err != nil {
			return &InitError{Component: "config", Err: err}
		}
	} else {
		cfg.Resolve()
		if err := cfg.Validate(); err != nil {
			return &InitError{Component: "config", Err: err}
		}
	}
	if b.opts.LogLevel != "" {
		cfg.Logging.Level = b.opts.LogLevel
	}
	if b.opts.Development {
		cfg.Logging.Development = true
	}
	b.app.cfg = cfg
	return nil
}

func (b *bootstrapper) initLogger() error {
	logger := b.opts.Logger
	if logger == nil {
		var err error
		if logger, err = logging.New(b.app.cfg.Logging.Logger()); err != nil {
			return &InitError{Component: "logger", Err: err}
		}
	}
	b.app.logger = logger
	b.initOrder = append(b.initOrder, "logger")
	return nil
}

// initDirectories creates the writable roots. Bundled and framework roots
// are read-only and left alone.
func (b *bootstrapper) initDirectories() error {
	p := b.app.cfg.Paths
	for _, dir := range []string{p.DataDir, p.Modules, p.Plugins} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &InitError{Component: "directories", Err: err}
		}
	}
	return nil
}

func (b *bootstrapper) initBridge() error {
	cfg := b.app.cfg.Bridge
	b.app.registry = prometheus.NewRegistry()
	b.app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	b.app.transport = bridge.NewLocalTransport()
	b.app.api = bridge.New(b.app.transport,
		bridge.WithTimeout(cfg.CallTimeout.Std()),
		bridge.WithConnectTimeout(cfg.ConnectTimeout.Std()),
		bridge.WithEventBuffer(cfg.EventBuffer),
		bridge.WithLogger(b.app.logger.Named("bridge")),
		bridge.WithMetrics(bridge.NewMetrics(b.app.registry)),
	)
	b.initOrder = append(b.initOrder, "bridge")
	return nil
}

func (b *bootstrapper) initRuntime() error {
	cfg := b.app.cfg
	logger := b.app.logger

	loaderOpts := []native.Option{native.WithLogger(logger.Named("native"))}
	if b.opts.Opener != nil {
		loaderOpts = append(loaderOpts, native.WithOpener(b.opts.Opener))
	}
	b.app.native = native.NewLoader(loaderOpts...)

	b.app.modules = plugin.NewStore(
		plugin.WithRoots(cfg.ModuleRoots()...),
		plugin.WithExcludedTypes("ui"),
		plugin.WithStoreLogger(logger.Named("modules")),
	)
	metrics := core.NewMetrics(b.app.registry)
	b.app.runtime = core.New(b.app.modules, b.app.transport,
		core.WithModuleLoader(b.app.native),
		core.WithHost(b.app.api),
		core.WithLogger(logger.Named("runtime")),
		core.WithMetrics(metrics),
	)
	b.initOrder = append(b.initOrder, "runtime")

	if err := b.app.runtime.Register(core.ManagerModuleName, core.NewManagerModule(b.app.runtime)); err != nil {
		return &InitError{Component: core.ManagerModuleName, Err: err}
	}

	b.app.poller = core.NewPoller(core.RuntimeSource(b.app.runtime),
		core.WithInterval(cfg.Stats.Interval.Std()),
		core.WithPollerMetrics(metrics),
		core.WithPollerLogger(logger.Named("stats")),
	)
	return nil
}

// initPackages registers package_manager and installs bundled packages
// that are missing or outdated.
func (b *bootstrapper) initPackages() error {
	cfg := b.app.cfg
	logger := b.app.logger
	targets := installer.Targets{Modules: cfg.Paths.Modules, Plugins: cfg.Paths.Plugins}

	b.app.installer = installer.New(installer.WithLogger(logger.Named("installer")))
	b.app.packages = core.NewPackageModule(b.app.installer, b.app.runtime, targets,
		cfg.Paths.Packages, logger.Named("packages"))
	if err := b.app.runtime.Register(core.PackageModuleName, b.app.packages); err != nil {
		return &InitError{Component: core.PackageModuleName, Err: err}
	}

	if b.opts.SkipPreinstall || cfg.Paths.Preinstall == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	results, err := b.app.installer.Preinstall(ctx, cfg.Paths.Preinstall, targets)
	if err != nil {
		// A broken bundled package must not keep the shell from starting.
		logger.Warn("preinstall incomplete", zap.Error(err))
	}
	b.app.preinstalled = results
	if len(results) > 0 {
		if err := b.app.runtime.Refresh(); err != nil {
			logger.Warn("module rescan failed", zap.Error(err))
		}
	}
	return nil
}

func (b *bootstrapper) initShell() error {
	cfg := b.app.cfg
	logger := b.app.logger

	b.app.sandbox = script.NewSandbox(
		script.WithFrameworkRoots(cfg.Paths.Framework...),
		script.WithExecutionTimeout(cfg.Script.ExecutionTimeout.Std()),
		script.WithCallRate(rate.Limit(cfg.Script.CallRate), cfg.Script.CallBurst),
		script.WithQueueSize(cfg.Script.QueueSize),
		script.WithLogger(logger.Named("script")),
	)

	b.app.plugins = plugin.NewStore(
		plugin.WithRoots(cfg.Paths.Plugins),
		plugin.WithExcludedTypes("core"),
		plugin.WithStoreLogger(logger.Named("plugins")),
	)
	b.app.shell = shell.NewManager(b.app.plugins, b.app.api,
		shell.WithNativeLoader(b.app.native),
		shell.WithSandbox(b.app.sandbox),
		shell.WithLogger(logger.Named("shell")),
	)
	b.initOrder = append(b.initOrder, "shell")
	return nil
}

// initWatchers rescans the stores when their directories change so new
// installs show up without a restart.
func (b *bootstrapper) initWatchers() error {
	if !b.app.cfg.Server.WatchPlugins {
		return nil
	}
	for _, store := range []*plugin.Store{b.app.modules, b.app.plugins} {
		logger := b.app.logger.Named("watcher")
		w, err := plugin.NewWatcher(store,
			plugin.WithWatcherLogger(logger),
			plugin.WithOnChange(func(names []string) {
				logger.Debug("plugin directory changed", zap.Strings("known", names))
			}),
		)
		if err != nil {
			b.app.logger.Warn("plugin watcher unavailable", zap.Error(err))
			continue
		}
		b.app.watchers = append(b.app.watchers, w)
	}
	b.initOrder = append(b.initOrder, "watchers")
	return nil
}

func (b *bootstrapper) initHandler() error {
	b.app.handler = newRouter(b.app)
	return nil
}

// cleanup performs cleanup in reverse initialization order.
func (b *bootstrapper) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := len(b.initOrder) - 1; i >= 0; i-- {
		b.cleanupComponent(ctx, b.initOrder[i])
	}
}

func (b *bootstrapper) cleanupComponent(ctx context.Context, component string) {
	switch component {
	case "watchers":
		for _, w := range b.app.watchers {
			_ = w.Close()
		}
		b.app.watchers = nil
	case "shell":
		_ = b.app.shell.Close(ctx)
		b.app.shell = nil
	case "runtime":
		_ = b.app.runtime.Close(ctx)
		b.app.runtime = nil
	case "bridge":
		b.app.api.Close()
		b.app.api = nil
	case "logger":
		_ = b.app.logger.Sync()
	}
}

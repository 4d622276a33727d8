package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dshills/modshell/internal/bridge"
	"github.com/dshills/modshell/internal/config"
	"github.com/dshills/modshell/internal/core"
	"github.com/dshills/modshell/internal/installer"
	"github.com/dshills/modshell/internal/plugin"
	"github.com/dshills/modshell/internal/plugin/native"
	"github.com/dshills/modshell/internal/plugin/script"
	"github.com/dshills/modshell/internal/shell"
)

// Application owns every runtime component and their lifetimes.
type Application struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	transport *bridge.LocalTransport
	api       *bridge.API
	native    *native.Loader
	modules   *plugin.Store
	plugins   *plugin.Store
	runtime   *core.Runtime
	installer *installer.Installer
	packages  *core.PackageModule
	poller    *core.Poller
	sandbox   *script.Sandbox
	shell     *shell.Manager
	watchers  []*plugin.Watcher
	handler   http.Handler

	preinstalled []*installer.Result

	mu       sync.Mutex
	running  bool
	stopOnce sync.Once
}

// Options configures the application.
type Options struct {
	// ConfigPath is a TOML or YAML file. Ignored when Config is set.
	ConfigPath string
	// Config replaces file and environment loading.
	Config *config.Config

	// LogLevel overrides the configured level when set.
	LogLevel    string
	Development bool
	// Logger replaces the configured logger.
	Logger *zap.Logger

	// Opener replaces the library opener used for native plugins and
	// modules.
	Opener native.Opener

	// SkipPreinstall disables the preinstall pass.
	SkipPreinstall bool
}

// New builds the application. Components started before a failure are
// torn down again.
func New(opts Options) (*Application, error) {
	app := &Application{}
	if err := newBootstrapper(app, opts).bootstrap(); err != nil {
		return nil, err
	}
	return app, nil
}

// Run serves until ctx is cancelled, then shuts down. Polling always runs;
// the HTTP listener runs when an address is configured.
func (app *Application) Run(ctx context.Context) error {
	app.mu.Lock()
	if app.running {
		app.mu.Unlock()
		return ErrAlreadyRunning
	}
	app.running = true
	app.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.poller.Run(ctx)
	}()

	errCh := make(chan error, 1)
	var srv *http.Server
	if addr := app.cfg.Server.Addr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			cancel()
			wg.Wait()
			app.Shutdown(context.Background())
			return &InitError{Component: "http listener", Err: err}
		}
		srv = &http.Server{
			Handler:           app.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		app.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		app.logger.Error("http server failed", zap.Error(runErr))
	}
	cancel()
	wg.Wait()

	grace := app.cfg.Server.ShutdownGrace.Std()
	sctx, scancel := context.WithTimeout(context.Background(), grace)
	defer scancel()
	if srv != nil {
		if err := srv.Shutdown(sctx); err != nil {
			app.logger.Warn("http shutdown", zap.Error(err))
		}
	}
	if err := app.Shutdown(sctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown unloads UI plugins, then modules, then closes the bridge. It
// is safe to call more than once.
func (app *Application) Shutdown(ctx context.Context) error {
	var err error
	app.stopOnce.Do(func() {
		for _, w := range app.watchers {
			_ = w.Close()
		}
		if app.shell != nil {
			_ = app.shell.Close(ctx)
		}
		if app.runtime != nil {
			if cerr := app.runtime.Close(ctx); cerr != nil {
				err = cerr
			}
		}
		if app.api != nil {
			app.api.Close()
		}
		if ctx.Err() != nil && err == nil {
			err = ErrShutdownTimeout
		}
		app.logger.Info("shutdown complete")
		_ = app.logger.Sync()
	})
	return err
}

// Config returns the effective configuration.
func (app *Application) Config() *config.Config { return app.cfg }

// Logger returns the application logger.
func (app *Application) Logger() *zap.Logger { return app.logger }

// Registry returns the Prometheus registry served on /metrics.
func (app *Application) Registry() *prometheus.Registry { return app.registry }

// API returns the process bridge.
func (app *Application) API() *bridge.API { return app.api }

// Runtime returns the module runtime.
func (app *Application) Runtime() *core.Runtime { return app.runtime }

// Installer returns the package installer.
func (app *Application) Installer() *installer.Installer { return app.installer }

// Packages returns the package_manager module.
func (app *Application) Packages() *core.PackageModule { return app.packages }

// Poller returns the module stats poller.
func (app *Application) Poller() *core.Poller { return app.poller }

// Shell returns the UI plugin manager.
func (app *Application) Shell() *shell.Manager { return app.shell }

// Handler returns the HTTP handler serving metrics, the remote bridge and
// the status API.
func (app *Application) Handler() http.Handler { return app.handler }

// Preinstalled returns the packages installed at startup.
func (app *Application) Preinstalled() []*installer.Result { return app.preinstalled }

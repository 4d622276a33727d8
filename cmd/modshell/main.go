// Package main is the entry point for the modshell runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/dshills/modshell/internal/app"
	"github.com/dshills/modshell/internal/bridge"
	"github.com/dshills/modshell/internal/config"
	"github.com/dshills/modshell/internal/installer"
	"github.com/dshills/modshell/internal/logging"
	"github.com/dshills/modshell/internal/plugin"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// globals are the flags accepted before the command.
type globals struct {
	configPath  string
	logLevel    string
	development bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var g globals
	fs := flag.NewFlagSet("modshell", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&g.configPath, "config", "", "Path to a TOML or YAML configuration file")
	fs.StringVar(&g.configPath, "c", "", "Path to configuration file (shorthand)")
	fs.StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.BoolVar(&g.development, "dev", false, "Human readable debug logging")
	fs.Usage = func() { usage(fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	switch g.logLevel {
	case "", "debug", "info", "warn", "error":
	default:
		fmt.Fprintf(stderr, "Error: invalid log level %q (must be debug, info, warn, or error)\n", g.logLevel)
		return 2
	}

	cmd, rest := "run", fs.Args()
	if len(rest) > 0 {
		cmd, rest = rest[0], rest[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = runShell(g)
	case "modules":
		err = listModules(g, stdout)
	case "plugins":
		err = listPlugins(g, stdout)
	case "install":
		err = install(g, rest, stdout, stderr)
	case "pack":
		err = pack(rest, stderr)
	case "call":
		err = call(g, rest, stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "modshell %s\nCommit: %s\nBuilt: %s\n", version, commit, date)
	case "help":
		usage(fs)
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n", cmd)
		usage(fs)
		return 2
	}

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func usage(fs *flag.FlagSet) {
	w := fs.Output()
	fmt.Fprintf(w, "modshell - plugin and module runtime\n\n")
	fmt.Fprintf(w, "Usage: modshell [options] [command] [args]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  run                         Start the runtime (default)\n")
	fmt.Fprintf(w, "  modules                     List core modules\n")
	fmt.Fprintf(w, "  plugins                     List UI plugins\n")
	fmt.Fprintf(w, "  install [-core] <file.lgx>  Install a package file\n")
	fmt.Fprintf(w, "  install -name <package>     Install a catalogued package with its dependencies\n")
	fmt.Fprintf(w, "  pack -manifest m.json -variant key=dir -o out.lgx\n")
	fmt.Fprintf(w, "  call <module> <method> [json args...]  Call a module on a running instance\n")
	fmt.Fprintf(w, "  version                     Show version information\n\n")
	fmt.Fprintf(w, "Options:\n")
	fs.PrintDefaults()
}

func loadConfig(g globals) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.development {
		cfg.Logging.Development = true
	}
	return cfg, nil
}

func runShell(g globals) error {
	application, err := app.New(app.Options{
		ConfigPath:  g.configPath,
		LogLevel:    g.logLevel,
		Development: g.development,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application.Logger().Info("modshell started",
		zap.String("version", version),
		zap.String("modules", application.Config().Paths.Modules),
		zap.String("plugins", application.Config().Paths.Plugins))
	return application.Run(ctx)
}

func listModules(g globals, stdout io.Writer) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	store := plugin.NewStore(plugin.WithRoots(cfg.ModuleRoots()...), plugin.WithExcludedTypes("ui"))
	return printManifests(stdout, store.List())
}

func listPlugins(g globals, stdout io.Writer) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	store := plugin.NewStore(plugin.WithRoots(cfg.Paths.Plugins), plugin.WithExcludedTypes("core"))
	return printManifests(stdout, store.List())
}

func printManifests(stdout io.Writer, manifests []*plugin.Manifest) error {
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tKIND\tDEPENDENCIES\tPATH")
	for _, m := range manifests {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			m.Name, m.Version, m.Kind(), strings.Join(m.Dependencies, ","), m.EntryPath())
	}
	return tw.Flush()
}

func install(g globals, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asCore := fs.Bool("core", false, "Install into the modules directory")
	name := fs.String("name", "", "Install a package from the catalog by name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Logger())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inst := installer.New(installer.WithLogger(logger))
	targets := installer.Targets{Modules: cfg.Paths.Modules, Plugins: cfg.Paths.Plugins}

	var results []*installer.Result
	switch {
	case *name != "":
		catalog, cerr := installer.NewCatalog(cfg.Paths.Packages)
		if catalog == nil {
			return cerr
		}
		if cerr != nil {
			logger.Warn("catalog has unreadable packages", zap.Error(cerr))
		}
		results, err = inst.InstallWithDependencies(ctx, catalog, *name, targets)
	case fs.NArg() == 1:
		path := fs.Arg(0)
		core := *asCore
		if !core {
			// Without -core the package's own type decides.
			a, oerr := installer.Open(path)
			if oerr != nil {
				return oerr
			}
			core = a.Manifest().IsCore()
		}
		root := targets.Plugins
		if core {
			root = targets.Modules
		}
		var res *installer.Result
		if res, err = inst.Install(ctx, path, root, core); err == nil {
			results = append(results, res)
		}
	default:
		return errors.New("install needs a package file or -name")
	}

	for _, res := range results {
		kind := "plugin"
		if res.Core {
			kind = "module"
		}
		fmt.Fprintf(stdout, "installed %s %s %s (%s)\n", kind, res.Name, res.Version, res.Platform)
	}
	return err
}

// variantFlags collects repeated -variant key=dir values.
type variantFlags map[string]string

func (v variantFlags) String() string { return fmt.Sprint(map[string]string(v)) }

func (v variantFlags) Set(s string) error {
	key, dir, ok := strings.Cut(s, "=")
	if !ok || key == "" || dir == "" {
		return fmt.Errorf("variant %q is not key=dir", s)
	}
	v[key] = dir
	return nil
}

func pack(args []string, stderr io.Writer) error {
	variants := variantFlags{}
	fs := flag.NewFlagSet("pack", flag.ContinueOnError)
	fs.SetOutput(stderr)
	manifestPath := fs.String("manifest", "manifest.json", "Package manifest")
	out := fs.String("o", "", "Output package file")
	compression := fs.String("compression", string(installer.CompressionGzip), "gzip, zstd or none")
	fs.Var(variants, "variant", "Platform variant as key=dir (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return errors.New("pack needs -o")
	}

	manifest, err := os.ReadFile(*manifestPath)
	if err != nil {
		return err
	}
	return installer.PackFile(context.Background(), *out, manifest, variants, installer.Compression(*compression))
}

// call invokes a module on a running instance through its websocket bridge.
func call(g globals, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "Address of the running instance (defaults to server.addr)")
	timeout := fs.Duration("timeout", 0, "Call timeout (defaults to bridge.call_timeout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return errors.New("call needs a module and a method")
	}

	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	if *addr == "" {
		*addr = cfg.Server.Addr
	}
	if *addr == "" {
		return errors.New("no address: set server.addr or pass -addr")
	}
	if *timeout == 0 {
		*timeout = cfg.Bridge.CallTimeout.Std()
	}

	callArgs := make([]any, 0, fs.NArg()-2)
	for _, raw := range fs.Args()[2:] {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		callArgs = append(callArgs, v)
	}

	api := bridge.New(bridge.NewWSTransport("ws://"+*addr+"/bridge", zap.NewNop()),
		bridge.WithTimeout(*timeout), bridge.WithConnectTimeout(5*time.Second))
	defer api.Close()

	out, err := api.CallJSON(context.Background(), fs.Arg(0), fs.Arg(1), callArgs...)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, out)
	return nil
}

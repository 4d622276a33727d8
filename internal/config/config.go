package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/dshills/modshell/internal/logging"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "MODSHELL"

// AppName names the per-user data directory.
const AppName = "modshell"

// DefaultFiles are searched in the data directory when no file is given.
var DefaultFiles = []string{"config.toml", "config.yaml", "config.yml"}

// Config is the complete runtime configuration.
type Config struct {
	Paths   PathsConfig   `toml:"paths" yaml:"paths"`
	Bridge  BridgeConfig  `toml:"bridge" yaml:"bridge"`
	Stats   StatsConfig   `toml:"stats" yaml:"stats"`
	Script  ScriptConfig  `toml:"script" yaml:"script"`
	Server  ServerConfig  `toml:"server" yaml:"server"`
	Logging LoggingConfig `toml:"logging" yaml:"logging"`
}

// PathsConfig locates plugins, modules and packages. Empty directories are
// derived from DataDir.
type PathsConfig struct {
	// Portable keeps user data next to other per-user application data
	// instead of the managed location used by packaged installs.
	Portable bool `toml:"portable" yaml:"portable" split_words:"true"`

	DataDir    string   `toml:"data_dir" yaml:"data_dir" split_words:"true" validate:"required"`
	Modules    string   `toml:"modules" yaml:"modules" split_words:"true" validate:"required"`
	Plugins    string   `toml:"plugins" yaml:"plugins" split_words:"true" validate:"required"`
	Preinstall string   `toml:"preinstall" yaml:"preinstall" split_words:"true"`
	Packages   string   `toml:"packages" yaml:"packages" split_words:"true"`
	Framework  []string `toml:"framework" yaml:"framework" split_words:"true"`

	// BundledModules are read-only module roots shipped with the shell.
	// They are scanned before Modules.
	BundledModules []string `toml:"bundled_modules" yaml:"bundled_modules" split_words:"true"`
}

// BridgeConfig configures the module bridge.
type BridgeConfig struct {
	CallTimeout    Duration `toml:"call_timeout" yaml:"call_timeout" split_words:"true" validate:"gt=0"`
	ConnectTimeout Duration `toml:"connect_timeout" yaml:"connect_timeout" split_words:"true" validate:"gt=0"`
	EventBuffer    int      `toml:"event_buffer" yaml:"event_buffer" split_words:"true" validate:"gte=1"`
}

// StatsConfig configures module usage polling.
type StatsConfig struct {
	Interval Duration `toml:"interval" yaml:"interval" split_words:"true" validate:"gt=0"`
}

// ScriptConfig bounds script plugin execution.
type ScriptConfig struct {
	ExecutionTimeout Duration `toml:"execution_timeout" yaml:"execution_timeout" split_words:"true" validate:"gt=0"`
	CallRate         float64  `toml:"call_rate" yaml:"call_rate" split_words:"true" validate:"gte=0"`
	CallBurst        int      `toml:"call_burst" yaml:"call_burst" split_words:"true" validate:"gte=1"`
	QueueSize        int      `toml:"queue_size" yaml:"queue_size" split_words:"true" validate:"gte=1"`
}

// ServerConfig configures the HTTP listener serving metrics and the remote
// bridge. An empty Addr disables it.
type ServerConfig struct {
	Addr          string   `toml:"addr" yaml:"addr" split_words:"true" validate:"omitempty,hostname_port"`
	Metrics       bool     `toml:"metrics" yaml:"metrics" split_words:"true"`
	RemoteBridge  bool     `toml:"remote_bridge" yaml:"remote_bridge" split_words:"true"`
	WatchPlugins  bool     `toml:"watch_plugins" yaml:"watch_plugins" split_words:"true"`
	ShutdownGrace Duration `toml:"shutdown_grace" yaml:"shutdown_grace" split_words:"true" validate:"gte=0"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `toml:"level" yaml:"level" split_words:"true" validate:"oneof=debug info warn error"`
	Development bool   `toml:"development" yaml:"development" split_words:"true"`
	File        string `toml:"file" yaml:"file" split_words:"true"`
	MaxSizeMB   int    `toml:"max_size_mb" yaml:"max_size_mb" split_words:"true" validate:"gte=0"`
	MaxBackups  int    `toml:"max_backups" yaml:"max_backups" split_words:"true" validate:"gte=0"`
	MaxAgeDays  int    `toml:"max_age_days" yaml:"max_age_days" split_words:"true" validate:"gte=0"`
}

// Logger converts the section to a logging.Config.
func (l LoggingConfig) Logger() logging.Config {
	return logging.Config{
		Level:       l.Level,
		Development: l.Development,
		File:        l.File,
		MaxSizeMB:   l.MaxSizeMB,
		MaxBackups:  l.MaxBackups,
		MaxAgeDays:  l.MaxAgeDays,
	}
}

// Default returns the built-in configuration. Directories stay empty until
// Resolve derives them.
func Default() *Config {
	log := logging.DefaultConfig()
	return &Config{
		Paths: PathsConfig{Portable: true},
		Bridge: BridgeConfig{
			CallTimeout:    Duration(30 * time.Second),
			ConnectTimeout: Duration(5 * time.Second),
			EventBuffer:    64,
		},
		Stats: StatsConfig{Interval: Duration(2 * time.Second)},
		Script: ScriptConfig{
			ExecutionTimeout: Duration(5 * time.Second),
			CallRate:         50,
			CallBurst:        100,
			QueueSize:        256,
		},
		Server: ServerConfig{
			Metrics:       true,
			RemoteBridge:  true,
			WatchPlugins:  true,
			ShutdownGrace: Duration(5 * time.Second),
		},
		Logging: LoggingConfig{
			Level:      log.Level,
			MaxSizeMB:  log.MaxSizeMB,
			MaxBackups: log.MaxBackups,
			MaxAgeDays: log.MaxAgeDays,
		},
	}
}

// Load builds the configuration from defaults, then the file at path, then
// the environment. An empty path searches DefaultFiles in the data
// directory; a missing default file is not an error. The result is
// resolved and validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("%w: environment: %v", ErrInvalid, err)
	}

	explicit := path != ""
	if !explicit {
		path = findDefault(cfg.dataDir())
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil && (explicit || !errors.Is(err, ErrFileNotFound)) {
			return nil, err
		}
		// The environment wins over the file.
		if err := envconfig.Process(EnvPrefix, cfg); err != nil {
			return nil, fmt.Errorf("%w: environment: %v", ErrInvalid, err)
		}
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the TOML or YAML file at path onto c. The format
// follows the extension.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(c)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(c)
		if errors.Is(err, io.EOF) {
			err = nil
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return &ParseError{Path: path, Err: err}
	}
	return nil
}

// Resolve fills empty directories from the data directory and cleans the
// rest.
func (c *Config) Resolve() {
	p := &c.Paths
	p.DataDir = c.dataDir()
	if p.Modules == "" {
		p.Modules = filepath.Join(p.DataDir, "modules")
	}
	if p.Plugins == "" {
		p.Plugins = filepath.Join(p.DataDir, "plugins")
	}
	if p.Packages == "" {
		p.Packages = filepath.Join(p.DataDir, "packages")
	}
	if p.Preinstall == "" {
		p.Preinstall = defaultPreinstall()
	}

	for _, dir := range []*string{&p.DataDir, &p.Modules, &p.Plugins, &p.Packages, &p.Preinstall} {
		if *dir != "" {
			*dir = filepath.Clean(expandHome(*dir))
		}
	}
	for i := range p.Framework {
		p.Framework[i] = filepath.Clean(expandHome(p.Framework[i]))
	}
	for i := range p.BundledModules {
		p.BundledModules[i] = filepath.Clean(expandHome(p.BundledModules[i]))
	}
}

// dataDir returns the configured data directory or the per-user default.
// Managed installs keep their data apart from portable ones.
func (c *Config) dataDir() string {
	if c.Paths.DataDir != "" {
		return c.Paths.DataDir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	name := AppName
	if !c.Paths.Portable {
		name += "-managed"
	}
	return filepath.Join(base, name)
}

// ModuleRoots returns the bundled roots followed by the user module root.
func (c *Config) ModuleRoots() []string {
	roots := append([]string(nil), c.Paths.BundledModules...)
	return append(roots, c.Paths.Modules)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field constraint.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	msgs := make([]string, len(fieldErrs))
	for i, fe := range fieldErrs {
		msgs[i] = fmt.Sprintf("%s %s", fe.Namespace(), message(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "hostname_port":
		return "must be host:port"
	default:
		return fmt.Sprintf("failed %q", fe.Tag())
	}
}

func findDefault(dir string) string {
	for _, name := range DefaultFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// defaultPreinstall is the preinstall directory beside the executable's
// directory.
func defaultPreinstall() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Join(filepath.Dir(filepath.Dir(exe)), "preinstall")
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

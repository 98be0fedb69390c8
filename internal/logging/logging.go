// Package logging builds the process zerolog logger from a profile, the
// config file and environment overrides.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

const (
	EnvLogLevel     = "WLRELAY_LOG_LEVEL"
	EnvLogFormat    = "WLRELAY_LOG_FORMAT"
	EnvLogTimestamp = "WLRELAY_LOG_TIMESTAMP"
	EnvLogNoColor   = "WLRELAY_LOG_NOCOLOR"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

type Config struct {
	Level     zerolog.Level
	Format    string
	Timestamp bool
	NoColor   bool
	// Output defaults to stderr.
	Output io.Writer
}

func DefaultConfig(profile Profile) Config {
	cfg := Config{Format: FormatConsole}
	switch profile {
	case ProfileTest:
		cfg.Level = zerolog.DebugLevel
		cfg.Timestamp = false
	default:
		cfg.Level = zerolog.InfoLevel
		cfg.Timestamp = true
	}
	return cfg
}

// ApplyEnv overrides cfg from the WLRELAY_LOG_* variables.
func ApplyEnv(cfg *Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	switch f := strings.ToLower(strings.TrimSpace(os.Getenv(EnvLogFormat))); f {
	case FormatConsole, FormatJSON:
		cfg.Format = f
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
}

// New builds a logger from cfg.
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if cfg.Format != FormatJSON {
		noColor := cfg.NoColor
		if out == nil {
			noColor = noColor || !isatty.IsTerminal(os.Stderr.Fd())
			out = colorable.NewColorableStderr()
		}
		out = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    noColor,
			TimeFormat: time.TimeOnly,
			PartsExclude: func() []string {
				if cfg.Timestamp {
					return nil
				}
				return []string{zerolog.TimestampFieldName}
			}(),
		}
	} else if out == nil {
		out = os.Stderr
	}
	if cfg.Level < zerolog.GlobalLevel() {
		// the global level defaults to debug and would hide wire traces
		zerolog.SetGlobalLevel(cfg.Level)
	}
	ctx := zerolog.New(out).Level(cfg.Level).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

var (
	configureOnce sync.Once
	base          = zerolog.Nop()
	baseMu        sync.RWMutex
)

// Configure installs the process logger once. Later calls return the
// logger installed first.
func Configure(cfg Config) zerolog.Logger {
	configureOnce.Do(func() {
		SetBase(New(cfg))
	})
	return Base()
}

// ConfigureRuntime installs the runtime profile with env overrides.
func ConfigureRuntime() zerolog.Logger {
	cfg := DefaultConfig(ProfileRuntime)
	ApplyEnv(&cfg)
	return Configure(cfg)
}

// ConfigureTests installs the test profile with env overrides.
func ConfigureTests() zerolog.Logger {
	cfg := DefaultConfig(ProfileTest)
	ApplyEnv(&cfg)
	return Configure(cfg)
}

// SetBase replaces the process logger, e.g. after a config reload changed
// the level.
func SetBase(l zerolog.Logger) {
	baseMu.Lock()
	base = l
	baseMu.Unlock()
}

func Base() zerolog.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return base
}

// Component returns the process logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Base().With().Str("component", name).Logger()
}

func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "wire":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

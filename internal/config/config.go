package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"
	yamlv3 "gopkg.in/yaml.v3"

	"wlrelay/internal/compression"
	"wlrelay/internal/endpoint"
	"wlrelay/internal/hook"
	"wlrelay/internal/protocol"
	"wlrelay/internal/ratelimit"
)

const (
	EnvRuntimeDir = "XDG_RUNTIME_DIR"
	EnvDisplay    = "WAYLAND_DISPLAY"
	EnvDataDirs   = "XDG_DATA_DIRS"
)

// defaultDataDirs is the XDG fallback when XDG_DATA_DIRS is unset.
const defaultDataDirs = "/usr/local/share:/usr/share"

type Config struct {
	Upstream UpstreamConfig `yaml:"upstream" toml:"upstream"`
	Listen   ListenConfig   `yaml:"listen" toml:"listen"`
	Relay    RelayConfig    `yaml:"relay" toml:"relay"`
	Protocol ProtocolConfig `yaml:"protocol" toml:"protocol"`
	Hooks    HooksConfig    `yaml:"hooks" toml:"hooks"`
	Capture  CaptureConfig  `yaml:"capture" toml:"capture"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// UpstreamConfig names the compositor socket. An absolute display is used
// as is; otherwise it is joined with runtime_dir.
type UpstreamConfig struct {
	Display        string `yaml:"display" toml:"display"`
	RuntimeDir     string `yaml:"runtime_dir" toml:"runtime_dir"`
	ConnectTimeout string `yaml:"connect_timeout" toml:"connect_timeout"`
}

// ListenConfig controls the relay socket. With an empty name the relay
// searches prefix0 .. prefix<attempts-1> for a free socket.
type ListenConfig struct {
	RuntimeDir  string  `yaml:"runtime_dir" toml:"runtime_dir"`
	Name        string  `yaml:"name" toml:"name"`
	Prefix      string  `yaml:"prefix" toml:"prefix"`
	Attempts    int     `yaml:"attempts" toml:"attempts"`
	AcceptRate  float64 `yaml:"accept_rate" toml:"accept_rate"`   // handoffs per second, 0 disables
	AcceptBurst int     `yaml:"accept_burst" toml:"accept_burst"` // token bucket size
	AcceptMode  string  `yaml:"accept_mode" toml:"accept_mode"`   // drop | pace
}

type RelayConfig struct {
	MaxMessageSize    int    `yaml:"max_message_size" toml:"max_message_size"`
	QueueDepth        int    `yaml:"queue_depth" toml:"queue_depth"`
	DrainTimeout      string `yaml:"drain_timeout" toml:"drain_timeout"`
	UnknownInterfaces string `yaml:"unknown_interfaces" toml:"unknown_interfaces"` // passthrough | reject
}

// ProtocolConfig extends the built-in tables. Without xml_dirs, the wayland
// and wayland-protocols directories under XDG_DATA_DIRS are loaded unless
// skip_system_dirs is set.
type ProtocolConfig struct {
	XMLDirs        []string           `yaml:"xml_dirs" toml:"xml_dirs"`
	SkipSystemDirs bool               `yaml:"skip_system_dirs" toml:"skip_system_dirs"`
	XMLFiles       []string           `yaml:"xml_files" toml:"xml_files"`
	Destructors    []DestructorConfig `yaml:"destructors" toml:"destructors"`
}

// DestructorConfig marks a message as destroying its sender. Message is the
// message name; Opcode is used when Message is empty.
type DestructorConfig struct {
	Interface string `yaml:"interface" toml:"interface"`
	Side      string `yaml:"side" toml:"side"`
	Message   string `yaml:"message" toml:"message"`
	Opcode    *int   `yaml:"opcode" toml:"opcode"`
}

type HooksConfig struct {
	Rules []hook.Rule `yaml:"rules" toml:"rules"`
}

type CaptureConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Path        string `yaml:"path" toml:"path"`
	Format      string `yaml:"format" toml:"format"`           // text | pcap
	Compression string `yaml:"compression" toml:"compression"` // none | zstd | gzip | zlib | lz4
	Buffer      int    `yaml:"buffer" toml:"buffer"`           // records queued before dropping
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type MetricsConfig struct {
	Listen    string `yaml:"listen" toml:"listen"`
	AuthToken string `yaml:"auth_token" toml:"auth_token"`
	Pprof     bool   `yaml:"pprof" toml:"pprof"`
}

// Load reads a YAML or TOML (by .toml extension) configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Upstream.RuntimeDir == "" {
		c.Upstream.RuntimeDir = os.Getenv(EnvRuntimeDir)
	}
	if c.Upstream.Display == "" {
		c.Upstream.Display = os.Getenv(EnvDisplay)
	}
	if c.Upstream.Display == "" {
		c.Upstream.Display = endpoint.DefaultDisplay
	}
	if c.Upstream.ConnectTimeout == "" {
		c.Upstream.ConnectTimeout = "5s"
	}
	if c.Listen.RuntimeDir == "" {
		c.Listen.RuntimeDir = c.Upstream.RuntimeDir
	}
	if c.Listen.Prefix == "" {
		c.Listen.Prefix = "wlrelay-"
	}
	if c.Listen.Attempts <= 0 {
		c.Listen.Attempts = 10
	}
	if c.Listen.AcceptMode == "" {
		c.Listen.AcceptMode = ratelimit.ModeDrop
	}
	if c.Listen.AcceptRate > 0 && c.Listen.AcceptBurst <= 0 {
		c.Listen.AcceptBurst = 1
	}
	if c.Relay.MaxMessageSize == 0 {
		c.Relay.MaxMessageSize = 4096
	}
	if c.Relay.QueueDepth == 0 {
		c.Relay.QueueDepth = 256
	}
	if c.Relay.DrainTimeout == "" {
		c.Relay.DrainTimeout = "2s"
	}
	if c.Relay.UnknownInterfaces == "" {
		c.Relay.UnknownInterfaces = "passthrough"
	}
	if len(c.Protocol.XMLDirs) == 0 && !c.Protocol.SkipSystemDirs {
		c.Protocol.XMLDirs = systemXMLDirs()
	}
	if c.Capture.Format == "" {
		c.Capture.Format = "text"
	}
	if c.Capture.Compression == "" {
		c.Capture.Compression = string(compression.None)
	}
	if c.Capture.Buffer <= 0 {
		c.Capture.Buffer = 1024
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

func (c *Config) validate() error {
	var allErrors []error

	if !filepath.IsAbs(c.Upstream.Display) && c.Upstream.RuntimeDir == "" {
		allErrors = append(allErrors, fmt.Errorf("upstream.runtime_dir (or %s) is required for relative display %q", EnvRuntimeDir, c.Upstream.Display))
	}
	if _, err := time.ParseDuration(c.Upstream.ConnectTimeout); err != nil {
		allErrors = append(allErrors, fmt.Errorf("upstream.connect_timeout: %w", err))
	}
	if c.Listen.Name == "" && c.Listen.RuntimeDir == "" {
		allErrors = append(allErrors, fmt.Errorf("listen.runtime_dir (or %s) is required", EnvRuntimeDir))
	}
	if strings.Contains(c.Listen.Prefix, "/") {
		allErrors = append(allErrors, fmt.Errorf("listen.prefix must not contain '/'"))
	}
	if c.Listen.AcceptRate < 0 {
		allErrors = append(allErrors, fmt.Errorf("listen.accept_rate must be >= 0"))
	}
	switch c.Listen.AcceptMode {
	case ratelimit.ModeDrop, ratelimit.ModePace:
	default:
		allErrors = append(allErrors, fmt.Errorf("listen.accept_mode must be 'drop' or 'pace', got %q", c.Listen.AcceptMode))
	}

	if c.Relay.MaxMessageSize < 8 || c.Relay.MaxMessageSize > 65532 || c.Relay.MaxMessageSize%4 != 0 {
		allErrors = append(allErrors, fmt.Errorf("relay.max_message_size must be a multiple of 4 in [8, 65532], got %d", c.Relay.MaxMessageSize))
	}
	if c.Relay.QueueDepth < 1 {
		allErrors = append(allErrors, fmt.Errorf("relay.queue_depth must be positive"))
	}
	if d, err := time.ParseDuration(c.Relay.DrainTimeout); err != nil || d < 0 {
		allErrors = append(allErrors, fmt.Errorf("relay.drain_timeout: invalid duration %q", c.Relay.DrainTimeout))
	}
	switch c.Relay.UnknownInterfaces {
	case "passthrough", "reject":
	default:
		allErrors = append(allErrors, fmt.Errorf("relay.unknown_interfaces must be 'passthrough' or 'reject', got %q", c.Relay.UnknownInterfaces))
	}

	for i, d := range c.Protocol.Destructors {
		if d.Interface == "" {
			allErrors = append(allErrors, fmt.Errorf("protocol.destructors[%d]: interface is required", i))
		}
		if _, err := protocol.ParseSide(d.Side); err != nil {
			allErrors = append(allErrors, fmt.Errorf("protocol.destructors[%d]: %w", i, err))
		}
		if d.Message == "" && d.Opcode == nil {
			allErrors = append(allErrors, fmt.Errorf("protocol.destructors[%d]: message or opcode is required", i))
		}
		if d.Opcode != nil && (*d.Opcode < 0 || *d.Opcode > 0xffff) {
			allErrors = append(allErrors, fmt.Errorf("protocol.destructors[%d]: opcode out of range", i))
		}
	}

	for i, r := range c.Hooks.Rules {
		if err := r.Validate(); err != nil {
			allErrors = append(allErrors, fmt.Errorf("hooks.rules[%d]: %w", i, err))
		}
	}

	if c.Capture.Enabled {
		if c.Capture.Path == "" {
			allErrors = append(allErrors, fmt.Errorf("capture.path is required when capture is enabled"))
		}
		switch c.Capture.Format {
		case "text", "pcap":
		default:
			allErrors = append(allErrors, fmt.Errorf("capture.format must be 'text' or 'pcap', got %q", c.Capture.Format))
		}
	}
	if _, err := compression.Parse(c.Capture.Compression); err != nil {
		allErrors = append(allErrors, fmt.Errorf("capture.compression: %w", err))
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		allErrors = append(allErrors, fmt.Errorf("logging.format must be 'console' or 'json', got %q", c.Logging.Format))
	}

	if c.Metrics.AuthToken != "" && c.Metrics.Listen == "" {
		allErrors = append(allErrors, fmt.Errorf("metrics.auth_token set without metrics.listen"))
	}

	return writeErr(allErrors)
}

// systemXMLDirs lists the installed protocol XML directories, lowest
// precedence first, so that later definitions replace earlier ones.
func systemXMLDirs() []string {
	data := os.Getenv(EnvDataDirs)
	if data == "" {
		data = defaultDataDirs
	}
	bases := filepath.SplitList(data)
	var dirs []string
	for i := len(bases) - 1; i >= 0; i-- {
		if !filepath.IsAbs(bases[i]) {
			continue
		}
		for _, name := range []string{"wayland", "wayland-protocols"} {
			dir := filepath.Join(bases[i], name)
			if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
				dirs = append(dirs, dir)
			}
		}
	}
	return dirs
}

// UpstreamPath is the absolute compositor socket path.
func (c *Config) UpstreamPath() (string, error) {
	return endpoint.ResolveDisplay(c.Upstream.RuntimeDir, c.Upstream.Display)
}

// ListenPath is the fixed relay socket path, or "" when the name is searched.
func (c *Config) ListenPath() string {
	if c.Listen.Name == "" {
		return ""
	}
	if filepath.IsAbs(c.Listen.Name) {
		return c.Listen.Name
	}
	return filepath.Join(c.Listen.RuntimeDir, c.Listen.Name)
}

func (c *Config) ConnectTimeout() time.Duration {
	return parseDurationOr(c.Upstream.ConnectTimeout, 5*time.Second)
}

func (c *Config) DrainTimeout() time.Duration {
	return parseDurationOr(c.Relay.DrainTimeout, 2*time.Second)
}

func (c *Config) AllowOpaque() bool {
	return c.Relay.UnknownInterfaces == "passthrough"
}

// BuildProtocol returns the core interface tables extended with the
// configured XML protocols and destructor marks.
func (c *Config) BuildProtocol() (*protocol.Set, error) {
	set := protocol.Core()
	for _, dir := range c.Protocol.XMLDirs {
		ifaces, err := protocol.LoadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("load protocol dir: %w", err)
		}
		set.Add(ifaces...)
	}
	for _, file := range c.Protocol.XMLFiles {
		ifaces, err := protocol.LoadFile(file)
		if err != nil {
			return nil, fmt.Errorf("load protocol file: %w", err)
		}
		set.Add(ifaces...)
	}
	for _, d := range c.Protocol.Destructors {
		side, err := protocol.ParseSide(d.Side)
		if err != nil {
			return nil, err
		}
		var opcode uint16
		if d.Message != "" {
			op, ok := set.MessageByName(d.Interface, side, d.Message)
			if !ok {
				return nil, fmt.Errorf("destructor %s.%s: no such %s message", d.Interface, d.Message, side)
			}
			opcode = op
		} else {
			opcode = uint16(*d.Opcode)
		}
		if err := set.MarkDestructor(d.Interface, side, opcode); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Dump renders the effective configuration as YAML.
func (c *Config) Dump() ([]byte, error) {
	var buf bytes.Buffer
	enc := yamlv3.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return fallback
}

func writeErr(allErrors []error) error {
	if len(allErrors) == 0 {
		return nil
	}
	messages := make([]string, 0, len(allErrors))
	for _, err := range allErrors {
		messages = append(messages, err.Error())
	}
	return fmt.Errorf("validation failed:\n  - %s", strings.Join(messages, "\n  - "))
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete httpbridge configuration.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Admin      AdminConfig       `yaml:"admin"`
	Port       PortConfig        `yaml:"port"`
	Operations []OperationConfig `yaml:"operations"`
	Outputs    []OutputConfig    `yaml:"outputs"`
	Runtime    RuntimeConfig     `yaml:"runtime"`
	Logging    LogConfig         `yaml:"logging"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Tap        TapConfig         `yaml:"tap"`
	Watch      WatchConfig       `yaml:"watch"`
}

// ServerConfig configures the HTTP listener served on behalf of the runtime.
type ServerConfig struct {
	Address        string   `yaml:"address"`
	ReadTimeout    Duration `yaml:"read_timeout"`
	WriteTimeout   Duration `yaml:"write_timeout"`
	IdleTimeout    Duration `yaml:"idle_timeout"`
	MaxHeaderBytes int      `yaml:"max_header_bytes"`
	MaxBodySize    int64    `yaml:"max_body_size"`
	MaxConnections int      `yaml:"max_connections"`
}

// AdminConfig configures the admin HTTP surface (health, metrics, tap).
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// PortConfig is the inbound port: its protocol options and the operations
// its listener may serve.
type PortConfig struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options"`
	// Strict makes the format option mandatory.
	Strict bool `yaml:"strict"`
	// Allow restricts the operations the listener may serve. Empty allows
	// every registered operation.
	Allow []string `yaml:"allow"`
}

// Operation kinds accepted in OperationConfig.Kind.
const (
	KindOneWay          = "one-way"
	KindRequestResponse = "request-response"
)

// OperationConfig declares one runtime operation.
type OperationConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

// OutputConfig is an outbound port used by the call command.
type OutputConfig struct {
	Name     string         `yaml:"name"`
	Location string         `yaml:"location"`
	Options  map[string]any `yaml:"options"`
	Strict   bool           `yaml:"strict"`
}

// RuntimeConfig configures the runtime worker processes.
type RuntimeConfig struct {
	Binary          string            `yaml:"binary"`
	Args            []string          `yaml:"args"`
	Env             map[string]string `yaml:"env"`
	Codec           string            `yaml:"codec"` // msgpack, cbor
	MinWorkers      int               `yaml:"min_workers"`
	MaxWorkers      int               `yaml:"max_workers"`
	MaxJobs         int               `yaml:"max_jobs"`
	MaxPayload      int               `yaml:"max_payload"`
	AllocateTimeout Duration          `yaml:"allocate_timeout"`
	RequestTimeout  Duration          `yaml:"request_timeout"`
	StopTimeout     Duration          `yaml:"stop_timeout"`
	PingInterval    Duration          `yaml:"ping_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TapConfig configures the live traffic tap on the admin server.
type TapConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Path         string   `yaml:"path"`
	MaxClients   int      `yaml:"max_clients"`
	PingInterval Duration `yaml:"ping_interval"`
}

// WatchConfig enables hot reload of the config file and worker restarts
// when files under Dirs change.
type WatchConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Dirs     []string `yaml:"dirs"`
	Exts     []string `yaml:"exts"`
	Debounce Duration `yaml:"debounce"`
}

// Duration is a time.Duration that supports YAML string unmarshaling.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads config from a YAML file, applying defaults for missing values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document on top of Default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return errors.New("server.address is required")
	}
	if c.Server.MaxHeaderBytes < 0 || c.Server.MaxBodySize < 0 {
		return errors.New("server limits must be >= 0")
	}
	if c.Admin.Enabled && c.Admin.Address == "" {
		return errors.New("admin.address is required when admin is enabled")
	}

	if err := ValidateOptions(c.Port.Options, c.Port.Strict); err != nil {
		return fmt.Errorf("port %q: %w", c.Port.Name, err)
	}

	ops := make(map[string]bool, len(c.Operations))
	for i, op := range c.Operations {
		if op.Name == "" {
			return fmt.Errorf("operations[%d].name is required", i)
		}
		if strings.ContainsAny(op.Name, "/?# ") {
			return fmt.Errorf("operation %q: name must be a single path segment", op.Name)
		}
		if op.Kind != KindOneWay && op.Kind != KindRequestResponse {
			return fmt.Errorf("operation %q: kind must be %q or %q, got %q", op.Name, KindOneWay, KindRequestResponse, op.Kind)
		}
		if ops[op.Name] {
			return fmt.Errorf("operation %q declared twice", op.Name)
		}
		ops[op.Name] = true
	}
	for _, name := range c.Port.Allow {
		if !ops[name] {
			return fmt.Errorf("port.allow: unknown operation %q", name)
		}
	}
	if def, ok := c.Port.Options["default"]; ok {
		if name := fmt.Sprint(def); name != "" && !ops[name] {
			return fmt.Errorf("port %q: default operation %q is not declared", c.Port.Name, name)
		}
	}

	outputs := make(map[string]bool, len(c.Outputs))
	for i, out := range c.Outputs {
		if out.Name == "" {
			return fmt.Errorf("outputs[%d].name is required", i)
		}
		if outputs[out.Name] {
			return fmt.Errorf("output %q declared twice", out.Name)
		}
		outputs[out.Name] = true
		u, err := url.Parse(out.Location)
		if err != nil || u.Host == "" {
			return fmt.Errorf("output %q: location %q must be an absolute URI with a host", out.Name, out.Location)
		}
		if err := ValidateOptions(out.Options, out.Strict); err != nil {
			return fmt.Errorf("output %q: %w", out.Name, err)
		}
	}

	if c.Runtime.Binary != "" {
		if c.Runtime.MinWorkers < 1 {
			return fmt.Errorf("runtime.min_workers must be >= 1, got %d", c.Runtime.MinWorkers)
		}
		if c.Runtime.MaxWorkers < c.Runtime.MinWorkers {
			return fmt.Errorf("runtime.max_workers (%d) must be >= runtime.min_workers (%d)", c.Runtime.MaxWorkers, c.Runtime.MinWorkers)
		}
		if c.Runtime.MaxJobs < 0 {
			return fmt.Errorf("runtime.max_jobs must be >= 0, got %d", c.Runtime.MaxJobs)
		}
	}
	switch c.Runtime.Codec {
	case "msgpack", "cbor":
	default:
		return fmt.Errorf("runtime.codec must be 'msgpack' or 'cbor', got %q", c.Runtime.Codec)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'text', got %q", c.Logging.Format)
	}
	return nil
}

// Output returns the outbound port named name.
func (c *Config) Output(name string) (OutputConfig, bool) {
	for _, out := range c.Outputs {
		if out.Name == name {
			return out, true
		}
	}
	return OutputConfig{}, false
}

// Package config loads node configuration from TOML or YAML files.
//
// A file is decoded over Default(), so any field left out keeps its
// default. ${VAR} and ${VAR:-fallback} references are expanded from the
// environment before decoding, after a .env file next to the config (if
// any) has been loaded.
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

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

// Directory kinds.
const (
	DirectoryMemory = "memory"
	DirectoryNATS   = "nats"
)

// Config is the configuration of one node.
type Config struct {
	Agent       AgentConfig       `toml:"agent" yaml:"agent"`
	Transport   TransportConfig   `toml:"transport" yaml:"transport"`
	Directory   DirectoryConfig   `toml:"directory" yaml:"directory"`
	Coordinator CoordinatorConfig `toml:"coordinator" yaml:"coordinator"`
	Heartbeat   HeartbeatConfig   `toml:"heartbeat" yaml:"heartbeat"`
	NATS        NATSConfig        `toml:"nats" yaml:"nats"`
	LLM         LLMConfig         `toml:"llm" yaml:"llm"`
	MCP         MCPConfig         `toml:"mcp" yaml:"mcp"`
	Limits      LimitsConfig      `toml:"limits" yaml:"limits"`
	Telemetry   TelemetryConfig   `toml:"telemetry" yaml:"telemetry"`
	Logging     LoggingConfig     `toml:"logging" yaml:"logging"`
}

// AgentConfig identifies the local agent.
type AgentConfig struct {
	ID           string            `toml:"id" yaml:"id"`
	Name         string            `toml:"name" yaml:"name"`
	Capabilities []string          `toml:"capabilities" yaml:"capabilities"`
	Metadata     map[string]string `toml:"metadata" yaml:"metadata"`
}

// TransportConfig selects and tunes the wire transport.
type TransportConfig struct {
	Kind           string            `toml:"kind" yaml:"kind"`
	Listen         string            `toml:"listen" yaml:"listen"`
	BaseURL        string            `toml:"base_url" yaml:"base_url"`
	Peers          map[string]string `toml:"peers" yaml:"peers"`
	RequestTimeout time.Duration     `toml:"request_timeout" yaml:"request_timeout"`
	MaxMessageSize int64             `toml:"max_message_size" yaml:"max_message_size"`
	PingInterval   time.Duration     `toml:"ping_interval" yaml:"ping_interval"`
}

// DirectoryConfig selects the agent directory backend.
type DirectoryConfig struct {
	Kind   string        `toml:"kind" yaml:"kind"`
	Bucket string        `toml:"bucket" yaml:"bucket"`
	TTL    time.Duration `toml:"ttl" yaml:"ttl"`
}

// CoordinatorConfig configures a coordinator node.
type CoordinatorConfig struct {
	Name          string        `toml:"name" yaml:"name"`
	Participants  []string      `toml:"participants" yaml:"participants"`
	Action        string        `toml:"action" yaml:"action"`
	Rounds        int           `toml:"rounds" yaml:"rounds"`
	TurnTimeout   time.Duration `toml:"turn_timeout" yaml:"turn_timeout"`
	SessionLogDir string        `toml:"session_log_dir" yaml:"session_log_dir"`
	ArchivePath   string        `toml:"archive_path" yaml:"archive_path"`
	MirrorBucket  string        `toml:"mirror_bucket" yaml:"mirror_bucket"`
}

// HeartbeatConfig configures liveness tracking. A zero Interval disables
// heartbeats.
type HeartbeatConfig struct {
	Interval time.Duration `toml:"interval" yaml:"interval"`
	Timeout  time.Duration `toml:"timeout" yaml:"timeout"`
}

// NATSConfig configures the NATS connection shared by the bus transport,
// directory, state mirror and heartbeats.
type NATSConfig struct {
	URL      string `toml:"url" yaml:"url"`
	Name     string `toml:"name" yaml:"name"`
	Token    string `toml:"token" yaml:"token"`
	User     string `toml:"user" yaml:"user"`
	Password string `toml:"password" yaml:"password"`
}

// LLMConfig configures the optional model-backed action.
type LLMConfig struct {
	Provider  string `toml:"provider" yaml:"provider"`
	Model     string `toml:"model" yaml:"model"`
	MaxTokens int    `toml:"max_tokens" yaml:"max_tokens"`
	APIKeyEnv string `toml:"api_key_env" yaml:"api_key_env"`
	BaseURL   string `toml:"base_url" yaml:"base_url"`
	System    string `toml:"system" yaml:"system"`
}

// APIKey reads the key from the environment variable named by APIKeyEnv,
// falling back to the provider's conventional variable.
func (c LLMConfig) APIKey() string {
	if c.APIKeyEnv != "" {
		return os.Getenv(c.APIKeyEnv)
	}
	switch c.Provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "google":
		return os.Getenv("GOOGLE_API_KEY")
	}
	return ""
}

// MCPConfig configures Model Context Protocol support. Tools of the
// listed servers become actions named Prefix+tool; Listen, when set,
// serves this agent's actions as MCP tools on POST /mcp.
type MCPConfig struct {
	Listen  string                     `toml:"listen" yaml:"listen"`
	Prefix  string                     `toml:"prefix" yaml:"prefix"`
	Servers map[string]MCPServerConfig `toml:"servers" yaml:"servers"`
}

// MCPServerConfig names one tool server: a command speaking stdio, or a URL.
type MCPServerConfig struct {
	Command   string            `toml:"command" yaml:"command"`
	Args      []string          `toml:"args" yaml:"args"`
	Env       map[string]string `toml:"env" yaml:"env"`
	URL       string            `toml:"url" yaml:"url"`
	APIKeyEnv string            `toml:"api_key_env" yaml:"api_key_env"`
	Deny      []string          `toml:"deny" yaml:"deny"`
}

// APIKey reads the bearer key for URL servers from APIKeyEnv.
func (c MCPServerConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// LimitsConfig throttles inbound requests and model calls. A zero count
// disables that limit.
type LimitsConfig struct {
	RequestsPerSender int           `toml:"requests_per_sender" yaml:"requests_per_sender"`
	LLMRequests       int           `toml:"llm_requests" yaml:"llm_requests"`
	Window            time.Duration `toml:"window" yaml:"window"`
}

// TelemetryConfig configures tracing, metrics and event export.
type TelemetryConfig struct {
	ServiceName    string  `toml:"service_name" yaml:"service_name"`
	OTLPEndpoint   string  `toml:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPProtocol   string  `toml:"otlp_protocol" yaml:"otlp_protocol"`
	Insecure       bool    `toml:"insecure" yaml:"insecure"`
	SampleRatio    float64 `toml:"sample_ratio" yaml:"sample_ratio"`
	Debug          bool    `toml:"debug" yaml:"debug"`
	MetricsAddr    string  `toml:"metrics_addr" yaml:"metrics_addr"`
	EventsProtocol string  `toml:"events_protocol" yaml:"events_protocol"`
	EventsEndpoint string  `toml:"events_endpoint" yaml:"events_endpoint"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// Default returns a configuration for a standalone HTTP node.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:           TransportHTTP,
			Listen:         ":8080",
			RequestTimeout: 30 * time.Second,
			MaxMessageSize: 1024 * 1024,
			PingInterval:   30 * time.Second,
		},
		Directory: DirectoryConfig{
			Kind:   DirectoryMemory,
			Bucket: "a2a-directory",
		},
		Coordinator: CoordinatorConfig{
			Name:        "GreenCoordinator",
			Action:      "take_turn",
			Rounds:      1,
			TurnTimeout: 30 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Timeout: 15 * time.Second,
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		LLM: LLMConfig{
			MaxTokens: 1024,
		},
		Limits: LimitsConfig{
			Window: time.Minute,
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "agentbeats",
			OTLPProtocol: "grpc",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the file at path. The decoder is chosen by extension: .toml,
// .yaml or .yml. A .env file in the same directory is loaded first.
func Load(path string) (*Config, error) {
	if err := LoadDotEnvFor(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	format := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	cfg, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the given format ("toml", "yaml" or "yml") over
// Default and validates the result.
func Parse(data []byte, format string) (*Config, error) {
	cfg := Default()
	expanded := []byte(ExpandEnv(string(data)))

	switch format {
	case "toml":
		if _, err := toml.Decode(string(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportHTTP, TransportWebSocket, TransportNATS:
	default:
		return fmt.Errorf("transport.kind must be %s, %s or %s, got %q",
			TransportHTTP, TransportWebSocket, TransportNATS, c.Transport.Kind)
	}
	if c.Transport.RequestTimeout <= 0 {
		return fmt.Errorf("transport.request_timeout must be positive")
	}
	for id, url := range c.Transport.Peers {
		if id == "" || url == "" {
			return fmt.Errorf("transport.peers entries need an id and a url")
		}
	}

	switch c.Directory.Kind {
	case DirectoryMemory:
	case DirectoryNATS:
		if c.Directory.Bucket == "" {
			return fmt.Errorf("directory.bucket is required for the nats directory")
		}
	default:
		return fmt.Errorf("directory.kind must be %s or %s, got %q", DirectoryMemory, DirectoryNATS, c.Directory.Kind)
	}

	if c.Coordinator.Rounds < 0 {
		return fmt.Errorf("coordinator.rounds must not be negative")
	}
	if c.Heartbeat.Interval < 0 {
		return fmt.Errorf("heartbeat.interval must not be negative")
	}
	if c.Heartbeat.Interval > 0 && c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.timeout must exceed heartbeat.interval")
	}
	if c.UsesNATS() && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}

	switch c.LLM.Provider {
	case "", "anthropic", "openai", "google", "mock":
	default:
		return fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider)
	}

	for name, sc := range c.MCP.Servers {
		if (sc.Command == "") == (sc.URL == "") {
			return fmt.Errorf("mcp.servers.%s needs exactly one of command or url", name)
		}
	}

	if c.Limits.RequestsPerSender < 0 || c.Limits.LLMRequests < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if (c.Limits.RequestsPerSender > 0 || c.Limits.LLMRequests > 0) && c.Limits.Window <= 0 {
		return fmt.Errorf("limits.window must be positive when a limit is set")
	}

	switch c.Telemetry.OTLPProtocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry.otlp_protocol must be grpc or http")
	}
	return nil
}

// UsesNATS reports whether any configured component needs a NATS
// connection.
func (c *Config) UsesNATS() bool {
	return c.Transport.Kind == TransportNATS ||
		c.Directory.Kind == DirectoryNATS ||
		c.Coordinator.MirrorBucket != "" ||
		c.Heartbeat.Interval > 0
}

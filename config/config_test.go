package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// --- Unit Tests ---

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error: %v", err)
	}
	if cfg.UsesNATS() {
		t.Error("default config should not need NATS")
	}
	if cfg.Transport.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want 30s", cfg.Transport.RequestTimeout)
	}
}

func TestParse_TOML(t *testing.T) {
	data := `
[agent]
id = "white"
name = "White Player"
capabilities = ["chess"]

[transport]
kind = "websocket"
listen = ":9000"
request_timeout = "5s"

[transport.peers]
black = "ws://localhost:9001"

[heartbeat]
interval = "1s"
timeout = "3s"
`
	cfg, err := Parse([]byte(data), "toml")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Agent.ID != "white" || cfg.Agent.Capabilities[0] != "chess" {
		t.Errorf("Agent = %+v", cfg.Agent)
	}
	if cfg.Transport.Kind != TransportWebSocket || cfg.Transport.RequestTimeout != 5*time.Second {
		t.Errorf("Transport = %+v", cfg.Transport)
	}
	if cfg.Transport.Peers["black"] != "ws://localhost:9001" {
		t.Errorf("Peers = %v", cfg.Transport.Peers)
	}
	// untouched sections keep defaults
	if cfg.Coordinator.Name != "GreenCoordinator" || cfg.Transport.MaxMessageSize != 1024*1024 {
		t.Errorf("defaults lost: %+v", cfg.Coordinator)
	}
	if !cfg.UsesNATS() {
		t.Error("heartbeats should require NATS")
	}
}

func TestParse_YAML(t *testing.T) {
	data := `
agent:
  id: judge
coordinator:
  name: Referee
  participants: [white, black]
  rounds: 3
  turn_timeout: 2s
directory:
  kind: nats
  bucket: players
`
	cfg, err := Parse([]byte(data), "yaml")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	c := cfg.Coordinator
	if c.Name != "Referee" || len(c.Participants) != 2 || c.Rounds != 3 || c.TurnTimeout != 2*time.Second {
		t.Errorf("Coordinator = %+v", c)
	}
	if cfg.Directory.Kind != DirectoryNATS || !cfg.UsesNATS() {
		t.Errorf("Directory = %+v", cfg.Directory)
	}
}

func TestParse_EmptyYAML(t *testing.T) {
	cfg, err := Parse(nil, "yml")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Transport.Kind != TransportHTTP {
		t.Errorf("Kind = %q, want http", cfg.Transport.Kind)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("AB_TEST_HOST", "broker")
	t.Setenv("AB_TEST_EMPTY", "")

	tests := []struct {
		in   string
		want string
	}{
		{"nats://${AB_TEST_HOST}:4222", "nats://broker:4222"},
		{"${AB_TEST_MISSING:-fallback}", "fallback"},
		{"${AB_TEST_EMPTY:-fallback}", "fallback"},
		{"${AB_TEST_HOST:-fallback}", "broker"},
		{"cost $5", "cost $5"},
		{"${AB_TEST_MISSING}", ""},
	}
	for _, tt := range tests {
		if got := ExpandEnv(tt.in); got != tt.want {
			t.Errorf("ExpandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLLMConfig_APIKey(t *testing.T) {
	t.Setenv("AB_TEST_KEY", "secret")
	t.Setenv("ANTHROPIC_API_KEY", "anthropic-secret")

	if got := (LLMConfig{APIKeyEnv: "AB_TEST_KEY"}).APIKey(); got != "secret" {
		t.Errorf("APIKey() = %q", got)
	}
	if got := (LLMConfig{Provider: "anthropic"}).APIKey(); got != "anthropic-secret" {
		t.Errorf("APIKey() = %q", got)
	}
	if got := (LLMConfig{Provider: "mock"}).APIKey(); got != "" {
		t.Errorf("APIKey() = %q, want empty", got)
	}
}

func TestParse_MCP(t *testing.T) {
	t.Setenv("AB_MCP_KEY", "tok")
	data := `
[mcp]
listen = ":9100"
prefix = "tools."

[mcp.servers.files]
command = "mcp-files"
args = ["--root", "/tmp"]
deny = ["delete"]

[mcp.servers.search]
url = "http://localhost:7000"
api_key_env = "AB_MCP_KEY"
`
	cfg, err := Parse([]byte(data), "toml")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.MCP.Listen != ":9100" || cfg.MCP.Prefix != "tools." {
		t.Errorf("MCP = %+v", cfg.MCP)
	}
	files := cfg.MCP.Servers["files"]
	if files.Command != "mcp-files" || len(files.Args) != 2 || files.Deny[0] != "delete" {
		t.Errorf("files = %+v", files)
	}
	if got := cfg.MCP.Servers["search"].APIKey(); got != "tok" {
		t.Errorf("search APIKey() = %q, want tok", got)
	}
}

// --- Integration Tests ---

func TestLoad_WithDotEnv(t *testing.T) {
	dir := t.TempDir()
	os.Unsetenv("AB_TEST_AGENT_ID")
	t.Cleanup(func() { os.Unsetenv("AB_TEST_AGENT_ID") })

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("AB_TEST_AGENT_ID=from-dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "node.toml")
	if err := os.WriteFile(path, []byte("[agent]\nid = \"${AB_TEST_AGENT_ID}\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Agent.ID != "from-dotenv" {
		t.Errorf("Agent.ID = %q, want from-dotenv", cfg.Agent.ID)
	}
}

// --- Failure Tests ---

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		format string
		data   string
		want   string
	}{
		{"format", "ini", "", "unsupported"},
		{"transport kind", "toml", "[transport]\nkind = \"smoke\"", "transport.kind"},
		{"timeout", "toml", "[transport]\nrequest_timeout = \"0s\"", "request_timeout"},
		{"directory kind", "toml", "[directory]\nkind = \"etcd\"", "directory.kind"},
		{"directory bucket", "toml", "[directory]\nkind = \"nats\"\nbucket = \"\"", "directory.bucket"},
		{"heartbeat", "toml", "[heartbeat]\ninterval = \"5s\"\ntimeout = \"5s\"", "heartbeat.timeout"},
		{"llm", "toml", "[llm]\nprovider = \"parrot\"", "llm.provider"},
		{"otlp", "toml", "[telemetry]\notlp_protocol = \"udp\"", "otlp_protocol"},
		{"negative limit", "toml", "[limits]\nrequests_per_sender = -1", "limits"},
		{"limit window", "toml", "[limits]\nllm_requests = 10\nwindow = \"0s\"", "limits.window"},
		{"mcp server both", "toml", "[mcp.servers.x]\ncommand = \"a\"\nurl = \"http://b\"", "mcp.servers.x"},
		{"mcp server neither", "toml", "[mcp.servers.x]\nargs = [\"a\"]", "mcp.servers.x"},
		{"syntax", "toml", "[agent", "parse"},
		{"unknown yaml field", "yaml", "agent:\n  nickname: x\n", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.format)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

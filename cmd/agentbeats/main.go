// Command agentbeats runs and drives A2A agents.
//
// Usage:
//
//	agentbeats serve --config node.toml
//	agentbeats call referee take_turn -p '{"round":1}'
//	agentbeats capabilities white
//	agentbeats agents chess
//	agentbeats coordinate white black --rounds 3
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/vinayprograms/agentbeats/config"
	"github.com/vinayprograms/agentbeats/logging"
)

// CLI defines the command-line interface.
type CLI struct {
	Version      VersionCmd      `cmd:"" help:"Show version information."`
	Serve        ServeCmd        `cmd:"" help:"Run an agent until interrupted."`
	Call         CallCmd         `cmd:"" help:"Send one request to an agent and print the response."`
	Capabilities CapabilitiesCmd `cmd:"" help:"Query an agent's capabilities."`
	Agents       AgentsCmd       `cmd:"" help:"List or search registered agents."`
	Coordinate   CoordinateCmd   `cmd:"" help:"Run a turn-based coordination session."`

	Config   string `short:"c" help:"Path to a TOML or YAML config file." type:"path"`
	AgentID  string `name:"agent-id" help:"Override agent.id."`
	LogLevel string `name:"log-level" help:"Log level (debug, info, warn, error)." env:"AGENTBEATS_LOG_LEVEL"`

	out io.Writer
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Fprintf(cli.stdout(), "agentbeats version %s\n", version)
	return nil
}

// load returns the effective configuration and a logger at its level.
func (cli *CLI) load() (*config.Config, *logging.Logger, error) {
	cfg := config.Default()
	if cli.Config != "" {
		var err error
		if cfg, err = config.Load(cli.Config); err != nil {
			return nil, nil, err
		}
	}
	if cli.AgentID != "" {
		cfg.Agent.ID = cli.AgentID
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New()
	logger.SetLevel(level)
	return cfg, logger, nil
}

func (cli *CLI) stdout() io.Writer {
	if cli.out != nil {
		return cli.out
	}
	return os.Stdout
}

// printJSON writes v as indented JSON.
func (cli *CLI) printJSON(v interface{}) error {
	enc := json.NewEncoder(cli.stdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("agentbeats"),
		kong.Description("A2A agent runtime and turn-based coordinator"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

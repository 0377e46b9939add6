// Command bridgectl opens a host engine through the bridge and lets
// you call managed procedures against it, one-shot or interactively.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/hostbridge"
	"github.com/wippyai/hostbridge/host/memhost"
	"github.com/wippyai/hostbridge/host/sqlitehost"
	"github.com/wippyai/hostbridge/host/wasmhost"
	"github.com/wippyai/hostbridge/invocation"
	"github.com/wippyai/hostbridge/resource"
	"github.com/wippyai/hostbridge/savepoint"
)

// Config selects and parameterizes the engine
type Config struct {
	Engine string `yaml:"engine"` // mem | sqlite | wasm
	Path   string `yaml:"path"`   // database path or wasm module file
	Log    string `yaml:"log"`    // zap level: debug, info, warn, error
}

type rootOptions struct {
	configFile string
	engine     string
	path       string
	verbose    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "bridgectl",
		Short: "Drive a host engine through the resource-safety bridge",
		Long: `bridgectl embeds a host engine (in-memory, SQLite, or a WASM guest)
behind the hostbridge invocation stack and calls managed procedures
against it. Every call runs inside an invocation frame; resources the
procedure obtains from the engine are released when the frame exits.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.engine, "engine", "", "engine kind (mem|sqlite|wasm), overrides config")
	cmd.PersistentFlags().StringVar(&opts.path, "path", "", "database path or wasm module, overrides config")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newExecCommand(opts))
	cmd.AddCommand(newShellCommand(opts))
	return cmd
}

func loadConfig(opts *rootOptions) (Config, error) {
	cfg := Config{Engine: "mem", Log: "warn"}
	if opts.configFile != "" {
		data, err := os.ReadFile(opts.configFile)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if opts.engine != "" {
		cfg.Engine = opts.engine
	}
	if opts.path != "" {
		cfg.Path = opts.path
	}
	if opts.verbose {
		cfg.Log = "debug"
	}
	return cfg, nil
}

func configureLogging(cfg Config) error {
	var level zapcore.Level
	if err := level.Set(cfg.Log); err != nil {
		return fmt.Errorf("log level %q: %w", cfg.Log, err)
	}
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zcfg.Build()
	if err != nil {
		return err
	}
	invocation.SetLogger(logger)
	resource.SetLogger(logger)
	savepoint.SetLogger(logger)
	return nil
}

// session is one opened engine with its bridge plumbing
type session struct {
	host  hostbridge.Host
	stack *invocation.Stack
	disp  *invocation.Dispatcher
	ctrl  *savepoint.Controller
	close func() error
}

func openSession(cfg Config) (*session, error) {
	host, closer, err := openHost(cfg)
	if err != nil {
		return nil, err
	}
	stack := invocation.NewStack(host)
	disp := invocation.NewDispatcher(stack)
	ctrl := savepoint.NewController(stack)

	// Engines that can call back into managed code get the dispatcher
	switch h := host.(type) {
	case *sqlitehost.Engine:
		h.SetDispatcher(disp)
	case *wasmhost.Engine:
		h.BindDispatcher(disp)
	}

	s := &session{
		host:  host,
		stack: stack,
		disp:  disp,
		ctrl:  ctrl,
		close: func() error {
			serr := stack.Close()
			if cerr := closer(); serr == nil {
				serr = cerr
			}
			return serr
		},
	}
	if err := registerDemos(s); err != nil {
		_ = s.close()
		return nil, err
	}
	return s, nil
}

func openHost(cfg Config) (hostbridge.Host, func() error, error) {
	switch cfg.Engine {
	case "mem", "":
		e := memhost.New()
		e.Define("SELECT greeting",
			[]hostbridge.ColumnInfo{{Name: "greeting", Type: "text"}},
			[][]any{{"hello"}, {"world"}}, 0)
		return e, func() error { return nil }, nil

	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = ":memory:"
		}
		e, err := sqlitehost.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return e, e.Close, nil

	case "wasm":
		if cfg.Path == "" {
			return nil, nil, fmt.Errorf("engine wasm needs a module path")
		}
		guest, err := os.ReadFile(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("read guest module: %w", err)
		}
		ctx := context.Background()
		e, err := wasmhost.New(ctx, guest, nil)
		if err != nil {
			return nil, nil, err
		}
		return e, func() error { return e.Close(context.Background()) }, nil

	default:
		return nil, nil, fmt.Errorf("unknown engine %q (want mem, sqlite, or wasm)", cfg.Engine)
	}
}

// Bridge is the toolbridge client.
//
// It connects to a bridged server, discovers the remote tool catalog,
// and drives an Ollama-backed planner against it. Configuration is
// loaded the same way as bridged (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	bridge tools             List the server's tool catalog
//	bridge run <goal>        Execute a goal through the planner
//	bridge version           Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mwynn/toolbridge/internal/buildinfo"
	"github.com/mwynn/toolbridge/internal/config"
	"github.com/mwynn/toolbridge/internal/dispatch"
	"github.com/mwynn/toolbridge/internal/planner"
	"github.com/mwynn/toolbridge/internal/session"
	"github.com/mwynn/toolbridge/internal/transport"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the bridge command, with all
// OS-level dependencies injected for testability.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "tools":
		return runTools(ctx, stdout, configPath, outputFmt)
	case "run":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: bridge run <goal>")
		}
		return runGoal(ctx, stdout, stderr, configPath, strings.Join(cmdArgs, " "))
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// openSession connects to the configured server and completes the
// handshake. The caller owns the returned session.
func openSession(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*session.Session, error) {
	tr := transport.NewWS(cfg.Transport.Endpoint+"/ws", cfg.Transport.Policy(), logger)

	s, err := session.Open(ctx, tr, session.Options{
		ClientName:     "bridge",
		ClientVersion:  buildinfo.Version,
		RequestTimeout: cfg.Transport.Policy().ConnectTimeout,
		Logger:         logger,
	})
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("open session: %w", err)
	}
	return s, nil
}

// runTools lists the server's tool catalog.
func runTools(ctx context.Context, stdout io.Writer, configPath, outputFmt string) error {
	cfg, logger, err := setup(stdout, configPath)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	tools, err := s.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tools)
	}

	fmt.Fprintf(stdout, "%d tools available:\n", len(tools))
	for _, t := range tools {
		fmt.Fprintf(stdout, "  %-16s %s\n", t.Name, t.Description)
	}
	return nil
}

// runGoal drives one goal through the dispatch loop and prints the
// planner's final answer.
func runGoal(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, goal string) error {
	cfg, logger, err := setup(stderr, configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p := planner.NewOllama(cfg.Planner.OllamaURL, cfg.Planner.Model)
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("ollama unreachable at %s: %w", cfg.Planner.OllamaURL, err)
	}

	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	loop := dispatch.New(s, p, cfg.Dispatch.MaxIterations, logger)
	result, err := loop.Run(ctx, goal)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, result.Answer)
	logger.Info("goal completed",
		"iterations", result.Iterations,
		"tool_calls", result.ToolCalls,
		"elapsed", result.Elapsed.Round(time.Millisecond),
	)
	return nil
}

// setup loads config and builds the logger shared by all subcommands.
// Logs go to w so that runGoal can keep stdout clean for the answer.
func setup(w io.Writer, configPath string) (*config.Config, *slog.Logger, error) {
	if err := config.LoadEnvFile(); err != nil {
		return nil, nil, err
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	return cfg, logger, nil
}

// loadConfig mirrors the bridged behavior: defaults apply when no
// config file exists and none was explicitly requested.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "bridge - toolbridge client")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: bridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  tools        List the server's tool catalog")
	fmt.Fprintln(w, "  run <goal>   Execute a goal through the planner")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

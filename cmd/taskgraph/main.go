// Command taskgraph is the operational CLI around a session: it manages
// the TOML config file, and can hold a session open long enough to serve
// its status/metrics endpoint for external inspection. Embedding the
// engine in a Go program (opening a session, calling rules) is the
// library's job; this binary only ever touches the ambient surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/taskgraph/config"
	"github.com/allaspectsdev/taskgraph/session"
	"github.com/allaspectsdev/taskgraph/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "init-config":
		cmdInitConfig(os.Args[2:])
	case "config-export":
		cmdConfigExport(os.Args[2:])
	case "version":
		fmt.Println(version.String())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: taskgraph <command> [options]

Commands:
  serve            Open a session against --config (or the default store)
                    and block, serving its status/metrics endpoint
  init-config      Write a default config file to --config (or ./taskgraph.toml)
  config-export    Export the currently loaded config to a TOML file
  version          Print version information
  help             Show this help message

Options:
  --config <path>  Explicit config file path`)
}

func configPath(args []string) string {
	for i, a := range args {
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func cmdInitConfig(args []string) {
	path := configPath(args)
	if path == "" {
		path = config.DefaultConfigFilename
	}
	if err := config.ExportConfig(config.DefaultConfig(), path); err != nil {
		fmt.Fprintf(os.Stderr, "init-config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote default config to %s\n", path)
}

func cmdConfigExport(args []string) {
	cfg, err := config.Load(configPath(args))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config-export: %v\n", err)
		os.Exit(1)
	}
	path := "taskgraph-export.toml"
	for i, a := range args {
		if a == "--out" && i+1 < len(args) {
			path = args[i+1]
		}
	}
	if err := config.ExportConfig(cfg, path); err != nil {
		fmt.Fprintf(os.Stderr, "config-export: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("exported config to %s\n", path)
}

func cmdServe(args []string) {
	cfg, err := config.Load(configPath(args))
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve: loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9090"
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	s, err := session.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve: opening session: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("addr", cfg.MetricsAddr).Str("worker", s.WorkerID()).Msg("taskgraph: session serving status endpoint")
	<-ctx.Done()

	if err := s.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "serve: closing session: %v\n", err)
		os.Exit(1)
	}
}

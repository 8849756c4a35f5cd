// tracetap-collector receives telemetry from capture clients, stores it
// in an append-only JSONL log and streams it live to dashboards.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/kon-rad/tracetap/internal/app"
	"github.com/kon-rad/tracetap/internal/config"
	"github.com/kon-rad/tracetap/internal/logging"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("tracetap-collector", pflag.ContinueOnError)
	help := flagSet.BoolP("help", "h", false, "show help")
	showVersion := flagSet.Bool("version", false, "print the version and exit")
	port := flagSet.String("port", "", "listen port (overrides TRACETAP_PORT)")
	dir := flagSet.String("dir", "", "storage directory (overrides TRACETAP_DIR)")
	serverLog := flagSet.String("server-log", "", "dev-server log file to tail (overrides TRACETAP_SERVER_LOG_PATH)")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			config.WriteHelp(os.Stdout, version)
			return nil
		}
		return err
	}
	if *help {
		config.WriteHelp(os.Stdout, version)
		return nil
	}
	if *showVersion {
		fmt.Fprintf(os.Stdout, "tracetap-collector %s\n", version)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *dir != "" {
		cfg.Dir = *dir
	}
	if *serverLog != "" {
		cfg.ServerLogPath = *serverLog
	}

	logger, err := logging.Setup(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Info("Starting tracetap-collector", "version", version, "port", cfg.Port, "dir", cfg.Dir)

	return app.New(cfg, logger, version).Run(ctx)
}

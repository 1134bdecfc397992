// Command orthosis runs the gait controller of a powered knee orthosis: it
// reads both thigh sensors, triggers knee flexion trajectories on both motors
// and serves the operator's UDP protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/ulugris/orthosis/internal/config"
	"github.com/ulugris/orthosis/internal/monitoring"
	"github.com/ulugris/orthosis/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to a JSON configuration file (built-in defaults when empty)")
	devMode     = flag.Bool("dev", false, "Run with simulated sensors and motors")
	logFile     = flag.String("log-file", "", "Also write logs to this file, rotated by size")
	adminListen = flag.String("admin-listen", "", "Admin HTTP listen address (overrides admin_listen)")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if *logFile != "" {
		closer := monitoring.OpenLogFile(monitoring.LogFileOptions{Path: *logFile})
		defer closer.Close()
	}

	monitoring.Logf("starting %s", version.String())

	cfg := config.Empty()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		monitoring.Logf("loaded configuration from %s", *configFile)
	}
	if *adminListen != "" {
		cfg.AdminListen = adminListen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(cfg, *devMode)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	if err := a.run(ctx); err != nil {
		log.Fatalf("orthosis stopped: %v", err)
	}
	monitoring.Logf("graceful shutdown complete")
}

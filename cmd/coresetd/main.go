// coresetd is the mix aggregator daemon.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/xtxerr/coreset/internal/logging"
	"github.com/xtxerr/coreset/internal/server"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "coresetd.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	metricsListen := flag.String("metrics-listen", "", "metrics address (overrides config)")
	noMetrics := flag.Bool("no-metrics", false, "disable the metrics endpoint")
	noTLS := flag.Bool("no-tls", false, "disable TLS")
	tlsCert := flag.String("tls-cert", "", "TLS certificate file")
	tlsKey := flag.String("tls-key", "", "TLS key file")
	participants := flag.Int("participants", 0, "nodes per round (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "log as JSON")
	flag.Parse()

	cfg, err := server.LoadConfig(*cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fatal("load config: %v", err)
		}
		cfg = server.DefaultConfig()
	}

	// CLI overrides
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *metricsListen != "" {
		cfg.MetricsListen = *metricsListen
	}
	if *noMetrics {
		cfg.MetricsListen = ""
	}
	if *noTLS {
		cfg.TLSCertFile = ""
		cfg.TLSKeyFile = ""
	}
	if *tlsCert != "" {
		cfg.TLSCertFile = *tlsCert
	}
	if *tlsKey != "" {
		cfg.TLSKeyFile = *tlsKey
	}
	if *participants > 0 {
		cfg.Round.Participants = *participants
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logJSON {
		cfg.Log.JSON = true
	}

	logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)
	log := logging.Component("coresetd")
	log.Info("starting", "version", Version, "config", *cfgPath)

	srv, err := server.New(cfg)
	if err != nil {
		fatal("create server: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Info("received signal", "signal", s.String())
		srv.Shutdown()
	}()

	log.Info("aggregating rounds",
		"participants", cfg.Round.Participants,
		"round_timeout", cfg.Round.Timeout,
		"tls", cfg.TLSCertFile != "")

	if err := srv.Run(); err != nil {
		fatal("server error: %v", err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "coresetd: "+format+"\n", args...)
	os.Exit(1)
}

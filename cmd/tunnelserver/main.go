// Command tunnelserver runs the tunnel server: it accepts client
// connections, authenticates them, and forwards their requests to
// upstream destinations.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tunnel"
	"tunnel/internal/config"
	"tunnel/internal/metrics"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "tunnelserver",
		Short: "Run the encrypted tunnel server",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(serveCmd())
	root.AddCommand(initConfigCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start accepting tunnel connections",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	opts := tunnel.ServerOptions{
		ListenAddr:       cfg.ListenAddr,
		ServerIP:         cfg.ServerIP,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ForwardTimeout:   cfg.ForwardTimeout,
		Logger:           logger,
	}

	var collector *metrics.Collector
	if cfg.MetricsEnabled {
		collector = metrics.NewCollector()
		opts.Metrics = collector
		go serveMetrics(cfg.MetricsListenAddr, collector, logger)
	}

	store := tunnel.NewStaticCredentialStore(map[string]string{cfg.Username: cfg.Password})
	srv, err := tunnel.NewServer(opts, store)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Serve(ctx)
}

func serveMetrics(addr string, collector *metrics.Collector, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn().Err(err).Msg("metrics server stopped")
	}
}

func initConfigCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write a default server config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = "tunnel.yaml"
			}
			contents := defaultServerConfigYAML()
			return os.WriteFile(out, []byte(contents), 0o600)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "tunnel.yaml", "path to write the config file to")
	return cmd
}

func defaultServerConfigYAML() string {
	return `listen_addr: ":8888"
server_ip: "0.0.0.0"
handshake_timeout: 10s
forward_timeout: 10s
username: "student"
password: "secure123"
metrics_enabled: false
metrics_listen_addr: ":9090"
log_level: "info"
`
}

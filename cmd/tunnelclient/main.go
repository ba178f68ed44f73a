// Command tunnelclient connects to a tunnel server and exposes a local
// HTTP proxy that forwards browser traffic through the tunnel.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tunnel"
	"tunnel/internal/config"
	"tunnel/internal/localproxy"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "tunnelclient",
		Short: "Connect to an encrypted tunnel server",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(connectCmd())
	root.AddCommand(statsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.ClientConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

func newClient(cfg *config.ClientConfig, logger zerolog.Logger) *tunnel.Client {
	return tunnel.NewClient(tunnel.ClientOptions{
		ServerAddr:        cfg.ServerAddr,
		Username:          cfg.Username,
		Password:          cfg.Password,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
		Logger:            logger,
	})
}

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Connect to the tunnel and serve the local HTTP proxy",
		RunE:  runConnect,
	}
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	client := newClient(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Disconnect()

	proxy := &localproxy.Proxy{
		ListenAddr: cfg.LocalProxyAddr,
		Forwarder:  client,
		Logger:     logger,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- proxy.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return proxy.Close()
	case err := <-errCh:
		return err
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Connect, request one statistics snapshot, and print it",
		RunE:  runStats,
	}
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	client := newClient(cfg, logger)
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Disconnect()

	snapshot, err := client.RequestStatistics()
	if err != nil {
		return fmt.Errorf("request statistics: %w", err)
	}

	encoded, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode statistics: %w", err)
	}
	fmt.Println(string(encoded))
	return nil
}

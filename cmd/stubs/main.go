package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/clawgate/internal/config"
	"github.com/Rajchodisetti/clawgate/internal/observ"
	"github.com/Rajchodisetti/clawgate/internal/stubs"
)

func main() {
	var (
		configPath string
		addr       string
		token      string
		tick       time.Duration
		chunk      time.Duration
	)

	rootCmd := &cobra.Command{
		Use:           "stubs",
		Short:         "Run a local fake of the agent gateway for development",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := observ.SetLevel(cfg.LogLevel); err != nil {
				return err
			}
			if addr != "" {
				cfg.Stub.ListenAddr = addr
			}
			if token != "" {
				cfg.Stub.Token = token
			}
			opts := stubs.Options{
				Token:        cfg.Stub.Token,
				TickInterval: cfg.Stub.TickInterval(),
				ChunkDelay:   cfg.Stub.ChunkDelay(),
				MaxPayload:   cfg.Gateway.MaxPayloadBytes,
			}
			if cmd.Flags().Changed("tick-interval") {
				opts.TickInterval = tick
			}
			if cmd.Flags().Changed("chunk-delay") {
				opts.ChunkDelay = chunk
			}

			gw := stubs.NewGatewayServer(opts)
			srv := &http.Server{
				Addr:              cfg.Stub.ListenAddr,
				Handler:           gw.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errc := make(chan error, 1)
			go func() {
				observ.Log("startup", map[string]any{
					"addr":             srv.Addr,
					"tick_interval_ms": opts.TickInterval.Milliseconds(),
				})
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			gw.DropAll(1001, "server shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	f := rootCmd.Flags()
	f.StringVar(&configPath, "config", "", "config file (YAML)")
	f.StringVar(&addr, "addr", "", "listen address (overrides config)")
	f.StringVar(&token, "token", "", "token clients must present (overrides config)")
	f.DurationVar(&tick, "tick-interval", 30*time.Second, "heartbeat period; 0 disables ticks")
	f.DurationVar(&chunk, "chunk-delay", 50*time.Millisecond, "pause between streamed reply chunks")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

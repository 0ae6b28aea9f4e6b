package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/clawgate/internal/gateway"
	"github.com/Rajchodisetti/clawgate/internal/observ"
	"github.com/Rajchodisetti/clawgate/internal/relay"
)

func relayCmd(g *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the HTTP and SSE chat API backed by one gateway connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Relay.ListenAddr = addr
			}

			hub := relay.NewHub()
			c, err := g.newClient(cfg, gateway.WithEventHandler(hub.Publish))
			if err != nil {
				return err
			}
			defer c.Stop()
			c.Start()

			srv := &http.Server{
				Addr: cfg.Relay.ListenAddr,
				Handler: relay.New(c, hub, relay.Options{
					ConnectWait:   cfg.Relay.ConnectWait(),
					StreamTimeout: cfg.Relay.StreamTimeout(),
					HistoryLimit:  cfg.Relay.HistoryLimit,
				}).Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, cancel := signalContext()
			defer cancel()

			errc := make(chan error, 1)
			go func() {
				observ.Log("relay_listening", map[string]any{"addr": srv.Addr, "gateway": cfg.Gateway.URL})
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

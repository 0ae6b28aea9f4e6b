package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/clawgate/internal/gateway"
	"github.com/Rajchodisetti/clawgate/internal/journal"
	"github.com/Rajchodisetti/clawgate/internal/observ"
	"github.com/Rajchodisetti/clawgate/internal/protocol"
)

func watchCmd(g *globalFlags) *cobra.Command {
	var (
		journalPath string
		showTicks   bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and print gateway events as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if journalPath == "" {
				journalPath = cfg.Journal.Path
			}

			var j *journal.Journal
			if journalPath != "" {
				if j, err = journal.New(journalPath); err != nil {
					return err
				}
			}

			var mu sync.Mutex
			enc := json.NewEncoder(os.Stdout)
			handler := func(ev protocol.EventFrame) {
				if j != nil {
					if err := j.WriteEvent(ev); err != nil {
						observ.Error("journal_write_failed", map[string]any{"error": err.Error()})
					}
				}
				if ev.Event == protocol.EventTick && !showTicks {
					return
				}
				mu.Lock()
				_ = enc.Encode(ev)
				mu.Unlock()
			}

			ctx, cancel := signalContext()
			defer cancel()

			c, err := g.newClient(cfg, gateway.WithEventHandler(handler))
			if err != nil {
				return err
			}
			defer c.Stop()
			if err := g.connect(ctx, c); err != nil {
				return err
			}
			if h := c.Hello(); h != nil {
				fmt.Fprintf(os.Stderr, "connected to %s (server %s, conn %s)\n", cfg.Gateway.URL, h.Server.Version, h.Server.ConnID)
			}

			<-ctx.Done()
			fmt.Fprintf(os.Stderr, "stopping: %d sequence gaps seen\n", c.GapsDetected())
			return nil
		},
	}

	cmd.Flags().StringVar(&journalPath, "journal", "", "append events to this JSONL file")
	cmd.Flags().BoolVar(&showTicks, "ticks", false, "print heartbeat ticks too")
	return cmd
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/clawgate/internal/journal"
	"github.com/Rajchodisetti/clawgate/internal/protocol"
)

const dedupeWindow = 10 * time.Minute

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sendCmd(g *globalFlags) *cobra.Command {
	var (
		sessionKey     string
		idempotencyKey string
		thinking       string
	)

	cmd := &cobra.Command{
		Use:   "send MESSAGE",
		Short: "Send a chat message and wait for the run to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}

			var j *journal.Journal
			if cfg.Journal.Path != "" {
				if j, err = journal.New(cfg.Journal.Path); err != nil {
					return err
				}
				if idempotencyKey != "" {
					sent, err := j.HasRecentSend(idempotencyKey, dedupeWindow)
					if err != nil {
						return err
					}
					if sent {
						fmt.Fprintf(os.Stderr, "already sent %s within %s, skipping\n", idempotencyKey, dedupeWindow)
						return nil
					}
				}
			}

			ctx, cancel := signalContext()
			defer cancel()

			c, err := g.newClient(cfg)
			if err != nil {
				return err
			}
			defer c.Stop()
			if err := g.connect(ctx, c); err != nil {
				return err
			}

			payload, key, err := c.SendMessage(ctx, protocol.ChatSendParams{
				SessionKey:     sessionKey,
				Message:        args[0],
				Thinking:       thinking,
				IdempotencyKey: idempotencyKey,
			})
			if j != nil {
				status := "ok"
				if err != nil {
					status = "error"
				}
				if jerr := j.WriteSend(journal.Send{IdempotencyKey: key, SessionKey: sessionKey, Message: args[0], Status: status}); jerr != nil {
					fmt.Fprintf(os.Stderr, "journal: %v\n", jerr)
				}
			}
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"idempotencyKey": key, "result": payload})
		},
	}

	cmd.Flags().StringVarP(&sessionKey, "session", "s", "main", "session key")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "reuse a key to make retries safe (default: random)")
	cmd.Flags().StringVar(&thinking, "thinking", "", "thinking level passed to the agent")
	return cmd
}

func historyCmd(g *globalFlags) *cobra.Command {
	var (
		sessionKey string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the chat history of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			c, err := g.newClient(cfg)
			if err != nil {
				return err
			}
			defer c.Stop()
			if err := g.connect(ctx, c); err != nil {
				return err
			}

			res, err := c.ChatHistory(ctx, sessionKey, limit)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	cmd.Flags().StringVarP(&sessionKey, "session", "s", "main", "session key")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum messages (0 for gateway default)")
	return cmd
}

func resolveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve KEY",
		Short: "Resolve a session key to its canonical form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			c, err := g.newClient(cfg)
			if err != nil {
				return err
			}
			defer c.Stop()
			if err := g.connect(ctx, c); err != nil {
				return err
			}

			res, err := c.ResolveSession(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func abortCmd(g *globalFlags) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "abort SESSION",
		Short: "Abort the active run of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			c, err := g.newClient(cfg)
			if err != nil {
				return err
			}
			defer c.Stop()
			if err := g.connect(ctx, c); err != nil {
				return err
			}
			return c.AbortChat(ctx, args[0], runID)
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "abort only this run id")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/clawgate/internal/gateway"
	"github.com/Rajchodisetti/clawgate/internal/protocol"
)

func sessionsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List, create, rename and delete gateway sessions",
	}
	cmd.AddCommand(
		sessionsListCmd(g),
		sessionsCreateCmd(g),
		sessionsRenameCmd(g),
		sessionsDeleteCmd(g),
	)
	return cmd
}

// withSession connects a client, runs fn and stops the client.
func (g *globalFlags) withSession(fn func(ctx context.Context, c *gateway.Client) error) error {
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
	return fn(ctx, c)
}

func sessionsListCmd(g *globalFlags) *cobra.Command {
	var (
		params  = protocol.SessionsListParams{IncludeDerivedTitles: true}
		asJSON  bool
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			params.IncludeLastMessage = verbose
			return g.withSession(func(ctx context.Context, c *gateway.Client) error {
				res, err := c.ListSessions(ctx, params)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(res)
				}

				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tKIND\tUPDATED\tLABEL\tTITLE")
				for _, s := range res.Sessions {
					updated := time.UnixMilli(s.UpdatedAt).Format(time.RFC3339)
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Key, s.Kind, updated, s.Label, s.DerivedTitle)
					if verbose && s.LastMessage != "" {
						fmt.Fprintf(tw, "\t\t\t\t> %s\n", s.LastMessage)
					}
				}
				return tw.Flush()
			})
		},
	}

	f := cmd.Flags()
	f.IntVarP(&params.Limit, "limit", "n", 50, "maximum sessions")
	f.IntVar(&params.ActiveMinutes, "active-minutes", 0, "only sessions updated within this many minutes")
	f.BoolVar(&asJSON, "json", false, "print the raw result as JSON")
	f.BoolVarP(&verbose, "verbose", "v", false, "include each session's last message")
	return cmd
}

func sessionsCreateCmd(g *globalFlags) *cobra.Command {
	var createNew bool

	cmd := &cobra.Command{
		Use:   "create [LABEL]",
		Short: "Resolve a labelled session, or start a new one",
		Long: `create resolves LABEL to an existing session, creating and labelling a
new one when none matches. Without LABEL it prints the main session.
--new always starts a fresh session.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var label string
			if len(args) == 1 {
				label = args[0]
			}
			return g.withSession(func(ctx context.Context, c *gateway.Client) error {
				res, err := c.CreateSession(ctx, label, createNew)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}

	cmd.Flags().BoolVar(&createNew, "new", false, "always start a fresh session")
	return cmd
}

func sessionsRenameCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rename KEY LABEL",
		Short: "Set the label of a session; an empty LABEL clears it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withSession(func(ctx context.Context, c *gateway.Client) error {
				res, err := c.PatchSession(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func sessionsDeleteCmd(g *globalFlags) *cobra.Command {
	var deleteTranscript bool

	cmd := &cobra.Command{
		Use:   "delete KEY",
		Short: "Delete a session, archiving its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if gateway.IsMainSession(args[0]) {
				return gateway.ErrMainSession
			}
			return g.withSession(func(ctx context.Context, c *gateway.Client) error {
				res, err := c.DeleteSession(ctx, args[0], deleteTranscript)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}

	cmd.Flags().BoolVar(&deleteTranscript, "delete-transcript", false, "drop the transcript instead of archiving it")
	return cmd
}

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/clawgate/internal/relay"
	"github.com/Rajchodisetti/clawgate/internal/transport"
)

// streamCmd talks to a running relay rather than to the gateway.
func streamCmd() *cobra.Command {
	var (
		relayURL   string
		sessionKey string
		thinking   string
	)

	cmd := &cobra.Command{
		Use:   "stream MESSAGE",
		Short: "Send a message through a relay and print the reply as it streams",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			body, err := json.Marshal(map[string]string{
				"sessionKey": sessionKey,
				"content":    args[0],
				"thinking":   thinking,
			})
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				strings.TrimSuffix(relayURL, "/")+"/api/chat/stream", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "text/event-stream")

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("relay request: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				return fmt.Errorf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
			}

			var printed string
			var streamErr error
			err = transport.ReadSSE(ctx, resp.Body, func(msg transport.SSEEvent) error {
				var ev relay.StreamEvent
				if err := json.Unmarshal(msg.Data, &ev); err != nil {
					return err
				}
				switch ev.Type {
				case relay.StreamContent:
					for _, b := range ev.ContentBlocks {
						if b.Type != "text" {
							continue
						}
						// text blocks are cumulative
						if strings.HasPrefix(b.Text, printed) {
							fmt.Print(b.Text[len(printed):])
						} else {
							fmt.Print("\n" + b.Text)
						}
						printed = b.Text
					}
				case relay.StreamFinish:
					fmt.Println()
					return io.EOF
				case relay.StreamError:
					streamErr = fmt.Errorf("stream: %s", ev.Error)
					return io.EOF
				}
				return nil
			})
			if err != nil {
				return err
			}
			return streamErr
		},
	}

	cmd.Flags().StringVar(&relayURL, "relay", "http://localhost:3005", "relay base URL")
	cmd.Flags().StringVarP(&sessionKey, "session", "s", "main", "session key")
	cmd.Flags().StringVar(&thinking, "thinking", "", "thinking level passed to the agent")
	return cmd
}

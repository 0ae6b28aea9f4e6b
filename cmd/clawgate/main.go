package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/clawgate/internal/config"
	"github.com/Rajchodisetti/clawgate/internal/gateway"
	"github.com/Rajchodisetti/clawgate/internal/observ"
)

// Version information set at build time.
var version = "dev"

type globalFlags struct {
	configPath     string
	url            string
	token          string
	logLevel       string
	connectTimeout time.Duration
}

func main() {
	var g globalFlags

	rootCmd := &cobra.Command{
		Use:   "clawgate",
		Short: "Client for the OpenClaw agent gateway",
		Long: `clawgate keeps a persistent WebSocket connection to an OpenClaw gateway,
sends chat requests over it and relays its event stream.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "config file (YAML)")
	pf.StringVar(&g.url, "url", "", "gateway URL (overrides config and "+config.EnvURL+")")
	pf.StringVar(&g.token, "token", "", "gateway token (overrides config and "+config.EnvToken+")")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.DurationVar(&g.connectTimeout, "connect-timeout", 15*time.Second, "how long to wait for the handshake")

	rootCmd.AddCommand(
		watchCmd(&g),
		sendCmd(&g),
		historyCmd(&g),
		resolveCmd(&g),
		abortCmd(&g),
		sessionsCmd(&g),
		relayCmd(&g),
		streamCmd(),
		versionCmd(),
	)

	observ.SetVersion(version)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// load reads the config file and applies flag overrides.
func (g *globalFlags) load() (config.Root, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if g.url != "" {
		cfg.Gateway.URL = g.url
	}
	if g.token != "" {
		cfg.Gateway.Token = g.token
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if err := observ.SetLevel(cfg.LogLevel); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (g *globalFlags) newClient(cfg config.Root, opts ...gateway.Option) (*gateway.Client, error) {
	if cfg.Gateway.Token == "" {
		return nil, fmt.Errorf("gateway token is required (--token or %s)", config.EnvToken)
	}
	return gateway.New(cfg.Gateway.ClientConfig(), opts...)
}

// connect starts c and waits for the handshake.
func (g *globalFlags) connect(ctx context.Context, c *gateway.Client) error {
	c.Start()
	ctx, cancel := context.WithTimeout(ctx, g.connectTimeout)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		return fmt.Errorf("connect to gateway: %w", err)
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

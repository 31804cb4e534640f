// Package main is a command line client for the tool server. It drives a
// headless viewer: tools run through real sessions and results arrive over
// the push channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tissuemaps/tmviewer/internal/config"
	"github.com/tissuemaps/tmviewer/internal/transport"
	"github.com/tissuemaps/tmviewer/internal/viewer"
)

var (
	// Global flags
	configFile string
	serverURL  string
	logLevel   string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "tmclient [command] [flags]",
	Short: "Command line client for the TissueMAPS tool server",
	Long: `tmclient talks to a running tool server. It lists tools and saved
results and runs tools against an experiment through a headless viewer.

Examples:
  # List the tools the server offers
  tmclient tools

  # List saved results of an experiment
  tmclient results --experiment demo

  # Cluster cells and render one tile of the result
  tmclient run Clustering --experiment demo \
    --payload '{"mapobject_type":"cells","selected_features":["area"],"k":3}' \
    --tile 0/0/0 --out tile.png`,
	PersistentPreRunE: setup,
	SilenceErrors:     true,
	SilenceUsage:      true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "config/client.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server URL, overrides the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output in JSON format")

	rootCmd.AddCommand(newToolsCmd())
	rootCmd.AddCommand(newResultsCmd())
	rootCmd.AddCommand(newRunCmd())
}

var clientCfg config.ClientConfig

func setup(cmd *cobra.Command, args []string) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if lvl, err := zerolog.ParseLevel(logLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	clientCfg = cfg.Client
	if serverURL != "" {
		clientCfg.ServerURL = serverURL
	}
	return nil
}

func newClient() (*transport.Client, error) {
	return transport.NewClient(clientCfg.ServerURL)
}

// connection is an open viewer together with the push channel feeding it.
type connection struct {
	client *transport.Client
	push   *transport.PushClient
	viewer *viewer.Viewer
}

// connect opens the push channel and then the experiment. The channel is
// attached before any session exists so no event can be missed.
func connect(ctx context.Context, experimentID string) (*connection, error) {
	client, err := newClient()
	if err != nil {
		return nil, err
	}

	dispatcher := viewer.NewDispatcher()
	push := transport.NewPushClient(transport.PushConfig{
		URL:          client.PushURL(),
		InitialDelay: time.Duration(clientCfg.ReconnectInitialMS) * time.Millisecond,
		MaxDelay:     time.Duration(clientCfg.ReconnectMaxMS) * time.Millisecond,
		MaxAttempts:  uint(clientCfg.ReconnectMaxAttempts),
	}, dispatcher.HandleEvent)
	dispatcher.Attach(push)
	if err := push.Start(ctx); err != nil {
		return nil, fmt.Errorf("connect push channel: %w", err)
	}

	v, err := viewer.Open(ctx, client, experimentID, viewer.Options{Dispatcher: dispatcher})
	if err != nil {
		push.Close()
		return nil, err
	}
	return &connection{client: client, push: push, viewer: v}, nil
}

func (c *connection) Close() {
	c.viewer.Destroy()
	if err := c.push.Close(); err != nil {
		log.Debug().Err(err).Msg("closing push channel")
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var te *transport.Error
		if errors.As(err, &te) && te.StatusCode != 0 {
			fmt.Fprintf(os.Stderr, "Error: %s\n", transport.StatusText(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

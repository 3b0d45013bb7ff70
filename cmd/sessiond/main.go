// Command sessiond runs a request/response responder over one of the
// supported channels and offers a client for calling it.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ggoodman/transport-session-go/config"
	"github.com/ggoodman/transport-session-go/internal/logctx"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

type globalFlags struct {
	configPath string
	channel    string
	logJSON    bool
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "sessiond",
		Short: "Framed request/response sessions over pub/sub and stream channels",
		Long: `sessiond binds transport sessions to a channel and answers requests.

Channels:
  memory     in-process bus (call only)
  redis      Redis pub/sub
  tcp        length-free framed TCP streams
  websocket  binary websocket messages
  stdio      standard input and output (serve only)`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&flags.channel, "channel", "", "channel kind, overrides the config")
	rootCmd.PersistentFlags().BoolVar(&flags.logJSON, "log-json", false, "log as JSON")

	rootCmd.AddCommand(
		serveCmd(&flags),
		callCmd(&flags),
		configCmd(&flags),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

// load resolves the configuration and applies flag overrides.
func (f *globalFlags) load() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if f.channel != "" {
		cfg.Channel = f.channel
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

// newLogger builds the process logger. Records carry session and packet
// attributes from the context.
func (f *globalFlags) newLogger(level *slog.LevelVar) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, hopts)
	if f.logJSON {
		h = slog.NewJSONHandler(os.Stderr, hopts)
	}
	return slog.New(logctx.Handler{Handler: h})
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sessiond %s (%s)\n", version, commit)
		},
	}
}

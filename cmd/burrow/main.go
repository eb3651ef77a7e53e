package main

import (
	"fmt"
	"os"

	"github.com/glimte/burrow-go/config"
	"github.com/glimte/burrow-go/messaging"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	settings, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	rootCmd := newRootCommand(settings)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(settings *config.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "burrow",
		Short: "Request/reply over RabbitMQ",
		Long: `burrow runs RPC servers and clients on top of a RabbitMQ topic exchange.
Every flag defaults to the matching BURROW_* environment variable.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&settings.URL, "url", "u", settings.URL, "RabbitMQ connection URL")
	flags.StringVarP(&settings.Exchange, "exchange", "e", settings.Exchange, "Topic exchange for requests")
	flags.DurationVarP(&settings.Timeout, "timeout", "t", settings.Timeout, "Round trip timeout for calls")
	flags.BoolVar(&settings.VerifyPeer, "verify-peer", settings.VerifyPeer, "Verify the broker certificate")
	flags.StringVar(&settings.TLSCert, "tls-cert", settings.TLSCert, "Client certificate (PEM)")
	flags.StringVar(&settings.TLSKey, "tls-key", settings.TLSKey, "Client key (PEM)")
	flags.StringSliceVar(&settings.TLSCACerts, "tls-ca-certs", settings.TLSCACerts, "Trusted CA certificates (PEM), comma separated")
	flags.StringVar(&settings.LogPrefix, "log-prefix", settings.LogPrefix, "Component name attached to log events")
	flags.BoolVar(&settings.LogRequest, "log-request", settings.LogRequest, "Log request bodies")
	flags.BoolVar(&settings.LogResponse, "log-response", settings.LogResponse, "Log response bodies")
	flags.StringVar(&settings.LogBackend, "log-backend", settings.LogBackend, "Log backend: text, json, zap or zerolog")
	flags.StringVar(&settings.LogLevel, "log-level", settings.LogLevel, "Log level: debug, info, warn or error")
	flags.IntVar(&settings.Prefetch, "prefetch", settings.Prefetch, "Unacknowledged deliveries per subscription")

	rootCmd.AddCommand(newServeCommand(settings), newCallCommand(settings))
	return rootCmd
}

// options validates the final settings and builds messaging options
func options(cmd *cobra.Command, settings *config.Settings) ([]messaging.Option, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	sink, err := settings.Logger(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return settings.Options(sink), nil
}

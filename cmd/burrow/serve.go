package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/glimte/burrow-go/config"
	"github.com/glimte/burrow-go/messaging"
	"github.com/spf13/cobra"
)

var defaultRoutingKeys = []string{"some.routing.key.one", "some.routing.key.two"}

func newServeCommand(settings *config.Settings) *cobra.Command {
	var routingKeys []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an example RPC server",
		Long: `Subscribes a JSON handler to each routing key and replies with
{"status":"ok","error_message":null,"data":{"message":"<key> executed"}}.
Requests that are not valid JSON get a client_error reply. Stop with Ctrl+C.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := options(cmd, settings)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server := messaging.NewServer(opts...)
			defer server.Shutdown()

			for _, key := range routingKeys {
				if err := server.Subscribe(ctx, key, exampleHandler(key)); err != nil {
					return fmt.Errorf("failed to subscribe %s: %w", key, err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "serving %d routing keys on exchange %s... Press Ctrl+C to stop\n",
				len(routingKeys), settings.Exchange)

			if err := server.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&routingKeys, "routing-key", "k", defaultRoutingKeys, "Routing keys to serve")

	return cmd
}

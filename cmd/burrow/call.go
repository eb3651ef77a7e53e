package main

import (
	"fmt"

	"github.com/glimte/burrow-go/config"
	"github.com/glimte/burrow-go/contracts"
	"github.com/glimte/burrow-go/messaging"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newCallCommand(settings *config.Settings) *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   "call <routing-key>",
		Short: "Send one request and print the reply",
		Long: `Publishes --data (a JSON document) with the routing key and prints the
raw reply. Exits non-zero when the reply status is not ok or no reply arrives
within --timeout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(data)) {
				return fmt.Errorf("--data is not valid JSON")
			}

			opts, err := options(cmd, settings)
			if err != nil {
				return err
			}

			client := messaging.NewClient(opts...)
			defer client.Shutdown()

			resp, err := client.PublishResponse(cmd.Context(), jsoniter.RawMessage(data), args[0])
			if err != nil {
				return fmt.Errorf("call %s: %w", args[0], err)
			}

			out, err := renderResponse(resp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)

			return resp.Err()
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", `{"question":"the thing you want"}`, "JSON request payload")

	return cmd
}

func renderResponse(resp *contracts.Response) (string, error) {
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

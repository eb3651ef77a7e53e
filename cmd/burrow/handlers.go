package main

import (
	"context"

	"github.com/glimte/burrow-go/contracts"
	"github.com/glimte/burrow-go/messaging"
	"github.com/glimte/burrow-go/serialization"
)

// exampleHandler decodes a JSON request and reports which key served it.
// Malformed requests are answered with a client_error response.
func exampleHandler(routingKey string) messaging.Handler {
	return messaging.HandlerFunc(func(ctx context.Context, payload []byte) (any, error) {
		var request map[string]any
		if err := serialization.Default.Unmarshal(payload, &request); err != nil {
			return contracts.ClientErrorResponse(&contracts.ClientError{
				Message: "request is not a JSON object",
				Err:     err,
			}), nil
		}

		resp := contracts.NewResponse()
		resp.Data = map[string]any{
			"message": routingKey + " executed",
			"request": request,
		}
		return resp, nil
	})
}

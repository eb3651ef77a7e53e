// Package contracts defines the reply envelope exchanged by burrow clients and servers.
//
// Every reply is a Response with three fields:
//   - status: "ok", "client_error" or "server_error"
//   - error_message: null unless status is not "ok"
//   - data: handler-defined payload, an empty object by default
//
// Handlers usually start from NewResponse and fill in Data. Returning a
// *ClientError from a handler lets callers distinguish bad input from
// server faults.
package contracts

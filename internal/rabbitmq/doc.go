// Package rabbitmq provides the RabbitMQ plumbing for burrow's RPC client and server.
//
// This package includes:
//   - ConnectionManager: owns one connection and one channel, created on first use
//   - Exchange: memoized handles to the default exchange and the durable topic exchange
//   - Topology helpers: reply queues, bound per-subscription queues, consumers
//   - Header carriers: W3C trace context propagation through AMQP headers
//
// Connections are not re-established automatically. A failed Connect is
// reported to the caller as a *ConnectionError and nothing is retried.
package rabbitmq

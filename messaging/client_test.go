package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glimte/burrow-go/contracts"
	"github.com/glimte/burrow-go/internal/rabbitmq"
	"github.com/glimte/burrow-go/internal/rabbitmq/rabbitmqtest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, payload []byte) (any, error) {
		resp := contracts.NewResponse()
		resp.Data = map[string]any{"echo": string(payload)}
		return resp, nil
	})
}

// waitForRequest returns the first request the client put on the topic exchange
func waitForRequest(t *testing.T, broker *rabbitmqtest.Broker) rabbitmqtest.Message {
	t.Helper()
	if !assert.Eventually(t, func() bool {
		return len(broker.PublishedTo(DefaultExchange)) > 0
	}, time.Second, time.Millisecond) {
		return rabbitmqtest.Message{}
	}
	return broker.PublishedTo(DefaultExchange)[0]
}

func TestClientPublish(t *testing.T) {
	t.Run("gimme the thing round trip returns the handler response", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client, server := newPair(t, broker)
		ctx := testContext(t)

		var received []byte
		require.NoError(t, server.Subscribe(ctx, "things.get", HandlerFunc(
			func(ctx context.Context, payload []byte) (any, error) {
				received = payload
				resp := contracts.NewResponse()
				resp.Data = map[string]any{"thing": "yes"}
				return resp, nil
			})))

		reply, err := client.Publish(ctx, map[string]string{"gimme": "the thing"}, "things.get")

		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"ok","error_message":null,"data":{"thing":"yes"}}`, string(reply))
		assert.JSONEq(t, `{"gimme":"the thing"}`, string(received))
	})

	t.Run("request carries reply_to, correlation id and transient mode", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client, server := newPair(t, broker)
		ctx := testContext(t)
		require.NoError(t, server.Subscribe(ctx, "things.get", echoHandler()))

		_, err := client.Publish(ctx, "hi", "things.get")
		require.NoError(t, err)

		req := broker.PublishedTo(DefaultExchange)[0]
		assert.Equal(t, "things.get", req.RoutingKey)
		assert.NotEmpty(t, req.Publishing.ReplyTo)
		assert.NotEmpty(t, req.Publishing.CorrelationId)
		assert.Equal(t, amqp.Transient, req.Publishing.DeliveryMode)
		assert.Equal(t, "application/json", req.Publishing.ContentType)

		replies := broker.PublishedTo("")
		require.Len(t, replies, 1)
		assert.Equal(t, req.Publishing.ReplyTo, replies[0].RoutingKey)
		assert.Equal(t, req.Publishing.CorrelationId, replies[0].Publishing.CorrelationId)
		assert.Equal(t, amqp.Transient, replies[0].Publishing.DeliveryMode)
	})

	t.Run("1 unit timeout with no server surfaces ErrTimeout", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		sink := &recordingSink{}
		client := NewClient(withBroker(broker), WithTimeout(50*time.Millisecond), WithLogger(sink))
		t.Cleanup(func() { _ = client.Shutdown() })

		start := time.Now()
		_, err := client.Publish(testContext(t), "anyone?", "nobody.home")

		assert.ErrorIs(t, err, ErrTimeout)
		var timeoutErr *TimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, "nobody.home", timeoutErr.RoutingKey)
		assert.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)
		assert.Less(t, time.Since(start), time.Second)

		for _, e := range sink.all() {
			assert.NotEqual(t, slog.LevelError, e.level, e.msg)
		}
	})

	t.Run("timeout also bounds a slow connect", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		release := make(chan struct{})
		slow := func(url string, config amqp.Config) (rabbitmq.Connection, error) {
			<-release
			return broker.Dial(url, config)
		}
		sink := &recordingSink{}
		client := NewClient(func(c *Config) { c.dialer = slow }, WithTimeout(50*time.Millisecond), WithLogger(sink))
		t.Cleanup(func() {
			close(release)
			_ = client.Shutdown()
		})

		start := time.Now()
		_, err := client.Publish(context.Background(), "anyone?", "slow.broker")

		assert.Less(t, time.Since(start), time.Second)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.ErrorIs(t, err, rabbitmq.ErrConnectionTimeout)
		var timeoutErr *TimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, "slow.broker", timeoutErr.RoutingKey)
		assert.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)
		assert.True(t, sink.has(slog.LevelWarn, "timed out waiting for reply"))
	})

	t.Run("cancelled caller context is not reported as a timeout", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client := NewClient(withBroker(broker), WithTimeout(5*time.Second))
		t.Cleanup(func() { _ = client.Shutdown() })

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)

		_, err := client.Publish(ctx, "anyone?", "nobody.home")

		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrTimeout)
	})

	t.Run("reply with a mismatched correlation id never unblocks", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client := NewClient(withBroker(broker), WithTimeout(150*time.Millisecond))
		t.Cleanup(func() { _ = client.Shutdown() })

		go func() {
			req := waitForRequest(t, broker)
			_ = broker.Publish("", req.Publishing.ReplyTo, amqp.Publishing{
				CorrelationId: "not-" + req.Publishing.CorrelationId,
				Body:          []byte(`{"status":"ok"}`),
			})
		}()

		_, err := client.Publish(testContext(t), "hello", "things.get")
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("stray reply is dropped and the matching one is delivered", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client := NewClient(withBroker(broker), WithTimeout(time.Second))
		t.Cleanup(func() { _ = client.Shutdown() })

		go func() {
			req := waitForRequest(t, broker)
			_ = broker.Publish("", req.Publishing.ReplyTo, amqp.Publishing{
				CorrelationId: "someone-else",
				Body:          []byte("stray"),
			})
			_ = broker.Publish("", req.Publishing.ReplyTo, amqp.Publishing{
				CorrelationId: req.Publishing.CorrelationId,
				Body:          []byte("mine"),
			})
		}()

		reply, err := client.Publish(testContext(t), "hello", "things.get")
		require.NoError(t, err)
		assert.Equal(t, "mine", string(reply))
	})

	t.Run("concurrent publishes each get their own reply", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client, server := newPair(t, broker)
		ctx := testContext(t)
		require.NoError(t, server.Subscribe(ctx, "echo", HandlerFunc(
			func(ctx context.Context, payload []byte) (any, error) {
				return string(payload), nil
			})))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				want := fmt.Sprintf("request-%d", i)
				reply, err := client.Publish(ctx, want, "echo")
				if assert.NoError(t, err) {
					var got string
					assert.NoError(t, client.cfg.Codec.Unmarshal(reply, &got))
					assert.Equal(t, fmt.Sprintf("%q", want), got)
				}
			}(i)
		}
		wg.Wait()

		assert.Len(t, broker.Connections(), 2)
	})

	t.Run("empty routing key is rejected before connecting", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client := NewClient(withBroker(broker))

		_, err := client.Publish(context.Background(), "x", "")

		assert.ErrorIs(t, err, ErrEmptyRoutingKey)
		assert.Empty(t, broker.Dials())
	})

	t.Run("codec errors are returned unmodified", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client := NewClient(withBroker(broker))
		codecErr := errors.New("cannot encode")

		client.cfg.Codec = failingCodec{err: codecErr}
		_, err := client.Publish(context.Background(), "x", "things.get")

		assert.Same(t, codecErr, err)
		assert.Empty(t, broker.Published())
	})

	t.Run("connection errors are returned unmodified", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.Fail(rabbitmqtest.OpDial, errors.New("connection refused"))
		client := NewClient(withBroker(broker))

		_, err := client.Publish(context.Background(), "x", "things.get")

		var connErr *rabbitmq.ConnectionError
		assert.ErrorAs(t, err, &connErr)
	})

	t.Run("reply queue is declared once per client", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client, server := newPair(t, broker)
		ctx := testContext(t)
		require.NoError(t, server.Subscribe(ctx, "echo", echoHandler()))

		for i := 0; i < 3; i++ {
			_, err := client.Publish(ctx, i, "echo")
			require.NoError(t, err)
		}

		replyTos := map[string]bool{}
		for _, m := range broker.PublishedTo(DefaultExchange) {
			replyTos[m.Publishing.ReplyTo] = true
		}
		assert.Len(t, replyTos, 1)
	})
}

func TestClientPublishResponse(t *testing.T) {
	t.Run("decodes the envelope", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client, server := newPair(t, broker)
		ctx := testContext(t)
		require.NoError(t, server.Subscribe(ctx, "things.get", echoHandler()))

		resp, err := client.PublishResponse(ctx, "abc", "things.get")

		require.NoError(t, err)
		assert.True(t, resp.OK())
		assert.Equal(t, map[string]any{"echo": `"abc"`}, resp.Data)
	})

	t.Run("client errors from handlers come back as client_error", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client, server := newPair(t, broker)
		ctx := testContext(t)
		require.NoError(t, server.Subscribe(ctx, "things.get", HandlerFunc(
			func(ctx context.Context, payload []byte) (any, error) {
				return contracts.ClientErrorResponse(contracts.NewClientError("id is required")), nil
			})))

		resp, err := client.PublishResponse(ctx, "abc", "things.get")

		require.NoError(t, err)
		assert.Equal(t, contracts.StatusClientError, resp.Status)
		assert.Equal(t, "id is required", resp.Message())
	})

	t.Run("unknown status is rejected", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client, server := newPair(t, broker)
		ctx := testContext(t)
		require.NoError(t, server.Subscribe(ctx, "things.get", HandlerFunc(
			func(ctx context.Context, payload []byte) (any, error) {
				return map[string]string{"status": "teapot"}, nil
			})))

		_, err := client.PublishResponse(ctx, "abc", "things.get")
		assert.ErrorContains(t, err, "teapot")
	})
}

func TestClientShutdown(t *testing.T) {
	t.Run("Shutdown is idempotent", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client, server := newPair(t, broker)
		ctx := testContext(t)
		require.NoError(t, server.Subscribe(ctx, "echo", echoHandler()))
		_, err := client.Publish(ctx, "x", "echo")
		require.NoError(t, err)

		assert.NoError(t, client.Shutdown())
		assert.NoError(t, client.Shutdown())

		// the server dialed first; the client's connection is the second one
		conns := broker.Connections()
		require.Len(t, conns, 2)
		clientConn := conns[1]
		assert.True(t, clientConn.IsClosed())
		assert.Equal(t, 1, clientConn.CloseCalls())
		assert.False(t, conns[0].IsClosed())
	})

	t.Run("Shutdown before any Publish does not dial", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client := NewClient(withBroker(broker))

		assert.NoError(t, client.Shutdown())
		assert.Empty(t, broker.Dials())
	})

	t.Run("Publish after Shutdown fails", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client := NewClient(withBroker(broker))
		require.NoError(t, client.Shutdown())

		_, err := client.Publish(context.Background(), "x", "echo")
		assert.ErrorIs(t, err, ErrClientClosed)
	})

	t.Run("Shutdown wakes a pending Publish", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client := NewClient(withBroker(broker), WithTimeout(5*time.Second))

		result := make(chan error, 1)
		go func() {
			_, err := client.Publish(context.Background(), "x", "nobody.home")
			result <- err
		}()
		waitForRequest(t, broker)

		require.NoError(t, client.Shutdown())

		select {
		case err := <-result:
			assert.ErrorIs(t, err, ErrClientClosed)
		case <-time.After(time.Second):
			t.Fatal("pending Publish was not released")
		}
	})

	t.Run("reply queue disappears with the client", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client := NewClient(withBroker(broker), WithTimeout(10*time.Millisecond))
		_, _ = client.Publish(context.Background(), "x", "nobody.home")
		replyTo := broker.PublishedTo(DefaultExchange)[0].Publishing.ReplyTo
		require.True(t, broker.HasQueue(replyTo))

		require.NoError(t, client.Shutdown())
		assert.False(t, broker.HasQueue(replyTo))
	})
}

func TestClientLogging(t *testing.T) {
	t.Run("events carry the component prefix", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		sink := &recordingSink{}
		client, server := newPair(t, broker, WithLogger(sink), WithLogPrefix("orders"))
		ctx := testContext(t)
		require.NoError(t, server.Subscribe(ctx, "echo", echoHandler()))

		_, err := client.Publish(ctx, "x", "echo")
		require.NoError(t, err)

		entry, ok := sink.find(slog.LevelInfo, "publishing")
		require.True(t, ok)
		assert.Equal(t, "orders", entry.attrs["component"])
		assert.Equal(t, "echo", entry.attrs["routing_key"])
		assert.NotContains(t, entry.attrs, "request")

		entry, ok = sink.find(slog.LevelInfo, "connected to RabbitMQ")
		require.True(t, ok)
		assert.Equal(t, "orders", entry.attrs["component"])
	})

	t.Run("request and response bodies are logged when enabled", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		sink := &recordingSink{}
		client, server := newPair(t, broker, WithLogger(sink), WithLogRequest(true), WithLogResponse(true))
		ctx := testContext(t)
		require.NoError(t, server.Subscribe(ctx, "echo", echoHandler()))

		_, err := client.Publish(ctx, "x", "echo")
		require.NoError(t, err)

		entry, ok := sink.find(slog.LevelInfo, "publishing")
		require.True(t, ok)
		assert.Equal(t, `"x"`, entry.attrs["request"])

		require.Eventually(t, func() bool {
			e, ok := sink.find(slog.LevelInfo, "replying")
			return ok && e.attrs["response"] != nil
		}, time.Second, time.Millisecond)
	})

	t.Run("nil sink disables logging", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		client, server := newPair(t, broker, WithLogger(nil))
		ctx := testContext(t)
		require.NoError(t, server.Subscribe(ctx, "echo", echoHandler()))

		assert.NotPanics(t, func() {
			_, err := client.Publish(ctx, "x", "echo")
			assert.NoError(t, err)
		})
	})
}

type failingCodec struct {
	err error
}

func (c failingCodec) Marshal(any) ([]byte, error) { return nil, c.err }

func (c failingCodec) Unmarshal([]byte, any) error { return c.err }

func (c failingCodec) ContentType() string { return "application/x-failing" }

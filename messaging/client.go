package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/burrow-go/contracts"
	"github.com/glimte/burrow-go/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Client publishes requests and waits for their correlated replies. A
// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	conn   *rabbitmq.ConnectionManager
	log    eventLogger
	tracer tracer

	mu          sync.Mutex
	pending     map[string]*replySlot
	channel     rabbitmq.Channel
	replyQueue  string
	consumerTag string
	started     bool
	closed      bool
	done        chan struct{}
}

// NewClient creates a client. Nothing is dialed until the first Publish.
func NewClient(opts ...Option) *Client {
	cfg := newConfig(opts)
	log := newEventLogger(cfg)

	return &Client{
		cfg:     cfg,
		conn:    cfg.connectionManager(log),
		log:     log,
		tracer:  newTracer(cfg),
		pending: make(map[string]*replySlot),
		done:    make(chan struct{}),
	}
}

// Publish encodes payload, sends it with routingKey and blocks until the
// correlated reply body arrives. The configured timeout covers the whole
// round trip, connecting included; when it elapses a *TimeoutError is
// returned.
func (c *Client) Publish(ctx context.Context, payload any, routingKey string) ([]byte, error) {
	deadline := time.Now().Add(c.cfg.Timeout)
	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if routingKey == "" {
		return nil, ErrEmptyRoutingKey
	}

	body, err := c.cfg.Codec.Marshal(payload)
	if err != nil {
		return nil, err
	}

	correlationID := uuid.NewString()
	slot := newReplySlot()

	replyTo, err := c.register(callCtx, correlationID, slot)
	if err != nil {
		return nil, c.expired(ctx, callCtx, routingKey, correlationID, err)
	}
	defer c.unregister(correlationID)

	exchange, err := c.conn.TopicExchange(callCtx)
	if err != nil {
		return nil, c.expired(ctx, callCtx, routingKey, correlationID, err)
	}

	msg := amqp.Publishing{
		ContentType:   c.cfg.Codec.ContentType(),
		DeliveryMode:  amqp.Transient,
		CorrelationId: correlationID,
		ReplyTo:       replyTo,
		Timestamp:     time.Now(),
		Body:          body,
	}

	callCtx, span := c.tracer.startPublish(callCtx, exchange.Name, routingKey, &msg)
	defer span.End()

	c.log.info(callCtx, "publishing", c.log.withRequest([]any{
		"routing_key", routingKey,
		"reply_to", replyTo,
		"correlation_id", correlationID,
	}, body)...)

	if err := exchange.Publish(callCtx, routingKey, msg); err != nil {
		err = c.expired(ctx, callCtx, routingKey, correlationID, err)
		recordError(span, err)
		return nil, err
	}

	reply, err := slot.wait(callCtx, deadline)
	if err != nil {
		err = c.expired(ctx, callCtx, routingKey, correlationID, err)
		recordError(span, err)
		return nil, err
	}

	return reply, nil
}

// expired turns err into a *TimeoutError when the round trip deadline,
// rather than the caller's own context, ended the call. Other errors are
// returned unchanged.
func (c *Client) expired(ctx, callCtx context.Context, routingKey, correlationID string, err error) error {
	if !errors.Is(err, ErrTimeout) {
		if ctx.Err() != nil || !errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return err
		}
	}

	timeoutErr := &TimeoutError{
		RoutingKey:    routingKey,
		CorrelationID: correlationID,
		Timeout:       c.cfg.Timeout,
		Timestamp:     time.Now(),
	}
	if !errors.Is(err, ErrTimeout) {
		timeoutErr.Err = err
	}

	c.log.warn(ctx, "timed out waiting for reply",
		"routing_key", routingKey,
		"correlation_id", correlationID,
		"timeout", c.cfg.Timeout,
	)
	return timeoutErr
}

// PublishResponse is Publish followed by decoding the reply into the
// response envelope.
func (c *Client) PublishResponse(ctx context.Context, payload any, routingKey string) (*contracts.Response, error) {
	body, err := c.Publish(ctx, payload, routingKey)
	if err != nil {
		return nil, err
	}

	var resp contracts.Response
	if err := c.cfg.Codec.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if !resp.Status.Valid() {
		return nil, fmt.Errorf("messaging: reply to %s has unknown status %q", routingKey, resp.Status)
	}
	return &resp, nil
}

// register records the slot for correlationID and makes sure the reply
// consumer is running. It returns the reply queue name.
func (c *Client) register(ctx context.Context, correlationID string, slot *replySlot) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", ErrClientClosed
	}
	if err := c.startLocked(ctx); err != nil {
		return "", err
	}

	c.pending[correlationID] = slot
	return c.replyQueue, nil
}

func (c *Client) unregister(correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, correlationID)
}

// startLocked declares the reply queue and starts its consumer once
func (c *Client) startLocked(ctx context.Context) error {
	if c.started {
		return nil
	}

	ch, err := c.conn.Connect(ctx)
	if err != nil {
		return err
	}

	q, err := rabbitmq.DeclareReplyQueue(ch)
	if err != nil {
		return err
	}

	tag := "burrow-client-" + uuid.NewString()
	deliveries, err := rabbitmq.StartConsumer(ch, rabbitmq.ConsumerSpec{
		Queue:       q.Name,
		ConsumerTag: tag,
		AutoAck:     true,
	})
	if err != nil {
		return err
	}

	c.channel = ch
	c.replyQueue = q.Name
	c.consumerTag = tag
	c.started = true

	go c.consumeReplies(deliveries)

	return nil
}

// consumeReplies hands each reply to the waiting Publish call. Replies
// with an unknown correlation id are dropped.
func (c *Client) consumeReplies(deliveries <-chan amqp.Delivery) {
	defer close(c.done)

	for d := range deliveries {
		c.mu.Lock()
		slot, ok := c.pending[d.CorrelationId]
		c.mu.Unlock()

		if !ok {
			continue
		}

		ctx := context.Background()
		c.log.info(ctx, "receiving", c.log.withResponse([]any{
			"correlation_id", d.CorrelationId,
			"reply_to", c.replyQueue,
		}, d.Body)...)

		slot.resolve(d.Body)
	}
}

// Shutdown stops the reply consumer and closes the connection. Publish
// calls still waiting fail with ErrClientClosed. Calling Shutdown more than
// once is safe.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	ch := c.channel
	tag := c.consumerTag
	pending := c.pending
	c.pending = make(map[string]*replySlot)
	c.mu.Unlock()

	ctx := context.Background()
	c.log.info(ctx, "shutting down", "role", "client")

	for _, slot := range pending {
		slot.reject(ErrClientClosed)
	}

	if started {
		if err := ch.Cancel(tag, false); err != nil {
			c.log.debug(ctx, "cancel reply consumer", "error", err)
		}
	}

	err := c.conn.Shutdown()

	if started {
		<-c.done
	}
	return err
}

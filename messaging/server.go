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

type subscription struct {
	routingKey  string
	queue       string
	consumerTag string
	handler     Handler
	done        chan struct{}
}

// Server consumes requests for subscribed routing keys, replies on each
// request's reply_to address and acknowledges every delivery after the
// reply attempt.
type Server struct {
	cfg    Config
	conn   *rabbitmq.ConnectionManager
	log    eventLogger
	tracer tracer
	latch  *Latch

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	subscriptions map[string]*subscription
	pending       map[string]struct{}
	closed        bool
	wg            sync.WaitGroup
}

// NewServer creates a server. Nothing is dialed until the first Subscribe.
func NewServer(opts ...Option) *Server {
	cfg := newConfig(opts)
	log := newEventLogger(cfg)
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:           cfg,
		conn:          cfg.connectionManager(log),
		log:           log,
		tracer:        newTracer(cfg),
		latch:         NewLatch(),
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[string]*subscription),
		pending:       make(map[string]struct{}),
	}
}

// Subscribe binds a new queue to routingKey and starts delivering its
// messages to handler. It returns once the consumer is running; messages
// are processed in the background, one at a time per subscription.
func (s *Server) Subscribe(ctx context.Context, routingKey string, handler Handler) error {
	if routingKey == "" {
		return ErrEmptyRoutingKey
	}
	if handler == nil {
		return ErrNilHandler
	}

	if err := s.reserve(routingKey); err != nil {
		return err
	}
	defer s.release(routingKey)

	exchange, err := s.conn.TopicExchange(ctx)
	if err != nil {
		return s.setupFailed(ctx, routingKey, "declare exchange", err)
	}
	ch, err := s.conn.Connect(ctx)
	if err != nil {
		return s.setupFailed(ctx, routingKey, "connect", err)
	}

	q, err := rabbitmq.DeclareBoundQueue(ch, exchange.Name, routingKey)
	if err != nil {
		return s.setupFailed(ctx, routingKey, "declare queue", err)
	}

	tag := "burrow-server-" + uuid.NewString()
	deliveries, err := rabbitmq.StartConsumer(ch, rabbitmq.ConsumerSpec{
		Queue:         q.Name,
		ConsumerTag:   tag,
		AutoAck:       false,
		PrefetchCount: s.cfg.Prefetch,
	})
	if err != nil {
		return s.setupFailed(ctx, routingKey, "consume", err)
	}

	sub := &subscription{
		routingKey:  routingKey,
		queue:       q.Name,
		consumerTag: tag,
		handler:     handler,
		done:        make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		// Shutdown ran while the queue was being set up
		_ = ch.Cancel(tag, false)
		return ErrServerClosed
	}
	s.subscriptions[routingKey] = sub
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.info(ctx, "subscribing",
		"routing_key", routingKey,
		"queue", q.Name,
		"exchange", exchange.Name,
	)

	go s.consume(sub, ch, deliveries)

	return nil
}

// reserve claims routingKey for a Subscribe in progress so the broker
// setup can run without holding s.mu.
func (s *Server) reserve(routingKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	_, exists := s.subscriptions[routingKey]
	_, pending := s.pending[routingKey]
	if exists || pending {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, routingKey)
	}
	s.pending[routingKey] = struct{}{}
	return nil
}

func (s *Server) release(routingKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, routingKey)
}

func (s *Server) setupFailed(ctx context.Context, routingKey, op string, err error) error {
	setupErr := &SetupError{
		RoutingKey: routingKey,
		Op:         op,
		Err:        err,
		Timestamp:  time.Now(),
	}
	s.log.error(ctx, err.Error(), "routing_key", routingKey, "op", op)
	return setupErr
}

// Unsubscribe cancels the consumer for routingKey. A delivery being
// handled at the time is finished, replied to and acknowledged first.
func (s *Server) Unsubscribe(routingKey string) error {
	s.mu.Lock()
	sub, exists := s.subscriptions[routingKey]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotSubscribed, routingKey)
	}
	delete(s.subscriptions, routingKey)
	s.mu.Unlock()

	ch, err := s.conn.Connect(s.ctx)
	if err != nil {
		return err
	}
	if err := ch.Cancel(sub.consumerTag, false); err != nil {
		return err
	}

	<-sub.done
	s.log.info(s.ctx, "unsubscribed", "routing_key", routingKey, "queue", sub.queue)
	return nil
}

func (s *Server) consume(sub *subscription, ch rabbitmq.Channel, deliveries <-chan amqp.Delivery) {
	defer s.wg.Done()
	defer close(sub.done)

	for d := range deliveries {
		s.handleDelivery(sub, ch, d)
	}
}

// handleDelivery runs the handler, replies and acknowledges. The ack
// happens exactly once, after the reply attempt, whatever the outcome.
func (s *Server) handleDelivery(sub *subscription, ch rabbitmq.Channel, d amqp.Delivery) {
	ctx, span := s.tracer.startHandle(s.ctx, &d)
	defer span.End()

	s.log.info(ctx, "receiving", s.log.withRequest([]any{
		"routing_key", d.RoutingKey,
		"correlation_id", d.CorrelationId,
		"reply_to", d.ReplyTo,
	}, d.Body)...)

	body, herr := s.invoke(ctx, sub, d)
	if herr != nil {
		recordError(span, herr)
		s.log.error(ctx, herr.Message(),
			"routing_key", d.RoutingKey,
			"correlation_id", d.CorrelationId,
			"panicked", herr.Panicked,
		)

		var err error
		body, err = s.cfg.Codec.Marshal(contracts.ServerErrorResponse(herr.Message()))
		if err != nil {
			s.log.error(ctx, err.Error(), "correlation_id", d.CorrelationId)
			body = nil
		}
	}

	if body != nil {
		s.reply(ctx, d, body)
	}
	s.ack(ctx, ch, d)
}

// invoke calls the handler and encodes its result. Handler errors, panics
// and unencodable results all come back as a *HandlerError.
func (s *Server) invoke(ctx context.Context, sub *subscription, d amqp.Delivery) (body []byte, herr *HandlerError) {
	fail := func(err error, panicked bool) *HandlerError {
		return &HandlerError{
			RoutingKey:    d.RoutingKey,
			CorrelationID: d.CorrelationId,
			Panicked:      panicked,
			Err:           err,
			Timestamp:     time.Now(),
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = errors.New(fmt.Sprint(r))
			}
			body, herr = nil, fail(err, true)
		}
	}()

	result, err := sub.handler.Handle(ctx, d.Body)
	if err != nil {
		return nil, fail(err, false)
	}

	body, err = s.cfg.Codec.Marshal(result)
	if err != nil {
		return nil, fail(err, false)
	}
	return body, nil
}

func (s *Server) reply(ctx context.Context, d amqp.Delivery, body []byte) {
	if d.ReplyTo == "" {
		s.log.warn(ctx, "request has no reply_to, not replying",
			"routing_key", d.RoutingKey,
			"correlation_id", d.CorrelationId,
		)
		return
	}

	s.log.info(ctx, "replying", s.log.withResponse([]any{
		"reply_to", d.ReplyTo,
		"correlation_id", d.CorrelationId,
	}, body)...)

	exchange, err := s.conn.DefaultExchange(ctx)
	if err != nil {
		s.log.error(ctx, err.Error(), "reply_to", d.ReplyTo, "correlation_id", d.CorrelationId)
		return
	}

	msg := amqp.Publishing{
		ContentType:   s.cfg.Codec.ContentType(),
		DeliveryMode:  amqp.Transient,
		CorrelationId: d.CorrelationId,
		Timestamp:     time.Now(),
		Body:          body,
	}
	s.tracer.inject(ctx, &msg)

	if err := exchange.Publish(ctx, d.ReplyTo, msg); err != nil {
		s.log.error(ctx, err.Error(), "reply_to", d.ReplyTo, "correlation_id", d.CorrelationId)
	}
}

func (s *Server) ack(ctx context.Context, ch rabbitmq.Channel, d amqp.Delivery) {
	s.log.info(ctx, "acknowledging",
		"delivery_tag", d.DeliveryTag,
		"correlation_id", d.CorrelationId,
	)
	if err := ch.Ack(d.DeliveryTag, false); err != nil {
		s.log.error(ctx, err.Error(), "delivery_tag", d.DeliveryTag)
	}
}

// Wait blocks the caller until StopWaiting or Shutdown is called, or ctx
// is done. After Shutdown it returns ErrServerClosed immediately.
func (s *Server) Wait(ctx context.Context) error {
	return s.latch.Wait(ctx)
}

// StopWaiting releases callers blocked in Wait. It does nothing if nobody
// is waiting.
func (s *Server) StopWaiting() {
	s.latch.StopWaiting()
}

// Shutdown stops waiting, cancels every consumer, lets in-flight
// deliveries finish and closes the connection. It is safe to call more
// than once. Calling it from inside a Handler blocks forever; use
// `go server.Shutdown()` there.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		subs = append(subs, sub)
	}
	s.subscriptions = make(map[string]*subscription)
	s.mu.Unlock()

	s.log.info(s.ctx, "shutting down", "role", "server")

	s.latch.StopWaiting()
	s.latch.Close()

	if len(subs) > 0 {
		if ch, err := s.conn.Connect(s.ctx); err == nil {
			for _, sub := range subs {
				if err := ch.Cancel(sub.consumerTag, false); err != nil {
					s.log.debug(s.ctx, "cancel consumer", "routing_key", sub.routingKey, "error", err)
				}
			}
		}
	}

	s.wg.Wait()
	s.cancel()

	return s.conn.Shutdown()
}

package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// ExchangeKindDirect is the kind of the broker's unnamed default exchange
	ExchangeKindDirect = "direct"
	// ExchangeKindTopic is the kind of the named request exchange
	ExchangeKindTopic = "topic"

	defaultHeartbeat   = 10 * time.Second
	defaultLocale      = "en_US"
	defaultDialTimeout = 30 * time.Second
)

// Exchange is a memoized handle to a declared exchange
type Exchange struct {
	Name    string
	Kind    string
	channel Channel
}

// Publish sends msg through the exchange
func (e *Exchange) Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	if err := e.channel.PublishWithContext(ctx, e.Name, routingKey, false, false, msg); err != nil {
		return &PublishError{
			Exchange:   e.Name,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// ConnectionManager owns exactly one broker connection and one channel.
// Both are created on first use and released only by Shutdown.
type ConnectionManager struct {
	url          string
	exchangeName string
	tlsOptions   TLSOptions
	verifyPeer   bool
	dial         DialFunc
	dialTimeout  time.Duration
	heartbeat    time.Duration
	logger       *slog.Logger

	mu              sync.Mutex
	conn            Connection
	channel         Channel
	defaultExchange *Exchange
	topicExchange   *Exchange
	shutdown        bool
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithExchangeName sets the name of the topic exchange
func WithExchangeName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.exchangeName = name
	}
}

// WithTLS sets the client certificate, key and trusted CA files
func WithTLS(opts TLSOptions) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.tlsOptions = opts
	}
}

// WithVerifyPeer enables or disables server certificate verification
func WithVerifyPeer(verify bool) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.verifyPeer = verify
	}
}

// WithDialer replaces the function used to open the broker connection
func WithDialer(dial DialFunc) ConnectionOption {
	return func(cm *ConnectionManager) {
		if dial != nil {
			cm.dial = dial
		}
	}
}

// WithDialTimeout bounds the TCP and handshake phase of Connect
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// NewConnectionManager creates a new connection manager. No network
// activity happens until Connect is called.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		verifyPeer:  true,
		dial:        DialAMQP,
		dialTimeout: defaultDialTimeout,
		heartbeat:   defaultHeartbeat,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection and its channel on first use and
// returns the channel. Later calls return the same channel.
func (cm *ConnectionManager) Connect(ctx context.Context) (Channel, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	return cm.connectLocked(ctx)
}

func (cm *ConnectionManager) connectLocked(ctx context.Context) (Channel, error) {
	if cm.shutdown {
		return nil, cm.connectionError("connect", ErrConnectionClosed)
	}
	if cm.channel != nil {
		// no reconnection: a channel the broker closed stays unusable
		if cm.channel.IsClosed() {
			return nil, cm.connectionError("connect", ErrChannelClosed)
		}
		return cm.channel, nil
	}

	config, err := cm.amqpConfig()
	if err != nil {
		return nil, cm.connectionError("configure tls", err)
	}

	conn, err := cm.dialWithContext(ctx, config)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, cm.connectionError("open channel", err)
	}

	cm.conn = conn
	cm.channel = ch

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))

	return ch, nil
}

// dialWithContext runs the dial in the background so a cancelled context
// abandons it. A connection that arrives late is closed.
func (cm *ConnectionManager) dialWithContext(ctx context.Context, config amqp.Config) (Connection, error) {
	connChan := make(chan Connection, 1)
	errChan := make(chan error, 1)

	url := cm.url
	if cm.secure() {
		url = strings.Replace(url, "amqp://", "amqps://", 1)
	}

	go func() {
		conn, err := cm.dial(url, config)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return conn, nil

	case err := <-errChan:
		return nil, cm.connectionError("connect", err)

	case <-ctx.Done():
		go func() {
			select {
			case conn := <-connChan:
				_ = conn.Close()
			case <-errChan:
			}
		}()
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrConnectionTimeout
		}
		return nil, cm.connectionError("connect", err)
	}
}

func (cm *ConnectionManager) amqpConfig() (amqp.Config, error) {
	config := amqp.Config{
		Heartbeat: cm.heartbeat,
		Locale:    defaultLocale,
	}
	if cm.dialTimeout > 0 {
		config.Dial = amqp.DefaultDial(cm.dialTimeout)
	}

	if cm.secure() {
		tlsConfig, err := BuildTLSConfig(cm.tlsOptions, cm.verifyPeer)
		if err != nil {
			return config, err
		}
		config.TLSClientConfig = tlsConfig
	}

	return config, nil
}

// secure reports whether the connection must use TLS: either material was
// configured or the URL already asks for amqps.
func (cm *ConnectionManager) secure() bool {
	return !cm.tlsOptions.IsZero() || strings.HasPrefix(cm.url, "amqps://")
}

// DefaultExchange returns the broker's unnamed direct exchange
func (cm *ConnectionManager) DefaultExchange(ctx context.Context) (*Exchange, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.defaultExchange != nil {
		return cm.defaultExchange, nil
	}

	ch, err := cm.connectLocked(ctx)
	if err != nil {
		return nil, err
	}

	cm.defaultExchange = &Exchange{Name: "", Kind: ExchangeKindDirect, channel: ch}
	return cm.defaultExchange, nil
}

// TopicExchange declares the durable topic exchange once and returns it
func (cm *ConnectionManager) TopicExchange(ctx context.Context) (*Exchange, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.topicExchange != nil {
		return cm.topicExchange, nil
	}
	if cm.exchangeName == "" {
		return nil, ErrExchangeNameRequired
	}

	ch, err := cm.connectLocked(ctx)
	if err != nil {
		return nil, err
	}

	if err := ch.ExchangeDeclare(
		cm.exchangeName,
		ExchangeKindTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return nil, &TopologyError{
			Component: "exchange",
			Name:      cm.exchangeName,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	cm.topicExchange = &Exchange{Name: cm.exchangeName, Kind: ExchangeKindTopic, channel: ch}
	return cm.topicExchange, nil
}

// ExchangeName returns the configured topic exchange name
func (cm *ConnectionManager) ExchangeName() string {
	return cm.exchangeName
}

// IsConnected reports whether a channel is currently held
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.channel != nil && !cm.channel.IsClosed() && !cm.shutdown
}

// Shutdown closes the channel and then the connection. It is safe to call
// more than once; only the first call does any work.
func (cm *ConnectionManager) Shutdown() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.shutdown {
		return nil
	}
	cm.shutdown = true

	var errs []error
	if cm.channel != nil && !cm.channel.IsClosed() {
		if err := cm.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		if err := cm.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}

	cm.channel = nil
	cm.conn = nil
	cm.defaultExchange = nil
	cm.topicExchange = nil

	if len(errs) > 0 {
		return cm.connectionError("shutdown", errors.Join(errs...))
	}
	return nil
}

func (cm *ConnectionManager) connectionError(op string, err error) *ConnectionError {
	return &ConnectionError{
		Op:        op,
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
	}
}

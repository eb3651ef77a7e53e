// Package rabbitmqtest provides an in-memory broker that satisfies the
// rabbitmq.Connection and rabbitmq.Channel seams. It routes through the
// default exchange and topic exchanges, tracks exclusive and auto-delete
// queues, records publishes and acknowledgements, and can inject failures
// per operation.
package rabbitmqtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/glimte/burrow-go/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Operation names accepted by Broker.Fail
const (
	OpDial            = "dial"
	OpChannel         = "channel"
	OpExchangeDeclare = "exchange.declare"
	OpQueueDeclare    = "queue.declare"
	OpQueueBind       = "queue.bind"
	OpQos             = "qos"
	OpConsume         = "consume"
	OpPublish         = "publish"
	OpAck             = "ack"
)

// PublishOp returns the failure key for publishes to a single exchange.
// Use PublishOp("") for the default exchange.
func PublishOp(exchange string) string {
	return OpPublish + ":" + exchange
}

// Message is a publish recorded by the broker
type Message struct {
	Exchange   string
	RoutingKey string
	Publishing amqp.Publishing
}

// Dial records the parameters of a dial attempt
type Dial struct {
	URL    string
	Config amqp.Config
}

type binding struct {
	queue    string
	exchange string
	key      string
}

type queue struct {
	name       string
	exclusive  bool
	autoDelete bool
	owner      *Conn
	consumers  []*consumer
	next       int
	backlog    []amqp.Delivery
}

type consumer struct {
	tag     string
	channel *Channel
	autoAck bool

	mu     sync.Mutex
	out    chan amqp.Delivery
	closed bool
}

func (c *consumer) send(d amqp.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.out <- d
}

func (c *consumer) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

// Broker is an in-memory AMQP broker
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]*queue
	bindings  []binding
	conns     []*Conn
	published []Message
	dials     []Dial
	faults    map[string]error
	seq       int
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges: map[string]string{"": rabbitmq.ExchangeKindDirect},
		queues:    make(map[string]*queue),
		faults:    make(map[string]error),
	}
}

// Fail makes every subsequent op return err. A nil err clears the fault.
func (b *Broker) Fail(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.faults, op)
		return
	}
	b.faults[op] = err
}

func (b *Broker) fault(ops ...string) error {
	for _, op := range ops {
		if err, ok := b.faults[op]; ok {
			return err
		}
	}
	return nil
}

// Dial implements rabbitmq.DialFunc
func (b *Broker) Dial(url string, config amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials = append(b.dials, Dial{URL: url, Config: config})
	if err := b.fault(OpDial); err != nil {
		return nil, err
	}

	conn := &Conn{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// Dials returns every dial attempt so far
func (b *Broker) Dials() []Dial {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Dial(nil), b.dials...)
}

// Connections returns every connection opened so far
func (b *Broker) Connections() []*Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Conn(nil), b.conns...)
}

// Published returns every message accepted by an exchange
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// PublishedTo returns the messages published to one exchange
func (b *Broker) PublishedTo(exchange string) []Message {
	var out []Message
	for _, m := range b.Published() {
		if m.Exchange == exchange {
			out = append(out, m)
		}
	}
	return out
}

// ExchangeKind returns the kind of a declared exchange
func (b *Broker) ExchangeKind(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kind, ok := b.exchanges[name]
	return kind, ok
}

// HasQueue reports whether a queue currently exists
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueCount returns the number of live queues
func (b *Broker) QueueCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues)
}

// Bindings returns the routing keys bound from exchange to queue
func (b *Broker) Bindings(exchange, queueName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for _, bd := range b.bindings {
		if bd.exchange == exchange && bd.queue == queueName {
			keys = append(keys, bd.key)
		}
	}
	return keys
}

// Acks returns the total number of acknowledgements across all channels
func (b *Broker) Acks() int {
	total := 0
	for _, conn := range b.Connections() {
		for _, ch := range conn.Channels() {
			total += len(ch.Acked())
		}
	}
	return total
}

// Publish routes a message as if a third party had published it
func (b *Broker) Publish(exchange, key string, msg amqp.Publishing) error {
	return b.route(exchange, key, msg)
}

func (b *Broker) route(exchange, key string, msg amqp.Publishing) error {
	b.mu.Lock()

	if err := b.fault(PublishOp(exchange), OpPublish); err != nil {
		b.mu.Unlock()
		return err
	}
	kind, ok := b.exchanges[exchange]
	if !ok {
		b.mu.Unlock()
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange)}
	}

	b.published = append(b.published, Message{Exchange: exchange, RoutingKey: key, Publishing: msg})

	var targets []*queue
	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			targets = append(targets, q)
		}
	} else {
		seen := make(map[string]bool)
		for _, bd := range b.bindings {
			if bd.exchange != exchange || seen[bd.queue] {
				continue
			}
			if kind == rabbitmq.ExchangeKindTopic && !TopicMatch(bd.key, key) {
				continue
			}
			if kind != rabbitmq.ExchangeKindTopic && bd.key != key {
				continue
			}
			if q, ok := b.queues[bd.queue]; ok {
				seen[bd.queue] = true
				targets = append(targets, q)
			}
		}
	}

	type pending struct {
		c *consumer
		d amqp.Delivery
	}
	var sends []pending
	for _, q := range targets {
		d := amqp.Delivery{
			Headers:       copyTable(msg.Headers),
			ContentType:   msg.ContentType,
			DeliveryMode:  msg.DeliveryMode,
			CorrelationId: msg.CorrelationId,
			ReplyTo:       msg.ReplyTo,
			MessageId:     msg.MessageId,
			Timestamp:     msg.Timestamp,
			Type:          msg.Type,
			Body:          append([]byte(nil), msg.Body...),
			Exchange:      exchange,
			RoutingKey:    key,
		}
		if len(q.consumers) == 0 {
			q.backlog = append(q.backlog, d)
			continue
		}
		c := q.consumers[q.next%len(q.consumers)]
		q.next++
		sends = append(sends, pending{c: c, d: c.channel.stamp(d, c.tag)})
	}
	b.mu.Unlock()

	for _, s := range sends {
		s.c.send(s.d)
	}
	return nil
}

func (b *Broker) removeConsumerLocked(c *consumer) {
	for name, q := range b.queues {
		for i, qc := range q.consumers {
			if qc == c {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
				if q.autoDelete && len(q.consumers) == 0 {
					b.deleteQueueLocked(name)
				}
				break
			}
		}
	}
}

func (b *Broker) deleteQueueLocked(name string) {
	delete(b.queues, name)
	kept := b.bindings[:0]
	for _, bd := range b.bindings {
		if bd.queue != name {
			kept = append(kept, bd)
		}
	}
	b.bindings = kept
}

func copyTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// TopicMatch reports whether a topic binding pattern matches a routing key.
// "*" matches exactly one word and "#" matches zero or more words.
func TopicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

// Conn is an in-memory connection
type Conn struct {
	broker *Broker

	mu         sync.Mutex
	channels   []*Channel
	closed     bool
	closeCalls int
}

// Channel implements rabbitmq.Connection
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	c.broker.mu.Lock()
	err := c.broker.fault(OpChannel)
	c.broker.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{conn: c, broker: c.broker}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Channels returns the channels opened on this connection
func (c *Conn) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

// Close implements rabbitmq.Connection. Exclusive queues owned by the
// connection are deleted.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closeCalls++
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	channels := append([]*Channel(nil), c.channels...)
	c.mu.Unlock()

	// channels the client already closed keep their close count
	for _, ch := range channels {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}

	b := c.broker
	b.mu.Lock()
	for name, q := range b.queues {
		if q.exclusive && q.owner == c {
			b.deleteQueueLocked(name)
		}
	}
	b.mu.Unlock()
	return nil
}

// IsClosed implements rabbitmq.Connection
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCalls returns how many times Close was invoked
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// Channel is an in-memory channel
type Channel struct {
	conn   *Conn
	broker *Broker

	mu         sync.Mutex
	tag        uint64
	consumers  []*consumer
	acked      []uint64
	prefetch   int
	closed     bool
	closeCalls int
}

var _ rabbitmq.Channel = (*Channel)(nil)
var _ amqp.Acknowledger = (*Channel)(nil)

func (ch *Channel) stamp(d amqp.Delivery, consumerTag string) amqp.Delivery {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.tag++
	d.DeliveryTag = ch.tag
	d.ConsumerTag = consumerTag
	d.Acknowledger = ch
	return d
}

func (ch *Channel) checkOpen() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	return nil
}

// ExchangeDeclare implements rabbitmq.Channel
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fault(OpExchangeDeclare); err != nil {
		return err
	}
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'type'"}
	}
	b.exchanges[name] = kind
	return nil
}

// QueueDeclare implements rabbitmq.Channel
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := ch.checkOpen(); err != nil {
		return amqp.Queue{}, err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fault(OpQueueDeclare); err != nil {
		return amqp.Queue{}, err
	}
	if name == "" {
		b.seq++
		name = fmt.Sprintf("amq.gen-%d", b.seq)
	}
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, exclusive: exclusive, autoDelete: autoDelete, owner: ch.conn}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.backlog), Consumers: len(q.consumers)}, nil
}

// QueueBind implements rabbitmq.Channel
func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fault(OpQueueBind); err != nil {
		return err
	}
	if _, ok := b.queues[name]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange)}
	}
	b.bindings = append(b.bindings, binding{queue: name, exchange: exchange, key: key})
	return nil
}

// Qos implements rabbitmq.Channel
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}
	ch.broker.mu.Lock()
	err := ch.broker.fault(OpQos)
	ch.broker.mu.Unlock()
	if err != nil {
		return err
	}
	ch.mu.Lock()
	ch.prefetch = prefetchCount
	ch.mu.Unlock()
	return nil
}

// Prefetch returns the last prefetch count set with Qos
func (ch *Channel) Prefetch() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.prefetch
}

// Consume implements rabbitmq.Channel
func (ch *Channel) Consume(queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if err := ch.checkOpen(); err != nil {
		return nil, err
	}
	b := ch.broker
	b.mu.Lock()
	if err := b.fault(OpConsume); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	q, ok := b.queues[queueName]
	if !ok {
		b.mu.Unlock()
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName)}
	}
	if consumerTag == "" {
		b.seq++
		consumerTag = fmt.Sprintf("ctag-%d", b.seq)
	}
	c := &consumer{tag: consumerTag, channel: ch, autoAck: autoAck, out: make(chan amqp.Delivery, 256)}
	q.consumers = append(q.consumers, c)
	backlog := q.backlog
	q.backlog = nil
	b.mu.Unlock()

	ch.mu.Lock()
	ch.consumers = append(ch.consumers, c)
	ch.mu.Unlock()

	for _, d := range backlog {
		c.send(ch.stamp(d, consumerTag))
	}
	return c.out, nil
}

// Cancel implements rabbitmq.Channel
func (ch *Channel) Cancel(consumerTag string, noWait bool) error {
	ch.mu.Lock()
	var target *consumer
	kept := ch.consumers[:0]
	for _, c := range ch.consumers {
		if c.tag == consumerTag && target == nil {
			target = c
			continue
		}
		kept = append(kept, c)
	}
	ch.consumers = kept
	ch.mu.Unlock()

	if target == nil {
		return nil
	}
	ch.broker.mu.Lock()
	ch.broker.removeConsumerLocked(target)
	ch.broker.mu.Unlock()
	target.close()
	return nil
}

// PublishWithContext implements rabbitmq.Channel
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ch.broker.route(exchange, key, msg)
}

// Ack implements rabbitmq.Channel and amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	ch.broker.mu.Lock()
	err := ch.broker.fault(OpAck)
	ch.broker.mu.Unlock()
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.acked = append(ch.acked, tag)
	return nil
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return nil
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return nil
}

// Acked returns the delivery tags acknowledged on this channel
func (ch *Channel) Acked() []uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]uint64(nil), ch.acked...)
}

// Close implements rabbitmq.Channel
func (ch *Channel) Close() error {
	ch.mu.Lock()
	ch.closeCalls++
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	ch.closed = true
	consumers := ch.consumers
	ch.consumers = nil
	ch.mu.Unlock()

	ch.broker.mu.Lock()
	for _, c := range consumers {
		ch.broker.removeConsumerLocked(c)
	}
	ch.broker.mu.Unlock()
	for _, c := range consumers {
		c.close()
	}
	return nil
}

// IsClosed implements rabbitmq.Channel
func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// CloseCalls returns how many times Close was invoked
func (ch *Channel) CloseCalls() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closeCalls
}

package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumerSpec describes a consumer to start on a queue
type ConsumerSpec struct {
	Queue         string
	ConsumerTag   string
	AutoAck       bool
	PrefetchCount int
}

// DeclareReplyQueue declares an exclusive, auto-delete queue with a
// broker-generated name. Messages reach it through the default exchange.
func DeclareReplyQueue(ch Channel) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		"",    // broker assigns the name
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp.Queue{}, &TopologyError{
			Component: "queue",
			Name:      "(reply)",
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return q, nil
}

// DeclareBoundQueue declares an anonymous exclusive, auto-delete queue and
// binds it to exchange with routingKey.
func DeclareBoundQueue(ch Channel, exchange, routingKey string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		"",
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp.Queue{}, &TopologyError{
			Component: "queue",
			Name:      routingKey,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	if err := ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
		return amqp.Queue{}, &TopologyError{
			Component: "binding",
			Name:      q.Name + "->" + exchange,
			Op:        "bind",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	return q, nil
}

// StartConsumer applies the prefetch limit and starts consuming
func StartConsumer(ch Channel, spec ConsumerSpec) (<-chan amqp.Delivery, error) {
	if spec.PrefetchCount > 0 {
		if err := ch.Qos(spec.PrefetchCount, 0, false); err != nil {
			return nil, &TopologyError{
				Component: "consumer",
				Name:      spec.Queue,
				Op:        "set qos on",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	deliveries, err := ch.Consume(
		spec.Queue,
		spec.ConsumerTag,
		spec.AutoAck,
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, &TopologyError{
			Component: "consumer",
			Name:      spec.Queue,
			Op:        "start",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	return deliveries, nil
}

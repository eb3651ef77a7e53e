package rabbitmq

import (
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/propagation"
)

var _ propagation.TextMapCarrier = PublishingCarrier{}
var _ propagation.TextMapCarrier = DeliveryCarrier{}

// PublishingCarrier exposes outgoing message headers to otel propagators
type PublishingCarrier struct {
	msg *amqp.Publishing
}

// NewPublishingCarrier wraps msg; its header table is created on first Set
func NewPublishingCarrier(msg *amqp.Publishing) PublishingCarrier {
	return PublishingCarrier{msg: msg}
}

func (c PublishingCarrier) Get(key string) string {
	return headerString(c.msg.Headers, key)
}

func (c PublishingCarrier) Set(key, val string) {
	if c.msg.Headers == nil {
		c.msg.Headers = make(amqp.Table)
	}
	c.msg.Headers[key] = val
}

func (c PublishingCarrier) Keys() []string {
	return headerKeys(c.msg.Headers)
}

// DeliveryCarrier exposes incoming message headers to otel propagators
type DeliveryCarrier struct {
	msg *amqp.Delivery
}

// NewDeliveryCarrier wraps msg
func NewDeliveryCarrier(msg *amqp.Delivery) DeliveryCarrier {
	return DeliveryCarrier{msg: msg}
}

func (c DeliveryCarrier) Get(key string) string {
	return headerString(c.msg.Headers, key)
}

func (c DeliveryCarrier) Set(key, val string) {
	if c.msg.Headers == nil {
		c.msg.Headers = make(amqp.Table)
	}
	c.msg.Headers[key] = val
}

func (c DeliveryCarrier) Keys() []string {
	return headerKeys(c.msg.Headers)
}

func headerString(headers amqp.Table, key string) string {
	v, ok := headers[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

func headerKeys(headers amqp.Table) []string {
	out := make([]string, 0, len(headers))
	for k := range headers {
		out = append(out, k)
	}
	return out
}

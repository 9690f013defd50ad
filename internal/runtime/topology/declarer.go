package topology

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	"github.com/drblury/chainflow/internal/runtime/logging"
)

// DefaultQueueType is the x-queue-type used when none is configured.
const DefaultQueueType = "quorum"

// QueueArgs returns the arguments every chainflow queue is declared with. The
// subscriber configuration uses the same table so its implicit declarations
// never conflict with the declarer's.
func QueueArgs(queueType string) amqp.Table {
	if queueType == "" {
		queueType = DefaultQueueType
	}
	return amqp.Table{"x-queue-type": queueType}
}

// Channel is the subset of *amqp.Channel the declarer needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Close() error
}

// OpenChannel opens a fresh channel for one declaration batch.
type OpenChannel func() (Channel, error)

// ConnectionOpener adapts an amqp connection.
func ConnectionOpener(conn *amqp.Connection) OpenChannel {
	return func() (Channel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

// Declarer declares exchanges, queues, dead-letter queues and bindings.
// Declaring an entity that already exists with identical parameters is a
// no-op; differing parameters yield *errors.TopologyConflictError.
type Declarer struct {
	open      OpenChannel
	queueType string
	logger    logging.ServiceLogger
}

func NewDeclarer(open OpenChannel, queueType string, logger logging.ServiceLogger) *Declarer {
	if logger == nil {
		logger = logging.NopServiceLogger()
	}
	return &Declarer{open: open, queueType: queueType, logger: logger}
}

// Declare creates every entity the descriptors reference.
func (d *Declarer) Declare(ctx context.Context, descriptors []QueueDescriptor) error {
	ch, err := d.open()
	if err != nil {
		return fmt.Errorf("open declaration channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	args := QueueArgs(d.queueType)
	exchanges := make(map[string]struct{})
	queues := make(map[string]struct{})

	declareQueue := func(name string) error {
		if _, done := queues[name]; done {
			return nil
		}
		if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
			return classify("queue", name, err)
		}
		queues[name] = struct{}{}
		return nil
	}

	for _, desc := range descriptors {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, done := exchanges[desc.Exchange]; !done {
			if err := ch.ExchangeDeclare(desc.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
				return classify("exchange", desc.Exchange, err)
			}
			exchanges[desc.Exchange] = struct{}{}
		}
		if err := declareQueue(desc.Queue); err != nil {
			return err
		}
		if err := ch.QueueBind(desc.Queue, desc.RoutingKey, desc.Exchange, false, nil); err != nil {
			return classify("binding", desc.Queue+" <- "+desc.RoutingKey, err)
		}
		if err := declareQueue(desc.DeadLetterQueue); err != nil {
			return err
		}
		d.logger.Debug("Declared queue", logging.LogFields{
			"queue":       desc.Queue,
			"routing_key": desc.RoutingKey,
			"exchange":    desc.Exchange,
			"dlq":         desc.DeadLetterQueue,
		})
	}
	return nil
}

// Depth returns the number of ready messages in a queue.
func (d *Declarer) Depth(ctx context.Context, queue string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ch, err := d.open()
	if err != nil {
		return 0, fmt.Errorf("open inspection channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, QueueArgs(d.queueType))
	if err != nil {
		return 0, fmt.Errorf("inspect queue %q: %w", queue, err)
	}
	return q.Messages, nil
}

func classify(entity, name string, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		return &errspkg.TopologyConflictError{Entity: entity, Name: name, Err: err}
	}
	return fmt.Errorf("declare %s %q: %w", entity, name, err)
}

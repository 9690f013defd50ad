package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/chainflow/internal/runtime/config"
	"github.com/drblury/chainflow/internal/runtime/envelope"
	"github.com/drblury/chainflow/internal/runtime/logging"
	"github.com/drblury/chainflow/internal/runtime/metadata"
	"github.com/drblury/chainflow/internal/runtime/retry"
	"github.com/drblury/chainflow/internal/runtime/topology"
)

var (
	AmqpConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
		return amqp.NewConnection(cfg, logger)
	}
	AmqpPublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
		return amqp.NewPublisherWithConnection(cfg, logger, conn)
	}
	AmqpSubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
		return amqp.NewSubscriberWithConnection(cfg, logger, conn)
	}
	// AmqpDial opens the plain connection used for topology declaration.
	AmqpDial = func(url string, cfg amqp091.Config) (*amqp091.Connection, error) {
		return amqp091.DialConfig(url, cfg)
	}
)

func rabbitTransport(ctx context.Context, conf *config.Config, bindings Bindings, logger watermill.LoggerAdapter) (Transport, error) {
	conn, err := dialUntilConnected(ctx, conf, logger)
	if err != nil {
		return Transport{}, err
	}

	publisher, err := AmqpPublisherFactory(exchangePublisherConfig(conf, bindings), logger, conn)
	if err != nil {
		_ = conn.Close()
		return Transport{}, fmt.Errorf("create exchange publisher: %w", err)
	}
	direct, err := AmqpPublisherFactory(directPublisherConfig(conf), logger, conn)
	if err != nil {
		_ = publisher.Close()
		_ = conn.Close()
		return Transport{}, fmt.Errorf("create direct publisher: %w", err)
	}
	subscriber, err := AmqpSubscriberFactory(subscriberConfig(conf, bindings), logger, conn)
	if err != nil {
		_ = direct.Close()
		_ = publisher.Close()
		_ = conn.Close()
		return Transport{}, fmt.Errorf("create subscriber: %w", err)
	}

	opener := newLazyChannelOpener(conf.RabbitMQURL, conf.ConnectionName+"-topology")
	declarer := topology.NewDeclarer(opener.open, conf.QueueType, logging.NewWatermillServiceLogger(logger))

	return Transport{
		Publisher:    publisher,
		Direct:       direct,
		Subscriber:   subscriber,
		Declarer:     declarer,
		Connected:    conn.IsConnected,
		Capabilities: RabbitMQCapabilities,
		closers:      []func() error{publisher.Close, direct.Close, subscriber.Close, conn.Close, opener.close},
	}, nil
}

// dialUntilConnected retries the first connection with backoff until the
// broker accepts it or ctx is done. Later losses are handled by the
// wrapper's own reconnect loop.
func dialUntilConnected(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	b := retry.NewBackOff(conf.ReconnectInitialInterval, conf.ReconnectMaxInterval, 2, 0.5)
	for attempt := 1; ; attempt++ {
		conn, err := AmqpConnectionFactory(connectionConfig(conf), logger)
		if err == nil {
			return conn, nil
		}
		delay := b.NextBackOff()
		logger.Error("RabbitMQ unreachable, retrying", err, watermill.LogFields{
			"attempt":  attempt,
			"retry_in": delay.String(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("connect rabbitmq: %w", errors.Join(err, ctx.Err()))
		case <-timer.C:
		}
	}
}

func connectionConfig(conf *config.Config) amqp.ConnectionConfig {
	return amqp.ConnectionConfig{
		AmqpURI: conf.RabbitMQURL,
		AmqpConfig: &amqp091.Config{
			Properties: amqp091.Table{"connection_name": conf.ConnectionName},
		},
		Reconnect: amqp.DefaultReconnectConfig(),
	}
}

// marshaler stamps the category tag into the AMQP content-type.
func marshaler() amqp.DefaultMarshaler {
	return amqp.DefaultMarshaler{
		PostprocessPublishing: func(p amqp091.Publishing) amqp091.Publishing {
			p.ContentType = ContentType(p.Headers[metadata.KeyCategoryTag])
			return p
		},
	}
}

// ContentType renders the content-type header of an envelope with the given
// category tag header value.
func ContentType(tag any) string {
	s, _ := tag.(string)
	if n, err := strconv.ParseUint(s, 10, 8); err == nil {
		return fmt.Sprintf("application/x-chainflow-envelope; category=%s", envelope.Category(n))
	}
	return "application/x-chainflow-envelope"
}

// exchangePublisherConfig publishes to the network topic exchange with the
// watermill topic used as routing key, waiting for publisher confirms.
func exchangePublisherConfig(conf *config.Config, bindings Bindings) amqp.Config {
	exchange := bindings.Exchange
	return amqp.Config{
		Connection: connectionConfig(conf),
		Marshaler:  marshaler(),
		Exchange: amqp.ExchangeConfig{
			GenerateName: func(string) string { return exchange },
			Type:         amqp091.ExchangeTopic,
			Durable:      true,
		},
		Publish: amqp.PublishConfig{
			GenerateRoutingKey: func(topic string) string { return topic },
			ConfirmDelivery:    true,
			ChannelPoolSize:    4,
		},
		TopologyBuilder: &amqp.DefaultTopologyBuilder{},
	}
}

// directPublisherConfig publishes through the default exchange so the topic
// addresses a queue by name.
func directPublisherConfig(conf *config.Config) amqp.Config {
	return amqp.Config{
		Connection: connectionConfig(conf),
		Marshaler:  marshaler(),
		Exchange: amqp.ExchangeConfig{
			GenerateName: func(string) string { return "" },
		},
		Publish: amqp.PublishConfig{
			GenerateRoutingKey: func(topic string) string { return topic },
			ConfirmDelivery:    true,
			ChannelPoolSize:    4,
		},
		TopologyBuilder: &amqp.DefaultTopologyBuilder{},
	}
}

// subscriberConfig consumes the queue named by the topic. Its implicit
// declarations match the declarer's: same durability, same queue arguments,
// same bindings.
func subscriberConfig(conf *config.Config, bindings Bindings) amqp.Config {
	return amqp.Config{
		Connection: connectionConfig(conf),
		Marshaler:  marshaler(),
		Exchange: amqp.ExchangeConfig{
			GenerateName: func(queue string) string {
				if d, ok := bindings.Descriptor(queue); ok {
					return d.Exchange
				}
				return ""
			},
			Type:    amqp091.ExchangeTopic,
			Durable: true,
		},
		Queue: amqp.QueueConfig{
			GenerateName: func(queue string) string { return queue },
			Durable:      true,
			Arguments:    topology.QueueArgs(conf.QueueType),
		},
		QueueBind: amqp.QueueBindConfig{
			GenerateRoutingKey: func(queue string) string {
				if d, ok := bindings.Descriptor(queue); ok {
					return d.RoutingKey
				}
				return queue
			},
		},
		Consume: amqp.ConsumeConfig{
			Consumer: conf.ConnectionName,
			Qos: amqp.QosConfig{
				PrefetchCount: conf.Prefetch,
			},
		},
		TopologyBuilder: &amqp.DefaultTopologyBuilder{},
	}
}

// lazyChannelOpener keeps one plain amqp091 connection for declarations and
// depth checks, redialing when it was closed.
type lazyChannelOpener struct {
	url  string
	name string

	mu   sync.Mutex
	conn *amqp091.Connection
}

func newLazyChannelOpener(url, name string) *lazyChannelOpener {
	return &lazyChannelOpener{url: url, name: name}
}

func (o *lazyChannelOpener) open() (topology.Channel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.conn == nil || o.conn.IsClosed() {
		conn, err := AmqpDial(o.url, amqp091.Config{
			Properties: amqp091.Table{"connection_name": o.name},
		})
		if err != nil {
			return nil, fmt.Errorf("dial rabbitmq: %w", err)
		}
		o.conn = conn
	}
	ch, err := o.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (o *lazyChannelOpener) close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == nil || o.conn.IsClosed() {
		return nil
	}
	return o.conn.Close()
}

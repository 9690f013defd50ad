package runtime

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/chainflow/internal/runtime/config"
	"github.com/drblury/chainflow/internal/runtime/envelope"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	"github.com/drblury/chainflow/internal/runtime/ids"
	"github.com/drblury/chainflow/internal/runtime/logging"
	"github.com/drblury/chainflow/internal/runtime/metadata"
	"github.com/drblury/chainflow/internal/runtime/topology"
)

// Producer publishes envelopes onto the network exchange. It never retries;
// a *errors.PublishError tells the caller the broker did not confirm.
type Producer struct {
	publisher      message.Publisher
	network        topology.Network
	resolver       topology.Resolver
	confirmTimeout time.Duration
	logger         logging.ServiceLogger
	metrics        *Metrics
}

// NewProducer builds a Producer publishing through publisher, whose topic is
// the routing key.
func NewProducer(publisher message.Publisher, conf *config.Config, logger logging.ServiceLogger) (*Producer, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	network, err := conf.ParsedNetwork()
	if err != nil {
		return nil, err
	}
	timeout := conf.PublishConfirmTimeout
	if timeout <= 0 {
		timeout = config.Config{}.WithDefaults().PublishConfirmTimeout
	}
	return &Producer{
		publisher:      publisher,
		network:        network,
		resolver:       conf.Resolver(),
		confirmTimeout: timeout,
		logger:         logger,
	}, nil
}

// WithMetrics records confirmation results on m.
func (p *Producer) WithMetrics(m *Metrics) *Producer {
	p.metrics = m
	return p
}

// Publish sends a live envelope to every queue bound to its category.
func (p *Producer) Publish(ctx context.Context, env envelope.Envelope) error {
	if env.Category.Control() {
		return errspkg.ErrControlEnvelope
	}
	return p.publish(ctx, p.resolver.RoutingKey(p.network, env.Category, false), env, false)
}

// PublishBackfill sends a historical envelope to the backfill queues.
func (p *Producer) PublishBackfill(ctx context.Context, env envelope.Envelope) error {
	if env.Category.Control() {
		return errspkg.ErrControlEnvelope
	}
	return p.publish(ctx, p.resolver.RoutingKey(p.network, env.Category, true), env, true)
}

// CompleteBackfill publishes the sentinel that ends the backfill of cat.
func (p *Producer) CompleteBackfill(ctx context.Context, cat envelope.Category, done envelope.BackfillComplete) error {
	if cat.Control() || !cat.Known() {
		return fmt.Errorf("%w: %s", errspkg.ErrDataEnvelopeRequired, cat)
	}
	env := envelope.Wrap(nil, done.LastSlot, done)
	return p.publish(ctx, p.resolver.RoutingKey(p.network, cat, true), env, true)
}

// RequestBackfill asks the event source to replay history onto the backfill
// stream. It implements dispatch.BackfillRequester.
func (p *Producer) RequestBackfill(ctx context.Context, req envelope.BackfillRequest) error {
	if req.RequestID == "" {
		req.RequestID = ids.New()
	}
	env := envelope.Wrap(nil, req.FromSlot, req)
	return p.publish(ctx, p.resolver.ResolveControl(p.network).RoutingKey, env, false)
}

// publish waits for the broker confirmation for at most the confirm timeout.
// The message may still land after a timeout.
func (p *Producer) publish(ctx context.Context, routingKey string, env envelope.Envelope, backfill bool) error {
	msg := NewMessage(env, p.network, backfill)
	if ctx != nil {
		msg.SetContext(ctx)
	} else {
		ctx = context.Background()
	}

	done := make(chan error, 1)
	go func() { done <- p.publisher.Publish(routingKey, msg) }()

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-done:
	case <-timer.C:
		err = fmt.Errorf("no confirmation within %s", p.confirmTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	if p.metrics != nil {
		p.metrics.Published(routingKey, err == nil)
	}
	if err != nil {
		p.logger.Error("Publish not confirmed", err, logging.LogFields{
			"routing_key":  routingKey,
			"message_uuid": msg.UUID,
			"slot":         env.Slot,
		})
		return &errspkg.PublishError{Kind: errspkg.PublishNotConfirmed, RoutingKey: routingKey, Err: err}
	}
	p.logger.Trace("Published envelope", logging.LogFields{
		"routing_key":  routingKey,
		"message_uuid": msg.UUID,
		"slot":         env.Slot,
	})
	return nil
}

// NewMessage encodes env into a Watermill message carrying the standard
// chainflow metadata.
func NewMessage(env envelope.Envelope, network topology.Network, backfill bool) *message.Message {
	msg := message.NewMessage(ids.New(), envelope.Encode(env))
	msg.Metadata.Set(metadata.KeyCategoryTag, strconv.Itoa(int(env.Category)))
	msg.Metadata.Set(metadata.KeySchemaVersion, strconv.Itoa(int(env.SchemaVersion)))
	msg.Metadata.Set(metadata.KeySlot, strconv.FormatUint(env.Slot, 10))
	msg.Metadata.Set(metadata.KeyPartitionKey, env.KeyHex())
	msg.Metadata.Set(metadata.KeyNetwork, string(network))
	msg.Metadata.Set(metadata.KeyCorrelationID, ids.New())
	if backfill {
		msg.Metadata.Set(metadata.KeyBackfill, "true")
	}
	metadata.SetFirstSeenAt(msg.Metadata, time.Now())
	return msg
}

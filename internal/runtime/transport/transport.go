// Package transport builds the broker connections used by producers and
// dispatchers.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/chainflow/internal/runtime/config"
	"github.com/drblury/chainflow/internal/runtime/envelope"
	"github.com/drblury/chainflow/internal/runtime/topology"
)

// Declarer declares and inspects broker entities.
type Declarer interface {
	Declare(ctx context.Context, descriptors []topology.QueueDescriptor) error
	Depth(ctx context.Context, queue string) (int, error)
}

// Transport bundles everything a process needs to talk to the broker.
type Transport struct {
	// Publisher publishes to the network exchange; the topic is the routing
	// key.
	Publisher message.Publisher
	// Direct publishes straight to a queue; the topic is the queue name. It
	// carries requeued and dead-lettered messages.
	Direct message.Publisher
	// Subscriber consumes a queue; the topic is the queue name.
	Subscriber message.Subscriber
	// Declarer is nil for transports that need no declaration.
	Declarer Declarer
	// Connected reports whether the broker connection is currently up.
	Connected    func() bool
	Capabilities Capabilities

	closers []func() error
}

// Close releases the publishers, subscriber and connection, in that order.
func (t Transport) Close() error {
	var errs []error
	for _, c := range t.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Factory abstracts how chainflow initialises message transports.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// DefaultFactory returns DefaultRegistry, which selects the transport by
// Config.PubSubSystem.
func DefaultFactory() Factory {
	return DefaultRegistry
}

// Bindings indexes every descriptor of a network by queue and routing key.
type Bindings struct {
	Network  topology.Network
	Exchange string
	ordered  []topology.QueueDescriptor
	byQueue  map[string]topology.QueueDescriptor
	byKey    map[string][]string
}

// BindingsFor computes the bindings of every mode and data category of the
// configured network, plus the control queue, so producers and consumers of
// any mode share one transport.
func BindingsFor(conf *config.Config) (Bindings, error) {
	net, err := conf.ParsedNetwork()
	if err != nil {
		return Bindings{}, err
	}
	r := conf.Resolver()
	var descs []topology.QueueDescriptor
	for _, mode := range []topology.Mode{topology.ModeAll, topology.ModeNormal} {
		descs = append(descs, r.Descriptors(net, mode, envelope.DataCategories())...)
	}
	descs = append(descs, r.ResolveControl(net))
	return NewBindings(net, r.Exchange(net), descs), nil
}

func NewBindings(net topology.Network, exchange string, descs []topology.QueueDescriptor) Bindings {
	b := Bindings{
		Network:  net,
		Exchange: exchange,
		byQueue:  make(map[string]topology.QueueDescriptor, len(descs)),
		byKey:    make(map[string][]string),
	}
	for _, d := range descs {
		if _, dup := b.byQueue[d.Queue]; dup {
			continue
		}
		b.byQueue[d.Queue] = d
		b.ordered = append(b.ordered, d)
		b.byKey[d.RoutingKey] = append(b.byKey[d.RoutingKey], d.Queue)
	}
	return b
}

// Descriptor returns the descriptor of a bound queue.
func (b Bindings) Descriptor(queue string) (topology.QueueDescriptor, bool) {
	d, ok := b.byQueue[queue]
	return d, ok
}

// Queues returns the queues bound to a routing key.
func (b Bindings) Queues(routingKey string) []string {
	return b.byKey[routingKey]
}

// Descriptors returns every bound descriptor in declaration order.
func (b Bindings) Descriptors() []topology.QueueDescriptor {
	return append([]topology.QueueDescriptor(nil), b.ordered...)
}

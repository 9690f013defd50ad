package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/chainflow/internal/runtime/config"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
)

// Builder creates a transport serving the given bindings.
type Builder func(ctx context.Context, conf *config.Config, bindings Bindings, logger watermill.LoggerAdapter) (Transport, error)

// Registry maps Config.PubSubSystem values to builders. It implements
// Factory.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// DefaultRegistry knows the rabbitmq and channel transports.
var DefaultRegistry = newDefaultRegistry()

func newDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(config.PubSubRabbitMQ, rabbitTransport)
	r.Register(config.PubSubChannel, func(_ context.Context, conf *config.Config, bindings Bindings, logger watermill.LoggerAdapter) (Transport, error) {
		return channelTransport(conf, bindings, logger)
	})
	return r
}

func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds or replaces the builder for name.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[strings.ToLower(name)] = builder
}

// Names returns the registered transport names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has returns true if a transport is registered with the given name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[strings.ToLower(name)]
	return ok
}

// Build computes the network bindings and hands them to the builder
// registered for conf.PubSubSystem. An empty system means rabbitmq.
func (r *Registry) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, errspkg.ErrConfigRequired
	}
	name := strings.ToLower(conf.PubSubSystem)
	if name == "" {
		name = config.PubSubRabbitMQ
	}

	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()
	if !ok {
		return Transport{}, fmt.Errorf("unsupported pubsub system %q (registered: %v)", conf.PubSubSystem, r.Names())
	}

	bindings, err := BindingsFor(conf)
	if err != nil {
		return Transport{}, err
	}
	return builder(ctx, conf, bindings, logger)
}

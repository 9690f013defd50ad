package transport

// Capabilities describes what a transport backend can do for the dispatcher
// and producer.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// CompetingConsumers indicates several subscriptions on one queue share
	// its deliveries. When false every subscription receives a copy, so the
	// dispatcher runs a single worker slot per queue.
	CompetingConsumers bool

	// PublisherConfirms indicates Publish returns only after the broker
	// durably accepted the message.
	PublisherConfirms bool

	// Durable indicates queued messages survive a process restart.
	Durable bool

	// RequiresDeclaration indicates exchanges and queues must be declared
	// before consuming.
	RequiresDeclaration bool
}

// MaxSlots caps the configured worker count for one queue.
func (c Capabilities) MaxSlots(workers int) int {
	if workers < 1 {
		workers = 1
	}
	if !c.CompetingConsumers {
		return 1
	}
	return workers
}

var (
	RabbitMQCapabilities = Capabilities{
		Name:                "rabbitmq",
		CompetingConsumers:  true,
		PublisherConfirms:   true,
		Durable:             true,
		RequiresDeclaration: true,
	}

	// ChannelCapabilities for the in-process Go channel transport.
	ChannelCapabilities = Capabilities{
		Name: "channel",
	}
)

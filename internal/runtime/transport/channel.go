package transport

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/chainflow/internal/runtime/config"
)

var (
	GoChannelFactory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
		return gochannel.NewGoChannel(cfg, logger)
	}
)

// channelTransport runs the whole topology in process. gochannel topics are
// queue names; the exchange publisher fans a routing key out to every queue
// bound to it. Persistence lets a late subscriber see earlier messages, which
// stands in for a broker queue holding its backlog.
func channelTransport(_ *config.Config, bindings Bindings, logger watermill.LoggerAdapter) (Transport, error) {
	pubSub := GoChannelFactory(gochannel.Config{
		OutputChannelBuffer: 64,
		Persistent:          true,
	}, logger)

	return Transport{
		Publisher:    &fanoutPublisher{bindings: bindings, queues: pubSub},
		Direct:       pubSub,
		Subscriber:   pubSub,
		Connected:    func() bool { return true },
		Capabilities: ChannelCapabilities,
		closers:      []func() error{pubSub.Close},
	}, nil
}

// fanoutPublisher emulates a topic exchange with exact-match bindings.
type fanoutPublisher struct {
	bindings Bindings
	queues   message.Publisher
}

func (p *fanoutPublisher) Publish(routingKey string, messages ...*message.Message) error {
	for _, queue := range p.bindings.Queues(routingKey) {
		copies := make([]*message.Message, len(messages))
		for i, msg := range messages {
			copies[i] = msg.Copy()
		}
		if err := p.queues.Publish(queue, copies...); err != nil {
			return err
		}
	}
	return nil
}

func (p *fanoutPublisher) Close() error {
	return nil
}

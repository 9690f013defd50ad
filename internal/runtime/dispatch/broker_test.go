package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

var errBrokerDown = errors.New("broker down")

// fakeBroker is an in-memory queue broker with per-delivery ack/nack,
// redelivery of unacknowledged messages and simulated connection loss.
type fakeBroker struct {
	mu          sync.Mutex
	queues      map[string][]*message.Message
	published   map[string][]*message.Message
	acks        map[string]int
	nacks       map[string]int
	failPublish map[string]error
	subs        map[*fakeSub]struct{}
	notify      chan struct{}
	connected   bool
}

type fakeSub struct {
	topic    string
	kill     chan struct{}
	killOnce sync.Once
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:      make(map[string][]*message.Message),
		published:   make(map[string][]*message.Message),
		acks:        make(map[string]int),
		nacks:       make(map[string]int),
		failPublish: make(map[string]error),
		subs:        make(map[*fakeSub]struct{}),
		notify:      make(chan struct{}),
		connected:   true,
	}
}

func (b *fakeBroker) Publish(topic string, msgs ...*message.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failPublish[topic]; err != nil {
		return err
	}
	if !b.connected {
		return errBrokerDown
	}
	for _, msg := range msgs {
		stored := msg.Copy()
		b.queues[topic] = append(b.queues[topic], stored)
		b.published[topic] = append(b.published[topic], stored)
	}
	b.wakeLocked()
	return nil
}

func (b *fakeBroker) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, errBrokerDown
	}
	sub := &fakeSub{topic: topic, kill: make(chan struct{})}
	b.subs[sub] = struct{}{}
	out := make(chan *message.Message)
	go b.serve(ctx, sub, out)
	return out, nil
}

func (b *fakeBroker) Close() error { return nil }

// serve delivers one message at a time and waits for its settlement, like a
// channel with prefetch 1. Cancelling ctx stops new deliveries but the
// outstanding one is still settled. Killing the subscription returns the
// outstanding delivery to the queue.
func (b *fakeBroker) serve(ctx context.Context, sub *fakeSub, out chan<- *message.Message) {
	defer func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		close(out)
	}()

	for {
		msg, wait := b.next(sub.topic)
		if msg == nil {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return
			case <-sub.kill:
				return
			}
		}

		delivery := msg.Copy()
		select {
		case out <- delivery:
		case <-ctx.Done():
			b.requeue(sub.topic, msg)
			return
		case <-sub.kill:
			b.requeue(sub.topic, msg)
			return
		}

		select {
		case <-delivery.Acked():
			b.mu.Lock()
			b.acks[sub.topic]++
			b.mu.Unlock()
		case <-delivery.Nacked():
			b.mu.Lock()
			b.nacks[sub.topic]++
			b.mu.Unlock()
			b.requeue(sub.topic, msg)
		case <-sub.kill:
			b.requeue(sub.topic, msg)
			return
		}
	}
}

func (b *fakeBroker) next(topic string) (*message.Message, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[topic]
	if len(q) == 0 {
		return nil, b.notify
	}
	b.queues[topic] = q[1:]
	return q[0], nil
}

func (b *fakeBroker) requeue(topic string, msg *message.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[topic] = append([]*message.Message{msg}, b.queues[topic]...)
	b.wakeLocked()
}

func (b *fakeBroker) wakeLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *fakeBroker) disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	for sub := range b.subs {
		sub.killOnce.Do(func() { close(sub.kill) })
	}
}

func (b *fakeBroker) reconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBroker) failPublishTo(topic string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failPublish, topic)
		return
	}
	b.failPublish[topic] = err
}

func (b *fakeBroker) ackCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks[topic]
}

func (b *fakeBroker) nackCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nacks[topic]
}

func (b *fakeBroker) pending(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[topic])
}

func (b *fakeBroker) publishedTo(topic string) []*message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*message.Message(nil), b.published[topic]...)
}

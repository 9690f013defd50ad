package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/chainflow/internal/runtime/envelope"
	"github.com/drblury/chainflow/internal/runtime/ids"
	"github.com/drblury/chainflow/internal/runtime/logging"
	"github.com/drblury/chainflow/internal/runtime/metadata"
	"github.com/drblury/chainflow/internal/runtime/retry"
	"github.com/drblury/chainflow/internal/runtime/topology"
)

var (
	errDrained            = errors.New("backfill drained")
	errConnectionLost     = errors.New("broker connection lost")
	errSubscriptionClosed = errors.New("subscription closed")
)

type runner struct {
	d    *Dispatcher
	desc topology.QueueDescriptor
	log  logging.ServiceLogger

	mu    sync.Mutex
	state State
	since time.Time

	inFlight     atomic.Int64
	retrying     atomic.Int64
	reconnects   atomic.Int64
	delivered    atomic.Int64
	lastDelivery atomic.Int64

	// requested is only touched by the run goroutine.
	requested bool
	drainOnce sync.Once
	drain     chan struct{}
}

func newRunner(d *Dispatcher, desc topology.QueueDescriptor) *runner {
	return &runner{
		d:    d,
		desc: desc,
		log: d.deps.Logger.With(logging.LogFields{
			"queue":    desc.Queue,
			"category": desc.Category.String(),
			"mode":     string(desc.Mode),
			"backfill": desc.Backfill,
		}),
		state: Idle,
		since: time.Now(),
		drain: make(chan struct{}),
	}
}

func (r *runner) run(ctx context.Context) error {
	bo := retry.NewBackOff(r.d.opts.ReconnectInitialInterval, r.d.opts.ReconnectMaxInterval, 2, 0.5)
	for {
		started := time.Now()
		err := r.session(ctx)
		switch {
		case ctx.Err() != nil:
			r.setState(Idle)
			return nil
		case errors.Is(err, errDrained):
			r.setState(Idle)
			r.log.Info("Backfill queue drained", logging.LogFields{"delivered": r.delivered.Load()})
			r.d.backfillFinished()
			return nil
		}

		r.setState(Faulted)
		r.log.Error("Queue faulted", err, nil)
		if time.Since(started) > bo.MaxInterval {
			bo.Reset()
		}
		if !r.awaitReconnect(ctx, bo) {
			r.setState(Idle)
			return nil
		}
		r.reconnects.Add(1)
		r.d.observer.Reconnected(r.desc.Queue)
	}
}

// awaitReconnect sleeps with backoff until the broker reports a connection.
// It returns false if ctx ended first.
func (r *runner) awaitReconnect(ctx context.Context, bo interface{ NextBackOff() time.Duration }) bool {
	for {
		timer := time.NewTimer(bo.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		if r.d.connected() {
			return true
		}
		r.log.Debug("Broker still unreachable", nil)
	}
}

// session subscribes every slot and consumes until the subscription is lost,
// the backfill drained or ctx ends.
func (r *runner) session(ctx context.Context) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.setState(Connected)
	outs := make([]<-chan *message.Message, 0, r.d.opts.Workers)
	for range r.d.opts.Workers {
		out, err := r.d.deps.Subscriber.Subscribe(sctx, r.desc.Queue)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", r.desc.Queue, err)
		}
		outs = append(outs, out)
	}

	if r.desc.Backfill && !r.requested {
		if err := r.requestBackfill(sctx); err != nil {
			return err
		}
		r.requested = true
	}

	r.setState(Consuming)
	if r.draining() {
		r.setState(Draining)
	}

	g, gctx := errgroup.WithContext(sctx)
	for _, out := range outs {
		g.Go(func() error { return r.consume(gctx, out) })
	}
	g.Go(func() error { return r.watch(gctx) })
	return g.Wait()
}

func (r *runner) requestBackfill(ctx context.Context) error {
	req := envelope.BackfillRequest{
		RequestID:  ids.New(),
		Categories: []envelope.Category{r.desc.Category},
		ReplyQueue: r.desc.Queue,
	}
	if err := r.d.deps.Requester.RequestBackfill(ctx, req); err != nil {
		return fmt.Errorf("request backfill: %w", err)
	}
	r.log.Info("Backfill requested", logging.LogFields{"request_id": req.RequestID})
	return nil
}

func (r *runner) consume(ctx context.Context, out <-chan *message.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-out:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errSubscriptionClosed
			}
			r.handle(ctx, msg)
		}
	}
}

func (r *runner) watch(ctx context.Context) error {
	ticker := time.NewTicker(r.d.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if !r.d.connected() {
			return errConnectionLost
		}
		if r.drained() {
			return errDrained
		}
	}
}

func (r *runner) handle(ctx context.Context, msg *message.Message) {
	r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	r.touch()
	defer r.touch()
	start := time.Now()

	env, err := envelope.Decode(msg.Payload)
	if err == nil && env.Category == envelope.CategoryBackfillComplete {
		r.complete(msg, env)
		return
	}
	if err == nil {
		err = r.apply(msg, env)
	}

	retries := metadata.RetryCount(msg.Metadata)
	outcome := r.d.opts.Policy.Decide(err, retries)
	if outcome.Decision != retry.Ack {
		r.log.Debug("Delivery not applied", logging.LogFields{
			"message_uuid": msg.UUID,
			"decision":     outcome.Decision.String(),
			"retry_count":  retries,
			"reason":       outcome.Reason,
		})
	}
	r.settle(ctx, msg, outcome, retries)
	r.delivered.Add(1)
	r.d.observer.Delivered(r.desc.Queue, outcome.Decision, time.Since(start))
}

// apply runs the handler chain detached from the session context so a write
// already in progress finishes under HandlerTimeout during shutdown.
func (r *runner) apply(msg *message.Message, env envelope.Envelope) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(msg.Context()), r.d.opts.HandlerTimeout)
	defer cancel()
	msg.SetContext(WithEnvelope(ctx, env))
	_, err := r.d.handler(msg)
	return err
}

func (r *runner) complete(msg *message.Message, env envelope.Envelope) {
	ev, err := env.Event()
	if err != nil {
		r.deadLetter(msg, retry.Outcome{Decision: retry.DeadLetter, Reason: err.Error()}, 0)
		return
	}
	done, _ := ev.(envelope.BackfillComplete)
	fields := logging.LogFields{
		"request_id": done.RequestID,
		"last_slot":  done.LastSlot,
		"published":  done.Published,
	}
	if !r.desc.Backfill {
		r.log.Info("Ignoring backfill sentinel on live queue", fields)
		msg.Ack()
		return
	}
	r.log.Info("Backfill sentinel received", fields)
	r.drainOnce.Do(func() {
		close(r.drain)
		r.setState(Draining)
	})
	msg.Ack()
}

func (r *runner) settle(ctx context.Context, msg *message.Message, outcome retry.Outcome, retries int) {
	switch outcome.Decision {
	case retry.Ack:
		msg.Ack()
	case retry.Requeue:
		r.requeue(ctx, msg, outcome, retries)
	case retry.DeadLetter:
		r.deadLetter(msg, outcome, retries)
	default:
		msg.Nack()
	}
}

// requeue waits out the backoff, republishes the delivery to its own queue
// with the retry counter incremented and acks the original.
func (r *runner) requeue(ctx context.Context, msg *message.Message, outcome retry.Outcome, retries int) {
	r.retrying.Add(1)
	defer r.retrying.Add(-1)

	timer := time.NewTimer(outcome.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.log.Debug("Retry wait interrupted, returning delivery", logging.LogFields{"message_uuid": msg.UUID})
		msg.Nack()
		return
	case <-timer.C:
	}

	next := msg.Copy()
	next.UUID = ids.New()
	metadata.SetRetryCount(next.Metadata, retries+1)
	metadata.SetFirstSeenAt(next.Metadata, time.Now())
	if err := r.d.deps.Republisher.Publish(r.desc.Queue, next); err != nil {
		r.log.Error("Requeue failed, returning delivery", err, logging.LogFields{"message_uuid": msg.UUID})
		msg.Nack()
		return
	}
	msg.Ack()
}

// deadLetter copies the delivery to the dead-letter queue with the reason
// appended and acks the original.
func (r *runner) deadLetter(msg *message.Message, outcome retry.Outcome, retries int) {
	dl := message.NewMessage(ids.New(), envelope.EncodeDeadLetter(msg.Payload, outcome.Reason))
	for k, v := range msg.Metadata {
		dl.Metadata.Set(k, v)
	}
	dl.Metadata.Set(metadata.KeyFailureReason, outcome.Reason)
	dl.Metadata.Set(metadata.KeyOriginalQueue, r.desc.Queue)
	dl.Metadata.Set(metadata.KeyDeadLetteredAt, time.Now().UTC().Format(time.RFC3339Nano))

	if err := r.d.deps.Republisher.Publish(r.desc.DeadLetterQueue, dl); err != nil {
		r.log.Error("Dead-letter publish failed, returning delivery", err, logging.LogFields{"message_uuid": msg.UUID})
		msg.Nack()
		return
	}

	age := ids.Age(msg.UUID)
	if first, ok := metadata.FirstSeenAt(msg.Metadata); ok {
		age = time.Since(first)
	}
	r.log.Info("Delivery dead-lettered", logging.LogFields{
		"message_uuid": msg.UUID,
		"dlq":          r.desc.DeadLetterQueue,
		"reason":       outcome.Reason,
	})
	r.d.observer.DeadLettered(r.desc.Queue, outcome.Reason, retries, age)
	msg.Ack()
}

func (r *runner) touch() {
	r.lastDelivery.Store(time.Now().UnixNano())
}

func (r *runner) draining() bool {
	select {
	case <-r.drain:
		return true
	default:
		return false
	}
}

func (r *runner) drained() bool {
	if !r.draining() || r.inFlight.Load() > 0 || r.retrying.Load() > 0 {
		return false
	}
	last := time.Unix(0, r.lastDelivery.Load())
	return time.Since(last) >= r.d.opts.DrainQuietPeriod
}

func (r *runner) setState(next State) {
	r.mu.Lock()
	prev := r.state
	if prev == next {
		r.mu.Unlock()
		return
	}
	r.state = next
	r.since = time.Now()
	r.mu.Unlock()

	r.log.Debug("Queue state changed", logging.LogFields{"from": prev.String(), "to": next.String()})
	r.d.observer.StateChanged(r.desc.Queue, prev, next)
}

func (r *runner) currentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *runner) status() QueueStatus {
	r.mu.Lock()
	state, since := r.state, r.since
	r.mu.Unlock()
	return QueueStatus{
		Queue:      r.desc.Queue,
		Category:   r.desc.Category.String(),
		Mode:       string(r.desc.Mode),
		Backfill:   r.desc.Backfill,
		State:      state.String(),
		Since:      since,
		InFlight:   r.inFlight.Load(),
		Retrying:   r.retrying.Load(),
		Reconnects: r.reconnects.Load(),
		Delivered:  r.delivered.Load(),
	}
}

package runtime

import (
	"time"

	"github.com/drblury/chainflow/internal/runtime/dispatch"
	"github.com/drblury/chainflow/internal/runtime/logging"
	"github.com/drblury/chainflow/internal/runtime/retry"
)

// DeadLetterEvent describes one message moved to a dead-letter queue.
type DeadLetterEvent struct {
	// Queue is the queue the message was consumed from.
	Queue string
	// Reason is the failure recorded in the dead-letter trailer.
	Reason  string
	Retries int
	// Age is the time since the message was first published.
	Age time.Duration
}

// Hooks are callbacks for queue lifecycle events. All hooks are optional;
// nil hooks are simply not called. Hooks implements dispatch.Observer.
type Hooks struct {
	// OnStateChange is called on every queue state transition.
	OnStateChange func(queue string, from, to dispatch.State)

	// OnDelivered is called once per settled delivery with the time spent
	// between receipt and settlement.
	OnDelivered func(queue string, decision retry.Decision, latency time.Duration)

	// OnDeadLetter is called after a message has been published to its
	// dead-letter queue.
	OnDeadLetter func(ev DeadLetterEvent)

	// OnReconnect is called when a faulted queue resumes consuming. A retried
	// topology declaration reports the network exchange.
	OnReconnect func(queue string)
}

var _ dispatch.Observer = Hooks{}

// Merge combines two Hooks, creating a new Hooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnStateChange: chainStateHooks(h.OnStateChange, other.OnStateChange),
		OnDelivered:   chainDeliveredHooks(h.OnDelivered, other.OnDelivered),
		OnDeadLetter:  chainDeadLetterHooks(h.OnDeadLetter, other.OnDeadLetter),
		OnReconnect:   chainReconnectHooks(h.OnReconnect, other.OnReconnect),
	}
}

func (h Hooks) StateChanged(queue string, from, to dispatch.State) {
	if h.OnStateChange != nil {
		h.OnStateChange(queue, from, to)
	}
}

func (h Hooks) Delivered(queue string, decision retry.Decision, latency time.Duration) {
	if h.OnDelivered != nil {
		h.OnDelivered(queue, decision, latency)
	}
}

func (h Hooks) DeadLettered(queue, reason string, retries int, age time.Duration) {
	if h.OnDeadLetter != nil {
		h.OnDeadLetter(DeadLetterEvent{Queue: queue, Reason: reason, Retries: retries, Age: age})
	}
}

func (h Hooks) Reconnected(queue string) {
	if h.OnReconnect != nil {
		h.OnReconnect(queue)
	}
}

func chainStateHooks(a, b func(string, dispatch.State, dispatch.State)) func(string, dispatch.State, dispatch.State) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(queue string, from, to dispatch.State) {
		a(queue, from, to)
		b(queue, from, to)
	}
}

func chainDeliveredHooks(a, b func(string, retry.Decision, time.Duration)) func(string, retry.Decision, time.Duration) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(queue string, decision retry.Decision, latency time.Duration) {
		a(queue, decision, latency)
		b(queue, decision, latency)
	}
}

func chainDeadLetterHooks(a, b func(DeadLetterEvent)) func(DeadLetterEvent) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ev DeadLetterEvent) {
		a(ev)
		b(ev)
	}
}

func chainReconnectHooks(a, b func(string)) func(string) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(queue string) {
		a(queue)
		b(queue)
	}
}

// LoggingHooks returns pre-built hooks that log queue lifecycle events.
func LoggingHooks(logger logging.ServiceLogger) Hooks {
	return Hooks{
		OnStateChange: func(queue string, from, to dispatch.State) {
			logger.Info("Queue state changed", logging.LogFields{
				"queue": queue,
				"from":  from.String(),
				"to":    to.String(),
			})
		},
		OnDeadLetter: func(ev DeadLetterEvent) {
			logger.Info("Message dead-lettered", logging.LogFields{
				"queue":       ev.Queue,
				"reason":      ev.Reason,
				"retry_count": ev.Retries,
				"age_ms":      ev.Age.Milliseconds(),
			})
		},
		OnReconnect: func(queue string) {
			logger.Info("Queue reconnected", logging.LogFields{"queue": queue})
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on dead letters
// and faulted queues.
func AlertingHooks(alert func(queue, reason string)) Hooks {
	return Hooks{
		OnDeadLetter: func(ev DeadLetterEvent) {
			alert(ev.Queue, ev.Reason)
		},
		OnStateChange: func(queue string, _, to dispatch.State) {
			if to == dispatch.Faulted {
				alert(queue, "queue faulted")
			}
		},
	}
}

// observers fans every event out to each observer in order.
type observers []dispatch.Observer

func (o observers) StateChanged(queue string, from, to dispatch.State) {
	for _, obs := range o {
		obs.StateChanged(queue, from, to)
	}
}

func (o observers) Delivered(queue string, decision retry.Decision, latency time.Duration) {
	for _, obs := range o {
		obs.Delivered(queue, decision, latency)
	}
}

func (o observers) DeadLettered(queue, reason string, retries int, age time.Duration) {
	for _, obs := range o {
		obs.DeadLettered(queue, reason, retries, age)
	}
}

func (o observers) Reconnected(queue string) {
	for _, obs := range o {
		obs.Reconnected(queue)
	}
}

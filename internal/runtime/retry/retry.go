// Package retry decides what happens to a delivery after its write attempt.
package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
)

// Decision is the terminal action taken for one delivery.
type Decision int

const (
	Ack Decision = iota
	Requeue
	DeadLetter
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case DeadLetter:
		return "dead_letter"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Outcome is the policy's verdict. Delay is only set for Requeue.
type Outcome struct {
	Decision Decision
	Reason   string
	Delay    time.Duration
}

// ReasonRetryLimit prefixes the reason of messages that ran out of retries.
const ReasonRetryLimit = "retry limit exceeded"

// Policy maps a write result and the message's retry count to an Outcome.
type Policy struct {
	RetryLimit          int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// Decide classifies err:
//   - nil acks;
//   - decode errors and fatal write errors are dead-lettered immediately;
//   - anything else is treated as transient and requeued while retryCount is
//     below RetryLimit, then dead-lettered.
func (p Policy) Decide(err error, retryCount int) Outcome {
	if err == nil {
		return Outcome{Decision: Ack}
	}

	var decodeErr *errspkg.DecodeError
	if errors.As(err, &decodeErr) {
		return Outcome{Decision: DeadLetter, Reason: err.Error()}
	}
	if errspkg.IsFatal(err) {
		return Outcome{Decision: DeadLetter, Reason: err.Error()}
	}

	if retryCount < p.RetryLimit {
		return Outcome{
			Decision: Requeue,
			Reason:   err.Error(),
			Delay:    p.Delay(retryCount),
		}
	}
	return Outcome{
		Decision: DeadLetter,
		Reason:   fmt.Sprintf("%s after %d retries: %v", ReasonRetryLimit, retryCount, err),
	}
}

// Delay returns the jittered backoff before the retry following retryCount
// previous retries.
func (p Policy) Delay(retryCount int) time.Duration {
	b := NewBackOff(p.InitialInterval, p.MaxInterval, p.Multiplier, p.RandomizationFactor)
	var d time.Duration
	for i := 0; i <= retryCount; i++ {
		d = b.NextBackOff()
	}
	return d
}

// NewBackOff builds an exponential backoff with jitter. Zero arguments fall
// back to the library defaults.
func NewBackOff(initial, maxInterval time.Duration, multiplier, randomization float64) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if initial > 0 {
		b.InitialInterval = initial
	}
	if maxInterval > 0 {
		b.MaxInterval = maxInterval
	}
	if multiplier >= 1 {
		b.Multiplier = multiplier
	}
	if randomization > 0 && randomization <= 1 {
		b.RandomizationFactor = randomization
	}
	b.Reset()
	return b
}

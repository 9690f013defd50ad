package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
)

func testPolicy() Policy {
	return Policy{
		RetryLimit:          3,
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}
}

func TestDecideAck(t *testing.T) {
	out := testPolicy().Decide(nil, 0)
	assert.Equal(t, Ack, out.Decision)
	assert.Zero(t, out.Delay)
}

func TestDecideDecodeErrorDeadLetters(t *testing.T) {
	err := errspkg.NewDecodeError(errspkg.DecodeUnknownDiscriminant, "tag %d", 66)
	out := testPolicy().Decide(err, 0)
	assert.Equal(t, DeadLetter, out.Decision)
	assert.Contains(t, out.Reason, "unknown_discriminant")
}

func TestDecideFatalWriteDeadLetters(t *testing.T) {
	out := testPolicy().Decide(errspkg.Fatal(errors.New("check constraint")), 0)
	assert.Equal(t, DeadLetter, out.Decision)
	assert.Contains(t, out.Reason, "check constraint")
}

func TestDecideTransientRequeues(t *testing.T) {
	out := testPolicy().Decide(errspkg.Transient(errors.New("deadlock")), 1)
	assert.Equal(t, Requeue, out.Decision)
	assert.Positive(t, out.Delay)
}

func TestDecideUnclassifiedIsTransient(t *testing.T) {
	out := testPolicy().Decide(context.DeadlineExceeded, 0)
	assert.Equal(t, Requeue, out.Decision)
}

func TestRetryBound(t *testing.T) {
	p := testPolicy()
	err := errspkg.Transient(errors.New("connection reset"))

	requeues := 0
	for count := 0; ; count++ {
		out := p.Decide(err, count)
		if out.Decision != Requeue {
			assert.Equal(t, DeadLetter, out.Decision)
			assert.True(t, strings.HasPrefix(out.Reason, ReasonRetryLimit), out.Reason)
			break
		}
		requeues++
		if requeues > 100 {
			t.Fatal("policy never gave up")
		}
	}
	assert.Equal(t, p.RetryLimit, requeues)
}

func TestZeroRetryLimitDeadLettersImmediately(t *testing.T) {
	p := testPolicy()
	p.RetryLimit = 0
	assert.Equal(t, DeadLetter, p.Decide(errspkg.Transient(errors.New("x")), 0).Decision)
}

func TestDelayGrowsWithinBounds(t *testing.T) {
	p := testPolicy()
	for count := 0; count < 8; count++ {
		base := float64(p.InitialInterval)
		for i := 0; i < count; i++ {
			base *= p.Multiplier
		}
		if base > float64(p.MaxInterval) {
			base = float64(p.MaxInterval)
		}
		lo := time.Duration(base*(1-p.RandomizationFactor)) - time.Millisecond
		hi := time.Duration(base*(1+p.RandomizationFactor)) + time.Millisecond

		d := p.Delay(count)
		assert.GreaterOrEqual(t, d, lo, "retry %d", count)
		assert.LessOrEqual(t, d, hi, "retry %d", count)
	}
}

func TestNewBackOffDefaults(t *testing.T) {
	b := NewBackOff(0, 0, 0, 0)
	assert.Positive(t, b.InitialInterval)
	assert.Positive(t, b.MaxInterval)
	assert.GreaterOrEqual(t, b.Multiplier, 1.0)
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "ack", Ack.String())
	assert.Equal(t, "requeue", Requeue.String())
	assert.Equal(t, "dead_letter", DeadLetter.String())
}

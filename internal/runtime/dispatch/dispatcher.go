// Package dispatch consumes the queues of one startup mode and settles every
// delivery through the write handler and the retry policy.
//
// Each queue is driven by a runner with its own state machine:
//
//	Idle -> Connected -> Consuming -> Draining -> Idle   (backfill queues)
//	Idle -> Connected -> Consuming                       (live queues)
//	any  -> Faulted -> Connected                         (subscription lost)
//
// A runner holds one subscription per worker slot. A delivery is acknowledged
// only after its write returned, it was republished for a retry, or it was
// copied to the dead-letter queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/chainflow/internal/runtime/envelope"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	"github.com/drblury/chainflow/internal/runtime/logging"
	"github.com/drblury/chainflow/internal/runtime/retry"
	"github.com/drblury/chainflow/internal/runtime/store"
	"github.com/drblury/chainflow/internal/runtime/topology"
)

const (
	defaultHandlerTimeout   = 30 * time.Second
	defaultDrainQuietPeriod = 10 * time.Second
	defaultHealthInterval   = 250 * time.Millisecond
)

var errAlreadyRunning = errors.New("dispatcher is already running")

// BackfillRequester asks the event source to replay history onto the
// backfill stream.
type BackfillRequester interface {
	RequestBackfill(ctx context.Context, req envelope.BackfillRequest) error
}

// Options selects the queues a dispatcher consumes and how it paces itself.
type Options struct {
	Network    topology.Network
	Mode       topology.Mode
	Categories []envelope.Category
	Resolver   topology.Resolver

	// Workers is the number of subscriptions held per queue.
	Workers int
	Policy  retry.Policy

	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
	DrainQuietPeriod         time.Duration
	HandlerTimeout           time.Duration
	HealthInterval           time.Duration
}

// Deps are the collaborators a dispatcher drives.
type Deps struct {
	Subscriber message.Subscriber
	// Republisher publishes straight to a queue by name. It carries retries
	// and dead letters.
	Republisher message.Publisher
	Requester   BackfillRequester
	Applier     store.Applier
	Logger      logging.ServiceLogger
	Observer    Observer
	Middleware  []message.HandlerMiddleware
	// Connected reports broker connectivity. Nil means always connected.
	Connected func() bool
}

// Dispatcher runs one queue runner per resolved queue.
type Dispatcher struct {
	opts     Options
	deps     Deps
	observer Observer
	handler  message.HandlerFunc
	runners  []*runner
	running  atomic.Bool

	backfillMu      sync.Mutex
	backfillPending int
	backfillDone    chan struct{}
}

// New validates its inputs and resolves the queues for opts.Mode.
func New(opts Options, deps Deps) (*Dispatcher, error) {
	if opts.Network == "" {
		return nil, errspkg.ErrNetworkRequired
	}
	if _, err := topology.ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}
	if err := opts.Resolver.Validate(); err != nil {
		return nil, err
	}
	if deps.Subscriber == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if deps.Republisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if deps.Applier == nil {
		return nil, errspkg.ErrApplierRequired
	}
	if deps.Logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if opts.Mode == topology.ModeAll && deps.Requester == nil {
		return nil, fmt.Errorf("%w: backfill requester", errspkg.ErrPublisherRequired)
	}
	opts = opts.withDefaults()
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}

	d := &Dispatcher{
		opts:         opts,
		deps:         deps,
		observer:     deps.Observer,
		backfillDone: make(chan struct{}),
	}
	d.handler = chain(d.write, deps.Middleware)

	for _, desc := range opts.Resolver.Descriptors(opts.Network, opts.Mode, opts.Categories) {
		d.runners = append(d.runners, newRunner(d, desc))
		if desc.Backfill {
			d.backfillPending++
		}
	}
	if d.backfillPending == 0 {
		close(d.backfillDone)
	}
	return d, nil
}

func (o Options) withDefaults() Options {
	if len(o.Categories) == 0 {
		o.Categories = envelope.DataCategories()
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = defaultHandlerTimeout
	}
	if o.DrainQuietPeriod <= 0 {
		o.DrainQuietPeriod = defaultDrainQuietPeriod
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = defaultHealthInterval
	}
	return o
}

// Run consumes until ctx is cancelled. Backfill queues stop on their own
// once drained; live queues run until shutdown. In-flight writes are allowed
// to finish before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}
	defer d.running.Store(false)

	d.deps.Logger.Info("Dispatcher starting", logging.LogFields{
		"network": string(d.opts.Network),
		"mode":    string(d.opts.Mode),
		"queues":  len(d.runners),
		"workers": d.opts.Workers,
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range d.runners {
		g.Go(func() error { return r.run(gctx) })
	}
	err := g.Wait()

	d.deps.Logger.Info("Dispatcher stopped", logging.LogFields{"mode": string(d.opts.Mode)})
	return err
}

// Mode returns the startup mode this dispatcher consumes.
func (d *Dispatcher) Mode() topology.Mode {
	return d.opts.Mode
}

// States returns the current state of every queue, keyed by queue name.
func (d *Dispatcher) States() map[string]State {
	states := make(map[string]State, len(d.runners))
	for _, r := range d.runners {
		states[r.desc.Queue] = r.currentState()
	}
	return states
}

// Status returns a snapshot of every queue runner sorted by queue name.
func (d *Dispatcher) Status() []QueueStatus {
	out := make([]QueueStatus, 0, len(d.runners))
	for _, r := range d.runners {
		out = append(out, r.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out
}

// BackfillDone is closed once every backfill queue drained. It is closed
// from the start when the mode consumes no backfill queue.
func (d *Dispatcher) BackfillDone() <-chan struct{} {
	return d.backfillDone
}

func (d *Dispatcher) backfillFinished() {
	d.backfillMu.Lock()
	defer d.backfillMu.Unlock()
	if d.backfillPending == 0 {
		return
	}
	d.backfillPending--
	if d.backfillPending == 0 {
		close(d.backfillDone)
	}
}

func (d *Dispatcher) connected() bool {
	return d.deps.Connected == nil || d.deps.Connected()
}

func (d *Dispatcher) write(msg *message.Message) ([]*message.Message, error) {
	env, ok := EnvelopeFromContext(msg.Context())
	if !ok {
		return nil, errspkg.Fatal(errspkg.ErrDataEnvelopeRequired)
	}
	return nil, d.deps.Applier.Apply(msg.Context(), env)
}

func chain(h message.HandlerFunc, middleware []message.HandlerMiddleware) message.HandlerFunc {
	for i := len(middleware) - 1; i >= 0; i-- {
		if middleware[i] != nil {
			h = middleware[i](h)
		}
	}
	return h
}

type envelopeKey struct{}

// WithEnvelope stores the decoded envelope of a delivery in ctx.
func WithEnvelope(ctx context.Context, env envelope.Envelope) context.Context {
	return context.WithValue(ctx, envelopeKey{}, env)
}

// EnvelopeFromContext returns the envelope the handler chain is applying.
func EnvelopeFromContext(ctx context.Context) (envelope.Envelope, bool) {
	env, ok := ctx.Value(envelopeKey{}).(envelope.Envelope)
	return env, ok
}

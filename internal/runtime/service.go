package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/chainflow/internal/runtime/config"
	"github.com/drblury/chainflow/internal/runtime/dispatch"
	"github.com/drblury/chainflow/internal/runtime/envelope"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
	"github.com/drblury/chainflow/internal/runtime/retry"
	"github.com/drblury/chainflow/internal/runtime/store"
	"github.com/drblury/chainflow/internal/runtime/topology"
	transportpkg "github.com/drblury/chainflow/internal/runtime/transport"
)

const (
	dlqPollInterval     = 15 * time.Second
	httpShutdownTimeout = 5 * time.Second
)

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to use the defaults derived from the configuration.
type ServiceDependencies struct {
	TransportFactory transportpkg.Factory
	// Store overrides the store opened from Config.StoreURL. The Service
	// does not close a supplied store.
	Store                     store.Store
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	TracerProvider            trace.TracerProvider
	// Registry receives the chainflow collectors and backs /metrics. A
	// private registry is created when nil.
	Registry *prometheus.Registry
	Hooks    Hooks
}

// Service wires the broker transport, the producer, one dispatcher per
// startup mode and the store they write to.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	network    topology.Network
	modes      []topology.Mode
	categories []envelope.Category

	transport transportpkg.Transport
	store     store.Store
	ownsStore bool
	producer  *Producer
	metrics   *Metrics
	registry  *prometheus.Registry
	observer  dispatch.Observer

	middlewares    []message.HandlerMiddleware
	middlewaresMu  sync.Mutex
	tracerProvider trace.TracerProvider

	dispatchers   []*dispatch.Dispatcher
	dispatchersMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	statusOnce    sync.Once

	resourceTracker *resourceTracker
}

// NewService constructs a Service for the supplied configuration. Register
// middleware on the returned Service before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	defaulted := conf.WithDefaults()
	conf = &defaulted
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating event service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	network, err := conf.ParsedNetwork()
	if err != nil {
		return nil, err
	}
	modes, err := conf.Modes()
	if err != nil {
		return nil, err
	}
	categories, err := conf.ParsedCategories()
	if err != nil {
		return nil, err
	}

	s := &Service{
		Conf:            conf,
		Logger:          log,
		network:         network,
		modes:           modes,
		categories:      categories,
		registry:        deps.Registry,
		tracerProvider:  deps.TracerProvider,
		resourceTracker: newResourceTracker(),
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = NewMetrics(s.registry)
	if err := s.metrics.Register(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	s.observer = observers{s.metrics, deps.Hooks}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	s.transport, err = factory.Build(ctx, conf, loggingpkg.NewWatermillAdapter(log))
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}

	s.store = deps.Store
	if s.store == nil {
		s.store, err = OpenStore(ctx, conf, deps.TracerProvider)
		if err != nil {
			_ = s.transport.Close()
			return nil, err
		}
		s.ownsStore = true
	}

	s.producer, err = NewProducer(s.transport.Publisher, conf, log)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.producer.WithMetrics(s.metrics)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Producer returns the producer publishing onto this network's exchange.
func (s *Service) Producer() *Producer { return s.producer }

// Store returns the write handler.
func (s *Service) Store() store.Store { return s.store }

// Metrics returns the service collectors.
func (s *Service) Metrics() *Metrics { return s.metrics }

// Connected reports whether the broker connection is up.
func (s *Service) Connected() bool {
	return s.transport.Connected == nil || s.transport.Connected()
}

// descriptors returns every queue this process consumes or publishes
// control messages to.
func (s *Service) descriptors() []topology.QueueDescriptor {
	r := s.Conf.Resolver()
	var out []topology.QueueDescriptor
	for _, mode := range s.modes {
		out = append(out, r.Descriptors(s.network, mode, s.categories)...)
	}
	return append(out, r.ResolveControl(s.network))
}

// Declare creates the exchange, queues, dead-letter queues and bindings of
// every configured mode. A *errors.TopologyConflictError means an entity
// exists with different parameters.
func (s *Service) Declare(ctx context.Context) error {
	if s.transport.Declarer == nil {
		return nil
	}
	descs := s.descriptors()
	if err := s.transport.Declarer.Declare(ctx, descs); err != nil {
		var conflict *errspkg.TopologyConflictError
		if errors.As(err, &conflict) {
			s.Logger.Error("Topology conflict", err, loggingpkg.LogFields{
				"entity": conflict.Entity,
				"name":   conflict.Name,
			})
		}
		return err
	}
	s.Logger.Info("Topology declared", loggingpkg.LogFields{
		"network": string(s.network),
		"queues":  len(descs),
	})
	return nil
}

// declareUntilReady retries Declare with backoff while the broker is
// unreachable. A topology conflict or a cancelled ctx ends it.
func (s *Service) declareUntilReady(ctx context.Context) error {
	b := retry.NewBackOff(s.Conf.ReconnectInitialInterval, s.Conf.ReconnectMaxInterval, 2, 0.5)
	exchange := s.Conf.Resolver().Exchange(s.network)
	for attempt := 1; ; attempt++ {
		err := s.Declare(ctx)
		if err == nil {
			return nil
		}
		var conflict *errspkg.TopologyConflictError
		if errors.As(err, &conflict) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("declare topology: %w", errors.Join(err, ctx.Err()))
		}

		delay := b.NextBackOff()
		s.Logger.Error("Topology declaration failed, retrying", err, loggingpkg.LogFields{
			"attempt":  attempt,
			"retry_in": delay.String(),
		})
		s.observer.Reconnected(exchange)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("declare topology: %w", errors.Join(err, ctx.Err()))
		case <-timer.C:
		}
	}
}

func (s *Service) retryPolicy() retry.Policy {
	return retry.Policy{
		RetryLimit:          s.Conf.Retries(),
		InitialInterval:     s.Conf.RetryInitialInterval,
		MaxInterval:         s.Conf.RetryMaxInterval,
		Multiplier:          s.Conf.RetryMultiplier,
		RandomizationFactor: s.Conf.RetryRandomizationFactor,
	}
}

func (s *Service) buildDispatchers() ([]*dispatch.Dispatcher, error) {
	s.dispatchersMu.Lock()
	defer s.dispatchersMu.Unlock()
	if s.dispatchers != nil {
		return s.dispatchers, nil
	}

	workers := s.transport.Capabilities.MaxSlots(s.Conf.Workers)
	middleware := s.handlerMiddlewares()
	out := make([]*dispatch.Dispatcher, 0, len(s.modes))
	for _, mode := range s.modes {
		d, err := dispatch.New(dispatch.Options{
			Network:                  s.network,
			Mode:                     mode,
			Categories:               s.categories,
			Resolver:                 s.Conf.Resolver(),
			Workers:                  workers,
			Policy:                   s.retryPolicy(),
			ReconnectInitialInterval: s.Conf.ReconnectInitialInterval,
			ReconnectMaxInterval:     s.Conf.ReconnectMaxInterval,
			DrainQuietPeriod:         s.Conf.DrainQuietPeriod,
			HandlerTimeout:           s.Conf.HandlerTimeout,
		}, dispatch.Deps{
			Subscriber:  s.transport.Subscriber,
			Republisher: s.transport.Direct,
			Requester:   s.producer,
			Applier:     s.store,
			Logger:      s.Logger.With(loggingpkg.LogFields{"mode": string(mode)}),
			Observer:    s.observer,
			Middleware:  middleware,
			Connected:   s.transport.Connected,
		})
		if err != nil {
			return nil, fmt.Errorf("dispatcher %s: %w", mode, err)
		}
		out = append(out, d)
	}
	s.dispatchers = out
	return out, nil
}

// Start declares the topology, then consumes every configured mode until
// ctx is cancelled. The modes run independently; one mode's queues never
// block another's.
func (s *Service) Start(ctx context.Context) error {
	if err := s.declareUntilReady(ctx); err != nil {
		return err
	}
	dispatchers, err := s.buildDispatchers()
	if err != nil {
		return err
	}

	if s.Conf.MetricsEnabled {
		s.registerStatusHandlers()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range dispatchers {
		g.Go(func() error { return d.Run(gctx) })
	}
	s.startHTTPServers(gctx, g)
	if s.transport.Declarer != nil {
		g.Go(func() error {
			s.pollDeadLetters(gctx, dlqPollInterval)
			return nil
		})
	}
	return g.Wait()
}

// BackfillDone is closed once every backfill queue of the "all" mode has
// drained. It is closed immediately when that mode is not configured or
// Start has not built the dispatchers yet.
func (s *Service) BackfillDone() <-chan struct{} {
	s.dispatchersMu.RLock()
	defer s.dispatchersMu.RUnlock()
	for _, d := range s.dispatchers {
		if d.Mode() == topology.ModeAll {
			return d.BackfillDone()
		}
	}
	done := make(chan struct{})
	close(done)
	return done
}

// Status returns the state of every consumed queue sorted by name.
func (s *Service) Status() []dispatch.QueueStatus {
	s.dispatchersMu.RLock()
	defer s.dispatchersMu.RUnlock()
	var out []dispatch.QueueStatus
	for _, d := range s.dispatchers {
		out = append(out, d.Status()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out
}

// pollDeadLetters refreshes the current dead-letter depth gauges.
func (s *Service) pollDeadLetters(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.refreshDeadLetterDepths(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) refreshDeadLetterDepths(ctx context.Context) {
	for _, st := range s.Status() {
		dlq := topology.DeadLetterQueue(st.Queue)
		depth, err := s.transport.Declarer.Depth(ctx, dlq)
		if err != nil {
			if ctx.Err() == nil {
				s.Logger.Debug("Dead-letter depth unavailable", loggingpkg.LogFields{"queue": dlq, "error": err.Error()})
			}
			continue
		}
		s.metrics.SetCurrentCount(st.Queue, uint64(depth))
	}
}

// Close releases the transport and, when the Service opened it, the store.
func (s *Service) Close() error {
	var errs []error
	if err := s.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	if s.ownsStore && s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) getResourceTracker() *resourceTracker {
	if s.resourceTracker == nil {
		s.resourceTracker = newResourceTracker()
	}
	return s.resourceTracker
}

// RegisterHTTPHandler mounts handler on the HTTP server listening on port.
// Servers start with Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers(ctx context.Context, g *errgroup.Group) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
}

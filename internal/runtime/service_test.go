package runtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/chainflow/internal/runtime/config"
	"github.com/drblury/chainflow/internal/runtime/dispatch"
	"github.com/drblury/chainflow/internal/runtime/envelope"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	"github.com/drblury/chainflow/internal/runtime/jsoncodec"
	"github.com/drblury/chainflow/internal/runtime/logging"
	"github.com/drblury/chainflow/internal/runtime/store/memory"
	"github.com/drblury/chainflow/internal/runtime/topology"
	"github.com/drblury/chainflow/internal/runtime/transport"
)

const serviceWait = 5 * time.Second

type factoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Transport, error)

func (f factoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return f(ctx, conf, logger)
}

type fakeDeclarer struct {
	mu       sync.Mutex
	declared []topology.QueueDescriptor
	err      error
	depth    int
	// failures makes the first calls fail with failErr.
	failures int
	failErr  error
	attempts int
}

func (d *fakeDeclarer) Declare(_ context.Context, descs []topology.QueueDescriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.failures > 0 {
		d.failures--
		return d.failErr
	}
	d.declared = append(d.declared, descs...)
	return d.err
}

func (d *fakeDeclarer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDeclarer) Depth(context.Context, string) (int, error) {
	return d.depth, nil
}

// declaringFactory serves the topology from a plain gochannel and records
// declarations on d.
func declaringFactory(d *fakeDeclarer, connected func() bool) transport.Factory {
	return factoryFunc(func(_ context.Context, _ *config.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
		pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, logger)
		return transport.Transport{
			Publisher:    pubSub,
			Direct:       pubSub,
			Subscriber:   pubSub,
			Declarer:     d,
			Connected:    connected,
			Capabilities: transport.ChannelCapabilities,
		}, nil
	})
}

func serviceConfig() *config.Config {
	conf := testConfig()
	conf.RetryInitialInterval = time.Millisecond
	conf.RetryMaxInterval = 5 * time.Millisecond
	conf.ReconnectInitialInterval = time.Millisecond
	conf.ReconnectMaxInterval = 5 * time.Millisecond
	conf.DrainQuietPeriod = 20 * time.Millisecond
	return conf
}

func startService(t *testing.T, svc *Service) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-errCh:
				assert.NoError(t, err)
			case <-time.After(serviceWait):
				t.Error("service did not stop")
			}
			assert.NoError(t, svc.Close())
		})
	}
	t.Cleanup(stop)
	return stop
}

func TestNewServiceValidations(t *testing.T) {
	log := logging.NopServiceLogger()
	_, err := NewService(nil, log, context.Background(), ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = NewService(serviceConfig(), nil, context.Background(), ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	conf := serviceConfig()
	conf.StartupModes = []string{"sometimes"}
	_, err = NewService(conf, log, context.Background(), ServiceDependencies{})
	var cfgErr errspkg.ConfigValidationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNewServiceTransportFailure(t *testing.T) {
	boom := errors.New("broker unreachable")
	_, err := NewService(serviceConfig(), logging.NopServiceLogger(), context.Background(), ServiceDependencies{
		TransportFactory: factoryFunc(func(context.Context, *config.Config, watermill.LoggerAdapter) (transport.Transport, error) {
			return transport.Transport{}, boom
		}),
	})
	assert.ErrorIs(t, err, boom)
}

func TestNewServiceMiddlewareFailure(t *testing.T) {
	boom := errors.New("bad middleware")
	_, err := NewService(serviceConfig(), logging.NopServiceLogger(), context.Background(), ServiceDependencies{
		Middlewares: []MiddlewareRegistration{{
			Name:    "broken",
			Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, boom },
		}},
	})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "broken")
}

func TestServiceConvergesOnHighestSlot(t *testing.T) {
	st := memory.New()
	svc, err := NewService(serviceConfig(), logging.NopServiceLogger(), context.Background(), ServiceDependencies{Store: st})
	require.NoError(t, err)
	startService(t, svc)

	key := []byte{0xbe, 0xef}
	for _, slot := range []uint64{5, 3, 7, 3, 5} {
		env := envelope.Wrap(key, slot, envelope.AccountUpdate{Pubkey: key, Lamports: slot})
		require.NoError(t, svc.Producer().Publish(context.Background(), env))
	}

	require.Eventually(t, func() bool {
		applied, ignored := st.Stats()
		return applied+ignored == 5
	}, serviceWait, 5*time.Millisecond)

	row, ok, err := st.Latest(context.Background(), envelope.CategoryAccountUpdate, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(7), row.Slot)
}

func TestServiceDrainsBackfillInAllMode(t *testing.T) {
	conf := serviceConfig()
	conf.StartupModes = []string{"all,normal"}
	conf.Categories = []string{"slot_status"}

	st := memory.New()
	var mu sync.Mutex
	var transitions []string
	svc, err := NewService(conf, logging.NopServiceLogger(), context.Background(), ServiceDependencies{
		Store: st,
		Hooks: Hooks{OnStateChange: func(queue string, _, to dispatch.State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, queue+"="+to.String())
		}},
	})
	require.NoError(t, err)
	startService(t, svc)

	key := []byte{0x01}
	for slot := uint64(1); slot <= 3; slot++ {
		env := envelope.Wrap(key, slot, envelope.SlotStatus{Parent: slot - 1, Status: envelope.SlotRooted})
		require.NoError(t, svc.Producer().PublishBackfill(context.Background(), env))
	}
	require.NoError(t, svc.Producer().CompleteBackfill(context.Background(), envelope.CategorySlotStatus,
		envelope.BackfillComplete{RequestID: "r", LastSlot: 3, Published: 3}))

	require.Eventually(t, func() bool {
		select {
		case <-svc.BackfillDone():
			return true
		default:
			return false
		}
	}, serviceWait, 5*time.Millisecond)

	row, ok, err := st.Latest(context.Background(), envelope.CategorySlotStatus, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), row.Slot)

	states := make(map[string]string)
	for _, q := range svc.Status() {
		states[q.Queue] = q.State
	}
	assert.Equal(t, "idle", states["chainflow.mainnet.slot_status.all.backfill"])
	assert.Equal(t, "consuming", states["chainflow.mainnet.slot_status.all"])
	assert.Equal(t, "consuming", states["chainflow.mainnet.slot_status.normal"])

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, transitions, "chainflow.mainnet.slot_status.all.backfill=draining")
}

func TestServiceDeclaresEveryModeAndControlQueue(t *testing.T) {
	conf := serviceConfig()
	conf.StartupModes = []string{"all", "normal"}
	conf.Categories = []string{"account_update"}
	decl := &fakeDeclarer{}

	svc, err := NewService(conf, logging.NopServiceLogger(), context.Background(), ServiceDependencies{
		TransportFactory: declaringFactory(decl, nil),
	})
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.Declare(context.Background()))

	var queues []string
	for _, d := range decl.declared {
		queues = append(queues, d.Queue)
	}
	assert.ElementsMatch(t, []string{
		"chainflow.mainnet.account_update.all",
		"chainflow.mainnet.account_update.all.backfill",
		"chainflow.mainnet.account_update.normal",
		"chainflow.mainnet.backfill_request",
	}, queues)
}

func TestServiceStartFailsOnTopologyConflict(t *testing.T) {
	conflict := &errspkg.TopologyConflictError{Entity: "queue", Name: "chainflow.mainnet.account_update.normal"}
	svc, err := NewService(serviceConfig(), logging.NopServiceLogger(), context.Background(), ServiceDependencies{
		TransportFactory: declaringFactory(&fakeDeclarer{err: conflict}, nil),
	})
	require.NoError(t, err)
	defer svc.Close()

	err = svc.Start(context.Background())
	var got *errspkg.TopologyConflictError
	require.ErrorAs(t, err, &got)
	assert.Empty(t, svc.Status(), "no queue is consumed after a conflict")
}

func TestServiceRefreshesDeadLetterDepths(t *testing.T) {
	decl := &fakeDeclarer{depth: 4}
	svc, err := NewService(serviceConfig(), logging.NopServiceLogger(), context.Background(), ServiceDependencies{
		TransportFactory: declaringFactory(decl, nil),
	})
	require.NoError(t, err)
	defer svc.Close()

	_, err = svc.buildDispatchers()
	require.NoError(t, err)
	svc.refreshDeadLetterDepths(context.Background())

	stats := svc.Metrics().GetQueueMetrics("chainflow.mainnet.account_update.normal")
	require.NotNil(t, stats)
	assert.Equal(t, uint64(4), stats.MessagesCurrent)
}

func TestStatusEndpoints(t *testing.T) {
	conf := serviceConfig()
	conf.MetricsEnabled = true
	svc, err := NewService(conf, logging.NopServiceLogger(), context.Background(), ServiceDependencies{Store: memory.New()})
	require.NoError(t, err)
	defer svc.Close()

	_, err = svc.buildDispatchers()
	require.NoError(t, err)
	svc.registerStatusHandlers()
	svc.registerStatusHandlers()
	svc.Metrics().Published("mainnet.account_update", true)

	mux := svc.httpServers[conf.MetricsPort]
	require.NotNil(t, mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report StatusReport
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "mainnet", report.Network)
	assert.Equal(t, []string{"normal"}, report.Modes)
	assert.Equal(t, "channel", report.Transport)
	assert.True(t, report.Connected)
	assert.Len(t, report.Queues, len(envelope.DataCategories()))
	assert.Equal(t, "idle", report.Queues[0].State)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "chainflow_producer_publish_total"))
}

func TestHealthzReportsDisconnectedBroker(t *testing.T) {
	svc, err := NewService(serviceConfig(), logging.NopServiceLogger(), context.Background(), ServiceDependencies{
		TransportFactory: declaringFactory(&fakeDeclarer{}, func() bool { return false }),
	})
	require.NoError(t, err)
	defer svc.Close()

	rec := httptest.NewRecorder()
	svc.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, svc.StatusReport().Connected)
}

func TestBackfillDoneWithoutAllMode(t *testing.T) {
	svc, err := NewService(serviceConfig(), logging.NopServiceLogger(), context.Background(), ServiceDependencies{})
	require.NoError(t, err)
	defer svc.Close()

	select {
	case <-svc.BackfillDone():
	default:
		t.Fatal("expected BackfillDone to be closed without the all mode")
	}
}

func TestStartRetriesDeclarationWhileBrokerUnreachable(t *testing.T) {
	d := &fakeDeclarer{failures: 3, failErr: errors.New("dial tcp 10.0.0.1:5672: connect: connection refused")}
	st := memory.New()
	var mu sync.Mutex
	var reconnects []string
	svc, err := NewService(serviceConfig(), logging.NopServiceLogger(), context.Background(), ServiceDependencies{
		TransportFactory: declaringFactory(d, func() bool { return true }),
		Store:            st,
		Registry:         prometheus.NewRegistry(),
		Hooks: Hooks{OnReconnect: func(queue string) {
			mu.Lock()
			defer mu.Unlock()
			reconnects = append(reconnects, queue)
		}},
	})
	require.NoError(t, err)
	startService(t, svc)

	require.Eventually(t, func() bool { return d.attemptCount() == 4 }, serviceWait, 5*time.Millisecond)

	key := []byte{0x0a}
	require.NoError(t, svc.Producer().Publish(context.Background(), envelope.Wrap(key, 9, envelope.AccountUpdate{Pubkey: key})))
	require.Eventually(t, func() bool {
		_, ok, _ := st.Latest(context.Background(), envelope.CategoryAccountUpdate, key)
		return ok
	}, serviceWait, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"chainflow.mainnet.events", "chainflow.mainnet.events", "chainflow.mainnet.events"}, reconnects)
	mu.Unlock()
	assert.Equal(t, float64(3), value(t, svc.Metrics().reconnectsTotal.WithLabelValues("chainflow.mainnet.events")))
}

func TestStartGivesUpOnDeclarationWhenCancelled(t *testing.T) {
	refused := errors.New("dial tcp 10.0.0.1:5672: connect: connection refused")
	d := &fakeDeclarer{failures: 1 << 20, failErr: refused}
	svc, err := NewService(serviceConfig(), logging.NopServiceLogger(), context.Background(), ServiceDependencies{
		TransportFactory: declaringFactory(d, func() bool { return false }),
		Store:            memory.New(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = svc.Start(ctx)
	require.ErrorIs(t, err, refused)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, d.attemptCount(), 1)
	assert.Empty(t, svc.Status())
}

package chainflow

import (
	runtimepkg "github.com/drblury/chainflow/internal/runtime"
	configpkg "github.com/drblury/chainflow/internal/runtime/config"
	"github.com/drblury/chainflow/internal/runtime/dispatch"
	"github.com/drblury/chainflow/internal/runtime/envelope"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/chainflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
	"github.com/drblury/chainflow/internal/runtime/retry"
	"github.com/drblury/chainflow/internal/runtime/store"
	"github.com/drblury/chainflow/internal/runtime/topology"
	transportpkg "github.com/drblury/chainflow/internal/runtime/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	StatusReport        = runtimepkg.StatusReport
	Producer            = runtimepkg.Producer
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory
	TransportBuilder    = transportpkg.Builder
	TransportRegistry   = transportpkg.Registry
	Capabilities        = transportpkg.Capabilities

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Envelope model
	Envelope          = envelope.Envelope
	Event             = envelope.Event
	Category          = envelope.Category
	AccountUpdate     = envelope.AccountUpdate
	TransactionNotify = envelope.TransactionNotify
	SlotStatus        = envelope.SlotStatus
	SlotState         = envelope.SlotState
	BackfillRequest   = envelope.BackfillRequest
	BackfillComplete  = envelope.BackfillComplete

	// Topology
	Network         = topology.Network
	Mode            = topology.Mode
	QueueDescriptor = topology.QueueDescriptor
	Resolver        = topology.Resolver

	// Dispatch
	Dispatcher  = dispatch.Dispatcher
	QueueState  = dispatch.State
	QueueStatus = dispatch.QueueStatus
	Observer    = dispatch.Observer

	// Retry policy
	RetryPolicy     = retry.Policy
	DeliveryOutcome = retry.Outcome
	Decision        = retry.Decision

	// Write handler
	Applier = store.Applier
	Store   = store.Store
	Row     = store.Row

	// Lifecycle hooks
	Hooks           = runtimepkg.Hooks
	DeadLetterEvent = runtimepkg.DeadLetterEvent

	// Metrics
	Metrics            = runtimepkg.Metrics
	DLQQueueMetrics    = runtimepkg.DLQQueueMetrics
	DLQMetricsSnapshot = runtimepkg.DLQMetricsSnapshot

	// Error taxonomy
	ConfigValidationError = errspkg.ConfigValidationError
	DecodeError           = errspkg.DecodeError
	PublishError          = errspkg.PublishError
	TopologyConflictError = errspkg.TopologyConflictError
	WriteError            = errspkg.WriteError
)

const (
	ModeAll    = topology.ModeAll
	ModeNormal = topology.ModeNormal

	CategoryAccountUpdate     = envelope.CategoryAccountUpdate
	CategoryTransactionNotify = envelope.CategoryTransactionNotify
	CategorySlotStatus        = envelope.CategorySlotStatus
	CategoryBackfillRequest   = envelope.CategoryBackfillRequest
	CategoryBackfillComplete  = envelope.CategoryBackfillComplete

	Ack        = retry.Ack
	Requeue    = retry.Requeue
	DeadLetter = retry.DeadLetter
)

var (
	NewService  = runtimepkg.NewService
	NewProducer = runtimepkg.NewProducer
	NewMetrics  = runtimepkg.NewMetrics
	OpenStore   = runtimepkg.OpenStore
	NewMessage  = runtimepkg.NewMessage

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	LoggingHooks  = runtimepkg.LoggingHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewDispatcher = dispatch.New

	Wrap             = envelope.Wrap
	EncodeEnvelope   = envelope.Encode
	DecodeEnvelope   = envelope.Decode
	EncodeDeadLetter = envelope.EncodeDeadLetter
	DecodeDeadLetter = envelope.DecodeDeadLetter
	ParseCategory    = envelope.ParseCategory
	DataCategories   = envelope.DataCategories

	ParseNetwork = topology.ParseNetwork
	ParseMode    = topology.ParseMode

	DefaultTransportRegistry = transportpkg.DefaultRegistry
	NewTransportRegistry     = transportpkg.NewRegistry

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewJSONServiceLogger = loggingpkg.NewJSONServiceLogger
	NopServiceLogger     = loggingpkg.NopServiceLogger

	Transient = errspkg.Transient
	Fatal     = errspkg.Fatal

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrSubscriberRequired   = errspkg.ErrSubscriberRequired
	ErrApplierRequired      = errspkg.ErrApplierRequired
	ErrNetworkRequired      = errspkg.ErrNetworkRequired
	ErrControlEnvelope      = errspkg.ErrControlEnvelope
	ErrDataEnvelopeRequired = errspkg.ErrDataEnvelopeRequired
	ErrNotConfirmed         = errspkg.ErrNotConfirmed
)

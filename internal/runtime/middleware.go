package runtime

import (
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/chainflow/internal/runtime/dispatch"
	"github.com/drblury/chainflow/internal/runtime/ids"
	"github.com/drblury/chainflow/internal/runtime/logging"
	"github.com/drblury/chainflow/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/chainflow"

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware wraps the write handler of
// every dispatcher.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard chain wrapped around every write.
// The first entry is the outermost.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware ensures each applied message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

// LogMessagesMiddleware logs every envelope handed to the write handler.
func LogMessagesMiddleware(logger logging.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps each write in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return tracerMiddleware(s.tracer()), nil
		},
	}
}

// RecovererMiddleware converts panics into errors so the retry policy can
// settle the delivery.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware appends the supplied middleware to the write chain. It
// must be called before Start.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.middlewaresMu.Lock()
	defer s.middlewaresMu.Unlock()
	s.middlewares = append(s.middlewares, mw)
	return nil
}

func (s *Service) handlerMiddlewares() []message.HandlerMiddleware {
	s.middlewaresMu.Lock()
	defer s.middlewaresMu.Unlock()
	return append([]message.HandlerMiddleware(nil), s.middlewares...)
}

func (s *Service) tracer() trace.Tracer {
	if s.tracerProvider != nil {
		return s.tracerProvider.Tracer(tracerName)
	}
	return otel.Tracer(tracerName)
}

// correlationIDMiddleware injects a correlation ID into the message metadata when missing.
func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(metadata.KeyCorrelationID) == "" {
			msg.Metadata.Set(metadata.KeyCorrelationID, ids.New())
		}
		return h(msg)
	}
}

func logMessagesMiddleware(logger logging.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			fields := logging.LogFields{
				"message_uuid":   msg.UUID,
				"correlation_id": msg.Metadata.Get(metadata.KeyCorrelationID),
				"retry_count":    metadata.RetryCount(msg.Metadata),
			}
			if env, ok := dispatch.EnvelopeFromContext(msg.Context()); ok {
				fields["category"] = env.Category.String()
				fields["slot"] = env.Slot
				fields["partition_key"] = env.KeyHex()
			}
			logger.Debug("Applying envelope", fields)

			out, err := h(msg)
			if err != nil {
				logger.Debug("Envelope not applied", fields)
			}
			return out, err
		}
	}
}

func tracerMiddleware(tracer trace.Tracer) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx, span := tracer.Start(msg.Context(), "ApplyEnvelope", trace.WithSpanKind(trace.SpanKindConsumer))
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("message.uuid", msg.UUID),
				attribute.String("message.correlation_id", msg.Metadata.Get(metadata.KeyCorrelationID)),
				attribute.Int("message.retry_count", metadata.RetryCount(msg.Metadata)),
			)
			if env, ok := dispatch.EnvelopeFromContext(ctx); ok {
				span.SetAttributes(
					attribute.String("chainflow.category", env.Category.String()),
					attribute.Int64("chainflow.slot", int64(env.Slot)),
					attribute.String("chainflow.partition_key", env.KeyHex()),
				)
			}

			out, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return out, err
		}
	}
}

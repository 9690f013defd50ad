package errors

import sterrors "errors"

var (
	ErrConfigRequired       = sterrors.New("chainflow: configuration is required")
	ErrLoggerRequired       = sterrors.New("chainflow: logger is required")
	ErrPublisherRequired    = sterrors.New("chainflow: publisher is required")
	ErrSubscriberRequired   = sterrors.New("chainflow: subscriber is required")
	ErrApplierRequired      = sterrors.New("chainflow: write handler is required")
	ErrQueueRequired        = sterrors.New("chainflow: queue is required")
	ErrNetworkRequired      = sterrors.New("chainflow: network is required")
	ErrControlEnvelope      = sterrors.New("chainflow: control envelope cannot be published as data")
	ErrDataEnvelopeRequired = sterrors.New("chainflow: envelope category is not a data category")
)

// ConfigValidationError wraps configuration problems detected before startup.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "chainflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

package errors

// Error codes for the bus and courier contracts. Keep stable; used across adapters, bus and hosts.
const (
	ErrCodeHandlerExists       = "servicebus.handler_exists"
	ErrCodeHandlerNotFound     = "servicebus.handler_not_found"
	ErrCodeHandlerTypeMismatch = "servicebus.handler_type_mismatch"
	ErrCodeHandlerPanicked     = "servicebus.handler_panicked"
	ErrCodeAsyncNotConfigured  = "servicebus.async_not_configured"
	ErrCodeSendFailed          = "servicebus.send_failed"
	ErrCodePublishFailed       = "servicebus.publish_failed"
	ErrCodeSerializationFailed = "servicebus.serialization_failed"
	ErrCodeAddressUnknown      = "servicebus.address_unknown"
	ErrCodeConfiguration       = "servicebus.configuration_invalid"

	ErrCodeInvalidRoutingSlip   = "courier.invalid_routing_slip"
	ErrCodeIntegrity            = "courier.integrity_violation"
	ErrCodeActivityFaulted      = "courier.activity_faulted"
	ErrCodeCompensationFailed   = "courier.compensation_failed"
	ErrCodeNotCompensable       = "courier.not_compensable"
	ErrCodeCompensationRequired = "courier.compensation_requested"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrHandlerExists       = Code(ErrCodeHandlerExists)
	ErrHandlerNotFound     = Code(ErrCodeHandlerNotFound)
	ErrHandlerTypeMismatch = Code(ErrCodeHandlerTypeMismatch)
	ErrHandlerPanicked     = Code(ErrCodeHandlerPanicked)
	ErrAsyncNotConfigured  = Code(ErrCodeAsyncNotConfigured)
	ErrSendFailed          = Code(ErrCodeSendFailed)
	ErrPublishFailed       = Code(ErrCodePublishFailed)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
	ErrAddressUnknown      = Code(ErrCodeAddressUnknown)
	ErrConfiguration       = Code(ErrCodeConfiguration)

	ErrInvalidRoutingSlip   = Code(ErrCodeInvalidRoutingSlip)
	ErrIntegrity            = Code(ErrCodeIntegrity)
	ErrActivityFaulted      = Code(ErrCodeActivityFaulted)
	ErrCompensationFailed   = Code(ErrCodeCompensationFailed)
	ErrNotCompensable       = Code(ErrCodeNotCompensable)
	ErrCompensationRequired = Code(ErrCodeCompensationRequired)
)

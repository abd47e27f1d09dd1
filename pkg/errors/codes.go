package errors

// Poller error codes (1000 to 1099)
const (
	CodeTransient          int = 1000 // Network failure or unexpected status, retried
	CodeSessionConflict    int = 1001 // Server rejected the transport id (409)
	CodeTransportDropped   int = 1002 // Server rejected the request outright (4xx/5xx)
	CodeMalformedResponse  int = 1003 // 2xx body was not valid JSON
	CodeTransportPoisoned  int = 1004 // Poller stopped after a fatal error
	CodeTransportNotActive int = 1005 // Poller not started or already stopped
)

// Channel error codes (1100 to 1199)
const (
	CodeChannelRejected     int = 1100 // Server reported an error status for the channel
	CodeChannelDisconnected int = 1101 // Channel is no longer registered
	CodeNotConnected        int = 1102 // Reliable channel is closing or closed
	CodeHandlerFault        int = 1103 // Application handler failed or panicked
	CodeMalformedFrame      int = 1104 // Incoming channel payload could not be decoded
	CodeChannelIDExhausted  int = 1105 // No free channel id could be drawn
)

// Configuration and internal error codes (1900 to 1999)
const (
	CodeInvalidConfig int = 1900 // Configuration failed validation
	CodeInternalError int = 1999 // Unexpected internal failure
)

type codeInfo struct {
	name     string
	category Category
	severity Severity
}

var errorCodeRegistry = map[int]codeInfo{
	CodeTransient:          {"Transient", CategoryTransient, SeverityWarning},
	CodeSessionConflict:    {"SessionConflict", CategoryConflict, SeverityInfo},
	CodeTransportDropped:   {"TransportDropped", CategoryFatal, SeverityCritical},
	CodeMalformedResponse:  {"MalformedResponse", CategoryFatal, SeverityCritical},
	CodeTransportPoisoned:  {"TransportPoisoned", CategoryFatal, SeverityError},
	CodeTransportNotActive: {"TransportNotActive", CategoryInternal, SeverityError},

	CodeChannelRejected:     {"ChannelRejected", CategoryChannel, SeverityError},
	CodeChannelDisconnected: {"ChannelDisconnected", CategoryChannel, SeverityWarning},
	CodeNotConnected:        {"NotConnected", CategoryChannel, SeverityWarning},
	CodeHandlerFault:        {"HandlerFault", CategoryHandler, SeverityError},
	CodeMalformedFrame:      {"MalformedFrame", CategoryProtocol, SeverityError},
	CodeChannelIDExhausted:  {"ChannelIDExhausted", CategoryInternal, SeverityError},

	CodeInvalidConfig: {"InvalidConfig", CategoryValidation, SeverityError},
	CodeInternalError: {"InternalError", CategoryInternal, SeverityError},
}

// GetErrorCodeName returns the name of an error code
func GetErrorCodeName(code int) string {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.name
	}
	return "UnknownError"
}

// GetErrorCodeCategory returns the category of an error code
func GetErrorCodeCategory(code int) Category {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.category
	}
	return CategoryInternal
}

// GetErrorCodeSeverity returns the severity of an error code
func GetErrorCodeSeverity(code int) Severity {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.severity
	}
	return SeverityError
}

// newCoded builds an error whose category and severity come from the registry
func newCoded(code int, cause error, message string) CometError {
	return WrapError(cause, code, message, GetErrorCodeCategory(code), GetErrorCodeSeverity(code))
}

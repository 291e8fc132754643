package api

// Error codes carried in APIError.Code. Clients match on these, never on
// the message.
const (
	CodeInvalidRequest   = "E_INVALID_REQUEST"
	CodeRateLimited      = "E_RATE_LIMITED"
	CodeInternalError    = "E_INTERNAL_ERROR"
	CodeAccessDenied     = "E_ACCESS_DENIED"
	CodeNotFound         = "E_NOT_FOUND"
	CodeMethodNotAllowed = "E_METHOD_NOT_ALLOWED"

	// token missing, malformed or expired
	CodeAuthInvalidCredentials = "E_AUTH_INVALID_CREDENTIALS"

	CodeEndpointNotFound = "E_ENDPOINT_NOT_FOUND"
	CodeEndpointExists   = "E_ENDPOINT_EXISTS"
	CodeEndpointHalted   = "E_ENDPOINT_HALTED"
	CodeInvalidPolicy    = "E_INVALID_POLICY"
)

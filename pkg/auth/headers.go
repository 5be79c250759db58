package auth

// Header and gRPC metadata names used to carry credentials and request
// correlation.
const (
	// AuthorizationHeader carries "Bearer <access token>".
	AuthorizationHeader = "Authorization"
	// SessionHeader carries a pre-issued session blob unchanged.
	SessionHeader = "X-EyePop-Session"
	// RequestIDHeader carries a per-request uuid for server-side correlation.
	RequestIDHeader = "X-Request-Id"
	// ClientHeader identifies this SDK.
	ClientHeader = "X-EyePop-Client"

	// gRPC metadata keys are lower-case.
	authorizationMD = "authorization"
	sessionMD       = "x-eyepop-session"
	clientMD        = "x-eyepop-client"

	// SessionIDMD names the worker session a gRPC push stream belongs to.
	SessionIDMD = "x-eyepop-session-id"
)

// ClientName is sent in ClientHeader.
const ClientName = "eyepop-sdk-go"

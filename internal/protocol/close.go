package protocol

// CloseCode is one of the WebSocket close codes the gateway can send, per
// spec §4.H.
type CloseCode uint16

const (
	CloseNormal          CloseCode = 1000
	CloseAbnormal        CloseCode = 1006 // observed on peer loss, never sent
	CloseUnsupportedData CloseCode = 1003
	ClosePolicyViolation CloseCode = 1008
	CloseInternalError   CloseCode = 1011
)

// Canonical close reasons (spec §4.G/§4.H), kept as constants so every
// component that can trigger a close references the same string.
const (
	ReasonMissingClientID     = "Missing client_id"
	ReasonMissingToken        = "Missing token"
	ReasonInvalidToken        = "Invalid token"
	ReasonTokenExpired        = "Token has expired"
	ReasonClientIDInUse       = "Client ID already in use"
	ReasonConnectionLimit     = "Connection limit exceeded"
	ReasonInternalError       = "Internal server error"
)

// CloseError pairs a close code with its human-readable reason so the
// gateway's upgrade handler can return a single error value and decide how
// to close the socket.
type CloseError struct {
	Code   CloseCode
	Reason string
}

func (e *CloseError) Error() string { return e.Reason }

// NewCloseError constructs a CloseError.
func NewCloseError(code CloseCode, reason string) *CloseError {
	return &CloseError{Code: code, Reason: reason}
}

package protocol

// Websocket close codes. Codes at or above CloseSelfInitiated are deliberate
// and never trigger a reconnect.
const (
	CloseSelfInitiated   = 4000
	CloseInvalidRequest  = 4001
	CloseRoomUnavailable = 4002
	CloseReplaced        = 4003
	CloseKicked          = 4004
)

// Reconnectable reports whether a peer closing with code should be retried.
func Reconnectable(code int) bool {
	return code < CloseSelfInitiated
}

// Subprotocols accepted by the sample ingestion endpoint.
const (
	SubprotocolClientSample = "client-sample"
	SubprotocolSfuSample    = "sfu-sample"
)

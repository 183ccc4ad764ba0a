package packet

import "time"

// Status is the terminal state of a processed packet.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Error codes carried by failed Results. The codes are part of the wire
// contract and must not change between versions.
const (
	CodeNoHandler       = "PF001" // no handler registered for (group, element)
	CodeNoAvailableNode = "PF003" // routing found no candidate node
	CodeOverloaded      = "PF004" // enqueue rejected by admission control
	CodeHandlerFailure  = "PF500" // handler returned an error or panicked
)

// Result reports the outcome of one packet. Exactly one of Data or the
// ErrorCode/ErrorMessage pair is populated, per Status.
type Result struct {
	PacketID     string
	Status       Status
	Data         any
	ErrorCode    string
	ErrorMessage string
	Duration     time.Duration
}

// Success builds a successful Result.
func Success(packetID string, data any, d time.Duration) Result {
	return Result{
		PacketID: packetID,
		Status:   StatusSuccess,
		Data:     data,
		Duration: d,
	}
}

// Failure builds a failed Result carrying one of the PF error codes.
func Failure(packetID, code, message string, d time.Duration) Result {
	return Result{
		PacketID:     packetID,
		Status:       StatusError,
		ErrorCode:    code,
		ErrorMessage: message,
		Duration:     d,
	}
}

// OK reports whether the packet completed successfully.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

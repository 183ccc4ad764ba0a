// Package wire defines the JSON representation of packets, results, and the
// framing envelope used by external producers. Decoding is strict: malformed
// input is rejected here so nothing past the boundary needs to re-validate.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c-u-l8er/packetflow/internal/logging"
	"github.com/c-u-l8er/packetflow/internal/packet"
)

var (
	// ErrInvalidPacket is wrapped by every packet decode failure.
	ErrInvalidPacket = errors.New("invalid wire packet")

	// ErrInvalidEnvelope is wrapped by every envelope decode failure.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrInvalidResult is wrapped by every result decode failure.
	ErrInvalidResult = errors.New("invalid wire result")
)

// =============================================================================
// PACKETS
// =============================================================================

// Packet is the wire form of packet.Packet. Groups travel as their
// two-letter codes and timeouts as integer milliseconds.
type Packet struct {
	Version      string            `json:"version"`
	ID           string            `json:"id"`
	Group        string            `json:"group"`
	Element      string            `json:"element"`
	Data         any               `json:"data,omitempty"`
	Priority     int               `json:"priority"`
	TimeoutMS    int64             `json:"timeout_ms,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// FromPacket converts an internal packet to its wire form.
func FromPacket(p packet.Packet) Packet {
	return Packet{
		Version:      p.Version,
		ID:           p.ID,
		Group:        p.Group.Code(),
		Element:      p.Element,
		Data:         p.Data,
		Priority:     p.Priority,
		TimeoutMS:    p.Timeout.Milliseconds(),
		Dependencies: p.Dependencies,
		Metadata:     p.Metadata,
	}
}

// ToPacket validates the wire packet and converts it to the internal form.
// CreatedAt is stamped with the arrival time; the wire does not carry it.
func (w Packet) ToPacket() (packet.Packet, error) {
	if w.ID == "" {
		return packet.Packet{}, fmt.Errorf("%w: missing id", ErrInvalidPacket)
	}
	if _, err := uuid.Parse(w.ID); err != nil {
		return packet.Packet{}, fmt.Errorf("%w: id %q is not a UUID", ErrInvalidPacket, w.ID)
	}
	group, err := packet.GroupFromCode(w.Group)
	if err != nil {
		return packet.Packet{}, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	if w.Element == "" {
		return packet.Packet{}, fmt.Errorf("%w: missing element", ErrInvalidPacket)
	}
	if w.Priority < packet.MinPriority || w.Priority > packet.MaxPriority {
		return packet.Packet{}, fmt.Errorf("%w: priority %d outside %d..%d",
			ErrInvalidPacket, w.Priority, packet.MinPriority, packet.MaxPriority)
	}
	if w.TimeoutMS < 0 {
		return packet.Packet{}, fmt.Errorf("%w: negative timeout_ms %d", ErrInvalidPacket, w.TimeoutMS)
	}

	version := w.Version
	if version == "" {
		version = packet.DefaultVersion
	}
	return packet.Packet{
		Version:      version,
		ID:           w.ID,
		Group:        group,
		Element:      w.Element,
		Data:         w.Data,
		Priority:     w.Priority,
		Timeout:      time.Duration(w.TimeoutMS) * time.Millisecond,
		Dependencies: w.Dependencies,
		Metadata:     w.Metadata,
		CreatedAt:    time.Now(),
	}, nil
}

// EncodePacket marshals a packet into its wire JSON.
func EncodePacket(p packet.Packet) ([]byte, error) {
	return json.Marshal(FromPacket(p))
}

// DecodePacket parses and validates wire JSON into a packet.
func DecodePacket(data []byte) (packet.Packet, error) {
	var w Packet
	if err := json.Unmarshal(data, &w); err != nil {
		return packet.Packet{}, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	p, err := w.ToPacket()
	if err != nil {
		logging.WireDebug("decode: rejected packet: %v", err)
		return packet.Packet{}, err
	}
	return p, nil
}

// =============================================================================
// RESULTS
// =============================================================================

// Error is the wire form of a failed result's code and message.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the wire form of packet.Result. Durations travel as integer
// milliseconds; Error is present exactly when Status is "error".
type Result struct {
	PacketID   string  `json:"packet_id"`
	Status     string  `json:"status"`
	Data       any     `json:"data,omitempty"`
	Error      *Error  `json:"error,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

// FromResult converts an internal result to its wire form.
func FromResult(r packet.Result) Result {
	out := Result{
		PacketID:   r.PacketID,
		Status:     string(r.Status),
		DurationMS: float64(r.Duration) / float64(time.Millisecond),
	}
	if r.OK() {
		out.Data = r.Data
	} else {
		out.Error = &Error{Code: r.ErrorCode, Message: r.ErrorMessage}
	}
	return out
}

// ToResult validates the wire result and converts it to the internal form.
func (w Result) ToResult() (packet.Result, error) {
	if w.PacketID == "" {
		return packet.Result{}, fmt.Errorf("%w: missing packet_id", ErrInvalidResult)
	}
	status := packet.Status(w.Status)
	switch status {
	case packet.StatusSuccess:
		if w.Error != nil {
			return packet.Result{}, fmt.Errorf("%w: success result carries an error object", ErrInvalidResult)
		}
	case packet.StatusError:
		if w.Error == nil || w.Error.Code == "" {
			return packet.Result{}, fmt.Errorf("%w: error result missing error code", ErrInvalidResult)
		}
	default:
		return packet.Result{}, fmt.Errorf("%w: unknown status %q", ErrInvalidResult, w.Status)
	}

	res := packet.Result{
		PacketID: w.PacketID,
		Status:   status,
		Data:     w.Data,
		Duration: time.Duration(w.DurationMS * float64(time.Millisecond)),
	}
	if w.Error != nil {
		res.ErrorCode = w.Error.Code
		res.ErrorMessage = w.Error.Message
	}
	return res, nil
}

// EncodeResult marshals a result into its wire JSON.
func EncodeResult(r packet.Result) ([]byte, error) {
	return json.Marshal(FromResult(r))
}

// DecodeResult parses and validates wire JSON into a result.
func DecodeResult(data []byte) (packet.Result, error) {
	var w Result
	if err := json.Unmarshal(data, &w); err != nil {
		return packet.Result{}, fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	return w.ToResult()
}

// =============================================================================
// ENVELOPES
// =============================================================================

// EnvelopeType discriminates envelope payloads.
type EnvelopeType string

const (
	EnvelopeSubmit    EnvelopeType = "submit"    // payload: Packet
	EnvelopeResult    EnvelopeType = "result"    // payload: Result
	EnvelopeError     EnvelopeType = "error"     // payload: Error
	EnvelopeHeartbeat EnvelopeType = "heartbeat" // payload: Heartbeat
)

// Valid reports whether t is a known envelope type.
func (t EnvelopeType) Valid() bool {
	switch t {
	case EnvelopeSubmit, EnvelopeResult, EnvelopeError, EnvelopeHeartbeat:
		return true
	}
	return false
}

// Envelope frames one message on a packet stream. Seq is assigned by the
// sender and increases per connection; receivers use it to correlate error
// envelopes with the frame that caused them.
type Envelope struct {
	Type    EnvelopeType    `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Heartbeat is the payload of a heartbeat envelope: a node's liveness beacon.
type Heartbeat struct {
	NodeID     string  `json:"node_id"`
	Healthy    bool    `json:"healthy"`
	LoadFactor float64 `json:"load_factor"`
	UnixMillis int64   `json:"unix_ms"`
}

// NewSubmitEnvelope frames a wire packet for submission.
func NewSubmitEnvelope(seq uint64, p Packet) (Envelope, error) {
	return newEnvelope(EnvelopeSubmit, seq, p)
}

// NewResultEnvelope frames a wire result.
func NewResultEnvelope(seq uint64, r Result) (Envelope, error) {
	return newEnvelope(EnvelopeResult, seq, r)
}

// NewErrorEnvelope frames a protocol-level error, echoing the offending seq.
func NewErrorEnvelope(seq uint64, code, message string) (Envelope, error) {
	return newEnvelope(EnvelopeError, seq, Error{Code: code, Message: message})
}

// NewHeartbeatEnvelope frames a node heartbeat.
func NewHeartbeatEnvelope(seq uint64, hb Heartbeat) (Envelope, error) {
	return newEnvelope(EnvelopeHeartbeat, seq, hb)
}

func newEnvelope(t EnvelopeType, seq uint64, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s payload: %w", t, err)
	}
	return Envelope{Type: t, Seq: seq, Payload: raw}, nil
}

// EncodeEnvelope marshals an envelope.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	if !env.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, env.Type)
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses and validates one framed message. Payload stays raw;
// use the typed accessors to decode it.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, env.Type)
	}
	return env, nil
}

// SubmitPayload decodes the envelope's payload as a packet submission.
func (e Envelope) SubmitPayload() (packet.Packet, error) {
	if e.Type != EnvelopeSubmit {
		return packet.Packet{}, fmt.Errorf("%w: %s envelope has no submit payload", ErrInvalidEnvelope, e.Type)
	}
	return DecodePacket(e.Payload)
}

// ResultPayload decodes the envelope's payload as a result.
func (e Envelope) ResultPayload() (packet.Result, error) {
	if e.Type != EnvelopeResult {
		return packet.Result{}, fmt.Errorf("%w: %s envelope has no result payload", ErrInvalidEnvelope, e.Type)
	}
	return DecodeResult(e.Payload)
}

// HeartbeatPayload decodes the envelope's payload as a heartbeat.
func (e Envelope) HeartbeatPayload() (Heartbeat, error) {
	if e.Type != EnvelopeHeartbeat {
		return Heartbeat{}, fmt.Errorf("%w: %s envelope has no heartbeat payload", ErrInvalidEnvelope, e.Type)
	}
	var hb Heartbeat
	if err := json.Unmarshal(e.Payload, &hb); err != nil {
		return Heartbeat{}, fmt.Errorf("%w: heartbeat payload: %v", ErrInvalidEnvelope, err)
	}
	return hb, nil
}

// ErrorPayload decodes the envelope's payload as a protocol error.
func (e Envelope) ErrorPayload() (Error, error) {
	if e.Type != EnvelopeError {
		return Error{}, fmt.Errorf("%w: %s envelope has no error payload", ErrInvalidEnvelope, e.Type)
	}
	var we Error
	if err := json.Unmarshal(e.Payload, &we); err != nil {
		return Error{}, fmt.Errorf("%w: error payload: %v", ErrInvalidEnvelope, err)
	}
	return we, nil
}

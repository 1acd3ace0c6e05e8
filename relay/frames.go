// Package relay implements the cgp/0.1 relay: the websocket surface, the
// per-guild sequencing engine, the retention and checkpoint loop and the
// optional NATS bridge.
package relay

import (
	"encoding/json"
	"fmt"

	"github.com/chainguild/cgp/event"
)

// ProtocolVersion is the only protocol this relay speaks.
const ProtocolVersion = "cgp/0.1"

// ServerVersion identifies this relay build in HELLO_OK.
const ServerVersion = "0.1.0"

// Frame kinds. Every frame on the wire is a two-element JSON array
// [kind, payload].
const (
	FrameHello    = "HELLO"
	FrameHelloOK  = "HELLO_OK"
	FrameError    = "ERROR"
	FrameSub      = "SUB"
	FrameUnsub    = "UNSUB"
	FrameSnapshot = "SNAPSHOT"
	FramePublish  = "PUBLISH"
	FrameEvent    = "EVENT"
)

// Error codes carried in ERROR frames.
const (
	CodeInvalidFrame        = "INVALID_FRAME"
	CodeInvalidSignature    = "INVALID_SIGNATURE"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeUnsupportedProtocol = "UNSUPPORTED_PROTOCOL"
	CodeInternalError       = "INTERNAL_ERROR"
)

// WireError is a protocol-level failure destined for an ERROR frame.
type WireError struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// NewWireError builds a WireError from a code and a printf-style reason.
func NewWireError(code, format string, args ...interface{}) *WireError {
	return &WireError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// HelloPayload opens a connection.
type HelloPayload struct {
	Protocol      string `json:"protocol"`
	ClientName    string `json:"clientName,omitempty"`
	ClientVersion string `json:"clientVersion,omitempty"`
}

// HelloOKPayload acknowledges a HELLO and names the relay's signing key, so
// clients know which author to trust for checkpoints.
type HelloOKPayload struct {
	Protocol     string `json:"protocol"`
	RelayID      string `json:"relayId"`
	RelayName    string `json:"relayName,omitempty"`
	RelayVersion string `json:"relayVersion,omitempty"`
}

// SubPayload subscribes the connection to a guild's log from a given seq.
// Channels, when set, narrows MESSAGE-bearing events to those channels;
// structural events always flow. An empty SubID defaults to the guild id.
type SubPayload struct {
	SubID    string   `json:"subId,omitempty"`
	GuildID  string   `json:"guildId"`
	Channels []string `json:"channels,omitempty"`
	FromSeq  int64    `json:"fromSeq"`
	Limit    int64    `json:"limit,omitempty"`
}

// UnsubPayload drops a subscription by its id.
type UnsubPayload struct {
	SubID string `json:"subId"`
}

// SnapshotPayload answers a SUB with the surviving backlog. EndSeq is the
// guild's head seq at snapshot time, -1 for an unknown guild.
type SnapshotPayload struct {
	SubID   string         `json:"subId,omitempty"`
	GuildID string         `json:"guildId"`
	Events  []*event.Event `json:"events"`
	EndSeq  int64          `json:"endSeq"`
}

// PublishPayload submits a signed body for sequencing. Seq and prevHash are
// the relay's to assign; the sender supplies only what it signed.
type PublishPayload struct {
	Body      json.RawMessage `json:"body"`
	Author    string          `json:"author"`
	CreatedAt int64           `json:"createdAt"`
	Signature string          `json:"signature"`
}

// ErrorPayload is the body of an ERROR frame.
type ErrorPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// EncodeFrame renders a [kind, payload] frame.
func EncodeFrame(kind string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]json.RawMessage{mustMarshalString(kind), raw})
}

// DecodeFrame splits a frame into its kind and raw payload.
func DecodeFrame(data []byte) (string, json.RawMessage, *WireError) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, NewWireError(CodeInvalidFrame, "frame is not a JSON array: %v", err)
	}
	if len(parts) != 2 {
		return "", nil, NewWireError(CodeInvalidFrame, "frame has %d elements, want 2", len(parts))
	}
	var kind string
	if err := json.Unmarshal(parts[0], &kind); err != nil {
		return "", nil, NewWireError(CodeInvalidFrame, "frame kind is not a string")
	}
	return kind, parts[1], nil
}

func mustMarshalString(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

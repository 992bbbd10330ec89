package signal

import (
	"encoding/json"

	"amalive/internal/core/domain"
)

// Inbound message types.
const (
	MsgStatusChange = "status_change"
	MsgToggleMute   = "toggle_mute"
	MsgToggleCamera = "toggle_camera"
	MsgAnswer       = "answer"
	MsgICECandidate = "ice_candidate"
	MsgDeviceError  = "device_error"
)

// Outbound message types besides the room events.
const (
	MsgOffer = "offer"
	MsgError = "error"
)

// SignalMessage is one message read from the visitor.
type SignalMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type StatusChangePayload struct {
	Status domain.SessionStatus `json:"status"`
}

type AnswerPayload struct {
	SDP string `json:"sdp"`
}

type DeviceErrorPayload struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// ServerMessage carries signaling traffic and errors to the visitor.
type ServerMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Package api defines the wire protocol between the client and the
// rendezvous server.
//
// Each message is a JSON-encoded packet of the following structure:
//
//	t - (required) one of the predefined event names;
//	p - (optional) event payload with arbitrary data.
//
// Events differentiate by name only; payloads unwrap into distinct
// request/response structures in a second unmarshal pass.
package api

import (
	"encoding/base64"
	"errors"

	"github.com/goccy/go-json"
)

type Event string

// Wire events.
const (
	JoinChannel       Event = "join-channel"
	LeaveChannel      Event = "leave-channel"
	ChannelUsers      Event = "channel-users"
	UserJoined        Event = "user-joined"
	UserLeft          Event = "user-left"
	WebrtcOffer       Event = "webrtc-offer"
	WebrtcAnswer      Event = "webrtc-answer"
	IceCandidate      Event = "ice-candidate"
	TransmissionStart Event = "transmission-start"
	TransmissionEnd   Event = "transmission-end"
	AudioData         Event = "audio-data"
	Heartbeat         Event = "heartbeat"
)

// Internal transitions emitted by the transport itself,
// never put on the wire.
const (
	ConnectionStatus Event = "connection-status"
	ConnectionError  Event = "connection-error"
)

type In struct {
	T       Event           `json:"t"`
	Payload json.RawMessage `json:"p,omitempty"` // should be json.RawMessage for 2-pass unmarshal
}

type Out struct {
	T       Event `json:"t"`
	Payload any   `json:"p,omitempty"`
}

var ErrMalformed = errors.New("malformed")

func Unwrap[T any](data []byte) *T {
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil
	}
	return out
}

// ToBase64Json encodes data to a Base64+JSON string
// (the on-wire form of SDP blobs and ICE candidates).
func ToBase64Json(data any) (string, error) {
	if data == nil {
		return "", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// FromBase64Json decodes data from a Base64+JSON string.
func FromBase64Json(data string, obj any) error {
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, obj)
}

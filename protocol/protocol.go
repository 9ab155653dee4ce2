// Package protocol defines the command-tagged message objects exchanged
// between server and client.  Every message is a single JSON object
// carrying a numeric "command" field used for dispatch; all other
// fields belong to the application.  On the wire each message travels
// as one length-prefixed frame (see the link package).
package protocol

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"msgnet/link"
)

// CommandID identifies the semantic kind of a message.  The values are
// entirely application-defined.
type CommandID uint32

// ClientID identifies one connected client.  IDs are allocated by the
// server, monotonically increasing from 0, and never reused during a
// server lifetime.
type ClientID uint32

// Raw is an undecoded JSON message body.  Handlers unmarshal it into
// their own payload types.
type Raw = jsoniter.RawMessage

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrMalformed reports a frame whose body is not valid JSON.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrNoWelcome reports a welcome frame without a usable id field.
	ErrNoWelcome = errors.New("protocol: welcome frame carries no id")
)

// Base carries the command tag.  Application payload types embed it so
// the tag travels inside the payload object itself:
//
//	type Login struct {
//		protocol.Base
//		Username string `json:"username"`
//	}
type Base struct {
	Command CommandID `json:"command"`
}

// Tag is a convenience constructor for embedded Base fields.
func Tag(cmd CommandID) Base {
	return Base{Command: cmd}
}

// Message is one unit of traffic inside the runtime.
//
// Client is in-process routing state only: the server sets it to the
// source id on receive and reads it as the target id on send.  It is
// never part of the wire payload.
type Message struct {
	Command CommandID
	Client  ClientID
	Body    Raw

	tagged bool
}

// Tagged reports whether the body carried a usable command field.
// Untagged messages are dropped by the dispatch loops.
func (m Message) Tagged() bool {
	return m.tagged
}

// Encode marshals v into a sendable Message.  v must marshal to a JSON
// object; when it embeds Base the resulting message is tagged.  Bodies
// longer than the 16-bit frame limit are refused, not truncated.
func Encode(v any) (Message, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Message{}, errors.Wrap(err, "protocol: encode")
	}
	if len(body) > link.MaxPayload {
		return Message{}, errors.Wrapf(link.ErrFrameTooLarge, "protocol: %d byte body", len(body))
	}
	m := Message{Body: body}
	m.Command, m.tagged = probeCommand(body)
	return m, nil
}

// Decode parses one received frame body.  Invalid JSON is an error;
// valid JSON without a numeric command field yields an untagged
// message, which the caller drops at dispatch time.
func Decode(text string) (Message, error) {
	body := Raw(text)
	if !json.Valid(body) {
		return Message{}, errors.Wrapf(ErrMalformed, "%.40q", text)
	}
	m := Message{Body: body}
	m.Command, m.tagged = probeCommand(body)
	return m, nil
}

func probeCommand(body Raw) (CommandID, bool) {
	var probe struct {
		Command *CommandID `json:"command"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Command == nil {
		return 0, false
	}
	return *probe.Command, true
}

// ---------------------------------------------------------------------------
// Welcome frame
// ---------------------------------------------------------------------------

// Welcome is the first frame a server sends on a fresh connection,
// announcing the client's assigned id.
type Welcome struct {
	ID ClientID `json:"id"`
}

// EncodeWelcome renders the welcome frame for id.
func EncodeWelcome(id ClientID) (string, error) {
	body, err := json.Marshal(Welcome{ID: id})
	if err != nil {
		return "", errors.Wrap(err, "protocol: encode welcome")
	}
	return string(body), nil
}

// DecodeWelcome extracts the assigned client id from the first frame.
func DecodeWelcome(text string) (ClientID, error) {
	var probe struct {
		ID *ClientID `json:"id"`
	}
	if err := json.Unmarshal(Raw(text), &probe); err != nil || probe.ID == nil {
		return 0, errors.Wrapf(ErrNoWelcome, "%.40q", text)
	}
	return *probe.ID, nil
}

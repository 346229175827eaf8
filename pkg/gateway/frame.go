// Copyright 2024-2026 Aiku AI

package gateway

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/aiku/waforward/pkg/transport"
	"github.com/aiku/waforward/pkg/wanode"
)

// Frame operations. Requests carry an id that the matching result or error
// echoes back.
const (
	// client to sidecar
	OpHello             = "hello"
	OpQuery             = "query"
	OpPresenceSubscribe = "presence_subscribe"
	OpPresence          = "presence"
	OpSend              = "send"
	OpDownload          = "download"
	OpMessage           = "message"

	// sidecar to client
	OpResult     = "result"
	OpError      = "error"
	OpEvent      = "event"
	OpGetMessage = "get_message"
)

// Frame is one websocket message in either direction.
type Frame struct {
	ID uint64 `cbor:"id,omitempty"`
	Op string `cbor:"op"`

	Slug        string `cbor:"slug,omitempty"`
	Name        string `cbor:"name,omitempty"`
	Credentials []byte `cbor:"credentials,omitempty"`

	Node     *wanode.Node               `cbor:"node,omitempty"`
	Target   string                     `cbor:"target,omitempty"`
	Presence transport.Presence         `cbor:"presence,omitempty"`
	Message  *transport.OutgoingMessage `cbor:"message,omitempty"`
	Media    *transport.Media           `cbor:"media,omitempty"`
	Key      *transport.MessageKey      `cbor:"key,omitempty"`

	Data  []byte `cbor:"data,omitempty"`
	Text  string `cbor:"text,omitempty"`
	Found bool   `cbor:"found,omitempty"`
	Error string `cbor:"error,omitempty"`

	Event *EventFrame `cbor:"event,omitempty"`
}

// EventFrame is the wire form of a transport.Event. Name selects which
// fields are meaningful.
type EventFrame struct {
	Name string `cbor:"name"`

	Status    transport.Status `cbor:"status,omitempty"`
	ErrorCode int              `cbor:"error_code,omitempty"`
	Reason    string           `cbor:"reason,omitempty"`
	QR        string           `cbor:"qr,omitempty"`

	Blob []byte `cbor:"blob,omitempty"`

	UpsertType transport.UpsertType `cbor:"upsert_type,omitempty"`
	Messages   []MessageFrame       `cbor:"messages,omitempty"`

	Chats    []transport.Chat    `cbor:"chats,omitempty"`
	IsLatest bool                `cbor:"is_latest,omitempty"`
	Contacts []transport.Contact `cbor:"contacts,omitempty"`
}

// MessageFrame is the wire form of a transport.Message. At most one payload
// field is set; none means a message without user content.
type MessageFrame struct {
	Key       transport.MessageKey `cbor:"key"`
	PushName  string               `cbor:"push_name,omitempty"`
	Timestamp int64                `cbor:"ts,omitempty"`

	Text        *transport.Text         `cbor:"text,omitempty"`
	Image       *transport.Image        `cbor:"image,omitempty"`
	Document    *transport.Document     `cbor:"document,omitempty"`
	Extended    *transport.ExtendedText `cbor:"extended,omitempty"`
	Unsupported *transport.Unsupported  `cbor:"unsupported,omitempty"`
}

// ErrUnknownEvent is returned for event names this client does not handle.
var ErrUnknownEvent = errors.New("gateway: unknown event")

// ErrMalformedFrame is returned to a request whose response frame could not
// be decoded.
var ErrMalformedFrame = errors.New("gateway: malformed frame")

// envelope is the part of a frame needed to route it. It still decodes when
// the rest of the frame does not.
type envelope struct {
	ID uint64 `cbor:"id,omitempty"`
	Op string `cbor:"op"`
}

var (
	frameEnc cbor.EncMode
	frameDec cbor.DecMode
)

func init() {
	var err error
	frameEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("gateway: CBOR encoder initialization failed: " + err.Error())
	}
	frameDec, err = cbor.DecOptions{MaxNestedLevels: 65535}.DecMode()
	if err != nil {
		panic("gateway: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeFrame(f Frame) ([]byte, error) {
	return frameEnc.Marshal(f)
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	err := frameDec.Unmarshal(data, &f)
	return f, err
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	err := frameDec.Unmarshal(data, &env)
	return env, err
}

// EncodeEvent converts an event into its wire form.
func EncodeEvent(evt transport.Event) (*EventFrame, error) {
	out := &EventFrame{Name: transport.EventName(evt)}
	switch evt := evt.(type) {
	case *transport.ConnectionUpdate:
		out.Status = evt.Status
		out.ErrorCode = evt.ErrorCode
		out.QR = evt.QR
		if evt.Err != nil {
			out.Reason = evt.Err.Error()
		}
	case *transport.CredentialsUpdate:
		out.Blob = evt.Blob
	case *transport.MessagesUpsert:
		out.UpsertType = evt.Type
		out.Messages = make([]MessageFrame, len(evt.Messages))
		for i, msg := range evt.Messages {
			out.Messages[i] = encodeMessage(msg)
		}
	case *transport.ChatsSet:
		out.Chats = evt.Chats
		out.IsLatest = evt.IsLatest
	case *transport.ChatsUpsert:
		out.Chats = evt.Chats
	case *transport.ContactsUpsert:
		out.Contacts = evt.Contacts
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, out.Name)
	}
	return out, nil
}

func encodeMessage(msg transport.Message) MessageFrame {
	out := MessageFrame{Key: msg.Key, PushName: msg.PushName, Timestamp: msg.Timestamp}
	switch p := msg.Payload.(type) {
	case *transport.Text:
		out.Text = p
	case *transport.Image:
		out.Image = p
	case *transport.Document:
		out.Document = p
	case *transport.ExtendedText:
		out.Extended = p
	case *transport.Unsupported:
		out.Unsupported = p
	}
	return out
}

// DecodeEvent converts the wire form back into an event.
func DecodeEvent(f *EventFrame) (transport.Event, error) {
	switch f.Name {
	case "connection.update":
		evt := &transport.ConnectionUpdate{Status: f.Status, ErrorCode: f.ErrorCode, QR: f.QR}
		if f.Status == transport.StatusClose {
			evt.Err = &transport.DisconnectError{Code: f.ErrorCode, Reason: f.Reason}
		}
		return evt, nil
	case "creds.update":
		return &transport.CredentialsUpdate{Blob: f.Blob}, nil
	case "messages.upsert":
		evt := &transport.MessagesUpsert{Type: f.UpsertType, Messages: make([]transport.Message, len(f.Messages))}
		for i, msg := range f.Messages {
			evt.Messages[i] = decodeMessage(msg)
		}
		return evt, nil
	case "chats.set":
		return &transport.ChatsSet{Chats: f.Chats, IsLatest: f.IsLatest}, nil
	case "chats.upsert":
		return &transport.ChatsUpsert{Chats: f.Chats}, nil
	case "contacts.upsert":
		return &transport.ContactsUpsert{Contacts: f.Contacts}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Name)
	}
}

func decodeMessage(f MessageFrame) transport.Message {
	msg := transport.Message{Key: f.Key, PushName: f.PushName, Timestamp: f.Timestamp}
	switch {
	case f.Text != nil:
		msg.Payload = f.Text
	case f.Image != nil:
		msg.Payload = f.Image
	case f.Document != nil:
		msg.Payload = f.Document
	case f.Extended != nil:
		msg.Payload = f.Extended
	case f.Unsupported != nil:
		msg.Payload = f.Unsupported
	}
	return msg
}

// Copyright 2024-2026 Aiku AI

package transport

import "fmt"

// Event is anything emitted on a handle's event stream.
type Event interface {
	eventName() string
}

// EventName returns the stable name of an event for logging.
func EventName(evt Event) string {
	if evt == nil {
		return "nil"
	}
	return evt.eventName()
}

// Status is the connection state carried by a ConnectionUpdate.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClose      Status = "close"
)

// ConnectionUpdate reports a change of the connection state. ErrorCode is only
// meaningful when Status is StatusClose.
type ConnectionUpdate struct {
	Status    Status
	ErrorCode int
	Err       error
	// QR is set while the account is waiting to be paired.
	QR string
}

func (*ConnectionUpdate) eventName() string { return "connection.update" }

// DisconnectError describes why a connection closed.
type DisconnectError struct {
	Code   int
	Reason string
}

func (e *DisconnectError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("disconnected: %s", CodeName(e.Code))
	}
	return fmt.Sprintf("disconnected: %s: %s", CodeName(e.Code), e.Reason)
}

// StatusCode returns the disconnect code.
func (e *DisconnectError) StatusCode() int {
	return e.Code
}

// CredentialsUpdate carries the full, opaque credential blob. It replaces
// whatever was stored before.
type CredentialsUpdate struct {
	Blob []byte
}

func (*CredentialsUpdate) eventName() string { return "creds.update" }

// UpsertType distinguishes live deliveries from history sync.
type UpsertType string

const (
	UpsertNotify UpsertType = "notify"
	UpsertAppend UpsertType = "append"
)

// MessagesUpsert delivers new or updated messages.
type MessagesUpsert struct {
	Type     UpsertType
	Messages []Message
}

func (*MessagesUpsert) eventName() string { return "messages.upsert" }

// Chat is the summary of one conversation.
type Chat struct {
	ID                    string `cbor:"id" json:"id"`
	Name                  string `cbor:"name,omitempty" json:"name,omitempty"`
	UnreadCount           int    `cbor:"unread,omitempty" json:"unread_count,omitempty"`
	ConversationTimestamp int64  `cbor:"ts,omitempty" json:"conversation_timestamp,omitempty"`
	Archived              bool   `cbor:"archived,omitempty" json:"archived,omitempty"`
}

// ChatsSet replaces the chat list after the initial sync.
type ChatsSet struct {
	Chats    []Chat
	IsLatest bool
}

func (*ChatsSet) eventName() string { return "chats.set" }

// ChatsUpsert adds or updates individual chats.
type ChatsUpsert struct {
	Chats []Chat
}

func (*ChatsUpsert) eventName() string { return "chats.upsert" }

// Contact is an address book entry.
type Contact struct {
	ID     string `cbor:"id" json:"id"`
	Name   string `cbor:"name,omitempty" json:"name,omitempty"`
	Notify string `cbor:"notify,omitempty" json:"notify,omitempty"`
}

// ContactsUpsert adds or updates contacts.
type ContactsUpsert struct {
	Contacts []Contact
}

func (*ContactsUpsert) eventName() string { return "contacts.upsert" }

// Copyright 2024-2026 Aiku AI

package transport

// MessageKey identifies a message within a chat.
type MessageKey struct {
	RemoteJID   string `cbor:"remote_jid" json:"remote_jid"`
	FromMe      bool   `cbor:"from_me,omitempty" json:"from_me,omitempty"`
	ID          string `cbor:"id" json:"id"`
	Participant string `cbor:"participant,omitempty" json:"participant,omitempty"`
}

// Message is one inbound or outbound message.
type Message struct {
	Key       MessageKey
	PushName  string
	Timestamp int64
	// Payload is nil for protocol messages without user content.
	Payload Payload
}

// PayloadKind names the variant of a Payload.
type PayloadKind string

const (
	KindText         PayloadKind = "text"
	KindImage        PayloadKind = "image"
	KindDocument     PayloadKind = "document"
	KindExtendedText PayloadKind = "extended_text"
	KindUnsupported  PayloadKind = "unsupported"
)

// Payload is the user content of a message. The set of variants is closed.
type Payload interface {
	Kind() PayloadKind
}

// Text is a plain conversation message.
type Text struct {
	Body string `cbor:"body" json:"body"`
}

// Media references downloadable encrypted content. It is opaque to everything
// except the handle that produced it.
type Media struct {
	DirectPath string `cbor:"direct_path" json:"direct_path"`
	MediaKey   []byte `cbor:"media_key" json:"-"`
	FileSHA256 []byte `cbor:"file_sha256,omitempty" json:"-"`
	FileLength uint64 `cbor:"file_length,omitempty" json:"file_length,omitempty"`
	Mimetype   string `cbor:"mimetype,omitempty" json:"mimetype,omitempty"`
}

// Image is a photo with an optional caption.
type Image struct {
	Caption string `cbor:"caption,omitempty" json:"caption,omitempty"`
	Media   Media  `cbor:"media" json:"media"`
}

// Document is a file attachment.
type Document struct {
	FileName string `cbor:"file_name,omitempty" json:"file_name,omitempty"`
	Caption  string `cbor:"caption,omitempty" json:"caption,omitempty"`
	Media    Media  `cbor:"media" json:"media"`
}

// ContextInfo links an extended text to the message it quotes.
type ContextInfo struct {
	StanzaID    string `cbor:"stanza_id,omitempty" json:"stanza_id,omitempty"`
	Participant string `cbor:"participant,omitempty" json:"participant,omitempty"`
	QuotedText  string `cbor:"quoted_text,omitempty" json:"quoted_text,omitempty"`
}

// ExtendedText is a text with link preview or quote context.
type ExtendedText struct {
	Text         string       `cbor:"text" json:"text"`
	MatchedText  string       `cbor:"matched_text,omitempty" json:"matched_text,omitempty"`
	CanonicalURL string       `cbor:"canonical_url,omitempty" json:"canonical_url,omitempty"`
	Title        string       `cbor:"title,omitempty" json:"title,omitempty"`
	Description  string       `cbor:"description,omitempty" json:"description,omitempty"`
	ContextInfo  *ContextInfo `cbor:"context_info,omitempty" json:"context_info,omitempty"`
}

// Unsupported is any payload variant this system does not forward.
type Unsupported struct {
	Type string `cbor:"type" json:"type"`
}

func (*Text) Kind() PayloadKind         { return KindText }
func (*Image) Kind() PayloadKind        { return KindImage }
func (*Document) Kind() PayloadKind     { return KindDocument }
func (*ExtendedText) Kind() PayloadKind { return KindExtendedText }
func (*Unsupported) Kind() PayloadKind  { return KindUnsupported }

// PlainText returns the human-readable text of a payload, if it has any.
func PlainText(p Payload) (string, bool) {
	switch v := p.(type) {
	case *Text:
		return v.Body, true
	case *ExtendedText:
		return v.Text, true
	case *Image:
		return v.Caption, v.Caption != ""
	case *Document:
		return v.Caption, v.Caption != ""
	default:
		return "", false
	}
}

// OutgoingMedia is media content to upload and send.
type OutgoingMedia struct {
	Data     []byte `cbor:"data"`
	Caption  string `cbor:"caption,omitempty"`
	FileName string `cbor:"file_name,omitempty"`
	Mimetype string `cbor:"mimetype,omitempty"`
}

// OutgoingMessage is a message to send. Exactly one field is set.
type OutgoingMessage struct {
	Text         *string        `cbor:"text,omitempty"`
	ExtendedText *ExtendedText  `cbor:"extended_text,omitempty"`
	Image        *OutgoingMedia `cbor:"image,omitempty"`
	Document     *OutgoingMedia `cbor:"document,omitempty"`
}

// Kind returns the variant of the outgoing message.
func (m OutgoingMessage) Kind() PayloadKind {
	switch {
	case m.Text != nil:
		return KindText
	case m.ExtendedText != nil:
		return KindExtendedText
	case m.Image != nil:
		return KindImage
	case m.Document != nil:
		return KindDocument
	default:
		return KindUnsupported
	}
}

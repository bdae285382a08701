package chat

import (
	"strings"
	"time"
)

// Provenance tells whether a message is a local echo or server-confirmed.
type Provenance string

const (
	ProvenanceOptimistic Provenance = "optimistic"
	ProvenanceConfirmed  Provenance = "confirmed"
)

// MessageType is the wire-level type tag of a message.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// PayloadKind discriminates the Payload variant.
type PayloadKind string

const (
	PayloadText       PayloadKind = "text"
	PayloadAttachment PayloadKind = "attachment"
	PayloadSystem     PayloadKind = "system"
)

// MimeCategory is the coarse attachment category rendered by the UI.
type MimeCategory string

const (
	MimeImage MimeCategory = "image"
	MimeFile  MimeCategory = "file"
)

// Attachment describes an uploaded file referenced by a message.
type Attachment struct {
	ID       string       `json:"id"`
	Filename string       `json:"filename"`
	Size     int64        `json:"size"`
	Category MimeCategory `json:"category"`
	URL      string       `json:"url"`
}

// SystemNotice is a server-generated notice such as "user joined".
type SystemNotice struct {
	Code string `json:"code"`
	Text string `json:"text"`
}

// Payload is the tagged message body. Exactly one of Text, Attachment or
// System is meaningful, selected by Kind.
type Payload struct {
	Kind       PayloadKind   `json:"kind"`
	Text       string        `json:"text,omitempty"`
	Attachment *Attachment   `json:"attachment,omitempty"`
	System     *SystemNotice `json:"system,omitempty"`
}

// TextPayload builds a plain text payload.
func TextPayload(body string) Payload {
	return Payload{Kind: PayloadText, Text: body}
}

// AttachmentPayload builds an attachment payload.
func AttachmentPayload(a Attachment) Payload {
	return Payload{Kind: PayloadAttachment, Attachment: &a}
}

// SystemPayload builds a system notice payload.
func SystemPayload(code, text string) Payload {
	return Payload{Kind: PayloadSystem, System: &SystemNotice{Code: code, Text: text}}
}

// Message is a single chat line as held by the local message list.
type Message struct {
	ID              string      `json:"id"`
	ClientMessageID string      `json:"clientMessageId,omitempty"`
	ChannelID       string      `json:"channelId"`
	SenderID        string      `json:"senderId"`
	Type            MessageType `json:"type"`
	Payload         Payload     `json:"payload"`
	ReplyToID       string      `json:"replyToId,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	Provenance      Provenance  `json:"provenance"`
}

// Optimistic reports whether the message is still awaiting confirmation.
func (m Message) Optimistic() bool {
	return m.Provenance == ProvenanceOptimistic
}

// Body returns the text that represents the message content on the wire.
func (m Message) Body() string {
	switch m.Payload.Kind {
	case PayloadAttachment:
		if m.Payload.Attachment != nil {
			return m.Payload.Attachment.Filename
		}
	case PayloadSystem:
		if m.Payload.System != nil {
			return m.Payload.System.Text
		}
	}
	return m.Payload.Text
}

// ContentKey identifies a message by who sent what, independent of ids.
// Attachments are keyed by attachment id since the filename is not unique.
func (m Message) ContentKey() string {
	content := m.Payload.Text
	switch m.Payload.Kind {
	case PayloadAttachment:
		if m.Payload.Attachment != nil {
			content = "att:" + m.Payload.Attachment.ID
		}
	case PayloadSystem:
		if m.Payload.System != nil {
			content = "sys:" + m.Payload.System.Code + ":" + m.Payload.System.Text
		}
	}
	return strings.Join([]string{m.SenderID, string(m.Type), content}, "\x00")
}

package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
)

// ChannelPayload carries a bare channel id (join/leave/typing).
type ChannelPayload struct {
	ChannelID string `json:"channelId"`
}

// SendMessagePayload is the outbound send_message body.
type SendMessagePayload struct {
	ChannelID       string           `json:"channelId"`
	Message         string           `json:"message"`
	Type            chat.MessageType `json:"type"`
	ReplyToID       string           `json:"replyToId,omitempty"`
	ClientMessageID string           `json:"clientMessageId"`
	Attachment      *chat.Attachment `json:"attachment,omitempty"`
}

// WireMessage is a message as serialized by the server.
type WireMessage struct {
	ID              string             `json:"id"`
	ClientMessageID string             `json:"clientMessageId,omitempty"`
	ChannelID       string             `json:"channelId"`
	SenderID        string             `json:"senderId"`
	Message         string             `json:"message"`
	Type            chat.MessageType   `json:"type"`
	ReplyToID       string             `json:"replyToId,omitempty"`
	Attachment      *chat.Attachment   `json:"attachment,omitempty"`
	System          *chat.SystemNotice `json:"system,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
}

// MessagePayload wraps message_received / message_sent.
type MessagePayload struct {
	Message WireMessage `json:"message"`
}

// NotificationPayload is message_notification; it arrives regardless of
// channel membership.
type NotificationPayload struct {
	Message WireMessage  `json:"message"`
	Channel chat.Channel `json:"channel"`
}

// SendErrorPayload reports a rejected send_message.
type SendErrorPayload struct {
	ClientMessageID string `json:"clientMessageId"`
	ChannelID       string `json:"channelId,omitempty"`
	Message         string `json:"message"`
}

// SendFailedPayload is the local message_send_failed notification.
type SendFailedPayload struct {
	ClientMessageID string `json:"clientMessageId"`
	ChannelID       string `json:"channelId"`
	Reason          string `json:"reason"`
}

// TypingPayload is user_typing.
type TypingPayload struct {
	ChannelID       string `json:"channelId"`
	UserID          string `json:"userId"`
	UserDisplayName string `json:"userDisplayName"`
	IsTyping        bool   `json:"isTyping"`
}

// ChannelJoinedPayload is channel_joined.
type ChannelJoinedPayload struct {
	ChannelID   string   `json:"channelId"`
	RoomMembers []string `json:"roomMembers"`
}

// JoinErrorPayload is join_channel_error. Older servers omit the channel id.
type JoinErrorPayload struct {
	ChannelID string `json:"channelId,omitempty"`
	Message   string `json:"message"`
}

// MemberPayload is user_joined / user_left.
type MemberPayload struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
}

// PresencePayload is presence_update and user_disconnected.
type PresencePayload struct {
	UserID   string    `json:"userId"`
	Status   string    `json:"status,omitempty"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

// OverridePayload is presence_override.
type OverridePayload struct {
	UserID  string `json:"userId"`
	Kind    string `json:"kind,omitempty"`
	Status  string `json:"status,omitempty"`
	Cleared bool   `json:"cleared,omitempty"`
}

// ConnectionPayload accompanies transport lifecycle events.
type ConnectionPayload struct {
	Transport chat.TransportMode `json:"transport,omitempty"`
	Attempt   int                `json:"attempt,omitempty"`
	Error     string             `json:"error,omitempty"`
	Final     bool               `json:"final,omitempty"`
}

// ToMessage converts the wire representation into a confirmed Message. The
// payload variant is decided here and nowhere else.
func (w WireMessage) ToMessage() chat.Message {
	msg := chat.Message{
		ID:              w.ID,
		ClientMessageID: w.ClientMessageID,
		ChannelID:       w.ChannelID,
		SenderID:        w.SenderID,
		Type:            w.Type,
		ReplyToID:       w.ReplyToID,
		CreatedAt:       w.CreatedAt,
		Provenance:      chat.ProvenanceConfirmed,
	}
	if msg.Type == "" {
		msg.Type = chat.MessageTypeText
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	switch msg.Type {
	case chat.MessageTypeImage, chat.MessageTypeFile:
		att := w.Attachment
		if att == nil {
			att = legacyAttachment(w.Message)
		}
		if att != nil {
			if att.Category == "" {
				att.Category = chat.MimeFile
				if msg.Type == chat.MessageTypeImage {
					att.Category = chat.MimeImage
				}
			}
			msg.Payload = chat.AttachmentPayload(*att)
			return msg
		}
	case chat.MessageTypeSystem:
		if w.System != nil {
			msg.Payload = chat.SystemPayload(w.System.Code, w.System.Text)
		} else {
			msg.Payload = chat.SystemPayload("", w.Message)
		}
		return msg
	}
	msg.Payload = chat.TextPayload(w.Message)
	return msg
}

// legacyAttachment parses attachment metadata that older servers encode as
// JSON inside the message text.
func legacyAttachment(body string) *chat.Attachment {
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "{") {
		return nil
	}
	var legacy struct {
		ID       string `json:"fileId"`
		Filename string `json:"fileName"`
		Size     int64  `json:"fileSize"`
		Mime     string `json:"mimeType"`
		URL      string `json:"fileUrl"`
	}
	if err := json.Unmarshal([]byte(body), &legacy); err != nil || legacy.ID == "" {
		return nil
	}
	category := chat.MimeFile
	if strings.HasPrefix(legacy.Mime, "image/") {
		category = chat.MimeImage
	}
	return &chat.Attachment{
		ID:       legacy.ID,
		Filename: legacy.Filename,
		Size:     legacy.Size,
		Category: category,
		URL:      legacy.URL,
	}
}

// FromMessage builds the wire form of a local message.
func FromMessage(m chat.Message) WireMessage {
	w := WireMessage{
		ID:              m.ID,
		ClientMessageID: m.ClientMessageID,
		ChannelID:       m.ChannelID,
		SenderID:        m.SenderID,
		Message:         m.Body(),
		Type:            m.Type,
		ReplyToID:       m.ReplyToID,
		Attachment:      m.Payload.Attachment,
		System:          m.Payload.System,
		CreatedAt:       m.CreatedAt,
	}
	if m.Payload.Kind == chat.PayloadText {
		w.Message = m.Payload.Text
	}
	return w
}

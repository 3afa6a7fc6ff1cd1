package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"strings"
	"time"
)

type MessageType string

const (
	MessageTypeText  MessageType = "TEXT"
	MessageTypeImage MessageType = "IMAGE"
	MessageTypeFile  MessageType = "FILE"
)

type MessageStatus string

const (
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
)

// RemovedPlaceholder is shown instead of the content of a soft-deleted message.
const RemovedPlaceholder = "This message was removed"

// Message is a chat message as held by the client. A message always has either a
// server-assigned ID or a client-assigned TempID awaiting reconciliation.
type Message struct {
	ID                int64         `json:"id,omitempty"`
	TempID            string        `json:"tempId,omitempty"`
	SenderUsername    string        `json:"senderUsername"`
	RecipientUsername string        `json:"recipientUsername"`
	Content           string        `json:"content"`
	Type              MessageType   `json:"type"`
	Status            MessageStatus `json:"status,omitempty"`
	Deleted           bool          `json:"deleted"`
	Ephemeral         bool          `json:"ephemeral,omitempty"`
	Timestamp         Timestamp     `json:"timestamp"`

	// Failed marks an optimistic send whose confirmation never arrived.
	Failed bool `json:"-"`
}

// Key identifies the message in client-side maps.
func (m *Message) Key() string {
	if m.ID != 0 {
		return fmt.Sprintf("id:%d", m.ID)
	}
	return "tmp:" + m.TempID
}

func (m *Message) Confirmed() bool {
	return m.ID != 0
}

// DisplayContent is what a renderer should print for the message.
func (m *Message) DisplayContent() string {
	if m.Deleted {
		return RemovedPlaceholder
	}
	return m.Content
}

// TypeForContentType derives the message type of an attachment from its MIME type.
func TypeForContentType(contentType string) MessageType {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mediaType {
	case "image/jpeg", "image/png", "image/gif":
		return MessageTypeImage
	default:
		return MessageTypeFile
	}
}

// Page is one page of conversation history. The server orders Content newest first.
type Page struct {
	Content    []Message `json:"content"`
	Last       bool      `json:"last"`
	Number     int       `json:"number"`
	TotalPages int       `json:"totalPages"`
}

// OutboundMessage is published to /app/chat.send.
type OutboundMessage struct {
	TempID            string      `json:"tempId"`
	SenderUsername    string      `json:"senderUsername"`
	RecipientUsername string      `json:"recipientUsername"`
	Content           string      `json:"content"`
	Type              MessageType `json:"type"`
}

// TypingUpdate is published to /app/chat.typing. The server binds the bean property
// "typing", browsers historically send "isTyping"; both are written.
type TypingUpdate struct {
	FromUsername string `json:"fromUsername"`
	ToUsername   string `json:"toUsername"`
	IsTyping     bool   `json:"isTyping"`
	Typing       bool   `json:"typing"`
}

func NewTypingUpdate(from, to string, typing bool) TypingUpdate {
	return TypingUpdate{FromUsername: from, ToUsername: to, IsTyping: typing, Typing: typing}
}

// ReadReceipt is published to /app/chat.markAsRead.
type ReadReceipt struct {
	MessageID int64         `json:"messageId"`
	Status    MessageStatus `json:"status"`
}

// UploadResult is returned by the file upload endpoint.
type UploadResult struct {
	FileURL string `json:"fileUrl"`
}

// Timestamp decodes the zone-less ISO timestamps the server emits as well as RFC 3339.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var millis int64
		if err := json.Unmarshal(data, &millis); err != nil {
			return fmt.Errorf("timestamp: unsupported value %s", data)
		}
		t.Time = time.UnixMilli(millis).UTC()
		return nil
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("timestamp: cannot parse %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

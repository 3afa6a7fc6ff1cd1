package models

import (
	"encoding/json"
	"fmt"
)

type StatusKind string

const (
	StatusKindTyping  StatusKind = "typing"
	StatusKindReceipt StatusKind = "receipt"
)

// StatusEvent is a typing update or a read receipt delivered on the status queue.
// Exactly one of Typing and Receipt is set, matching Kind.
type StatusEvent struct {
	Kind    StatusKind   `json:"kind"`
	Typing  *TypingEvent `json:"typing,omitempty"`
	Receipt *ReadReceipt `json:"receipt,omitempty"`
}

type TypingEvent struct {
	FromUsername string `json:"fromUsername"`
	ToUsername   string `json:"toUsername"`
	Typing       bool   `json:"typing"`
}

// PresenceEvent is broadcast on /topic/presence.
type PresenceEvent struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

func (p *PresenceEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		Username string `json:"username"`
		Online   *bool  `json:"online"`
		IsOnline *bool  `json:"isOnline"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Username = raw.Username
	p.Online = firstBool(raw.IsOnline, raw.Online)
	return nil
}

// DecodeStatusEvent turns a status-queue payload into a tagged StatusEvent. An explicit
// "kind" field wins; otherwise a "messageId" marks a receipt and "typing"/"isTyping" a
// typing update.
func DecodeStatusEvent(data []byte) (StatusEvent, error) {
	var raw struct {
		Kind         StatusKind    `json:"kind"`
		MessageID    *int64        `json:"messageId"`
		Status       MessageStatus `json:"status"`
		FromUsername string        `json:"fromUsername"`
		ToUsername   string        `json:"toUsername"`
		Typing       *bool         `json:"typing"`
		IsTyping     *bool         `json:"isTyping"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return StatusEvent{}, fmt.Errorf("decoding status event: %w", err)
	}

	kind := raw.Kind
	if kind == "" {
		switch {
		case raw.MessageID != nil:
			kind = StatusKindReceipt
		case raw.Typing != nil || raw.IsTyping != nil:
			kind = StatusKindTyping
		default:
			return StatusEvent{}, fmt.Errorf("decoding status event: unrecognised payload %s", data)
		}
	}

	switch kind {
	case StatusKindReceipt:
		if raw.MessageID == nil {
			return StatusEvent{}, fmt.Errorf("decoding status event: receipt without messageId")
		}
		status := raw.Status
		if status == "" {
			status = StatusRead
		}
		return StatusEvent{Kind: kind, Receipt: &ReadReceipt{MessageID: *raw.MessageID, Status: status}}, nil
	case StatusKindTyping:
		return StatusEvent{Kind: kind, Typing: &TypingEvent{
			FromUsername: raw.FromUsername,
			ToUsername:   raw.ToUsername,
			Typing:       firstBool(raw.IsTyping, raw.Typing),
		}}, nil
	default:
		return StatusEvent{}, fmt.Errorf("decoding status event: unknown kind %q", kind)
	}
}

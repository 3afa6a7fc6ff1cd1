// Package handlers routes inbound broker frames to the session components.
package handlers

import (
	"encoding/json"
	"fmt"

	"chat-client/internal/models"
	"chat-client/internal/websocket"
	"chat-client/pkg/logger"
)

// Subscriber is the transport surface the router binds to.
type Subscriber interface {
	Subscribe(destination string, handler websocket.Handler) error
}

// ConversationSink receives decoded events for the conversation view.
type ConversationSink interface {
	Ingest(msg models.Message)
	ApplyStatus(evt models.StatusEvent)
	ApplyPresence(evt models.PresenceEvent)
}

// PresenceSink receives presence updates for the contact list.
type PresenceSink interface {
	ApplyPresence(evt models.PresenceEvent)
}

type Router struct {
	conversation ConversationSink
	contacts     PresenceSink
}

func NewRouter(conversation ConversationSink, contacts PresenceSink) *Router {
	return &Router{conversation: conversation, contacts: contacts}
}

// Bind subscribes the per-user queues of username and the presence topic.
func (r *Router) Bind(sub Subscriber, username string) error {
	routes := []struct {
		destination string
		handler     websocket.Handler
	}{
		{models.MessagesQueue(username), r.HandleMessage},
		{models.StatusQueue(username), r.HandleStatus},
		{models.DestinationPresence, r.HandlePresence},
	}
	for _, route := range routes {
		if err := sub.Subscribe(route.destination, route.handler); err != nil {
			return fmt.Errorf("subscribing %s: %w", route.destination, err)
		}
	}
	logger.Debug("Bound %d routes for %s", len(routes), username)
	return nil
}

func (r *Router) HandleMessage(body []byte) {
	var msg models.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		logger.Warn("Dropping undecodable message: %v", err)
		return
	}
	if msg.ID == 0 && msg.TempID == "" {
		logger.Warn("Dropping message without id or tempId")
		return
	}
	r.conversation.Ingest(msg)
}

func (r *Router) HandleStatus(body []byte) {
	evt, err := models.DecodeStatusEvent(body)
	if err != nil {
		logger.Warn("Dropping status event: %v", err)
		return
	}
	r.conversation.ApplyStatus(evt)
}

func (r *Router) HandlePresence(body []byte) {
	var evt models.PresenceEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		logger.Warn("Dropping undecodable presence event: %v", err)
		return
	}
	if evt.Username == "" {
		return
	}
	r.contacts.ApplyPresence(evt)
	r.conversation.ApplyPresence(evt)
}

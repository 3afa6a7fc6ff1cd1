package models

// STOMP destinations of the chat broker.
const (
	DestinationSend     = "/app/chat.send"
	DestinationTyping   = "/app/chat.typing"
	DestinationMarkRead = "/app/chat.markAsRead"
	DestinationPresence = "/topic/presence"
)

func MessagesQueue(username string) string {
	return "/user/" + username + "/queue/messages"
}

func StatusQueue(username string) string {
	return "/user/" + username + "/queue/status"
}

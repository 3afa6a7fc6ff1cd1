package conversation

import (
	"slices"

	"chat-client/internal/models"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoadingHistory
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoadingHistory:
		return "loading"
	case PhaseReady:
		return "ready"
	default:
		return "unknown"
	}
}

// State is a snapshot of the conversation view.
type State struct {
	Phase        Phase
	Contact      *models.Contact
	Messages     []models.Message
	Unread       map[string]int
	PeerTyping   bool
	HasMore      bool
	LoadingOlder bool
	// FromArchive is set when the history fetch failed and the local archive was shown.
	FromArchive bool
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := State{
		Phase:        c.phase,
		Messages:     slices.Clone(c.messages),
		Unread:       make(map[string]int, len(c.unread)),
		PeerTyping:   c.peerTyping,
		HasMore:      c.hasMore,
		LoadingOlder: c.loadingOlder,
		FromArchive:  c.fromArchive,
	}
	if c.contact != nil {
		contact := *c.contact
		s.Contact = &contact
	}
	for user, keys := range c.unread {
		if len(keys) > 0 {
			s.Unread[user] = len(keys)
		}
	}
	return s
}

// Unread returns the number of unread messages from username.
func (c *Controller) Unread(username string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.unread[username])
}

func (c *Controller) UnreadCounts() map[string]int {
	return c.State().Unread
}

// Pending returns the number of sends still awaiting their echo.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.len()
}

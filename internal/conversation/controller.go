// Package conversation holds the state of the open one-to-one conversation: history
// paging, live ingestion, typing and read receipts, and optimistic sends.
package conversation

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-client/internal/clock"
	"chat-client/internal/config"
	"chat-client/internal/database"
	"chat-client/internal/models"
	"chat-client/pkg/logger"
)

// API is the REST surface the controller uses.
type API interface {
	History(ctx context.Context, meID, peerID int64, page, size int) (*models.Page, error)
	Upload(ctx context.Context, filename, contentType string, r io.Reader) (string, error)
	DeleteMessage(ctx context.Context, id int64) error
}

// Publisher sends payloads to broker destinations.
type Publisher interface {
	Publish(destination string, payload any) error
}

type Options struct {
	PageSize       int
	TypingIdle     time.Duration
	PendingTimeout time.Duration
	// MaxDeferredReceipts bounds receipts held for messages not loaded yet.
	MaxDeferredReceipts int
}

func OptionsFromConfig(cfg config.ChatConfig) Options {
	return Options{
		PageSize:            cfg.PageSize,
		TypingIdle:          cfg.TypingIdle,
		PendingTimeout:      cfg.PendingTimeout,
		MaxDeferredReceipts: 256,
	}
}

type outbound struct {
	destination string
	payload     any
}

type Controller struct {
	me      string
	meID    int64
	api     API
	pub     Publisher
	archive database.ArchiveRepository
	clock   clock.Clock
	opts    Options
	newID   func() string

	mu           sync.Mutex
	phase        Phase
	contact      *models.Contact
	generation   uint64
	messages     []models.Message
	index        map[string]int
	unread       map[string]map[string]struct{}
	peerTyping   bool
	nextPage     int
	hasMore      bool
	loadingOlder bool
	fromArchive  bool
	deferred     map[int64]models.MessageStatus
	deferOrder   []int64
	pending      *pendingTable
	typing       *typingEmitter
	onChange     func()
	onIncoming   func(models.Message)
}

// NewController creates the controller for the signed-in user me whose server id is meID.
// archive may be nil.
func NewController(me string, meID int64, api API, pub Publisher, archive database.ArchiveRepository, clk clock.Clock, opts Options) *Controller {
	if opts.PageSize < 1 {
		opts.PageSize = 50
	}
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = 1500 * time.Millisecond
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = 30 * time.Second
	}
	if opts.MaxDeferredReceipts < 1 {
		opts.MaxDeferredReceipts = 256
	}

	c := &Controller{
		me:       me,
		meID:     meID,
		api:      api,
		pub:      pub,
		archive:  archive,
		clock:    clk,
		opts:     opts,
		newID:    uuid.NewString,
		index:    make(map[string]int),
		unread:   make(map[string]map[string]struct{}),
		deferred: make(map[int64]models.MessageStatus),
	}
	c.pending = newPendingTable(clk, opts.PendingTimeout, c.expirePending)
	c.typing = newTypingEmitter(clk, opts.TypingIdle, c.typingIdle)
	return c
}

// OnChange registers a callback run after every state change.
func (c *Controller) OnChange(f func()) {
	c.mu.Lock()
	c.onChange = f
	c.mu.Unlock()
}

// OnIncoming registers a callback run for live messages from users other than the open contact.
func (c *Controller) OnIncoming(f func(models.Message)) {
	c.mu.Lock()
	c.onIncoming = f
	c.mu.Unlock()
}

// Select opens the conversation with contact and loads its newest history page.
// Selecting the contact that is already open does nothing. History is addressed by user
// id, so a contact without one is refused.
func (c *Controller) Select(ctx context.Context, contact models.Contact) error {
	if contact.ID == 0 {
		return fmt.Errorf("%w: contact %s has no user id", models.ErrValidation, contact.Username)
	}
	c.mu.Lock()
	if c.contact != nil && c.contact.Username == contact.Username && c.phase != PhaseIdle {
		c.mu.Unlock()
		return nil
	}
	out := c.typing.flush()
	c.generation++
	gen := c.generation
	c.contact = &contact
	c.resetView()
	delete(c.unread, contact.Username)
	c.phase = PhaseLoadingHistory
	c.mu.Unlock()

	c.send(out)
	c.notify()
	logger.Debug("Opening conversation with %s", contact.Username)

	page, err := c.api.History(ctx, c.meID, contact.ID, 0, c.opts.PageSize)
	if err != nil {
		logger.Error("Failed to load history with %s: %v", contact.Username, err)
		c.fallbackToArchive(ctx, gen, contact.Username)
		return err
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		logger.Debug("Discarding history for superseded selection of %s", contact.Username)
		return nil
	}
	live := c.messages
	c.messages = chronological(page.Content)
	c.reindex()
	out = c.applyLoaded(c.messages)
	// keep what arrived or was sent while the page was in flight
	for _, m := range live {
		if _, dup := c.index[m.Key()]; !dup {
			c.appendMessage(m)
		}
	}
	loaded := slices.Clone(c.messages)
	c.phase = PhaseReady
	c.hasMore = !page.Last
	c.nextPage = 1
	c.mu.Unlock()

	c.send(out)
	c.archiveMessages(loaded)
	c.notify()
	return nil
}

func (c *Controller) fallbackToArchive(ctx context.Context, gen uint64, peer string) {
	var archived []models.Message
	if c.archive != nil {
		var err error
		archived, err = c.archive.LoadArchivedConversation(ctx, c.me, peer, c.opts.PageSize)
		if err != nil {
			logger.Warn("Failed to read archived conversation with %s: %v", peer, err)
			archived = nil
		}
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.messages = archived
	c.reindex()
	c.fromArchive = len(archived) > 0
	c.phase = PhaseReady
	c.hasMore = false
	c.mu.Unlock()
	c.notify()
}

// Deselect closes the open conversation.
func (c *Controller) Deselect() {
	c.mu.Lock()
	out := c.typing.flush()
	c.generation++
	c.contact = nil
	c.resetView()
	c.phase = PhaseIdle
	c.mu.Unlock()

	c.send(out)
	c.notify()
}

// LoadOlder fetches the next older page when the last one reported more and no fetch is
// in flight.
func (c *Controller) LoadOlder(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseReady || !c.hasMore || c.loadingOlder || c.contact == nil {
		c.mu.Unlock()
		return nil
	}
	c.loadingOlder = true
	gen := c.generation
	page := c.nextPage
	peer, peerID := c.contact.Username, c.contact.ID
	c.mu.Unlock()
	c.notify()

	p, err := c.api.History(ctx, c.meID, peerID, page, c.opts.PageSize)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return nil
	}
	c.loadingOlder = false
	if err != nil {
		c.mu.Unlock()
		logger.Error("Failed to load page %d with %s: %v", page, peer, err)
		c.notify()
		return err
	}

	older := make([]models.Message, 0, len(p.Content))
	for _, m := range chronological(p.Content) {
		if _, dup := c.index[m.Key()]; !dup {
			older = append(older, m)
		}
	}
	c.messages = append(older, c.messages...)
	c.reindex()
	out := c.applyLoaded(c.messages[:len(older)])
	older = slices.Clone(c.messages[:len(older)])
	c.nextPage = page + 1
	c.hasMore = !p.Last
	c.mu.Unlock()

	c.send(out)
	c.archiveMessages(older)
	c.notify()
	return nil
}

// Ingest applies a message delivered on the live queue.
func (c *Controller) Ingest(msg models.Message) {
	c.mu.Lock()

	if msg.ID != 0 {
		if i, ok := c.index[msg.Key()]; ok {
			c.updateInPlace(i, msg)
			if msg.TempID != "" {
				c.pending.resolve(msg.TempID)
				c.dropOptimistic(msg.TempID)
			}
			stored := c.messages[c.index[msg.Key()]]
			c.mu.Unlock()
			c.archiveMessages([]models.Message{stored})
			c.notify()
			return
		}
		if msg.Deleted {
			// removal of a message outside the loaded window
			c.forgetUnread(msg.Key())
			c.mu.Unlock()
			if c.archive != nil {
				if err := c.archive.MarkArchivedDeleted(context.Background(), c.me, msg.ID); err != nil {
					logger.Warn("Failed to mark archived message %d deleted: %v", msg.ID, err)
				}
			}
			c.notify()
			return
		}
	}

	open := c.contact != nil && c.phase != PhaseIdle
	peer := ""
	if open {
		peer = c.contact.Username
	}

	switch {
	case msg.SenderUsername == c.me:
		if msg.TempID != "" {
			c.pending.resolve(msg.TempID)
		}
		if i, ok := c.index["tmp:"+msg.TempID]; ok && msg.TempID != "" {
			c.confirm(i, msg)
		} else if open && msg.RecipientUsername == peer {
			c.appendMessage(msg)
		} else {
			c.mu.Unlock()
			c.archiveMessages([]models.Message{msg})
			return
		}
		c.mu.Unlock()
		c.archiveMessages([]models.Message{msg})
		c.notify()

	case open && msg.SenderUsername == peer:
		c.appendMessage(msg)
		out := c.markRead(len(c.messages) - 1)
		c.mu.Unlock()
		c.send(out)
		c.archiveMessages([]models.Message{msg})
		c.notify()

	default:
		if !msg.Deleted {
			keys, ok := c.unread[msg.SenderUsername]
			if !ok {
				keys = make(map[string]struct{})
				c.unread[msg.SenderUsername] = keys
			}
			keys[msg.Key()] = struct{}{}
		}
		onIncoming := c.onIncoming
		c.mu.Unlock()
		c.archiveMessages([]models.Message{msg})
		if onIncoming != nil {
			onIncoming(msg)
		}
		c.notify()
	}
}

// ApplyStatus applies a typing update or read receipt.
func (c *Controller) ApplyStatus(evt models.StatusEvent) {
	switch evt.Kind {
	case models.StatusKindTyping:
		if evt.Typing == nil {
			return
		}
		c.mu.Lock()
		if c.contact == nil || c.contact.Username != evt.Typing.FromUsername || c.peerTyping == evt.Typing.Typing {
			c.mu.Unlock()
			return
		}
		c.peerTyping = evt.Typing.Typing
		c.mu.Unlock()
		c.notify()

	case models.StatusKindReceipt:
		if evt.Receipt == nil {
			return
		}
		r := *evt.Receipt
		c.mu.Lock()
		i, ok := c.index[fmt.Sprintf("id:%d", r.MessageID)]
		if !ok {
			c.deferReceipt(r)
			c.mu.Unlock()
			logger.Debug("Deferred receipt for message %d", r.MessageID)
			return
		}
		c.messages[i].Status = r.Status
		stored := c.messages[i]
		c.mu.Unlock()
		c.archiveMessages([]models.Message{stored})
		c.notify()
	}
}

// ApplyPresence updates the online flag of the open contact.
func (c *Controller) ApplyPresence(evt models.PresenceEvent) {
	c.mu.Lock()
	if c.contact == nil || c.contact.Username != evt.Username || c.contact.Online == evt.Online {
		c.mu.Unlock()
		return
	}
	c.contact.Online = evt.Online
	c.mu.Unlock()
	c.notify()
}

// Send appends a text message optimistically and publishes it.
func (c *Controller) Send(content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, fmt.Errorf("%w: message content is empty", models.ErrValidation)
	}
	c.mu.Lock()
	if c.contact == nil {
		c.mu.Unlock()
		return models.Message{}, models.ErrNoConversation
	}
	peer := c.contact.Username
	c.mu.Unlock()
	return c.sendTo(peer, content, models.MessageTypeText)
}

// SendAttachment uploads r and sends a message referencing the stored file.
func (c *Controller) SendAttachment(ctx context.Context, filename, contentType string, r io.Reader) (models.Message, error) {
	c.mu.Lock()
	if c.contact == nil {
		c.mu.Unlock()
		return models.Message{}, models.ErrNoConversation
	}
	peer := c.contact.Username
	c.mu.Unlock()

	fileURL, err := c.api.Upload(ctx, filename, contentType, r)
	if err != nil {
		logger.Error("Failed to upload %s: %v", filename, err)
		return models.Message{}, err
	}
	return c.sendTo(peer, fileURL, models.TypeForContentType(contentType))
}

func (c *Controller) sendTo(peer, content string, typ models.MessageType) (models.Message, error) {
	msg := models.Message{
		TempID:            c.newID(),
		SenderUsername:    c.me,
		RecipientUsername: peer,
		Content:           content,
		Type:              typ,
		Status:            models.StatusSent,
		Timestamp:         models.NewTimestamp(c.clock.Now()),
	}

	c.mu.Lock()
	out := c.typing.flush()
	if c.contact != nil && c.contact.Username == peer && c.phase != PhaseIdle {
		c.appendMessage(msg)
	}
	c.pending.add(msg.TempID)
	c.mu.Unlock()

	c.send(out)
	c.notify()

	err := c.pub.Publish(models.DestinationSend, models.OutboundMessage{
		TempID:            msg.TempID,
		SenderUsername:    msg.SenderUsername,
		RecipientUsername: msg.RecipientUsername,
		Content:           msg.Content,
		Type:              msg.Type,
	})
	if err != nil {
		logger.Error("Failed to publish message %s: %v", msg.TempID, err)
		return msg, err
	}
	return msg, nil
}

// Delete soft-deletes a message on the server and marks it deleted locally.
func (c *Controller) Delete(ctx context.Context, id int64) error {
	if err := c.api.DeleteMessage(ctx, id); err != nil {
		logger.Error("Failed to delete message %d: %v", id, err)
		return err
	}

	key := fmt.Sprintf("id:%d", id)
	c.mu.Lock()
	if i, ok := c.index[key]; ok {
		c.messages[i].Deleted = true
	}
	c.forgetUnread(key)
	c.mu.Unlock()

	if c.archive != nil {
		if err := c.archive.MarkArchivedDeleted(ctx, c.me, id); err != nil {
			logger.Warn("Failed to mark archived message %d deleted: %v", id, err)
		}
	}
	c.notify()
	return nil
}

// InputChanged reports the current text of the compose field.
func (c *Controller) InputChanged(text string) {
	c.mu.Lock()
	if c.contact == nil {
		c.mu.Unlock()
		return
	}
	out := c.typing.input(c.me, c.contact.Username, text)
	c.mu.Unlock()
	c.send(out)
}

// Close flushes an outstanding typing state and drops pending sends.
func (c *Controller) Close() {
	c.mu.Lock()
	out := c.typing.flush()
	c.pending.clear()
	c.mu.Unlock()
	c.send(out)
}

func (c *Controller) typingIdle(gen uint64) {
	c.mu.Lock()
	out := c.typing.expire(gen)
	c.mu.Unlock()
	c.send(out)
}

func (c *Controller) expirePending(tempID string) {
	c.mu.Lock()
	if !c.pending.take(tempID) {
		c.mu.Unlock()
		return
	}
	i, ok := c.index["tmp:"+tempID]
	if ok {
		c.messages[i].Failed = true
	}
	c.mu.Unlock()

	logger.Warn("Message %s was not confirmed in time", tempID)
	if ok {
		c.notify()
	}
}

// resetView clears per-conversation state. Callers hold c.mu.
func (c *Controller) resetView() {
	c.messages = nil
	c.index = make(map[string]int)
	c.peerTyping = false
	c.nextPage = 0
	c.hasMore = false
	c.loadingOlder = false
	c.fromArchive = false
	c.deferred = make(map[int64]models.MessageStatus)
	c.deferOrder = nil
}

// dropOptimistic removes the unconfirmed copy of a send whose server copy is already in
// the view, as happens when the history page that carried it raced the echo.
func (c *Controller) dropOptimistic(tempID string) {
	j, ok := c.index["tmp:"+tempID]
	if !ok {
		return
	}
	c.messages = slices.Delete(c.messages, j, j+1)
	c.reindex()
}

func (c *Controller) reindex() {
	c.index = make(map[string]int, len(c.messages))
	for i := range c.messages {
		c.index[c.messages[i].Key()] = i
	}
}

func (c *Controller) appendMessage(msg models.Message) {
	c.messages = append(c.messages, msg)
	i := len(c.messages) - 1
	c.index[msg.Key()] = i
	c.applyDeferred(i)
}

// confirm replaces the optimistic entry at i with the server echo, keeping its position.
func (c *Controller) confirm(i int, echo models.Message) {
	old := c.messages[i]
	delete(c.index, old.Key())
	echo.Failed = false
	if echo.Content == "" {
		echo.Content = old.Content
	}
	if echo.Timestamp.IsZero() {
		echo.Timestamp = old.Timestamp
	}
	c.messages[i] = echo
	c.index[echo.Key()] = i
	c.applyDeferred(i)
}

func (c *Controller) updateInPlace(i int, msg models.Message) {
	m := &c.messages[i]
	if msg.Status != "" {
		m.Status = msg.Status
	}
	if msg.Content != "" {
		m.Content = msg.Content
	}
	if msg.Deleted {
		m.Deleted = true
		c.forgetUnread(m.Key())
	}
	m.Failed = false
}

// applyLoaded applies deferred receipts to freshly loaded messages and returns the read
// receipts owed for them.
func (c *Controller) applyLoaded(msgs []models.Message) []outbound {
	var out []outbound
	for _, m := range msgs {
		i := c.index[m.Key()]
		c.applyDeferred(i)
		out = append(out, c.markRead(i)...)
	}
	return out
}

// markRead emits a read receipt for the inbound message at i unless it is read or deleted.
func (c *Controller) markRead(i int) []outbound {
	m := &c.messages[i]
	if m.SenderUsername == c.me || m.ID == 0 || m.Deleted || m.Status == models.StatusRead {
		return nil
	}
	m.Status = models.StatusRead
	return []outbound{{
		destination: models.DestinationMarkRead,
		payload:     models.ReadReceipt{MessageID: m.ID, Status: models.StatusRead},
	}}
}

func (c *Controller) deferReceipt(r models.ReadReceipt) {
	if _, ok := c.deferred[r.MessageID]; !ok {
		if len(c.deferOrder) >= c.opts.MaxDeferredReceipts {
			oldest := c.deferOrder[0]
			c.deferOrder = c.deferOrder[1:]
			delete(c.deferred, oldest)
		}
		c.deferOrder = append(c.deferOrder, r.MessageID)
	}
	c.deferred[r.MessageID] = r.Status
}

func (c *Controller) applyDeferred(i int) {
	id := c.messages[i].ID
	if id == 0 {
		return
	}
	status, ok := c.deferred[id]
	if !ok {
		return
	}
	c.messages[i].Status = status
	delete(c.deferred, id)
	c.deferOrder = slices.DeleteFunc(c.deferOrder, func(v int64) bool { return v == id })
}

func (c *Controller) forgetUnread(key string) {
	for user, keys := range c.unread {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.unread, user)
		}
	}
}

func (c *Controller) send(out []outbound) {
	for _, o := range out {
		if err := c.pub.Publish(o.destination, o.payload); err != nil {
			logger.Warn("Failed to publish to %s: %v", o.destination, err)
		}
	}
}

func (c *Controller) archiveMessages(msgs []models.Message) {
	if c.archive == nil || len(msgs) == 0 {
		return
	}
	keep := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Ephemeral {
			keep = append(keep, m)
		}
	}
	if err := c.archive.ArchiveMessages(context.Background(), c.me, keep); err != nil {
		logger.Warn("Failed to archive messages: %v", err)
	}
}

func (c *Controller) notify() {
	c.mu.Lock()
	f := c.onChange
	c.mu.Unlock()
	if f != nil {
		f()
	}
}

// chronological returns a newest-first page oldest first.
func chronological(page []models.Message) []models.Message {
	out := slices.Clone(page)
	slices.Reverse(out)
	return out
}

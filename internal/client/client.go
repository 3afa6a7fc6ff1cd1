// Package client wires the REST client, session store, transport, contact service and
// conversation controller into one signed-in chat session.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"chat-client/internal/api"
	"chat-client/internal/auth"
	"chat-client/internal/clock"
	"chat-client/internal/config"
	"chat-client/internal/conversation"
	"chat-client/internal/database"
	"chat-client/internal/handlers"
	"chat-client/internal/models"
	"chat-client/internal/services"
	"chat-client/internal/websocket"
	"chat-client/pkg/logger"
)

var ErrAlreadyStarted = errors.New("session already started")

type Client struct {
	cfg   *config.Config
	db    database.Database
	clock clock.Clock

	api       *api.Client
	auth      *auth.Service
	transport *websocket.Client
	contacts  *services.ContactService

	mu           sync.Mutex
	session      *models.Session
	conversation *conversation.Controller
	onExpired    func()
}

// New opens the configured database and builds the session components. Nothing touches
// the network until Login, Register or Resume.
func New(cfg *config.Config, clk clock.Clock) (*Client, error) {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", cfg.Database.Driver, err)
	}

	c := &Client{cfg: cfg, db: db, clock: clk}
	c.api = api.NewClient(cfg.Server.BaseURL, cfg.Server.RequestTimeout, c, cfg.Auth.MaxForbidden)
	c.auth = auth.NewService(c.api, db, cfg.Auth, clk)
	c.transport = websocket.NewClient(websocket.OptionsFromConfig(cfg.Server.WebSocketURL, cfg.Transport), c.auth)
	c.contacts = services.NewContactService(c.api, clk, cfg.Chat.SearchDebounce)

	c.api.OnAuthExpired(c.authExpired)
	c.transport.OnReconnect(c.reconnected)
	return c, nil
}

// Token implements api.TokenSource over the session store.
func (c *Client) Token() string {
	return c.auth.Token()
}

// OnAuthExpired registers a callback run after the session was dropped because the
// server stopped accepting its token.
func (c *Client) OnAuthExpired(f func()) {
	c.mu.Lock()
	c.onExpired = f
	c.mu.Unlock()
}

func (c *Client) Login(ctx context.Context, creds models.Credentials) (*models.Session, error) {
	sess, err := c.auth.Login(ctx, creds)
	if err != nil {
		return nil, err
	}
	return sess, c.Start(ctx, sess)
}

func (c *Client) Register(ctx context.Context, creds models.Credentials) (*models.Session, error) {
	sess, err := c.auth.Register(ctx, creds)
	if err != nil {
		return nil, err
	}
	return sess, c.Start(ctx, sess)
}

// Resume starts the session persisted by an earlier run.
func (c *Client) Resume(ctx context.Context) (*models.Session, error) {
	sess, err := c.auth.Current(ctx)
	if err != nil {
		return nil, err
	}
	return sess, c.Start(ctx, sess)
}

// Start loads the contact list and connects the transport concurrently. Once the broker
// accepts the session the user's queues and the presence topic are subscribed.
func (c *Client) Start(ctx context.Context, sess *models.Session) error {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	conv := conversation.NewController(sess.Username, sess.UserID, c.api, c.transport, c.db, c.clock,
		conversation.OptionsFromConfig(c.cfg.Chat))
	conv.OnIncoming(c.incoming)
	c.session = sess
	c.conversation = conv
	c.mu.Unlock()

	router := handlers.NewRouter(conv, c.contacts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := c.contacts.LoadContacts(gctx); err != nil {
			logger.Warn("Starting without contacts: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		return c.transport.Connect(gctx, func() {
			if err := router.Bind(c.transport, sess.Username); err != nil {
				logger.Error("Failed to subscribe for %s: %v", sess.Username, err)
			}
		})
	})
	if err := g.Wait(); err != nil {
		c.stop()
		return fmt.Errorf("starting session for %s: %w", sess.Username, err)
	}

	logger.Info("Session for %s started", sess.Username)
	return nil
}

func (c *Client) Session() *models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Conversation returns the controller of the running session, or nil before Start.
func (c *Client) Conversation() *conversation.Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversation
}

func (c *Client) Contacts() *services.ContactService {
	return c.contacts
}

// API exposes the REST client for calls no component owns, such as the admin endpoints.
func (c *Client) API() *api.Client {
	return c.api
}

func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// Logout ends the running session and forgets the persisted one.
func (c *Client) Logout(ctx context.Context) error {
	c.stop()
	return c.auth.Logout(ctx)
}

// Close ends the running session but keeps it persisted for Resume.
func (c *Client) Close() error {
	c.stop()
	c.contacts.Close()
	return c.db.Close()
}

func (c *Client) stop() {
	c.mu.Lock()
	conv := c.conversation
	c.session = nil
	c.conversation = nil
	c.mu.Unlock()

	if conv != nil {
		conv.Close()
	}
	c.transport.Disconnect()
}

func (c *Client) authExpired() {
	c.stop()
	c.auth.Expire(context.Background())

	c.mu.Lock()
	f := c.onExpired
	c.mu.Unlock()
	if f != nil {
		f()
	}
}

// incoming adds senders that are not in the contact list yet. Live messages carry no user
// id, so it is looked up in the background before the conversation can be opened.
func (c *Client) incoming(msg models.Message) {
	if contact, ok := c.contacts.Lookup(msg.SenderUsername); ok && contact.ID != 0 {
		return
	}
	c.contacts.AddContact(models.Contact{Username: msg.SenderUsername})
	logger.Info("New conversation from %s", msg.SenderUsername)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.RequestTimeout)
		defer cancel()
		if _, err := c.contacts.Resolve(ctx, msg.SenderUsername); err != nil {
			logger.Warn("Failed to look up %s: %v", msg.SenderUsername, err)
		}
	}()
}

func (c *Client) reconnected() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.RequestTimeout)
	defer cancel()
	if err := c.contacts.LoadContacts(ctx); err != nil {
		logger.Warn("Failed to refresh contacts after reconnect: %v", err)
	}
}

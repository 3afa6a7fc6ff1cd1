package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-client/internal/clock"
	"chat-client/internal/config"
	"chat-client/internal/models"
)

const waitTimeout = 2 * time.Second

// chatServer fakes the REST API and the STOMP endpoint of the chat backend.
type chatServer struct {
	t         *testing.T
	srv       *httptest.Server
	upgrader  websocket.Upgrader
	frames    chan *frame.Frame
	forbidden atomic.Bool
	reject    atomic.Bool

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]string // destination -> subscription id
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()
	s := &chatServer{t: t, frames: make(chan *frame.Frame, 64), subs: make(map[string]string)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var creds models.Credentials
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds.Password != "secret" {
			http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
			return
		}
		writeJSON(w, models.AuthResponse{Token: "token-" + creds.Username, ID: 1, Username: creds.Username})
	})
	mux.HandleFunc("GET /api/users/contacts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []models.Contact{{ID: 2, Username: "bob"}})
	})
	mux.HandleFunc("GET /api/users/search", func(w http.ResponseWriter, r *http.Request) {
		if s.forbidden.Load() {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		writeJSON(w, []models.Contact{{ID: 3, Username: r.URL.Query().Get("username")}})
	})
	mux.HandleFunc("GET /ws/websocket", s.serveSTOMP)

	s.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
		s.srv.Close()
	})
	return s
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *chatServer) serveSTOMP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = ws
	s.mu.Unlock()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := frame.NewReader(bytes.NewReader(data)).Read()
		if errors.Is(err, io.EOF) || f == nil {
			continue
		}
		if err != nil {
			return
		}
		switch f.Command {
		case frame.CONNECT:
			if s.reject.Load() {
				s.write(frame.New(frame.ERROR, frame.Message, "Invalid token"))
				ws.Close()
				return
			}
			s.write(frame.New(frame.CONNECTED, "version", "1.2"))
		case frame.SUBSCRIBE:
			s.mu.Lock()
			s.subs[f.Header.Get(frame.Destination)] = f.Header.Get(frame.Id)
			s.mu.Unlock()
		}
		s.frames <- f
	}
}

func (s *chatServer) write(f *frame.Frame) {
	var buf bytes.Buffer
	require.NoError(s.t, frame.NewWriter(&buf).Write(f))
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteMessage(websocket.TextMessage, buf.Bytes())
}

func (s *chatServer) deliver(destination string, body any) {
	data, err := json.Marshal(body)
	require.NoError(s.t, err)
	s.mu.Lock()
	id := s.subs[destination]
	s.mu.Unlock()
	f := frame.New(frame.MESSAGE, frame.Subscription, id, frame.Destination, destination, frame.MessageId, "m-1")
	f.Body = data
	s.write(f)
}

// awaitSubscriptions waits until the given destinations were subscribed.
func (s *chatServer) awaitSubscriptions(t *testing.T, destinations ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, d := range destinations {
			if _, ok := s.subs[d]; !ok {
				return false
			}
		}
		return true
	}, waitTimeout, 10*time.Millisecond)
}

func (s *chatServer) await(t *testing.T, command string) *frame.Frame {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case f := <-s.frames:
			if f.Command == command {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", command)
			return nil
		}
	}
}

func testConfig(t *testing.T, s *chatServer, env map[string]string) *config.Config {
	t.Helper()
	t.Setenv("CHAT_BASE_URL", s.srv.URL+"/api")
	t.Setenv("CHAT_WS_URL", "ws"+strings.TrimPrefix(s.srv.URL, "http")+"/ws/websocket")
	t.Setenv("CHAT_DB_DRIVER", "memory")
	t.Setenv("CHAT_RECONNECT", "false")
	t.Setenv("CHAT_SEARCH_DEBOUNCE", "10ms")
	for k, v := range env {
		t.Setenv(k, v)
	}
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func newTestClient(t *testing.T, cfg *config.Config) *Client {
	t.Helper()
	c, err := New(cfg, clock.Real{})
	require.NoError(t, err)
	return c
}

func TestLoginStartsSession(t *testing.T) {
	srv := newChatServer(t)
	c := newTestClient(t, testConfig(t, srv, nil))
	defer c.Close()
	ctx := context.Background()

	sess, err := c.Login(ctx, models.Credentials{Username: " alice ", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Username)
	assert.Equal(t, "token-alice", c.Token())
	assert.True(t, c.Connected())

	connect := srv.await(t, frame.CONNECT)
	assert.Equal(t, "Bearer token-alice", connect.Header.Get("X-Authorization"))
	srv.awaitSubscriptions(t, models.MessagesQueue("alice"), models.StatusQueue("alice"), models.DestinationPresence)

	contacts := c.Contacts().Contacts()
	require.Len(t, contacts, 1)
	assert.Equal(t, "bob", contacts[0].Username)
	require.NotNil(t, c.Conversation())

	// a message from a stranger counts as unread and adds the sender as a contact
	srv.deliver(models.MessagesQueue("alice"), models.Message{
		ID: 9, SenderUsername: "carol", RecipientUsername: "alice", Content: "hi", Type: models.MessageTypeText,
	})
	require.Eventually(t, func() bool {
		return c.Conversation().Unread("carol") == 1
	}, waitTimeout, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		carol, _ := c.Contacts().Lookup("carol")
		return carol.ID == 3
	}, waitTimeout, 10*time.Millisecond, "the sender's user id is looked up")

	srv.deliver(models.DestinationPresence, map[string]any{"username": "bob", "isOnline": true})
	require.Eventually(t, func() bool {
		bob, _ := c.Contacts().Lookup("bob")
		return bob.Online
	}, waitTimeout, 10*time.Millisecond)

	_, err = c.Login(ctx, models.Credentials{Username: "alice", Password: "secret"})
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestLogoutForgetsSession(t *testing.T) {
	srv := newChatServer(t)
	c := newTestClient(t, testConfig(t, srv, nil))
	defer c.Close()
	ctx := context.Background()

	_, err := c.Login(ctx, models.Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	srv.awaitSubscriptions(t, models.MessagesQueue("alice"))

	require.NoError(t, c.Logout(ctx))
	srv.await(t, frame.DISCONNECT)
	assert.Nil(t, c.Session())
	assert.Nil(t, c.Conversation())
	assert.False(t, c.Connected())
	assert.Empty(t, c.Token())

	_, err = c.Resume(ctx)
	assert.ErrorIs(t, err, models.ErrNoSession)
}

func TestBadCredentialsDoNotStart(t *testing.T) {
	srv := newChatServer(t)
	c := newTestClient(t, testConfig(t, srv, nil))
	defer c.Close()

	_, err := c.Login(context.Background(), models.Credentials{Username: "alice", Password: "wrong"})
	assert.ErrorIs(t, err, models.ErrAuthFailed)
	assert.Nil(t, c.Session())
	assert.False(t, c.Connected())
}

func TestRejectedTransportStopsSession(t *testing.T) {
	srv := newChatServer(t)
	srv.reject.Store(true)
	c := newTestClient(t, testConfig(t, srv, nil))
	defer c.Close()

	_, err := c.Login(context.Background(), models.Credentials{Username: "alice", Password: "secret"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid token")
	assert.Nil(t, c.Session())
	assert.Nil(t, c.Conversation())
}

func TestRepeatedForbiddenExpiresSession(t *testing.T) {
	srv := newChatServer(t)
	c := newTestClient(t, testConfig(t, srv, map[string]string{"CHAT_MAX_FORBIDDEN": "2"}))
	defer c.Close()
	ctx := context.Background()

	expired := make(chan struct{}, 1)
	c.OnAuthExpired(func() { expired <- struct{}{} })

	_, err := c.Login(ctx, models.Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	srv.awaitSubscriptions(t, models.MessagesQueue("alice"))

	srv.forbidden.Store(true)
	_, err = c.Contacts().Search(ctx, "dave")
	require.Error(t, err)
	assert.NotNil(t, c.Session(), "a single 403 is tolerated")

	_, err = c.Contacts().Search(ctx, "dave")
	assert.ErrorIs(t, err, models.ErrAuthorizationExpired)

	select {
	case <-expired:
	case <-time.After(waitTimeout):
		t.Fatal("expiry callback not called")
	}
	assert.Nil(t, c.Session())
	assert.False(t, c.Connected())
	_, err = c.Resume(ctx)
	assert.ErrorIs(t, err, models.ErrNoSession)
}

func TestResumeRestoresPersistedSession(t *testing.T) {
	srv := newChatServer(t)
	env := map[string]string{
		"CHAT_DB_DRIVER":  "sqlite",
		"DATABASE_URL":    filepath.Join(t.TempDir(), "client.db"),
		"CHAT_PASSPHRASE": "correct horse",
	}
	ctx := context.Background()

	first := newTestClient(t, testConfig(t, srv, env))
	_, err := first.Login(ctx, models.Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newTestClient(t, testConfig(t, srv, env))
	defer second.Close()
	sess, err := second.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Username)
	assert.Equal(t, "token-alice", second.Token())
	assert.True(t, second.Connected())
}

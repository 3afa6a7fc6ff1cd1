package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"

	"chat-client/internal/client"
	"chat-client/internal/conversation"
	"chat-client/internal/models"
)

var (
	infoColor  = color.New(color.FgCyan)
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed)
	mineColor  = color.New(color.FgGreen)
	peerColor  = color.New(color.FgMagenta)
	dimColor   = color.New(color.Faint)
)

// shell is a line-oriented front end over one client.
type shell struct {
	client *client.Client
	out    io.Writer

	mu      sync.Mutex
	me      string
	peer    string
	printed map[string]bool
}

func newShell(c *client.Client, out io.Writer) *shell {
	return &shell{client: c, out: out, printed: make(map[string]bool)}
}

func (s *shell) printf(c *color.Color, format string, v ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Fprintf(s.out, format+"\n", v...)
}

// attach follows the conversation of a freshly started session.
func (s *shell) attach(sess *models.Session) {
	s.mu.Lock()
	s.me = sess.Username
	s.peer = ""
	s.printed = make(map[string]bool)
	s.mu.Unlock()

	if conv := s.client.Conversation(); conv != nil {
		conv.OnChange(func() { s.render(conv.State()) })
	}
	s.printf(infoColor, "Signed in as %s", sess.Username)
}

// render prints messages of the open conversation that were not printed before.
func (s *shell) render(state conversation.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state.Contact == nil {
		s.peer = ""
		return
	}
	if state.Contact.Username != s.peer {
		s.peer = state.Contact.Username
		s.printed = make(map[string]bool)
	}
	if state.Phase != conversation.PhaseReady {
		return
	}
	for _, m := range state.Messages {
		key := m.Key()
		if m.Deleted {
			key += ":deleted"
		}
		if m.Failed {
			key += ":failed"
		}
		if s.printed[key] {
			continue
		}
		s.printed[key] = true
		s.printMessage(m)
	}
}

// printMessage writes one message. Callers hold s.mu.
func (s *shell) printMessage(m models.Message) {
	c := peerColor
	if m.SenderUsername == s.me {
		c = mineColor
	}
	id := "pending"
	if m.Confirmed() {
		id = strconv.FormatInt(m.ID, 10)
	}
	suffix := ""
	switch {
	case m.Failed:
		suffix = " (not delivered)"
	case m.SenderUsername == s.me && m.Status != "":
		suffix = " (" + strings.ToLower(string(m.Status)) + ")"
	}
	content := m.DisplayContent()
	if m.Type != models.MessageTypeText && !m.Deleted {
		content = fmt.Sprintf("[%s] %s", strings.ToLower(string(m.Type)), content)
	}
	dimColor.Fprintf(s.out, "%s #%s ", m.Timestamp.Format("15:04"), id)
	c.Fprintf(s.out, "%s: %s", m.SenderUsername, content)
	dimColor.Fprintf(s.out, "%s\n", suffix)
}

// run executes one input line and reports whether the shell should exit.
func (s *shell) run(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		line = "/send " + line
	}
	cmd, rest, _ := strings.Cut(line, " ")
	args := strings.Fields(rest)

	var err error
	switch cmd {
	case "/help":
		s.printf(infoColor, "%s", usage)
	case "/quit", "/exit":
		return true
	case "/register", "/login":
		err = s.signIn(ctx, cmd, args)
	case "/logout":
		err = s.client.Logout(ctx)
		if err == nil {
			s.printf(infoColor, "Signed out")
		}
	case "/contacts":
		err = s.contacts()
	case "/search":
		err = s.search(ctx, strings.TrimSpace(rest))
	case "/admin":
		err = s.admin(ctx, args)
	default:
		err = s.conversationCommand(ctx, cmd, rest, args)
	}
	if err != nil {
		s.printf(errorColor, "%v", err)
	}
	return false
}

func (s *shell) signIn(ctx context.Context, cmd string, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: %s <user> <password>", cmd)
	}
	creds := models.Credentials{Username: args[0], Password: args[1]}
	var (
		sess *models.Session
		err  error
	)
	if cmd == "/register" {
		sess, err = s.client.Register(ctx, creds)
	} else {
		sess, err = s.client.Login(ctx, creds)
	}
	if err != nil {
		return err
	}
	s.attach(sess)
	return nil
}

func (s *shell) contacts() error {
	conv := s.client.Conversation()
	if conv == nil {
		return models.ErrNoSession
	}
	unread := conv.UnreadCounts()
	contacts := s.client.Contacts().Contacts()
	if len(contacts) == 0 {
		s.printf(dimColor, "No contacts yet, try /search")
	}
	for _, c := range contacts {
		status := "offline"
		if c.Online {
			status = "online"
		}
		line := fmt.Sprintf("%-20s %s", c.Username, status)
		if n := unread[c.Username]; n > 0 {
			line += fmt.Sprintf("  %d unread", n)
		}
		s.printf(infoColor, "%s", line)
	}
	return nil
}

func (s *shell) search(ctx context.Context, query string) error {
	if query == "" {
		return errors.New("usage: /search <query>")
	}
	results, err := s.client.Contacts().Search(ctx, query)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		s.printf(dimColor, "No users match %q", query)
	}
	for _, c := range results {
		s.printf(infoColor, "%s", c.Username)
	}
	return nil
}

func (s *shell) conversationCommand(ctx context.Context, cmd, rest string, args []string) error {
	conv := s.client.Conversation()
	if conv == nil {
		return models.ErrNoSession
	}

	switch cmd {
	case "/open":
		if len(args) != 1 {
			return errors.New("usage: /open <user>")
		}
		contact, err := s.client.Contacts().Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		return conv.Select(ctx, contact)
	case "/close":
		conv.Deselect()
	case "/older":
		if err := conv.LoadOlder(ctx); err != nil {
			return err
		}
		if !conv.State().HasMore {
			s.printf(dimColor, "Beginning of the conversation")
		}
	case "/history":
		state := conv.State()
		if state.Contact == nil {
			return models.ErrNoConversation
		}
		if state.FromArchive {
			s.printf(warnColor, "Showing archived messages, the server could not be reached")
		}
		s.mu.Lock()
		for _, m := range state.Messages {
			s.printMessage(m)
		}
		s.mu.Unlock()
		if state.PeerTyping {
			s.printf(dimColor, "%s is typing...", state.Contact.Username)
		}
	case "/typing":
		conv.InputChanged(rest)
	case "/send":
		_, err := conv.Send(rest)
		return err
	case "/upload":
		if len(args) != 1 {
			return errors.New("usage: /upload <path>")
		}
		return s.upload(ctx, conv, args[0])
	case "/delete":
		if len(args) != 1 {
			return errors.New("usage: /delete <id>")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid message id %q", args[0])
		}
		return conv.Delete(ctx, id)
	default:
		return fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return nil
}

func (s *shell) upload(ctx context.Context, conv *conversation.Controller, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		head := make([]byte, 512)
		n, _ := io.ReadFull(f, head)
		contentType = http.DetectContentType(head[:n])
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
	}

	_, err = conv.SendAttachment(ctx, filepath.Base(path), contentType, f)
	return err
}

func (s *shell) admin(ctx context.Context, args []string) error {
	sess := s.client.Session()
	if sess == nil {
		return models.ErrNoSession
	}
	if !sess.HasRole(models.RoleAdmin) {
		return errors.New("admin commands need the admin role")
	}
	if len(args) == 0 {
		return errors.New("usage: /admin users|user <id>|media <type>|purge <id>")
	}

	api := s.client.API()
	switch args[0] {
	case "users":
		users, err := api.ListUsers(ctx)
		if err != nil {
			return err
		}
		for _, u := range users {
			s.printf(infoColor, "%-6d %-20s %s", u.ID, u.Username, strings.Join(u.Roles, ","))
		}
	case "user":
		id, err := adminID(args)
		if err != nil {
			return err
		}
		u, err := api.GetUser(ctx, id)
		if err != nil {
			return err
		}
		s.printf(infoColor, "%s (#%d) roles=%s last login %s from %s on %s",
			u.Username, u.ID, strings.Join(u.Roles, ","), u.LastLoginTimestamp.Format("2006-01-02 15:04"),
			u.LastLoginIP, u.DeviceDetails)
	case "media":
		if len(args) != 2 {
			return errors.New("usage: /admin media <IMAGE|FILE>")
		}
		media, err := api.ListMedia(ctx, models.MessageType(strings.ToUpper(args[1])))
		if err != nil {
			return err
		}
		for _, m := range media {
			s.printf(infoColor, "#%d %s -> %s %s", m.ID, m.SenderUsername, m.RecipientUsername, m.Content)
		}
	case "purge":
		id, err := adminID(args)
		if err != nil {
			return err
		}
		if err := api.HardDeleteMedia(ctx, id); err != nil {
			return err
		}
		s.printf(infoColor, "Deleted media #%d", id)
	default:
		return fmt.Errorf("unknown admin command %s", args[0])
	}
	return nil
}

func adminID(args []string) (int64, error) {
	if len(args) != 2 {
		return 0, fmt.Errorf("usage: /admin %s <id>", args[0])
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", args[1])
	}
	return id, nil
}

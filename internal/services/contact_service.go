package services

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"chat-client/internal/clock"
	"chat-client/internal/models"
	"chat-client/pkg/logger"
)

// ContactAPI is the part of the REST client the contact service uses.
type ContactAPI interface {
	Contacts(ctx context.Context) ([]models.Contact, error)
	Search(ctx context.Context, query string) ([]models.Contact, error)
}

// ContactService holds the contact list and the user search results. Typed queries are
// debounced; a response is applied only if no newer query was issued meanwhile.
type ContactService struct {
	api      ContactAPI
	clock    clock.Clock
	debounce time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	contacts  []models.Contact
	query     string
	results   []models.Contact
	searching bool
	seq       uint64
	timer     clock.Timer
	onChange  func()
}

func NewContactService(api ContactAPI, clk clock.Clock, debounce time.Duration) *ContactService {
	ctx, cancel := context.WithCancel(context.Background())
	return &ContactService{
		api:      api,
		clock:    clk,
		debounce: debounce,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnChange registers a callback run after contacts or search results change.
func (s *ContactService) OnChange(f func()) {
	s.mu.Lock()
	s.onChange = f
	s.mu.Unlock()
}

func (s *ContactService) LoadContacts(ctx context.Context) error {
	contacts, err := s.api.Contacts(ctx)
	if err != nil {
		logger.Error("Failed to load contacts: %v", err)
		return err
	}

	s.mu.Lock()
	s.contacts = contacts
	s.mu.Unlock()

	logger.Debug("Loaded %d contacts", len(contacts))
	s.notify()
	return nil
}

// SetQuery records the search text. An empty query clears the results at once; anything
// else is searched after the debounce interval unless superseded first.
func (s *ContactService) SetQuery(query string) {
	s.mu.Lock()
	s.query = query
	s.seq++
	seq := s.seq
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		s.results = nil
		s.searching = false
		s.mu.Unlock()
		s.notify()
		return
	}

	s.timer = s.clock.AfterFunc(s.debounce, func() {
		s.runSearch(s.ctx, seq, trimmed)
	})
	s.mu.Unlock()
}

// Search runs query immediately, superseding any pending debounced search.
func (s *ContactService) Search(ctx context.Context, query string) ([]models.Contact, error) {
	s.mu.Lock()
	s.query = query
	s.seq++
	seq := s.seq
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		s.mu.Lock()
		s.results = nil
		s.searching = false
		s.mu.Unlock()
		s.notify()
		return nil, nil
	}
	return s.runSearch(ctx, seq, trimmed)
}

func (s *ContactService) runSearch(ctx context.Context, seq uint64, query string) ([]models.Contact, error) {
	s.mu.Lock()
	if seq != s.seq {
		s.mu.Unlock()
		return nil, nil
	}
	s.searching = true
	s.mu.Unlock()

	results, err := s.api.Search(ctx, query)

	// a stale search leaves the flag to the query that superseded it
	s.mu.Lock()
	if seq != s.seq {
		s.mu.Unlock()
		logger.Debug("Discarding stale results for %q", query)
		return results, err
	}
	s.searching = false
	s.timer = nil
	if err != nil {
		s.results = nil
	} else {
		s.results = results
	}
	s.mu.Unlock()

	if err != nil {
		logger.Error("Search for %q failed: %v", query, err)
	}
	s.notify()
	return results, err
}

// ApplyPresence updates the online flag of the user in contacts and search results.
func (s *ContactService) ApplyPresence(evt models.PresenceEvent) {
	s.mu.Lock()
	inContacts := setOnline(s.contacts, evt)
	inResults := setOnline(s.results, evt)
	changed := inContacts || inResults
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// AddContact makes sure a user who started a conversation appears in the contact list. A
// known contact only gains the user id if it had none.
func (s *ContactService) AddContact(c models.Contact) {
	s.mu.Lock()
	i := slices.IndexFunc(s.contacts, func(existing models.Contact) bool {
		return existing.Username == c.Username
	})
	switch {
	case i < 0:
		s.contacts = append(s.contacts, c)
	case s.contacts[i].ID == 0 && c.ID != 0:
		s.contacts[i].ID = c.ID
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.notify()
}

// Resolve returns the contact for username with its user id. When neither the contacts nor
// the search results know the id, the server is searched for an exact match, which is then
// added to the contacts. The search results shown to the user are left alone.
func (s *ContactService) Resolve(ctx context.Context, username string) (models.Contact, error) {
	if c, ok := s.Lookup(username); ok && c.ID != 0 {
		return c, nil
	}

	found, err := s.api.Search(ctx, username)
	if err != nil {
		return models.Contact{}, fmt.Errorf("resolving %s: %w", username, err)
	}
	for _, c := range found {
		if c.Username == username && c.ID != 0 {
			s.AddContact(c)
			c, _ = s.Lookup(username)
			return c, nil
		}
	}
	return models.Contact{}, fmt.Errorf("resolving %s: %w", username, models.ErrNotFound)
}

// Lookup returns the contact with the given username from contacts or search results.
func (s *ContactService) Lookup(username string) (models.Contact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range [][]models.Contact{s.contacts, s.results} {
		for _, c := range list {
			if c.Username == username {
				return c, true
			}
		}
	}
	return models.Contact{}, false
}

func (s *ContactService) Contacts() []models.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.contacts)
}

func (s *ContactService) Results() []models.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.results)
}

func (s *ContactService) Query() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query
}

func (s *ContactService) Searching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searching
}

// Close cancels pending and in-flight searches.
func (s *ContactService) Close() {
	s.mu.Lock()
	s.seq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *ContactService) notify() {
	s.mu.Lock()
	f := s.onChange
	s.mu.Unlock()
	if f != nil {
		f()
	}
}

func setOnline(list []models.Contact, evt models.PresenceEvent) bool {
	changed := false
	for i := range list {
		if list[i].Username == evt.Username && list[i].Online != evt.Online {
			list[i].Online = evt.Online
			changed = true
		}
	}
	return changed
}

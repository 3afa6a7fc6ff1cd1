package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-client/internal/clock"
	"chat-client/internal/models"
)

const debounce = 400 * time.Millisecond

type fakeContactAPI struct {
	mu       sync.Mutex
	contacts []models.Contact
	err      error
	queries  []string
	// results keyed by query; a query without an entry returns nothing
	results map[string][]models.Contact
	// beforeReturn runs after the query is recorded, simulating a slow response
	beforeReturn func(query string)
}

func (f *fakeContactAPI) Contacts(context.Context) ([]models.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contacts, f.err
}

func (f *fakeContactAPI) Search(_ context.Context, query string) ([]models.Contact, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	hook := f.beforeReturn
	res, err := f.results[query], f.err
	f.mu.Unlock()
	if hook != nil {
		hook(query)
	}
	return res, err
}

func (f *fakeContactAPI) searched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

func newService(api *fakeContactAPI) (*ContactService, *clock.Fake) {
	clk := clock.NewFake(time.Unix(0, 0))
	return NewContactService(api, clk, debounce), clk
}

func TestLoadContacts(t *testing.T) {
	api := &fakeContactAPI{contacts: []models.Contact{{ID: 1, Username: "bob"}}}
	svc, _ := newService(api)
	changes := 0
	svc.OnChange(func() { changes++ })

	require.NoError(t, svc.LoadContacts(context.Background()))
	assert.Equal(t, api.contacts, svc.Contacts())
	assert.Equal(t, 1, changes)

	api.err = errors.New("boom")
	assert.Error(t, svc.LoadContacts(context.Background()))
	assert.Equal(t, []models.Contact{{ID: 1, Username: "bob"}}, svc.Contacts(), "failure keeps the list")
}

func TestSetQueryDebounces(t *testing.T) {
	api := &fakeContactAPI{results: map[string][]models.Contact{
		"bob": {{ID: 2, Username: "bob"}},
	}}
	svc, clk := newService(api)

	svc.SetQuery("b")
	clk.Advance(200 * time.Millisecond)
	svc.SetQuery("bo")
	clk.Advance(200 * time.Millisecond)
	svc.SetQuery("bob")
	clk.Advance(debounce - time.Millisecond)
	assert.Empty(t, api.searched())

	clk.Advance(time.Millisecond)
	assert.Equal(t, []string{"bob"}, api.searched())
	assert.Equal(t, []models.Contact{{ID: 2, Username: "bob"}}, svc.Results())
	assert.False(t, svc.Searching())
}

func TestEmptyQueryClearsWithoutRequest(t *testing.T) {
	api := &fakeContactAPI{results: map[string][]models.Contact{"bob": {{ID: 2, Username: "bob"}}}}
	svc, clk := newService(api)

	svc.SetQuery("bob")
	clk.Advance(debounce)
	require.Len(t, svc.Results(), 1)

	svc.SetQuery("bo")
	svc.SetQuery("   ")
	clk.Advance(time.Second)
	assert.Empty(t, svc.Results())
	assert.Equal(t, []string{"bob"}, api.searched())
	assert.Zero(t, clk.Pending())
}

func TestStaleResponseDiscarded(t *testing.T) {
	api := &fakeContactAPI{results: map[string][]models.Contact{
		"al":  {{ID: 1, Username: "alice"}, {ID: 3, Username: "alan"}},
		"ali": {{ID: 1, Username: "alice"}},
	}}
	svc, clk := newService(api)

	// while the "al" request is in flight the user types another character
	api.beforeReturn = func(query string) {
		if query == "al" {
			svc.SetQuery("ali")
		}
	}
	svc.SetQuery("al")
	clk.Advance(debounce)
	assert.Empty(t, svc.Results(), "response to the superseded query is dropped")

	api.beforeReturn = nil
	clk.Advance(debounce)
	assert.Equal(t, []string{"al", "ali"}, api.searched())
	assert.Equal(t, []models.Contact{{ID: 1, Username: "alice"}}, svc.Results())
}

func TestSearchImmediateSupersedesDebounce(t *testing.T) {
	api := &fakeContactAPI{results: map[string][]models.Contact{"carol": {{ID: 4, Username: "carol"}}}}
	svc, clk := newService(api)

	svc.SetQuery("car")
	results, err := svc.Search(context.Background(), "carol")
	require.NoError(t, err)
	assert.Len(t, results, 1)

	clk.Advance(time.Second)
	assert.Equal(t, []string{"carol"}, api.searched())
	assert.Equal(t, "carol", svc.Query())
}

func TestSearchFailureClearsResults(t *testing.T) {
	api := &fakeContactAPI{results: map[string][]models.Contact{"bob": {{ID: 2, Username: "bob"}}}}
	svc, clk := newService(api)
	svc.SetQuery("bob")
	clk.Advance(debounce)
	require.Len(t, svc.Results(), 1)

	api.err = errors.New("timeout")
	_, err := svc.Search(context.Background(), "bobby")
	assert.Error(t, err)
	assert.Empty(t, svc.Results())
}

func TestApplyPresence(t *testing.T) {
	api := &fakeContactAPI{
		contacts: []models.Contact{{ID: 2, Username: "bob"}, {ID: 3, Username: "carol"}},
		results:  map[string][]models.Contact{"bob": {{ID: 2, Username: "bob"}}},
	}
	svc, clk := newService(api)
	require.NoError(t, svc.LoadContacts(context.Background()))
	svc.SetQuery("bob")
	clk.Advance(debounce)

	changes := 0
	svc.OnChange(func() { changes++ })
	svc.ApplyPresence(models.PresenceEvent{Username: "bob", Online: true})

	assert.True(t, svc.Contacts()[0].Online)
	assert.False(t, svc.Contacts()[1].Online)
	assert.True(t, svc.Results()[0].Online)
	assert.Equal(t, 1, changes)

	svc.ApplyPresence(models.PresenceEvent{Username: "bob", Online: true})
	svc.ApplyPresence(models.PresenceEvent{Username: "zed", Online: true})
	assert.Equal(t, 1, changes, "no-op updates do not notify")
}

func TestAddContactAndLookup(t *testing.T) {
	svc, _ := newService(&fakeContactAPI{})
	svc.AddContact(models.Contact{ID: 5, Username: "dave"})
	svc.AddContact(models.Contact{ID: 5, Username: "dave"})
	assert.Len(t, svc.Contacts(), 1)

	c, ok := svc.Lookup("dave")
	assert.True(t, ok)
	assert.Equal(t, int64(5), c.ID)
	_, ok = svc.Lookup("erin")
	assert.False(t, ok)
}

func TestCloseStopsPendingSearch(t *testing.T) {
	api := &fakeContactAPI{}
	svc, clk := newService(api)
	svc.SetQuery("bob")
	svc.Close()
	clk.Advance(time.Second)
	assert.Empty(t, api.searched())
}

func TestEmptySearchEndsInFlightSearch(t *testing.T) {
	api := &fakeContactAPI{results: map[string][]models.Contact{"bo": {{ID: 2, Username: "bob"}}}}
	svc, _ := newService(api)

	// the query is cleared while the request for "bo" is still in flight
	api.beforeReturn = func(query string) {
		if query == "bo" {
			assert.True(t, svc.Searching())
			_, err := svc.Search(context.Background(), "")
			assert.NoError(t, err)
		}
	}
	_, err := svc.Search(context.Background(), "bo")
	require.NoError(t, err)

	assert.False(t, svc.Searching())
	assert.Empty(t, svc.Results(), "stale results are not applied")
}

func TestResolveFillsMissingID(t *testing.T) {
	api := &fakeContactAPI{results: map[string][]models.Contact{
		"carol": {{ID: 7, Username: "carol2"}, {ID: 4, Username: "carol"}},
	}}
	svc, _ := newService(api)
	svc.AddContact(models.Contact{Username: "carol"})

	c, err := svc.Resolve(context.Background(), "carol")
	require.NoError(t, err)
	assert.Equal(t, int64(4), c.ID)
	assert.Equal(t, []models.Contact{{ID: 4, Username: "carol"}}, svc.Contacts())
	assert.Empty(t, svc.Results(), "resolving does not touch the search results")

	_, err = svc.Resolve(context.Background(), "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, api.searched(), "a known id needs no search")

	_, err = svc.Resolve(context.Background(), "zed")
	assert.ErrorIs(t, err, models.ErrNotFound)

	api.err = errors.New("boom")
	_, err = svc.Resolve(context.Background(), "erin")
	assert.Error(t, err)
	_, ok := svc.Lookup("erin")
	assert.False(t, ok)
}

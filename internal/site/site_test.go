package site

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/celerix-dev/celerix-cms/internal/idgen"
	"github.com/celerix-dev/celerix-cms/internal/logging"
	"github.com/celerix-dev/celerix-cms/pkg/schema"
	"github.com/celerix-dev/celerix-cms/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logging.SetOutput(io.Discard)
}

func newSite(t *testing.T, area storage.Area, seed Seed) *Site {
	t.Helper()
	s := New(storage.NewTab(area), seed, Options{
		IDs: idgen.NewCounter("id-"),
		Now: func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	t.Cleanup(s.Close)
	return s
}

func TestAddClient_EmptyStore(t *testing.T) {
	s := newSite(t, storage.NewMemory(), Seed{})

	s.Clients.Add(schema.ClientInput{Name: "Acme", Logo: "http://x/a.png", Description: "d"})

	all := s.Clients.All()
	require.Len(t, all, 1)
	assert.Equal(t, "Acme", all[0].Name)
	assert.NotEmpty(t, all[0].ID)
}

func TestReorderProjects(t *testing.T) {
	s := newSite(t, storage.NewMemory(), Seed{Projects: []schema.Project{
		{ID: "1", Title: "A"}, {ID: "2", Title: "B"}, {ID: "3", Title: "C"},
	}})

	require.True(t, s.Projects.Reorder(0, 2))

	var got []string
	for _, p := range s.Projects.All() {
		got = append(got, p.ID)
	}
	assert.Equal(t, []string{"2", "3", "1"}, got)
}

func TestProjectsPrependOthersAppend(t *testing.T) {
	s := newSite(t, storage.NewMemory(), Seed{
		Projects: []schema.Project{{ID: "old", Title: "old"}},
		Stats:    []schema.Stat{{ID: "old", Label: "old"}},
	})

	p := s.Projects.Add(schema.ProjectInput{Title: "new"})
	st := s.Stats.Add(schema.StatInput{Label: "new"})

	assert.Equal(t, p, s.Projects.All()[0])
	assert.Equal(t, st, s.Stats.All()[1])
}

func TestFindUserByEmail(t *testing.T) {
	s := newSite(t, storage.NewMemory(), Seed{Users: []schema.AdminUser{
		{ID: "1", Email: "a@x.com", Password: "p"},
	}})

	u, ok := s.Users.FindUserByEmail("a@x.com")
	assert.True(t, ok)
	assert.Equal(t, "1", u.ID)

	_, ok = s.Users.FindUserByEmail("nope@x.com")
	assert.False(t, ok)
}

func TestRestart_ClientsSurvive(t *testing.T) {
	area := storage.NewMemory()
	s := newSite(t, area, Seed{})
	s.Clients.Add(schema.ClientInput{Name: "a"})
	s.Clients.Add(schema.ClientInput{Name: "b"})
	s.Clients.Add(schema.ClientInput{Name: "c"})
	want := s.Clients.All()

	restarted := newSite(t, area, DefaultSeed())
	assert.Equal(t, want, restarted.Clients.All(), "stored data wins over the seed")
}

func TestDeleteMissingClient(t *testing.T) {
	s := newSite(t, storage.NewMemory(), Seed{Clients: []schema.Client{{ID: "1"}, {ID: "2"}}})

	assert.False(t, s.Clients.Delete("missing-id"))
	assert.Equal(t, 2, s.Clients.Len())
}

func TestStoresUseDistinctKeys(t *testing.T) {
	area := storage.NewMemory()
	s := newSite(t, area, Seed{})
	s.Clients.Add(schema.ClientInput{Name: "c"})
	s.Partners.Add(schema.PartnerInput{Name: "p"})
	s.Projects.Add(schema.ProjectInput{Title: "p"})
	s.Users.Add(schema.AdminUserInput{Username: "u"})
	s.Stats.Add(schema.StatInput{Label: "s"})
	s.SubmitContact(map[string]any{"name": "n"})
	s.AdminSession.Set(true)

	keys, err := area.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		KeyClients, KeyPartners, KeyProjects, KeyUsers, KeyStats, KeySubmissions, KeyAdminSession,
	}, keys)
}

func TestDashboard_FollowsStores(t *testing.T) {
	s := newSite(t, storage.NewMemory(), DefaultSeed())
	seed := DefaultSeed()

	assert.Equal(t, Counts{
		Clients:  len(seed.Clients),
		Partners: len(seed.Partners),
		Projects: len(seed.Projects),
		Users:    len(seed.Users),
		Stats:    len(seed.Stats),
	}, s.Dashboard.Counts())

	var last Counts
	unsubscribe := s.Dashboard.Subscribe(func(c Counts) { last = c })
	defer unsubscribe()

	s.Clients.Add(schema.ClientInput{Name: "new"})
	assert.Equal(t, len(seed.Clients)+1, last.Clients)

	s.SubmitContact(map[string]any{"email": "x@y.z"})
	assert.Equal(t, 1, last.Submissions)
}

func TestSubmitContact(t *testing.T) {
	area := storage.NewMemory()
	s := newSite(t, area, Seed{})

	sub := s.SubmitContact(map[string]any{"name": "Jo", "message": "hello"})
	assert.Equal(t, "id-1", sub["id"])
	assert.Equal(t, "2024-05-01T12:00:00Z", sub["submittedAt"])
	assert.Equal(t, "Jo", sub["name"])

	raw, ok, err := area.Get(KeySubmissions)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(raw, "["), "submissions are stored as a bare JSON array")
	assert.Len(t, s.Submissions.Get(), 1)
}

func TestLogin_UpgradesPlaintextPassword(t *testing.T) {
	s := newSite(t, storage.NewMemory(), Seed{Users: []schema.AdminUser{
		{ID: "1", Username: "admin", Email: "admin@x.com", Password: "secret", Role: schema.RoleAdmin},
	}})

	_, token, ok := s.Login("admin@x.com", "wrong")
	assert.False(t, ok)
	assert.Empty(t, token)
	assert.False(t, s.AdminSession.Get())

	u, token, ok := s.Login("admin", "secret")
	require.True(t, ok)
	assert.Equal(t, "admin@x.com", u.Email)
	assert.True(t, s.Sessions.Valid(token))
	assert.True(t, s.AdminSession.Get())

	stored, _ := s.Users.Get("1")
	assert.True(t, strings.HasPrefix(stored.Password, "$2"), "password is hashed after first login")

	// the hash keeps working
	_, second, ok := s.Login("admin@x.com", "secret")
	require.True(t, ok)
	assert.NotEqual(t, token, second)

	assert.True(t, s.Logout(token))
	assert.False(t, s.Logout(token), "a token ends once")
	assert.False(t, s.Sessions.Valid(token))
	assert.True(t, s.Sessions.Valid(second))
	assert.True(t, s.AdminSession.Get())

	assert.True(t, s.Logout(second))
	assert.False(t, s.AdminSession.Get())
}

func TestSessions_Expire(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := New(storage.NewTab(storage.NewMemory()), Seed{Users: []schema.AdminUser{
		{ID: "1", Username: "admin", Email: "admin@x.com", Password: "secret"},
	}}, Options{Now: func() time.Time { return now }})
	t.Cleanup(s.Close)

	_, token, ok := s.Login("admin", "secret")
	require.True(t, ok)
	assert.Equal(t, 1, s.Sessions.Len())

	now = now.Add(SessionTTL)
	assert.False(t, s.Sessions.Valid(token))
	assert.Equal(t, 0, s.Sessions.Len())
	assert.False(t, s.Sessions.Valid(""))
}

func TestHashPassword_Idempotent(t *testing.T) {
	h, err := HashPassword("pw")
	require.NoError(t, err)
	again, err := HashPassword(h)
	require.NoError(t, err)
	assert.Equal(t, h, again)
}

func TestHealth_ReportsFailedWrites(t *testing.T) {
	s := New(failingTab{Local: storage.NewTab(storage.NewMemory())}, Seed{}, Options{})
	t.Cleanup(s.Close)

	assert.Empty(t, s.Health())
	s.Stats.Add(schema.StatInput{Label: "x"})
	health := s.Health()
	assert.Len(t, health, 1)
	assert.Contains(t, health, "stats")
}

type failingTab struct {
	storage.Local
}

func (failingTab) SetItem(string, string) error { return storage.ErrClosed }

func TestParseSeed(t *testing.T) {
	s, err := ParseSeed([]byte("clients:\n  - id: a\n    name: A\n"))
	require.NoError(t, err)
	assert.Equal(t, []schema.Client{{ID: "a", Name: "A"}}, s.Clients)

	_, err = ParseSeed([]byte("clients:\n  - name: no id\n"))
	assert.Error(t, err)

	_, err = ParseSeed([]byte("stats:\n  - id: x\n  - id: x\n"))
	assert.Error(t, err)

	_, err = ParseSeed([]byte("clients: [unclosed"))
	assert.Error(t, err)
}

func TestDefaultSeed(t *testing.T) {
	seed := DefaultSeed()
	assert.NotEmpty(t, seed.Clients)
	assert.NotEmpty(t, seed.Projects)
	require.NotEmpty(t, seed.Users)
	assert.Equal(t, schema.RoleAdmin, seed.Users[0].Role)

	loaded, err := LoadSeed("")
	require.NoError(t, err)
	assert.Equal(t, seed, loaded)
}

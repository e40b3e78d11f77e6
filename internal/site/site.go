// Package site wires every content store over one storage.Local. A Site is
// the composition root: there is exactly one store per content type per Site,
// and tests build their own Site over an in-memory area.
package site

import (
	"time"

	"github.com/celerix-dev/celerix-cms/internal/entity"
	"github.com/celerix-dev/celerix-cms/internal/idgen"
	"github.com/celerix-dev/celerix-cms/internal/localstate"
	"github.com/celerix-dev/celerix-cms/pkg/schema"
	"github.com/celerix-dev/celerix-cms/pkg/storage"
)

// Storage keys. Every store and local value owns exactly one.
const (
	KeyClients      = "clients-storage"
	KeyPartners     = "partners-storage"
	KeyProjects     = "projects-storage"
	KeyUsers        = "users-storage"
	KeyStats        = "stats-storage"
	KeySubmissions  = "contactSubmissions"
	KeyAdminSession = "isAdminLoggedIn"
)

// Options tunes a Site.
type Options struct {
	// IDs generates entity and submission ids. Defaults to UUIDs.
	IDs idgen.Generator
	// SyncTabs makes every store follow writes made by other tabs.
	SyncTabs bool
	// Now is used to stamp submissions. Defaults to time.Now.
	Now func() time.Time
}

type (
	ClientStore  = entity.Store[schema.Client, schema.ClientInput]
	PartnerStore = entity.Store[schema.Partner, schema.PartnerInput]
	ProjectStore = entity.OrderedStore[schema.Project, schema.ProjectInput]
	StatStore    = entity.Store[schema.Stat, schema.StatInput]
)

// Site holds the content stores of one process.
type Site struct {
	Clients  *ClientStore
	Partners *PartnerStore
	Projects *ProjectStore
	Users    *UserStore
	Stats    *StatStore

	Submissions *localstate.Value[[]schema.Submission]
	// AdminSession mirrors whether any admin session is live. Access checks
	// go through Sessions.
	AdminSession *localstate.Value[bool]
	Sessions     *Sessions
	Dashboard    *Dashboard

	ids idgen.Generator
	now func() time.Time
}

// New hydrates every store from local, using seed for whatever is missing.
func New(local storage.Local, seed Seed, opts Options) *Site {
	if opts.IDs == nil {
		opts.IDs = idgen.UUID()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Site{ids: opts.IDs, now: opts.Now, Sessions: newSessions(opts.Now)}
	s.Clients = entity.New[schema.Client, schema.ClientInput](local, opts.IDs, entity.Options{
		Name: "clients", Key: KeyClients, Field: "clients", SyncTabs: opts.SyncTabs,
	}, seed.Clients)
	s.Partners = entity.New[schema.Partner, schema.PartnerInput](local, opts.IDs, entity.Options{
		Name: "partners", Key: KeyPartners, Field: "partners", SyncTabs: opts.SyncTabs,
	}, seed.Partners)
	// Newest projects are shown first.
	s.Projects = entity.NewOrdered[schema.Project, schema.ProjectInput](local, opts.IDs, entity.Options{
		Name: "projects", Key: KeyProjects, Field: "projects", Prepend: true, SyncTabs: opts.SyncTabs,
	}, seed.Projects)
	s.Users = &UserStore{Store: entity.New[schema.AdminUser, schema.AdminUserInput](local, opts.IDs, entity.Options{
		Name: "users", Key: KeyUsers, Field: "users", SyncTabs: opts.SyncTabs,
	}, seed.Users)}
	s.Stats = entity.New[schema.Stat, schema.StatInput](local, opts.IDs, entity.Options{
		Name: "stats", Key: KeyStats, Field: "stats", SyncTabs: opts.SyncTabs,
	}, seed.Stats)

	s.Submissions = localstate.New(local, KeySubmissions, []schema.Submission{})
	s.AdminSession = localstate.New(local, KeyAdminSession, false)

	d := newDashboard()
	follow(d, "clients", s.Clients.Len(), s.Clients.Subscribe, func(c *Counts) *int { return &c.Clients })
	follow(d, "partners", s.Partners.Len(), s.Partners.Subscribe, func(c *Counts) *int { return &c.Partners })
	follow(d, "projects", s.Projects.Len(), s.Projects.Subscribe, func(c *Counts) *int { return &c.Projects })
	follow(d, "users", s.Users.Len(), s.Users.Subscribe, func(c *Counts) *int { return &c.Users })
	follow(d, "stats", s.Stats.Len(), s.Stats.Subscribe, func(c *Counts) *int { return &c.Stats })
	follow(d, "submissions", len(s.Submissions.Get()), s.Submissions.Subscribe, func(c *Counts) *int { return &c.Submissions })
	s.Dashboard = d

	return s
}

// SubmitContact records a contact form and returns the stored submission.
func (s *Site) SubmitContact(fields map[string]any) schema.Submission {
	sub := schema.NewSubmission(s.ids.NewID(), fields, s.now())
	s.Submissions.Update(func(prev []schema.Submission) []schema.Submission {
		next := make([]schema.Submission, 0, len(prev)+1)
		next = append(next, prev...)
		return append(next, sub)
	})
	return sub
}

// Login checks the credentials and opens a session for the user. The token
// identifies the session to Sessions.Valid and Logout.
func (s *Site) Login(login, password string) (user schema.PublicUser, token string, ok bool) {
	u, ok := s.Users.Authenticate(login, password)
	if !ok {
		return schema.PublicUser{}, "", false
	}
	token = s.Sessions.issue(u.ID)
	s.AdminSession.Set(true)
	return u.Public(), token, true
}

// Logout ends the session of token. It reports false for unknown or expired
// tokens, leaving other sessions alone.
func (s *Site) Logout(token string) bool {
	if !s.Sessions.revoke(token) {
		return false
	}
	s.AdminSession.Set(s.Sessions.Len() > 0)
	return true
}

// Health lists the stores whose last write failed, keyed by store name.
func (s *Site) Health() map[string]error {
	out := make(map[string]error)
	for name, err := range map[string]error{
		"clients":     s.Clients.LastError(),
		"partners":    s.Partners.LastError(),
		"projects":    s.Projects.LastError(),
		"users":       s.Users.LastError(),
		"stats":       s.Stats.LastError(),
		"submissions": s.Submissions.LastError(),
		"session":     s.AdminSession.LastError(),
	} {
		if err != nil {
			out[name] = err
		}
	}
	return out
}

// Close detaches every store from the backing area.
func (s *Site) Close() {
	s.Dashboard.close()
	s.Clients.Close()
	s.Partners.Close()
	s.Projects.Close()
	s.Users.Close()
	s.Stats.Close()
	s.Submissions.Close()
	s.AdminSession.Close()
}

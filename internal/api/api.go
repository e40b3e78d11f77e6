// Package api is the admin HTTP surface of celerix-cms. Content lists, the
// contact form and login are public; everything else requires the session
// token handed out by POST /api/session, sent back as a bearer token or in
// the session cookie.
package api

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/celerix-dev/celerix-cms/internal/logging"
	"github.com/celerix-dev/celerix-cms/internal/site"
	"github.com/celerix-dev/celerix-cms/pkg/schema"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var logger = logging.New("api")

// SessionCookie carries the session token for browser clients.
const SessionCookie = "cms_session"

type Handler struct {
	Site *site.Site

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func NewHandler(s *site.Site) *Handler {
	return &Handler{Site: s, shutdown: make(chan struct{})}
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(s *site.Site) *gin.Engine {
	return NewHandler(s).Router()
}

// Shutdown ends every open event stream. Register it with
// http.Server.RegisterOnShutdown.
func (h *Handler) Shutdown() {
	h.shutdownOnce.Do(func() { close(h.shutdown) })
}

// Router builds the gin engine for h with every route mounted.
func (h *Handler) Router() *gin.Engine {
	r := gin.Default()
	r.Use(cors)

	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	pub := r.Group("/api")
	admin := pub.Group("", h.requireAdmin)
	h.Register(pub, admin)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

// Register mounts the API routes. Routes on admin are expected to be guarded.
func (h *Handler) Register(pub, admin *gin.RouterGroup) {
	newResource[schema.Client, schema.ClientInput](h.Site.Clients).mount(pub, admin, "/clients")
	newResource[schema.Partner, schema.PartnerInput](h.Site.Partners).mount(pub, admin, "/partners")
	newResource[schema.Project, schema.ProjectInput](h.Site.Projects).mount(pub, admin, "/projects")
	newResource[schema.Stat, schema.StatInput](h.Site.Stats).mount(pub, admin, "/stats")

	users := newResource[schema.AdminUser, schema.AdminUserInput](h.Site.Users)
	users.present = func(u schema.AdminUser) any { return u.Public() }
	users.prepare = func(in *schema.AdminUserInput) error {
		hashed, err := site.HashPassword(in.Password)
		in.Password = hashed
		return err
	}
	// the user list is not public
	users.mount(admin, admin, "/users")
	admin.GET("/users/lookup", h.LookupUser)

	admin.POST("/projects/reorder", h.ReorderProjects)
	admin.POST("/projects/:id/up", h.MoveProject(true))
	admin.POST("/projects/:id/down", h.MoveProject(false))

	pub.POST("/contact", h.SubmitContact)
	admin.GET("/contact", h.ListSubmissions)

	pub.GET("/session", h.GetSession)
	pub.POST("/session", h.Login)
	admin.DELETE("/session", h.Logout)

	admin.GET("/dashboard", h.Dashboard)
	admin.GET("/events", h.Events)
}

func cors(c *gin.Context) {
	c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
	c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
	c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")
	if c.Request.Method == "OPTIONS" {
		c.AbortWithStatus(http.StatusNoContent)
		return
	}
	c.Next()
}

// sessionToken returns the bearer token of the request, else its session cookie.
func sessionToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	token, _ := c.Cookie(SessionCookie)
	return token
}

func (h *Handler) requireAdmin(c *gin.Context) {
	if !h.Site.Sessions.Valid(sessionToken(c)) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin login required"})
		return
	}
	c.Next()
}

func (h *Handler) LookupUser(c *gin.Context) {
	email := c.Query("email")
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}
	u, ok := h.Site.Users.FindUserByEmail(email)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, u.Public())
}

func (h *Handler) ReorderProjects(c *gin.Context) {
	var input struct {
		From *int `json:"from" binding:"required"`
		To   *int `json:"to" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// The store trusts its caller with the indices.
	n := h.Site.Projects.Len()
	from, to := *input.From, *input.To
	if from < 0 || from >= n || to < 0 || to >= n {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index out of range"})
		return
	}
	h.Site.Projects.Reorder(from, to)
	c.JSON(http.StatusOK, h.Site.Projects.All())
}

func (h *Handler) MoveProject(up bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if _, ok := h.Site.Projects.Get(id); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		if up {
			h.Site.Projects.MoveUp(id)
		} else {
			h.Site.Projects.MoveDown(id)
		}
		c.JSON(http.StatusOK, h.Site.Projects.All())
	}
}

func (h *Handler) SubmitContact(c *gin.Context) {
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty submission"})
		return
	}
	c.JSON(http.StatusCreated, h.Site.SubmitContact(fields))
}

func (h *Handler) ListSubmissions(c *gin.Context) {
	c.JSON(http.StatusOK, h.Site.Submissions.Get())
}

func (h *Handler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"loggedIn": h.Site.Sessions.Valid(sessionToken(c))})
}

func (h *Handler) Login(c *gin.Context) {
	var input struct {
		Login    string `json:"login" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, token, ok := h.Site.Login(input.Login, input.Password)
	if !ok {
		logger.Infof("failed login for %q from %s", input.Login, c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(SessionCookie, token, int(site.SessionTTL.Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"user": user, "token": token})
}

func (h *Handler) Logout(c *gin.Context) {
	h.Site.Logout(sessionToken(c))
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(SessionCookie, "", -1, "/", "", false, true)
	c.Status(http.StatusNoContent)
}

func (h *Handler) Dashboard(c *gin.Context) {
	c.JSON(http.StatusOK, h.Site.Dashboard.Counts())
}

// Events streams dashboard counts as server-sent events, starting with the
// current counts. The stream ends when the client leaves or on Shutdown.
func (h *Handler) Events(c *gin.Context) {
	updates := make(chan site.Counts, 16)
	unsubscribe := h.Site.Dashboard.Subscribe(func(counts site.Counts) {
		select {
		case updates <- counts:
		default:
			// slow reader; it gets the next one
		}
	})
	defer unsubscribe()

	c.SSEvent("counts", h.Site.Dashboard.Counts())
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case counts := <-updates:
			c.SSEvent("counts", counts)
			return true
		case <-c.Request.Context().Done():
			return false
		case <-h.shutdown:
			return false
		}
	})
}

func (h *Handler) Health(c *gin.Context) {
	failing := h.Site.Health()
	if len(failing) == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	errs := make(map[string]string, len(failing))
	for name, err := range failing {
		errs[name] = err.Error()
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "errors": errs})
}

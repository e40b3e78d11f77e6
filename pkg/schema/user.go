package schema

import "time"

// Role is an admin panel permission level.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleEditor
}

// AdminUser is an account of the admin panel. It is stored under the
// 'users-storage' key. Password holds a bcrypt hash, or plain text for
// accounts created before hashing was introduced.
type AdminUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
}

func (u AdminUser) EntityID() string { return u.ID }

// Public returns the user without the password.
func (u AdminUser) Public() PublicUser {
	return PublicUser{ID: u.ID, Username: u.Username, Email: u.Email, Role: u.Role}
}

// PublicUser is the form of AdminUser handed out by the API.
type PublicUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
}

type AdminUserInput struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
	Role     Role   `json:"role" binding:"required,oneof=admin editor"`
}

func (in AdminUserInput) WithID(id string) AdminUser {
	return AdminUser{ID: id, Username: in.Username, Email: in.Email, Password: in.Password, Role: in.Role}
}

// Submission is one captured contact form. Its fields depend on the form
// that produced it, so it stays loosely typed.
type Submission map[string]any

// NewSubmission copies fields and stamps them with an id and receipt time.
func NewSubmission(id string, fields map[string]any, at time.Time) Submission {
	s := make(Submission, len(fields)+2)
	for k, v := range fields {
		s[k] = v
	}
	s["id"] = id
	s["submittedAt"] = at.UTC().Format(time.RFC3339)
	return s
}

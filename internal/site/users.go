package site

import (
	"crypto/subtle"
	"strings"

	"github.com/celerix-dev/celerix-cms/internal/entity"
	"github.com/celerix-dev/celerix-cms/pkg/schema"
	"golang.org/x/crypto/bcrypt"
)

// UserStore is the admin user collection with its lookups.
type UserStore struct {
	*entity.Store[schema.AdminUser, schema.AdminUserInput]
}

// FindUserByEmail returns the first user whose email equals email exactly.
func (u *UserStore) FindUserByEmail(email string) (schema.AdminUser, bool) {
	return u.Find(func(a schema.AdminUser) bool { return a.Email == email })
}

// Authenticate checks a login by email or username. Accounts whose password
// is still stored in plain text are upgraded to a bcrypt hash on their first
// successful login.
func (u *UserStore) Authenticate(login, password string) (schema.AdminUser, bool) {
	user, ok := u.Find(func(a schema.AdminUser) bool {
		return a.Email == login || a.Username == login
	})
	if !ok {
		return schema.AdminUser{}, false
	}

	if isHash(user.Password) {
		if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
			return schema.AdminUser{}, false
		}
		return user, true
	}

	if subtle.ConstantTimeCompare([]byte(user.Password), []byte(password)) != 1 {
		return schema.AdminUser{}, false
	}
	if hashed, err := HashPassword(password); err == nil {
		in := schema.AdminUserInput{Username: user.Username, Email: user.Email, Password: hashed, Role: user.Role}
		if u.Update(user.ID, in) {
			user.Password = hashed
		}
	}
	return user, true
}

// HashPassword returns the bcrypt hash of password. Values that already look
// like a bcrypt hash are returned unchanged.
func HashPassword(password string) (string, error) {
	if isHash(password) {
		return password, nil
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func isHash(s string) bool {
	if _, err := bcrypt.Cost([]byte(s)); err != nil {
		return false
	}
	return strings.HasPrefix(s, "$2")
}

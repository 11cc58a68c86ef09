package auth

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for an unknown user or a wrong password.
var ErrInvalidCredentials = errors.New("invalid username or password")

// Authenticator checks HTTP basic credentials against a bcrypt password file.
type Authenticator struct {
	users  map[string]UserRecord
	realm  string
	logger *slog.Logger
}

// NewAuthenticator loads the password file at path. An empty file is rejected
// so a protected listener is never left open by accident.
func NewAuthenticator(path string, logger *slog.Logger) (*Authenticator, error) {
	users, err := ReadUserFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not load user database: %w", err)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("user database %s has no users", path)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Authenticator{
		users:  users,
		realm:  "relayhub",
		logger: logger.With("component", "Authenticator"),
	}, nil
}

// AuthenticateUserPass verifies one username/password pair.
func (a *Authenticator) AuthenticateUserPass(username, password string) error {
	user, ok := a.users[username]
	if !ok {
		a.logger.Warn("Authentication failed: invalid username.", "username", username)
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		a.logger.Warn("Authentication failed: password mismatch.", "username", username)
		return ErrInvalidCredentials
	}
	return nil
}

// Middleware rejects requests without valid basic credentials.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || a.AuthenticateUserPass(username, password) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+a.realm+`"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

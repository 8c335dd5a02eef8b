package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/harrisonrobin/todo/pkg/model"
	"golang.org/x/oauth2"
)

const registerPath = "/auth/register/"

// Account rules the server enforces.
const (
	MinUsernameLength = 3
	MinPasswordLength = 8
)

// Registration is a new account. Confirm must repeat Password.
type Registration struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Confirm  string `json:"password2"`
}

// Validate checks the registration before it is sent.
func (r Registration) Validate() error {
	verr := &model.ValidationError{Subject: "registration"}
	username := strings.TrimSpace(r.Username)
	switch {
	case username == "":
		verr.Add("username", "Username is required.")
	case utf8.RuneCountInString(username) < MinUsernameLength:
		verr.Add("username", fmt.Sprintf("Username must be at least %d characters.", MinUsernameLength))
	}

	email := strings.TrimSpace(r.Email)
	if email == "" {
		verr.Add("email", "Email is required.")
	} else if !validEmail(email) {
		verr.Add("email", "Email is invalid.")
	}

	switch {
	case r.Password == "":
		verr.Add("password", "Password is required.")
	case utf8.RuneCountInString(r.Password) < MinPasswordLength:
		verr.Add("password", fmt.Sprintf("Password must be at least %d characters.", MinPasswordLength))
	}
	if r.Password != r.Confirm {
		verr.Add("password2", "Passwords do not match.")
	}
	return verr.OrNil()
}

// validEmail accepts a bare address whose domain has a dot.
func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	_, domain, _ := strings.Cut(s, "@")
	return strings.Contains(domain, ".")
}

// Register creates an account and returns its tokens. The server logs the
// new user in, so the token can be saved like one from Login.
func Register(ctx context.Context, hc *http.Client, baseURL string, r Registration) (*oauth2.Token, model.User, error) {
	r.Username = strings.TrimSpace(r.Username)
	r.Email = strings.TrimSpace(r.Email)
	if err := r.Validate(); err != nil {
		return nil, model.User{}, err
	}

	var resp struct {
		User   model.User `json:"user"`
		Tokens struct {
			Access  string `json:"access"`
			Refresh string `json:"refresh"`
		} `json:"tokens"`
	}
	if err := postJSON(ctx, hc, endpoint(baseURL, registerPath), r, &resp); err != nil {
		return nil, model.User{}, fmt.Errorf("registration failed: %w", err)
	}
	if resp.Tokens.Access == "" {
		return nil, model.User{}, fmt.Errorf("registration failed: response carried no access token")
	}
	return NewToken(resp.Tokens.Access, resp.Tokens.Refresh), resp.User, nil
}

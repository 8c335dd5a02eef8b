package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/harrisonrobin/todo/pkg/model"
	"golang.org/x/oauth2"
)

const (
	loginPath   = "/auth/login/"
	refreshPath = "/auth/refresh/"
)

// ErrNoRefreshToken is returned when an expired token cannot be renewed.
var ErrNoRefreshToken = errors.New("access token expired and no refresh token is stored, run `todo login`")

// Login exchanges a username and password for API tokens.
func Login(ctx context.Context, hc *http.Client, baseURL, username, password string) (*oauth2.Token, error) {
	var resp struct {
		Tokens struct {
			Access  string `json:"access"`
			Refresh string `json:"refresh"`
		} `json:"tokens"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := postJSON(ctx, hc, endpoint(baseURL, loginPath), body, &resp); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	if resp.Tokens.Access == "" {
		return nil, fmt.Errorf("login failed: response carried no access token")
	}
	return NewToken(resp.Tokens.Access, resp.Tokens.Refresh), nil
}

// NewToken builds an oauth2.Token whose expiry is the access token's
// "exp" claim. The signature is not checked; only the server can do that.
func NewToken(access, refresh string) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  access,
		TokenType:    "Bearer",
		RefreshToken: refresh,
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, &claims); err == nil && claims.ExpiresAt != nil {
		tok.Expiry = claims.ExpiresAt.Time
	}
	return tok
}

// refreshSource renews access tokens through the refresh endpoint.
type refreshSource struct {
	ctx     context.Context
	hc      *http.Client
	url     string
	refresh string
}

func (s *refreshSource) Token() (*oauth2.Token, error) {
	if s.refresh == "" {
		return nil, ErrNoRefreshToken
	}
	var resp struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	if err := postJSON(s.ctx, s.hc, s.url, map[string]string{"refresh": s.refresh}, &resp); err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	// Rotating servers hand out a new refresh token; others keep the old one.
	if resp.Refresh != "" {
		s.refresh = resp.Refresh
	}
	return NewToken(resp.Access, s.refresh), nil
}

// TokenSource returns a source that hands out tok until it expires and then
// refreshes it. hc makes the refresh calls and must not itself be
// authenticated by the returned source.
func TokenSource(ctx context.Context, hc *http.Client, baseURL string, tok *oauth2.Token) oauth2.TokenSource {
	if hc == nil {
		hc = http.DefaultClient
	}
	src := &refreshSource{ctx: ctx, hc: hc, url: endpoint(baseURL, refreshPath)}
	if tok != nil {
		src.refresh = tok.RefreshToken
	}
	return oauth2.ReuseTokenSource(tok, src)
}

// HTTPClient returns a client that authenticates requests with src, on top
// of base (http.DefaultTransport when nil).
func HTTPClient(src oauth2.TokenSource, base http.RoundTripper, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &oauth2.Transport{Source: src, Base: base},
		Timeout:   timeout,
	}
}

func endpoint(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + path
}

// APIError is a rejected account call. Fields holds per-field messages,
// e.g. for a taken username.
type APIError struct {
	StatusCode int
	Message    string
	Fields     map[string][]string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if len(e.Fields) > 0 {
		msg += " (" + model.FormatFields(e.Fields) + ")"
	}
	return msg
}

func postJSON(ctx context.Context, hc *http.Client, url string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return apiErr
	}
	for key, raw := range payload {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			switch key {
			case "error":
				apiErr.Message = s
			case "detail":
				if apiErr.Message == "" {
					apiErr.Message = s
				}
			}
			continue
		}
		var msgs []string
		if err := json.Unmarshal(raw, &msgs); err == nil && len(msgs) > 0 {
			if apiErr.Fields == nil {
				apiErr.Fields = make(map[string][]string)
			}
			apiErr.Fields[key] = msgs
		}
	}
	return apiErr
}

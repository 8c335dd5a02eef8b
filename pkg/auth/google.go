package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

const (
	// ClientSecretsFile is the Google API credentials.json downloaded from the
	// Cloud Console, placed in the config directory.
	ClientSecretsFile = "credentials.json"

	// LocalhostAuthPort is where the redirect listener waits for the
	// authorization code.
	LocalhostAuthPort = "6789"

	authTimeout = 5 * time.Minute
)

// CalendarScopes are the scopes the calendar mirror needs.
var CalendarScopes = []string{
	calendar.CalendarEventsScope,
	calendar.CalendarReadonlyScope,
}

// GoogleConfig reads credentials.json from dir and points its redirect at
// the local listener.
func GoogleConfig(dir string, scopes []string) (*oauth2.Config, error) {
	secretsPath := filepath.Join(dir, ClientSecretsFile)
	b, err := os.ReadFile(secretsPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read client secret file %s: %w", secretsPath, err)
	}

	config, err := google.ConfigFromJSON(b, scopes...)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = localRedirect(config.RedirectURL)
	return config, nil
}

// localRedirect forces loopback and out-of-band redirect URIs onto
// LocalhostAuthPort. Other redirects are kept as configured.
func localRedirect(redirect string) string {
	if redirect == "urn:ietf:wg:oauth:2.0:oob" || redirect == "" {
		return fmt.Sprintf("http://localhost:%s/oauth2callback", LocalhostAuthPort)
	}
	u, err := url.Parse(redirect)
	if err != nil {
		return redirect
	}
	if u.Hostname() == "localhost" || u.Hostname() == "127.0.0.1" {
		u.Host = net.JoinHostPort(u.Hostname(), LocalhostAuthPort)
		return u.String()
	}
	return redirect
}

// GoogleClient returns an HTTP client for the Google APIs. It reuses the
// token saved in dir, or runs the browser flow when there is none.
func GoogleClient(ctx context.Context, dir string, scopes []string, logger *log.Logger) (*http.Client, error) {
	if logger == nil {
		logger = log.Default()
	}
	config, err := GoogleConfig(dir, scopes)
	if err != nil {
		return nil, err
	}

	tokenPath := filepath.Join(dir, GoogleTokenFile)
	tok, err := LoadToken(tokenPath)
	if err != nil {
		logger.Info("no Google token found, starting web authorization", "path", tokenPath)
		tok, err = tokenFromWeb(ctx, config, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to get token from web: %w", err)
		}
		if err := SaveToken(tokenPath, tok); err != nil {
			return nil, err
		}
	}

	src := SavingTokenSource(config.TokenSource(ctx, tok), tokenPath, tok, logger)
	return oauth2.NewClient(ctx, src), nil
}

// tokenFromWeb runs the authorization code flow, capturing the redirect on
// a local listener.
func tokenFromWeb(ctx context.Context, config *oauth2.Config, logger *log.Logger) (*oauth2.Token, error) {
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	listener, err := net.Listen("tcp", net.JoinHostPort("localhost", LocalhostAuthPort))
	if err != nil {
		return nil, fmt.Errorf("failed to start listener on port %s: %w", LocalhostAuthPort, err)
	}
	defer listener.Close()

	state := fmt.Sprintf("todo-%d", time.Now().UnixNano())
	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("state") != state {
				http.Error(w, "State mismatch", http.StatusBadRequest)
				return
			}
			code := r.URL.Query().Get("code")
			if code == "" {
				http.Error(w, "Authorization code not found", http.StatusBadRequest)
				errCh <- errors.New("authorization code not found in redirect URL")
				return
			}
			fmt.Fprint(w, "Authentication successful! You can close this window.")
			codeCh <- code
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()
	defer server.Shutdown(context.Background())

	authURL := config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	fmt.Printf("Open the following URL in your browser to authorize calendar access:\n%s\n", authURL)
	logger.Info("waiting for authorization code", "redirect", config.RedirectURL)

	select {
	case code := <-codeCh:
		exchangeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		tok, err := config.Exchange(exchangeCtx, code)
		if err != nil {
			return nil, fmt.Errorf("unable to retrieve token from Google: %w", err)
		}
		return tok, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(authTimeout):
		return nil, errors.New("authorization timed out, please try again")
	}
}

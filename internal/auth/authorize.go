package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
)

const authorizeTimeout = 5 * time.Minute

// googleCredentials is the client secret JSON downloaded from Google Cloud Console.
type googleCredentials struct {
	Installed struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"installed"`
	Web struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"web"`
}

// LoadGoogleCredentials loads Google OAuth credentials from a JSON file.
func LoadGoogleCredentials(path string) (clientID, clientSecret string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds googleCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", "", fmt.Errorf("failed to parse credentials file: %w", err)
	}

	// Try "installed" first (for desktop apps), then "web"
	if creds.Installed.ClientID != "" {
		return creds.Installed.ClientID, creds.Installed.ClientSecret, nil
	}
	if creds.Web.ClientID != "" {
		return creds.Web.ClientID, creds.Web.ClientSecret, nil
	}

	return "", "", fmt.Errorf("no client_id found in credentials file (expected 'installed' or 'web' section)")
}

// GoogleConfig returns the OAuth config for read-write calendar access.
func GoogleConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{gcal.CalendarScope},
		Endpoint:     google.Endpoint,
	}
}

type callbackResult struct {
	code string
	err  error
}

// startLocalServer starts a local HTTP server to receive the OAuth callback.
// Uses port 8080 by default, or a random port if 8080 is unavailable.
func startLocalServer(state string) (string, <-chan callbackResult, func(), error) {
	listener, err := net.Listen("tcp", "127.0.0.1:8080")
	if err != nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return "", nil, nil, fmt.Errorf("failed to start local server: %w", err)
		}
	}

	port := listener.Addr().(*net.TCPAddr).Port
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	results := make(chan callbackResult, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var res callbackResult
		switch {
		case q.Get("error") != "":
			res.err = fmt.Errorf("authorization error: %s", q.Get("error"))
			fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>Error: %s</p></body></html>", html.EscapeString(q.Get("error")))
		case q.Get("state") != state:
			res.err = fmt.Errorf("authorization callback with unexpected state")
			fmt.Fprint(w, "<html><body><h1>Authorization failed</h1><p>Unexpected state.</p></body></html>")
		case q.Get("code") == "":
			res.err = fmt.Errorf("no authorization code received")
			fmt.Fprint(w, "<html><body><h1>No authorization code received</h1></body></html>")
		default:
			res.code = q.Get("code")
			fmt.Fprint(w, "<html><body><h1>Authorization successful!</h1><p>You can close this window.</p></body></html>")
		}
		select {
		case results <- res:
		default:
		}
	})

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  10 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			select {
			case results <- callbackResult{err: fmt.Errorf("server error: %w", err)}:
			default:
			}
		}
	}()

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
	return redirectURL, results, shutdown, nil
}

// Authorize runs the interactive authorization-code flow with a loopback redirect
// and returns the exchanged token. Instructions are written to out.
func Authorize(ctx context.Context, config *oauth2.Config, out io.Writer) (*oauth2.Token, error) {
	state := uuid.NewString()
	redirectURL, results, shutdown, err := startLocalServer(state)
	if err != nil {
		return nil, err
	}
	defer shutdown()

	cfg := *config
	cfg.RedirectURL = redirectURL
	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	fmt.Fprintf(out, "Starting local server on %s\n", redirectURL)
	if redirectURL != "http://127.0.0.1:8080" {
		fmt.Fprintf(out, "Note: Port 8080 was unavailable. Make sure to add %s to your authorized redirect URIs.\n", redirectURL)
	}
	fmt.Fprintln(out, "\nPlease visit the following URL to authorize the application:")
	fmt.Fprintln(out, authURL)
	fmt.Fprintln(out, "\nWaiting for authorization...")

	var res callbackResult
	select {
	case res = <-results:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(authorizeTimeout):
		return nil, fmt.Errorf("authorization timeout: no response received within 5 minutes")
	}
	if res.err != nil {
		return nil, fmt.Errorf("failed to receive authorization code: %w", res.err)
	}

	token, err := cfg.Exchange(ctx, res.code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	if token.RefreshToken == "" {
		return nil, fmt.Errorf("authorization returned no refresh token")
	}
	return token, nil
}

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

// mockCredentialStore is a mock implementation of CredentialStore for testing.
type mockCredentialStore struct {
	mu          sync.Mutex
	token       *oauth2.Token
	savedTokens []*oauth2.Token
	disabled    string
}

func (m *mockCredentialStore) LoadToken(ctx context.Context, linkID uint) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := *m.token
	return &t, nil
}

func (m *mockCredentialStore) SaveToken(ctx context.Context, linkID uint, token *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.savedTokens = append(m.savedTokens, token)
	m.token = token
	return nil
}

func (m *mockCredentialStore) DisableCalendarLink(ctx context.Context, linkID uint, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabled = reason
	return nil
}

func newTokenServer(t *testing.T, handler http.HandlerFunc) *oauth2.Config {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &oauth2.Config{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
	}
}

func tokenResponse(w http.ResponseWriter, access string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func fastManager(store CredentialStore, cfg *oauth2.Config) *TokenManager {
	return NewTokenManager(store, cfg, WithRetries(2, time.Second))
}

func TestGetValidCredentials_TokenStillValid(t *testing.T) {
	var calls int32
	cfg := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		tokenResponse(w, "unexpected")
	})
	store := &mockCredentialStore{token: &oauth2.Token{
		AccessToken:  "test-access-token",
		RefreshToken: "test-refresh-token",
		Expiry:       time.Now().Add(time.Hour),
	}}

	token, err := fastManager(store, cfg).GetValidCredentials(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetValidCredentials() returned an error: %v", err)
	}
	if token.AccessToken != "test-access-token" {
		t.Errorf("Expected stored token, got %q", token.AccessToken)
	}
	if calls != 0 {
		t.Errorf("Expected no refresh, got %d token calls", calls)
	}
}

func TestGetValidCredentials_NoExpiryNeverRefreshes(t *testing.T) {
	store := &mockCredentialStore{token: &oauth2.Token{AccessToken: "app-password"}}

	token, err := fastManager(store, nil).GetValidCredentials(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetValidCredentials() returned an error: %v", err)
	}
	if token.AccessToken != "app-password" {
		t.Errorf("Expected stored password, got %q", token.AccessToken)
	}
}

func TestGetValidCredentials_RefreshesWithinThreshold(t *testing.T) {
	cfg := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "test-refresh-token" {
			t.Errorf("Unexpected token request: %v", r.Form)
		}
		tokenResponse(w, "new-access-token")
	})
	store := &mockCredentialStore{token: &oauth2.Token{
		AccessToken:  "old-access-token",
		RefreshToken: "test-refresh-token",
		Expiry:       time.Now().Add(2 * time.Minute),
	}}

	token, err := fastManager(store, cfg).GetValidCredentials(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetValidCredentials() returned an error: %v", err)
	}
	if token.AccessToken != "new-access-token" {
		t.Errorf("Expected refreshed token, got %q", token.AccessToken)
	}
	if len(store.savedTokens) != 1 {
		t.Fatalf("Expected refreshed token to be saved once, got %d", len(store.savedTokens))
	}
	if store.savedTokens[0].RefreshToken != "test-refresh-token" {
		t.Errorf("Expected refresh token to be kept, got %q", store.savedTokens[0].RefreshToken)
	}
}

func TestGetValidCredentials_RevokedDisablesLink(t *testing.T) {
	cfg := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	})
	store := &mockCredentialStore{token: &oauth2.Token{
		AccessToken:  "old-access-token",
		RefreshToken: "revoked",
		Expiry:       time.Now().Add(-time.Minute),
	}}

	_, err := fastManager(store, cfg).GetValidCredentials(context.Background(), 1)
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("Expected ErrAuthExpired, got %v", err)
	}
	if store.disabled == "" {
		t.Error("Expected link to be disabled")
	}
	if len(store.savedTokens) != 0 {
		t.Error("Expected no token to be saved")
	}
}

func TestGetValidCredentials_RetriesServerErrors(t *testing.T) {
	var calls int32
	cfg := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		tokenResponse(w, "new-access-token")
	})
	store := &mockCredentialStore{token: &oauth2.Token{
		AccessToken:  "old",
		RefreshToken: "test-refresh-token",
		Expiry:       time.Now().Add(-time.Minute),
	}}

	token, err := fastManager(store, cfg).GetValidCredentials(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetValidCredentials() returned an error: %v", err)
	}
	if token.AccessToken != "new-access-token" || calls != 2 {
		t.Errorf("Expected refresh after one retry, got %q after %d calls", token.AccessToken, calls)
	}
	if store.disabled != "" {
		t.Error("Expected link to stay enabled")
	}
}

func TestGetValidCredentials_PersistentServerErrorKeepsLink(t *testing.T) {
	cfg := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})
	store := &mockCredentialStore{token: &oauth2.Token{
		AccessToken:  "old",
		RefreshToken: "test-refresh-token",
		Expiry:       time.Now().Add(-time.Minute),
	}}

	_, err := fastManager(store, cfg).GetValidCredentials(context.Background(), 1)
	if err == nil || errors.Is(err, ErrAuthExpired) {
		t.Fatalf("Expected a transient refresh error, got %v", err)
	}
	if store.disabled != "" {
		t.Error("Expected link to stay enabled")
	}
}

func TestGetValidCredentials_ConcurrentCallersRefreshOnce(t *testing.T) {
	var calls int32
	cfg := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		tokenResponse(w, "new-access-token")
	})
	store := &mockCredentialStore{token: &oauth2.Token{
		AccessToken:  "old",
		RefreshToken: "test-refresh-token",
		Expiry:       time.Now().Add(-time.Minute),
	}}
	m := fastManager(store, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.GetValidCredentials(context.Background(), 1); err != nil {
				t.Errorf("GetValidCredentials() returned an error: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("Expected a single refresh, got %d", calls)
	}
}

func TestLoadGoogleCredentials(t *testing.T) {
	dir := t.TempDir()

	installed := filepath.Join(dir, "installed.json")
	os.WriteFile(installed, []byte(`{"installed":{"client_id":"id-1","client_secret":"secret-1"}}`), 0600)
	id, secret, err := LoadGoogleCredentials(installed)
	if err != nil || id != "id-1" || secret != "secret-1" {
		t.Errorf("Expected installed credentials, got %q %q %v", id, secret, err)
	}

	web := filepath.Join(dir, "web.json")
	os.WriteFile(web, []byte(`{"web":{"client_id":"id-2","client_secret":"secret-2"}}`), 0600)
	id, _, err = LoadGoogleCredentials(web)
	if err != nil || id != "id-2" {
		t.Errorf("Expected web credentials, got %q %v", id, err)
	}

	empty := filepath.Join(dir, "empty.json")
	os.WriteFile(empty, []byte(`{}`), 0600)
	if _, _, err := LoadGoogleCredentials(empty); err == nil {
		t.Error("Expected an error for credentials without client_id")
	}
}

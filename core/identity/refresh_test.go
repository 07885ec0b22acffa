package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/siteship/siteship/core/faults"
	"github.com/siteship/siteship/core/infra/locks"
)

// memProfiles is an in-memory ProfileStore with an optional hook fired after
// the first Get, used to simulate a concurrent refresh from another process.
type memProfiles struct {
	mu        sync.Mutex
	creds     map[string]Credential
	gets      int
	afterGet  func(m *memProfiles)
	hookFired bool
}

func (m *memProfiles) key(userID, provider string) string { return provider + ":" + userID }

func (m *memProfiles) Get(ctx context.Context, userID, provider string) (Credential, error) {
	m.mu.Lock()
	cred, ok := m.creds[m.key(userID, provider)]
	m.gets++
	fire := m.afterGet != nil && !m.hookFired
	if fire {
		m.hookFired = true
	}
	m.mu.Unlock()
	if fire {
		m.afterGet(m)
	}
	if !ok {
		return Credential{}, faults.New(faults.CodeCredentialMissing, "no credential on file")
	}
	return cred, nil
}

func (m *memProfiles) Update(ctx context.Context, userID, provider string, cred Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cred.RefreshToken == "" {
		cred.RefreshToken = m.creds[m.key(userID, provider)].RefreshToken
	}
	m.creds[m.key(userID, provider)] = cred
	return nil
}

func (m *memProfiles) Close() error { return nil }

func (m *memProfiles) current(userID, provider string) Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds[m.key(userID, provider)]
}

func newRefreshFixture(t *testing.T, creds map[string]Credential, tokenHandler http.HandlerFunc) (*Refresher, *memProfiles, *int, Provider) {
	t.Helper()
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		tokenHandler(w, r)
	}))
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	lockStore, err := locks.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("lock store: %v", err)
	}
	t.Cleanup(func() { lockStore.Close() })

	profiles := &memProfiles{creds: creds}
	provider := Provider{Name: "github", TokenURL: srv.URL}
	return NewRefresher(profiles, NewTokenClient(), lockStore, nil), profiles, &hits, provider
}

func okTokenHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"access_token":"tok-new","refresh_token":"ref-new"}`))
}

func TestWithRefreshHappyPath(t *testing.T) {
	r, _, hits, provider := newRefreshFixture(t, map[string]Credential{
		"github:u1": {AccessToken: "tok-1", RefreshToken: "ref-1"},
	}, okTokenHandler)

	calls := 0
	err := r.WithRefresh(context.Background(), "u1", provider, func(token string) error {
		calls++
		if token != "tok-1" {
			t.Errorf("unexpected token %q", token)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 || *hits != 0 {
		t.Fatalf("expected one call and no refresh, calls=%d hits=%d", calls, *hits)
	}
}

func TestWithRefreshRetriesOnceAfter401(t *testing.T) {
	r, profiles, hits, provider := newRefreshFixture(t, map[string]Credential{
		"github:u1": {AccessToken: "tok-stale", RefreshToken: "ref-1"},
	}, okTokenHandler)

	var tokens []string
	err := r.WithRefresh(context.Background(), "u1", provider, func(token string) error {
		tokens = append(tokens, token)
		if token == "tok-stale" {
			return faults.NewHTTP(faults.CodeFetchFailed, 401, "bad credentials")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tokens) != 2 || tokens[0] != "tok-stale" || tokens[1] != "tok-new" {
		t.Fatalf("unexpected token sequence: %v", tokens)
	}
	if *hits != 1 {
		t.Fatalf("expected exactly one token exchange, got %d", *hits)
	}
	if cred := profiles.current("u1", "github"); cred.AccessToken != "tok-new" || cred.RefreshToken != "ref-new" {
		t.Fatalf("rotated credential not persisted: %+v", cred)
	}
}

func TestWithRefreshNoRefreshToken(t *testing.T) {
	r, _, hits, provider := newRefreshFixture(t, map[string]Credential{
		"github:u1": {AccessToken: "tok-stale"},
	}, okTokenHandler)

	err := r.WithRefresh(context.Background(), "u1", provider, func(token string) error {
		return faults.NewHTTP(faults.CodeFetchFailed, 401, "bad credentials")
	})
	if !faults.IsCode(err, faults.CodeReauthRequired) {
		t.Fatalf("expected reauth-required, got %v", err)
	}
	if *hits != 0 {
		t.Fatalf("token endpoint must not be called without a refresh token, hits=%d", *hits)
	}
}

func TestWithRefreshRetryFailurePropagates(t *testing.T) {
	r, _, hits, provider := newRefreshFixture(t, map[string]Credential{
		"github:u1": {AccessToken: "tok-stale", RefreshToken: "ref-1"},
	}, okTokenHandler)

	retryErr := errors.New("disk full on backend")
	calls := 0
	err := r.WithRefresh(context.Background(), "u1", provider, func(token string) error {
		calls++
		if calls == 1 {
			return faults.NewHTTP(faults.CodeFetchFailed, 401, "bad credentials")
		}
		return retryErr
	})
	if !errors.Is(err, retryErr) {
		t.Fatalf("retry error must propagate unchanged, got %v", err)
	}
	if calls != 2 || *hits != 1 {
		t.Fatalf("expected one refresh and one retry, calls=%d hits=%d", calls, *hits)
	}
}

func TestWithRefreshNonAuthErrorNotRetried(t *testing.T) {
	r, _, hits, provider := newRefreshFixture(t, map[string]Credential{
		"github:u1": {AccessToken: "tok-1", RefreshToken: "ref-1"},
	}, okTokenHandler)

	boom := faults.NewHTTP(faults.CodeFetchFailed, 502, "bad gateway")
	calls := 0
	err := r.WithRefresh(context.Background(), "u1", provider, func(token string) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected error unchanged, got %v", err)
	}
	if calls != 1 || *hits != 0 {
		t.Fatalf("non-auth errors must not refresh, calls=%d hits=%d", calls, *hits)
	}
}

func TestWithRefreshMissingCredential(t *testing.T) {
	r, _, _, provider := newRefreshFixture(t, map[string]Credential{}, okTokenHandler)
	err := r.WithRefresh(context.Background(), "u1", provider, func(token string) error {
		t.Fatalf("fn must not run without a credential")
		return nil
	})
	if !faults.IsCode(err, faults.CodeCredentialMissing) {
		t.Fatalf("expected credential-missing, got %v", err)
	}
}

func TestWithRefreshReusesConcurrentRotation(t *testing.T) {
	r, profiles, hits, provider := newRefreshFixture(t, map[string]Credential{
		"github:u1": {AccessToken: "tok-stale", RefreshToken: "ref-1"},
	}, okTokenHandler)

	// After the initial Get, another process rotates the credential. The
	// re-read under the lock must pick it up and skip the exchange.
	profiles.afterGet = func(m *memProfiles) {
		_ = m.Update(context.Background(), "u1", "github", Credential{AccessToken: "tok-other", RefreshToken: "ref-other"})
	}

	var tokens []string
	err := r.WithRefresh(context.Background(), "u1", provider, func(token string) error {
		tokens = append(tokens, token)
		if token == "tok-stale" {
			return faults.NewHTTP(faults.CodeFetchFailed, 401, "bad credentials")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *hits != 0 {
		t.Fatalf("expected no token exchange after concurrent rotation, hits=%d", *hits)
	}
	if len(tokens) != 2 || tokens[1] != "tok-other" {
		t.Fatalf("expected retry with rotated token, got %v", tokens)
	}
}

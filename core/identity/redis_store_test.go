package identity

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/siteship/siteship/core/faults"
)

func newTestProfileStore(t *testing.T) *RedisProfileStore {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisProfileStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGetMissingProfile(t *testing.T) {
	store := newTestProfileStore(t)
	_, err := store.Get(context.Background(), "user-1", "github")
	if !faults.IsCode(err, faults.CodeCredentialMissing) {
		t.Fatalf("expected credential-missing, got %v", err)
	}
}

func TestUpdateGetRoundTrip(t *testing.T) {
	store := newTestProfileStore(t)
	ctx := context.Background()

	cred := Credential{AccessToken: "tok-1", RefreshToken: "ref-1"}
	if err := store.Update(ctx, "user-1", "github", cred); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := store.Get(ctx, "user-1", "github")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != cred {
		t.Fatalf("unexpected credential: %+v", got)
	}
}

func TestUpdatePreservesRefreshToken(t *testing.T) {
	store := newTestProfileStore(t)
	ctx := context.Background()

	if err := store.Update(ctx, "user-1", "gitlab", Credential{AccessToken: "tok-1", RefreshToken: "ref-1"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	// Provider did not rotate the refresh token; the stored one must survive.
	if err := store.Update(ctx, "user-1", "gitlab", Credential{AccessToken: "tok-2"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := store.Get(ctx, "user-1", "gitlab")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessToken != "tok-2" || got.RefreshToken != "ref-1" {
		t.Fatalf("unexpected credential: %+v", got)
	}
}

func TestUpdateRejectsEmptyAccessToken(t *testing.T) {
	store := newTestProfileStore(t)
	if err := store.Update(context.Background(), "user-1", "github", Credential{}); err == nil {
		t.Fatalf("expected error for empty access token")
	}
}

func TestProfileKeyValidation(t *testing.T) {
	store := newTestProfileStore(t)
	if _, err := store.Get(context.Background(), "", "github"); err == nil {
		t.Fatalf("expected error for empty user")
	}
	if err := store.Update(context.Background(), "u", " ", Credential{AccessToken: "t"}); err == nil {
		t.Fatalf("expected error for empty provider")
	}
}

func TestProfilesAreScopedByProvider(t *testing.T) {
	store := newTestProfileStore(t)
	ctx := context.Background()

	if err := store.Update(ctx, "user-1", "github", Credential{AccessToken: "gh"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := store.Get(ctx, "user-1", "gitlab"); !faults.IsCode(err, faults.CodeCredentialMissing) {
		t.Fatalf("expected missing gitlab credential, got %v", err)
	}
}

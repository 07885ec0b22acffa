package identity

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/siteship/siteship/core/faults"
	"github.com/siteship/siteship/core/infra/locks"
	"github.com/siteship/siteship/core/infra/logging"
	"github.com/siteship/siteship/core/infra/metrics"
	"github.com/siteship/siteship/core/infra/secrets"
)

const (
	refreshLockTTL  = 30 * time.Second
	refreshLockWait = 10 * time.Second
)

// Refresher executes remote calls with a delegated token and performs at most
// one refresh-and-retry when the token is rejected.
type Refresher struct {
	Profiles ProfileStore
	Tokens   *TokenClient
	Locks    locks.Store
	Metrics  metrics.Metrics
}

// NewRefresher wires a refresher; metrics may be nil.
func NewRefresher(profiles ProfileStore, tokens *TokenClient, lockStore locks.Store, m metrics.Metrics) *Refresher {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Refresher{Profiles: profiles, Tokens: tokens, Locks: lockStore, Metrics: m}
}

// WithRefresh loads the user's credential for the provider, invokes fn with
// the access token, and on an authentication failure refreshes the token
// exactly once and retries. Refreshes for the same user+provider are
// serialized through the lock store so overlapping runs cannot spend the same
// refresh token twice.
func (r *Refresher) WithRefresh(ctx context.Context, userID string, provider Provider, fn func(accessToken string) error) error {
	cred, err := r.Profiles.Get(ctx, userID, provider.Name)
	if err != nil {
		return err
	}

	err = fn(cred.AccessToken)
	if err == nil || !IsAuthFailure(err) {
		return err
	}

	if cred.RefreshToken == "" {
		r.Metrics.IncCredentialRefreshes(provider.Name, "reauth_required")
		return faults.Wrap(faults.CodeReauthRequired,
			"credential for "+provider.Name+" expired and no refresh token is on file", err)
	}

	fresh, refreshErr := r.refreshSerialized(ctx, userID, provider, cred)
	if refreshErr != nil {
		r.Metrics.IncCredentialRefreshes(provider.Name, "failed")
		return faults.Wrap(faults.CodeReauthRequired, "credential refresh for "+provider.Name+" failed", refreshErr)
	}
	r.Metrics.IncCredentialRefreshes(provider.Name, "refreshed")

	// Exactly one retry; its error propagates unchanged.
	return fn(fresh.AccessToken)
}

// refreshSerialized performs the refresh under a per-user+provider lock.
/// After acquiring it the profile is re-read: a concurrent run may have
// already rotated the token, in which case the stored credential is reused
// instead of spending the refresh token again.
func (r *Refresher) refreshSerialized(ctx context.Context, userID string, provider Provider, stale Credential) (Credential, error) {
	resource := "cred:" + provider.Name + ":" + userID
	owner := uuid.NewString()

	locked := false
	if r.Locks != nil {
		ok, err := locks.WaitAcquire(ctx, r.Locks, resource, owner, refreshLockTTL, refreshLockWait)
		if err != nil {
			return Credential{}, err
		}
		locked = ok
		if !ok {
			logging.Warn("identity", "refresh lock contended, proceeding unserialized",
				"provider", provider.Name, "user", userID)
		}
	}
	if locked {
		defer func() {
			if _, err := r.Locks.Release(context.WithoutCancel(ctx), resource, owner); err != nil {
				logging.Error("identity", "release refresh lock", "resource", resource, "err", err)
			}
		}()
	}

	current, err := r.Profiles.Get(ctx, userID, provider.Name)
	if err != nil {
		return Credential{}, err
	}
	if current.AccessToken != stale.AccessToken {
		// Someone else refreshed while we waited.
		return current, nil
	}

	fresh, err := r.Tokens.Exchange(ctx, provider, current.RefreshToken)
	if err != nil {
		return Credential{}, err
	}
	if err := r.Profiles.Update(ctx, userID, provider.Name, fresh); err != nil {
		return Credential{}, err
	}
	logging.Info("identity", "credential refreshed",
		"provider", provider.Name, "user", userID, "token", secrets.RedactToken(fresh.AccessToken))
	return fresh, nil
}

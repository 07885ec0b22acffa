package identity

import "context"

// ProfileStore provides access to the per-user credential records kept by the
// dashboard's profile storage. A refreshed token written here is visible to
// every component the next time the profile is loaded.
type ProfileStore interface {
	// Get returns the credential for userID and provider. A user who never
	// connected the provider yields a faults.CodeCredentialMissing error.
	Get(ctx context.Context, userID, provider string) (Credential, error)
	// Update persists the credential. An empty RefreshToken leaves the stored
	// refresh token untouched (providers that do not rotate it omit it).
	Update(ctx context.Context, userID, provider string, cred Credential) error
	Close() error
}

// Package identity manages delegated credentials for linked provider accounts
// and wraps remote calls with a single refresh-and-retry on expiry.
package identity

// Credential is a delegated access/refresh token pair for one provider.
// The refresh token may be empty when the provider did not issue one; expiry
// of such a credential requires the user to reconnect the account.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Provider identifies an OAuth provider and its token-refresh endpoint.
type Provider struct {
	Name         string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

package identity

import (
	"strings"

	"github.com/siteship/siteship/core/faults"
)

// Phrases some providers put in error bodies when a token has gone stale.
// Only consulted when the error carries no HTTP status.
var expiryPhrases = []string{
	"expired",
	"invalid credentials",
	"invalid_grant",
	"bad credentials",
	"token revoked",
	"unauthorized",
}

// IsAuthFailure reports whether err represents a rejected delegated
// credential. The HTTP status wins when present: 401 and 403 are auth
// failures, anything else is not, regardless of message text. Errors without
// a status fall back to phrase matching.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	if status, ok := faults.HTTPStatus(err); ok {
		return status == 401 || status == 403
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range expiryPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// Package secrets keeps delegated tokens out of logs and error messages.
package secrets

import (
	"net/url"
	"regexp"
	"strings"
)

const placeholder = "<redacted>"

var queryTokenKeys = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
	"token":         true,
	"private_token": true,
}

var headerValuePattern = regexp.MustCompile(`(?i)\b(bearer|token)\s+\S+`)

// RedactToken masks a token value while keeping a short prefix for correlation.
func RedactToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return placeholder
	}
	return token[:4] + "…" + placeholder
}

// RedactURL strips credential-bearing query parameters and userinfo from a URL.
// Invalid URLs are returned unchanged; they carry no parseable credential.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.User != nil {
		u.User = url.User(placeholder)
	}
	q := u.Query()
	changed := false
	for key := range q {
		if queryTokenKeys[strings.ToLower(key)] {
			q.Set(key, placeholder)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// RedactMessage masks inline "Bearer xyz" / "token xyz" sequences in free text,
// typically error strings echoed from HTTP clients.
func RedactMessage(msg string) string {
	return headerValuePattern.ReplaceAllStringFunc(msg, func(m string) string {
		fields := strings.Fields(m)
		if len(fields) < 2 {
			return m
		}
		return fields[0] + " " + placeholder
	})
}

// ContainsToken reports whether the text appears to embed a credential.
func ContainsToken(msg string) bool {
	return headerValuePattern.MatchString(msg)
}

// Package hosting is the client for the static-hosting backend API.
package hosting

import "time"

// Version is a mutable upload target until it is finalized.
type Version struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

const (
	StatusCreated   = "CREATED"
	StatusFinalized = "FINALIZED"
)

// PopulateResult is the backend's answer to a manifest: which hashes it does
// not already have, and where to put them.
type PopulateResult struct {
	UploadRequiredHashes []string `json:"uploadRequiredHashes"`
	UploadURL            string   `json:"uploadUrl"`
}

// Release binds a finalized version to the live site.
type Release struct {
	Name        string    `json:"name"`
	VersionName string    `json:"versionName"`
	ReleaseTime time.Time `json:"releaseTime"`
}

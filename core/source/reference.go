// Package source fetches repository archives from source-control hosts.
package source

import (
	"strings"

	"github.com/siteship/siteship/core/faults"
)

// HostKind identifies a supported source-control host.
type HostKind string

const (
	HostGitHub HostKind = "github"
	HostGitLab HostKind = "gitlab"
)

// SourceReference names a repository snapshot to deploy. Immutable for the
// duration of a run.
type SourceReference struct {
	Host  HostKind `json:"host"`
	Owner string   `json:"owner"`
	Repo  string   `json:"repo"`
	Ref   string   `json:"ref"`
}

// Validate checks that the reference is complete and names a known host.
func (r SourceReference) Validate() error {
	switch r.Host {
	case HostGitHub, HostGitLab:
	default:
		return faults.Newf(faults.CodeBadJob, "unsupported source host %q", r.Host)
	}
	if r.Owner == "" || r.Repo == "" {
		return faults.New(faults.CodeBadJob, "source reference needs owner and repo")
	}
	if r.Ref == "" {
		return faults.New(faults.CodeBadJob, "source reference needs a branch, tag or commit")
	}
	if strings.ContainsAny(r.Owner+r.Repo, "/\\") {
		return faults.New(faults.CodeBadJob, "owner and repo must be single path segments")
	}
	return nil
}

// Slug returns a filesystem-safe identifier for the reference.
func (r SourceReference) Slug() string {
	return string(r.Host) + "-" + r.Owner + "-" + r.Repo
}

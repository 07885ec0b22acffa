package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/siteship/siteship/core/faults"
	"github.com/siteship/siteship/core/infra/config"
)

func newFetcher(t *testing.T, api string) *Fetcher {
	t.Helper()
	return &Fetcher{
		ScratchDir: t.TempDir(),
		GitHub:     config.HostConfig{APIBase: api},
		GitLab:     config.HostConfig{APIBase: api},
		HTTP:       http.DefaultClient,
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		ref  SourceReference
		ok   bool
	}{
		{"github", SourceReference{HostGitHub, "acme", "site", "main"}, true},
		{"gitlab", SourceReference{HostGitLab, "acme", "site", "v1.2"}, true},
		{"unknown host", SourceReference{"bitbucket", "acme", "site", "main"}, false},
		{"missing owner", SourceReference{HostGitHub, "", "site", "main"}, false},
		{"missing ref", SourceReference{HostGitHub, "acme", "site", ""}, false},
		{"slash in repo", SourceReference{HostGitHub, "acme", "a/b", "main"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ref.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok {
				if !faults.IsCode(err, faults.CodeBadJob) {
					t.Fatalf("expected bad-job error, got %v", err)
				}
			}
		})
	}
}

func TestFetchArchiveGitHub(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("tarball-bytes"))
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL)
	path, err := f.FetchArchive(context.Background(), "tok-1",
		SourceReference{HostGitHub, "acme", "site", "main"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotPath != "/repos/acme/site/tarball/main" {
		t.Errorf("unexpected request path %q", gotPath)
	}
	if gotAuth != "token tok-1" {
		t.Errorf("unexpected auth header %q", gotAuth)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if string(data) != "tarball-bytes" {
		t.Errorf("archive content mismatch: %q", data)
	}
	if !strings.HasPrefix(filepath.Base(path), "github-acme-site-") {
		t.Errorf("unexpected archive name %q", filepath.Base(path))
	}
}

func TestFetchArchiveGitLab(t *testing.T) {
	var archiveAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/projects/", func(w http.ResponseWriter, r *http.Request) {
		// The project-id lookup uses the URL-encoded owner/repo path.
		if r.URL.EscapedPath() == "/projects/acme%2Fsite" {
			_, _ = w.Write([]byte(`{"id": 42}`))
			return
		}
		if r.URL.Path == "/projects/42/repository/archive.tar.gz" && r.URL.Query().Get("sha") == "main" {
			archiveAuth = r.Header.Get("Authorization")
			_, _ = w.Write([]byte("gl-tarball"))
			return
		}
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newFetcher(t, srv.URL)
	path, err := f.FetchArchive(context.Background(), "tok-gl",
		SourceReference{HostGitLab, "acme", "site", "main"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if archiveAuth != "Bearer tok-gl" {
		t.Errorf("unexpected auth header %q", archiveAuth)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "gl-tarball" {
		t.Errorf("archive content mismatch: %q", data)
	}
}

func TestFetchArchiveNon2xxLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such repo", http.StatusNotFound)
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL)
	_, err := f.FetchArchive(context.Background(), "tok",
		SourceReference{HostGitHub, "acme", "gone", "main"})
	if !faults.IsCode(err, faults.CodeFetchFailed) {
		t.Fatalf("expected fetch-failed, got %v", err)
	}
	if status, ok := faults.HTTPStatus(err); !ok || status != http.StatusNotFound {
		t.Errorf("expected status 404 on error, got %d %v", status, ok)
	}
	entries, readErr := os.ReadDir(f.ScratchDir)
	if readErr != nil && !os.IsNotExist(readErr) {
		t.Fatalf("read scratch dir: %v", readErr)
	}
	if len(entries) != 0 {
		t.Errorf("partial archive left behind: %v", entries)
	}
}

func TestFetchArchive401IsAuthClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL)
	_, err := f.FetchArchive(context.Background(), "tok-expired",
		SourceReference{HostGitHub, "acme", "site", "main"})
	if status, ok := faults.HTTPStatus(err); !ok || status != http.StatusUnauthorized {
		t.Fatalf("expected typed 401, got %v", err)
	}
}

func TestFetchArchiveGitLabLookupFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "project not found", http.StatusNotFound)
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL)
	_, err := f.FetchArchive(context.Background(), "tok",
		SourceReference{HostGitLab, "acme", "site", "main"})
	if !faults.IsCode(err, faults.CodeFetchFailed) {
		t.Fatalf("expected fetch-failed, got %v", err)
	}
	entries, _ := os.ReadDir(f.ScratchDir)
	if len(entries) != 0 {
		t.Errorf("lookup failure must not create files: %v", entries)
	}
}

package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/siteship/siteship/core/faults"
	"github.com/siteship/siteship/core/infra/config"
	"github.com/siteship/siteship/core/infra/logging"
	"github.com/siteship/siteship/core/infra/secrets"
)

// Fetcher downloads repository archives into the scratch directory.
type Fetcher struct {
	ScratchDir string
	GitHub     config.HostConfig
	GitLab     config.HostConfig
	HTTP       *http.Client
}

// NewFetcher builds a Fetcher from the deployer config.
func NewFetcher(cfg *config.DeployerConfig) *Fetcher {
	return &Fetcher{
		ScratchDir: cfg.ScratchDir,
		GitHub:     cfg.GitHub,
		GitLab:     cfg.GitLab,
		HTTP:       &http.Client{Timeout: 5 * time.Minute},
	}
}

// FetchArchive downloads the tar.gz snapshot for ref and streams it to a
// uniquely named file under the scratch directory. On any failure the partial
// file is removed before the error is returned.
func (f *Fetcher) FetchArchive(ctx context.Context, token string, ref SourceReference) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}

	archiveURL, authHeader, err := f.archiveURL(ctx, token, ref)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(f.ScratchDir, 0o755); err != nil {
		return "", faults.Wrap(faults.CodeFetchFailed, "create scratch dir", err)
	}
	name := fmt.Sprintf("%s-%d-%04d.tar.gz", ref.Slug(), time.Now().UnixNano(), rand.Intn(10000))
	path := filepath.Join(f.ScratchDir, name)

	out, err := os.Create(path)
	if err != nil {
		return "", faults.Wrap(faults.CodeFetchFailed, "create scratch archive", err)
	}

	if err := f.download(ctx, archiveURL, authHeader, out); err != nil {
		out.Close()
		if rmErr := os.Remove(path); rmErr != nil {
			logging.Warn("source", "remove partial archive", "path", path, "err", rmErr)
		}
		return "", err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(path)
		return "", faults.Wrap(faults.CodeFetchFailed, "flush scratch archive", err)
	}

	logging.Info("source", "archive fetched",
		"host", string(ref.Host), "repo", ref.Owner+"/"+ref.Repo, "ref", ref.Ref, "path", path)
	return path, nil
}

func (f *Fetcher) download(ctx context.Context, rawURL, authHeader string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return faults.Wrap(faults.CodeFetchFailed, "build archive request", err)
	}
	req.Header.Set("Authorization", authHeader)

	resp, err := f.client().Do(req)
	if err != nil {
		return faults.Wrap(faults.CodeFetchFailed, "download archive from "+secrets.RedactURL(rawURL), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return faults.NewHTTP(faults.CodeFetchFailed, resp.StatusCode,
			"archive download from "+secrets.RedactURL(rawURL)+" returned "+resp.Status)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return faults.Wrap(faults.CodeFetchFailed, "stream archive body", err)
	}
	return nil
}

// archiveURL returns the host-specific download URL and the Authorization
// header value to send with it.
func (f *Fetcher) archiveURL(ctx context.Context, token string, ref SourceReference) (string, string, error) {
	switch ref.Host {
	case HostGitHub:
		u := fmt.Sprintf("%s/repos/%s/%s/tarball/%s",
			f.GitHub.APIBase, ref.Owner, ref.Repo, url.PathEscape(ref.Ref))
		return u, "token " + token, nil
	case HostGitLab:
		id, err := f.gitlabProjectID(ctx, token, ref)
		if err != nil {
			return "", "", err
		}
		u := fmt.Sprintf("%s/projects/%d/repository/archive.tar.gz?sha=%s",
			f.GitLab.APIBase, id, url.QueryEscape(ref.Ref))
		return u, "Bearer " + token, nil
	default:
		return "", "", faults.Newf(faults.CodeBadJob, "unsupported source host %q", ref.Host)
	}
}

// gitlabProjectID resolves owner/repo to GitLab's numeric project id, a
// prerequisite for the archive endpoint.
func (f *Fetcher) gitlabProjectID(ctx context.Context, token string, ref SourceReference) (int64, error) {
	lookup := f.GitLab.APIBase + "/projects/" + url.PathEscape(ref.Owner+"/"+ref.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookup, nil)
	if err != nil {
		return 0, faults.Wrap(faults.CodeFetchFailed, "build project lookup request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.client().Do(req)
	if err != nil {
		return 0, faults.Wrap(faults.CodeFetchFailed, "look up gitlab project "+ref.Owner+"/"+ref.Repo, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, faults.NewHTTP(faults.CodeFetchFailed, resp.StatusCode,
			"gitlab project lookup for "+ref.Owner+"/"+ref.Repo+" returned "+resp.Status)
	}

	var body struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, faults.Wrap(faults.CodeFetchFailed, "decode gitlab project lookup", err)
	}
	if body.ID <= 0 {
		return 0, faults.New(faults.CodeFetchFailed,
			"gitlab project lookup returned id "+strconv.FormatInt(body.ID, 10))
	}
	return body.ID, nil
}

func (f *Fetcher) client() *http.Client {
	if f.HTTP != nil {
		return f.HTTP
	}
	return http.DefaultClient
}

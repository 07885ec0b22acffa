package hosting

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/siteship/siteship/core/faults"
	"github.com/siteship/siteship/core/infra/config"
	"github.com/siteship/siteship/core/infra/logging"
)

// Client talks to the hosting backend. Every method takes the caller's access
// token so the credential-refresh wrapper can retry with a fresh one.
type Client struct {
	APIBase string
	HTTP    *http.Client
}

// NewClient builds a Client from the hosting config.
func NewClient(cfg config.HostingConfig) *Client {
	return &Client{
		APIBase: strings.TrimRight(cfg.APIBase, "/"),
		HTTP:    &http.Client{Timeout: 2 * time.Minute},
	}
}

// CreateVersion opens a new version for the site and returns its handle.
func (c *Client) CreateVersion(ctx context.Context, token, siteID string) (string, error) {
	var v Version
	err := c.call(ctx, token, http.MethodPost, "/sites/"+siteID+"/versions", nil, &v)
	if err != nil {
		return "", err
	}
	if v.Name == "" {
		return "", faults.New(faults.CodeUploadFailed, "backend returned a version without a name")
	}
	return v.Name, nil
}

// PopulateFiles sends the full manifest and returns the hashes the backend is
// missing together with the upload target.
func (c *Client) PopulateFiles(ctx context.Context, token, versionName string, hashes map[string]string) (PopulateResult, error) {
	body := struct {
		Files map[string]string `json:"files"`
	}{Files: hashes}
	var res PopulateResult
	if err := c.call(ctx, token, http.MethodPost, "/"+versionName+":populateFiles", body, &res); err != nil {
		return PopulateResult{}, err
	}
	if len(res.UploadRequiredHashes) > 0 && res.UploadURL == "" {
		return PopulateResult{}, faults.New(faults.CodeUploadFailed, "backend requires uploads but gave no upload target")
	}
	return res, nil
}

// UploadFile puts one gzipped payload at its hash-specific address under the
// upload target.
func (c *Client) UploadFile(ctx context.Context, token, uploadURL, hash string, gzipped []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(uploadURL, "/")+"/"+hash, bytes.NewReader(gzipped))
	if err != nil {
		return faults.Wrap(faults.CodeUploadFailed, "build upload request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client().Do(req)
	if err != nil {
		return faults.Wrap(faults.CodeUploadFailed, "upload "+hash, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return faults.NewHTTP(faults.CodeUploadFailed, resp.StatusCode, "upload "+hash+" returned "+resp.Status)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// FinalizeVersion freezes the version. A version already finalized by an
// earlier attempt counts as success.
func (c *Client) FinalizeVersion(ctx context.Context, token, versionName string) error {
	body := struct {
		Status string `json:"status"`
	}{Status: StatusFinalized}
	err := c.call(ctx, token, http.MethodPatch, "/"+versionName+"?update_mask=status", body, nil)
	if err != nil && strings.Contains(err.Error(), "ALREADY_FINALIZED") {
		logging.Info("hosting", "version already finalized", "version", versionName)
		return nil
	}
	return err
}

// CreateRelease makes the finalized version live. Idempotent against the same
// version handle: re-releasing an already released version just issues a new
// release pointing at it.
func (c *Client) CreateRelease(ctx context.Context, token, siteID, versionName string) (Release, error) {
	var rel Release
	err := c.call(ctx, token, http.MethodPost,
		"/sites/"+siteID+"/releases?versionName="+versionName, nil, &rel)
	return rel, err
}

// GetRelease fetches one release. Absence surfaces as a typed 404 the status
// reporter maps to in-progress.
func (c *Client) GetRelease(ctx context.Context, token, siteID, releaseID string) (Release, error) {
	var rel Release
	err := c.call(ctx, token, http.MethodGet, "/sites/"+siteID+"/releases/"+releaseID, nil, &rel)
	return rel, err
}

func (c *Client) call(ctx context.Context, token, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return faults.Wrap(faults.CodeInternal, "encode request body", err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.APIBase+path, payload)
	if err != nil {
		return faults.Wrap(faults.CodeUploadFailed, "build backend request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return faults.Wrap(faults.CodeUploadFailed, method+" "+path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return faults.NewHTTP(faults.CodeUploadFailed, resp.StatusCode,
			method+" "+path+" returned "+resp.Status+": "+strings.TrimSpace(string(detail)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return faults.Wrap(faults.CodeUploadFailed, "decode backend response", err)
	}
	return nil
}

func (c *Client) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

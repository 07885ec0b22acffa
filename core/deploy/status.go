package deploy

import (
	"context"
	"strings"
	"time"

	"github.com/siteship/siteship/core/faults"
	"github.com/siteship/siteship/core/hosting"
	"github.com/siteship/siteship/core/identity"
)

// Status reports the current state of a release. The backend only ever shows
// a release as present (success) or absent (still in progress); there is no
// observable failed state, so callers escalate on their own timeout.
func (p *Pipeline) Status(ctx context.Context, userID, siteID, releaseID string) (ReleaseRecord, error) {
	if rec, err := p.Releases.Get(ctx, siteID, releaseID); err == nil && rec.Status == StatusSuccess {
		return rec, nil
	}

	var rel hosting.Release
	err := p.Refresher.WithRefresh(ctx, userID, p.hostingProvider(), func(token string) error {
		var callErr error
		rel, callErr = p.Hosting.GetRelease(ctx, token, siteID, releaseID)
		return callErr
	})
	if err != nil {
		if status, ok := faults.HTTPStatus(err); ok && status == 404 {
			return ReleaseRecord{
				ID:     releaseID,
				SiteID: siteID,
				Status: StatusInProgress,
				URL:    p.siteURL(siteID),
			}, nil
		}
		if faults.IsCode(err, faults.CodeReauthRequired) || faults.IsCode(err, faults.CodeCredentialMissing) {
			return ReleaseRecord{}, err
		}
		return ReleaseRecord{}, faults.Wrap(faults.CodeStatusUnavailable, "query release "+releaseID, err)
	}

	rec := ReleaseRecord{
		ID:          releaseID,
		SiteID:      siteID,
		Version:     rel.VersionName,
		Status:      StatusSuccess,
		URL:         p.siteURL(siteID),
		CreatedAt:   rel.ReleaseTime,
		CompletedAt: rel.ReleaseTime,
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}
	if err := p.Releases.Put(ctx, rec); err != nil {
		return rec, nil // record is advisory, the answer stands
	}
	return rec, nil
}

// Reissue re-runs finalize and release against an existing version handle.
// This is the operator resume path for a crash between finalize and release;
// both backend calls are idempotent against the same version.
func (p *Pipeline) Reissue(ctx context.Context, userID, siteID, versionName string) (ReleaseRecord, error) {
	var rel hosting.Release
	err := p.Refresher.WithRefresh(ctx, userID, p.hostingProvider(), func(token string) error {
		if err := p.Hosting.FinalizeVersion(ctx, token, versionName); err != nil {
			return err
		}
		var callErr error
		rel, callErr = p.Hosting.CreateRelease(ctx, token, siteID, versionName)
		return callErr
	})
	if err != nil {
		return ReleaseRecord{}, err
	}

	now := time.Now().UTC()
	rec := ReleaseRecord{
		ID:          releaseID(rel.Name),
		SiteID:      siteID,
		Version:     versionName,
		Status:      StatusSuccess,
		URL:         p.siteURL(siteID),
		CreatedAt:   now,
		CompletedAt: now,
	}
	if !rel.ReleaseTime.IsZero() {
		rec.CompletedAt = rel.ReleaseTime
	}
	if err := p.Releases.Put(ctx, rec); err != nil {
		return ReleaseRecord{}, err
	}
	return rec, nil
}

// releaseID extracts the final path segment of a backend release name.
func releaseID(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func (p *Pipeline) siteURL(siteID string) string {
	domain := p.Cfg.Hosting.SiteDomain
	if domain == "" {
		domain = "web.app"
	}
	return "https://" + siteID + "." + domain
}

// hostingProvider describes the hosting backend's token endpoint for the
// refresh wrapper.
func (p *Pipeline) hostingProvider() identity.Provider {
	return identity.Provider{
		Name:         "hosting",
		TokenURL:     p.Cfg.Hosting.TokenURL,
		ClientID:     p.Cfg.Hosting.ClientID,
		ClientSecret: p.Cfg.Hosting.ClientSecret(),
	}
}

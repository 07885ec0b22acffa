package deploy

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/siteship/siteship/core/archive"
	"github.com/siteship/siteship/core/build"
	"github.com/siteship/siteship/core/faults"
	"github.com/siteship/siteship/core/hosting"
	"github.com/siteship/siteship/core/identity"
	"github.com/siteship/siteship/core/infra/bus"
	"github.com/siteship/siteship/core/infra/config"
	"github.com/siteship/siteship/core/infra/locks"
	"github.com/siteship/siteship/core/infra/logging"
	"github.com/siteship/siteship/core/infra/metrics"
	"github.com/siteship/siteship/core/manifest"
	"github.com/siteship/siteship/core/source"
)

const siteLockRetryDelay = 15 * time.Second

// Pipeline runs deployments end to end: fetch, extract, detect or build,
// manifest, differential upload, finalize and release.
type Pipeline struct {
	Cfg       *config.DeployerConfig
	Fetcher   *source.Fetcher
	Builder   *build.Runner
	Manifests *manifest.Builder
	Hosting   *hosting.Client
	Refresher *identity.Refresher
	Locks     locks.Store
	Releases  *ReleaseStore
	Hub       *ProgressHub
	Metrics   metrics.Metrics
}

// NewPipeline wires a Pipeline from its parts. Nil metrics collapse to Noop.
func NewPipeline(cfg *config.DeployerConfig, refresher *identity.Refresher, lockStore locks.Store,
	releases *ReleaseStore, hub *ProgressHub, m metrics.Metrics) *Pipeline {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Pipeline{
		Cfg:       cfg,
		Fetcher:   source.NewFetcher(cfg),
		Builder:   build.NewRunner(),
		Manifests: &manifest.Builder{Cache: manifest.LoadHashCache(cfg.HashCachePath)},
		Hosting:   hosting.NewClient(cfg.Hosting),
		Refresher: refresher,
		Locks:     lockStore,
		Releases:  releases,
		Hub:       hub,
		Metrics:   m,
	}
}

// Run executes one deployment. A failure anywhere fails the whole run after
// cleaning up the run's scratch state; retry is run-level, driven by the bus.
func (p *Pipeline) Run(ctx context.Context, job DeployJob) (ReleaseRecord, error) {
	host := string(job.Source.Host)
	p.Metrics.IncDeploysStarted(host)

	runTimeout := time.Duration(p.Cfg.Timeouts.RunSeconds) * time.Second
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	release, err := p.runLocked(ctx, job, runTimeout)
	if err != nil {
		p.Metrics.IncDeploysCompleted(host, ResultFailed)
		return ReleaseRecord{}, err
	}
	p.Metrics.IncDeploysCompleted(host, ResultSucceeded)
	return release, nil
}

// runLocked holds the per-site lock for the duration of the run. Contention
// is surfaced as a retryable error so the bus redelivers the job later.
func (p *Pipeline) runLocked(ctx context.Context, job DeployJob, runTimeout time.Duration) (ReleaseRecord, error) {
	resource := "deploy:site:" + job.SiteID
	owner := uuid.NewString()
	ttl := runTimeout + time.Minute
	if runTimeout <= 0 {
		ttl = time.Hour
	}

	ok, err := p.Locks.Acquire(ctx, resource, owner, ttl)
	if err != nil {
		return ReleaseRecord{}, faults.Wrap(faults.CodeInternal, "acquire site lock", err)
	}
	if !ok {
		return ReleaseRecord{}, bus.RetryAfter(
			faults.New(faults.CodeInternal, "another deploy for site "+job.SiteID+" is running"),
			siteLockRetryDelay)
	}
	defer func() {
		if _, err := p.Locks.Release(context.WithoutCancel(ctx), resource, owner); err != nil {
			logging.Error("deploy", "release site lock", "resource", resource, "err", err)
		}
	}()

	return p.run(ctx, job)
}

func (p *Pipeline) run(ctx context.Context, job DeployJob) (rec ReleaseRecord, err error) {
	logging.Info("deploy", "run started",
		"deploy", job.DeployID, "site", job.SiteID,
		"source", string(job.Source.Host)+":"+job.Source.Owner+"/"+job.Source.Repo+"@"+job.Source.Ref)

	sourceProvider, err := p.sourceProvider(job.Source.Host)
	if err != nil {
		return ReleaseRecord{}, err
	}

	// Fetch.
	var archivePath string
	err = p.phase(job, PhaseFetch, "", func() error {
		return p.Refresher.WithRefresh(ctx, job.UserID, sourceProvider, func(token string) error {
			var fetchErr error
			archivePath, fetchErr = p.Fetcher.FetchArchive(ctx, token, job.Source)
			return fetchErr
		})
	})
	if err != nil {
		return ReleaseRecord{}, err
	}
	defer func() {
		// Extract deletes the archive on success; anything left is debris.
		if rmErr := os.Remove(archivePath); rmErr != nil && !os.IsNotExist(rmErr) {
			logging.Warn("deploy", "remove archive", "path", archivePath, "err", rmErr)
		}
	}()

	// Extract.
	treeDir := filepath.Join(p.Cfg.ScratchDir, job.DeployID+"-tree")
	err = p.phase(job, PhaseExtract, "", func() error {
		_, exErr := archive.Extract(archivePath, treeDir)
		return exErr
	})
	if err != nil {
		return ReleaseRecord{}, err
	}
	defer func() {
		// The tree goes on success and failure alike; the bytes that matter
		// are on the backend by then.
		if rmErr := os.RemoveAll(treeDir); rmErr != nil {
			logging.Error("deploy", "remove working tree", "dir", treeDir, "err", rmErr)
		}
	}()

	// Detect, build if needed.
	detection := build.Detect(treeDir)
	publishDir := filepath.Join(treeDir, detection.PublishDir)
	if detection.Kind == build.BuildableApplication {
		err = p.phase(job, PhaseBuild, "", func() error {
			buildCtx := ctx
			if secs := p.Cfg.Timeouts.BuildSeconds; secs > 0 {
				var cancel context.CancelFunc
				buildCtx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
				defer cancel()
			}
			out, buildErr := p.Builder.Run(buildCtx, treeDir)
			if buildErr != nil {
				return buildErr
			}
			publishDir = filepath.Join(treeDir, out)
			return nil
		})
		if err != nil {
			return ReleaseRecord{}, err
		}
	}

	// Manifest.
	var m *manifest.ContentManifest
	err = p.phase(job, PhaseManifest, "", func() error {
		var mErr error
		m, mErr = p.Manifests.Build(publishDir)
		return mErr
	})
	if err != nil {
		return ReleaseRecord{}, err
	}
	p.Metrics.AddFilesHashed(len(m.Entries))
	if p.Manifests.Cache != nil {
		defer p.Manifests.Cache.Save()
	}

	// Upload, finalize, release.
	var rel hosting.Release
	var versionName string
	err = p.phase(job, PhaseUpload, strconv.Itoa(len(m.Entries))+" files", func() error {
		uploadCtx := ctx
		if secs := p.Cfg.Timeouts.UploadSeconds; secs > 0 {
			var cancel context.CancelFunc
			uploadCtx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
			defer cancel()
		}
		return p.Refresher.WithRefresh(uploadCtx, job.UserID, p.hostingProvider(), func(token string) error {
			var upErr error
			versionName, upErr = p.uploadVersion(uploadCtx, token, job.SiteID, m)
			return upErr
		})
	})
	if err != nil {
		return ReleaseRecord{}, err
	}

	err = p.phase(job, PhaseRelease, "", func() error {
		return p.Refresher.WithRefresh(ctx, job.UserID, p.hostingProvider(), func(token string) error {
			if finErr := p.Hosting.FinalizeVersion(ctx, token, versionName); finErr != nil {
				return finErr
			}
			var relErr error
			rel, relErr = p.Hosting.CreateRelease(ctx, token, job.SiteID, versionName)
			return relErr
		})
	})
	if err != nil {
		return ReleaseRecord{}, err
	}

	now := time.Now().UTC()
	rec = ReleaseRecord{
		ID:          releaseID(rel.Name),
		SiteID:      job.SiteID,
		Version:     versionName,
		Status:      StatusSuccess,
		URL:         p.siteURL(job.SiteID),
		CreatedAt:   now,
		CompletedAt: now,
	}
	if !rel.ReleaseTime.IsZero() {
		rec.CompletedAt = rel.ReleaseTime
	}
	if putErr := p.Releases.Put(ctx, rec); putErr != nil {
		logging.Error("deploy", "persist release record", "release", rec.ID, "err", putErr)
	}

	logging.Info("deploy", "run finished",
		"deploy", job.DeployID, "site", job.SiteID, "release", rec.ID, "url", rec.URL)
	return rec, nil
}

// uploadVersion opens a version, negotiates the differential set and uploads
// exactly the hashes the backend is missing.
func (p *Pipeline) uploadVersion(ctx context.Context, token, siteID string, m *manifest.ContentManifest) (string, error) {
	versionName, err := p.Hosting.CreateVersion(ctx, token, siteID)
	if err != nil {
		return "", err
	}
	res, err := p.Hosting.PopulateFiles(ctx, token, versionName, m.Hashes())
	if err != nil {
		return "", err
	}
	if len(res.UploadRequiredHashes) == 0 {
		return versionName, nil
	}
	if err := p.uploadAll(ctx, token, res, m); err != nil {
		return "", err
	}
	return versionName, nil
}

// uploadAll fans the required uploads out with bounded concurrency. The
// first failure cancels the rest and fails the run.
func (p *Pipeline) uploadAll(ctx context.Context, token string, res hosting.PopulateResult, m *manifest.ContentManifest) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	limit := p.Cfg.UploadConcurrency
	if limit <= 0 {
		limit = 16
	}
	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	for _, hash := range res.UploadRequiredHashes {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			mu.Lock()
			defer mu.Unlock()
			if firstErr != nil {
				return firstErr
			}
			return faults.Wrap(faults.CodeUploadFailed, "upload fan-out cancelled", ctx.Err())
		}
		wg.Add(1)
		go func(hash string) {
			defer wg.Done()
			defer func() { <-sem }()
			payload, err := m.Payload(hash)
			if err != nil {
				fail(err)
				return
			}
			if err := p.Hosting.UploadFile(ctx, token, res.UploadURL, hash, payload); err != nil {
				fail(err)
				return
			}
			p.Metrics.AddFilesUploaded(1)
			p.Metrics.AddUploadBytes(int64(len(payload)))
		}(hash)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return firstErr
}

// phase runs one pipeline step with progress events and a duration metric.
func (p *Pipeline) phase(job DeployJob, name, detail string, fn func() error) error {
	p.Hub.Publish(ProgressEvent{DeployID: job.DeployID, SiteID: job.SiteID, Phase: name, State: StateStarted, Detail: detail})
	start := time.Now()
	err := fn()
	p.Metrics.ObservePhaseDuration(name, time.Since(start).Seconds())
	if err != nil {
		p.Hub.Publish(ProgressEvent{DeployID: job.DeployID, SiteID: job.SiteID, Phase: name, State: StateFailed, Detail: err.Error()})
		logging.Error("deploy", "phase failed", "deploy", job.DeployID, "phase", name, "err", err)
		return err
	}
	p.Hub.Publish(ProgressEvent{DeployID: job.DeployID, SiteID: job.SiteID, Phase: name, State: StateFinished, Detail: detail})
	return nil
}

// sourceProvider describes the token endpoint of the job's source host.
func (p *Pipeline) sourceProvider(host source.HostKind) (identity.Provider, error) {
	var hc config.HostConfig
	switch host {
	case source.HostGitHub:
		hc = p.Cfg.GitHub
	case source.HostGitLab:
		hc = p.Cfg.GitLab
	default:
		return identity.Provider{}, faults.Newf(faults.CodeBadJob, "unsupported source host %q", host)
	}
	return identity.Provider{
		Name:         string(host),
		TokenURL:     hc.TokenURL,
		ClientID:     hc.ClientID,
		ClientSecret: hc.ClientSecret(),
	}, nil
}

package deploy

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/siteship/siteship/core/faults"
	"github.com/siteship/siteship/core/infra/redisutil"
)

// Status values of a ReleaseRecord. The hosting backend never exposes a
// failed release; callers escalate on timeout instead.
const (
	StatusInProgress = "in_progress"
	StatusSuccess    = "success"
)

// ReleaseRecord is the worker's view of one deployment outcome.
type ReleaseRecord struct {
	ID          string
	SiteID      string
	Version     string
	Status      string
	URL         string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// ReleaseStore persists release records in redis so siteshipctl and the
// dashboard can read them without touching the hosting backend.
type ReleaseStore struct {
	client *redis.Client
	ttl    time.Duration
}

const releaseOpTimeout = 2 * time.Second

// NewReleaseStore connects to redis at url. Records expire after 30 days.
func NewReleaseStore(url string) (*ReleaseStore, error) {
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, err
	}
	return &ReleaseStore{client: client, ttl: 30 * 24 * time.Hour}, nil
}

func (s *ReleaseStore) Close() error { return s.client.Close() }

func releaseKey(siteID, releaseID string) string { return "release:" + siteID + ":" + releaseID }
func siteIndexKey(siteID string) string          { return "releases:" + siteID }

// Put writes or overwrites a record and indexes it for listing.
func (s *ReleaseStore) Put(ctx context.Context, rec ReleaseRecord) error {
	if rec.ID == "" || rec.SiteID == "" {
		return faults.New(faults.CodeInternal, "release record needs id and site")
	}
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseOpTimeout)
	defer cancel()

	fields := map[string]any{
		"version":    rec.Version,
		"status":     rec.Status,
		"url":        rec.URL,
		"created_at": rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !rec.CompletedAt.IsZero() {
		fields["completed_at"] = rec.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	key := releaseKey(rec.SiteID, rec.ID)
	pipe := s.client.TxPipeline()
	pipe.HSet(opCtx, key, fields)
	pipe.Expire(opCtx, key, s.ttl)
	pipe.ZAdd(opCtx, siteIndexKey(rec.SiteID), redis.Z{
		Score:  float64(rec.CreatedAt.UnixNano()),
		Member: rec.ID,
	})
	pipe.Expire(opCtx, siteIndexKey(rec.SiteID), s.ttl)
	if _, err := pipe.Exec(opCtx); err != nil {
		return faults.Wrap(faults.CodeInternal, "persist release record", err)
	}
	return nil
}

// Get loads one record. Absence yields a typed status-unavailable error.
func (s *ReleaseStore) Get(ctx context.Context, siteID, releaseID string) (ReleaseRecord, error) {
	opCtx, cancel := context.WithTimeout(ctx, releaseOpTimeout)
	defer cancel()

	vals, err := s.client.HGetAll(opCtx, releaseKey(siteID, releaseID)).Result()
	if err != nil {
		return ReleaseRecord{}, faults.Wrap(faults.CodeStatusUnavailable, "load release record", err)
	}
	if len(vals) == 0 {
		return ReleaseRecord{}, faults.New(faults.CodeStatusUnavailable,
			"no release "+releaseID+" recorded for site "+siteID)
	}
	rec := ReleaseRecord{
		ID:      releaseID,
		SiteID:  siteID,
		Version: vals["version"],
		Status:  vals["status"],
		URL:     vals["url"],
	}
	if t, err := time.Parse(time.RFC3339Nano, vals["created_at"]); err == nil {
		rec.CreatedAt = t
	}
	if v := vals["completed_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.CompletedAt = t
		}
	}
	return rec, nil
}

// List returns the most recent records for a site, newest first.
func (s *ReleaseStore) List(ctx context.Context, siteID string, limit int) ([]ReleaseRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	opCtx, cancel := context.WithTimeout(ctx, releaseOpTimeout)
	defer cancel()

	ids, err := s.client.ZRevRange(opCtx, siteIndexKey(siteID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, faults.Wrap(faults.CodeStatusUnavailable, "list releases for "+siteID, err)
	}
	out := make([]ReleaseRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, siteID, id)
		if err != nil {
			if faults.IsCode(err, faults.CodeStatusUnavailable) {
				// Record expired out from under the index.
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

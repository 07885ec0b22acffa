package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/siteship/siteship/core/faults"
	"github.com/siteship/siteship/core/infra/redisutil"
)

const (
	defaultRedisURL       = "redis://localhost:6379"
	defaultRedisOpTimeout = 2 * time.Second

	fieldAccessToken  = "access_token"
	fieldRefreshToken = "refresh_token"
	fieldUpdatedAt    = "updated_at"
)

// RedisProfileStore implements ProfileStore over the dashboard's Redis
// profile records.
type RedisProfileStore struct {
	client *redis.Client
}

// NewRedisProfileStore constructs a profile store from a redis:// URL.
func NewRedisProfileStore(url string) (*RedisProfileStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultRedisOpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisProfileStore{client: client}, nil
}

func (s *RedisProfileStore) Get(ctx context.Context, userID, provider string) (Credential, error) {
	key, err := profileKey(userID, provider)
	if err != nil {
		return Credential{}, err
	}
	cctx, cancel := opContext(ctx)
	defer cancel()
	fields, err := s.client.HGetAll(cctx, key).Result()
	if err != nil {
		return Credential{}, fmt.Errorf("load profile %s: %w", key, err)
	}
	access := fields[fieldAccessToken]
	if access == "" {
		return Credential{}, faults.Newf(faults.CodeCredentialMissing,
			"no %s credential on file for user %s", provider, userID)
	}
	return Credential{
		AccessToken:  access,
		RefreshToken: fields[fieldRefreshToken],
	}, nil
}

func (s *RedisProfileStore) Update(ctx context.Context, userID, provider string, cred Credential) error {
	key, err := profileKey(userID, provider)
	if err != nil {
		return err
	}
	if cred.AccessToken == "" {
		return fmt.Errorf("refusing to store empty access token for %s", key)
	}
	fields := map[string]any{
		fieldAccessToken: cred.AccessToken,
		fieldUpdatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if cred.RefreshToken != "" {
		fields[fieldRefreshToken] = cred.RefreshToken
	}
	cctx, cancel := opContext(ctx)
	defer cancel()
	return s.client.HSet(cctx, key, fields).Err()
}

// Close closes the underlying Redis client.
func (s *RedisProfileStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
}

func profileKey(userID, provider string) (string, error) {
	userID = strings.TrimSpace(userID)
	provider = strings.TrimSpace(provider)
	if userID == "" || provider == "" {
		return "", fmt.Errorf("userID and provider required")
	}
	return "profile:" + provider + ":" + userID, nil
}

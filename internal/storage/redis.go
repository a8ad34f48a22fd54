package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisAccountPrefix = "ag:account:"
	redisAccountIndex  = "ag:accounts"
	redisAliasHash     = "ag:aliases"
	redisUsageList     = "ag:usage"
	redisUsageCap      = 1000
)

// RedisBackend stores accounts as JSON strings, aliases in a hash and
// usage records in a capped list.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisBackend{client: redis.NewClient(opts)}, nil
}

// NewRedisBackendFromClient wraps an existing client, used by tests.
func NewRedisBackendFromClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (r *RedisBackend) Initialize(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func (r *RedisBackend) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) GetAccount(ctx context.Context, id string) (*Account, error) {
	data, err := r.client.Get(ctx, redisAccountPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &ErrNotFound{Key: id}
		}
		return nil, err
	}
	var account Account
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", id, err)
	}
	return &account, nil
}

func (r *RedisBackend) PutAccount(ctx context.Context, account *Account) error {
	account.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(account)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, redisAccountPrefix+account.ID, data, 0)
	pipe.SAdd(ctx, redisAccountIndex, account.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisBackend) DeleteAccount(ctx context.Context, id string) error {
	removed, err := r.client.Del(ctx, redisAccountPrefix+id).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return &ErrNotFound{Key: id}
	}
	return r.client.SRem(ctx, redisAccountIndex, id).Err()
}

func (r *RedisBackend) ListAccounts(ctx context.Context) ([]*Account, error) {
	ids, err := r.client.SMembers(ctx, redisAccountIndex).Result()
	if err != nil {
		return nil, err
	}
	accounts := make([]*Account, 0, len(ids))
	for _, id := range ids {
		account, err := r.GetAccount(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func (r *RedisBackend) UpdateCredential(ctx context.Context, id, accessToken string, expiry time.Time) error {
	return r.mutateAccount(ctx, id, func(a *Account) {
		a.AccessToken = accessToken
		a.TokenExpiry = expiry
	})
}

func (r *RedisBackend) UpdateMetadata(ctx context.Context, id, projectID, tier string) error {
	return r.mutateAccount(ctx, id, func(a *Account) {
		a.ProjectID = projectID
		a.Tier = tier
	})
}

func (r *RedisBackend) UpdateQuotaScore(ctx context.Context, id string, score float64) error {
	return r.mutateAccount(ctx, id, func(a *Account) {
		a.QuotaScore = score
	})
}

func (r *RedisBackend) mutateAccount(ctx context.Context, id string, apply func(*Account)) error {
	account, err := r.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	apply(account)
	return r.PutAccount(ctx, account)
}

func (r *RedisBackend) GetAlias(ctx context.Context, source string) (string, error) {
	target, err := r.client.HGet(ctx, redisAliasHash, source).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &ErrNotFound{Key: source}
		}
		return "", err
	}
	return target, nil
}

func (r *RedisBackend) SetAlias(ctx context.Context, source, target string) error {
	return r.client.HSet(ctx, redisAliasHash, source, target).Err()
}

func (r *RedisBackend) DeleteAlias(ctx context.Context, source string) error {
	removed, err := r.client.HDel(ctx, redisAliasHash, source).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return &ErrNotFound{Key: source}
	}
	return nil
}

func (r *RedisBackend) ListAliases(ctx context.Context) (map[string]string, error) {
	return r.client.HGetAll(ctx, redisAliasHash).Result()
}

func (r *RedisBackend) AppendUsage(ctx context.Context, record UsageRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, redisUsageList, data)
	pipe.LTrim(ctx, redisUsageList, 0, redisUsageCap-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisBackend) RecentUsage(ctx context.Context, limit int) ([]UsageRecord, error) {
	if limit <= 0 || limit > redisUsageCap {
		limit = redisUsageCap
	}
	lines, err := r.client.LRange(ctx, redisUsageList, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	// The list is newest-first; return chronological order.
	records := make([]UsageRecord, 0, len(lines))
	for i := len(lines) - 1; i >= 0; i-- {
		var record UsageRecord
		if err := json.Unmarshal([]byte(lines[i]), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

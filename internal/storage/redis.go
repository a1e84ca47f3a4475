package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/crypto"
	"github.com/go-redis/redis/v8"
	"golang.org/x/oauth2"
)

const redisKeyPrefix = "mcp-gateway:tokens:"

var _ TokenStore = (*RedisTokenStore)(nil)

// RedisTokenStore shares backend tokens between gateway replicas
type RedisTokenStore struct {
	client    *redis.Client
	encryptor crypto.Encryptor
}

// NewRedisTokenStore connects to redisURL (redis://host:port/db) and checks
// the connection
func NewRedisTokenStore(ctx context.Context, redisURL string, encryptor crypto.Encryptor) (*RedisTokenStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	internal.LogInfoWithFields("storage", "redis token store connected", map[string]interface{}{
		"addr": opts.Addr,
		"db":   opts.DB,
	})
	return &RedisTokenStore{client: client, encryptor: encryptor}, nil
}

func (s *RedisTokenStore) key(server string) string {
	return redisKeyPrefix + SanitizeName(server)
}

func (s *RedisTokenStore) GetTokens(ctx context.Context, server string) (*oauth2.Token, error) {
	data, err := s.client.Get(ctx, s.key(server)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTokensNotFound
		}
		return nil, fmt.Errorf("failed to get tokens from Redis: %w", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding tokens: %w", err)
	}
	return rec.open(s.encryptor)
}

func (s *RedisTokenStore) SetTokens(ctx context.Context, server string, token *oauth2.Token) error {
	rec, err := sealRecord(server, token, s.encryptor)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding tokens: %w", err)
	}
	if err := s.client.Set(ctx, s.key(server), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store tokens in Redis: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) DeleteTokens(ctx context.Context, server string) error {
	if err := s.client.Del(ctx, s.key(server)).Err(); err != nil {
		return fmt.Errorf("failed to delete tokens from Redis: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) ListServers(ctx context.Context) ([]string, error) {
	var servers []string
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		servers = append(servers, strings.TrimPrefix(iter.Val(), redisKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan Redis tokens: %w", err)
	}
	sort.Strings(servers)
	return servers, nil
}

func (s *RedisTokenStore) Close() error {
	return s.client.Close()
}

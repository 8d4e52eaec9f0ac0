package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/pipe01/villus/internal/operation"
)

const defaultRedisPrefix = "villus:result:"

// RedisStore shares results between processes through Redis. Results are
// stored as JSON; a network error keeps only its message.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	owned  bool
}

var _ Store = (*RedisStore)(nil)

type RedisOption func(*RedisStore)

// WithPrefix sets the key namespace. Default "villus:result:".
func WithPrefix(p string) RedisOption { return func(s *RedisStore) { s.prefix = p } }

// WithTTL expires entries after d. Zero keeps them until evicted by Redis.
func WithTTL(d time.Duration) RedisOption { return func(s *RedisStore) { s.ttl = d } }

// WithOwnedClient makes Close also close the Redis client.
func WithOwnedClient() RedisOption { return func(s *RedisStore) { s.owned = true } }

func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultRedisPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

// storedResult is the JSON form of an operation.Result.
type storedResult struct {
	Data          any           `json:"data"`
	NetworkError  string        `json:"networkError,omitempty"`
	GraphQLErrors gqlerror.List `json:"graphQLErrors,omitempty"`
	StatusCode    int           `json:"statusCode,omitempty"`
	HasError      bool          `json:"hasError,omitempty"`
}

func encodeResult(r operation.Result) ([]byte, error) {
	sr := storedResult{Data: r.Data}
	if e := r.Error; e != nil {
		sr.HasError = true
		sr.GraphQLErrors = e.GraphQLErrors
		sr.StatusCode = e.StatusCode
		if e.NetworkError != nil {
			sr.NetworkError = e.NetworkError.Error()
		}
	}
	return json.Marshal(sr)
}

func decodeResult(b []byte) (operation.Result, error) {
	var sr storedResult
	if err := json.Unmarshal(b, &sr); err != nil {
		return operation.Result{}, err
	}
	r := operation.Result{Data: sr.Data}
	if sr.HasError {
		r.Error = &operation.CombinedError{
			GraphQLErrors: sr.GraphQLErrors,
			StatusCode:    sr.StatusCode,
		}
		if sr.NetworkError != "" {
			r.Error.NetworkError = errors.New(sr.NetworkError)
		}
	}
	return r, nil
}

func (s *RedisStore) redisKey(key operation.Key) string {
	return s.prefix + string(key)
}

func (s *RedisStore) Get(ctx context.Context, key operation.Key) (operation.Result, bool, error) {
	b, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return operation.Result{}, false, nil
	}
	if err != nil {
		return operation.Result{}, false, err
	}
	r, err := decodeResult(b)
	if err != nil {
		return operation.Result{}, false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return r, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key operation.Key, r operation.Result) error {
	b, err := encodeResult(r)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	return s.client.Set(ctx, s.redisKey(key), b, s.ttl).Err()
}

func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout shared with the service that provisions devices and issues
// viewer tokens:
//
//	doorcast:device:<id>        HASH {name, key_hash}
//	doorcast:token:<digest>     STRING viewer id, expires with the token
//	doorcast:access:<viewer>    SET of device ids
const (
	deviceKeyPrefix = "doorcast:device:"
	tokenKeyPrefix  = "doorcast:token:"
	accessKeyPrefix = "doorcast:access:"

	defaultRedisTimeout = 2 * time.Second
)

// redisCommands is the subset of go-redis the directory uses.
type redisCommands interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	SIsMember(ctx context.Context, key string, member any) *redis.BoolCmd
}

// Redis is a Directory backed by Redis.
type Redis struct {
	rdb     redisCommands
	timeout time.Duration
}

// NewRedis wraps an existing client.
func NewRedis(rdb redis.Cmdable) *Redis {
	return &Redis{rdb: rdb, timeout: defaultRedisTimeout}
}

// NewRedisClient builds the go-redis client used by NewRedis.
func NewRedisClient(addr string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	})
}

func (r *Redis) Lookup(ctx context.Context, deviceID string) (Device, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fields, err := r.rdb.HGetAll(ctx, deviceKeyPrefix+deviceID).Result()
	if err != nil {
		return Device{}, fmt.Errorf("hgetall device %s: %w", deviceID, err)
	}
	if len(fields) == 0 {
		return Device{}, ErrDeviceNotFound
	}
	return Device{ID: deviceID, Name: fields["name"], KeyHash: fields["key_hash"]}, nil
}

func (r *Redis) AuthenticateDevice(ctx context.Context, deviceID, key string) (Device, error) {
	d, err := r.Lookup(ctx, deviceID)
	if err != nil {
		return Device{}, err
	}
	return authenticate(d, key)
}

func (r *Redis) ValidateToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	id, err := r.rdb.Get(ctx, tokenKeyPrefix+TokenDigest(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("get token: %w", err)
	}
	return id, nil
}

func (r *Redis) CanView(ctx context.Context, viewerID, deviceID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ok, err := r.rdb.SIsMember(ctx, accessKeyPrefix+viewerID, deviceID).Result()
	if err != nil {
		return false, fmt.Errorf("sismember access %s: %w", viewerID, err)
	}
	return ok, nil
}

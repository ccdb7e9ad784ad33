package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis answers from maps using go-redis result constructors.
type fakeRedis struct {
	hashes map[string]map[string]string
	values map[string]string
	sets   map[string]map[string]bool
	err    error
}

func (f *fakeRedis) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	if f.err != nil {
		return redis.NewMapStringStringResult(nil, f.err)
	}
	m := f.hashes[key]
	if m == nil {
		m = map[string]string{}
	}
	return redis.NewMapStringStringResult(m, nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) SIsMember(_ context.Context, key string, member any) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	return redis.NewBoolResult(f.sets[key][member.(string)], nil)
}

func TestRedisDirectory(t *testing.T) {
	t.Parallel()

	h, err := HashKey("k1")
	if err != nil {
		t.Fatal(err)
	}
	fake := &fakeRedis{
		hashes: map[string]map[string]string{
			"doorcast:device:D1": {"name": "porch", "key_hash": h},
		},
		values: map[string]string{
			"doorcast:token:" + TokenDigest("tok"): "alice",
		},
		sets: map[string]map[string]bool{
			"doorcast:access:alice": {"D1": true},
		},
	}
	r := &Redis{rdb: fake, timeout: time.Second}
	ctx := context.Background()

	d, err := r.Lookup(ctx, "D1")
	if err != nil || d.Name != "porch" || d.ID != "D1" {
		t.Errorf("Lookup = %+v, %v", d, err)
	}
	if _, err := r.Lookup(ctx, "D2"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Lookup(D2) = %v", err)
	}
	if _, err := r.AuthenticateDevice(ctx, "D1", "k1"); err != nil {
		t.Errorf("AuthenticateDevice = %v", err)
	}
	if _, err := r.AuthenticateDevice(ctx, "D1", "k2"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("AuthenticateDevice(bad) = %v", err)
	}
	if id, err := r.ValidateToken(ctx, "tok"); err != nil || id != "alice" {
		t.Errorf("ValidateToken = %q, %v", id, err)
	}
	if _, err := r.ValidateToken(ctx, "other"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateToken(other) = %v", err)
	}
	if ok, err := r.CanView(ctx, "alice", "D1"); err != nil || !ok {
		t.Errorf("CanView(alice, D1) = %v, %v", ok, err)
	}
	if ok, _ := r.CanView(ctx, "alice", "D2"); ok {
		t.Error("CanView(alice, D2) = true")
	}
}

func TestRedisErrorsPropagate(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	r := &Redis{rdb: &fakeRedis{err: boom}, timeout: time.Second}
	ctx := context.Background()

	if _, err := r.Lookup(ctx, "D1"); !errors.Is(err, boom) {
		t.Errorf("Lookup = %v", err)
	}
	if _, err := r.ValidateToken(ctx, "t"); !errors.Is(err, boom) || errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateToken = %v", err)
	}
	if _, err := r.CanView(ctx, "a", "D1"); !errors.Is(err, boom) {
		t.Errorf("CanView = %v", err)
	}
}

package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeSetNX replays canned SET NX outcomes and records the keys asked
// for.
type fakeSetNX struct {
	created bool
	err     error
	keys    []string
	ttls    []time.Duration
}

func (f *fakeSetNX) SetNX(_ context.Context, key string, _ any, ttl time.Duration) *redis.BoolCmd {
	f.keys = append(f.keys, key)
	f.ttls = append(f.ttls, ttl)
	return redis.NewBoolResult(f.created, f.err)
}

func TestRedisSetCheckAndRecord(t *testing.T) {
	// SET NX created the key: first sighting, not a duplicate.
	fake := &fakeSetNX{created: true}
	s := &RedisSet{client: fake, prefix: "visitsync:idem:", ttl: time.Hour}

	seen, err := s.CheckAndRecord(context.Background(), "k1")
	if err != nil {
		t.Fatalf("check failed: %s", err)
	}
	if seen {
		t.Error("a created key must not read as seen")
	}
	if len(fake.keys) != 1 || fake.keys[0] != "visitsync:idem:k1" {
		t.Errorf("key not prefixed: %v", fake.keys)
	}
	if fake.ttls[0] != time.Hour {
		t.Errorf("ttl not forwarded: %v", fake.ttls[0])
	}

	// SET NX did not create: the key already existed.
	fake.created = false
	seen, err = s.CheckAndRecord(context.Background(), "k1")
	if err != nil {
		t.Fatalf("check failed: %s", err)
	}
	if !seen {
		t.Error("an existing key must read as seen")
	}
}

func TestRedisSetPropagatesErrors(t *testing.T) {
	wantErr := errors.New("connection refused")
	s := &RedisSet{client: &fakeSetNX{err: wantErr}, prefix: "p:", ttl: time.Minute}

	seen, err := s.CheckAndRecord(context.Background(), "k1")
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if seen {
		t.Error("errors must not report the key as seen")
	}
}

func TestNewRedisSetDefaultPrefix(t *testing.T) {
	s := NewRedisSet(nil, "", time.Minute)
	if s.prefix != "visitsync:idem:" {
		t.Errorf("unexpected default prefix %q", s.prefix)
	}
}

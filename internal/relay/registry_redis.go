package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	addressTTL    = 24 * time.Hour
	modeShared    = "shared"
	modeExclusive = "exclusive"
)

// Compile-time interface check.
var _ Registry = (*RedisRegistry)(nil)

// RedisRegistry keeps address claims in redis:
//
//	addr:<address>:mode     "shared" or "exclusive"
//	addr:<address>:members  set of relay peer ids
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRegistry wraps an existing client.
func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client, ttl: addressTTL}
}

func modeKey(address string) string    { return "addr:" + address + ":mode" }
func membersKey(address string) string { return "addr:" + address + ":members" }

func (r *RedisRegistry) Claim(ctx context.Context, address, owner string, shared bool) (bool, error) {
	mode := modeExclusive
	if shared {
		mode = modeShared
	}

	created, err := r.client.SetNX(ctx, modeKey(address), mode, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claiming address %q: %w", address, err)
	}
	if !created {
		if !shared {
			return false, nil
		}
		current, err := r.client.Get(ctx, modeKey(address)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, fmt.Errorf("reading address mode %q: %w", address, err)
		}
		if current != modeShared {
			return false, nil
		}
	}

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, membersKey(address), owner)
	pipe.Expire(ctx, membersKey(address), r.ttl)
	pipe.Expire(ctx, modeKey(address), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("adding member to %q: %w", address, err)
	}
	return true, nil
}

func (r *RedisRegistry) Release(ctx context.Context, address, owner string) error {
	if err := r.client.SRem(ctx, membersKey(address), owner).Err(); err != nil {
		return fmt.Errorf("removing member from %q: %w", address, err)
	}
	remaining, err := r.client.SCard(ctx, membersKey(address)).Result()
	if err != nil {
		return fmt.Errorf("counting members of %q: %w", address, err)
	}
	if remaining == 0 {
		if err := r.client.Del(ctx, modeKey(address), membersKey(address)).Err(); err != nil {
			return fmt.Errorf("deleting address %q: %w", address, err)
		}
	}
	return nil
}

func (r *RedisRegistry) Lookup(ctx context.Context, address string) (AddressRecord, bool, error) {
	mode, err := r.client.Get(ctx, modeKey(address)).Result()
	if errors.Is(err, redis.Nil) {
		return AddressRecord{}, false, nil
	}
	if err != nil {
		return AddressRecord{}, false, fmt.Errorf("reading address %q: %w", address, err)
	}

	members, err := r.client.SMembers(ctx, membersKey(address)).Result()
	if err != nil {
		return AddressRecord{}, false, fmt.Errorf("reading members of %q: %w", address, err)
	}
	slices.Sort(members)
	return AddressRecord{Shared: mode == modeShared, Members: members}, true, nil
}

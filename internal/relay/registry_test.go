package relay

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testRegistry(t *testing.T, r Registry) {
	ctx := context.Background()

	claim := func(address, owner string, shared, want bool) {
		t.Helper()
		got, err := r.Claim(ctx, address, owner, shared)
		if err != nil {
			t.Fatalf("Claim(%s, %s): %v", address, owner, err)
		}
		if got != want {
			t.Errorf("Claim(%s, %s, shared=%v) = %v, want %v", address, owner, shared, got, want)
		}
	}

	claim("room", "a", false, true)
	claim("room", "b", false, false)
	claim("room", "b", true, false)

	claim("conf", "a", true, true)
	claim("conf", "b", true, true)
	claim("conf", "c", false, false)

	record, found, err := r.Lookup(ctx, "conf")
	if err != nil || !found {
		t.Fatalf("Lookup(conf) = %v, %v", found, err)
	}
	if !record.Shared || len(record.Members) != 2 || record.Members[0] != "a" || record.Members[1] != "b" {
		t.Errorf("Lookup(conf) = %+v", record)
	}

	if err := r.Release(ctx, "room", "a"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, found, _ := r.Lookup(ctx, "room"); found {
		t.Error("room still present after last member left")
	}
	claim("room", "b", false, true)

	if err := r.Release(ctx, "conf", "a"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	record, found, _ = r.Lookup(ctx, "conf")
	if !found || len(record.Members) != 1 || record.Members[0] != "b" {
		t.Errorf("Lookup(conf) after release = %+v, %v", record, found)
	}

	if err := r.Release(ctx, "missing", "a"); err != nil {
		t.Errorf("Release of unknown address: %v", err)
	}
}

func TestMemoryRegistry(t *testing.T) {
	testRegistry(t, NewMemoryRegistry())
}

func TestRedisRegistry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	testRegistry(t, NewRedisRegistry(client))

	if ttl := mr.TTL(modeKey("conf")); ttl <= 0 {
		t.Errorf("mode key TTL = %v, want positive", ttl)
	}
}

func TestHubWithRedisRegistry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	registry := NewRedisRegistry(client)

	// Two hubs sharing one registry behave like two relay instances.
	first := NewHub(HubConfig{Registry: registry})
	second := NewHub(HubConfig{Registry: registry})

	a, aRec := joinPeer(first)
	b, bRec := joinPeer(second)
	listen(a, "room")
	listen(b, "room")

	if got := aRec.take(); len(got) != 1 || got[0].Kind.String() != "server-started" {
		t.Errorf("first hub got %v", got)
	}
	if got := bRec.take(); len(got) != 1 || got[0].Kind.String() != "server-start-failed" {
		t.Errorf("second hub got %v", got)
	}
}

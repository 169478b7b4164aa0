package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func redisOrSkip(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func exerciseStore(t *testing.T, s Store, ticketID string) {
	t.Helper()
	ctx := context.Background()

	if err := s.Join(ctx, ticketID, Member{ID: "u2", Name: "Tom", Role: "technician"}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := s.Join(ctx, ticketID, Member{ID: "u1", Name: "Ada", Role: "client"}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	// Joining twice keeps a single entry.
	if err := s.Join(ctx, ticketID, Member{ID: "u1", Name: "Ada", Role: "client"}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := s.Touch(ctx, ticketID, "u1"); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	members, err := s.Members(ctx, ticketID)
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 2 || members[0].ID != "u1" || members[1].ID != "u2" {
		t.Fatalf("unexpected members %+v", members)
	}
	if members[1].Role != "technician" || members[0].LastSeen == 0 {
		t.Errorf("member fields not stored: %+v", members)
	}

	if err := s.Leave(ctx, ticketID, "u2"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	members, _ = s.Members(ctx, ticketID)
	if len(members) != 1 || members[0].ID != "u1" {
		t.Errorf("expected only u1 after leave, got %+v", members)
	}
	_ = s.Leave(ctx, ticketID, "u1")
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(), "42")
}

func TestRedisStore(t *testing.T) {
	client := redisOrSkip(t)
	exerciseStore(t, NewRedisStoreWithClient(client, "relay-test", time.Minute), "test-"+uuid.NewString())
}

func TestRedisStore_ExpiredMembersPruned(t *testing.T) {
	client := redisOrSkip(t)
	s := NewRedisStoreWithClient(client, "relay-test", time.Minute)
	ctx := context.Background()
	ticketID := "test-" + uuid.NewString()

	if err := s.Join(ctx, ticketID, Member{ID: "u1"}); err != nil {
		t.Fatal(err)
	}
	// Simulate TTL expiry of the member key.
	client.Del(ctx, memberKey(ticketID, "u1"))

	members, err := s.Members(ctx, ticketID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 0 {
		t.Errorf("expected expired member to be dropped, got %+v", members)
	}
	if n := client.SCard(ctx, roomKey(ticketID)).Val(); n != 0 {
		t.Errorf("expected room index pruned, still has %d", n)
	}
}

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for presence members and sets.
	PresencePrefix = "presence:"

	// PresenceTTL is how long a member stays present without a refresh.
	PresenceTTL = 2 * time.Minute
)

// Member is one participant present in a ticket room.
type Member struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Role     string `json:"role,omitempty"`
	Server   string `json:"server,omitempty"` // relay instance holding the connection
	LastSeen int64  `json:"last_seen"`        // unix millis
}

// Store records room presence.
type Store interface {
	Join(ctx context.Context, ticketID string, m Member) error
	Touch(ctx context.Context, ticketID, userID string) error
	Leave(ctx context.Context, ticketID, userID string) error
	Members(ctx context.Context, ticketID string) ([]Member, error)
}

// RedisStore keeps one key per member with a TTL plus a set per room
// indexing them. Expired members are pruned from the set on read.
type RedisStore struct {
	client     *redis.Client
	serverName string
	ttl        time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisAddr, serverName string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewRedisStoreWithClient(client, serverName, PresenceTTL), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, serverName string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = PresenceTTL
	}
	return &RedisStore{client: client, serverName: serverName, ttl: ttl}
}

// Client exposes the Redis client so the relay can share it with the
// throttle.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func roomKey(ticketID string) string {
	return PresencePrefix + ticketID
}

func memberKey(ticketID, userID string) string {
	return PresencePrefix + ticketID + ":" + userID
}

// Join stores m as present and refreshes its TTL.
func (s *RedisStore) Join(ctx context.Context, ticketID string, m Member) error {
	m.Server = s.serverName
	m.LastSeen = time.Now().UnixMilli()
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, memberKey(ticketID, m.ID), data, s.ttl)
	pipe.SAdd(ctx, roomKey(ticketID), m.ID)
	pipe.Expire(ctx, roomKey(ticketID), s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Touch extends a member's TTL. Unknown members are ignored.
func (s *RedisStore) Touch(ctx context.Context, ticketID, userID string) error {
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, memberKey(ticketID, userID), s.ttl)
	pipe.Expire(ctx, roomKey(ticketID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Leave removes a member.
func (s *RedisStore) Leave(ctx context.Context, ticketID, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, memberKey(ticketID, userID))
	pipe.SRem(ctx, roomKey(ticketID), userID)
	_, err := pipe.Exec(ctx)
	return err
}

// Members returns the present members sorted by id.
func (s *RedisStore) Members(ctx context.Context, ticketID string) ([]Member, error) {
	ids, err := s.client.SMembers(ctx, roomKey(ticketID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = memberKey(ticketID, id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var (
		out     []Member
		expired []interface{}
	)
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var m Member
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			expired = append(expired, ids[i])
			continue
		}
		out = append(out, m)
	}
	if len(expired) > 0 {
		s.client.SRem(ctx, roomKey(ticketID), expired...)
	}
	return out, nil
}

// MemoryStore is a Store for a single relay process. Members never expire;
// connections leave explicitly.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]map[string]Member
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]map[string]Member)}
}

func (s *MemoryStore) Join(_ context.Context, ticketID string, m Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[ticketID]
	if !ok {
		room = make(map[string]Member)
		s.rooms[ticketID] = room
	}
	m.LastSeen = time.Now().UnixMilli()
	room[m.ID] = m
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, ticketID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.rooms[ticketID][userID]; ok {
		m.LastSeen = time.Now().UnixMilli()
		s.rooms[ticketID][userID] = m
	}
	return nil
}

func (s *MemoryStore) Leave(_ context.Context, ticketID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms[ticketID], userID)
	if len(s.rooms[ticketID]) == 0 {
		delete(s.rooms, ticketID)
	}
	return nil
}

func (s *MemoryStore) Members(_ context.Context, ticketID string) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Member, 0, len(s.rooms[ticketID]))
	for _, m := range s.rooms[ticketID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func testPresence(t *testing.T) (*RedisPresence, string) {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	token := fmt.Sprintf("test-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		rdb.Del(context.Background(),
			presenceKey(token), presenceNamesKey(token), typingKey(token))
		rdb.Close()
	})
	return NewRedisPresence(rdb), token
}

func TestPresence_HeartbeatAndAlive(t *testing.T) {
	c, token := testPresence(t)
	ctx := context.Background()

	if err := c.Heartbeat(ctx, token, 1, "alice", 30*time.Second); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if err := c.Heartbeat(ctx, token, 2, "bob", 30*time.Second); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	members, err := c.AliveMembers(ctx, token)
	if err != nil {
		t.Fatalf("AliveMembers() error = %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("AliveMembers() = %d members, want 2", len(members))
	}
	byID := map[uint64]string{}
	for _, m := range members {
		byID[m.UserID] = m.Username
	}
	if byID[1] != "alice" || byID[2] != "bob" {
		t.Fatalf("AliveMembers() names = %v, want alice/bob", byID)
	}
}

func TestPresence_SweepExpired(t *testing.T) {
	c, token := testPresence(t)
	ctx := context.Background()

	// 负 TTL 立刻过期
	if err := c.Heartbeat(ctx, token, 7, "ghost", -time.Second); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	members, err := c.AliveMembers(ctx, token)
	if err != nil {
		t.Fatalf("AliveMembers() error = %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("AliveMembers() = %d members, want 0 after expiry", len(members))
	}
}

func TestPresence_RemoveMember(t *testing.T) {
	c, token := testPresence(t)
	ctx := context.Background()

	_ = c.Heartbeat(ctx, token, 3, "carol", 30*time.Second)
	if err := c.RemoveMember(ctx, token, 3); err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}
	members, _ := c.AliveMembers(ctx, token)
	if len(members) != 0 {
		t.Fatalf("AliveMembers() = %d members after remove, want 0", len(members))
	}
}

func TestPresence_CursorRoundTrip(t *testing.T) {
	c, token := testPresence(t)
	ctx := context.Background()

	_ = c.Heartbeat(ctx, token, 5, "dave", 30*time.Second)
	want := []byte(`{"line":3,"column":14,"offset":120}`)
	if err := c.SetCursor(ctx, token, 5, want, 30*time.Second); err != nil {
		t.Fatalf("SetCursor() error = %v", err)
	}

	got, err := c.GetCursor(ctx, token, 5)
	if err != nil {
		t.Fatalf("GetCursor() error = %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("GetCursor() = %s, want %s", got, want)
	}

	all, err := c.AllCursors(ctx, token)
	if err != nil {
		t.Fatalf("AllCursors() error = %v", err)
	}
	if string(all[5]) != string(want) {
		t.Fatalf("AllCursors()[5] = %s, want %s", all[5], want)
	}
}

func TestPresence_Typing(t *testing.T) {
	c, token := testPresence(t)
	ctx := context.Background()

	if err := c.SetTyping(ctx, token, 9, true, 10*time.Second); err != nil {
		t.Fatalf("SetTyping() error = %v", err)
	}
	ids, err := c.TypingUsers(ctx, token)
	if err != nil {
		t.Fatalf("TypingUsers() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != 9 {
		t.Fatalf("TypingUsers() = %v, want [9]", ids)
	}

	if err := c.SetTyping(ctx, token, 9, false, 10*time.Second); err != nil {
		t.Fatalf("SetTyping(false) error = %v", err)
	}
	ids, _ = c.TypingUsers(ctx, token)
	if len(ids) != 0 {
		t.Fatalf("TypingUsers() = %v after stop, want empty", ids)
	}
}

package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceMember 是在场集合里的一个成员（逻辑过期时间由心跳续约）
type PresenceMember struct {
	UserID    uint64 `json:"userId"`
	Username  string `json:"username"`
	ExpiresAt int64  `json:"expiresAt"` // unix 毫秒
}

// PresenceCache 管理会话的在场/游标/输入状态。
// 全部是短时效数据：丢了最多闪一下头像，不需要持久化。
type PresenceCache interface {
	Heartbeat(ctx context.Context, token string, userID uint64, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, token string, userID uint64) error
	AliveMembers(ctx context.Context, token string) ([]PresenceMember, error)

	SetCursor(ctx context.Context, token string, userID uint64, data []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, token string, userID uint64) ([]byte, error)
	AllCursors(ctx context.Context, token string) (map[uint64][]byte, error)

	SetTyping(ctx context.Context, token string, userID uint64, typing bool, ttl time.Duration) error
	TypingUsers(ctx context.Context, token string) ([]uint64, error)

	// 有在场数据的会话 token 列表（运维/巡检用）
	Sessions(ctx context.Context) ([]string, error)
}

type RedisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(rdb *redis.Client) *RedisPresence {
	return &RedisPresence{rdb: rdb}
}

var _ PresenceCache = (*RedisPresence)(nil)

// 清理过期成员：先把过期的 userId 从 names hash 里删掉，再清 ZSET。
// 放在 Lua 里做是为了两个键的清理原子化（hash tag 保证同槽）。
var sweepScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, id in ipairs(expired) do
  redis.call('HDEL', KEYS[2], id)
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
return #expired
`)

// Heartbeat 写入/续约成员的逻辑过期时间。
// score 存过期时刻而不是打 key 级 TTL：同一个 ZSET 里每个成员各有各的租约。
func (c *RedisPresence) Heartbeat(ctx context.Context, token string, userID uint64, username string, ttl time.Duration) error {
	expireAt := time.Now().Add(ttl).UnixMilli()
	member := strconv.FormatUint(userID, 10)

	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, presenceKey(token), redis.Z{Score: float64(expireAt), Member: member})
	pipe.HSet(ctx, presenceNamesKey(token), member, username)
	// 整个键也给个兜底 TTL，会话废弃后最终会自清
	pipe.Expire(ctx, presenceKey(token), ttl*10)
	pipe.Expire(ctx, presenceNamesKey(token), ttl*10)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisPresence) RemoveMember(ctx context.Context, token string, userID uint64) error {
	member := strconv.FormatUint(userID, 10)
	pipe := c.rdb.TxPipeline()
	pipe.ZRem(ctx, presenceKey(token), member)
	pipe.HDel(ctx, presenceNamesKey(token), member)
	pipe.Del(ctx, cursorKey(token, userID))
	pipe.ZRem(ctx, typingKey(token), member)
	_, err := pipe.Exec(ctx)
	return err
}

// AliveMembers 先清一遍过期成员，再取还活着的
func (c *RedisPresence) AliveMembers(ctx context.Context, token string) ([]PresenceMember, error) {
	now := time.Now().UnixMilli()
	nowArg := strconv.FormatInt(now, 10)
	if err := sweepScript.Run(ctx, c.rdb,
		[]string{presenceKey(token), presenceNamesKey(token)}, nowArg).Err(); err != nil && err != redis.Nil {
		return nil, err
	}

	zs, err := c.rdb.ZRangeByScoreWithScores(ctx, presenceKey(token), &redis.ZRangeBy{
		Min: "(" + nowArg,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(zs) == 0 {
		return nil, nil
	}

	names, err := c.rdb.HGetAll(ctx, presenceNamesKey(token)).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	out := make([]PresenceMember, 0, len(zs))
	for _, z := range zs {
		idStr, _ := z.Member.(string)
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, PresenceMember{
			UserID:    id,
			Username:  names[idStr],
			ExpiresAt: int64(z.Score),
		})
	}
	return out, nil
}

func (c *RedisPresence) SetCursor(ctx context.Context, token string, userID uint64, data []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, cursorKey(token, userID), data, ttl).Err()
}

func (c *RedisPresence) GetCursor(ctx context.Context, token string, userID uint64) ([]byte, error) {
	b, err := c.rdb.Get(ctx, cursorKey(token, userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

// AllCursors 按在场成员批量取游标（同槽键，一次 MGET）
func (c *RedisPresence) AllCursors(ctx context.Context, token string) (map[uint64][]byte, error) {
	members, err := c.AliveMembers(ctx, token)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = cursorKey(token, m.UserID)
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[uint64][]byte, len(members))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		out[members[i].UserID] = []byte(s)
	}
	return out, nil
}

// SetTyping 维护“正在输入”集合，score 是短过期时间；
// typing=false 直接移除，不等过期。
func (c *RedisPresence) SetTyping(ctx context.Context, token string, userID uint64, typing bool, ttl time.Duration) error {
	member := strconv.FormatUint(userID, 10)
	if !typing {
		return c.rdb.ZRem(ctx, typingKey(token), member).Err()
	}
	expireAt := time.Now().Add(ttl).UnixMilli()
	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, typingKey(token), redis.Z{Score: float64(expireAt), Member: member})
	pipe.Expire(ctx, typingKey(token), ttl*10)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisPresence) TypingUsers(ctx context.Context, token string) ([]uint64, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	key := typingKey(token)
	if err := c.rdb.ZRemRangeByScore(ctx, key, "-inf", "("+now).Err(); err != nil && err != redis.Nil {
		return nil, err
	}
	ids, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "(" + now, Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(ids))
	for _, s := range ids {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// Sessions 扫出所有有在场数据的会话 token
func (c *RedisPresence) Sessions(ctx context.Context) ([]string, error) {
	var out []string
	iter := c.rdb.Scan(ctx, 0, "presence:session:*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		// 跳过 names hash
		if len(key) > len("presence:session:names:") && key[:len("presence:session:names:")] == "presence:session:names:" {
			continue
		}
		// presence:session:{token:XXX}
		const prefix = "presence:session:{token:"
		if len(key) > len(prefix)+1 && key[:len(prefix)] == prefix {
			out = append(out, key[len(prefix):len(key)-1])
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

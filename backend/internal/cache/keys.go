package cache

import "fmt"

// Redis key 约定。
// 同一会话的所有键用 {token:...} hash tag 圈进同一个 cluster slot，
// pipeline/Lua 里混用这些键才不会跨槽报错。
const (
	// ZSET: member=userId, score=逻辑过期时间(unix毫秒)
	keyPresence = "presence:session:{token:%s}"
	// HASH: userId -> username（展示用，跟随 ZSET 同步维护）
	keyPresenceNames = "presence:session:names:{token:%s}"
	// STRING: 单用户游标 JSON，带 TTL
	keyCursor = "presence:cursor:{token:%s}:%d"
	// ZSET: member=userId, score=输入状态过期时间(unix毫秒)
	keyTyping = "presence:typing:{token:%s}"
)

func presenceKey(token string) string      { return fmt.Sprintf(keyPresence, token) }
func presenceNamesKey(token string) string { return fmt.Sprintf(keyPresenceNames, token) }
func cursorKey(token string, userID uint64) string {
	return fmt.Sprintf(keyCursor, token, userID)
}
func typingKey(token string) string { return fmt.Sprintf(keyTyping, token) }

package collab

import "time"

type ParticipantStatus string

const (
	PartJoined ParticipantStatus = "joined"
	PartLeft   ParticipantStatus = "left"
	PartKicked ParticipantStatus = "kicked"
)

// Participant 是 (会话, 用户) 的连接记录。
// 离开/被踢只改状态不删行，审计历史要留着。
type Participant struct {
	SessionToken string            `json:"sessionToken"`
	UserID       uint64            `json:"userId"`
	Username     string            `json:"username"`
	Permission   Permission        `json:"permission"`
	Status       ParticipantStatus `json:"status"`

	JoinedAt   time.Time `json:"joinedAt"`
	LeftAt     time.Time `json:"leftAt,omitempty"`
	LastSeenAt time.Time `json:"lastSeenAt"`

	// 邀请元数据：0 表示自行加入
	InvitedBy uint64 `json:"invitedBy,omitempty"`

	// 按成员聚合的计数
	EditCount   uint64 `json:"editCount"`
	CursorMoves uint64 `json:"cursorMoves"`

	// 游标展示颜色，入会时从调色板轮转分配，重连保持不变
	Color string `json:"color"`
}

// CursorPosition 是 (会话, 用户) 的单行在场数据，每次移动原地覆盖。
// 只保留“最新值”，没有历史留存要求。
type CursorPosition struct {
	Path      string `json:"path,omitempty"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	Offset    int    `json:"offset"`
	SelStart  int    `json:"selStart,omitempty"`
	SelEnd    int    `json:"selEnd,omitempty"`
	Typing    bool   `json:"typing"`
	TypingAt  int64  `json:"typingAt,omitempty"` // unix 毫秒
	MovedAt   int64  `json:"movedAt"`
	MoveCount uint64 `json:"moveCount"`
	Color     string `json:"color,omitempty"`
}

// 游标调色板，入会顺序轮转
var cursorPalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
	"#f58231", "#911eb4", "#46f0f0", "#f032e6",
}

func pickColor(n int) string {
	return cursorPalette[n%len(cursorPalette)]
}

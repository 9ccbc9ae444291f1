package delta

type Kind string

const (
	KindInsert  Kind = "insert"
	KindDelete  Kind = "delete"
	KindReplace Kind = "replace"
	KindFormat  Kind = "format"
)

// Op 是一次“定位编辑”：在 Path 指向的内容块里，从 Pos（按 rune 计）开始操作。
// - insert:  在 Pos 处插入 Text
// - delete:  删除 [Pos, Pos+Len)
// - replace: 把 [Pos, Pos+Len) 整体替换为 Text
// - format:  给 [Pos, Pos+Len) 打样式（Attrs），不改动内容本身
type Op struct {
	Kind  Kind           `json:"kind"`
	Path  string         `json:"path,omitempty"` // 目标内容路径（如 "body"、"cells/3"）
	Pos   int            `json:"pos"`
	Len   int            `json:"len,omitempty"`
	Text  string         `json:"text,omitempty"`
	Attrs map[string]any `json:"attrs,omitempty"` // 样式属性（粗体/颜色等）
}

type Delta []Op

// "ops":[{"kind":"insert","pos":0,"text":"Hello"},{"kind":"delete","pos":5,"len":3}]

// End 返回操作影响范围的右边界（insert 不占范围，右边界即 Pos）
func (o Op) End() int {
	if o.Kind == KindInsert {
		return o.Pos
	}
	return o.Pos + o.Len
}

// TextLen 返回插入文本的 rune 长度
func (o Op) TextLen() int {
	return len([]rune(o.Text))
}

func (o Op) Valid() bool {
	if o.Pos < 0 {
		return false
	}
	switch o.Kind {
	case KindInsert:
		return o.Text != ""
	case KindDelete, KindReplace:
		return o.Len > 0
	case KindFormat:
		return o.Len > 0 && len(o.Attrs) > 0
	default:
		return false
	}
}

func (d Delta) Valid() bool {
	if len(d) == 0 {
		return false
	}
	for _, o := range d {
		if !o.Valid() {
			return false
		}
	}
	return true
}

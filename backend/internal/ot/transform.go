package ot

import (
	"fmt"
	"time"

	"eduCollab/backend/internal/ot/delta"
)

// AppliedView 是 rebase 时看到的“已落盘操作”的最小视图。
// SubmittedAt/AuthorID 用于同位置插入的决胜规则。
type AppliedView struct {
	OperationID string
	AuthorID    uint64
	SubmittedAt time.Time
	Ops         delta.Delta
}

type ConflictDetail struct {
	CollidingOps []string `json:"collidingOps"`
	Reason       string   `json:"reason"`
}

type Result struct {
	// rebase 后可安全应用的操作序列（可能比原始多：删除范围被并发插入切开时会拆成两段）
	Ops delta.Delta
	// rebase 是否改写了原始载荷
	Transformed bool
	Conflicted  bool
	// 依次 rebase 过的操作ID（transform 谱系）
	Lineage []string
	Detail  *ConflictDetail
}

// Rebase 把基于旧版本提交的 ops，沿 gap（按 seq 从旧到新）逐个改写，
// 得到能应用在当前状态（长度 docLen）上的操作序列。
//
// 决胜规则（必须在所有副本上完全一致，否则无法收敛）：
// 同位置 insert vs insert，按 (提交时间升序, 作者ID升序) 排序，先者在前。
func Rebase(ops delta.Delta, submittedAt time.Time, authorID uint64, gap []AppliedView, docLen int) Result {
	res := Result{Ops: append(delta.Delta(nil), ops...)}

	for _, g := range gap {
		res.Lineage = append(res.Lineage, g.OperationID)
		for _, ag := range expand(g.Ops) {
			next := make(delta.Delta, 0, len(res.Ops))
			for _, op := range res.Ops {
				out, reason := transformOne(op, submittedAt, authorID, ag, g.SubmittedAt, g.AuthorID)
				if reason != "" {
					res.Conflicted = true
					res.Detail = &ConflictDetail{
						CollidingOps: []string{g.OperationID},
						Reason:       reason,
					}
					return res
				}
				next = append(next, out...)
			}
			if !sameOps(res.Ops, next) {
				res.Transformed = true
			}
			res.Ops = next
		}
	}

	// 全部 rebase 完成后，校验位置还能映射到当前内容上
	if reason := validate(res.Ops, docLen); reason != "" {
		res.Conflicted = true
		res.Detail = &ConflictDetail{CollidingOps: lineageTail(res.Lineage), Reason: reason}
	}
	return res
}

// expand 把对侧的 replace 拆成 delete+insert 两步参与 transform；
// format 不改变长度，对其他操作没有位置影响，直接略过。
func expand(ops delta.Delta) delta.Delta {
	out := make(delta.Delta, 0, len(ops))
	for _, o := range ops {
		switch o.Kind {
		case delta.KindReplace:
			out = append(out,
				delta.Op{Kind: delta.KindDelete, Path: o.Path, Pos: o.Pos, Len: o.Len},
				delta.Op{Kind: delta.KindInsert, Path: o.Path, Pos: o.Pos, Text: o.Text},
			)
		case delta.KindFormat:
			// 可交换，无需参与
		default:
			out = append(out, o)
		}
	}
	return out
}

// transformOne 把单个操作 op 沿已应用操作 ag 改写一步。
// 返回改写结果（0 个 = 退化为 no-op；2 个 = 删除范围被切开）和冲突原因。
func transformOne(op delta.Op, opAt time.Time, opAuthor uint64, ag delta.Op, agAt time.Time, agAuthor uint64) ([]delta.Op, string) {
	// 不同内容块互不影响
	if op.Path != ag.Path {
		return []delta.Op{op}, ""
	}

	switch op.Kind {
	case delta.KindInsert:
		switch ag.Kind {
		case delta.KindInsert:
			// 同位置：按 (时间, 作者ID) 决胜，保证所有副本得到同一顺序
			agWins := agAt.Before(opAt) || (agAt.Equal(opAt) && agAuthor < opAuthor)
			if ag.Pos < op.Pos || (ag.Pos == op.Pos && agWins) {
				op.Pos += ag.TextLen()
			}
		case delta.KindDelete:
			if ag.End() <= op.Pos {
				op.Pos -= ag.Len
			} else if ag.Pos < op.Pos {
				// 插入点落在被删范围内：靠到删除边界，而不是悄悄丢掉
				op.Pos = ag.Pos
			}
		}
		return []delta.Op{op}, ""

	case delta.KindDelete, delta.KindReplace, delta.KindFormat:
		switch ag.Kind {
		case delta.KindInsert:
			l := ag.TextLen()
			switch {
			case ag.Pos <= op.Pos:
				op.Pos += l
				return []delta.Op{op}, ""
			case ag.Pos >= op.End():
				return []delta.Op{op}, ""
			default:
				// 插入点在范围内部
				switch op.Kind {
				case delta.KindDelete:
					// 拆成两段，让并发插入的内容活下来：
					// 先删插入点之前的一段，插入文本随之左移到 op.Pos，
					// 第二段从插入文本之后接着删
					a := ag.Pos - op.Pos
					b := op.Len - a
					return []delta.Op{
						{Kind: delta.KindDelete, Path: op.Path, Pos: op.Pos, Len: a},
						{Kind: delta.KindDelete, Path: op.Path, Pos: op.Pos + l, Len: b},
					}, ""
				case delta.KindFormat:
					// 样式顺带覆盖插入的文本，可交换
					op.Len += l
					return []delta.Op{op}, ""
				default: // replace
					return nil, fmt.Sprintf("concurrent insert inside replace range [%d,%d)", op.Pos, op.End())
				}
			}
		case delta.KindDelete:
			overlap := min(op.End(), ag.End()) - max(op.Pos, ag.Pos)
			if overlap < 0 {
				overlap = 0
			}
			shift := 0
			if ag.Pos < op.Pos {
				shift = min(op.Pos, ag.End()) - ag.Pos
			}
			op.Pos -= shift
			op.Len -= overlap
			if op.Len <= 0 {
				if op.Kind == delta.KindReplace {
					// 要替换的目标已被并发删除，无法前向映射，不要瞎猜
					return nil, "replace target deleted concurrently"
				}
				// 完全重叠的删除退化为 no-op（重放幂等）
				return nil, ""
			}
			return []delta.Op{op}, ""
		}
		return []delta.Op{op}, ""
	}
	return []delta.Op{op}, ""
}

// validate 模拟应用过程，检查每个操作的位置是否仍落在内容之内
func validate(ops delta.Delta, docLen int) string {
	n := docLen
	for _, o := range ops {
		if o.Pos < 0 || o.Pos > n {
			return fmt.Sprintf("position %d unmappable (content length %d)", o.Pos, n)
		}
		switch o.Kind {
		case delta.KindInsert:
			n += o.TextLen()
		case delta.KindDelete:
			if o.End() > n {
				return fmt.Sprintf("delete range [%d,%d) exceeds content length %d", o.Pos, o.End(), n)
			}
			n -= o.Len
		case delta.KindReplace:
			if o.End() > n {
				return fmt.Sprintf("replace range [%d,%d) exceeds content length %d", o.Pos, o.End(), n)
			}
			n += o.TextLen() - o.Len
		case delta.KindFormat:
			if o.End() > n {
				return fmt.Sprintf("format range [%d,%d) exceeds content length %d", o.Pos, o.End(), n)
			}
		}
	}
	return ""
}

func sameOps(a, b delta.Delta) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Kind != b[i].Kind || a[i].Pos != b[i].Pos ||
			a[i].Len != b[i].Len || a[i].Text != b[i].Text {
			return false
		}
	}
	return true
}

func lineageTail(lineage []string) []string {
	if len(lineage) == 0 {
		return nil
	}
	return lineage[len(lineage)-1:]
}

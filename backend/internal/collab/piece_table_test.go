package collab

import (
	"testing"

	"eduCollab/backend/internal/ot/delta"
)

func TestPieceTable_BasicString(t *testing.T) {
	pt := NewPieceTable("Hello world")
	if got := pt.String(); got != "Hello world" {
		t.Fatalf("String() = %q, want %q", got, "Hello world")
	}
	if gotLen := pt.Len(); gotLen != len([]rune("Hello world")) {
		t.Fatalf("Len() = %d, want %d", gotLen, len([]rune("Hello world")))
	}
}

func TestPieceTable_InsertMiddle(t *testing.T) {
	pt := NewPieceTable("Hello world")

	d := delta.Delta{
		{Kind: delta.KindInsert, Pos: 5, Text: " collaborative"}, // 在 pos=5 插入
	}

	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := "Hello collaborative world"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_DeleteMiddle(t *testing.T) {
	pt := NewPieceTable("Hello collaborative world")

	// "Hello collaborative world"
	//  01234 5            18 ...
	//  删除 " collaborative"
	d := delta.Delta{
		{Kind: delta.KindDelete, Pos: 5, Len: 14},
	}

	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := "Hello world"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_Replace(t *testing.T) {
	pt := NewPieceTable("Hello world")

	d := delta.Delta{
		{Kind: delta.KindReplace, Pos: 6, Len: 5, Text: "campus"},
	}

	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := "Hello campus"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_DeleteBeyondEnd(t *testing.T) {
	pt := NewPieceTable("Hello")

	// 超出末尾的删除被截断，不报错（重放安全）
	d := delta.Delta{
		{Kind: delta.KindDelete, Pos: 3, Len: 100},
	}
	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := pt.String(); got != "Hel" {
		t.Fatalf("String() = %q, want %q", got, "Hel")
	}
}

func TestPieceTable_FormatKeepsContent(t *testing.T) {
	pt := NewPieceTable("Hello world")

	d := delta.Delta{
		{Kind: delta.KindFormat, Pos: 0, Len: 5, Attrs: map[string]any{"bold": true}},
	}
	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := pt.String(); got != "Hello world" {
		t.Fatalf("String() = %q, want %q", got, "Hello world")
	}
}

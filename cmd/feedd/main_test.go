package main

import (
	"os"
	"path/filepath"
	"testing"

	"orderfeed/internal/changelog"
	"orderfeed/internal/model"
)

func TestChangelogLineCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orders.jsonl")

	if got := changelogLineCount(path); got != 0 {
		t.Fatalf("missing file count = %d, want 0", got)
	}

	lines := []byte(`{"op":"put","userId":"u1","recordId":"a","seq":1}` + "\n" +
		`{"op":"confirm","userId":"u1","recordId":"a","seq":2}` + "\n" +
		`{"op":"delete","userId":"u1","recordId":"a","seq":3}` + "\n")
	if err := os.WriteFile(path, lines, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := changelogLineCount(path); got != 3 {
		t.Fatalf("count = %d, want 3", got)
	}
}

func TestCountingWriter_ContinuesFromSeededOffset(t *testing.T) {
	dir := t.TempDir()
	fw, err := changelog.NewFileWriter(dir, "orders.jsonl")
	if err != nil {
		t.Fatal(err)
	}

	// A prior run left 3 records behind; new appends keep counting from there.
	offset := int64(3)
	var w changelog.Writer = &countingWriter{w: fw, next: &offset}
	for seq := int64(1); seq <= 2; seq++ {
		ev := model.ChangeEvent{
			Op: model.OpPut, UserID: "u1", RecordID: "a", Seq: seq,
			Order: &model.Order{ID: "a", UserID: "u1", TotalCents: 100},
		}
		if err := w.Append(ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if offset != 5 {
		t.Fatalf("offset = %d, want 5", offset)
	}
	if got := changelogLineCount(filepath.Join(dir, "orders.jsonl")); got != 2 {
		t.Fatalf("file lines = %d, want 2", got)
	}
}

package keywords

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeList(t *testing.T, path string, list List) {
	t.Helper()
	data, err := json.Marshal(list)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestCheckPrecedenceAllowOverBlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keywords.json")
	writeList(t, path, List{
		Block:     []string{"发票"},
		Sensitive: []string{"退款"},
		Allow:     []string{"电子发票"},
	})

	f := NewFilter(path, NewCache())

	// Allow term contains the block term; allow must win.
	safe, category, term := f.Check("请问可以开电子发票吗")
	if !safe || category != CategoryAllow || term != "电子发票" {
		t.Errorf("Expected allow to win, got safe=%v category=%s term=%s", safe, category, term)
	}

	// Bare block term still blocks.
	safe, category, _ = f.Check("我要发票")
	if safe || category != CategoryBlock {
		t.Errorf("Expected block, got safe=%v category=%s", safe, category)
	}

	// Sensitive only fires when nothing else matched.
	safe, category, _ = f.Check("我想申请退款")
	if safe || category != CategorySensitive {
		t.Errorf("Expected sensitive, got safe=%v category=%s", safe, category)
	}

	// Clean text passes.
	safe, category, _ = f.Check("你们几点营业")
	if !safe || category != CategoryClean {
		t.Errorf("Expected clean pass, got safe=%v category=%s", safe, category)
	}
}

func TestCheckCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keywords.json")
	writeList(t, path, List{Block: []string{"Casino"}})

	f := NewFilter(path, NewCache())
	safe, category, _ := f.Check("best CASINO bonus")
	if safe || category != CategoryBlock {
		t.Errorf("Expected case-insensitive block, got safe=%v category=%s", safe, category)
	}
}

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	f := NewFilter(filepath.Join(t.TempDir(), "nope.json"), NewCache())

	// Default list blocks its built-in terms and passes ordinary text.
	safe, category, _ := f.Check("帮我办证")
	if safe || category != CategoryBlock {
		t.Errorf("Expected default block list to apply, got safe=%v category=%s", safe, category)
	}
	safe, _, _ = f.Check("hello there")
	if !safe {
		t.Error("Plain text should pass with default list")
	}
}

func TestCorruptFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keywords.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := NewFilter(path, NewCache())
	safe, _, _ := f.Check("hello")
	if !safe {
		t.Error("Corrupt file must not block ordinary text")
	}
}

func TestCacheInvalidationOnMtimeChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keywords.json")
	writeList(t, path, List{Block: []string{"aaa"}})

	cache := NewCache()
	f := NewFilter(path, cache)

	if safe, _, _ := f.Check("contains aaa here"); safe {
		t.Fatal("Expected block before rewrite")
	}

	// Rewrite with a different list; force a visible mtime change since
	// coarse filesystem timestamps can hide back-to-back writes.
	writeList(t, path, List{Block: []string{"bbb"}})
	info, _ := os.Stat(path)
	bumped := info.ModTime().Add(2 * time.Second)
	if err := os.Chtimes(path, bumped, bumped); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if safe, _, _ := f.Check("contains aaa here"); !safe {
		t.Error("Stale cache: old term still blocking after file change")
	}
	if safe, _, _ := f.Check("contains bbb here"); safe {
		t.Error("New term not picked up after file change")
	}
}

func TestAddRemoveRenamePersistAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keywords.json")
	writeList(t, path, List{Block: []string{"old"}})

	f := NewFilter(path, NewCache())

	if err := f.Add(CategorySensitive, "退款"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := f.Rename(CategoryBlock, "old", "new"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if err := f.Remove(CategorySensitive, "退款"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	// Duplicate add is rejected
	if err := f.Add(CategoryBlock, "new"); err == nil {
		t.Error("Expected duplicate add to fail")
	}
	// Removing a missing term is rejected
	if err := f.Remove(CategoryBlock, "ghost"); err == nil {
		t.Error("Expected remove of missing term to fail")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var list List
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("parse back: %v", err)
	}
	if len(list.Block) != 1 || list.Block[0] != "new" {
		t.Errorf("Unexpected block list: %v", list.Block)
	}
	if len(list.Sensitive) != 0 {
		t.Errorf("Unexpected sensitive list: %v", list.Sensitive)
	}
}

func TestAddCreatesFileFromDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "keywords.json")

	f := NewFilter(path, NewCache())
	if err := f.Add(CategoryAllow, "正品保障"); err != nil {
		t.Fatalf("Add on missing file failed: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Expected file to be created: %v", err)
	}
	safe, category, _ := f.Check("正品保障承诺")
	if !safe || category != CategoryAllow {
		t.Errorf("Expected allow after add, got safe=%v category=%s", safe, category)
	}
}

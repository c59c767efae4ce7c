// Package keywords provides deterministic keyword screening for inbound and
// outbound text. Term lists live in per-tenant JSON files and are cached by
// modification time through an explicit, injected Cache instance.
package keywords

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"convoguard/internal/logging"
)

// Screening categories.
const (
	CategoryAllow     = "allow"
	CategoryBlock     = "block"
	CategorySensitive = "sensitive"
	CategoryClean     = ""
)

// List is the on-disk term list format.
type List struct {
	Block     []string `json:"block"`
	Sensitive []string `json:"sensitive"`
	Allow     []string `json:"allow"`
}

// defaultList is the built-in fallback when a tenant file is missing or
// corrupt. Screening must keep working even without operator data.
func defaultList() *List {
	return &List{
		Block:     []string{"办证", "代开发票", "赌博网站"},
		Sensitive: []string{"退款", "投诉", "维权"},
		Allow:     []string{},
	}
}

// =============================================================================
// CACHE
// =============================================================================

type cacheEntry struct {
	list    *List
	modTime time.Time
	loaded  time.Time
}

// Cache caches parsed term lists keyed by source path. Entries are
// invalidated when the file's mtime changes. Construct one per process and
// share it between filters; there is no package-level instance.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*cacheEntry)}
}

// Load returns the term list for path, reading from disk when the cache is
// cold or stale. A missing or corrupt file yields the built-in default list
// and a non-nil error describing the degradation.
func (c *Cache) Load(path string) (*List, error) {
	if path == "" {
		return defaultList(), fmt.Errorf("keyword source not configured")
	}

	info, statErr := os.Stat(path)

	c.mu.RLock()
	entry, ok := c.entries[path]
	c.mu.RUnlock()
	if ok && statErr == nil && entry.modTime.Equal(info.ModTime()) {
		return entry.list, nil
	}

	if statErr != nil {
		return defaultList(), fmt.Errorf("keyword source unavailable: %w", statErr)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return defaultList(), fmt.Errorf("keyword source unreadable: %w", err)
	}

	var list List
	if err := json.Unmarshal(data, &list); err != nil {
		logging.KeywordsWarn("Corrupt keyword file %s: %v", path, err)
		return defaultList(), fmt.Errorf("keyword source corrupt: %w", err)
	}

	c.mu.Lock()
	c.entries[path] = &cacheEntry{list: &list, modTime: info.ModTime(), loaded: time.Now()}
	c.mu.Unlock()

	logging.Keywords("Loaded keyword list %s: %d block, %d sensitive, %d allow",
		path, len(list.Block), len(list.Sensitive), len(list.Allow))
	return &list, nil
}

// Invalidate drops the cached entry for path, forcing a reload on next use.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}

// =============================================================================
// FILTER
// =============================================================================

// Filter screens text against a tenant's term list.
type Filter struct {
	path  string
	cache *Cache
}

// NewFilter creates a filter reading terms from path through cache.
func NewFilter(path string, cache *Cache) *Filter {
	if cache == nil {
		cache = NewCache()
	}
	return &Filter{path: path, cache: cache}
}

// Check screens text. Returns safe=true with an empty category when no term
// matches or an allow term overrides. Precedence: allow > block > sensitive.
// Source errors degrade to the default list; screening never fails open.
func (f *Filter) Check(text string) (safe bool, category, term string) {
	list, err := f.cache.Load(f.path)
	if err != nil {
		logging.KeywordsWarn("Using default keyword list: %v", err)
	}

	lower := strings.ToLower(text)

	for _, t := range list.Allow {
		if t != "" && strings.Contains(lower, strings.ToLower(t)) {
			return true, CategoryAllow, t
		}
	}
	for _, t := range list.Block {
		if t != "" && strings.Contains(lower, strings.ToLower(t)) {
			return false, CategoryBlock, t
		}
	}
	for _, t := range list.Sensitive {
		if t != "" && strings.Contains(lower, strings.ToLower(t)) {
			return false, CategorySensitive, t
		}
	}
	return true, CategoryClean, ""
}

// =============================================================================
// MANAGEMENT OPERATIONS
// =============================================================================

// Add appends a term to a category and persists atomically.
func (f *Filter) Add(category, term string) error {
	return f.mutate(func(list *List) error {
		bucket, err := bucketOf(list, category)
		if err != nil {
			return err
		}
		for _, t := range *bucket {
			if t == term {
				return fmt.Errorf("term %q already in %s list", term, category)
			}
		}
		*bucket = append(*bucket, term)
		return nil
	})
}

// Remove deletes a term from a category and persists atomically.
func (f *Filter) Remove(category, term string) error {
	return f.mutate(func(list *List) error {
		bucket, err := bucketOf(list, category)
		if err != nil {
			return err
		}
		for i, t := range *bucket {
			if t == term {
				*bucket = append((*bucket)[:i], (*bucket)[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("term %q not in %s list", term, category)
	})
}

// Rename replaces a term within a category and persists atomically.
func (f *Filter) Rename(category, oldTerm, newTerm string) error {
	return f.mutate(func(list *List) error {
		bucket, err := bucketOf(list, category)
		if err != nil {
			return err
		}
		for i, t := range *bucket {
			if t == oldTerm {
				(*bucket)[i] = newTerm
				return nil
			}
		}
		return fmt.Errorf("term %q not in %s list", oldTerm, category)
	})
}

func bucketOf(list *List, category string) (*[]string, error) {
	switch category {
	case CategoryBlock:
		return &list.Block, nil
	case CategorySensitive:
		return &list.Sensitive, nil
	case CategoryAllow:
		return &list.Allow, nil
	default:
		return nil, fmt.Errorf("unknown keyword category %q", category)
	}
}

// mutate loads, edits, and atomically rewrites the term file. A missing file
// starts from the default list so management works before first authoring.
func (f *Filter) mutate(edit func(*List) error) error {
	if f.path == "" {
		return fmt.Errorf("keyword source not configured")
	}

	list, _ := f.cache.Load(f.path)
	// Copy so a failed edit never poisons the cache.
	edited := &List{
		Block:     append([]string(nil), list.Block...),
		Sensitive: append([]string(nil), list.Sensitive...),
		Allow:     append([]string(nil), list.Allow...),
	}
	if err := edit(edited); err != nil {
		return err
	}

	data, err := json.MarshalIndent(edited, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode keyword list: %w", err)
	}

	// Atomic replace: write temp file in the same directory, then rename.
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create keyword directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".keywords-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace keyword file: %w", err)
	}

	f.cache.Invalidate(f.path)
	logging.Keywords("Keyword file updated: %s", f.path)
	return nil
}

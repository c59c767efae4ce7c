// Package audit implements the dual-stage content-safety pipeline: guided
// generation, deterministic style guarding, keyword screening, and LLM
// judge verdicts with fail-closed fallbacks.
package audit

import (
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"convoguard/internal/logging"
)

// defaultSafeReply ships in the binary so the pipeline always has something
// to send even before an operator authors a fallback file.
const defaultSafeReply = "这个问题我先记下来，稍后给您准确答复。"

// FallbackCache serves operator-authored safe replies from a text file.
// One reply per line; blank lines and "#" comments are ignored. The file is
// re-read when its mtime changes.
type FallbackCache struct {
	path string

	mu      sync.Mutex
	lines   []string
	modTime time.Time
	rng     *rand.Rand
}

// NewFallbackCache creates a cache over path. An empty path serves only the
// built-in reply.
func NewFallbackCache(path string) *FallbackCache {
	return &FallbackCache{
		path: path,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Pick returns a random safe reply.
func (f *FallbackCache) Pick() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reload()
	if len(f.lines) == 0 {
		return defaultSafeReply
	}
	return f.lines[f.rng.Intn(len(f.lines))]
}

func (f *FallbackCache) reload() {
	if f.path == "" {
		return
	}
	info, err := os.Stat(f.path)
	if err != nil {
		f.lines = nil
		return
	}
	if info.ModTime().Equal(f.modTime) && f.lines != nil {
		return
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		logging.AuditWarn("Fallback file unreadable: %v", err)
		f.lines = nil
		return
	}

	var lines []string
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	f.lines = lines
	f.modTime = info.ModTime()
	logging.AuditLog("Fallback file loaded: %d replies", len(lines))
}

// Package panel defines the ContextElement type: a named, kind-tagged
// slot of content the model may see, together with the closed set of
// panel kinds modules may register.
package panel

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Kind is the closed sum type of panel kinds. New modules register a
// Kind at startup through the module registry; it is never invented ad
// hoc by a panel instance.
type Kind string

const (
	KindCore                Kind = "core"
	KindConversation        Kind = "conversation"
	KindConversationHistory Kind = "conversation_history"
	KindTree                Kind = "tree"
	KindTodo                Kind = "todo"
	KindMemory              Kind = "memory"
	KindLibrary             Kind = "library"
	KindStatistics          Kind = "statistics"
	KindTools               Kind = "tools"
	KindLogs                Kind = "logs"
	KindSpine               Kind = "spine"
	KindScratchpad          Kind = "scratchpad"
	KindFile                Kind = "file"
	KindGlob                Kind = "glob"
	KindGrep                Kind = "grep"
	KindConsole             Kind = "console"
	KindGit                 Kind = "git"
	KindGitResult           Kind = "git_result"
	KindGitHub              Kind = "github"
	KindGitHubResult        Kind = "github_result"
	KindCallbacks           Kind = "callbacks"
	KindMCP                 Kind = "mcp"
)

// Element is a single panel (ContextElement). Local ids are assigned by
// the state store; Uid is stable across the panel's lifetime and is what
// gets persisted to disk.
type Element struct {
	LocalID         string         `json:"local_id"` // "P1".."Pn"
	Uid             string         `json:"uid"`       // stable, persisted
	Kind            Kind           `json:"kind"`
	DisplayName     string         `json:"display_name"`
	CachedContent   string         `json:"cached_content"`
	TokenCount      int            `json:"token_count"`
	LastRefreshMs   int64          `json:"last_refresh_ms"`
	CacheDeprecated bool           `json:"cache_deprecated"`
	ContentHash     string         `json:"content_hash"`
	Open            bool           `json:"open"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Hash computes the canonical SHA-256 content hash used for hash-based
// change detection (§4.2). Two refreshes of unchanged content must
// produce an identical hash so the pipeline can emit "Unchanged".
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Meta returns a typed metadata value, or the zero value and false if
// the key is absent or of the wrong type. Malformed metadata is a
// logged-and-ignored condition per §4.1, never a panic.
func Meta[T any](e *Element, key string) (T, bool) {
	var zero T
	if e.Metadata == nil {
		return zero, false
	}
	v, ok := e.Metadata[key]
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// SetMeta stores a metadata value under key.
func (e *Element) SetMeta(key string, v any) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = v
}

// ApplyContent sets CachedContent, ContentHash, TokenCount and clears
// CacheDeprecated, bumping LastRefreshMs to now. Returns true if the
// content actually changed (i.e. this was not a no-op "Unchanged" refresh).
func (e *Element) ApplyContent(content string, tokenCount int) (changed bool) {
	h := Hash(content)
	changed = h != e.ContentHash
	if changed {
		e.CachedContent = content
		e.ContentHash = h
		e.TokenCount = tokenCount
	}
	e.CacheDeprecated = false
	e.LastRefreshMs = time.Now().UnixMilli()
	return changed
}

// KindMetadata describes how the registry treats a Kind: whether it is
// a fixed (always-present) panel kind, whether it participates in the
// cache pipeline at all, its display icon key, and its default order
// among fixed panels.
type KindMetadata struct {
	Kind        Kind
	Fixed       bool
	NeedsCache  bool
	Icon        string
	FixedOrder  int
}

// Package config persists the two configuration documents described in
// §6: a project-wide config.json (provider/model/module-global data) and
// a per-worker worker.json (active modules, guard-rail overrides,
// detachment thresholds, diff_base). Both are plain JSON, loaded and
// saved through a mutex-guarded Store, re-serialized through proper
// encoding/json rather than string substitution.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/contextpilot/contextpilot/internal/paths"
)

// GlobalConfig holds settings shared across every worker in a project.
type GlobalConfig struct {
	Provider string `json:"provider"` // which LLM backend to call
	Model    string `json:"model"`    // provider-specific model id
}

// GuardRailLimits are the spine's nullable guard-rail ceilings (§4.6,
// §6). A nil pointer means "disabled" — the corresponding guard never
// blocks.
type GuardRailLimits struct {
	MaxOutputTokens *int64   `json:"max_output_tokens,omitempty"`
	MaxCost         *float64 `json:"max_cost,omitempty"`
	MaxStreamCost   *float64 `json:"max_stream_cost,omitempty"`
	MaxDurationSecs *int64   `json:"max_duration_secs,omitempty"`
	MaxMessages     *int64   `json:"max_messages,omitempty"`
	MaxAutoRetries  *int64   `json:"max_auto_retries,omitempty"`
}

// DetachmentThresholds are the four thresholds gating prompt-assembly
// detachment (§4.7 step 2). All must be met for detachment to trigger.
type DetachmentThresholds struct {
	CandidateChunkMessages int `json:"candidate_chunk_messages"`
	CandidateChunkTokens   int `json:"candidate_chunk_tokens"`
	KeepLiveMessages       int `json:"keep_live_messages"`
	KeepLiveTokens         int `json:"keep_live_tokens"`
}

// DefaultDetachmentThresholds are the values named in §4.7.
func DefaultDetachmentThresholds() DetachmentThresholds {
	return DetachmentThresholds{
		CandidateChunkMessages: 25,
		CandidateChunkTokens:   5000,
		KeepLiveMessages:       25,
		KeepLiveTokens:         7500,
	}
}

// WorkerConfig holds per-worker configuration and overrides.
type WorkerConfig struct {
	ActiveModules    []string             `json:"active_modules"`
	ReloadRequested  bool                 `json:"reload_requested"`
	GuardRails       GuardRailLimits      `json:"guard_rails"`
	Detachment       DetachmentThresholds `json:"detachment"`
	DiffBase         string               `json:"diff_base"` // git module, defaults to HEAD
	ContinueOnTodos  bool                 `json:"continue_on_todos"`
	ContinueOnMaxTok bool                 `json:"continue_on_max_tokens"`
}

// DefaultWorkerConfig returns sane defaults for a newly created worker.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		ActiveModules: []string{"fs", "git", "todo", "console"},
		Detachment:    DefaultDetachmentThresholds(),
		DiffBase:      "HEAD",
	}
}

// Store is a mutex-guarded, JSON-backed configuration document of type T.
type Store[T any] struct {
	mu    sync.RWMutex
	path  string
	value T
}

// Open loads the document at path into a Store, writing defaultValue to
// disk if the file does not yet exist.
func Open[T any](path string, defaultValue T) (*Store[T], error) {
	s := &Store[T]{path: path, value: defaultValue}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if err := s.Save(); err != nil {
			return nil, fmt.Errorf("write default %s: %w", path, err)
		}
		return s, nil
	}
	if err := json.Unmarshal(data, &s.value); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}

// Get returns a copy of the current value.
func (s *Store[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Update mutates the value under lock and persists the result.
func (s *Store[T]) Update(fn func(*T)) error {
	s.mu.Lock()
	fn(&s.value)
	v := s.value
	s.mu.Unlock()
	return s.save(v)
}

// Save writes the current value to disk.
func (s *Store[T]) Save() error {
	s.mu.RLock()
	v := s.value
	s.mu.RUnlock()
	return s.save(v)
}

func (s *Store[T]) save(v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", s.path, err)
	}
	return os.WriteFile(s.path, data, 0644)
}

// OpenGlobal opens (or initializes) the project's config.json.
func OpenGlobal(workspaceRoot string) (*Store[GlobalConfig], error) {
	if err := paths.EnsureDir(paths.GetProjectRoot(workspaceRoot)); err != nil {
		return nil, err
	}
	return Open(paths.GetConfigPath(workspaceRoot), GlobalConfig{Provider: "anthropic"})
}

// OpenWorker opens (or initializes) a worker's worker.json.
func OpenWorker(workspaceRoot, workerID string) (*Store[WorkerConfig], error) {
	if err := paths.EnsureDir(paths.GetWorkerDir(workspaceRoot, workerID)); err != nil {
		return nil, err
	}
	return Open(paths.GetWorkerConfigPath(workspaceRoot, workerID), DefaultWorkerConfig())
}

// ProviderAPIKeyEnv maps a provider name to the environment variable
// consumed for its credential (§6). Absence disables the provider.
var ProviderAPIKeyEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"groq":      "GROQ_API_KEY",
	"xai":       "XAI_API_KEY",
	"deepseek":  "DEEPSEEK_API_KEY",
}

// APIKey returns the credential for provider, and whether it is set.
func APIKey(provider string) (string, bool) {
	envVar, ok := ProviderAPIKeyEnv[provider]
	if !ok {
		return "", false
	}
	v := os.Getenv(envVar)
	return v, v != ""
}

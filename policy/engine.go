package policy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pithecene-io/veil/log"
	"github.com/pithecene-io/veil/store"
)

// Source loads raw policy documents by id.
type Source interface {
	GetPolicyDocument(ctx context.Context, id string) ([]byte, error)
}

// Engine resolves policy ids to normalized configurations. Parsed policies
// are cached per id; reads are lock-free, the cache map is replaced
// copy-on-write under a writer lock.
type Engine struct {
	source Source
	logger *log.Logger

	mu    sync.Mutex
	cache atomic.Value // map[string]*Config
}

// NewEngine creates a policy engine over a document source.
func NewEngine(source Source, logger *log.Logger) *Engine {
	e := &Engine{source: source, logger: logger}
	e.cache.Store(map[string]*Config{})
	return e
}

// Load resolves a policy id. An empty or unknown id yields the default
// policy; a malformed document fails with policy_invalid.
func (e *Engine) Load(ctx context.Context, id string) (*Config, error) {
	if id == "" {
		return Default(), nil
	}
	if cfg, ok := e.cache.Load().(map[string]*Config)[id]; ok {
		return cfg, nil
	}

	doc, err := e.source.GetPolicyDocument(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("policy not found, using default", map[string]any{"policy_id": id})
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(id, doc)
	if err != nil {
		return nil, err
	}
	e.put(id, cfg)
	return cfg, nil
}

// Invalidate drops the cached configuration for a policy id. Called on
// policy update events; the next Load re-fetches and re-parses.
func (e *Engine) Invalidate(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.cache.Load().(map[string]*Config)
	if _, ok := old[id]; !ok {
		return
	}
	next := make(map[string]*Config, len(old))
	for k, v := range old {
		if k != id {
			next[k] = v
		}
	}
	e.cache.Store(next)
}

func (e *Engine) put(id string, cfg *Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.cache.Load().(map[string]*Config)
	next := make(map[string]*Config, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[id] = cfg
	e.cache.Store(next)
}

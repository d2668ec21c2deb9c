package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/intake-form-server/internal/domain"
)

// Defaults for the engine tunables.
const (
	DefaultMaxResolvePasses    = 10
	DefaultDebounceWindow      = 100 * time.Millisecond
	DefaultResolutionCacheSize = 256
)

// Config tunes the evaluation engine.
type Config struct {
	MaxResolvePasses    int
	DebounceWindow      time.Duration
	ResolutionCacheSize int
}

// Engine evaluates form templates against answer maps. It is safe for
// concurrent use; all evaluation is a full deterministic re-derivation from
// the answer snapshot, memoized on the snapshot's hash.
type Engine struct {
	log       *logrus.Logger
	maxPasses int
	debounce  time.Duration
	resCache  *lru.Cache[string, *Resolution]
}

// New creates an engine with the given tunables. Zero config fields fall
// back to the package defaults.
func New(logger *logrus.Logger, cfg Config) *Engine {
	if cfg.MaxResolvePasses <= 0 {
		cfg.MaxResolvePasses = DefaultMaxResolvePasses
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.ResolutionCacheSize <= 0 {
		cfg.ResolutionCacheSize = DefaultResolutionCacheSize
	}

	cache, err := lru.New[string, *Resolution](cfg.ResolutionCacheSize)
	if err != nil {
		// lru.New only fails on a non-positive size, which is ruled out above.
		panic(fmt.Sprintf("creating resolution cache: %v", err))
	}

	return &Engine{
		log:       logger,
		maxPasses: cfg.MaxResolvePasses,
		debounce:  cfg.DebounceWindow,
		resCache:  cache,
	}
}

// Resolve computes (or returns the memoized) visibility resolution for a
// template, answer snapshot and mode.
func (e *Engine) Resolve(tpl *domain.FormTemplate, answers domain.AnswerMap, mode domain.EvalMode) *Resolution {
	key := e.resolutionKey(tpl, answers, mode)
	if cached, ok := e.resCache.Get(key); ok {
		return cached
	}

	res := e.resolve(tpl, answers, mode)
	e.resCache.Add(key, res)
	return res
}

// resolutionKey fingerprints one (template, answers, mode) evaluation.
func (e *Engine) resolutionKey(tpl *domain.FormTemplate, answers domain.AnswerMap, mode domain.EvalMode) string {
	return fmt.Sprintf("%s:%s:%s", tpl.ID, mode, AnswerHash(answers))
}

// AnswerHash produces a stable SHA-256 fingerprint of an answer map. Keys
// are sorted so that map iteration order never leaks into the hash.
func AnswerHash(answers domain.AnswerMap) string {
	keys := make([]string, 0, len(answers))
	for k := range answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		// Answers are JSON-native values; marshaling cannot fail for them,
		// and a nil slice on error still advances the hash deterministically.
		v, _ := json.Marshal(answers[k])
		h.Write(v)
		h.Write([]byte{';'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

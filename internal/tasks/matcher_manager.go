package tasks

import (
	"fmt"
	"sort"
	"sync"

	"burstfuse/internal/config"
)

// MatcherFactory builds a supplier from configuration. Optional matchers
// (for example the OpenCV one) add factories from init functions guarded by
// build tags.
type MatcherFactory func(cfg *config.AlignmentConfig) CorrespondenceSupplier

var (
	factoriesMu sync.Mutex
	factories   = map[string]MatcherFactory{}
)

// RegisterMatcherFactory makes a matcher available to every MatcherManager.
func RegisterMatcherFactory(name string, f MatcherFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// MatcherManager selects correspondence suppliers.
type MatcherManager struct {
	matchers map[string]CorrespondenceSupplier
	order    []string
	config   *config.AlignmentConfig
}

// NewMatcherManager registers the built-in block matcher plus every factory
// compiled into the binary.
func NewMatcherManager(cfg *config.AlignmentConfig) *MatcherManager {
	m := &MatcherManager{matchers: make(map[string]CorrespondenceSupplier), config: cfg}

	var (
		bm     config.BlockMatchConfig
		csvDir string
	)
	if cfg != nil {
		bm, csvDir = cfg.BlockMatch, cfg.CSVDir
	}
	m.Register(NewBlockMatcher(bm))
	m.Register(NewCSVSupplier(csvDir, nil))

	factoriesMu.Lock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m.Register(factories[name](cfg))
	}
	factoriesMu.Unlock()
	return m
}

// Register a supplier. A later supplier with the same name replaces the
// earlier one but keeps its position.
func (m *MatcherManager) Register(s CorrespondenceSupplier) {
	if s == nil {
		return
	}
	if _, exists := m.matchers[s.Name()]; !exists {
		m.order = append(m.order, s.Name())
	}
	m.matchers[s.Name()] = s
}

// Matchers exposes the registry.
func (m *MatcherManager) Matchers() map[string]CorrespondenceSupplier {
	return m.matchers
}

// Names lists registered suppliers in registration order.
func (m *MatcherManager) Names() []string {
	return append([]string(nil), m.order...)
}

// Select returns the named supplier, or the configured default, or the
// available supplier with the highest quality.
func (m *MatcherManager) Select(name string) (CorrespondenceSupplier, error) {
	if name != "" && name != "auto" {
		s, ok := m.matchers[name]
		if !ok {
			return nil, fmt.Errorf("unknown matcher %q", name)
		}
		if !s.IsAvailable() {
			return nil, fmt.Errorf("matcher %q is not available", name)
		}
		return s, nil
	}

	if m.config != nil && m.config.Matcher != "" && m.config.Matcher != "auto" {
		if s, ok := m.matchers[m.config.Matcher]; ok && s.IsAvailable() {
			return s, nil
		}
	}

	var (
		best      CorrespondenceSupplier
		bestScore float64
	)
	for _, n := range m.order {
		s := m.matchers[n]
		if !s.IsAvailable() {
			continue
		}
		if best == nil || s.Quality() > bestScore {
			best = s
			bestScore = s.Quality()
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no correspondence matcher available")
	}
	return best, nil
}

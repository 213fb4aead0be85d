package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/uacbridge/internal/pipeline"
	"github.com/MrWong99/uacbridge/pkg/audio"
)

// ErrStageNotRegistered is returned by [Registry.CreateStage] when no factory
// has been registered under the requested stage name.
var ErrStageNotRegistered = errors.New("config: stage not registered")

// suggestThreshold is the minimum Jaro-Winkler similarity for a registered
// name to be offered as a correction.
const suggestThreshold = 0.8

// StageFactory builds a pipeline stage for frames of the given format.
type StageFactory func(entry StageEntry, format audio.Format) (pipeline.Stage, error)

// Registry maps stage names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]StageFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]StageFactory)}
}

// RegisterStage registers a stage factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterStage(name string, factory StageFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[name] = factory
}

// CreateStage instantiates the stage registered under entry.Name.
// Returns [ErrStageNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateStage(entry StageEntry, format audio.Format) (pipeline.Stage, error) {
	r.mu.RLock()
	factory, ok := r.stages[entry.Name]
	r.mu.RUnlock()
	if !ok {
		if s := r.Suggest(entry.Name); s != "" {
			return nil, fmt.Errorf("%w: %q (did you mean %q?)", ErrStageNotRegistered, entry.Name, s)
		}
		return nil, fmt.Errorf("%w: %q", ErrStageNotRegistered, entry.Name)
	}
	stage, err := factory(entry, format)
	if err != nil {
		return nil, fmt.Errorf("config: stage %q: %w", entry.Name, err)
	}
	return stage, nil
}

// CreateStages instantiates every entry in order. Failures are joined so a
// config with several bad stages reports all of them.
func (r *Registry) CreateStages(entries []StageEntry, format audio.Format) ([]pipeline.Stage, []string, error) {
	stages := make([]pipeline.Stage, 0, len(entries))
	names := make([]string, 0, len(entries))
	var errs []error
	for i, e := range entries {
		s, err := r.CreateStage(e, format)
		if err != nil {
			errs = append(errs, fmt.Errorf("pipeline.stages[%d]: %w", i, err))
			continue
		}
		stages = append(stages, s)
		names = append(names, e.Name)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, nil, err
	}
	return stages, names, nil
}

// Stages returns the registered stage names in sorted order.
func (r *Registry) Stages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stages))
	for n := range r.stages {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Suggest returns the registered stage name closest to name, or "" when none
// scores at least suggestThreshold. Ties go to the alphabetically first name.
func (r *Registry) Suggest(name string) string {
	query := strings.ToLower(name)
	best, bestScore := "", 0.0
	for _, n := range r.Stages() {
		if s := matchr.JaroWinkler(query, n, false); s > bestScore {
			best, bestScore = n, s
		}
	}
	if bestScore < suggestThreshold {
		return ""
	}
	return best
}

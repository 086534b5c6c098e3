// internal/registry/registry.go
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/deannos/nem-billing-pipeline/internal/model"
	"github.com/deannos/nem-billing-pipeline/internal/tracker"
)

// ErrUnknownPremise is returned for a premise id with no tracker.
var ErrUnknownPremise = errors.New("unknown premise")

// Registry owns one tracker per configured premise. The set of premises is fixed at
// construction; trackers synchronize themselves.
type Registry struct {
	mu       sync.RWMutex
	trackers map[string]*tracker.Tracker
	ids      []string
	logger   *zap.Logger
}

// New builds a registry over the given trackers. Duplicate premise ids are an error.
func New(logger *zap.Logger, trackers ...*tracker.Tracker) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		trackers: make(map[string]*tracker.Tracker, len(trackers)),
		logger:   logger,
	}
	for _, t := range trackers {
		if err := r.add(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) add(t *tracker.Tracker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := t.PremiseID()
	if id == "" {
		return fmt.Errorf("premise id cannot be empty")
	}
	if _, exists := r.trackers[id]; exists {
		return fmt.Errorf("duplicate premise %q", id)
	}
	r.trackers[id] = t
	r.ids = append(r.ids, id)
	sort.Strings(r.ids)
	return nil
}

// Get returns the tracker for a premise.
func (r *Registry) Get(premiseID string) (*tracker.Tracker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trackers[premiseID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPremise, premiseID)
	}
	return t, nil
}

// IDs lists the premise ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

// Len is the number of premises.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

// Each calls fn for every tracker in premise id order and combines the errors.
func (r *Registry) Each(fn func(*tracker.Tracker) error) error {
	var err error
	for _, id := range r.IDs() {
		t, getErr := r.Get(id)
		if getErr != nil {
			err = multierr.Append(err, getErr)
			continue
		}
		if fnErr := fn(t); fnErr != nil {
			err = multierr.Append(err, fmt.Errorf("premise %s: %w", id, fnErr))
		}
	}
	return err
}

// ApplyOverride applies a manual correction to one premise, or to every premise when
// o.PremiseID is empty. It returns the number of trackers updated.
func (r *Registry) ApplyOverride(o model.Override) (int, error) {
	if o.IsEmpty() {
		return 0, fmt.Errorf("override sets no values")
	}
	if o.PremiseID != "" {
		t, err := r.Get(o.PremiseID)
		if err != nil {
			return 0, err
		}
		t.SetValues(o)
		return 1, nil
	}

	n := 0
	err := r.Each(func(t *tracker.Tracker) error {
		t.SetValues(o)
		n++
		return nil
	})
	r.logger.Info("Override applied to all premises", zap.Int("premises", n))
	return n, err
}

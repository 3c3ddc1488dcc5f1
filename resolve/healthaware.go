package resolve

import (
	"fmt"
	"math"
	"strconv"
	"sync"
)

// DefaultHealthProperty is the property HealthAware reads when none is
// configured.
const DefaultHealthProperty = "load"

// HealthAwareConfig tunes the HealthAware strategy.
type HealthAwareConfig struct {
	// Property is the record property holding the score. Defaults to "load".
	Property string

	// HigherIsBetter flips the comparator: false selects the minimum
	// (load-style), true selects the maximum (health-score-style).
	HigherIsBetter bool

	// Strict makes a missing or unparsable property an error
	// (ErrMissingHealthProperty) instead of falling back to MissingScore.
	Strict bool

	// MissingScore is the score assumed for instances lacking the property
	// when Strict is false. When nil, the worst possible score for the
	// configured direction is assumed, so bare instances are only chosen
	// when nothing better exists.
	MissingScore *float64
}

// HealthAware selects the instance with the best published score. Ties are
// broken by lexical instance ID order, making selection deterministic for a
// given snapshot.
type HealthAware struct {
	mu  sync.Mutex
	cfg HealthAwareConfig
}

// NewHealthAware returns a health/load-aware strategy.
func NewHealthAware(cfg HealthAwareConfig) *HealthAware {
	if cfg.Property == "" {
		cfg.Property = DefaultHealthProperty
	}
	return &HealthAware{cfg: cfg}
}

func (h *HealthAware) Select(snap *Snapshot) (string, error) {
	ids := snap.IDs()
	if len(ids) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoInstanceAvailable, serviceLabel(snap))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	best := ""
	bestScore := 0.0
	for _, id := range ids {
		score, err := h.score(snap, id)
		if err != nil {
			return "", err
		}
		// Strictly better only: on ties the lexically first instance,
		// visited earlier, wins.
		if best == "" || h.better(score, bestScore) {
			best = id
			bestScore = score
		}
	}
	return best, nil
}

func (*HealthAware) Name() string { return "health_aware" }

func (h *HealthAware) score(snap *Snapshot, id string) (float64, error) {
	raw, ok := snap.Instances[id].Properties[h.cfg.Property]
	if ok {
		if score, err := strconv.ParseFloat(raw, 64); err == nil {
			return score, nil
		}
	}
	if h.cfg.Strict {
		return 0, fmt.Errorf("%w: instance %q of %s has no usable %q property",
			ErrMissingHealthProperty, id, serviceLabel(snap), h.cfg.Property)
	}
	if h.cfg.MissingScore != nil {
		return *h.cfg.MissingScore, nil
	}
	if h.cfg.HigherIsBetter {
		return math.Inf(-1), nil
	}
	return math.Inf(1), nil
}

func (h *HealthAware) better(score, than float64) bool {
	if h.cfg.HigherIsBetter {
		return score > than
	}
	return score < than
}

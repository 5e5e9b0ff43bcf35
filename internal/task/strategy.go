package task

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/phrazzld/taskengine/internal/domain"
	"github.com/phrazzld/taskengine/internal/store"
)

// Strategy selects which eligible task a claim receives.
type Strategy int

const (
	// StrategyFIFO claims the oldest eligible task.
	StrategyFIFO Strategy = iota
	// StrategyLIFO claims the newest eligible task.
	StrategyLIFO
	// StrategyPriority claims the lowest priority value, FIFO within a band.
	StrategyPriority
	// StrategyWeightedRandom samples from the top of the priority order with
	// probability proportional to 1/(priority+1).
	StrategyWeightedRandom
)

// String returns the configuration name of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyFIFO:
		return "fifo"
	case StrategyLIFO:
		return "lifo"
	case StrategyPriority:
		return "priority"
	case StrategyWeightedRandom:
		return "weighted"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy resolves a strategy name. Matching is case-insensitive and
// "weighted_random" is accepted as an alias of "weighted".
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "fifo":
		return StrategyFIFO, nil
	case "lifo":
		return StrategyLIFO, nil
	case "priority":
		return StrategyPriority, nil
	case "weighted", "weighted_random", "weighted-random":
		return StrategyWeightedRandom, nil
	default:
		return 0, fmt.Errorf("%w: %q", domain.ErrUnknownStrategy, name)
	}
}

// Ordering returns the store ordering the strategy ranks candidates by.
func (s Strategy) Ordering() store.Ordering {
	switch s {
	case StrategyLIFO:
		return store.OrderCreatedDesc
	case StrategyPriority, StrategyWeightedRandom:
		return store.OrderPriorityAsc
	default:
		return store.OrderCreatedAsc
	}
}

// Weight is the selection weight of a task under StrategyWeightedRandom.
func Weight(priority int) float64 {
	if priority < 0 {
		priority = 0
	}
	return 1 / (float64(priority) + 1)
}

// PickWeighted returns the index of the candidate selected by the uniform
// sample u in [0, 1), each candidate owning a slice of [0, 1) proportional to
// its weight.
func PickWeighted(candidates []*domain.Task, u float64) int {
	if len(candidates) <= 1 {
		return 0
	}

	var total float64
	for _, c := range candidates {
		total += Weight(c.Priority)
	}

	target := u * total
	var acc float64
	for i, c := range candidates {
		acc += Weight(c.Priority)
		if target < acc {
			return i
		}
	}
	return len(candidates) - 1
}

// claimQuery builds the store query for one claim attempt with strategy s.
func (e *Engine) claimQuery(s Strategy) store.ClaimQuery {
	q := store.ClaimQuery{Order: s.Ordering(), Window: 1}
	if s == StrategyWeightedRandom {
		q.Window = e.cfg.WeightedWindow
		q.Pick = func(candidates []*domain.Task) int {
			return PickWeighted(candidates, e.rng.Float64())
		}
	}
	return q
}

// lockedRand serializes access to a *rand.Rand, which is not safe for
// concurrent use.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newLockedRand(r *rand.Rand) *lockedRand {
	if r == nil {
		r = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &lockedRand{r: r}
}

// Float64 returns a uniform sample in [0, 1).
func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

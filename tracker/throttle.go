package tracker

import (
	"sync"

	"transport-dispatch/models"
)

// Throttle holds at most one pending sample. Offer supersedes whatever was
// pending; Take empties it.
type Throttle struct {
	mu      sync.Mutex
	pending models.Position
	has     bool
}

func (t *Throttle) Offer(p models.Position) {
	t.mu.Lock()
	t.pending, t.has = p, true
	t.mu.Unlock()
}

func (t *Throttle) Take() (models.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending, t.has
	t.pending, t.has = models.Position{}, false
	return p, ok
}

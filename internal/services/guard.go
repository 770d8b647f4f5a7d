package services

import (
	"fmt"
	"sync"

	"github.com/pandeptwidyaop/mdm-migrate/internal/models"
)

// Guard serializes destructive helper operations. A second operation is
// rejected instead of queued.
type Guard struct {
	mu      sync.Mutex
	current string
}

func NewGuard() *Guard {
	return &Guard{}
}

// Acquire claims the guard for operation and returns the release func.
func (g *Guard) Acquire(operation string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current != "" {
		return nil, fmt.Errorf("%w: %s is running", models.ErrHelperBusy, g.current)
	}
	g.current = operation

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.current = ""
			g.mu.Unlock()
		})
	}, nil
}

// Current returns the running operation, or "".
func (g *Guard) Current() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

package deeplink

import (
	"context"
	"sync"
	"time"
)

// Visit is a route the application moved to
type Visit struct {
	Route Route     `json:"route"`
	Path  string    `json:"path"`
	At    time.Time `json:"at"`
}

// History is a Navigator that remembers recent routes and forwards them
type History struct {
	mu     sync.Mutex
	visits []Visit
	limit  int
	next   Navigator
}

// NewHistory keeps the last limit routes and forwards to next when set
func NewHistory(limit int, next Navigator) *History {
	if limit <= 0 {
		limit = 50
	}
	return &History{limit: limit, next: next}
}

func (h *History) Navigate(ctx context.Context, route Route) {
	h.mu.Lock()
	h.visits = append(h.visits, Visit{Route: route, Path: route.String(), At: time.Now()})
	if len(h.visits) > h.limit {
		h.visits = h.visits[len(h.visits)-h.limit:]
	}
	h.mu.Unlock()

	if h.next != nil {
		h.next.Navigate(ctx, route)
	}
}

// Recent returns visits, oldest first
func (h *History) Recent() []Visit {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Visit, len(h.visits))
	copy(out, h.visits)
	return out
}

// Last returns the most recent visit
func (h *History) Last() (Visit, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.visits) == 0 {
		return Visit{}, false
	}
	return h.visits[len(h.visits)-1], true
}

package metabase

import (
	"sync"

	"github.com/warptools/metabase/mbapi"
)

// waitGraph records, for every load in flight, the IDs it is blocked on.
// A load joining another goroutine's load would deadlock exactly when that load
// is, through any chain of waits, blocked on one of the joiner's own loads.
type waitGraph struct {
	mu    sync.Mutex
	edges map[mbapi.ResourceID]map[mbapi.ResourceID]int
}

// wait records that the load of from now waits on to, unless that closes a
// cycle through one of the loads in stack. It reports whether it recorded the wait.
func (g *waitGraph) wait(from, to mbapi.ResourceID, stack []mbapi.ResourceID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reaches(to, stack) {
		return false
	}
	if g.edges == nil {
		g.edges = map[mbapi.ResourceID]map[mbapi.ResourceID]int{}
	}
	if g.edges[from] == nil {
		g.edges[from] = map[mbapi.ResourceID]int{}
	}
	g.edges[from][to]++
	return true
}

func (g *waitGraph) done(from, to mbapi.ResourceID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	waits := g.edges[from]
	if waits[to]--; waits[to] <= 0 {
		delete(waits, to)
	}
	if len(waits) == 0 {
		delete(g.edges, from)
	}
}

// reaches reports whether start is, or waits transitively on, any of targets.
// Caller holds mu.
func (g *waitGraph) reaches(start mbapi.ResourceID, targets []mbapi.ResourceID) bool {
	want := make(map[mbapi.ResourceID]bool, len(targets))
	for _, id := range targets {
		want[id] = true
	}
	seen := map[mbapi.ResourceID]bool{}
	next := []mbapi.ResourceID{start}
	for len(next) > 0 {
		id := next[len(next)-1]
		next = next[:len(next)-1]
		if want[id] {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		for to := range g.edges[id] {
			next = append(next, to)
		}
	}
	return false
}

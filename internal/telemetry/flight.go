package telemetry

import "sync"

// flightGroup tracks in-progress keys. A second begin for a key already in
// flight is refused rather than queued.
type flightGroup struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

func newFlightGroup() *flightGroup {
	return &flightGroup{inFlight: make(map[string]struct{})}
}

func (g *flightGroup) begin(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.inFlight[key]; busy {
		return false
	}

	g.inFlight[key] = struct{}{}

	return true
}

func (g *flightGroup) end(key string) {
	g.mu.Lock()
	delete(g.inFlight, key)
	g.mu.Unlock()
}

func (g *flightGroup) active(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, busy := g.inFlight[key]

	return busy
}

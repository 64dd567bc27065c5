package observability

import "sync"

type observe struct {
	Kind   string
	Name   string
	Value  string
	Status int
	Count  int
	OK     bool
	Dur    float64
}

// Inmem keeps the last max observations, handy for tests and local runs.
type Inmem struct {
	mu     sync.Mutex
	last   []*observe
	max    int
	totals struct {
		cacheHits, cacheMiss int
	}
}

func NewInmem(max int) *Inmem {
	return &Inmem{
		max: max,
	}
}

func (m *Inmem) push(v *observe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = append(m.last, v)
	if len(m.last) > m.max {
		m.last = m.last[len(m.last)-m.max:]
	}
}

// Last returns a copy of the retained observations of the given kind.
func (m *Inmem) Last(kind string) []observe {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []observe
	for _, o := range m.last {
		if o.Kind == kind {
			out = append(out, *o)
		}
	}
	return out
}

func (m *Inmem) ObserveAttempt(op, outcome string, durMs float64) {
	m.push(&observe{Kind: "attempt", Name: op, Value: outcome, Dur: durMs})
}

func (m *Inmem) ObserveBreakerState(state string) {
	m.push(&observe{Kind: "breaker", Value: state})
}

func (m *Inmem) ObserveSync(newOrders int, ok bool, durMs float64) {
	m.push(&observe{Kind: "sync", Count: newOrders, OK: ok, Dur: durMs})
}

func (m *Inmem) ObserveTransition(from, to string) {
	m.push(&observe{Kind: "transition", Name: from, Value: to})
}

func (m *Inmem) ObserveHTTP(method, route string, status int, durMs float64) {
	m.push(&observe{Kind: "http", Name: method, Value: route, Status: status, Dur: durMs})
}

func (m *Inmem) IncCacheHit() {
	m.mu.Lock()
	m.totals.cacheHits++
	m.mu.Unlock()
}

func (m *Inmem) IncCacheMiss() {
	m.mu.Lock()
	m.totals.cacheMiss++
	m.mu.Unlock()
}

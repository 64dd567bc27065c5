package observability

// Metrics is what the executor, the sync engine, the delivery workflow and the
// HTTP layer report to. Durations are in milliseconds.
type Metrics interface {
	ObserveAttempt(op, outcome string, durMs float64)
	ObserveBreakerState(state string)
	ObserveSync(newOrders int, ok bool, durMs float64)
	ObserveTransition(from, to string)
	ObserveHTTP(method, route string, status int, durMs float64)
	IncCacheHit()
	IncCacheMiss()
}

type Noop struct{}

func NewNoop() Noop { return Noop{} }

func (Noop) ObserveAttempt(string, string, float64)   {}
func (Noop) ObserveBreakerState(string)               {}
func (Noop) ObserveSync(int, bool, float64)           {}
func (Noop) ObserveTransition(string, string)         {}
func (Noop) ObserveHTTP(string, string, int, float64) {}
func (Noop) IncCacheHit()                             {}
func (Noop) IncCacheMiss()                            {}

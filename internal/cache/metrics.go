package cache

// Metrics is the contract between the engine and whatever wants to
// observe it. Modeled directly on the teacher's types.Metrics interface:
// one method per event the engine can report, plus a no-op default so
// callers that don't care about metrics never need a nil check.
type Metrics interface {
	Hit()
	Miss()
	Created()
	Updated()
	Deleted()
	Evicted()
	Expired()
	SetEntries(n int)
}

// NoopMetrics discards every event. It is the engine's default so domain
// code never has to guard a possibly-nil Metrics field.
type NoopMetrics struct{}

func (NoopMetrics) Hit()          {}
func (NoopMetrics) Miss()         {}
func (NoopMetrics) Created()      {}
func (NoopMetrics) Updated()      {}
func (NoopMetrics) Deleted()      {}
func (NoopMetrics) Evicted()      {}
func (NoopMetrics) Expired()      {}
func (NoopMetrics) SetEntries(int) {}

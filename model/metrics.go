package model

// System status values reported in AggregateMetrics.
const (
	SystemRunning  = "Running"
	SystemStopping = "Stopping"
	SystemHalted   = "Halted"
)

// AggregateMetrics summarises the whole simulation at one tick.
type AggregateMetrics struct {
	Tick   uint64
	Rate   float64 // ticks per second
	Count  int
	Status string
}

package limiter

// MetricsRecorder receives counters and observations. Implementations must
// not block; the limiter calls them inline on the request path.
type MetricsRecorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// NoOpMetricsRecorder is a placeholder that does nothing.
// It ensures we never have to check 'if r.recorder != nil' in our hot path.
type NoOpMetricsRecorder struct{}

func (n *NoOpMetricsRecorder) Add(name string, value float64, tags map[string]string)     {}
func (n *NoOpMetricsRecorder) Observe(name string, value float64, tags map[string]string) {}

// Reporter wraps a MetricsRecorder so a failing recorder can never change a
// decision: panics are swallowed here.
type Reporter struct {
	next MetricsRecorder
}

// NewReporter wraps rec. A nil rec reports nowhere.
func NewReporter(rec MetricsRecorder) Reporter {
	if rec == nil {
		rec = &NoOpMetricsRecorder{}
	}
	return Reporter{next: rec}
}

func (r Reporter) Add(name string, value float64, tags map[string]string) {
	defer func() { _ = recover() }()
	r.next.Add(name, value, tags)
}

func (r Reporter) Observe(name string, value float64, tags map[string]string) {
	defer func() { _ = recover() }()
	r.next.Observe(name, value, tags)
}

package statsd

import (
	"sync"
	"time"
)

// Point is one metric captured by a Recorder.
type Point struct {
	Kind  string // "c", "g" or "ms"
	Name  string
	Value float64
	Tags  map[string]string
}

// Recorder keeps every metric in memory. Tests use it wherever a Sink is
// accepted.
type Recorder struct {
	mu     sync.Mutex
	points []Point
}

var _ Sink = (*Recorder)(nil)

// Count records a counter.
func (r *Recorder) Count(name string, value int64, tags map[string]string) {
	r.add(Point{Kind: "c", Name: name, Value: float64(value), Tags: cleanTags(tags)})
}

// Gauge records a gauge.
func (r *Recorder) Gauge(name string, value float64, tags map[string]string) {
	r.add(Point{Kind: "g", Name: name, Value: value, Tags: cleanTags(tags)})
}

// Timing records a duration in milliseconds.
func (r *Recorder) Timing(name string, value time.Duration, tags map[string]string) {
	r.add(Point{Kind: "ms", Name: name, Value: float64(value) / float64(time.Millisecond), Tags: cleanTags(tags)})
}

func (r *Recorder) add(p Point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, p)
}

// Points returns a copy of everything recorded so far.
func (r *Recorder) Points() []Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Point(nil), r.points...)
}

// Named returns the points recorded under name, in order.
func (r *Recorder) Named(name string) []Point {
	var out []Point
	for _, p := range r.Points() {
		if p.Name == name {
			out = append(out, p)
		}
	}
	return out
}

// Names returns the metric name of every point, in order.
func (r *Recorder) Names() []string {
	pts := r.Points()
	out := make([]string, len(pts))
	for i, p := range pts {
		out[i] = p.Name
	}
	return out
}

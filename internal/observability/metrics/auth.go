package metrics

import (
	"time"

	obserrors "github.com/santeplus/medportal/internal/observability/errors"
	"github.com/santeplus/medportal/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess  = "success"
	ResultError    = "error"
	ResultRejected = "rejected"
	ResultSkipped  = "skipped"
	ResultNoop     = "noop"
)

// Metric names emitted by the session lifecycle and the route guard.
const (
	NameLogin         = "auth.login"
	NameLogout        = "auth.logout"
	NameProfileFetch  = "auth.profile_fetch"
	NameGuardDecision = "guard.decision"
)

// AuthMetric captures one session lifecycle event for metric emission.
type AuthMetric struct {
	Name     string
	Result   string
	Duration time.Duration
	Err      error
}

// EmitAuth emits a counter for the event, tagged by result and error class,
// and a timing when a duration is known.
func EmitAuth(sink statsd.Sink, in AuthMetric) {
	if sink == nil || in.Name == "" {
		return
	}

	tags := map[string]string{"result": in.Result}
	if in.Err != nil && in.Result != ResultSuccess {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count(in.Name, 1, tags)

	if in.Duration > 0 {
		sink.Timing(in.Name+"_duration", in.Duration, CloneTags(tags))
	}
}

// EmitGuardDecision counts one route guard outcome.
func EmitGuardDecision(sink statsd.Sink, outcome string, protected bool) {
	if sink == nil {
		return
	}
	p := "false"
	if protected {
		p = "true"
	}
	sink.Count(NameGuardDecision, 1, map[string]string{"outcome": outcome, "protected": p})
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

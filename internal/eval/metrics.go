package eval

// Metric is one quality dimension a judge scores a run on.
type Metric struct {
	Name   string
	Rubric string
}

// The built-in metric set. Every run in an evaluation window is scored
// once per metric; re-runs skip pairs that already have a score.
var (
	Helpfulness = Metric{
		Name: "helpfulness",
		Rubric: `Score how helpful the assistant's response is for the user's request.
1.0 means the response fully addresses the request with accurate, actionable
content. 0.0 means it ignores the request or is actively unhelpful. Partial
answers and deflections land in between.`,
	}

	Relevance = Metric{
		Name: "relevance",
		Rubric: `Score how relevant the assistant's response is to the user's request.
1.0 means every part of the response bears on the request. 0.0 means the
response is about something else entirely. Off-topic digressions and padding
lower the score.`,
	}

	Coherence = Metric{
		Name: "coherence",
		Rubric: `Score how coherent the assistant's response is on its own.
1.0 means the response is well structured, internally consistent and easy to
follow. 0.0 means it is contradictory, garbled or unreadable. Ignore whether
the content is correct; judge only its construction.`,
	}
)

// DefaultMetrics is the standard evaluation battery.
var DefaultMetrics = []Metric{Helpfulness, Relevance, Coherence}

// MetricNames returns just the names, for storage queries.
func MetricNames(metrics []Metric) []string {
	names := make([]string, len(metrics))
	for i, m := range metrics {
		names[i] = m.Name
	}
	return names
}

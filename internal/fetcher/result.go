package fetcher

// Status is the settled state of one item in a batch.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Outcome represents the settled result of a fetch inside a batch.
// Batches report one Outcome per input so a failure never hides the other items.
type Outcome struct {
	Status Status

	// Value is the decoded payload; only meaningful when Status is StatusSuccess.
	Value any

	// Err is the reason for a failure.
	Err error
}

// Succeeded builds a success outcome.
func Succeeded(value any) Outcome {
	return Outcome{Status: StatusSuccess, Value: value}
}

// Failed builds a failure outcome.
func Failed(err error) Outcome {
	return Outcome{Status: StatusFailure, Err: err}
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.Status == StatusSuccess
}

// Package querier defines the submission contract to the backing data
// engine: fire a single textual statement, get called back once with the
// tabular result or the failure reason.
//
// The business logic behind each statement is opaque to this layer; no
// transaction spans the asynchronous boundary.
package querier

// Result is the tabular outcome of one executed statement. Request-shaped
// calls return one row with a single JSON value; listing-shaped calls return
// an arbitrary row/column set.
type Result struct {
	Columns []string
	Rows    [][]string
}

// Single returns the lone value of a one-row one-column result.
func (r *Result) Single() (string, bool) {
	if len(r.Rows) == 1 && len(r.Rows[0]) == 1 {
		return r.Rows[0][0], true
	}
	return "", false
}

// Completion receives the result of a submitted statement. It is invoked
// exactly once, with either a non-nil result or a non-nil error.
type Completion func(res *Result, err error)

// Querier submits statements for asynchronous execution. Submit returns
// false without side effects when the submission channel is saturated or
// unavailable; the caller must then answer service-unavailable.
type Querier interface {
	Submit(text string, done Completion) bool
}

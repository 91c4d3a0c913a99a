// Package queriertest provides a manually completed querier for tests.
package queriertest

import (
	"sync"

	"github.com/pggate/pggate/querier"
)

// Call records one submitted statement awaiting manual completion.
type Call struct {
	Text string
	done querier.Completion
}

// Complete invokes the recorded completion.
func (c *Call) Complete(res *querier.Result, err error) {
	c.done(res, err)
}

// Fake is a querier.Querier whose completions fire only when the test says
// so. Set Reject to make Submit report saturation.
type Fake struct {
	mu     sync.Mutex
	calls  []*Call
	Reject bool
}

var _ querier.Querier = (*Fake)(nil)

func (f *Fake) Submit(text string, done querier.Completion) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Reject {
		return false
	}
	f.calls = append(f.calls, &Call{Text: text, done: done})
	return true
}

// Calls returns all submissions so far.
func (f *Fake) Calls() []*Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Call(nil), f.calls...)
}

// Last returns the most recent submission, or nil.
func (f *Fake) Last() *Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

// SingleJSON builds the one-row one-column result shape used by
// request-shaped statements.
func SingleJSON(payload string) *querier.Result {
	return &querier.Result{Columns: []string{"fetch"}, Rows: [][]string{{payload}}}
}

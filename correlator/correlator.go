// Package correlator binds a fired-and-forgotten database statement to the
// exact transport context that asked for it, and routes the single result
// envelope back when the completion callback arrives.
package correlator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pggate/pggate/internal/logctx"
	"github.com/pggate/pggate/querier"
)

var (
	// ErrSubmissionRejected reports a saturated or unavailable submission
	// channel. The caller answers service-unavailable; no retry here.
	ErrSubmissionRejected = errors.New("submission rejected")
	// ErrDuplicateCompletion reports a second callback for an already
	// resolved context. A defect, never a legitimate runtime condition.
	ErrDuplicateCompletion = errors.New("duplicate completion")
)

// Kind is the transport shape waiting on a pending query.
type Kind int

const (
	// KindHTTP waits on an open HTTP connection.
	KindHTTP Kind = iota
	// KindWebSocket waits on a WebSocket session.
	KindWebSocket
	// KindJob stores the result for later single-read retrieval.
	KindJob
)

func (k Kind) String() string {
	switch k {
	case KindWebSocket:
		return "websocket"
	case KindJob:
		return "job"
	}
	return "http"
}

// Responder delivers a finished outcome to the transport owning the pending
// context. Implementations must tolerate the originating connection being
// gone by the time delivery happens.
type Responder interface {
	Deliver(ctx context.Context, pc *Pending, out Outcome)
}

// Pending is the correlator's record of who is waiting for a query's
// result. It is created at submission and destroyed the moment its single
// completion is consumed.
type Pending struct {
	ID   string
	Kind Kind
	// Path is the logical request path; a "/list" segment switches the
	// result to array serialization.
	Path string
	// Redirect and ErrorRedirect are post-query hooks honored by the HTTP
	// transport instead of a JSON body.
	Redirect      string
	ErrorRedirect string
	// UniqueID is the originating WebSocket message id, echoed in the
	// response frame.
	UniqueID string
	// JobID names the deferred job receiving the result for KindJob.
	JobID string

	SubmittedAt time.Time

	ctx       context.Context
	responder Responder
}

// Correlator tracks pending contexts and resolves them exactly once.
//
// Callers must not bind a second in-flight query to the same transport
// context; each Submit allocates a fresh pending record, and the transports
// serialize their own submissions.
type Correlator struct {
	log *slog.Logger
	q   querier.Querier

	mu      sync.Mutex
	pending map[string]*Pending
}

// Option configures the Correlator.
type Option func(*Correlator)

// WithLogger sets the slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Correlator) { c.log = log }
}

// New constructs a Correlator submitting through q.
func New(q querier.Querier, opts ...Option) *Correlator {
	c := &Correlator{
		log:     slog.New(slog.DiscardHandler),
		q:       q,
		pending: make(map[string]*Pending),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit registers pc and fires the statement. It returns false, with no
// side effects beyond logging, when the submission channel is saturated;
// ownership of pc transfers to the Correlator otherwise.
func (c *Correlator) Submit(ctx context.Context, text string, pc *Pending, r Responder) bool {
	if pc.ID == "" {
		pc.ID = uuid.NewString()
	}
	pc.SubmittedAt = time.Now()
	pc.responder = r
	// Keep log/session values but survive the originating request's cancel;
	// the completion arrives on the querier's schedule.
	pc.ctx = logctx.WithQueryData(context.WithoutCancel(ctx), &logctx.QueryData{
		QueryID: pc.ID,
		Path:    pc.Path,
		Kind:    pc.Kind.String(),
	})

	c.mu.Lock()
	c.pending[pc.ID] = pc
	c.mu.Unlock()

	id := pc.ID
	if !c.q.Submit(text, func(res *querier.Result, err error) { c.complete(id, res, err) }) {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		c.log.WarnContext(ctx, "query.submit.rejected", slog.String("path", pc.Path))
		return false
	}

	c.log.DebugContext(ctx, "query.submit.ok",
		slog.String("id", pc.ID),
		slog.String("kind", pc.Kind.String()),
		slog.String("path", pc.Path))
	return true
}

// complete consumes the single expected callback for id. A second callback
// for the same id is a correlator invariant violation: it is reported at the
// highest severity and dropped.
func (c *Correlator) complete(id string, res *querier.Result, err error) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.log.Error("query.complete.duplicate",
			slog.String("id", id),
			slog.String("err", ErrDuplicateCompletion.Error()))
		return
	}

	out := c.resolve(pc, res, err)
	pc.responder.Deliver(pc.ctx, pc, out)
}

func (c *Correlator) resolve(pc *Pending, res *querier.Result, err error) Outcome {
	if err != nil {
		// Execution failure at the database layer, as opposed to an embedded
		// application error.
		c.log.ErrorContext(pc.ctx, "query.execute.fail",
			slog.String("id", pc.ID),
			slog.String("path", pc.Path),
			slog.String("err", err.Error()))
		return errorOutcome(500, "Internal Server Error.")
	}

	out, decodeErr := decode(res, pc.Path)
	if decodeErr != nil {
		c.log.ErrorContext(pc.ctx, "query.decode.fail",
			slog.String("id", pc.ID),
			slog.String("path", pc.Path),
			slog.String("err", decodeErr.Error()))
		return errorOutcome(500, "Internal Server Error.")
	}

	if out.AppError {
		c.log.InfoContext(pc.ctx, "query.complete.app_error",
			slog.String("id", pc.ID),
			slog.String("path", pc.Path),
			slog.Int("status", out.Status),
			slog.String("err", out.Message))
	} else {
		c.log.DebugContext(pc.ctx, "query.complete.ok",
			slog.String("id", pc.ID),
			slog.Duration("dur", time.Since(pc.SubmittedAt)))
	}
	return out
}

// PendingCount reports outstanding contexts. Diagnostics only.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

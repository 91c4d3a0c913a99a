package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pggate/pggate/correlator"
	"github.com/pggate/pggate/jobs"
)

// waiter hands the outcome back to the blocked HTTP handler. The channel is
// buffered so delivery never blocks a querier worker, even when the handler
// has already given up on a vanished client.
type waiter struct {
	ch chan correlator.Outcome
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan correlator.Outcome, 1)}
}

func (wt *waiter) Deliver(_ context.Context, _ *correlator.Pending, out correlator.Outcome) {
	wt.ch <- out
}

// jobResponder parks the outcome in the job store for later retrieval.
type jobResponder struct {
	log   *slog.Logger
	store jobs.Store
}

func (jr *jobResponder) Deliver(ctx context.Context, pc *correlator.Pending, out correlator.Outcome) {
	if err := jr.store.Complete(ctx, pc.JobID, out.Status, out.Body); err != nil {
		jr.log.ErrorContext(ctx, "job.complete.fail",
			slog.String("job", pc.JobID),
			slog.String("err", err.Error()))
	}
}

// handleDeferred runs the v2 flow: a POST is accepted immediately and
// answered with a job id; a GET names a previously issued job id and polls
// for the parked result, consuming it on the first successful read.
func (g *Gateway) handleDeferred(w http.ResponseWriter, r *http.Request, path string) {
	if r.Method == http.MethodGet {
		if !jobIDPattern.MatchString(path[1:]) {
			writeError(w, http.StatusBadRequest, "Invalid request.")
			return
		}
		g.handleJobPoll(w, r, path[1:])
		return
	}

	payload, err := requestPayload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	text, status, err := g.buildFetchSQL(r, path, payload)
	if err != nil {
		g.writeAuthError(w, r, status, err)
		return
	}

	id := jobs.NewID()
	if err := g.jobs.Create(r.Context(), id); err != nil {
		g.log.ErrorContext(r.Context(), "job.create.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal Server Error.")
		return
	}

	pc := &correlator.Pending{Kind: correlator.KindJob, Path: path, JobID: id}
	if !g.corr.Submit(r.Context(), text, pc, &jobResponder{log: g.log, store: g.jobs}) {
		writeError(w, http.StatusServiceUnavailable, "Temporarily unavailable.")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (g *Gateway) handleJobPoll(w http.ResponseWriter, r *http.Request, id string) {
	j, err := g.jobs.Take(r.Context(), id)
	switch {
	case errors.Is(err, jobs.ErrPending):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not Found.")
	case err != nil:
		g.log.ErrorContext(r.Context(), "job.take.fail",
			slog.String("job", id),
			slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal Server Error.")
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(j.Status)
		_, _ = w.Write(j.Body)
	}
}

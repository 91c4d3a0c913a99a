// Package jobs holds results of deferred queries until their one permitted
// read. A job is created when a deferred request is accepted, completed when
// its query resolves, and destroyed by the first successful read.
package jobs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrNotFound reports an unknown, expired, or already-read job.
	ErrNotFound = errors.New("job not found")
	// ErrPending reports a job whose query has not resolved yet.
	ErrPending = errors.New("job pending")
)

// Job is one deferred query result.
type Job struct {
	// ID is the 40-hex job identifier handed to the client.
	ID string `json:"id"`
	// Done flips once the query resolves.
	Done bool `json:"done"`
	// Status and Body are the response rendering captured at completion.
	Status int    `json:"status,omitempty"`
	Body   []byte `json:"body,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Store persists jobs between acceptance and their single read.
type Store interface {
	// Create registers an empty pending job under id.
	Create(ctx context.Context, id string) error

	// Complete records the result for a pending job. Completing an unknown
	// job returns ErrNotFound.
	Complete(ctx context.Context, id string, status int, body []byte) error

	// Take returns the finished job and removes it, making the read
	// single-use. It returns ErrPending while the query is outstanding and
	// ErrNotFound for unknown or already-read ids.
	Take(ctx context.Context, id string) (*Job, error)
}

// NewID returns a fresh 40-hex job identifier.
func NewID() string {
	var b [20]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

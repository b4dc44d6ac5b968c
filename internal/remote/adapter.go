// Package remote abstracts the authoritative remote store behind a small
// adapter interface. Adapters classify every failure as transient or
// permanent so the dispatcher can decide between backing off and
// dead-lettering without knowing the transport.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hyperengineering/tether/internal/config"
)

// Adapter applies mutations to the authoritative remote store.
//
// Upsert must be idempotent: replaying the same payload for the same
// (table, id) converges on the same remote state. Delete of an id that was
// never created, or was already deleted, is success.
type Adapter interface {
	Upsert(ctx context.Context, table, id string, payload json.RawMessage) error
	Delete(ctx context.Context, table, id string) error

	// Ping probes reachability. Used by the connectivity monitor; call
	// outcomes remain authoritative regardless of what Ping reported.
	Ping(ctx context.Context) error
}

// ErrorClass partitions adapter failures for retry policy.
type ErrorClass int

const (
	// ClassTransient covers infrastructure faults: unreachable remote,
	// timeouts, throttling, 5xx. The mutation is expected to succeed later.
	ClassTransient ErrorClass = iota
	// ClassPermanent covers logical rejections: the remote understood the
	// request and refused it. Retrying the identical mutation cannot succeed.
	ClassPermanent
)

func (c ErrorClass) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// TransientError marks a failure as retryable infrastructure trouble.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure as a logical rejection.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a transient failure.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// Permanent wraps err as a permanent failure.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Classify returns the error class of an adapter failure. Unwrapped errors
// default to transient: misclassifying a permanent fault costs retries,
// misclassifying a transient one would dead-letter a deliverable mutation.
func Classify(err error) ErrorClass {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return ClassPermanent
	}
	return ClassTransient
}

// classifyStatus wraps err according to the HTTP status code of a failed
// call. Timeouts, throttling, and server faults are transient; every other
// client error is a rejection the remote will repeat.
func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return Transient(err)
	case status >= 400:
		return Permanent(err)
	default:
		return Transient(err)
	}
}

// New creates the adapter selected by cfg.Kind.
func New(cfg config.RemoteConfig) (Adapter, error) {
	switch cfg.Kind {
	case config.RemoteKindHTTP:
		return NewHTTPAdapter(cfg.HTTP), nil
	case config.RemoteKindS3:
		return NewS3Adapter(cfg.S3)
	default:
		return nil, fmt.Errorf("unknown remote kind %q", cfg.Kind)
	}
}

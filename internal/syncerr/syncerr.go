// Package syncerr defines the error kinds of spec §7. Core packages
// return these sentinels (or values wrapping them); the HTTP layer is
// the only place that maps them to status codes.
package syncerr

import "errors"

var (
	// ErrInvalidInput: missing/malformed field. Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotLeader: attempted write on a follower without a forward path.
	ErrNotLeader = errors.New("not the leader")

	// ErrForwardFailed: leader unreachable while forwarding a command.
	ErrForwardFailed = errors.New("forward to leader failed")

	// ErrBackendUnavailable: the external log/queue backend is unreachable.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrTermChanged: the replicator observed a higher term while an
	// append was in flight; the entry had already been written to the
	// log (spec §9 open question on term races).
	ErrTermChanged = errors.New("term changed during append")
)

// Transient wraps a per-peer RPC failure that the caller must absorb
// silently (spec §7: "absorbed silently; operation proceeds with
// partial peer set"). It is never returned from a public API call; it
// exists so broadcast helpers can log a uniform shape.
type Transient struct {
	Peer string
	Err  error
}

func (t *Transient) Error() string {
	return "transient failure talking to " + t.Peer + ": " + t.Err.Error()
}

func (t *Transient) Unwrap() error { return t.Err }

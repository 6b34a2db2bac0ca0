package collective

import "fmt"

// InitError reports that the process group could not be formed: the master
// was unreachable within the dial timeout, the handshake was rejected, or the
// group configuration is inconsistent across ranks. It is fatal; there is no
// retry at this layer.
type InitError struct {
	Rank int
	Err  error
}

// Error implements the error interface.
func (e *InitError) Error() string {
	return fmt.Sprintf("collective init failed on rank %d: %v", e.Rank, e.Err)
}

// Unwrap returns the underlying cause.
func (e *InitError) Unwrap() error { return e.Err }

// CollectiveError reports that a broadcast or all-reduce failed mid-run,
// typically because a peer died or the group lost agreement on the operation
// sequence. Partial synchronization leaves replicas with divergent
// parameters, so the whole run must abort.
type CollectiveError struct {
	Op   string // "broadcast" or "allreduce"
	Rank int
	Err  error
}

// Error implements the error interface.
func (e *CollectiveError) Error() string {
	return fmt.Sprintf("collective %s failed on rank %d: %v", e.Op, e.Rank, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CollectiveError) Unwrap() error { return e.Err }

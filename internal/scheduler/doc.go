// Package scheduler decides when each feed source is due for a fetch.
//
// It keeps a next-due timestamp per feed, applies jitter so feeds sharing an
// interval do not fire in lockstep, backs off exponentially on transient
// failures, and disables feeds that keep failing. A global cap bounds how
// many fetches may be in flight at once; feeds due while the cap is reached
// are deferred to the next tick, never dropped.
package scheduler

// Package feed defines the canonical item model and the fetcher that turns
// heterogeneous feed formats (RSS, Atom, JSON Feed) into it.
//
// The fetcher performs network I/O only. It never touches the dedup store or
// the delivery ledger; failure classification (transient vs permanent) is the
// scheduler's backoff signal.
package feed

// Package dispatch delivers resolved items to destinations.
//
// One sequential worker per destination guarantees FIFO delivery order even
// while earlier items retry; destinations run concurrently with each other.
// A token bucket per destination caps delivery rate: when it is empty the
// queue head waits, it is never skipped or reordered around. Transient send
// failures retry with exponential backoff up to a cap, then the item is
// dead-lettered for that destination and the queue moves on.
package dispatch

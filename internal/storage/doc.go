// Package storage provides the persistence layer backing the dedup store
// and the delivery ledger.
//
// It is a flat key/value contract (get/put/delete plus prefix scan) so the
// pipeline does not assume a specific storage engine. Two drivers exist:
//   - "file": dependency-free JSONL journal + snapshot
//   - "sqlite": single-file SQLite database (modernc, no cgo)
package storage
